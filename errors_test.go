package jsbridge

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindStrings(t *testing.T) {
	cases := map[ErrorKind]string{
		KindRuntime:           "runtime",
		KindMissingEntrypoint: "missing entrypoint",
		KindValueNotFound:     "value not found",
		KindValueNotCallable:  "value not callable",
		KindV8Encoding:        "v8 encoding",
		KindJsonDecode:        "json decode",
		KindModuleNotFound:    "module not found",
		KindWorkerStopped:     "worker stopped",
		KindTimeout:           "timeout",
		KindHeapExhausted:     "heap exhausted",
	}
	for kind, want := range cases {
		if kind.String() != want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", kind, kind.String(), want)
		}
	}
}

func TestIsKindSeesThroughWrapping(t *testing.T) {
	base := newError(KindTimeout, "deadline elapsed")
	wrapped := fmt.Errorf("loading module: %w", base)

	if !IsKind(wrapped, KindTimeout) {
		t.Fatal("IsKind missed a wrapped error")
	}
	if IsKind(wrapped, KindHeapExhausted) {
		t.Fatal("IsKind matched the wrong kind")
	}
	if IsKind(nil, KindTimeout) {
		t.Fatal("IsKind matched nil")
	}
	if IsKind(errors.New("plain"), KindTimeout) {
		t.Fatal("IsKind matched an untyped error")
	}
}

func TestErrorIsMatchesByKind(t *testing.T) {
	err := wrapError(KindJsonDecode, errors.New("bad byte"), "decoding result")
	if !errors.Is(err, &Error{Kind: KindJsonDecode}) {
		t.Fatal("errors.Is did not match by kind")
	}
	if errors.Is(err, &Error{Kind: KindRuntime}) {
		t.Fatal("errors.Is matched a different kind")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := wrapError(KindModuleNotFound, cause, "reading main.js")
	if got := err.Error(); got != "reading main.js: disk on fire" {
		t.Fatalf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause is not reachable through Unwrap")
	}
}
