package jsbridge

import (
	"sync"
	"time"
)

// RuntimeOptions configures a Runtime. The struct is consumed once at
// construction; later mutation has no effect on a running runtime.
type RuntimeOptions struct {
	// DefaultEntrypoint is looked up as an exported or global function after
	// a load, when the script did not register an entrypoint itself.
	DefaultEntrypoint string

	// Timeout bounds each blocking operation (a module load, a function
	// call, an eval). Zero means no deadline.
	Timeout time.Duration

	// MaxHeapSize is the engine memory ceiling in bytes. Zero disables the
	// ceiling. Exceeding it aborts the in-flight operation with a
	// HeapExhausted error and poisons the runtime (see ErrorKind).
	MaxHeapSize uint64

	// Extensions are applied in order at construction and re-applied after
	// every Reset.
	Extensions []Extension

	// ImportProvider resolves import specifiers that do not match any
	// registered module. Nil means only registered modules are importable.
	ImportProvider ImportProvider

	// SharedStore is an optional byte store shared across runtimes. When
	// set, scripts can reach it through jsbridge.shared.get/set.
	SharedStore *SharedStore

	// ModuleCache caches transformed module source, keyed by content hash.
	// Nil disables caching.
	ModuleCache ModuleCacheProvider

	// WorkingDir resolves relative module filenames. Defaults to the
	// process working directory.
	WorkingDir string
}

// Extension installs extra capabilities into a runtime: host functions,
// global objects, prelude scripts. Setup runs on the engine's owning thread
// at construction and again after each Reset.
type Extension interface {
	Name() string
	Setup(rt *Runtime) error
}

// ImportProvider supplies module source for import specifiers the runtime
// does not already know. Referrer is the importing module's URL.
type ImportProvider interface {
	Resolve(specifier, referrer string) (Module, error)
}

// SharedStore is a concurrency-safe byte store that can be handed to several
// runtimes, giving their scripts a common side channel.
type SharedStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewSharedStore creates an empty store.
func NewSharedStore() *SharedStore {
	return &SharedStore{data: make(map[string][]byte)}
}

// Get returns the value for key and whether it was present.
func (s *SharedStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Set stores a copy of value under key.
func (s *SharedStore) Set(key string, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	s.data[key] = cp
	s.mu.Unlock()
}

// Delete removes key from the store.
func (s *SharedStore) Delete(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}
