//go:build linux

package engine

// This file exists to enable cgo for this package so that
// glibc_compat_linux.c is compiled and linked. See that file for why the
// shims are needed.

import "C"
