//go:build !linux

package shim

// The preload library is only built for Linux. Elsewhere the store keeps a
// single context per process, which is enough for the tests.
func gettid() int { return 0 }
