// Package iox holds small close and drain helpers shared by kiln's
// storage and transport code.
package iox

import "io"

// maxDrain caps how much of a response body DrainClose reads.
const maxDrain = 64 << 10

// DiscardClose closes c and drops the error.
//
//	defer iox.DiscardClose(rc)
func DiscardClose(c io.Closer) { _ = c.Close() }

// DrainClose reads up to 64 KiB of rc before closing it, so an HTTP
// connection can go back to the pool.
func DrainClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, maxDrain))
	_ = rc.Close()
}

// CloseFunc returns a func that closes c, for t.Cleanup.
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}
