// Package iox provides small I/O cleanup helpers.
package iox

import "io"

// DiscardClose closes c and discards the error. For defer sites where a
// close failure is unactionable:
//
//	defer iox.DiscardClose(conn)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function closing c, for t.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(listener))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error, for non-Close cleanup
// such as Flush.
func DiscardErr(fn func() error) { _ = fn() }
