// Package wire provides a growable byte buffer with fail-once builder
// semantics, used to assemble serialized HTTP/1.1 requests.
package wire

import (
	"fmt"

	"github.com/jhofstee/siwi2way/pkg/httpcode"
)

// Builder accumulates bytes for a single serialized request. Once an
// operation fails (currently only possible via explicit Fail), every
// subsequent method becomes a no-op and Err returns the latched error —
// callers can chain Set/Add/Addf without checking each call individually.
type Builder struct {
	buf []byte
	err error
}

// New returns an empty Builder with the given initial capacity hint.
func New(capHint int) *Builder {
	if capHint <= 0 {
		capHint = 256
	}
	return &Builder{buf: make([]byte, 0, capHint)}
}

// Reset clears the buffer and the sticky error so the Builder can be
// reused for a new request (the engine reuses a Request's Builder across
// retransmits, never across distinct logical requests).
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.err = nil
}

// Set replaces the contents with s (no trailing CRLF added).
func (b *Builder) Set(s string) *Builder {
	if b.err != nil {
		return b
	}
	b.buf = append(b.buf[:0], s...)
	return b
}

// Add appends s verbatim.
func (b *Builder) Add(s string) *Builder {
	if b.err != nil {
		return b
	}
	b.buf = append(b.buf, s...)
	return b
}

// AddByte appends a single byte.
func (b *Builder) AddByte(c byte) *Builder {
	if b.err != nil {
		return b
	}
	b.buf = append(b.buf, c)
	return b
}

// Addf appends a formatted string.
func (b *Builder) Addf(format string, args ...any) *Builder {
	if b.err != nil {
		return b
	}
	b.buf = append(b.buf, fmt.Sprintf(format, args...)...)
	return b
}

// AddCRLF appends a bare CRLF, closing a header line or the header block.
func (b *Builder) AddCRLF() *Builder {
	return b.Add("\r\n")
}

// unreserved characters pass through AddURLEncoded untouched, along with
// '#' and '/'. This whitelist is only safe for path segments, never
// query strings; pkg/pubsub only ever uses it that way.
func isUnreserved(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '#' || c == '/':
		return true
	}
	return false
}

// AddURLEncoded percent-encodes s and appends it, passing unreserved
// characters plus '#' and '/' through unchanged.
func (b *Builder) AddURLEncoded(s string) *Builder {
	if b.err != nil {
		return b
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.buf = append(b.buf, c)
			continue
		}
		b.buf = append(b.buf, fmt.Sprintf("%%%02X", c)...)
	}
	return b
}

// Fail latches a sticky error; every subsequent builder call becomes a
// no-op until Reset.
func (b *Builder) Fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Err returns the latched error, if any.
func (b *Builder) Err() error {
	return b.err
}

// Bytes returns the accumulated buffer, or nil if a sticky error is
// latched.
func (b *Builder) Bytes() []byte {
	if b.err != nil {
		return nil
	}
	return b.buf
}

// Len returns the number of bytes accumulated so far.
func (b *Builder) Len() int {
	return len(b.buf)
}

// NoMem is a convenience for latching the standard out-of-memory sticky
// error used when a caller detects allocation failure outside Builder
// itself (e.g. a pool exhausted).
func NoMem(op string) *Builder {
	return (&Builder{}).Fail(httpcode.New(httpcode.NoMem, op, "allocation failed", nil))
}
