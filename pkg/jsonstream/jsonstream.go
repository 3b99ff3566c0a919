// Package jsonstream implements the event-based JSON streaming parser
// consumed by pkg/pubsub: feed bytes as they arrive via Parse, never
// assuming the whole document is present yet, then finalize with
// Complete once the body is exhausted.
//
// encoding/json.Decoder.Token is not itself safely resumable across a
// value split mid-literal between two Parse calls: once Decode hits an
// end-of-input error partway through a scalar, it latches that error on
// the Decoder permanently, even after more bytes are appended to the
// underlying reader. Parser works around this by keeping the full
// accumulated body and re-running a fresh Decoder over it on every
// Parse call, replaying (without re-delivering) tokens already
// reported; bodies handled here are small pub/sub payloads, so the
// O(n^2) re-scan cost across a body's lifetime is immaterial.
package jsonstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Parser feeds accumulated body bytes through encoding/json's
// tokenizer and raises OnStartArray/OnEndArray/OnString callbacks for
// each newly completed token.
type Parser struct {
	OnStartArray func()
	OnEndArray   func()
	OnString     func(s string)

	buf   []byte
	fired int // number of tokens already delivered
}

// New returns a Parser ready to receive bytes via Parse.
func New() *Parser {
	return &Parser{}
}

// Parse appends chunk to the accumulated body and raises callbacks for
// every token that can now be fully determined. Tokens still pending
// on more bytes are silently deferred to a later Parse call.
func (p *Parser) Parse(chunk []byte) error {
	p.buf = append(p.buf, chunk...)
	return p.drain()
}

func (p *Parser) drain() error {
	dec := json.NewDecoder(bytes.NewReader(p.buf))
	idx := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("jsonstream: %w", err)
		}
		if idx >= p.fired {
			p.deliver(tok)
			p.fired++
		}
		idx++
	}
}

func (p *Parser) deliver(tok json.Token) {
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '[':
			if p.OnStartArray != nil {
				p.OnStartArray()
			}
		case ']':
			if p.OnEndArray != nil {
				p.OnEndArray()
			}
		}
	case string:
		if p.OnString != nil {
			p.OnString(v)
		}
	}
}

// Complete finalizes parsing at end of body. It reports an error if
// the accumulated body never fully tokenized (a genuinely truncated or
// malformed document).
func (p *Parser) Complete() error {
	if len(p.buf) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(p.buf))
	count := 0
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("jsonstream: truncated or malformed document: %w", err)
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '[', '{':
				depth++
			case ']', '}':
				depth--
			}
		}
		count++
	}
	if depth != 0 {
		return fmt.Errorf("jsonstream: truncated document: %d unclosed array(s) or object(s)", depth)
	}
	if count != p.fired {
		return fmt.Errorf("jsonstream: document did not fully parse")
	}
	return nil
}
