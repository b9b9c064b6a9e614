// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package filterchain

import (
	"bytes"
	"errors"
	"fmt"
)

// LineFilter decodes newline-delimited text. Upstream, byte messages become
// one string per line (without the line terminator, "\n" or "\r\n").
// Downstream, strings and byte slices have "\n" appended.
type LineFilter struct {
	BaseFilter
	// MaxLength bounds the length of a line, 0 disables the limit.
	MaxLength int
}

// ErrLineTooLong is returned by [LineFilter] when a line exceeds its
// MaxLength.
var ErrLineTooLong = errors.New("filterchain: line too long")

var _ Filter = (*LineFilter)(nil)

func NewLineFilter(maxLength int) *LineFilter { return &LineFilter{MaxLength: maxLength} }

func (x *LineFilter) HandleRead(ctx *FilterContext) (NextAction, error) {
	message := ctx.Message()
	b, ok := bytesOf(message)
	if !ok {
		return Stop(nil), fmt.Errorf(`%w: %T`, ErrUnsupportedMessage, message)
	}

	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		if x.MaxLength > 0 && len(b) > x.MaxLength {
			return Stop(nil), fmt.Errorf(`%w: %d bytes without a terminator`, ErrLineTooLong, len(b))
		}
		if len(b) == 0 {
			return Stop(nil), nil
		}
		// keep the partial line until more data arrives
		partial := bytes.Clone(b)
		release(message)
		return Stop(partial), nil
	}

	line := b[:i]
	if n := len(line); n != 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	if x.MaxLength > 0 && len(line) > x.MaxLength {
		return Stop(nil), fmt.Errorf(`%w: %d bytes`, ErrLineTooLong, len(line))
	}

	var rest []byte
	if i+1 < len(b) {
		rest = bytes.Clone(b[i+1:])
	}
	release(message)
	ctx.SetMessage(string(line))

	if rest == nil {
		return Invoke(), nil
	}
	return InvokeWithRemainder(rest), nil
}

func (x *LineFilter) HandleWrite(ctx *FilterContext) (NextAction, error) {
	switch v := ctx.Message().(type) {
	case string:
		ctx.SetMessage(v + "\n")
	case []byte:
		ctx.SetMessage(append(v[:len(v):len(v)], '\n'))
	default:
		return Stop(nil), fmt.Errorf(`%w: %T`, ErrUnsupportedMessage, v)
	}
	return Invoke(), nil
}
