// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the stream reader: it consumes an io.Reader line by
// line, hands lines to a FrameParser, and emits completed frames through a
// callback. Readers handle I/O and sequencing only; they do not interpret
// frames.
package stream

import (
	"bufio"
	"context"
	"io"

	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
)

// FrameCallback receives each parsed frame. Returning an error stops the
// read and propagates the error to the caller.
type FrameCallback func(frame datatypes.StreamFrame) error

// maxLineSize bounds a single SSE line. Token frames are tiny; this only
// matters for pathological meta frames with large source lists.
const maxLineSize = 1024 * 1024

// ReadFrames reads an SSE stream until EOF, a terminal frame, context
// cancellation, or a callback error.
//
// Parameters:
//   - ctx: Cancelling it stops the read with ctx.Err(). Checked between
//     lines; the underlying read itself is unblocked by closing r upstream.
//   - r: The stream source. Caller closes it.
//   - callback: Invoked for each completed frame, in arrival order.
//
// Returns nil on EOF or terminal frame, otherwise the stopping error.
func ReadFrames(ctx context.Context, r io.Reader, callback FrameCallback) error {
	parser := NewFrameParser()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, err := parser.ParseLine(scanner.Text())
		if err != nil {
			return err
		}
		if frame == nil {
			continue
		}

		if err := callback(*frame); err != nil {
			return err
		}
		if frame.IsTerminal() {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	// EOF without a trailing blank line: flush the last frame.
	if frame := parser.Flush(); frame != nil {
		if err := callback(*frame); err != nil {
			return err
		}
	}
	return nil
}
