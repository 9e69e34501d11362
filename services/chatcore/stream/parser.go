// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream consumes and manages chat token streams: parsing the SSE
// wire format into typed frames, reading them off a transport, and running
// the per-turn streaming session lifecycle.
//
// This file contains the frame parser. Parsers ONLY parse: no I/O, no
// session state. That separation keeps the wire format testable on its own.
package stream

import (
	"encoding/json"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/chatcore/datatypes"
)

// =============================================================================
// Frame Parser
// =============================================================================

// FrameParser assembles SSE lines into typed StreamFrames.
//
// Wire format (one frame):
//
//	event: token
//	data: {"t":"Hello"}
//	\n
//
// An "event:" line names the frame type, "data:" lines carry the JSON
// payload, and a blank line terminates the frame. Comment lines (":") are
// ignored.
//
// Malformed payload handling is per event type:
//   - token, meta: the frame is silently dropped (one bad frame must not
//     kill a long stream)
//   - error: a generic stream-failure payload is synthesized, because an
//     unparseable error frame still means the stream is over
//   - unrecognized event names: dropped
//
// Thread Safety:
//
//	A FrameParser accumulates one frame across lines and is NOT safe for
//	concurrent use. Use one parser per stream.
type FrameParser struct {
	event   string
	data    []string
	inFrame bool
}

// NewFrameParser creates a parser for one stream.
func NewFrameParser() *FrameParser {
	return &FrameParser{}
}

// ParseLine feeds one line (without trailing newline) into the parser.
//
// Returns a non-nil frame when a blank line completed a well-formed frame;
// nil otherwise. The error return is reserved for future formats and is
// always nil today; dropped frames are not errors.
func (p *FrameParser) ParseLine(line string) (*datatypes.StreamFrame, error) {
	line = strings.TrimSuffix(line, "\r")

	// Blank line: frame boundary.
	if strings.TrimSpace(line) == "" {
		return p.finish(), nil
	}

	// Comments keep connections alive; they carry nothing.
	if strings.HasPrefix(line, ":") {
		return nil, nil
	}

	if name, ok := fieldValue(line, "event"); ok {
		p.event = name
		p.inFrame = true
		return nil, nil
	}

	if payload, ok := fieldValue(line, "data"); ok {
		p.data = append(p.data, payload)
		p.inFrame = true
		return nil, nil
	}

	// Unknown field names are ignored per the SSE spec.
	return nil, nil
}

// Flush completes a trailing frame when the stream ends without a final
// blank line. Returns nil when no frame was pending.
func (p *FrameParser) Flush() *datatypes.StreamFrame {
	return p.finish()
}

func (p *FrameParser) finish() *datatypes.StreamFrame {
	if !p.inFrame {
		return nil
	}
	event := p.event
	data := strings.Join(p.data, "\n")
	p.event = ""
	p.data = nil
	p.inFrame = false

	return buildFrame(event, []byte(data))
}

// fieldValue splits an SSE "name: value" line. Both "name: value" and
// "name:value" are accepted.
func fieldValue(line, name string) (string, bool) {
	if !strings.HasPrefix(line, name+":") {
		return "", false
	}
	v := line[len(name)+1:]
	return strings.TrimPrefix(v, " "), true
}

func buildFrame(event string, data []byte) *datatypes.StreamFrame {
	switch datatypes.EventType(event) {
	case datatypes.EventToken:
		var payload datatypes.TokenPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil // malformed token frames are dropped
		}
		return &datatypes.StreamFrame{Event: datatypes.EventToken, Token: &payload}

	case datatypes.EventMeta:
		var payload datatypes.MetaPayload
		if err := json.Unmarshal(data, &payload); err != nil || payload.Type == "" {
			return nil // malformed meta frames are dropped
		}
		return &datatypes.StreamFrame{Event: datatypes.EventMeta, Meta: &payload}

	case datatypes.EventError:
		var payload datatypes.ErrorPayload
		if err := json.Unmarshal(data, &payload); err != nil || payload.Message == "" {
			// The server said "error" but we cannot read the details.
			// The stream is still over; synthesize a generic failure.
			payload = datatypes.ErrorPayload{Message: "stream failed"}
		}
		return &datatypes.StreamFrame{Event: datatypes.EventError, Error: &payload}

	default:
		// Forward-compatible: unrecognized event types are ignored.
		return nil
	}
}
