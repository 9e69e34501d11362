// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package autotitle generates conversation titles in two phases: a fast
// optimistic title when a conversation is born, and a debounced final title
// once the conversation has settled.
package autotitle

import (
	"strings"
	"unicode"
)

// maxTitleWords caps normalized titles. Longer model output is truncated,
// never rejected.
const maxTitleWords = 6

// Normalize turns raw model output into a displayable title.
//
// # Description
//
// Model output is messy: multi-line, quoted, punctuated, and occasionally
// stuttered ("Planning A Trip Planning A Trip"). Normalize applies, in
// order:
//
//  1. Keep the first line only.
//  2. Strip surrounding quotes and leading/trailing punctuation.
//  3. Collapse runs of whitespace to single spaces.
//  4. Collapse an exact first-half/second-half duplication.
//  5. Truncate to maxTitleWords words.
//  6. Title-case each word.
//
// Duplication collapses before truncation so a stuttered long title still
// yields its full intended words.
//
// # Outputs
//
//   - string: The normalized title. Empty when nothing usable remains;
//     callers must treat empty as "no title" and keep what they have.
func Normalize(raw string) string {
	line := firstLine(raw)
	line = strings.TrimSpace(line)
	line = strings.Trim(line, `"'`)
	line = strings.TrimFunc(line, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})

	words := strings.Fields(line)
	if len(words) == 0 {
		return ""
	}

	words = collapseHalfDuplication(words)

	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}

	for i, w := range words {
		words[i] = capitalize(w)
	}
	return strings.Join(words, " ")
}

func firstLine(s string) string {
	if idx := strings.IndexAny(s, "\r\n"); idx >= 0 {
		return s[:idx]
	}
	return s
}

// collapseHalfDuplication removes an exact repetition of the whole title:
// ["plan", "a", "trip", "plan", "a", "trip"] becomes ["plan", "a", "trip"].
// Partial overlaps are left alone.
func collapseHalfDuplication(words []string) []string {
	n := len(words)
	if n < 2 || n%2 != 0 {
		return words
	}
	half := n / 2
	for i := 0; i < half; i++ {
		if !strings.EqualFold(words[i], words[half+i]) {
			return words
		}
	}
	return words[:half]
}

func capitalize(w string) string {
	runes := []rune(w)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
