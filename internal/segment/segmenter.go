// Package segment splits source text into ordered narrative segments.
// Splitting is pure and deterministic: identical text and options always
// produce identical boundaries, so retries and previews agree byte for
// byte. Derived metadata is attached separately from capability output.
package segment

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/storyreel-labs/storyreel-go/internal/domain"
)

// Options control boundary selection. PreserveContext keeps packing to the
// end of the current paragraph once the target is reached, so a scene is
// not cut mid-paragraph unless the soft limit forces it.
type Options struct {
	Target          domain.TargetLength
	PreserveContext bool
}

// Split cuts text into segments around the configured target length.
// Boundaries sit on sentence ends, preferring paragraph ends; a segment
// exceeding the soft limit is flagged Overlong, never rejected. Returned
// segments carry no run id; the caller stamps ownership before persisting.
func Split(text string, opts Options) ([]domain.Segment, error) {
	if !opts.Target.Valid() {
		return nil, fmt.Errorf("unknown target length %q", opts.Target)
	}
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(normalized) == "" {
		return nil, errors.New("source text is required")
	}
	spans := scanSentences(normalized)
	return pack(normalized, spans, opts), nil
}

type span struct {
	start   int
	end     int
	paraEnd bool
}

func pack(text string, spans []span, opts Options) []domain.Segment {
	target := opts.Target.Runes()
	soft := opts.Target.SoftLimit()
	segments := make([]domain.Segment, 0)
	curStart := -1
	curEnd := -1
	curLen := 0

	flush := func() {
		if curStart < 0 {
			return
		}
		segText := strings.TrimSpace(text[curStart:curEnd])
		curStart = -1
		if segText == "" {
			return
		}
		length := utf8.RuneCountInString(segText)
		segments = append(segments, domain.Segment{
			Index:    len(segments),
			Text:     segText,
			Overlong: length > soft,
		})
	}

	for _, sp := range spans {
		if curStart >= 0 {
			joined := utf8.RuneCountInString(strings.TrimSpace(text[curStart:sp.end]))
			if joined > soft {
				flush()
			} else {
				curEnd = sp.end
				curLen = joined
				if closeHere(curLen, sp.paraEnd, target, soft, opts.PreserveContext) {
					flush()
				}
				continue
			}
		}
		curStart = sp.start
		curEnd = sp.end
		curLen = utf8.RuneCountInString(strings.TrimSpace(text[sp.start:sp.end]))
		if closeHere(curLen, sp.paraEnd, target, soft, opts.PreserveContext) {
			flush()
		}
	}
	flush()
	return segments
}

func closeHere(length int, paraEnd bool, target, soft int, preserveContext bool) bool {
	if length >= soft {
		return true
	}
	if length < target {
		return false
	}
	if preserveContext {
		return paraEnd
	}
	return true
}

// scanSentences produces cut candidates as byte ranges over text. A span
// ends at a sentence terminator followed by whitespace, or at a paragraph
// break (blank line). Sentences are atomic: a span is never cut again, so
// one giant sentence becomes one overlong segment.
func scanSentences(text string) []span {
	spans := make([]span, 0)
	n := len(text)
	start := 0
	i := 0

	markParaEnd := func(cut int) {
		if strings.TrimSpace(text[start:cut]) != "" {
			spans = append(spans, span{start: start, end: cut, paraEnd: true})
		} else if len(spans) > 0 {
			spans[len(spans)-1].paraEnd = true
		}
	}

	for i < n {
		r, size := utf8.DecodeRuneInString(text[i:])
		switch {
		case r == '\n':
			j := i
			newlines := 0
			for j < n {
				r2, s2 := utf8.DecodeRuneInString(text[j:])
				if r2 == '\n' {
					newlines++
					j += s2
					continue
				}
				if r2 == ' ' || r2 == '\t' || r2 == '\r' {
					j += s2
					continue
				}
				break
			}
			if newlines >= 2 {
				markParaEnd(i)
				start = j
			}
			i = j
		case isSentenceEnd(r):
			j := i + size
			for j < n {
				r2, s2 := utf8.DecodeRuneInString(text[j:])
				if isSentenceEnd(r2) || isClosingMark(r2) {
					j += s2
					continue
				}
				break
			}
			if j >= n {
				i = j
				continue
			}
			if next, _ := utf8.DecodeRuneInString(text[j:]); unicode.IsSpace(next) {
				spans = append(spans, span{start: start, end: j})
				start = j
			}
			i = j
		default:
			i += size
		}
	}
	markParaEnd(n)
	return spans
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	default:
		return false
	}
}

func isClosingMark(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', '»', ')', ']', '」', '』':
		return true
	default:
		return false
	}
}
