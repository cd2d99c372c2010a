package casemill

import (
	"strings"
	"time"
)

// bufferTimeLayout is the timestamp format used in canonical buffer lines.
const bufferTimeLayout = "2006-01-02T15:04:05.000Z"

// CanonicalLine renders a message in the buffer's canonical form:
//
//	[<iso-ts>] <sender_hash>: <content_text>\n
//
// Extraction spans are subtracted from the buffer by exact text removal,
// so this rendering must stay byte-stable for a given message.
func CanonicalLine(m RawMessage) string {
	ts := time.UnixMilli(m.TS).UTC().Format(bufferTimeLayout)
	return "[" + ts + "] " + m.SenderHash + ": " + m.ContentText + "\n"
}

// lineIdentity is the (ts, sender_hash) pair recovered from one canonical
// buffer line. It maps a span line back to its origin message.
type lineIdentity struct {
	ts         int64
	senderHash string
}

// parseSpanLines recovers line identities from a span of buffer text.
// Lines that do not parse as canonical message lines (continuations,
// truncated seams) are skipped.
func parseSpanLines(span string) []lineIdentity {
	var out []lineIdentity
	for _, line := range strings.Split(span, "\n") {
		if len(line) < 2 || line[0] != '[' {
			continue
		}
		close := strings.IndexByte(line, ']')
		if close < 0 {
			continue
		}
		t, err := time.Parse(bufferTimeLayout, line[1:close])
		if err != nil {
			continue
		}
		rest := line[close+1:]
		rest = strings.TrimPrefix(rest, " ")
		colon := strings.Index(rest, ": ")
		if colon < 0 {
			continue
		}
		out = append(out, lineIdentity{ts: t.UnixMilli(), senderHash: rest[:colon]})
	}
	return out
}

// subtractSpan removes the first exact occurrence of span from buffer.
// The second return value reports whether anything was removed.
func subtractSpan(buffer, span string) (string, bool) {
	idx := strings.Index(buffer, span)
	if idx < 0 {
		return buffer, false
	}
	return buffer[:idx] + buffer[idx+len(span):], true
}

// spanText slices the buffer by an extract span, clamping out-of-range
// indexes. EndIdx is inclusive per the extraction contract.
func spanText(buffer string, s ExtractSpan) string {
	start, end := s.StartIdx, s.EndIdx+1
	if start > len(buffer) {
		start = len(buffer)
	}
	if end > len(buffer) {
		end = len(buffer)
	}
	if start >= end {
		return ""
	}
	return buffer[start:end]
}
