package casemill

import (
	"strings"
	"testing"
)

func TestCanonicalLine(t *testing.T) {
	m := RawMessage{
		TS:          1700000000123,
		SenderHash:  "a1b2c3d4e5f60718",
		ContentText: "printer jammed again",
	}
	got := CanonicalLine(m)
	want := "[2023-11-14T22:13:20.123Z] a1b2c3d4e5f60718: printer jammed again\n"
	if got != want {
		t.Fatalf("CanonicalLine = %q, want %q", got, want)
	}
}

func TestCanonicalLineByteStable(t *testing.T) {
	m := RawMessage{TS: 1700000000123, SenderHash: "abc", ContentText: "x"}
	if CanonicalLine(m) != CanonicalLine(m) {
		t.Fatal("CanonicalLine not stable for identical input")
	}
}

func TestParseSpanLines(t *testing.T) {
	span := "[2023-11-14T22:13:20.123Z] aaaa: first line\n" +
		"continuation without a bracket\n" +
		"[not-a-timestamp] bbbb: skipped\n" +
		"[2023-11-14T22:14:00.000Z] cccc: second line\n"

	ids := parseSpanLines(span)
	if len(ids) != 2 {
		t.Fatalf("got %d identities, want 2: %+v", len(ids), ids)
	}
	if ids[0].ts != 1700000000123 || ids[0].senderHash != "aaaa" {
		t.Errorf("first identity = %+v", ids[0])
	}
	if ids[1].ts != 1700000040000 || ids[1].senderHash != "cccc" {
		t.Errorf("second identity = %+v", ids[1])
	}
}

func TestParseSpanLinesEmpty(t *testing.T) {
	if got := parseSpanLines(""); got != nil {
		t.Fatalf("parseSpanLines(\"\") = %+v, want nil", got)
	}
}

func TestSubtractSpan(t *testing.T) {
	buffer := "line one\nline two\nline three\n"

	got, removed := subtractSpan(buffer, "line two\n")
	if !removed {
		t.Fatal("span not removed")
	}
	if got != "line one\nline three\n" {
		t.Fatalf("buffer after subtraction = %q", got)
	}

	got, removed = subtractSpan(buffer, "not present")
	if removed {
		t.Fatal("reported removal of absent span")
	}
	if got != buffer {
		t.Fatalf("buffer changed on miss: %q", got)
	}
}

func TestSubtractSpanFirstOccurrenceOnly(t *testing.T) {
	buffer := "dup\nmiddle\ndup\n"
	got, removed := subtractSpan(buffer, "dup\n")
	if !removed || got != "middle\ndup\n" {
		t.Fatalf("got %q removed=%v", got, removed)
	}
}

func TestSpanText(t *testing.T) {
	buffer := "0123456789"
	tests := []struct {
		name string
		span ExtractSpan
		want string
	}{
		{"inclusive end", ExtractSpan{StartIdx: 2, EndIdx: 5}, "2345"},
		{"full buffer", ExtractSpan{StartIdx: 0, EndIdx: 9}, "0123456789"},
		{"end past buffer clamps", ExtractSpan{StartIdx: 8, EndIdx: 99}, "89"},
		{"start past buffer", ExtractSpan{StartIdx: 50, EndIdx: 60}, ""},
		{"inverted after clamp", ExtractSpan{StartIdx: 10, EndIdx: 10}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := spanText(buffer, tt.span); got != tt.want {
				t.Errorf("spanText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBufferRoundTrip(t *testing.T) {
	// A span rendered from messages must subtract cleanly from a buffer
	// built by appending the same messages.
	msgs := []RawMessage{
		{TS: 1000, SenderHash: SenderHash("alice"), ContentText: "it broke"},
		{TS: 2000, SenderHash: SenderHash("bob"), ContentText: "restart it"},
		{TS: 3000, SenderHash: SenderHash("alice"), ContentText: "that fixed it"},
	}
	var buffer strings.Builder
	for _, m := range msgs {
		buffer.WriteString(CanonicalLine(m))
	}
	span := CanonicalLine(msgs[0]) + CanonicalLine(msgs[1])

	got, removed := subtractSpan(buffer.String(), span)
	if !removed {
		t.Fatal("span not found in buffer")
	}
	if got != CanonicalLine(msgs[2]) {
		t.Fatalf("remainder = %q", got)
	}
}
