package casemill

import "testing"

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if len(id) != 36 {
			t.Fatalf("id %q is not a UUID string", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestSenderHash(t *testing.T) {
	h := SenderHash("user-42")
	if len(h) != 16 {
		t.Fatalf("hash length = %d, want 16", len(h))
	}
	if h != SenderHash("user-42") {
		t.Fatal("hash not stable")
	}
	if h == SenderHash("user-43") {
		t.Fatal("distinct senders collided")
	}
}
