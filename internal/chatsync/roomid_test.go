package chatsync

import "testing"

func TestRoomID_Symmetric(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"bob", "alice"},
		{"zed", "aaron"},
		{"u1", "u2"},
	}
	for _, p := range pairs {
		if RoomID(p[0], p[1]) != RoomID(p[1], p[0]) {
			t.Fatalf("RoomID(%q, %q) = %q, RoomID(%q, %q) = %q; want equal",
				p[0], p[1], RoomID(p[0], p[1]), p[1], p[0], RoomID(p[1], p[0]))
		}
	}

	if got := RoomID("bob", "alice"); got != "alice_bob" {
		t.Fatalf("RoomID(bob, alice) = %q, want %q", got, "alice_bob")
	}
}

func TestTypingKey_Directional(t *testing.T) {
	if TypingKey("alice", "bob") == TypingKey("bob", "alice") {
		t.Fatalf("TypingKey must be directional, got equal keys for both directions")
	}
	if got := TypingKey("alice", "bob"); got != "alice_bob" {
		t.Fatalf("TypingKey(alice, bob) = %q, want %q", got, "alice_bob")
	}
}
