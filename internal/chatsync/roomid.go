package chatsync

// RoomID derives the conversation identifier for a pair of users. It is
// computed, never stored: sorting the pair guarantees both participants
// resolve to the same room without a lookup table.
func RoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// TypingKey is the document key for a typing signal. Unlike RoomID it is
// directional: the writer's id comes first, so each direction owns exactly
// one mutable record.
func TypingKey(from, to string) string {
	return from + "_" + to
}
