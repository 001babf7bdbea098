package signaling

import "testing"

func TestMessageBuffer_AddAndGet_OldestFirst(t *testing.T) {
	mb := NewMessageBuffer()
	mb.Add("s1", BufferedMessage{From: "a", Text: "one", Ts: 1})
	mb.Add("s1", BufferedMessage{From: "b", Text: "two", Ts: 2})

	got := mb.Get("s1")
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Text != "one" || got[1].Text != "two" {
		t.Errorf("expected oldest-first order, got %+v", got)
	}
}

func TestMessageBuffer_OverwritesOldestWhenFull(t *testing.T) {
	mb := NewMessageBuffer()
	for i := 0; i < MaxBufferMessages+2; i++ {
		mb.Add("s1", BufferedMessage{From: "a", Text: string(rune('a' + i)), Ts: int64(i)})
	}

	got := mb.Get("s1")
	if len(got) != MaxBufferMessages {
		t.Fatalf("expected buffer capped at %d, got %d", MaxBufferMessages, len(got))
	}
	// the first two inserts should have been evicted
	if got[0].Text != string(rune('a'+2)) {
		t.Errorf("expected oldest surviving message to be the 3rd insert, got %+v", got[0])
	}
}

func TestMessageBuffer_Get_UnknownSessionReturnsEmpty(t *testing.T) {
	mb := NewMessageBuffer()
	got := mb.Get("ghost")
	if len(got) != 0 {
		t.Fatalf("expected empty slice for an unknown session, got %+v", got)
	}
}

func TestMessageBuffer_Remove(t *testing.T) {
	mb := NewMessageBuffer()
	mb.Add("s1", BufferedMessage{From: "a", Text: "one", Ts: 1})
	mb.Remove("s1")

	got := mb.Get("s1")
	if len(got) != 0 {
		t.Fatalf("expected no messages after Remove, got %+v", got)
	}
}
