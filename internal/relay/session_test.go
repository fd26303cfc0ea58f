package relay

import (
	"testing"

	"github.com/voice-relay-lab/internal/store"
)

func TestAppendTurnSnapshotIsDetached(t *testing.T) {
	s := newSession("acme", "s1", nil)
	first := s.AppendTurn(store.SenderUser, "one")
	second := s.AppendTurn(store.SenderAssistant, "two")

	if len(first) != 1 || len(second) != 2 {
		t.Fatalf("unexpected snapshot lengths %d %d", len(first), len(second))
	}
	first[0].Message = "mutated"
	if second[0].Message != "one" {
		t.Fatalf("snapshot shares backing storage: %q", second[0].Message)
	}
	if second[1].Sender != store.SenderAssistant {
		t.Fatalf("unexpected sender %q", second[1].Sender)
	}
}

func TestTakeAudioResetsAccumulator(t *testing.T) {
	s := newSession("acme", "s1", nil)
	if got := s.TakeAudio(); got != nil {
		t.Fatalf("expected nil from empty accumulator, got %d bytes", len(got))
	}
	s.AppendAudio([]byte{1, 2})
	s.AppendAudio([]byte{3})
	got := s.TakeAudio()
	if string(got) != string([]byte{1, 2, 3}) {
		t.Fatalf("unexpected accumulated bytes %v", got)
	}
	if s.TakeAudio() != nil {
		t.Fatal("accumulator not reset")
	}
}
