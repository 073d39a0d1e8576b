package baseline

import (
	"testing"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
)

func TestStore(t *testing.T) {
	var s Store

	if _, ok := s.Current(); ok {
		t.Fatal("Expected empty store to report absent")
	}

	at := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	src := types.Embedding{0.1, 0.2, 0.3}
	s.Lock(src, at)

	got, ok := s.Current()
	if !ok {
		t.Fatal("Expected baseline after Lock")
	}
	if len(got) != 3 || got[2] != 0.3 {
		t.Errorf("Unexpected baseline %v", got)
	}
	if !s.LockedAt().Equal(at) {
		t.Errorf("LockedAt() = %v, want %v", s.LockedAt(), at)
	}

	// Lock copies its input
	src[0] = 9
	if got, _ := s.Current(); got[0] != 0.1 {
		t.Error("Store aliased the caller's slice")
	}

	s.Reset()
	if _, ok := s.Current(); ok {
		t.Error("Expected absent after Reset")
	}
	if !s.LockedAt().IsZero() {
		t.Error("Expected zero LockedAt after Reset")
	}
}
