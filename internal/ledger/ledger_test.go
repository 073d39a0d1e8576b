package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

var (
	talking = types.Incident{Type: "TALKING_DETECTED", Severity: types.SeverityWarning}
	gaze    = types.Incident{Type: "LOOKING_AWAY_FROM_SCREEN", Severity: types.SeverityWarning}
	noFace  = types.Incident{Type: "NO_FACE_IN_FRAME", Severity: types.SeverityCritical}
)

func TestRecord_DebouncesSameType(t *testing.T) {
	clock := newClock()
	l := New(WithClock(clock.Now))

	if !l.Record(talking) {
		t.Fatal("Expected first record to be accepted")
	}
	clock.Advance(1999 * time.Millisecond)
	if l.Record(talking) {
		t.Error("Expected repeat within 2s to be suppressed")
	}
	clock.Advance(1 * time.Millisecond)
	if !l.Record(talking) {
		t.Error("Expected repeat at exactly 2s to be accepted")
	}
	if l.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", l.Len())
	}
}

func TestRecord_InterveningTypeReopensWindow(t *testing.T) {
	clock := newClock()
	l := New(WithClock(clock.Now))

	l.Record(talking)
	clock.Advance(500 * time.Millisecond)
	l.Record(gaze)
	clock.Advance(500 * time.Millisecond)
	if !l.Record(talking) {
		t.Error("Expected talking to be accepted after a different type intervened")
	}

	entries := l.Entries()
	want := []string{"TALKING_DETECTED", "LOOKING_AWAY_FROM_SCREEN", "TALKING_DETECTED"}
	if len(entries) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(entries))
	}
	for i, w := range want {
		if entries[i].Type != w {
			t.Errorf("entries[%d] = %s, want %s", i, entries[i].Type, w)
		}
	}
}

func TestEntries_NewestFirst(t *testing.T) {
	clock := newClock()
	l := New(WithClock(clock.Now))

	l.Record(noFace)
	clock.Advance(time.Second)
	l.Record(gaze)

	entries := l.Entries()
	if !entries[0].Time.After(entries[1].Time) {
		t.Errorf("Expected newest first, got %v then %v", entries[0].Time, entries[1].Time)
	}
	if entries[0].Type != gaze.Type {
		t.Errorf("Expected %s first, got %s", gaze.Type, entries[0].Type)
	}

	// The returned slice is a copy
	entries[0].Type = "MUTATED"
	if l.Entries()[0].Type == "MUTATED" {
		t.Error("Entries() leaked internal state")
	}
}

func TestCounts_MatchHistory(t *testing.T) {
	clock := newClock()
	l := New(WithClock(clock.Now))

	sequence := []types.Incident{noFace, talking, talking, gaze, noFace, noFace}
	for _, in := range sequence {
		l.Record(in)
		clock.Advance(100 * time.Millisecond)
	}

	var critical, warning int
	for _, v := range l.Entries() {
		if v.Severity == types.SeverityCritical {
			critical++
		} else {
			warning++
		}
	}

	c := l.Counts()
	if c.Critical != critical || c.Warning != warning {
		t.Errorf("Counts() = %+v, want critical=%d warning=%d", c, critical, warning)
	}
	// noFace, talking, gaze, noFace (second talking and third noFace debounced)
	if l.Len() != 4 {
		t.Errorf("Expected 4 entries, got %d", l.Len())
	}
}

func TestSeal_RejectsRecords(t *testing.T) {
	l := New()
	l.Record(noFace)
	l.Seal()
	if l.Record(gaze) {
		t.Error("Expected sealed ledger to reject records")
	}
	if l.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", l.Len())
	}
}

func TestSink_FailureDoesNotAffectRecording(t *testing.T) {
	var seen []types.Violation
	ok := SinkFunc(func(v types.Violation) error {
		seen = append(seen, v)
		return nil
	})
	broken := SinkFunc(func(v types.Violation) error {
		return errors.New("broker down")
	})

	clock := newClock()
	l := New(WithClock(clock.Now), WithSink(broken), WithSink(ok))

	if !l.Record(noFace) {
		t.Fatal("Expected record to succeed despite failing sink")
	}
	l.Record(noFace) // debounced, must not reach sinks

	if len(seen) != 1 {
		t.Fatalf("Expected sink to see 1 violation, got %d", len(seen))
	}
	if !seen[0].Time.Equal(clock.Now()) {
		t.Errorf("Expected sink timestamp %v, got %v", clock.Now(), seen[0].Time)
	}
}
