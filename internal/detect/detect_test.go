package detect

import (
	"testing"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
)

// recorder captures incidents without debouncing.
type recorder struct {
	got []types.Incident
}

func (r *recorder) Record(in types.Incident) bool {
	r.got = append(r.got, in)
	return true
}

func (r *recorder) count(typ string) int {
	n := 0
	for _, in := range r.got {
		if in.Type == typ {
			n++
		}
	}
	return n
}

var t0 = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// mesh builds a keypoint set with the lip and eye landmarks populated.
func mesh(lipGap, outerX, innerX, irisX float64) []types.FaceMesh {
	kp := make([]types.Keypoint, IrisCenter+1)
	kp[UpperLip] = types.Keypoint{X: 50, Y: 100}
	kp[LowerLip] = types.Keypoint{X: 50, Y: 100 + lipGap}
	kp[EyeOuter] = types.Keypoint{X: outerX, Y: 40}
	kp[EyeInner] = types.Keypoint{X: innerX, Y: 40}
	kp[IrisCenter] = types.Keypoint{X: irisX, Y: 40}
	return []types.FaceMesh{{Keypoints: kp}}
}

func TestCheckIdentity_StrikesAndCooldown(t *testing.T) {
	b := NewBank(DefaultConfig(), nil)
	rec := &recorder{}
	now := t0
	tick := 16 * time.Millisecond

	// 30 strikes is not enough
	for i := 0; i < 30; i++ {
		b.CheckIdentity(now, 0.2, rec)
		now = now.Add(tick)
	}
	if rec.count(IdentityMismatch) != 0 {
		t.Fatalf("Expected no mismatch after 30 strikes, got %d", rec.count(IdentityMismatch))
	}

	// The 31st fires and clears the counter
	b.CheckIdentity(now, 0.2, rec)
	firedAt := now
	if rec.count(IdentityMismatch) != 1 {
		t.Fatalf("Expected 1 mismatch after 31 strikes, got %d", rec.count(IdentityMismatch))
	}
	if b.Strikes() != 0 {
		t.Errorf("Expected strikes reset to 0, got %d", b.Strikes())
	}
	if rec.got[0].Severity != types.SeverityCritical {
		t.Errorf("Expected Critical severity, got %s", rec.got[0].Severity)
	}

	// Sustained mismatch inside the cooldown: no second alert up to 3999ms
	for now = firedAt.Add(tick); now.Sub(firedAt) < 4*time.Second; now = now.Add(tick) {
		b.CheckIdentity(now, 0.2, rec)
	}
	if rec.count(IdentityMismatch) != 1 {
		t.Fatalf("Expected cooldown to hold at 1 alert, got %d", rec.count(IdentityMismatch))
	}

	// At/after 4000ms with strikes above the limit it fires again
	b.CheckIdentity(firedAt.Add(4*time.Second), 0.2, rec)
	if rec.count(IdentityMismatch) != 2 {
		t.Errorf("Expected second alert at 4000ms, got %d", rec.count(IdentityMismatch))
	}
}

func TestCheckIdentity_MatchResetsStrikes(t *testing.T) {
	b := NewBank(DefaultConfig(), nil)
	rec := &recorder{}

	for i := 0; i < 30; i++ {
		b.CheckIdentity(t0, 0.5, rec)
	}
	b.CheckIdentity(t0, 0.75, rec) // threshold itself is a match
	if b.Strikes() != 0 {
		t.Fatalf("Expected strikes reset by a match, got %d", b.Strikes())
	}
	for i := 0; i < 30; i++ {
		b.CheckIdentity(t0, 0.5, rec)
	}
	if len(rec.got) != 0 {
		t.Errorf("Expected no alert when a match broke the streak, got %v", rec.got)
	}
}

func TestCheckObjects(t *testing.T) {
	tests := []struct {
		name    string
		objects []types.ObjectDetection
		want    string
	}{
		{
			name:    "Deduplicated in order of first occurrence",
			objects: []types.ObjectDetection{{Class: "cell phone"}, {Class: "book"}, {Class: "cell phone"}},
			want:    "UNAUTHORIZED_OBJECT: cell phone, book",
		},
		{
			name:    "Allowed classes ignored",
			objects: []types.ObjectDetection{{Class: "person"}, {Class: "cup"}},
			want:    "",
		},
		{
			name:    "Single forbidden among allowed",
			objects: []types.ObjectDetection{{Class: "person"}, {Class: "book", Confidence: 0.4}},
			want:    "UNAUTHORIZED_OBJECT: book",
		},
		{
			name:    "Empty",
			objects: nil,
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBank(DefaultConfig(), nil)
			rec := &recorder{}
			b.CheckObjects(tt.objects, rec)

			if tt.want == "" {
				if len(rec.got) != 0 {
					t.Errorf("Expected no incident, got %v", rec.got)
				}
				return
			}
			if len(rec.got) != 1 {
				t.Fatalf("Expected exactly 1 incident, got %d", len(rec.got))
			}
			if rec.got[0].Type != tt.want {
				t.Errorf("Type = %q, want %q", rec.got[0].Type, tt.want)
			}
			if rec.got[0].Severity != types.SeverityWarning {
				t.Errorf("Expected Warning, got %s", rec.got[0].Severity)
			}
		})
	}
}

func TestCheckFaceCount(t *testing.T) {
	tests := []struct {
		faces int
		want  string
	}{
		{0, NoFace},
		{1, ""},
		{2, MultipleFaces},
		{5, MultipleFaces},
	}

	for _, tt := range tests {
		b := NewBank(DefaultConfig(), nil)
		rec := &recorder{}
		b.CheckFaceCount(make([]types.Face, tt.faces), rec)

		if tt.want == "" {
			if len(rec.got) != 0 {
				t.Errorf("%d faces: expected no incident, got %v", tt.faces, rec.got)
			}
			continue
		}
		if len(rec.got) != 1 || rec.got[0].Type != tt.want || rec.got[0].Severity != types.SeverityCritical {
			t.Errorf("%d faces: got %v, want %s Critical", tt.faces, rec.got, tt.want)
		}
	}
}

func TestCheckLandmarks_Talking(t *testing.T) {
	b := NewBank(DefaultConfig(), nil)
	rec := &recorder{}

	// Centered gaze so only the lips matter
	b.CheckLandmarks(t0, mesh(5, 0, 10, 5), rec)
	if rec.count(Talking) != 0 {
		t.Fatal("Expected a 5px gap not to count as talking")
	}

	b.CheckLandmarks(t0, mesh(6, 0, 10, 5), rec)
	if rec.count(Talking) != 1 {
		t.Fatalf("Expected talking at 6px, got %d", rec.count(Talking))
	}

	b.CheckLandmarks(t0.Add(1999*time.Millisecond), mesh(8, 0, 10, 5), rec)
	if rec.count(Talking) != 1 {
		t.Error("Expected talking cooldown to suppress within 2s")
	}

	b.CheckLandmarks(t0.Add(2*time.Second), mesh(8, 0, 10, 5), rec)
	if rec.count(Talking) != 2 {
		t.Error("Expected talking again at 2s")
	}
}

func TestCheckLandmarks_GazeBoundary(t *testing.T) {
	tests := []struct {
		name  string
		irisX float64
		want  bool
	}{
		{name: "Exactly 0.30 does not trigger", irisX: 3, want: false},
		{name: "Just under 0.30 triggers", irisX: 2.99999, want: true},
		{name: "Centered", irisX: 5, want: false},
		{name: "Exactly 0.70 does not trigger", irisX: 7, want: false},
		{name: "Past 0.70 triggers", irisX: 7.5, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBank(DefaultConfig(), nil)
			rec := &recorder{}
			b.CheckLandmarks(t0, mesh(0, 0, 10, tt.irisX), rec)
			if got := rec.count(LookingAway) == 1; got != tt.want {
				t.Errorf("triggered = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckLandmarks_CooldownsAreIndependent(t *testing.T) {
	b := NewBank(DefaultConfig(), nil)
	rec := &recorder{}

	b.CheckLandmarks(t0, mesh(10, 0, 10, 1), rec)
	if rec.count(Talking) != 1 || rec.count(LookingAway) != 1 {
		t.Fatalf("Expected both detectors to fire, got %v", rec.got)
	}
	if !b.lastFired(KindTalking).Equal(t0) || !b.lastFired(KindGaze).Equal(t0) {
		t.Error("Expected both cooldowns stamped")
	}
	if !b.lastFired(KindIdentity).IsZero() {
		t.Error("Identity cooldown must not be touched by landmark detectors")
	}
}

func TestCheckLandmarks_SparseMesh(t *testing.T) {
	b := NewBank(DefaultConfig(), nil)
	rec := &recorder{}

	// Mesh without iris refinement: talking still works, gaze is skipped
	kp := make([]types.Keypoint, 20)
	kp[UpperLip] = types.Keypoint{Y: 100}
	kp[LowerLip] = types.Keypoint{Y: 120}
	b.CheckLandmarks(t0, []types.FaceMesh{{Keypoints: kp}}, rec)

	if rec.count(Talking) != 1 {
		t.Errorf("Expected talking from sparse mesh, got %v", rec.got)
	}
	if rec.count(LookingAway) != 0 {
		t.Errorf("Expected gaze skipped without iris, got %v", rec.got)
	}
}

func TestGazeRatio_ZeroWidth(t *testing.T) {
	kp := mesh(0, 10, 10, 10)[0].Keypoints
	if _, ok := GazeRatio(kp); ok {
		t.Error("Expected ratio undefined for zero eye width")
	}
}

type panicRecorder struct{}

func (panicRecorder) Record(types.Incident) bool { panic("sink exploded") }

func TestGuard_IsolatesDetectors(t *testing.T) {
	b := NewBank(DefaultConfig(), nil)

	// Must not panic out of the bank
	b.CheckFaceCount(nil, panicRecorder{})
	b.CheckObjects([]types.ObjectDetection{{Class: "book"}}, panicRecorder{})

	rec := &recorder{}
	b.CheckFaceCount(nil, rec)
	if rec.count(NoFace) != 1 {
		t.Error("Expected bank to keep working after a detector panicked")
	}
}
