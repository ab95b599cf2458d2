package ctcp

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		SendWindow: 2000,
		RecvWindow: 2000,
		RTTimeout:  200 * time.Millisecond,
		Timer:      40 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, reg *Registry) (*Engine, *fakeSource, *fakeSink, *recordingCarrier) {
	t.Helper()
	src := &fakeSource{}
	sink := newFakeSink()
	car := &recordingCarrier{}
	e, err := New(reg, src, sink, car, testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, src, sink, car
}

func TestRegistryWalkOrderAndRemoval(t *testing.T) {
	reg := NewRegistry()
	e1, _, _, _ := newTestEngine(t, reg)
	e2, _, _, _ := newTestEngine(t, reg)
	e3, _, _, _ := newTestEngine(t, reg)

	if reg.Len() != 3 {
		t.Fatalf("Len = %d, want 3", reg.Len())
	}

	var seen []string
	reg.Walk(func(e *Engine) {
		seen = append(seen, e.ID.String())
		if e == e2 {
			e2.destroy("test removal mid-walk")
		}
	})

	if len(seen) != 3 {
		t.Fatalf("walk visited %d engines, want 3 (got %v)", len(seen), seen)
	}
	if seen[0] != e1.ID.String() || seen[2] != e3.ID.String() {
		t.Fatalf("walk order changed: %v", seen)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len after removal = %d, want 2", reg.Len())
	}
}

func TestConfigValidation(t *testing.T) {
	reg := NewRegistry()
	bad := testConfig()
	bad.Timer = 0
	if _, err := New(reg, &fakeSource{}, newFakeSink(), &recordingCarrier{}, bad, nil); err == nil {
		t.Fatalf("expected error for zero timer period")
	}

	bad = testConfig()
	bad.RTTimeout = bad.Timer / 2
	if _, err := New(reg, &fakeSource{}, newFakeSink(), &recordingCarrier{}, bad, nil); err == nil {
		t.Fatalf("expected error for rt_timeout shorter than timer period")
	}
}

func TestTimerOverflowComputation(t *testing.T) {
	cfg := Config{RTTimeout: 200 * time.Millisecond, Timer: 40 * time.Millisecond}
	if got := cfg.timerOverflow(); got != 5 {
		t.Fatalf("timerOverflow = %d, want 5", got)
	}
	cfg.RTTimeout = 210 * time.Millisecond
	if got := cfg.timerOverflow(); got != 6 {
		t.Fatalf("timerOverflow (rounds up) = %d, want 6", got)
	}
}
