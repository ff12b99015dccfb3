package observability

import "testing"

func TestOperationWindowSnapshot(t *testing.T) {
	w := newOperationWindow(8)
	w.Observe("create", 500)
	w.Observe("create", 700)
	w.Observe("create", 900)
	w.ObserveIndicator("voice_fallback")
	w.ObserveIndicator("voice_fallback")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Operations) != 1 {
		t.Fatalf("len(Operations) = %d, want 1", len(snap.Operations))
	}
	s := snap.Operations[0]
	if s.Operation != "create" {
		t.Fatalf("Operation = %q, want %q", s.Operation, "create")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 2500 {
		t.Fatalf("TargetP95MS = %.2f, want 2500", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %#v, want voice_fallback x2", snap.Indicators)
	}
}

func TestOperationWindowWrapsAndResets(t *testing.T) {
	w := newOperationWindow(2)
	w.Observe("leave", 1)
	w.Observe("leave", 2)
	w.Observe("leave", 30)
	w.Observe("", 5)
	w.Observe("leave", -1)

	snap := w.Snapshot()
	if len(snap.Operations) != 1 {
		t.Fatalf("len(Operations) = %d, want 1", len(snap.Operations))
	}
	if got := snap.Operations[0]; got.Samples != 2 || got.LastMS != 30 || got.AvgMS != 16 {
		t.Fatalf("unexpected stats %#v", got)
	}

	w.Reset()
	if snap := w.Snapshot(); len(snap.Operations) != 0 {
		t.Fatalf("expected empty snapshot after reset")
	}
}
