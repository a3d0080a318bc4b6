package statsdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sablelang/sable/vm"
)

func testRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecordAndCount(t *testing.T) {
	r := testRecorder(t)

	for i := 0; i < 3; i++ {
		err := r.Record(vm.CycleStats{
			FreedObjects: i,
			FreedBytes:   uint64(i * 100),
			TotalBytes:   1000,
			Estimate:     800,
			Duration:     time.Millisecond,
			Timestamp:    time.Now(),
		})
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	n, err := r.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestSummarize(t *testing.T) {
	r := testRecorder(t)

	stats := []vm.CycleStats{
		{FreedObjects: 10, FreedBytes: 400, WeakCleared: 2, Finalizers: 1, TotalBytes: 5000, Duration: time.Millisecond},
		{FreedObjects: 5, FreedBytes: 100, WeakCleared: 0, Finalizers: 0, TotalBytes: 8000, Duration: 2 * time.Millisecond},
	}
	for _, s := range stats {
		s.Timestamp = time.Now()
		if err := r.Record(s); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	sum, err := r.Summarize()
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if sum.Cycles != 2 {
		t.Errorf("cycles = %d, want 2", sum.Cycles)
	}
	if sum.FreedObjects != 15 {
		t.Errorf("freed objects = %d, want 15", sum.FreedObjects)
	}
	if sum.FreedBytes != 500 {
		t.Errorf("freed bytes = %d, want 500", sum.FreedBytes)
	}
	if sum.WeakCleared != 2 {
		t.Errorf("weak cleared = %d, want 2", sum.WeakCleared)
	}
	if sum.Finalizers != 1 {
		t.Errorf("finalizers = %d, want 1", sum.Finalizers)
	}
	if sum.MaxHeapBytes != 8000 {
		t.Errorf("max heap = %d, want 8000", sum.MaxHeapBytes)
	}
	if sum.TotalTime != 3*time.Millisecond {
		t.Errorf("total time = %v, want 3ms", sum.TotalTime)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	r := testRecorder(t)

	sum, err := r.Summarize()
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if sum.Cycles != 0 || sum.FreedObjects != 0 || sum.TotalTime != 0 {
		t.Errorf("empty summary = %+v, want zeroes", sum)
	}
}

func TestRecorderReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := r.Record(vm.CycleStats{Timestamp: time.Now()}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer r2.Close()

	n, err := r2.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("count after reopen = %d, want 1", n)
	}
}
