package profile

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/yarv/vm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "profile.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taken := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []vm.ProfileEntry{
		{Name: "fib", Kind: "method", Count: 1200, Hot: true, CacheHits: 1190, CacheMisses: 10},
		{Name: "block in main", Kind: "block", Count: 40},
	}
	id, err := s.Save(ctx, "bench", taken, entries)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Label != "bench" {
		t.Errorf("Label = %q, want bench", snap.Label)
	}
	if !snap.TakenAt.Equal(taken) {
		t.Errorf("TakenAt = %v, want %v", snap.TakenAt, taken)
	}
	if len(snap.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(snap.Entries))
	}
	if snap.Entries[0] != entries[0] {
		t.Errorf("Entries[0] = %+v, want %+v", snap.Entries[0], entries[0])
	}
	if snap.Entries[1] != entries[1] {
		t.Errorf("Entries[1] = %+v, want %+v", snap.Entries[1], entries[1])
	}
}

func TestLoadMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Load(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load(42) error = %v, want ErrNotFound", err)
	}
	if _, err := s.Latest(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Latest on empty store error = %v, want ErrNotFound", err)
	}
}

func TestLatestAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, label := range []string{"first", "second", "third"} {
		entries := []vm.ProfileEntry{{Name: label, Kind: "method", Count: uint64(i + 1)}}
		if _, err := s.Save(ctx, label, base.Add(time.Duration(i)*time.Hour), entries); err != nil {
			t.Fatalf("Save(%s): %v", label, err)
		}
	}

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Label != "third" {
		t.Errorf("Latest().Label = %q, want third", latest.Label)
	}

	infos, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(infos))
	}
	if infos[0].Label != "first" || infos[2].Label != "third" {
		t.Errorf("List order = %s..%s, want first..third", infos[0].Label, infos[2].Label)
	}
	if infos[1].Entries != 1 {
		t.Errorf("infos[1].Entries = %d, want 1", infos[1].Entries)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.Save(ctx, "gone", time.Now(), []vm.ProfileEntry{{Name: "m", Kind: "method", Count: 1}})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after Delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
}

func TestSaveProfiler(t *testing.T) {
	machine := vm.NewVM()
	defer machine.Close()

	iseq := &vm.ISeq{Name: "work", Type: vm.ISeqMethod}
	p := machine.Profiler()
	p.SetEnabled(true)
	for i := 0; i < 3; i++ {
		p.RecordMethod(iseq)
	}

	s := openTestStore(t)
	id, err := s.SaveProfiler(context.Background(), "run", p)
	if err != nil {
		t.Fatalf("SaveProfiler: %v", err)
	}
	snap, err := s.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].Name != "work" || snap.Entries[0].Count != 3 {
		t.Errorf("Entries = %+v, want one entry work x3", snap.Entries)
	}
}

func TestReport(t *testing.T) {
	snap := &Snapshot{
		ID:      7,
		Label:   "bench",
		TakenAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Entries: []vm.ProfileEntry{
			{Name: "fib", Kind: "method", Count: 12345, Hot: true, CacheHits: 9, CacheMisses: 1},
			{Name: "helper", Kind: "method", Count: 55},
			{Name: "block in main", Kind: "block", Count: 3},
		},
	}

	var buf bytes.Buffer
	if err := Report(&buf, snap, 2); err != nil {
		t.Fatalf("Report: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"12,345", "12,403 invocations", "fib (hot)", "helper", "90.0%"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "block in main") {
		t.Errorf("report should be limited to 2 entries:\n%s", out)
	}
}
