package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "timerd/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestFileStoreAppendAndRecent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		timerID := "a"
		if i%2 == 1 {
			timerID = "b"
		}
		r := DispatchRecord{JobID: fmt.Sprintf("job-%d", i), TimerID: timerID, Result: ResultSucceeded, Enqueued: now.Add(time.Duration(i) * time.Second)}
		if err := st.AppendDispatch(ctx, r); err != nil {
			t.Fatalf("AppendDispatch: %v", err)
		}
	}

	got, err := st.RecentDispatches(ctx, "a", 2)
	if err != nil {
		t.Fatalf("RecentDispatches: %v", err)
	}
	if len(got) != 2 || got[0].JobID != "job-4" || got[1].JobID != "job-2" {
		t.Fatalf("recent for a = %+v", got)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen replays the journal.
	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	all, err := st.RecentDispatches(ctx, "", 0)
	if err != nil {
		t.Fatalf("RecentDispatches: %v", err)
	}
	if len(all) != 5 || all[0].JobID != "job-4" {
		t.Fatalf("replayed = %d records, first %+v", len(all), all)
	}
}

func TestFileStoreCompacts(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "journal")
	st, err := Open(Config{Driver: "file", Path: path, MaxRecords: 3}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		if err := st.AppendDispatch(ctx, DispatchRecord{JobID: fmt.Sprintf("j%d", i), TimerID: "t", Result: ResultFailed}); err != nil {
			t.Fatalf("AppendDispatch: %v", err)
		}
	}
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path, MaxRecords: 100}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	all, _ := st.RecentDispatches(ctx, "", 0)
	// Compaction after the 6th append kept j3..j5; j6 was appended afterwards.
	if len(all) != 4 || all[0].JobID != "j6" || all[3].JobID != "j3" {
		t.Fatalf("after compaction: %+v", all)
	}
}
