package user

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRoster(t *testing.T) {
	path := writeRoster(t, "# fleet test riders\n1 2 3 10\n\n2, 4, 5, 0\n3\t6\t7\t30\n")
	riders, err := LoadRoster(path)
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}
	want := []Rider{
		{ID: 1, PosX: 2, PosY: 3, Wait: 10 * time.Second},
		{ID: 2, PosX: 4, PosY: 5, Wait: 0},
		{ID: 3, PosX: 6, PosY: 7, Wait: 30 * time.Second},
	}
	if len(riders) != len(want) {
		t.Fatalf("got %d riders, want %d", len(riders), len(want))
	}
	for i := range want {
		if riders[i] != want[i] {
			t.Errorf("rider %d = %+v, want %+v", i, riders[i], want[i])
		}
	}
}

func TestLoadRosterRejectsBadLines(t *testing.T) {
	for name, content := range map[string]string{
		"too_few_fields": "1 2 3\n",
		"non_integer":    "1 2 x 4\n",
		"negative_wait":  "1 2 3 -5\n",
		"duplicate_id":   "1 2 3 4\n1 5 6 7\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadRoster(writeRoster(t, content)); err == nil {
				t.Fatalf("content %q must not parse", content)
			}
		})
	}
}

func TestLoadRosterMissingFile(t *testing.T) {
	if _, err := LoadRoster(filepath.Join(t.TempDir(), "absent.txt")); err == nil {
		t.Fatal("missing file must error")
	}
}

func TestSummarize(t *testing.T) {
	outcomes := []Outcome{
		{UserID: 1, TaxiID: 3, Assigned: true, Response: 100 * time.Millisecond},
		{UserID: 2, Response: 300 * time.Millisecond}, // answered, no taxi
		{UserID: 3, Err: errors.New("no dispatcher answered")},
	}
	rep := Summarize(outcomes)
	if rep.Total != 3 || rep.Assigned != 1 || rep.Unassigned != 1 || rep.Errored != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.AvgResponse != 200*time.Millisecond {
		t.Fatalf("avg response = %v, want 200ms over answered requests", rep.AvgResponse)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	rep := Summarize(nil)
	if rep.Total != 0 || rep.AvgResponse != 0 {
		t.Fatalf("report = %+v", rep)
	}
}
