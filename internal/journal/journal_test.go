package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"
	"time"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("os.Open() failed: %v", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("json.Unmarshal(%q) failed: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestWriterFlushesOnClose(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 8, 1)

	day := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	w.Record(Entry{Time: day, Type: TypeCheck, TabID: "7", CheckID: "c1", Outcome: "warn", Trigger: "Anger"})
	w.Record(Entry{Time: day.Add(time.Minute), Type: TypeDecision, TabID: "7", Choice: "abandon", BlockedCount: 1})

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got := readEntries(t, w.Path(day))
	if len(got) != 2 {
		t.Fatalf("entries = %d; want 2", len(got))
	}
	if got[0].Outcome != "warn" || got[0].Trigger != "Anger" {
		t.Fatalf("entry[0] = %+v; want warn/Anger", got[0])
	}
	if got[1].Choice != "abandon" || got[1].BlockedCount != 1 {
		t.Fatalf("entry[1] = %+v; want abandon/1", got[1])
	}
}

func TestWriterSplitsByDay(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 8, 1)

	d1 := time.Date(2026, 3, 4, 23, 59, 0, 0, time.UTC)
	d2 := d1.Add(2 * time.Minute)
	w.Record(Entry{Time: d1, Type: TypeCheck, TabID: "1"})
	w.Record(Entry{Time: d2, Type: TypeCheck, TabID: "2"})
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := readEntries(t, w.Path(d1)); len(got) != 1 || got[0].TabID != "1" {
		t.Fatalf("day1 = %+v; want tab 1", got)
	}
	if got := readEntries(t, w.Path(d2)); len(got) != 1 || got[0].TabID != "2" {
		t.Fatalf("day2 = %+v; want tab 2", got)
	}
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	w := NewWriter(t.TempDir(), 1, 1)
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	w.Record(Entry{Type: TypeCheck, TabID: "x"})
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
