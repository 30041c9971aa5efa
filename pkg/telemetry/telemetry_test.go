package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTracesWrittenPerOperation(t *testing.T) {
	dir := t.TempDir()
	tel, err := New(Options{Dir: dir, SampleRate: 1, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		tr := tel.Track("ingest.apply_batch")
		tr.Mark("validate")
		tr.Finish()
		tr.Finish()
	}
	tel.Track("dispatch.commit").Finish()
	tel.Close()

	f, err := os.Open(filepath.Join(dir, "ingest.apply_batch.jsonl"))
	if err != nil {
		t.Fatalf("open trace file: %v", err)
	}
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var tr Trace
		if err := json.Unmarshal(sc.Bytes(), &tr); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if tr.Name != "ingest.apply_batch" || len(tr.Steps) == 0 || tr.Steps[0].Name != "validate" {
			t.Fatalf("unexpected trace %+v", tr)
		}
		lines++
	}
	if lines != 3 {
		t.Fatalf("got %d traces, want 3 (Finish twice must not duplicate)", lines)
	}
	if _, err := os.Stat(filepath.Join(dir, "dispatch.commit.jsonl")); err != nil {
		t.Fatalf("second operation file missing: %v", err)
	}
}

func TestUnsampledAndNilAreInert(t *testing.T) {
	dir := t.TempDir()
	tel, err := New(Options{Dir: dir, SampleRate: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tel.Track("x").Finish()
	tel.Close()
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("unsampled trace produced files: %v", entries)
	}

	var none *Telemetry
	tr := none.Track("y")
	tr.Mark("a")
	tr.Finish()
	Track("global.without.init").Finish()
}
