package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sample.json")

	if err := SaveJSON(path, sample{Name: "alpha", Count: 3}); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}

	var got sample
	found, err := LoadJSON(path, &got)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if !found {
		t.Fatal("expected file to exist")
	}
	if got.Name != "alpha" || got.Count != 3 {
		t.Errorf("got %+v, want {alpha 3}", got)
	}

	// No stray tmp file after rename.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("tmp file left behind")
	}
}

func TestLoadJSONMissing(t *testing.T) {
	var got sample
	found, err := LoadJSON(filepath.Join(t.TempDir(), "nope.json"), &got)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if found {
		t.Error("expected found=false for missing file")
	}
}

func TestAppendLoadJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")

	for i := 0; i < 3; i++ {
		if err := AppendJSONL(path, sample{Name: "entry", Count: i}); err != nil {
			t.Fatalf("AppendJSONL: %v", err)
		}
	}

	// Corrupted line in the middle should be skipped.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{not json\n")
	f.Close()
	if err := AppendJSONL(path, sample{Name: "entry", Count: 3}); err != nil {
		t.Fatalf("AppendJSONL: %v", err)
	}

	items, err := LoadJSONL[sample](path)
	if err != nil {
		t.Fatalf("LoadJSONL: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("got %d items, want 4", len(items))
	}
	if items[3].Count != 3 {
		t.Errorf("last count: got %d, want 3", items[3].Count)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "last_heartbeat")
	now := time.Now().Truncate(time.Millisecond)

	if err := WriteTimestamp(path, now); err != nil {
		t.Fatalf("WriteTimestamp: %v", err)
	}
	got := ReadTimestamp(path)
	if !got.Equal(now) {
		t.Errorf("got %v, want %v", got, now)
	}

	if !ReadTimestamp(filepath.Join(t.TempDir(), "missing")).IsZero() {
		t.Error("expected zero time for missing file")
	}
}
