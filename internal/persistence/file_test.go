package persistence

import (
	"encoding/json"
	"os"
	"path"
	"strings"
	"testing"
	"time"
)

type testRecord struct {
	Name  string
	Count int
}

func TestWriteDataFile(t *testing.T) {
	dir := t.TempDir()
	rec := testRecord{Name: "node-a", Count: 3}

	df, err := WriteDataFile(dir, "nodesession", "uplink", "test-uuid", rec)
	if err != nil {
		t.Fatalf("WriteDataFile: %v", err)
	}
	if df.Prefix != dir || df.Datatype != "nodesession" || df.UUID != "test-uuid" {
		t.Fatalf("unexpected DataFile: %+v", df)
	}

	wantDir := path.Join(dir, "nodesession", time.Now().Format("2006/01/02"))
	if path.Dir(df.Path) != wantDir {
		t.Fatalf("path: got %s, want directory %s", df.Path, wantDir)
	}
	base := path.Base(df.Path)
	if !strings.HasPrefix(base, "nodesession-uplink-") || !strings.HasSuffix(base, ".test-uuid.json") {
		t.Fatalf("unexpected file name: %s", base)
	}

	data, err := os.ReadFile(df.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if df.Size != len(data) {
		t.Fatalf("size: got %d, want %d", df.Size, len(data))
	}
	var got testRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != rec {
		t.Fatalf("roundtrip: got %+v, want %+v", got, rec)
	}
}

func TestWriteDataFile_UnusableResult(t *testing.T) {
	if _, err := WriteDataFile(t.TempDir(), "nodesession", "uplink", "u", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestWriteDataFile_BadPrefix(t *testing.T) {
	// A regular file where the directory tree should go.
	prefix := path.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(prefix, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := WriteDataFile(prefix, "nodesession", "uplink", "u", testRecord{}); err == nil {
		t.Fatal("expected mkdir error")
	}
}
