package store

import (
	"path/filepath"
	"testing"
)

func TestWriteReadJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	type doc struct {
		Name string `json:"name"`
	}
	if err := WriteJSONAtomic(path, doc{Name: "agent"}, 0o644); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}
	var got doc
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Name != "agent" {
		t.Fatalf("expected name=agent, got %+v", got)
	}
}

func TestReadJSONMissingFileIsNilError(t *testing.T) {
	var got map[string]string
	if err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &got); err != nil {
		t.Fatalf("expected ENOENT to be tolerated, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected v to be left untouched, got %+v", got)
	}
}

func TestAppendLineAndReadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	if err := AppendLine(path, []byte("one"), 0o644); err != nil {
		t.Fatalf("AppendLine: %v", err)
	}
	if err := AppendLine(path, []byte("two"), 0o644); err != nil {
		t.Fatalf("AppendLine: %v", err)
	}
	lines, err := ReadLines(path)
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}

func TestReadLinesMissingFileReturnsNilNil(t *testing.T) {
	lines, err := ReadLines(filepath.Join(t.TempDir(), "missing.jsonl"))
	if err != nil || lines != nil {
		t.Fatalf("expected (nil, nil) for missing file, got (%v, %v)", lines, err)
	}
}

func TestReadJSONLinesSkipsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	AppendLine(path, []byte(`{"id":"a"}`), 0o644)
	AppendLine(path, []byte(`not-json`), 0o644)
	AppendLine(path, []byte(`{"id":"b"}`), 0o644)

	type rec struct {
		ID string `json:"id"`
	}
	recs, err := ReadJSONLines[rec](path)
	if err != nil {
		t.Fatalf("ReadJSONLines: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "a" || recs[1].ID != "b" {
		t.Fatalf("expected malformed line skipped, got %+v", recs)
	}
}

func TestTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	AppendLine(path, []byte("one"), 0o644)
	if err := Truncate(path); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	lines, _ := ReadLines(path)
	if len(lines) != 0 {
		t.Fatalf("expected truncated file to be empty, got %+v", lines)
	}
}

func TestWithinRootRejectsEscape(t *testing.T) {
	root := t.TempDir()
	if err := WithinRoot(root, filepath.Join(root, "sub", "file.txt")); err != nil {
		t.Fatalf("expected path under root to be accepted: %v", err)
	}
	if err := WithinRoot(root, filepath.Join(root, "..", "escape.txt")); err == nil {
		t.Fatalf("expected path escaping root to be rejected")
	}
}
