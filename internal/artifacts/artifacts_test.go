package artifacts

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateAndMetadata(t *testing.T) {
	base := t.TempDir()

	d, err := Create(base, "abc-123")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	meta := &RunMetadata{
		RunID:        "abc-123",
		ChainName:    "etw-detector",
		UserID:       "user-1",
		InitialInput: "detect signin anomalies",
		ThreadID:     "thread-1",
	}
	if err := d.WriteRunMetadata(meta); err != nil {
		t.Fatalf("WriteRunMetadata: %v", err)
	}

	opened, err := Open(base, "abc-123")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := opened.ReadRunMetadata()
	if err != nil {
		t.Fatalf("ReadRunMetadata: %v", err)
	}
	if got.ChainName != "etw-detector" || got.ThreadID != "thread-1" {
		t.Errorf("metadata = %+v", got)
	}
}

func TestOpenMissing(t *testing.T) {
	if _, err := Open(t.TempDir(), "nope"); err == nil {
		t.Fatal("expected error for missing artifacts")
	}
}

func TestSaveCodeAndTranscript(t *testing.T) {
	d, err := Create(t.TempDir(), "abc-123")
	if err != nil {
		t.Fatal(err)
	}

	if err := d.SaveCode("detectors/signin.cs", "// detector"); err != nil {
		t.Fatalf("SaveCode: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(d.Path, "code", "detectors", "signin.cs"))
	if err != nil {
		t.Fatalf("reading saved code: %v", err)
	}
	if string(data) != "// detector" {
		t.Errorf("code = %q", data)
	}

	if err := d.WriteTranscript("hello\n"); err != nil {
		t.Fatalf("WriteTranscript: %v", err)
	}
	if _, err := os.Stat(filepath.Join(d.Path, "transcript.txt")); err != nil {
		t.Errorf("transcript missing: %v", err)
	}
}
