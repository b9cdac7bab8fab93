package statefile

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
)

type payload struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	in := payload{Name: "anima", Score: 0.85}
	if err := Save(path, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	var out payload
	if err := Load(path, &out); err != nil {
		t.Fatalf("load: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestSaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	if err := Save(path, payload{Name: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := Save(path, payload{Name: "second"}); err != nil {
		t.Fatal(err)
	}

	var out payload
	if err := Load(path, &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != "second" {
		t.Errorf("expected latest write, got %q", out.Name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var out payload
	err := Load(filepath.Join(t.TempDir(), "absent.json"), &out)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestSaveCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "state.json")
	if err := Save(path, payload{Name: "x"}); err != nil {
		t.Fatalf("save into missing dirs: %v", err)
	}
	var out payload
	if err := Load(path, &out); err != nil {
		t.Fatal(err)
	}
}
