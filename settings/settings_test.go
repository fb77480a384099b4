package settings

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func jsonEqual(t *testing.T, got json.RawMessage, want string) {
	t.Helper()
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("invalid JSON %q: %v", got, err)
	}
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatal(err)
	}
	gb, _ := json.Marshal(g)
	wb, _ := json.Marshal(w)
	if string(gb) != string(wb) {
		t.Fatalf("got %s, want %s", gb, wb)
	}
}

func TestLoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))

	doc, err := store.Load("")
	if err != nil {
		t.Fatal(err)
	}
	jsonEqual(t, doc, `{}`)
}

func TestSaveThenLoad(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "settings.json"))

	if err := store.Save(context.Background(), json.RawMessage(`{"theme":"dark","dock":{"position":"bottom","size":48}}`)); err != nil {
		t.Fatal(err)
	}

	doc, err := store.Load("")
	if err != nil {
		t.Fatal(err)
	}
	jsonEqual(t, doc, `{"theme":"dark","dock":{"position":"bottom","size":48}}`)

	size, err := store.Load("dock.size")
	if err != nil {
		t.Fatal(err)
	}
	if string(size) != "48" {
		t.Fatalf("expect 48, got %s", size)
	}

	dock, err := store.Load("dock")
	if err != nil {
		t.Fatal(err)
	}
	jsonEqual(t, dock, `{"position":"bottom","size":48}`)
}

func TestLoadMissingRoute(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))
	if err := store.Save(context.Background(), json.RawMessage(`{"theme":"dark"}`)); err != nil {
		t.Fatal(err)
	}

	value, err := store.Load("dock.position")
	if err != nil {
		t.Fatal(err)
	}
	if value != nil {
		t.Fatalf("expect nil for missing route, got %s", value)
	}
}

func TestLoadJSONC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	content := `{
	// user picked this in the appearance panel
	"theme": "dark",
	"dock": {
		"position": "left", /* moved from bottom */
	},
}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	store := NewFileStore(path)
	position, err := store.Load("dock.position")
	if err != nil {
		t.Fatal(err)
	}
	if string(position) != `"left"` {
		t.Fatalf("expect \"left\", got %s", position)
	}
}

func TestSaveRejectsNonObject(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))

	for _, doc := range []string{`[1,2]`, `"dark"`, `{"theme":`, ``} {
		if err := store.Save(context.Background(), json.RawMessage(doc)); !errors.Is(err, ErrNotObject) {
			t.Errorf("Save(%q): expect ErrNotObject, got %v", doc, err)
		}
	}
	if _, err := os.Stat(store.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("rejected saves must not create the file")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`["not", "an", "object"]`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileStore(path).Load(""); !errors.Is(err, ErrNotObject) {
		t.Fatalf("expect ErrNotObject, got %v", err)
	}
}

func TestCancelledSaveKeepsOldDocument(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))
	if err := store.Save(context.Background(), json.RawMessage(`{"theme":"light"}`)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Save(ctx, json.RawMessage(`{"theme":"dark"}`)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}

	doc, err := store.Load("")
	if err != nil {
		t.Fatal(err)
	}
	jsonEqual(t, doc, `{"theme":"light"}`)

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expect no temp files left behind, got %d entries", len(entries))
	}
}
