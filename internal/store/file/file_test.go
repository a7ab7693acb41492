package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestBackend_LoadMissing(t *testing.T) {
	b := New(t.TempDir(), "bot")
	data, ok, err := b.Load(context.Background())
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if ok || data != nil {
		t.Errorf("ok = %v, data = %v, want no snapshot", ok, data)
	}
}

func TestBackend_SaveLoadRoundtrip(t *testing.T) {
	root := t.TempDir()
	b := New(root, "bot")
	ctx := context.Background()

	payload := []byte(`{"version":1,"jobs":[]}`)
	if err := b.Save(ctx, payload); err != nil {
		t.Fatal(err)
	}

	data, ok, err := b.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if string(data) != string(payload) {
		t.Errorf("data = %q, want %q", data, payload)
	}

	// The temp file must not survive a successful save.
	if _, err := os.Stat(filepath.Join(root, "bot", "jobs.json.tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}
}

func TestBackend_SaveOverwrites(t *testing.T) {
	b := New(t.TempDir(), "bot")
	ctx := context.Background()

	if err := b.Save(ctx, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := b.Save(ctx, []byte("second")); err != nil {
		t.Fatal(err)
	}
	data, _, _ := b.Load(ctx)
	if string(data) != "second" {
		t.Errorf("data = %q, want %q", data, "second")
	}
}

func TestBackend_NamespacedPerBot(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	a := New(root, "alpha")
	z := New(root, "zeta")
	if err := a.Save(ctx, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := z.Save(ctx, []byte("z")); err != nil {
		t.Fatal(err)
	}

	data, _, _ := a.Load(ctx)
	if string(data) != "a" {
		t.Errorf("alpha data = %q, want %q", data, "a")
	}
	data, _, _ = z.Load(ctx)
	if string(data) != "z" {
		t.Errorf("zeta data = %q, want %q", data, "z")
	}
}
