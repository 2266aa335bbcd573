package personality

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCatalog_Builtins(t *testing.T) {
	c := NewCatalog()
	if got := len(c.All()); got != 5 {
		t.Fatalf("expected 5 built-in personalities, got %d", got)
	}
	if c.Default().ID != "swag_bhai" {
		t.Fatalf("unexpected default %q", c.Default().ID)
	}
	p, ok := c.Get("ceo_bhai")
	if !ok || p.Name != "CEO Bhai" {
		t.Fatalf("Get(ceo_bhai) = %+v, %v", p, ok)
	}
	if _, ok := c.Get("nope"); ok {
		t.Fatal("unknown id should not be found")
	}
}

func TestCatalog_FallbackTitle(t *testing.T) {
	c := NewCatalog()
	if got := c.FallbackTitle("roast_bhai"); got != "New Roast Bhai Chat" {
		t.Fatalf("unexpected title %q", got)
	}
	if got := c.FallbackTitle("unknown"); got != "New Swag Bhai Chat" {
		t.Fatalf("unknown personality should fall back to default, got %q", got)
	}
}

func TestCatalog_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personalities.yaml")
	data := `
default: desi_bhai
personalities:
  - id: desi_bhai
    name: Desi Bhai
    description: Homely advice
  - id: ceo_bhai
    name: Boss Bhai
  - name: no id
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCatalog()
	if err := c.LoadFile(path, testLogger()); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Default().ID != "desi_bhai" {
		t.Fatalf("default should be overridden, got %q", c.Default().ID)
	}
	if p, _ := c.Get("ceo_bhai"); p.Name != "Boss Bhai" {
		t.Fatalf("built-in should be replaced, got %+v", p)
	}
	all := c.All()
	if len(all) != 6 || all[len(all)-1].ID != "desi_bhai" {
		t.Fatalf("unexpected catalog order: %+v", all)
	}
}

func TestCatalog_LoadFileMissing(t *testing.T) {
	c := NewCatalog()
	if err := c.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"), testLogger()); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}

func TestCatalog_LoadFileUnknownDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.yaml")
	os.WriteFile(path, []byte("default: ghost\n"), 0o644)
	if err := NewCatalog().LoadFile(path, testLogger()); err == nil {
		t.Fatal("expected error for unknown default")
	}
}

func TestCatalog_SetDefault(t *testing.T) {
	c := NewCatalog()
	if err := c.SetDefault("jugadu_bhai"); err != nil {
		t.Fatal(err)
	}
	if c.Default().ID != "jugadu_bhai" {
		t.Fatal("default not updated")
	}
	if err := c.SetDefault("ghost"); err == nil {
		t.Fatal("expected error for unknown id")
	}
}
