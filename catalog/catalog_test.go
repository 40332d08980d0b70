package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/palefire/troupnode/model"
)

func exerciseCatalog(t *testing.T, c Catalog) {
	t.Helper()
	ctx := context.Background()

	if err := c.Add(ctx, model.AppDescriptor{Name: "", Command: "x"}); err == nil {
		t.Fatal("expected Add to reject an empty name")
	}

	app := model.AppDescriptor{
		Name:    "web",
		Command: "nginx",
		Params:  map[string]string{"port": "8080"},
		Needs:   model.Needs{CPU: 1, Memory: 2},
	}
	if err := c.Add(ctx, app); err != nil {
		t.Fatalf("add: %v", err)
	}

	found, ok, err := c.Find(ctx, "web")
	if err != nil || !ok {
		t.Fatalf("expected to find web, ok=%v err=%v", ok, err)
	}
	if found.Command != "nginx" || found.Needs.Memory != 2 || found.Params["port"] != "8080" {
		t.Fatalf("unexpected round-tripped descriptor: %+v", found)
	}

	if _, ok, err := c.Find(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing app not to be found, ok=%v err=%v", ok, err)
	}

	updated := app
	updated.Command = "nginx:latest"
	if err := c.Add(ctx, updated); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	found, _, _ = c.Find(ctx, "web")
	if found.Command != "nginx:latest" {
		t.Fatalf("expected Add to upsert by name, got %+v", found)
	}

	if err := c.Add(ctx, model.AppDescriptor{Name: "db", Command: "postgres"}); err != nil {
		t.Fatalf("add second: %v", err)
	}
	all, err := c.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 apps, got %d", len(all))
	}

	if err := c.Remove(ctx, "db"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := c.Find(ctx, "db"); ok {
		t.Fatal("expected db to be gone after Remove")
	}
}

func TestMemoryCatalog(t *testing.T) {
	c := NewMemory()
	defer c.Close()
	exerciseCatalog(t, c)
}

func TestSQLiteCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	exerciseCatalog(t, c)
}
