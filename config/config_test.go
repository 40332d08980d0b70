package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOnEmptyDirFillsDefaults(t *testing.T) {
	g, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d := g.Get()
	if d.Host != "0.0.0.0" || d.Port != 7000 || d.MaxWorkers != 3 {
		t.Fatalf("unexpected defaults: %+v", d)
	}
	if d.SyncInterval != 10*time.Second || d.ReplyTimeout != 10*time.Second {
		t.Fatalf("unexpected default durations: %+v", d)
	}
}

func TestSetPersistsAndGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	g, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	updated := g.Get()
	updated.NodeName = "node-a"
	updated.Port = 9000
	updated.Neighbours = []string{"peer:host:7000"}

	if err := g.Set(updated); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := g.Get(); got.NodeName != "node-a" || got.Port != 9000 {
		t.Fatalf("expected the in-memory copy to reflect Set, got %+v", got)
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := reloaded.Get()
	if got.NodeName != "node-a" || got.Port != 9000 || len(got.Neighbours) != 1 || got.Neighbours[0] != "peer:host:7000" {
		t.Fatalf("expected persisted config to survive a reload, got %+v", got)
	}
}

func TestLoadCreatesMissingConfDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "conf")
	if _, err := Load(dir); err != nil {
		t.Fatalf("expected Load to create the directory, got: %v", err)
	}
}

func TestGetReturnsACopyNotALiveReference(t *testing.T) {
	g, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	d := g.Get()
	d.NodeName = "mutated"
	if g.Get().NodeName == "mutated" {
		t.Fatal("expected Get to return an independent copy")
	}
}
