// Package config manages the global, persisted node configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Data holds the serialisable node configuration: identity, networking,
// neighbour seeds, and the tunables of every component wired together
// by the node facade.
type Data struct {
	NodeName   string   `json:"node_name"`
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	Neighbours []string `json:"neighbours"` // "name:host:port" seeds, per troup/node.py's config['neighbours']

	StorageRoot string `json:"storage_root"` // "" keeps catalog.Memory; set to opt into catalog.SQLite

	StatsUpdateInterval time.Duration `json:"stats_update_interval"`
	LockPath            string        `json:"lock_path"`
	LogLevel            string        `json:"log_level"`

	MaxWorkers   int           `json:"max_workers"`
	SyncInterval time.Duration `json:"sync_interval"`
	SyncPercent  float64       `json:"sync_percent"`

	ReplyTimeout  time.Duration `json:"reply_timeout"`
	CheckInterval time.Duration `json:"check_interval"`
}

// Global is a thread-safe, disk-backed wrapper around Data.
type Global struct {
	mu      sync.RWMutex
	data    Data
	confDir string
}

// Load reads the config from confDir/config.json, filling in defaults
// for any missing fields. Creates the directory if it does not exist.
func Load(confDir string) (*Global, error) {
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return nil, err
	}

	g := &Global{confDir: confDir, data: defaults()}

	raw, err := os.ReadFile(filepath.Join(confDir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return g, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(raw, &g.data); err != nil {
		return nil, err
	}
	return g, nil
}

func defaults() Data {
	return Data{
		Host:                "0.0.0.0",
		Port:                7000,
		StatsUpdateInterval: time.Second,
		LogLevel:            "info",
		MaxWorkers:          3,
		SyncInterval:        10 * time.Second,
		SyncPercent:         0.3,
		ReplyTimeout:        10 * time.Second,
		CheckInterval:       30 * time.Second,
	}
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the current configuration and persists it to disk.
func (g *Global) Set(d Data) error {
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return g.save()
}

func (g *Global) save() error {
	g.mu.RLock()
	raw, err := json.MarshalIndent(g.data, "", "  ")
	g.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(g.confDir, "config.json"), raw, 0o644)
}
