// Package migration runs a full legacy-to-target migration: phases in order,
// independent entity types of a phase in parallel, and the integrity checks
// at the end.
package migration

import (
	"log/slog"
	"time"

	"legacymigrate/internal/audit"
	"legacymigrate/internal/catalog"
	"legacymigrate/internal/config"
	"legacymigrate/internal/contenttype"
	"legacymigrate/internal/idmap"
	"legacymigrate/internal/probe"
	"legacymigrate/internal/schema"
	"legacymigrate/internal/source"
	"legacymigrate/internal/storage"
)

// RunContext is everything one run shares between its components. It is
// built once per run and passed explicitly; nothing here is process-global.
//
// The registry and id map are written once per run (the registry before any
// entity is extracted, the id map by the loader) and read by many workers.
// A RunContext must not be shared by two concurrent runs.
type RunContext struct {
	RunID     string
	StartedAt time.Time
	Config    config.Config

	Catalog   *catalog.Catalog
	Contracts *schema.Set

	Source source.Conn
	// Target is nil on a dry run without a target DSN.
	Target storage.Repository

	Prober *probe.Prober
	// Registry is loaded by Engine.Run when nil.
	Registry *contenttype.Registry
	IDs      *idmap.Map
	RunLog   *audit.RunLog

	Log *slog.Logger
}

// Progress is reported after each entity type completes.
type Progress struct {
	Stage      string    `json:"stage"`
	Message    string    `json:"message"`
	Percentage float64   `json:"percentage"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProgressFunc receives progress events. It is called from worker goroutines
// but never concurrently.
type ProgressFunc func(Progress)
