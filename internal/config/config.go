// Package config defines the YAML configuration of a flightetl run.
//
// A file is decoded with unknown keys rejected, the storage DSN goes through
// os.ExpandEnv, and WithDefaults fills everything left empty. Validate reports
// problems as a list of issues instead of failing on the first one.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Pipeline struct {
	Job       string        `yaml:"job"`
	Source    Source        `yaml:"source"`
	Storage   Storage       `yaml:"storage"`
	Load      Load          `yaml:"load"`
	Geocode   Geocode       `yaml:"geocode"`
	Remainder Remainder     `yaml:"remainder"`
	Runtime   RuntimeConfig `yaml:"runtime"`
	Metrics   Metrics       `yaml:"metrics"`
}

type Source struct {
	// Kind is "dir".
	Kind     string   `yaml:"kind"`
	Dir      string   `yaml:"dir"`
	Patterns []string `yaml:"patterns"`
	CSV      CSV      `yaml:"csv"`
}

type CSV struct {
	Comma     string            `yaml:"comma"`
	HeaderMap map[string]string `yaml:"header_map"`
}

type Storage struct {
	// Kind is the registered backend: "postgres" | "sqlite" | "mssql".
	Kind string `yaml:"kind"`
	DSN  string `yaml:"dsn"`
}

type Load struct {
	MaxAttempts  int `yaml:"max_attempts"`
	RowsPerChunk int `yaml:"rows_per_chunk"`
	Chunks       int `yaml:"chunks"`

	// ManageIndexes drops and rebuilds fact indexes around each write.
	// Defaults to true.
	ManageIndexes *bool `yaml:"manage_indexes"`

	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`

	// BypassTables are normalized but never written.
	BypassTables []string `yaml:"bypass_tables"`

	// StartID overrides the persisted max(searchId)+1 seed.
	StartID *int64 `yaml:"start_id"`
}

type Geocode struct {
	// Kind is "nominatim", "gazetteer" or "none".
	Kind      string    `yaml:"kind"`
	Nominatim Nominatim `yaml:"nominatim"`
	Gazetteer Gazetteer `yaml:"gazetteer"`
}

type Nominatim struct {
	BaseURL           string        `yaml:"base_url"`
	UserAgent         string        `yaml:"user_agent"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MaxRetries        int           `yaml:"max_retries"`
	Timeout           time.Duration `yaml:"timeout"`
	Language          string        `yaml:"language"`
	BreakerFailures   uint32        `yaml:"breaker_failures"`
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
}

type Gazetteer struct {
	Path  string  `yaml:"path"`
	MaxKm float64 `yaml:"max_km"`
}

type Remainder struct {
	Dir string `yaml:"dir"`
}

// RuntimeConfig controls concurrency.
type RuntimeConfig struct {
	ReaderWorkers int `yaml:"reader_workers"`
	LoaderWorkers int `yaml:"loader_workers"`
}

type Metrics struct {
	// Backend is "none", "datadog" or "pushgateway".
	Backend        string        `yaml:"backend"`
	PushgatewayURL string        `yaml:"pushgateway_url"`
	Tags           []string      `yaml:"tags"`
	FlushEvery     time.Duration `yaml:"flush_every"`
}

// Parse decodes YAML from r. Unknown keys are errors.
func Parse(r io.Reader) (Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && err != io.EOF {
		return Pipeline{}, fmt.Errorf("config: decode: %w", err)
	}
	p.Storage.DSN = os.ExpandEnv(p.Storage.DSN)
	return p, nil
}

// LoadFile reads and decodes the file at path.
func LoadFile(path string) (Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("config: %w", err)
	}
	p, err := Parse(bytes.NewReader(b))
	if err != nil {
		return Pipeline{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// WithDefaults returns a copy with empty fields filled in.
func (p Pipeline) WithDefaults() Pipeline {
	if p.Job == "" {
		p.Job = "flightetl"
	}
	if p.Source.Kind == "" {
		p.Source.Kind = "dir"
	}
	if len(p.Source.Patterns) == 0 {
		p.Source.Patterns = []string{"*.parquet"}
	}
	if p.Load.MaxAttempts == 0 {
		p.Load.MaxAttempts = 3
	}
	if p.Load.RowsPerChunk == 0 {
		p.Load.RowsPerChunk = 100_000
	}
	if p.Load.ManageIndexes == nil {
		v := true
		p.Load.ManageIndexes = &v
	}
	if p.Load.BackoffInitial == 0 {
		p.Load.BackoffInitial = 500 * time.Millisecond
	}
	if p.Load.BackoffMax == 0 {
		p.Load.BackoffMax = 10 * time.Second
	}
	if p.Geocode.Kind == "" {
		p.Geocode.Kind = "nominatim"
	}
	if p.Remainder.Dir == "" {
		p.Remainder.Dir = "not_inserted"
	}
	if p.Runtime.ReaderWorkers <= 0 {
		p.Runtime.ReaderWorkers = 4
	}
	if p.Runtime.LoaderWorkers <= 0 {
		p.Runtime.LoaderWorkers = 4
	}
	if p.Metrics.Backend == "" {
		p.Metrics.Backend = "none"
	}
	return p
}
