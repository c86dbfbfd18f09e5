package config

import (
	"fmt"
	"slices"

	"flightetl/internal/schema"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted YAML key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

var (
	storageKinds = []string{"postgres", "sqlite", "mssql"}
	geocodeKinds = []string{"nominatim", "gazetteer", "none"}
	metricKinds  = []string{"none", "datadog", "pushgateway"}
)

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate checks p (normally after WithDefaults) and returns every issue found.
func Validate(p Pipeline) []Issue {
	var out []Issue
	errf := func(path, format string, a ...any) {
		out = append(out, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, a...)})
	}
	warnf := func(path, format string, a ...any) {
		out = append(out, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	switch {
	case p.Storage.Kind == "":
		errf("storage.kind", "required (one of %v)", storageKinds)
	case !slices.Contains(storageKinds, p.Storage.Kind):
		errf("storage.kind", "unknown backend %q (one of %v)", p.Storage.Kind, storageKinds)
	}
	if p.Storage.DSN == "" {
		errf("storage.dsn", "required")
	}

	if p.Source.Kind != "dir" {
		errf("source.kind", "unknown source %q (only \"dir\")", p.Source.Kind)
	}
	if p.Source.Dir == "" {
		errf("source.dir", "required")
	}
	if len([]rune(p.Source.CSV.Comma)) > 1 {
		errf("source.csv.comma", "must be a single character, got %q", p.Source.CSV.Comma)
	}

	if p.Load.MaxAttempts < 1 {
		errf("load.max_attempts", "must be >= 1, got %d", p.Load.MaxAttempts)
	}
	if p.Load.Chunks < 0 {
		errf("load.chunks", "must be >= 0, got %d", p.Load.Chunks)
	}
	if p.Load.RowsPerChunk < 0 {
		errf("load.rows_per_chunk", "must be >= 0, got %d", p.Load.RowsPerChunk)
	}
	if p.Load.BackoffMax > 0 && p.Load.BackoffMax < p.Load.BackoffInitial {
		warnf("load.backoff_max", "%s is below backoff_initial %s", p.Load.BackoffMax, p.Load.BackoffInitial)
	}
	if p.Load.StartID != nil && *p.Load.StartID < 0 {
		errf("load.start_id", "must be >= 0, got %d", *p.Load.StartID)
	}
	bypassedFacts := 0
	for i, name := range p.Load.BypassTables {
		if _, ok := schema.Lookup(name); !ok {
			errf(fmt.Sprintf("load.bypass_tables[%d]", i), "unknown table %q", name)
			continue
		}
		if schema.IsFact(name) {
			bypassedFacts++
		}
	}
	if bypassedFacts > 0 && bypassedFacts < len(schema.FactTables) {
		warnf("load.bypass_tables", "bypassing only some fact tables leaves searchIds without matching rows")
	}

	switch p.Geocode.Kind {
	case "gazetteer":
		if p.Geocode.Gazetteer.Path == "" {
			errf("geocode.gazetteer.path", "required for the gazetteer resolver")
		}
		if p.Geocode.Gazetteer.MaxKm < 0 {
			errf("geocode.gazetteer.max_km", "must be >= 0")
		}
	case "nominatim":
		if p.Geocode.Nominatim.UserAgent == "" {
			warnf("geocode.nominatim.user_agent", "empty; the public Nominatim service requires an identifying User-Agent")
		}
		if p.Geocode.Nominatim.RequestsPerSecond < 0 {
			errf("geocode.nominatim.requests_per_second", "must be >= 0")
		}
	case "none":
		warnf("geocode.kind", "airport cities will stay empty")
	default:
		errf("geocode.kind", "unknown resolver %q (one of %v)", p.Geocode.Kind, geocodeKinds)
	}

	if p.Remainder.Dir == "" {
		errf("remainder.dir", "required")
	}
	if p.Runtime.ReaderWorkers < 0 {
		errf("runtime.reader_workers", "must be >= 0")
	}
	if p.Runtime.LoaderWorkers < 0 {
		errf("runtime.loader_workers", "must be >= 0")
	}
	if !slices.Contains(metricKinds, p.Metrics.Backend) {
		errf("metrics.backend", "unknown backend %q (one of %v)", p.Metrics.Backend, metricKinds)
	}
	return out
}
