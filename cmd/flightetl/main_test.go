package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"flightetl/internal/schema"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flightetl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// fixture lays out a source dir with one CSV batch and returns a config path.
func fixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	in := filepath.Join(root, "in")
	require.NoError(t, os.MkdirAll(in, 0o755))

	cols := schema.RawColumns()
	row := make([]string, len(cols))
	for i, c := range cols {
		switch c {
		case "origin_code":
			row[i] = "JFK"
		case "destination_code":
			row[i] = "ATL"
		case "airlineCode":
			row[i] = "DL"
		case "airlineName":
			row[i] = "Delta"
		case "departureAirportCode":
			row[i] = "JFK"
		case "arrivalAirportCode":
			row[i] = "ATL"
		}
	}
	csv := strings.Join(cols, ",") + "\n" + strings.Join(row, ",") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(in, "batch.csv"), []byte(csv), 0o644))

	return writeConfig(t, fmt.Sprintf(`
job: cli-test
source:
  dir: %s
  patterns: ["*.csv"]
storage:
  kind: sqlite
  dsn: %s
geocode:
  kind: none
remainder:
  dir: %s
`, in, filepath.Join(root, "flight.db"), filepath.Join(root, "not_inserted")))
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := runMain(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunMain_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no subcommand", nil},
		{"unknown subcommand", []string{"explode"}},
		{"unknown flag", []string{"load", "--nope"}},
		{"bad day", []string{"purge", "--day", "16/04/2022"}},
		{"missing day", []string{"purge"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := run(tt.args...)
			require.Equal(t, 2, code, stderr)
			require.Contains(t, stderr, "flightetl:")
		})
	}
}

func TestRunMain_Validate(t *testing.T) {
	code, stdout, _ := run("validate", "--config", fixture(t))
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "configuration is valid")
	// geocode kind none is a warning, not an error
	require.Contains(t, stdout, "warning: geocode.kind")

	bad := writeConfig(t, "storage:\n  kind: oracle\n  dsn: x\n")
	code, stdout, _ = run("validate", "--config", bad)
	require.Equal(t, 1, code)
	require.Contains(t, stdout, "error: storage.kind")
}

func TestRunMain_MissingConfigIsFatal(t *testing.T) {
	code, _, stderr := run("load", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "absent.yaml")
}

func TestRunMain_LoadThenMaintenance(t *testing.T) {
	cfg := fixture(t)

	code, stdout, stderr := run("load", "--config", cfg, "--metrics-backend", "none")
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, "TABLE")
	require.Regexp(t, `search\s+1\s+1\s+0`, stdout)
	require.Contains(t, stderr, `"stage":"load"`)

	code, stdout, _ = run("load", "--config", cfg)
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "nothing to do")

	code, stdout, _ = run("reconcile", "--config", cfg)
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "nothing to do")

	code, _, stderr = run("reindex", "--config", cfg, "search", "fare")
	require.Equal(t, 0, code, stderr)

	code, _, _ = run("reindex", "--config", cfg, "nope")
	require.Equal(t, 1, code)

	code, stdout, _ = run("purge", "--config", cfg, "--day", "2001-01-01")
	require.Equal(t, 0, code)
	require.Contains(t, stdout, "search\t0")
}

func TestRunMain_Probe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.csv")
	require.NoError(t, os.WriteFile(path, []byte("origin_code,legId\nJFK,a\nJFK,b\n"), 0o644))

	code, stdout, _ := run("probe", "--config", filepath.Join(t.TempDir(), "absent.yaml"), path)
	require.Equal(t, 1, code)
	require.Contains(t, stdout, "rows=2")
	require.Contains(t, stdout, "missing:")

	code, _, _ = run("probe")
	require.Equal(t, 2, code)
}
