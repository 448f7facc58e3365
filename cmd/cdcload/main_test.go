package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/johndauphine/cdcload/internal/config"
	"github.com/johndauphine/cdcload/internal/ledger"
	"github.com/johndauphine/cdcload/internal/logging"
	"github.com/johndauphine/cdcload/internal/orchestrator"
	"github.com/urfave/cli/v2"
	_ "modernc.org/sqlite"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// sqliteConfig writes a config pointing at a file target and ledger in dir.
func sqliteConfig(t *testing.T, dir string) (cfgPath, dbPath string) {
	t.Helper()
	dbPath = filepath.Join(dir, "target.db")
	cfgPath = writeFile(t, dir, "cdcload.yaml", fmt.Sprintf(`
target:
  type: sqlite
  database: %s
ledger:
  path: %s
`, dbPath, filepath.Join(dir, "ledger.db")))
	return cfgPath, dbPath
}

func TestLoadConfigFlags(t *testing.T) {
	t.Cleanup(func() { logging.SetLevel(logging.LevelInfo) })
	cfgPath, _ := sqliteConfig(t, t.TempDir())

	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "defaults from file",
			args: nil,
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Run.Workers != 1 || !cfg.Ledger.Enabled || cfg.Run.Progress {
					t.Errorf("unexpected defaults: run=%+v ledger=%+v", cfg.Run, cfg.Ledger)
				}
			},
		},
		{
			name: "command flags override",
			args: []string{"--workers", "3", "--ignore-tables", "audit, sales.tmp ,", "--node-group", "stores", "--progress", "--no-ledger"},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Run.Workers != 3 {
					t.Errorf("Workers = %d, want 3", cfg.Run.Workers)
				}
				if want := []string{"audit", "sales.tmp"}; !reflect.DeepEqual(cfg.Loader.IgnoreTables, want) {
					t.Errorf("IgnoreTables = %v, want %v", cfg.Loader.IgnoreTables, want)
				}
				if cfg.Loader.NodeGroupID != "stores" {
					t.Errorf("NodeGroupID = %q", cfg.Loader.NodeGroupID)
				}
				if !cfg.Run.Progress || cfg.Ledger.Enabled {
					t.Errorf("progress=%v ledger=%v", cfg.Run.Progress, cfg.Ledger.Enabled)
				}
			},
		},
		{
			name: "zero workers keeps config value",
			args: []string{"--workers", "0"},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Run.Workers != 1 {
					t.Errorf("Workers = %d, want 1", cfg.Run.Workers)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newApp()
			var got *config.Config
			app.Command("load").Action = func(c *cli.Context) error {
				cfg, err := loadConfig(c)
				got = cfg
				return err
			}

			args := append([]string{"cdcload", "--config", cfgPath, "load"}, tt.args...)
			if err := app.Run(args); err != nil {
				t.Fatalf("Run: %v", err)
			}
			tt.check(t, got)
		})
	}
}

func TestGlobalLogLevelFlag(t *testing.T) {
	t.Cleanup(func() { logging.SetLevel(logging.LevelInfo) })
	cfgPath, _ := sqliteConfig(t, t.TempDir())

	app := newApp()
	app.Command("load").Action = func(c *cli.Context) error {
		_, err := loadConfig(c)
		return err
	}

	if err := app.Run([]string{"cdcload", "--config", cfgPath, "--log-level", "debug", "load"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !logging.IsDebug() {
		t.Error("--log-level debug should enable debug logging")
	}

	app = newApp()
	app.Command("load").Action = func(c *cli.Context) error {
		_, err := loadConfig(c)
		return err
	}
	err := app.Run([]string{"cdcload", "--config", cfgPath, "--log-level", "loud", "load"})
	if err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestSourcesFromArgs(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.csv", "batch,1\ncommit\n")

	tests := []struct {
		name      string
		args      []string
		wantNames []string
		wantErr   bool
	}{
		{"no args reads stdin", nil, []string{"stdin"}, false},
		{"file and stdin", []string{a, "-"}, []string{a, "stdin"}, false},
		{"stdin twice", []string{"-", "-"}, nil, true},
		{"missing file", []string{filepath.Join(dir, "nope.csv")}, nil, true},
		{"directory", []string{dir}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sources, err := sourcesFromArgs(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("sourcesFromArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
			var names []string
			for _, s := range sources {
				names = append(names, s.Name)
			}
			if !reflect.DeepEqual(names, tt.wantNames) {
				t.Errorf("names = %v, want %v", names, tt.wantNames)
			}
		})
	}
}

func TestOutputJSON(t *testing.T) {
	var buf bytes.Buffer
	in := &orchestrator.HealthCheckResult{TargetDBType: "sqlite", TargetConnected: true, Healthy: true}
	if err := outputJSON(&buf, in); err != nil {
		t.Fatalf("outputJSON() error: %v", err)
	}

	var parsed orchestrator.HealthCheckResult
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("invalid JSON output: %v\nOutput: %s", err, buf.String())
	}
	if parsed != *in {
		t.Errorf("parsed = %+v, want %+v", parsed, *in)
	}
}

func TestPrintBatches(t *testing.T) {
	var buf bytes.Buffer
	printBatches(&buf, nil)
	if !strings.Contains(buf.String(), "No batches recorded") {
		t.Errorf("empty output = %q", buf.String())
	}

	buf.Reset()
	printBatches(&buf, []ledger.Batch{
		{NodeID: "store-01", BatchID: "7", RunID: "abcd1234", Status: ledger.StatusOK, Rows: 12, Bytes: 2048},
		{NodeID: "store-01", BatchID: "8", Status: ledger.StatusError, FailedLine: 14, Error: "no row deleted"},
	})
	out := buf.String()
	for _, want := range []string{"NODE", "store-01", "OK", "2.0 kB", "abcd1234", "line 14: no row deleted"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintRuns(t *testing.T) {
	var buf bytes.Buffer
	printRuns(&buf, []ledger.Run{
		{ID: "abcd1234", Source: "a.csv", Status: ledger.RunSuccess, StartedAt: time.Now().Add(-time.Hour)},
	})
	out := buf.String()
	for _, want := range []string{"RUN", "abcd1234", ledger.RunSuccess, "a.csv", "1 hour ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestLoadAndStatusCommands(t *testing.T) {
	t.Cleanup(func() { logging.SetLevel(logging.LevelInfo) })
	dir := t.TempDir()
	cfgPath, dbPath := sqliteConfig(t, dir)
	streamPath := writeFile(t, dir, "changes.csv", strings.Join([]string{
		"nodeid,store-01",
		"batch,41",
		`create,"CREATE TABLE items (id INTEGER PRIMARY KEY, name VARCHAR(20))"`,
		"table,items", "columns,id,name", "keys,id",
		"insert,1,apple", "insert,2,pear",
		"commit",
		"batch,42",
		"table,items", "columns,id,name", "keys,id",
		"update,2,plum,2",
		"commit",
	}, "\n")+"\n")

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		app := newApp()
		app.Writer = &out
		if err := app.Run(append([]string{"cdcload", "--config", cfgPath}, args...)); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out.String()
	}

	run("load", streamPath)
	// Replaying the same stream skips both batches.
	run("load", streamPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var n int
	var name string
	if err := db.QueryRow("SELECT COUNT(*) FROM items").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if err := db.QueryRow("SELECT name FROM items WHERE id = 2").Scan(&name); err != nil {
		t.Fatal(err)
	}
	if n != 2 || name != "plum" {
		t.Errorf("items: count=%d name=%q, want 2 and plum", n, name)
	}

	var status struct {
		Runs    []ledger.Run   `json:"runs"`
		Batches []ledger.Batch `json:"batches"`
	}
	if err := json.Unmarshal([]byte(run("status", "--output-json")), &status); err != nil {
		t.Fatalf("status JSON: %v", err)
	}
	if len(status.Runs) != 2 {
		t.Errorf("runs = %d, want 2", len(status.Runs))
	}
	if len(status.Batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(status.Batches))
	}
	for _, b := range status.Batches {
		if b.Status != ledger.StatusOK {
			t.Errorf("batch %s status = %s, want OK", b.BatchID, b.Status)
		}
	}

	if got := run("describe", "items"); got != "table,\"items\"\ncolumns,\"id\",\"name\"\nkeys,\"id\"\n" {
		t.Errorf("describe output = %q", got)
	}

	var health orchestrator.HealthCheckResult
	if err := json.Unmarshal([]byte(run("check", "--output-json")), &health); err != nil {
		t.Fatalf("check JSON: %v", err)
	}
	if !health.Healthy || health.TargetDBType != "sqlite" {
		t.Errorf("health = %+v", health)
	}
}

func TestStatusWithLedgerDisabled(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "cdcload.yaml", fmt.Sprintf(`
target: {type: sqlite, database: %s}
ledger: {enabled: false}
`, filepath.Join(dir, "t.db")))

	app := newApp()
	app.Writer = &bytes.Buffer{}
	if err := app.Run([]string{"cdcload", "--config", cfgPath, "status"}); err == nil {
		t.Error("expected an error when the ledger is disabled")
	}
}
