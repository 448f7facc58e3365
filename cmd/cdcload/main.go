package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/johndauphine/cdcload/internal/config"
	"github.com/johndauphine/cdcload/internal/ledger"
	"github.com/johndauphine/cdcload/internal/logging"
	"github.com/johndauphine/cdcload/internal/metrics"
	"github.com/johndauphine/cdcload/internal/orchestrator"
	"github.com/johndauphine/cdcload/internal/target"
	"github.com/johndauphine/cdcload/internal/util"
	"github.com/johndauphine/cdcload/internal/version"
	"github.com/urfave/cli/v2"
)

func main() {
	err := newApp().Run(os.Args)
	logging.Sync()
	if err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    version.Name,
		Usage:   version.Description,
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "cdcload.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override logging.level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "load",
				Usage:     "Apply change streams to the target database",
				ArgsUsage: "[files...|-]",
				Action:    runLoad,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of streams loaded in parallel",
					},
					&cli.StringFlag{
						Name:  "ignore-tables",
						Usage: "Comma-separated tables to skip (table or schema.table)",
					},
					&cli.StringFlag{
						Name:  "node-group",
						Usage: "Node group used for schema routing",
					},
					&cli.BoolFlag{
						Name:  "progress",
						Usage: "Show a progress bar",
					},
					&cli.BoolFlag{
						Name:  "no-ledger",
						Usage: "Do not record or skip batches in the ledger",
					},
				},
			},
			{
				Name:  "status",
				Usage: "Show recent runs and batches from the ledger",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Value: 20,
						Usage: "Number of rows to show (0 for all)",
					},
					&cli.BoolFlag{
						Name:  "output-json",
						Usage: "Print JSON instead of a table",
					},
				},
				Action: showStatus,
			},
			{
				Name:  "check",
				Usage: "Check target connectivity and the ledger",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "output-json",
						Usage: "Print JSON instead of text",
					},
				},
				Action: runCheck,
			},
			{
				Name:      "describe",
				Usage:     "Print the stream header for target tables",
				ArgsUsage: "TABLE...",
				Action:    runDescribe,
			},
			{
				Name:  "config",
				Usage: "Print the effective configuration with secrets redacted",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					out, err := cfg.YAML()
					if err != nil {
						return err
					}
					fmt.Fprint(c.App.Writer, out)
					return nil
				},
			},
		},
	}
}

// loadConfig reads the config file and applies global and command flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("workers") {
		if n := c.Int("workers"); n > 0 {
			cfg.Run.Workers = n
		}
	}
	if c.IsSet("ignore-tables") {
		cfg.Loader.IgnoreTables = append(cfg.Loader.IgnoreTables, util.SplitCSV(c.String("ignore-tables"))...)
	}
	if c.IsSet("node-group") {
		cfg.Loader.NodeGroupID = c.String("node-group")
	}
	if c.Bool("progress") {
		cfg.Run.Progress = true
	}
	if c.Bool("no-ledger") {
		cfg.Ledger.Enabled = false
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logging.SetLevel(level)
	logging.SetFormat(cfg.Logging.Format)
	return cfg, nil
}

// openLedger opens the configured ledger, or returns nil when it is disabled.
func openLedger(cfg *config.Config) (*ledger.Ledger, error) {
	if !cfg.Ledger.Enabled {
		return nil, nil
	}
	l, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return l, nil
}

// sourcesFromArgs maps command arguments to sources. No arguments reads stdin.
func sourcesFromArgs(args []string) ([]orchestrator.Source, error) {
	if len(args) == 0 {
		args = []string{"-"}
	}
	sources := make([]orchestrator.Source, 0, len(args))
	stdin := false
	for _, arg := range args {
		if arg == "-" {
			if stdin {
				return nil, fmt.Errorf("standard input given more than once")
			}
			stdin = true
		}
		src, err := orchestrator.FileSource(arg)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			logging.Warn("Interrupted. Rolling back the open batch...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runLoad(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	sources, err := sourcesFromArgs(c.Args().Slice())
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
				logging.Error("Metrics endpoint: %v", err)
			}
		}()
	}

	db, err := target.Open(&cfg.Target, cfg.Target.MaxConns)
	if err != nil {
		return fmt.Errorf("failed to connect to target: %w", err)
	}
	defer db.Close()

	l, err := openLedger(cfg)
	if err != nil {
		return err
	}
	var backend ledger.Backend
	if l != nil {
		defer l.Close()
		backend = l
	}

	orch := orchestrator.New(cfg, db, backend)
	_, err = orch.Run(ctx, sources)
	return err
}

func showStatus(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if !cfg.Ledger.Enabled {
		return fmt.Errorf("ledger is disabled in %s", c.String("config"))
	}
	l, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	runs, err := l.GetRuns(c.Int("limit"))
	if err != nil {
		return err
	}
	batches, err := l.GetBatches(c.Int("limit"))
	if err != nil {
		return err
	}

	if c.Bool("output-json") {
		return outputJSON(c.App.Writer, struct {
			Runs    []ledger.Run   `json:"runs"`
			Batches []ledger.Batch `json:"batches"`
		}{runs, batches})
	}
	printRuns(c.App.Writer, runs)
	fmt.Fprintln(c.App.Writer)
	printBatches(c.App.Writer, batches)
	return nil
}

func runCheck(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	db, err := target.Open(&cfg.Target, 1)
	if err != nil {
		return fmt.Errorf("failed to connect to target: %w", err)
	}
	defer db.Close()

	l, err := openLedger(cfg)
	if err != nil {
		return err
	}
	var backend ledger.Backend
	if l != nil {
		defer l.Close()
		backend = l
	}

	result, err := orchestrator.New(cfg, db, backend).HealthCheck(context.Background())
	if err != nil {
		return err
	}
	if c.Bool("output-json") {
		if err := outputJSON(c.App.Writer, result); err != nil {
			return err
		}
	} else {
		w := c.App.Writer
		fmt.Fprintf(w, "Target (%s): connected=%v latency=%dms\n",
			result.TargetDBType, result.TargetConnected, result.TargetLatencyMs)
		if result.TargetError != "" {
			fmt.Fprintf(w, "  error: %s\n", result.TargetError)
		}
		fmt.Fprintf(w, "Ledger: enabled=%v\n", result.LedgerEnabled)
		if result.LedgerError != "" {
			fmt.Fprintf(w, "  error: %s\n", result.LedgerError)
		}
	}
	if !result.Healthy {
		return cli.Exit("unhealthy", 1)
	}
	return nil
}

func runDescribe(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("describe needs at least one table name", 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	db, err := target.Open(&cfg.Target, 1)
	if err != nil {
		return fmt.Errorf("failed to connect to target: %w", err)
	}
	defer db.Close()

	return orchestrator.New(cfg, db, nil).DescribeTables(context.Background(), c.App.Writer, c.Args().Slice()...)
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRuns(w io.Writer, runs []ledger.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tSOURCE\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Status, humanize.Time(r.StartedAt), r.Source, r.Error)
	}
	tw.Flush()
}

func printBatches(w io.Writer, batches []ledger.Batch) {
	if len(batches) == 0 {
		fmt.Fprintln(w, "No batches recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tBATCH\tSTATUS\tROWS\tBYTES\tRUN\tERROR")
	for _, b := range batches {
		errMsg := b.Error
		if b.FailedLine > 0 {
			errMsg = fmt.Sprintf("line %d: %s", b.FailedLine, b.Error)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			b.NodeID, b.BatchID, b.Status, b.Rows, humanize.Bytes(uint64(b.Bytes)), b.RunID, errMsg)
	}
	tw.Flush()
}
