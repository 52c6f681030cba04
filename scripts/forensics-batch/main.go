// forensics-batch runs incident analyses from a JSON Lines file and
// reconciles triple store graphs, using the same configuration as the server.
//
// Usage:
//
//	go run ./scripts/forensics-batch analyze --input incidents.jsonl [--out results.jsonl]
//	go run ./scripts/forensics-batch reconcile [--limit 100]
//	go run ./scripts/forensics-batch get <analysis-id>
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/app"
	"github.com/ekaya-inc/ekaya-forensics/pkg/config"
	"github.com/ekaya-inc/ekaya-forensics/pkg/logging"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
	"github.com/ekaya-inc/ekaya-forensics/pkg/services"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

// maxLineBytes bounds one JSONL request line.
const maxLineBytes = 4 << 20

// exitErr carries a numeric exit code through the cobra error path.
type exitErr struct {
	code int
	msg  string
}

func (e *exitErr) Error() string { return e.msg }

type analyzeFlags struct {
	input    string
	out      string
	progress bool
}

func main() {
	root := &cobra.Command{
		Use:           "forensics-batch",
		Short:         "Batch forensic analysis of AI incidents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var aFlags analyzeFlags
	analyzeCmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze every incident in a JSON Lines file",
		Long: "Each input line is an analysis request: " +
			`{"id": "...", "narrative": "...", "source": "...", "options": {"with_evidence_plan": true}}. ` +
			"One result line is written per request, in input order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, logger *zap.Logger) error {
				return runAnalyze(ctx, a, aFlags, logger)
			})
		},
	}
	f := analyzeCmd.Flags()
	f.StringVar(&aFlags.input, "input", "", "JSON Lines file of analysis requests ('-' for stdin)")
	f.StringVar(&aFlags.out, "out", "", "Write results to file instead of stdout")
	f.BoolVar(&aFlags.progress, "progress", false, "Print stage progress to stderr")
	_ = analyzeCmd.MarkFlagRequired("input")

	var limit int
	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Write missing triple store graphs for stored records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, logger *zap.Logger) error {
				if limit == 0 {
					limit = a.Config.Pipeline.ReconcileLimit
				}
				result, err := a.Persistence.Reconcile(ctx, limit)
				if err != nil {
					return err
				}
				if err := writeJSON(os.Stdout, result); err != nil {
					return err
				}
				if len(result.FailedIDs) > 0 {
					return &exitErr{code: 2, msg: fmt.Sprintf("%d records still need reconciliation", len(result.FailedIDs))}
				}
				return nil
			})
		},
	}
	reconcileCmd.Flags().IntVar(&limit, "limit", 0, "Maximum records to reconcile (default: pipeline.reconcile_limit)")

	getCmd := &cobra.Command{
		Use:   "get <analysis-id>",
		Short: "Print a stored analysis record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, logger *zap.Logger) error {
				record, err := a.Persistence.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if record == nil {
					return &exitErr{code: 2, msg: fmt.Sprintf("analysis %q not found", args[0])}
				}
				return writeJSON(os.Stdout, record)
			})
		},
	}

	root.AddCommand(analyzeCmd, reconcileCmd, getCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitErr
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

// withApp loads configuration, builds the stack and runs fn against it.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app.App, logger *zap.Logger) error) error {
	cfg, err := config.Load(version)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a, logger)
}

func runAnalyze(ctx context.Context, a *app.App, flags analyzeFlags, logger *zap.Logger) error {
	in := io.Reader(os.Stdin)
	if flags.input != "-" {
		file, err := os.Open(flags.input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer file.Close()
		in = file
	}

	requests, err := readRequests(in)
	if err != nil {
		return err
	}
	logger.Info("Starting batch", zap.Int("requests", len(requests)))

	var onEvent services.EmitFunc
	if flags.progress {
		onEvent = func(e models.ProgressEvent) {
			if e.EventType == models.EventStageComplete || e.IsTerminal() {
				fmt.Fprintf(os.Stderr, "%s %3d%% %s %s\n", e.AnalysisID, e.ProgressPercent, e.StepName, e.Message)
			}
		}
	}
	results := a.Batch.Run(ctx, requests, onEvent)

	out := io.Writer(os.Stdout)
	if flags.out != "" {
		file, err := os.Create(flags.out)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer file.Close()
		out = file
	}
	if err := writeResults(out, results); err != nil {
		return err
	}

	summary := services.Summarize(results)
	if err := writeJSON(os.Stderr, summary); err != nil {
		return err
	}
	if failed := summary.Failed + summary.Invalid + summary.Cancelled; failed > 0 {
		return &exitErr{code: 2, msg: fmt.Sprintf("%d of %d analyses did not complete", failed, summary.Total)}
	}
	return nil
}

// readRequests parses JSON Lines; blank lines and lines starting with '#' are skipped.
func readRequests(r io.Reader) ([]models.AnalysisRequest, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	var requests []models.AnalysisRequest
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var req models.AnalysisRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		requests = append(requests, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if len(requests) == 0 {
		return nil, errors.New("input has no requests")
	}
	return requests, nil
}

// writeResults writes one JSON line per result.
func writeResults(w io.Writer, results []services.BatchItemResult) error {
	enc := json.NewEncoder(w)
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("write result %d: %w", res.Index, err)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
