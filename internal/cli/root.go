package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Fuabioo/merge-gate/internal/ambient"
	"github.com/Fuabioo/merge-gate/internal/audit"
	"github.com/Fuabioo/merge-gate/internal/config"
	"github.com/Fuabioo/merge-gate/internal/merge"
	"github.com/Fuabioo/merge-gate/internal/pathutil"
	"github.com/Fuabioo/merge-gate/internal/policy"
	"github.com/Fuabioo/merge-gate/internal/server"
	"github.com/Fuabioo/merge-gate/internal/wire"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("MERGE_GATE_DEBUG") == "1" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "merge-gate",
		Short:         "Sanitizing structural merge for untrusted input",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRoot,
	}
	root.Flags().String("policy", "", "policy name (overrides the request envelope)")
	root.Flags().String("target", "", "path to target JSON file (with --source, replaces the stdin envelope)")
	root.Flags().String("source", "", "path to source JSON file")

	root.AddCommand(newValidateCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newAuditCmd())

	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(os.Stderr, "merge-gate: %v\n", err)
		return 1
	}
	return 0
}

// runRoot is the default command: read a merge request from stdin, run the
// merge, print the response. Exit 0 = merged, 2 = rejected, 1 = error.
func runRoot(cmd *cobra.Command, _ []string) error {
	logger := newLogger()

	// Freeze the shared namespace before any merge runs.
	ambient.Install()

	req, err := readRequest(cmd)
	if err != nil {
		return err
	}

	// Config parse error -> fail closed (exit 2).
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "merge-gate: config error: %v\n", err)
		return &exitError{code: 2}
	}

	policyName := req.Policy
	if flagPolicy, err := cmd.Flags().GetString("policy"); err == nil && flagPolicy != "" {
		policyName = flagPolicy
	}

	entry, ok := cfg.Resolve(policyName)
	if !ok {
		return fmt.Errorf("unknown policy %q", policyName)
	}
	pol, err := entry.Build()
	if err != nil {
		return err
	}

	recorder := openRecorder(cfg, logger)
	defer func() {
		if recorder != nil {
			_ = recorder.Close()
		}
	}()

	requestID := uuid.NewString()

	start := time.Now()
	out := merge.Merge(req.Target, req.Source, pol)
	duration := time.Since(start)

	logger.Debug("merge complete",
		"policy", entry.Name,
		"rejected", out.Rejected(),
		"violations", len(out.Violations),
		"duration", duration,
	)

	recordMerge(recorder, requestID, entry.Name, len(req.Source), duration, out, logger)
	maybeRotate(recorder, cfg, logger)

	resp := wire.ResponseFor(requestID, out)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		logger.Error("failed to write response", "err", err)
	}

	if out.Rejected() {
		return &exitError{code: 2}
	}
	return nil
}

// readRequest builds the merge request from --target/--source files when
// given, otherwise from the stdin envelope.
func readRequest(cmd *cobra.Command) (wire.MergeRequest, error) {
	targetPath, _ := cmd.Flags().GetString("target")
	sourcePath, _ := cmd.Flags().GetString("source")

	var req wire.MergeRequest
	if targetPath != "" || sourcePath != "" {
		if targetPath == "" || sourcePath == "" {
			return req, errors.New("--target and --source must be used together")
		}
		target, err := readTree(pathutil.ExpandTilde(targetPath))
		if err != nil {
			return req, err
		}
		source, err := readTree(pathutil.ExpandTilde(sourcePath))
		if err != nil {
			return req, err
		}
		req.Target = target
		req.Source = source
		return req, nil
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return req, fmt.Errorf("read stdin: %w", err)
	}
	if len(data) == 0 {
		return req, errors.New("empty input: expected a merge request on stdin")
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse request: %w", err)
	}
	return req, nil
}

// readTree parses one JSON object file.
func readTree(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%s: expected a JSON object, got null", path)
	}
	return m, nil
}

// openRecorder opens the audit DB unless auditing is disabled. Fail-open:
// errors are logged and the merge proceeds unaudited.
func openRecorder(cfg config.Config, logger *slog.Logger) *audit.SQLiteRecorder {
	if cfg.Audit != nil && cfg.Audit.Disabled {
		return nil
	}
	dbPath := audit.DefaultDBPath()
	if cfg.Audit != nil && cfg.Audit.DBPath != "" {
		dbPath = pathutil.ExpandTilde(cfg.Audit.DBPath)
	}
	r, err := audit.Open(dbPath)
	if err != nil {
		logger.Warn("failed to open audit db, continuing without audit", "err", err)
		return nil
	}
	return r
}

func recordMerge(recorder *audit.SQLiteRecorder, requestID, policyName string, sourceKeys int, duration time.Duration, out merge.Outcome, logger *slog.Logger) {
	if recorder == nil {
		return
	}

	outcome := audit.OutcomeMerged
	var rows []audit.ViolationRow
	if out.Rejected() {
		outcome = audit.OutcomeRejected
		rows = make([]audit.ViolationRow, 0, len(out.Violations))
		for i, v := range out.Violations {
			rows = append(rows, audit.ViolationRow{
				Seq:    i,
				Path:   v.Path.String(),
				Kind:   string(v.Kind),
				Detail: v.Detail,
			})
		}
	}

	err := recorder.RecordMerge(audit.MergeExecution{
		Timestamp:  time.Now().UTC(),
		RequestID:  requestID,
		PolicyName: policyName,
		Outcome:    outcome,
		SourceKeys: sourceKeys,
		DurationMs: duration.Milliseconds(),
		Violations: rows,
	})
	if err != nil {
		logger.Warn("audit record failed", "err", err)
	}
}

// maybeRotate archives old audit entries when a retention is configured.
func maybeRotate(recorder *audit.SQLiteRecorder, cfg config.Config, logger *slog.Logger) {
	if recorder == nil || cfg.Audit == nil || cfg.Audit.Retention == "" {
		return
	}
	retention, err := config.ParseRetention(cfg.Audit.Retention)
	if err != nil {
		logger.Warn("invalid audit retention, skipping rotation", "err", err)
		return
	}

	dbPath := audit.DefaultDBPath()
	if cfg.Audit.DBPath != "" {
		dbPath = pathutil.ExpandTilde(cfg.Audit.DBPath)
	}
	archiveDir := filepath.Join(filepath.Dir(dbPath), "archives")

	audit.MaybeRotate(recorder.DB(), audit.RotationConfig{
		Retention:   retention,
		ArchiveDir:  archiveDir,
		ThrottleDir: archiveDir,
	}, logger)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("merge-gate %s (%s)\n", Version, Commit)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config and compile all policies",
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "merge-gate: config error: %v\n", err)
		return &exitError{code: 1}
	}

	if len(cfg.Policies) == 0 {
		fmt.Println("No policies configured; the canonical deny-list is still in force.")
		return nil
	}

	hasIssues := false

	for i, entry := range cfg.Policies {
		pol, err := entry.Build()
		status := "OK"
		if err != nil {
			status = fmt.Sprintf("INVALID: %v", err)
			hasIssues = true
		}

		fmt.Printf("Policy %d: name=%s [%s]\n", i+1, entry.Name, status)
		if err != nil {
			continue
		}

		fmt.Printf("  Denied keys: %v\n", pol.DeniedKeys())
		if entry.AllowedKeys != nil {
			fmt.Printf("  Allowed keys: %v\n", entry.AllowedKeys)
		}
		if len(entry.Schema) > 0 {
			fmt.Printf("  Schema fields: %d\n", len(entry.Schema))
		}
		fmt.Printf("  Max depth: %d\n", pol.MaxDepth())
	}

	if hasIssues {
		return &exitError{code: 1}
	}
	return nil
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the runtime guard and audit subsystem",
		RunE:  runDoctor,
	}
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	hasIssues := false

	check := func(name string, ok bool, detail string) {
		status := "OK"
		if !ok {
			status = "FAIL"
			hasIssues = true
		}
		fmt.Printf("%-28s [%s] %s\n", name, status, detail)
	}

	ambient.Install()
	check("guard installed", ambient.Installed(), "shared namespace frozen")

	// A post-freeze write must be refused.
	err := ambient.Set("__doctor_probe__", true)
	check("guard rejects writes", errors.Is(err, ambient.ErrFrozen), "post-freeze Set returns ErrFrozen")

	clean := ambient.VerifyClean(policy.CanonicalDeniedKeys())
	check("namespace clean", clean, "no canonical denied key resolves on the shared namespace")

	if _, err := config.Load(); err != nil {
		check("config loads", false, err.Error())
	} else {
		check("config loads", true, "ok")
	}

	dbPath := audit.DefaultDBPath()
	r, err := audit.Open(dbPath)
	if err == nil {
		_ = r.Close()
	}
	check("audit db opens", err == nil, dbPath)

	if hasIssues {
		return &exitError{code: 1}
	}
	return nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP merge endpoint",
		RunE:  runServe,
	}
	cmd.Flags().String("address", "", "listen address (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "merge-gate: config error: %v\n", err)
		return &exitError{code: 2}
	}

	ambient.Install()

	srvCfg := server.Config{}
	if cfg.Server != nil {
		srvCfg.Address = cfg.Server.Address
		srvCfg.AuthToken = cfg.Server.AuthToken
		srvCfg.MaxBodyBytes = cfg.Server.MaxBodyBytes
	}
	if addr, err := cmd.Flags().GetString("address"); err == nil && addr != "" {
		srvCfg.Address = addr
	}

	recorder := openRecorder(cfg, logger)

	// Keep the interface nil when no recorder opened, not a typed nil.
	var rec audit.Recorder
	if recorder != nil {
		rec = recorder
		defer func() { _ = recorder.Close() }()
	}

	srv := server.New(srvCfg, cfg, rec, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	<-ctx.Done()
	srv.Stop()
	return nil
}
