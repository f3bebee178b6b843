package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/wardenhq/warden/internal/api"
	"github.com/wardenhq/warden/internal/approval"
	"github.com/wardenhq/warden/internal/archive"
	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/budget"
	"github.com/wardenhq/warden/internal/bus"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/dispatch"
	"github.com/wardenhq/warden/internal/events"
	"github.com/wardenhq/warden/internal/ledger"
	"github.com/wardenhq/warden/internal/lock"
	"github.com/wardenhq/warden/internal/log"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/rollback"
	"github.com/wardenhq/warden/internal/router"
	"github.com/wardenhq/warden/internal/storage"
	"github.com/wardenhq/warden/internal/task"
	"github.com/wardenhq/warden/internal/tui/watch"
	"github.com/wardenhq/warden/internal/worker"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		os.Exit(runSystemNoun(args))
	case "task":
		os.Exit(runTaskNoun(args))
	case "approval":
		os.Exit(runApprovalNoun(args))
	case "worker":
		os.Exit(runWorkerNoun(args))

	// --- ROOT SHORTCUTS ---
	case "start":
		os.Exit(runStart(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("warden version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`warden - Agent task orchestration and safety governance core

Usage:
  warden <noun> <action> [flags]

Core Resources (Nouns):
  system    Service lifecycle
  task      Task submission and inspection
  approval  Pending approval requests and decisions
  worker    Registered worker fleet

System Commands:
  system start              Start the warden service in foreground

Task Commands:
  task submit               Submit a task (reads step requests from --file or stdin)
  task inspect <id>         Show task state, assignments and the step ledger
  task cancel <id>          Cancel a task not yet executing

Approval Commands:
  approval list             Show pending approval requests
  approval decide <id>      Record an operator decision (--approve | --deny)

Worker Commands:
  worker list               Show the registered fleet and its health

General:
  watch                     Live terminal monitor over the event stream
  version                   Show version information
  help                      Show this help message

Client commands reach a running service over its HTTP API; set --api/--key
or WARDEN_API_URL / WARDEN_API_KEY.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: warden system <action>\nActions: start")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "start":
		return runStart(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", args[0])
		return 1
	}
}

func runTaskNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: warden task <action>\nActions: submit, inspect, cancel")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "submit":
		return runTaskSubmit(args[1:])
	case "inspect":
		return runTaskInspect(args[1:])
	case "cancel":
		return runTaskCancel(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown task action: %s\n", args[0])
		return 1
	}
}

func runApprovalNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: warden approval <action>\nActions: list, decide")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "list":
		return runApprovalList(args[1:])
	case "decide":
		return runApprovalDecide(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown approval action: %s\n", args[0])
		return 1
	}
}

func runWorkerNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: warden worker <action>\nActions: list")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "list":
		return runWorkerList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown worker action: %s\n", args[0])
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

// --- SERVICE ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", *configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("warden starting", "version", version, "config", *configPath)

	pidLockPath := filepath.Join(filepath.Dir(cfg.State.Path), "warden.lock")
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)",
			"path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	coordBus := bus.New()
	defer coordBus.Close()
	hub := events.NewHub(256)

	led := ledger.New(db)
	tasks := task.NewStore(db)
	approvals := approval.NewStore(db)
	budgets := budget.NewManager(cfg.Budgets)
	notifier := notify.NewLogNotifier()

	reg := registry.New(cfg.Registry.HeartbeatInterval, cfg.Registry.MaxMissed, coordBus, hub)
	rt := router.New(reg, tasks, coordBus, hub, cfg.Router)
	rb := rollback.New(led, tasks, reg, approvals, budgets, notifier, hub,
		cfg.Rollback, cfg.Approvals.Expiry)

	var archiver dispatch.Archiver
	if cfg.Archive != nil && cfg.Archive.Enabled {
		arc, err := archive.New(ctx, *cfg.Archive)
		if err != nil {
			logger.Error("failed to initialize archive", "endpoint", cfg.Archive.Endpoint, "error", err)
			return 1
		}
		archiver = arc
		logger.Info("archive enabled", "endpoint", cfg.Archive.Endpoint, "bucket", cfg.Archive.Bucket)
	}

	disp := dispatch.New(dispatch.Deps{
		Bus:       coordBus,
		Tasks:     tasks,
		Ledger:    led,
		Registry:  reg,
		Gate:      approval.NewGate(cfg.Approvals),
		Approvals: approvals,
		Budgets:   budgets,
		Rollback:  rb,
		Router:    rt,
		Notifier:  notifier,
		Hub:       hub,
		Archiver:  archiver,
	}, cfg.Dispatch, cfg.Approvals.Expiry, cfg.Registry.RerouteGrace)

	startStaticFleet(ctx, cfg, reg, logger)
	reg.Start(ctx)
	defer reg.Stop()

	if err := disp.Start(ctx); err != nil {
		logger.Error("dispatcher start failed", "error", err)
		return 1
	}
	defer disp.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, api.Deps{
			Submitter: rt,
			Tasks:     tasks,
			Steps:     led,
			Approvals: approvals,
			Resolver:  disp,
			Fleet:     reg,
			Hub:       hub,
		}, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("warden running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("warden stopped")
	return 0
}

// startStaticFleet registers the simulated workers declared in config and
// keeps them heartbeating. Real workers register over the API instead.
func startStaticFleet(ctx context.Context, cfg *config.Config, reg *registry.Registry, logger *slog.Logger) {
	if len(cfg.Workers) == 0 {
		return
	}

	interval := cfg.Registry.HeartbeatInterval / 2
	if interval < time.Second {
		interval = time.Second
	}

	for _, wc := range cfg.Workers {
		w := &worker.Func{WorkerID: wc.ID, Tags: wc.Tags}
		if err := reg.Register(registry.Registration{Worker: w, Concurrency: wc.Concurrency}); err != nil {
			logger.Error("failed to register static worker", "worker", wc.ID, "error", err)
			continue
		}

		go func(id string) {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					_ = reg.Heartbeat(id)
				}
			}
		}(wc.ID)
	}
	logger.Info("static fleet registered", "workers", len(cfg.Workers))
}

// --- CLIENT COMMANDS ---

type clientFlags struct {
	apiURL string
	apiKey string
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	cf := &clientFlags{}
	fs.StringVar(&cf.apiURL, "api", envOr("WARDEN_API_URL", "http://127.0.0.1:8080"), "Warden API base URL")
	fs.StringVar(&cf.apiKey, "key", os.Getenv("WARDEN_API_KEY"), "Warden API bearer token")
	return cf
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func (cf *clientFlags) call(method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, strings.TrimRight(cf.apiURL, "/")+path, reqBody)
	if err != nil {
		return err
	}
	if cf.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+cf.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed (is the service running?): %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func runTaskSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	cf := addClientFlags(fs)
	actor := fs.String("actor", "", "Submitting actor id")
	file := fs.String("file", "", "JSON file with the submission body (default: stdin)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var raw []byte
	var err error
	if *file != "" {
		raw, err = os.ReadFile(*file)
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read submission: %v\n", err)
		return 1
	}

	var body api.SubmitTaskRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid submission JSON: %v\n", err)
		return 1
	}
	if *actor != "" {
		body.ActorID = *actor
	}

	var resp api.SubmitTaskResponse
	if err := cf.call("POST", "/tasks", body, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Submit failed: %v\n", err)
		return 1
	}
	fmt.Printf("task %s %s\n", resp.TaskID, resp.State)
	return 0
}

func runTaskInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	cf := addClientFlags(fs)
	jsonOut := fs.Bool("json", false, "Output raw JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: warden task inspect <task_id> [--json]")
		return 1
	}

	var resp api.TaskStatusResponse
	if err := cf.call("GET", "/tasks/"+fs.Arg(0), nil, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("Task:     %s\n", resp.TaskID)
	fmt.Printf("Actor:    %s\n", resp.ActorID)
	fmt.Printf("State:    %s\n", resp.State)
	fmt.Printf("Reroutes: %d\n", resp.Reroutes)
	if resp.Summary != "" {
		fmt.Printf("Summary:  %s\n", resp.Summary)
	}
	if len(resp.Assignments) > 0 {
		fmt.Printf("Workers:  %s\n", strings.Join(resp.Assignments, ", "))
	}
	if len(resp.Steps) > 0 {
		fmt.Println("Steps:")
		for _, s := range resp.Steps {
			line := fmt.Sprintf("  %3d %-13s %-24s %-10s %s",
				s.Seq, s.Kind, s.ActionType, s.Outcome, s.WorkerID)
			if s.Compensated {
				line += "  (compensated)"
			}
			if s.CompensatesSeq != nil {
				line += fmt.Sprintf("  undoes #%d", *s.CompensatesSeq)
			}
			fmt.Println(line)
		}
	}
	return 0
}

func runTaskCancel(args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: warden task cancel <task_id>")
		return 1
	}

	var resp api.SubmitTaskResponse
	if err := cf.call("POST", "/tasks/"+fs.Arg(0)+"/cancel", struct{}{}, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Cancel failed: %v\n", err)
		return 1
	}
	fmt.Printf("task %s %s\n", resp.TaskID, resp.State)
	return 0
}

func runApprovalList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	cf := addClientFlags(fs)
	jsonOut := fs.Bool("json", false, "Output raw JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var pending []api.ApprovalView
	if err := cf.call("GET", "/approvals", nil, &pending); err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(pending, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(pending) == 0 {
		fmt.Println("No pending approvals.")
		return 0
	}
	for _, a := range pending {
		fmt.Printf("%s  task=%s  %s  %s  expires %s\n",
			a.RequestID, a.TaskID, a.Risk, a.ActionType,
			a.ExpiresAt.Local().Format(time.RFC3339))
		if a.Descriptor != "" {
			fmt.Printf("    %s\n", a.Descriptor)
		}
	}
	return 0
}

func runApprovalDecide(args []string) int {
	fs := flag.NewFlagSet("decide", flag.ExitOnError)
	cf := addClientFlags(fs)
	approve := fs.Bool("approve", false, "Approve the request")
	deny := fs.Bool("deny", false, "Deny the request")
	by := fs.String("by", envOr("USER", "operator"), "Deciding operator id")

	// Allow the request id before or after the flags.
	var requestID string
	var rest []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && requestID == "" {
			requestID = arg
		} else {
			rest = append(rest, arg)
		}
	}
	if err := fs.Parse(rest); err != nil {
		return 1
	}

	if requestID == "" || *approve == *deny {
		fmt.Fprintln(os.Stderr, "Usage: warden approval decide <request_id> (--approve | --deny) [--by NAME]")
		return 1
	}

	decision := "denied"
	if *approve {
		decision = "approved"
	}

	var resp api.DecisionResponse
	err := cf.call("POST", "/approvals/"+requestID+"/decision",
		api.DecisionRequest{Decision: decision, DecidedBy: *by}, &resp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Decide failed: %v\n", err)
		return 1
	}
	fmt.Printf("approval %s %s (task %s)\n", resp.RequestID, resp.Decision, resp.TaskID)
	return 0
}

func runWorkerList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	cf := addClientFlags(fs)
	jsonOut := fs.Bool("json", false, "Output raw JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	var workers []api.WorkerView
	if err := cf.call("GET", "/workers", nil, &workers); err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(workers, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(workers) == 0 {
		fmt.Println("No workers registered.")
		return 0
	}
	for _, w := range workers {
		fmt.Printf("%-16s %-9s in-flight=%d/%d  tags=%s\n",
			w.ID, w.Health, w.InFlight, w.Concurrency, strings.Join(w.Tags, ","))
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	cf := addClientFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	model := watch.New(strings.TrimRight(cf.apiURL, "/"), cf.apiKey)
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch failed: %v\n", err)
		return 1
	}
	return 0
}
