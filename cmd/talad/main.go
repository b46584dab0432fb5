// Package main is the CLI entry point for talad — the tamper-evident audit
// trail daemon for the Tala accounting services.
//
// talad maintains a hash-chained, append-only audit ledger. Business
// services submit events over a loopback HTTP API; each event becomes a
// record whose hash depends on its predecessor, so editing or deleting
// history is detectable after the fact.
//
// Architecture overview:
//
//	Accounting service --> talad (:3001) --> SQLite ledger (~/.talad/ledger.db)
//	                        |
//	                        |-- chain writer (per-entity hash chains)
//	                        |-- chain verifier (trail / verify / scan)
//	                        |-- compliance monitor (scheduled scans)
//	                        +-- dashboard (web UI + live WebSocket feed)
//
// CLI commands (cobra):
//
//	talad              - First-run setup
//	talad start [-d]   - Start the audit server (foreground or daemon)
//	talad stop         - Stop the audit server
//	talad status       - Show server status
//	talad log          - Append an audit event
//	talad trail        - Show an entity's audit trail with chain verdict
//	talad verify       - Verify an entity's hash chain
//	talad scan         - Run the tenant-wide tampering scan
//	talad export       - Export a tenant's ledger (jsonl/json/csv)
//	talad user         - Maintain the user projection for trail joins
//	talad config       - View/edit server configuration
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/talaledger/talad/internal/audit"
	"github.com/talaledger/talad/internal/config"
	"github.com/talaledger/talad/internal/dashboard"
	"github.com/talaledger/talad/internal/monitor"
	"github.com/talaledger/talad/internal/store"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-31"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns the path to ~/.talad/ where all runtime state
// lives: config.yaml, monitor.yaml, and the SQLite ledger.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to current directory if home dir can't be determined.
		return ".talad"
	}
	return filepath.Join(home, ".talad")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the talad config/state directory.
// Defaults to ~/.talad/ but can be overridden for testing or custom setups.
var configDir string

// rootCmd is the top-level cobra command. When run with no subcommand,
// it performs first-run setup.
var rootCmd = &cobra.Command{
	Use:   "talad",
	Short: "talad — Tamper-evident audit trail daemon",
	Long: `talad maintains a hash-chained, append-only audit ledger for accounting
data. Every business mutation becomes a record whose SHA-256 hash depends
on its predecessor, so any edit or deletion of history is detectable.

Run 'talad start' to start the audit server, or run 'talad' with no
arguments for first-run setup.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFirstTimeSetup(cmd, args)
	},
}

func init() {
	// --config-dir: Override the default ~/.talad/ directory.
	// This flag is persistent so all subcommands inherit it.
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to talad config and state directory",
	)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(trailCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig loads config.yaml from the config directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// datastorePath resolves the configured ledger path against the config
// directory when it is relative.
func datastorePath(cfg *config.Config) string {
	p := cfg.Datastore.Path
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(configDir, p)
}

// openStore opens the ledger store for CLI commands that read or write the
// ledger directly. WAL mode allows this alongside a running server.
func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path := datastorePath(cfg)
	if path == "" {
		return nil, fmt.Errorf("no datastore configured (datastore.path is empty)")
	}
	s, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return s, nil
}

// ============================================================================
// talad start — Start the audit server
// ============================================================================

// daemonMode controls whether the server runs in the background (-d flag).
var daemonMode bool

// startCmd starts the talad audit server. By default it runs in the
// foreground. With -d, it forks into the background as a daemon.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the talad audit server",
	Long: `Start the talad audit server. The server accepts audit events over a
loopback HTTP API, maintains the hash chains, runs scheduled tampering
scans, and serves the dashboard.

By default runs in the foreground. Use -d for daemon/background mode.

The server binds to the address configured in ~/.talad/config.yaml
(default: 127.0.0.1:3001). The API and the web dashboard are served
on this port:
  - API:       http://127.0.0.1:3001/api/audit-logs
  - Dashboard: http://127.0.0.1:3001/dashboard`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart(cmd, args)
	},
}

func init() {
	startCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run server in daemon/background mode")
}

// runStart initializes all subsystems and starts the HTTP server:
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config from ~/.talad/config.yaml
//  3. Open the SQLite ledger store
//  4. Create the chain writer and verifier
//  5. Mount the dashboard on /dashboard and /api/ (if enabled)
//  6. Start the compliance monitor with targets from monitor.yaml
//  7. Start the config watcher for monitor.yaml hot-reload
//  8. Write PID file for process management
//  9. Start listening and block until SIGINT/SIGTERM or HTTP shutdown
func runStart(cmd *cobra.Command, args []string) error {
	// --- Daemon mode ---
	// When -d is passed and we're NOT the re-exec'd child, we spawn a
	// detached child process and exit the parent. The child runs the server
	// in the background with stdout/stderr redirected to a log file.
	//
	// We use TALAD_DAEMONIZED=1 env var to distinguish the parent (which
	// re-execs and exits) from the child (which actually runs the server).
	// This is the standard Go daemonization pattern — Go can't fork() safely
	// because the runtime is multi-threaded.
	if daemonMode && os.Getenv("TALAD_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	// Ensure the config directory exists (~/.talad/).
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	// --- Step 1: Load configuration ---
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// --- Step 2: Open the ledger store ---
	// The ledger is a single SQLite file in WAL mode, so CLI commands can
	// read (trail, verify, scan, export) while the server appends.
	var ledger *store.Store
	if path := datastorePath(cfg); path != "" {
		ledger, err = store.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		defer ledger.Close()
		fmt.Printf("[talad] Ledger at %s\n", path)
	} else if !cfg.Auth.Disabled {
		return fmt.Errorf("no datastore configured (datastore.path is empty)")
	}

	// --- Step 3: Create the chain writer and verifier ---
	// The writer serializes appends per entity tuple so concurrent events
	// cannot fork a chain. Auth.Disabled puts the writer in development
	// bypass mode: events validate but nothing persists.
	var ledgerStore audit.LedgerStore
	if ledger != nil {
		ledgerStore = ledger
	}
	writer := audit.NewWriter(ledgerStore, cfg.Auth.Disabled)
	verifier := audit.NewVerifier(ledgerStore)

	// --- Step 4: Create the dashboard (before the monitor, so scan
	// reports can be wired into the live feed) ---
	// The dashboard's read endpoints need a ledger, so it is skipped in
	// the datastore-less dev bypass configuration.
	var dash *dashboard.Dashboard
	if cfg.Dashboard.Enabled && ledger != nil {
		dash = dashboard.New(dashboard.Options{
			Writer:   writer,
			Verifier: verifier,
		})
	}

	// --- Step 5: Start the compliance monitor ---
	// The monitor runs the tenant-wide tampering scan on an interval for
	// every target in monitor.yaml. Scan results feed the dashboard.
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled && ledger != nil {
		targets, err := monitor.LoadTargets(filepath.Join(configDir, "monitor.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load monitor targets: %w", err)
		}

		opts := monitor.Options{
			Verifier: verifier,
			Interval: time.Duration(cfg.Monitor.IntervalSeconds) * time.Second,
			Targets:  targets,
		}
		if dash != nil {
			opts.OnReport = func(tenant string, report audit.TamperReport) {
				dash.BroadcastScan(tenant, report)
			}
		}
		mon = monitor.New(opts)
		go mon.Run(monitorCtx)
		fmt.Printf("[talad] Compliance monitor: %d target(s), every %ds\n",
			len(targets), cfg.Monitor.IntervalSeconds)
	}

	// --- Step 6: Set up HTTP mux ---
	// The API and dashboard share the same port. The mux routes:
	//   /api/*      -> REST API (append, trail, verify, detect-tampering)
	//   /dashboard* -> dashboard handler (web UI + WebSocket feed)
	//   /health     -> health check (used by `talad status`)
	//   /shutdown   -> graceful shutdown trigger (used by `talad stop`)
	mux := http.NewServeMux()

	if dash != nil {
		mux.Handle("/dashboard", dash)
		mux.Handle("/dashboard/", dash)
		mux.Handle("/dashboard/ws", dash.WebSocketHandler())
		mux.Handle("/api/", dash.APIHandler())
	}

	// Health check endpoint — used by `talad status` to detect a running server.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})

	// Shutdown endpoint — used by `talad stop` to trigger graceful shutdown.
	// This is the cross-platform way to stop the server (works on Windows
	// where Unix signals like SIGTERM are not available).
	// Only accepts POST from loopback addresses to prevent remote shutdown.
	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
			// Already shutting down.
		}
	})

	// --- Step 7: Start the HTTP server ---
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// --- Step 8: Write PID file ---
	// The PID file allows `talad stop` to find the running process.
	// Cleaned up on graceful shutdown.
	pidFile := filepath.Join(configDir, "talad.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	// --- Step 9: Start config file watcher for hot-reload ---
	// When monitor.yaml changes, the monitor's target list reloads live.
	// An operator can add a tenant to the scan rotation without restarting
	// the server and interrupting appends.
	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnMonitorChange: func() {
			if mon == nil {
				return
			}
			targets, loadErr := monitor.LoadTargets(filepath.Join(configDir, "monitor.yaml"))
			if loadErr != nil {
				fmt.Fprintf(os.Stderr, "[talad] Warning: failed to reload monitor targets: %v\n", loadErr)
				return
			}
			mon.Reload(targets)
			fmt.Println("[talad] Monitor targets reloaded")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	// --- Step 10: Graceful shutdown on SIGINT/SIGTERM or HTTP /shutdown ---
	// Three ways the server can shut down:
	//   1. SIGINT (Ctrl+C) — user stops foreground process
	//   2. SIGTERM — sent by `talad stop` on Unix via PID file
	//   3. POST /shutdown — sent by `talad stop` cross-platform via HTTP
	// All three trigger the same graceful shutdown path: drain in-flight
	// requests, stop the monitor, close the ledger.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[talad] Audit server listening on http://%s\n", addr)
		if dash != nil {
			fmt.Printf("[talad] Dashboard at http://%s/dashboard\n", addr)
		}
		if cfg.Auth.Disabled {
			fmt.Println("[talad] WARNING: auth bypass enabled — events will NOT be persisted")
		}
		if !daemonMode {
			fmt.Println("[talad] Press Ctrl+C to stop")
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[talad] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[talad] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown — give in-flight appends 10 seconds to drain so
	// no record is half-written when the ledger closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[talad] Shutdown error: %v\n", shutdownErr)
	}

	stopMonitor()
	fmt.Println("[talad] Stopped")
	return nil
}

// spawnDaemon re-executes the talad binary as a detached background process.
// The parent process prints the child PID and exits immediately.
//
// How it works:
//  1. Find our own executable path
//  2. Build the same command but with TALAD_DAEMONIZED=1 env var
//  3. Redirect stdout/stderr to ~/.talad/talad.log
//  4. Start the child process detached from the terminal
//  5. Print the PID and exit
//
// The child process detects TALAD_DAEMONIZED=1 at the top of runStart()
// and skips the re-exec, running the server normally.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "talad.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	// Build the command: same binary, "start" subcommand (without -d),
	// with the daemonized env var so the child doesn't re-exec again.
	daemonArgs := []string{"start"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "TALAD_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[talad] Audit server started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[talad] Log file: %s\n", logPath)
	fmt.Println("[talad] Use 'talad stop' to stop the server")

	// Release the child process so it survives parent exit.
	// We don't call child.Wait() — the child is now independent.
	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[talad] Warning: failed to release child process: %v\n", err)
	}

	logFile.Close()
	return nil
}

// writePIDFile writes the current process ID to the given file path.
// Used by `talad stop` to find the running server process.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// removePIDFile removes the PID file if it exists. Called on shutdown.
func removePIDFile(path string) {
	os.Remove(path)
}

// isLoopback checks if a remote address is a loopback address (127.x.x.x or ::1).
// Used to restrict the /shutdown endpoint to local-only access.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	// Strip brackets from IPv6 addresses like [::1].
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// talad stop — Stop the audit server
// ============================================================================

// stopCmd sends a stop signal to a running talad server.
//
// Uses two strategies (in order):
//  1. HTTP POST to /shutdown — works cross-platform (Windows + Unix)
//  2. PID file + SIGTERM — Unix fallback if HTTP fails
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running talad server",
	Long: `Stop a running talad server. Tries HTTP shutdown first (cross-platform),
then falls back to PID file + SIGTERM on Unix systems.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	// --- Strategy 1: HTTP shutdown (cross-platform) ---
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[talad] Stop signal sent to server")
			os.Remove(filepath.Join(configDir, "talad.pid"))
			return nil
		}
	}

	// --- Strategy 2: PID file + SIGTERM (Unix only) ---
	if runtime.GOOS == "windows" {
		return fmt.Errorf("server is not responding at %s — cannot stop", addr)
	}

	pidFile := filepath.Join(configDir, "talad.pid")
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("server is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		// Process might already be dead — clean up PID file.
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop server (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[talad] Sent stop signal to server (PID %d)\n", pid)
	return nil
}

// ============================================================================
// talad status — Show server status
// ============================================================================

// statusCmd displays whether the server is running and where it listens.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show audit server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		client := &http.Client{Timeout: 2 * time.Second}

		resp, err := client.Get(addr + "/health")
		if err != nil {
			fmt.Println("[talad] Status: NOT RUNNING")
			fmt.Printf("[talad] Expected at: %s\n", addr)
			return nil
		}
		defer resp.Body.Close()

		var health struct {
			Status  string `json:"status"`
			Version string `json:"version"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&health); err == nil && health.Version != "" {
			fmt.Printf("[talad] Status: RUNNING (version %s)\n", health.Version)
		} else {
			fmt.Println("[talad] Status: RUNNING")
		}
		fmt.Printf("[talad] Listening on: %s\n", addr)
		if cfg.Dashboard.Enabled {
			fmt.Printf("[talad] Dashboard: %s/dashboard\n", addr)
		}
		return nil
	},
}

// ============================================================================
// talad log — Append an audit event
// ============================================================================

// Flags for `talad log`.
var (
	logTenant      string
	logUser        string
	logEntityType  string
	logEntityID    string
	logAction      string
	logDescription string
)

// logCmd appends one audit event. It prefers the running server's API so
// the append goes through the server's per-entity serialization; if the
// server is unreachable it appends directly to the ledger file.
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Append an audit event",
	Long: `Append one audit event to the ledger. The new record is hash-chained to
the entity's previous record.

Prefers the running server's API (so concurrent appends serialize
correctly); falls back to writing the ledger file directly when the
server is not running.

Example:
  talad log --tenant t1 --user u1 --entity-type JournalEntry \
            --entity-id JE-1 --action Posted`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ev := audit.Event{
			TenantID:    logTenant,
			UserID:      logUser,
			EntityType:  logEntityType,
			EntityID:    logEntityID,
			Action:      logAction,
			Description: logDescription,
			UserAgent:   "talad-cli/" + version,
		}

		// --- Strategy 1: POST to the running server ---
		if cfg, err := loadConfig(); err == nil {
			addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
			body, _ := json.Marshal(ev)
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Post(addr+"/api/audit-logs", "application/json", bytes.NewReader(body))
			if err == nil {
				defer resp.Body.Close()
				payload, _ := io.ReadAll(resp.Body)
				if resp.StatusCode == http.StatusOK {
					var got struct {
						ID string `json:"id"`
					}
					json.Unmarshal(payload, &got)
					fmt.Printf("[talad] Logged: %s\n", got.ID)
					return nil
				}
				return fmt.Errorf("server rejected event: %s", strings.TrimSpace(string(payload)))
			}
		}

		// --- Strategy 2: direct ledger append ---
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		id, err := audit.NewWriter(s, false).Append(context.Background(), ev)
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
		fmt.Printf("[talad] Logged: %s (direct)\n", id)
		return nil
	},
}

func init() {
	logCmd.Flags().StringVar(&logTenant, "tenant", "", "Tenant ID (required)")
	logCmd.Flags().StringVar(&logUser, "user", "", "Acting user ID (required)")
	logCmd.Flags().StringVar(&logEntityType, "entity-type", "", "Entity type, e.g. JournalEntry (required)")
	logCmd.Flags().StringVar(&logEntityID, "entity-id", "", "Entity ID, e.g. JE-1 (required)")
	logCmd.Flags().StringVar(&logAction, "action", "", "Action, e.g. Created/Updated/Voided (required)")
	logCmd.Flags().StringVar(&logDescription, "description", "", "Free-text description (optional)")
	logCmd.MarkFlagRequired("tenant")
	logCmd.MarkFlagRequired("user")
	logCmd.MarkFlagRequired("entity-type")
	logCmd.MarkFlagRequired("entity-id")
	logCmd.MarkFlagRequired("action")
}

// ============================================================================
// talad trail / verify / scan — Read-side chain operations
// ============================================================================

// Entity scope flags shared by trail and verify.
var (
	scopeTenant     string
	scopeEntityType string
	scopeEntityID   string
)

func addScopeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&scopeTenant, "tenant", "", "Tenant ID (required)")
	cmd.Flags().StringVar(&scopeEntityType, "entity-type", "", "Entity type (required)")
	cmd.Flags().StringVar(&scopeEntityID, "entity-id", "", "Entity ID (required)")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("entity-type")
	cmd.MarkFlagRequired("entity-id")
}

// trailCmd prints an entity's audit history with the chain verdict.
var trailCmd = &cobra.Command{
	Use:   "trail",
	Short: "Show an entity's audit trail",
	Long: `Show one entity's full audit history with user names and the chain
verdict. The verdict covers both hash self-consistency and record-to-
record linkage.

Example:
  talad trail --tenant t1 --entity-type JournalEntry --entity-id JE-1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		trail, err := audit.NewVerifier(s).AuditTrail(context.Background(), scopeTenant, scopeEntityType, scopeEntityID)
		if err != nil {
			return fmt.Errorf("failed to read audit trail: %w", err)
		}

		if len(trail.Logs) == 0 {
			fmt.Println("No history for this entity.")
			return nil
		}

		if trail.ChainValid {
			fmt.Printf("[talad] Chain VALID (%d records)\n\n", len(trail.Logs))
		} else {
			fmt.Printf("[talad] Chain BROKEN at %s\n\n", *trail.ChainBrokenAt)
		}

		fmt.Printf("%-26s %-12s %-22s %s\n", "WHEN", "ACTION", "USER", "DESCRIPTION")
		fmt.Printf("%-26s %-12s %-22s %s\n", "----", "------", "----", "-----------")
		for _, e := range trail.Logs {
			who := strings.TrimSpace(e.User.FirstName + " " + e.User.LastName)
			if who == "" {
				who = e.UserID
			}
			fmt.Printf("%-26s %-12s %-22s %s\n", e.CreatedAt, e.Action, who, e.Description)
		}
		return nil
	},
}

// verifyCmd verifies one entity's hash chain. Exits non-zero when the
// chain is broken so it can gate scripted compliance checks.
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify an entity's hash chain",
	Long: `Verify the hash chain of one entity's audit history. Each record's hash
is recomputed as SHA-256(previousHash + entityType + entityId + action +
createdAt + userId) and compared to the stored hash, and each record's
previousHash is checked against its predecessor's hash.

Exits with a non-zero status when the chain is broken.

Example:
  talad verify --tenant t1 --entity-type JournalEntry --entity-id JE-1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		verdict, err := audit.NewVerifier(s).VerifyEntityChain(context.Background(), scopeTenant, scopeEntityType, scopeEntityID)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if verdict.ChainValid {
			fmt.Printf("[talad] Chain VALID (%d records verified)\n", len(verdict.Records))
			return nil
		}
		fmt.Printf("[talad] Chain BROKEN at %s\n", *verdict.ChainBrokenAt)
		return fmt.Errorf("audit chain integrity violation detected")
	},
}

// scanTenant is the --tenant flag for `talad scan`.
var scanTenant string

// scanCmd runs the tenant-wide tampering scan. Exits non-zero when the
// scan reports COMPROMISED.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run the tenant-wide tampering scan",
	Long: `Scan a tenant's entire audit history as one flat sequential ledger and
flag every record whose recomputed hash disagrees with its stored hash.

Reports SECURE or COMPROMISED with the flagged records; exits with a
non-zero status when the ledger is compromised.

Example:
  talad scan --tenant t1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		report, err := audit.NewVerifier(s).DetectTampering(context.Background(), scanTenant)
		if err != nil {
			return fmt.Errorf("tampering scan failed: %w", err)
		}

		if report.SecurityStatus == audit.StatusSecure {
			fmt.Printf("[talad] %s — no tampering detected\n", report.SecurityStatus)
			return nil
		}

		fmt.Printf("[talad] %s — %d record(s) flagged\n\n", report.SecurityStatus, report.AffectedRecords)
		fmt.Printf("%-26s %-16s %-12s %-12s %s\n", "WHEN", "ENTITY TYPE", "ENTITY", "ACTION", "LOG ID")
		fmt.Printf("%-26s %-16s %-12s %-12s %s\n", "----", "-----------", "------", "------", "------")
		for _, rec := range report.Tampered {
			fmt.Printf("%-26s %-16s %-12s %-12s %s\n",
				rec.CreatedAt, rec.EntityType, rec.EntityID, rec.Action, rec.LogID)
		}
		return fmt.Errorf("audit ledger integrity violation detected")
	},
}

func init() {
	addScopeFlags(trailCmd)
	addScopeFlags(verifyCmd)
	scanCmd.Flags().StringVar(&scanTenant, "tenant", "", "Tenant ID (required)")
	scanCmd.MarkFlagRequired("tenant")
}

// ============================================================================
// talad export — Export a tenant's ledger
// ============================================================================

// Flags for `talad export`.
var (
	exportTenant string
	exportFormat string
)

// exportCmd writes a tenant's full ledger to stdout in the chosen format.
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a tenant's ledger",
	Long: `Export a tenant's full audit ledger to stdout, createdAt ascending.
Supported formats: jsonl, json, csv. Hashes are included so an exported
ledger can be re-verified offline.

Example:
  talad export --tenant t1 --format csv > audit_export.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		records, err := s.FindAllForTenant(context.Background(), exportTenant)
		if err != nil {
			return fmt.Errorf("failed to read tenant ledger: %w", err)
		}

		return exportRecords(os.Stdout, records, exportFormat)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportTenant, "tenant", "", "Tenant ID (required)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: jsonl, json, csv")
	exportCmd.MarkFlagRequired("tenant")
}

// exportRecords writes records in the requested format.
func exportRecords(w io.Writer, records []audit.AuditRecord, format string) error {
	switch format {
	case "jsonl":
		enc := json.NewEncoder(w)
		for i := range records {
			if err := enc.Encode(&records[i]); err != nil {
				return fmt.Errorf("encoding record: %w", err)
			}
		}
		return nil

	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)

	case "csv":
		cw := csv.NewWriter(w)
		header := []string{"id", "tenantId", "entityType", "entityId", "action",
			"description", "createdAt", "userId", "previousHash", "dataHash", "ipAddress", "userAgent"}
		if err := cw.Write(header); err != nil {
			return err
		}
		for i := range records {
			r := &records[i]
			row := []string{r.ID, r.TenantID, r.EntityType, r.EntityID, r.Action,
				r.Description, r.CreatedAt, r.UserID, r.PreviousHash, r.DataHash, r.IPAddress, r.UserAgent}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()

	default:
		return fmt.Errorf("unknown export format %q (use jsonl, json, or csv)", format)
	}
}

// ============================================================================
// talad user — Maintain the user projection
// ============================================================================

// Flags for `talad user set`.
var (
	userFirstName string
	userLastName  string
	userEmail     string
)

// userCmd is the parent command for the user projection. The ledger joins
// acting users' display names into trail output; this keeps that
// projection current.
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Maintain the user projection for trail joins",
}

// userSetCmd upserts one user's display fields.
var userSetCmd = &cobra.Command{
	Use:   "set <user-id>",
	Short: "Set a user's display fields",
	Long: `Create or update the display fields joined into audit trail output for
the given user ID.

Example:
  talad user set u1 --first-name Maria --last-name Santos --email maria@example.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		u := audit.User{
			ID:        args[0],
			FirstName: userFirstName,
			LastName:  userLastName,
			Email:     userEmail,
		}
		if err := s.UpsertUser(context.Background(), u); err != nil {
			return fmt.Errorf("failed to save user: %w", err)
		}
		fmt.Printf("[talad] User %s saved\n", u.ID)
		return nil
	},
}

func init() {
	userSetCmd.Flags().StringVar(&userFirstName, "first-name", "", "First name")
	userSetCmd.Flags().StringVar(&userLastName, "last-name", "", "Last name")
	userSetCmd.Flags().StringVar(&userEmail, "email", "", "Email address")
	userCmd.AddCommand(userSetCmd)
}

// ============================================================================
// talad config — Configuration management
// ============================================================================

// configCmd is the parent command for configuration operations.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit server configuration",
	Long: `Manage the talad configuration. The config file lives at
~/.talad/config.yaml and defines the server bind address, the ledger
datastore path, the dashboard toggle, and the monitor interval.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
}

// configShowCmd prints the current configuration to stdout.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath)
				fmt.Println("Run 'talad' for first-run setup.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

// configEditCmd opens the config file in the user's preferred editor.
// Uses $EDITOR or $VISUAL env vars, falling back to platform defaults.
var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	Long:  `Open the talad config file in your default editor ($EDITOR or $VISUAL).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			if runtime.GOOS == "windows" {
				editor = "notepad"
			} else {
				editor = "vi"
			}
		}

		// Ensure the config file exists (create default if not).
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		}

		// Launch the editor using exec.Command for cross-platform PATH
		// resolution. os.StartProcess requires an absolute binary path
		// and doesn't search PATH, making it unreliable.
		fmt.Printf("[talad] Opening %s in %s...\n", configPath, editor)
		editorCmd := exec.Command(editor, configPath)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		return editorCmd.Run()
	},
}

// ============================================================================
// First-run setup
// ============================================================================

// runFirstTimeSetup runs when 'talad' is invoked with no subcommand:
//  1. Creates the ~/.talad/ directory
//  2. Generates a default config.yaml
//  3. Generates an empty monitor.yaml with usage comments
func runFirstTimeSetup(cmd *cobra.Command, args []string) error {
	fmt.Println("=== talad — First-Time Setup ===")
	fmt.Println()

	// Check if already configured.
	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Println("Use 'talad start' to start the audit server.")
		fmt.Println("Use 'talad config edit' to modify the configuration.")
		return nil
	}

	fmt.Printf("Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	fmt.Println("Writing default config.yaml...")
	if err := config.WriteDefault(configPath); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	monitorPath := filepath.Join(configDir, "monitor.yaml")
	fmt.Println("Writing default monitor.yaml (no scan targets yet)...")
	if err := monitor.WriteDefaultTargets(monitorPath); err != nil {
		return fmt.Errorf("failed to write default monitor targets: %w", err)
	}

	fmt.Println()
	fmt.Println("Setup complete! Next steps:")
	fmt.Println()
	fmt.Println("  1. Start the audit server:")
	fmt.Println("     talad start")
	fmt.Println()
	fmt.Println("  2. Append a first event:")
	fmt.Println("     talad log --tenant t1 --user u1 --entity-type JournalEntry \\")
	fmt.Println("               --entity-id JE-1 --action Created")
	fmt.Println()
	fmt.Println("  3. Add tenants to the scan rotation:")
	fmt.Printf("     %s\n", monitorPath)
	fmt.Println()
	fmt.Println("  4. View the dashboard:")
	fmt.Println("     http://127.0.0.1:3001/dashboard")
	fmt.Println()
	return nil
}
