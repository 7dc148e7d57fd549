package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/evanmendix/evergreen-fortify/internal/api"
	"github.com/evanmendix/evergreen-fortify/internal/config"
	"github.com/evanmendix/evergreen-fortify/internal/fetch"
	"github.com/evanmendix/evergreen-fortify/internal/pipeline"
	"github.com/evanmendix/evergreen-fortify/internal/solution"
	"github.com/evanmendix/evergreen-fortify/internal/track"
	"github.com/evanmendix/evergreen-fortify/internal/trigger"
	"github.com/evanmendix/evergreen-fortify/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fortify server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running fortify server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fortify system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "fortify.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "fortify version %s\n", version)

	cfg, logger, store, regions, cleanup, err := loadStack()
	if err != nil {
		return err
	}
	defer cleanup()

	// Refuse to double-start: probe the health endpoint before claiming
	// the PID file.
	pidPath := pidFilePath(cfg.Paths.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("fortify is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("fortify is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := newDevOpsClient(cfg)
	if err != nil {
		return err
	}

	library, err := solution.Load(cfg.Paths.SolutionsDir)
	if err != nil {
		return fmt.Errorf("loading solution guides: %w", err)
	}
	if library.Empty() {
		logger.Warn("no solution guides loaded; findings will carry no remediation notes", "dir", cfg.Paths.SolutionsDir)
	}

	fetcher := fetch.New(client, track.New(regions), regions, cfg.Paths.ReportsDir, cfg.PipelineName, logger)
	fetcher.BranchPriority = cfg.Pipeline.BranchPriority
	processor := pipeline.New(cfg.Paths.OutputDir, library, regions, logger)
	trig := trigger.New(client, regions, logger)

	// Drain queued jobs in the background.
	jobWorker := worker.New(store, fetcher, processor, trig, cfg.Paths.ReportsDir, 500*time.Millisecond, logger)
	go jobWorker.Run(ctx)

	projects := cfg.TrackedRepos(false)
	appHandler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Regions:  regions,
		Projects: projects,
		Token:    cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// MCP server on stdio transport.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Regions:  regions,
		Projects: projects,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("MCP stdio server error", "error", err)
		}
	}()
	logger.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "fortify listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Paths.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("fortify is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop fortify (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to fortify (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}

	resp, err := healthClient.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Organization", "%s", cfg.AzureDevOps.Organization)
	printStatus("Project", "%s", cfg.AzureDevOps.Project)
	printStatus("Tracked repos", "%d main, %d total", len(cfg.Repos.Main), len(cfg.Repos.All))

	// Show cached summary freshness when the server is up.
	if running {
		client, err := newAPIClient()
		if err == nil {
			resp, err := client.get(ctx, "/summary")
			if err == nil {
				var summaryResp struct {
					Fresh    bool           `json:"fresh"`
					Projects map[string]any `json:"projects"`
				}
				if decodeJSON(resp, &summaryResp) == nil {
					freshness := "stale"
					if summaryResp.Fresh {
						freshness = "fresh"
					}
					printStatus("Scan results", "%d project(s), %s", len(summaryResp.Projects), freshness)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Paths.DataDir)
	return nil
}
