package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/evanmendix/evergreen-fortify/internal/cache"
	"github.com/evanmendix/evergreen-fortify/internal/config"
	"github.com/evanmendix/evergreen-fortify/internal/devops"
	"github.com/evanmendix/evergreen-fortify/internal/fetch"
	"github.com/evanmendix/evergreen-fortify/internal/notes"
	"github.com/evanmendix/evergreen-fortify/internal/pipeline"
	"github.com/evanmendix/evergreen-fortify/internal/solution"
	"github.com/evanmendix/evergreen-fortify/internal/track"
	"github.com/evanmendix/evergreen-fortify/internal/trigger"
)

// loadStack opens everything the in-process commands share: config, logger,
// cache store and typed regions. The returned cleanup closes them in order.
func loadStack() (config.Config, *slog.Logger, *cache.Store, *cache.Regions, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, nil, nil, nil, err
	}

	logger, closeLog := config.SetupLogger(cfg.Log)

	store, err := cache.Open(cfg.Paths.DataDir)
	if err != nil {
		closeLog()
		return config.Config{}, nil, nil, nil, nil, fmt.Errorf("opening cache: %w", err)
	}

	cleanup := func() {
		store.Close()
		closeLog()
	}
	return cfg, logger, store, cache.NewRegions(store), cleanup, nil
}

func newDevOpsClient(cfg config.Config) (*devops.Client, error) {
	return devops.New(cfg.AzureDevOps.Organization, cfg.AzureDevOps.Project, cfg.AzureDevOps.PAT)
}

// resolveProjects picks the projects a command acts on: explicit args win,
// then the configured repository lists.
func resolveProjects(cfg config.Config, args []string, all bool) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	repos := cfg.TrackedRepos(all)
	if len(repos) == 0 {
		return nil, fmt.Errorf("no projects given and none configured (set repositories.main_repos in %s)", configPath)
	}
	return repos, nil
}

// --- fetch ---

var fetchCmd = &cobra.Command{
	Use:   "fetch [projects...]",
	Short: "Download the latest scan report PDF for each project",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		cfg, logger, _, regions, cleanup, err := loadStack()
		if err != nil {
			return err
		}
		defer cleanup()

		projects, err := resolveProjects(cfg, args, all)
		if err != nil {
			return err
		}

		client, err := newDevOpsClient(cfg)
		if err != nil {
			return err
		}

		fetcher := fetch.New(client, track.New(regions), regions, cfg.Paths.ReportsDir, cfg.PipelineName, logger)
		fetcher.BranchPriority = cfg.Pipeline.BranchPriority
		results := fetcher.FetchAll(cmd.Context(), projects)

		downloaded := 0
		for _, res := range results {
			switch res.Action {
			case fetch.ActionDownloaded:
				downloaded++
				printSuccess("%s: build %s → %s", res.Project, res.BuildID, res.Path)
			case fetch.ActionSkipped:
				printStatus(res.Project, "build %s already processed", res.BuildID)
			case fetch.ActionFailed:
				printError("%s: %v", res.Project, res.Err)
			default:
				printWarning("%s: %s", res.Project, res.Action)
			}
		}
		printStatus("Downloaded", "%d of %d", downloaded, len(results))
		return nil
	},
}

func init() {
	fetchCmd.Flags().Bool("all", false, "include every known repository, not just the main list")
}

// --- process ---

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Decompose downloaded report PDFs into per-finding Markdown",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, _, regions, cleanup, err := loadStack()
		if err != nil {
			return err
		}
		defer cleanup()

		library, err := solution.Load(cfg.Paths.SolutionsDir)
		if err != nil {
			return fmt.Errorf("loading solution guides: %w", err)
		}
		if library.Empty() {
			printWarning("no solution guides in %s; findings will carry no remediation notes", cfg.Paths.SolutionsDir)
		}

		processor := pipeline.New(cfg.Paths.OutputDir, library, regions, logger)
		reports, err := processor.ProcessDir(cfg.Paths.ReportsDir)
		if err != nil {
			return err
		}

		for _, rep := range reports {
			if rep.FullyRemediated {
				printSuccess("%s: no findings", rep.Project)
				continue
			}
			printStatus(rep.Project, "%d finding(s)", len(rep.Issues))
		}
		printSuccess("Processed %d report(s) into %s", len(reports), cfg.Paths.OutputDir)
		return nil
	},
}

// --- trigger ---

var triggerCmd = &cobra.Command{
	Use:   "trigger [projects...]",
	Short: "Queue scan pipeline runs on each project's resolved branch",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		cfg, logger, _, regions, cleanup, err := loadStack()
		if err != nil {
			return err
		}
		defer cleanup()

		projects, err := resolveProjects(cfg, args, all)
		if err != nil {
			return err
		}

		client, err := newDevOpsClient(cfg)
		if err != nil {
			return err
		}

		trig := trigger.New(client, regions, logger)
		results := trig.TriggerAll(cmd.Context(), projects)

		queued := 0
		for _, res := range results {
			if res.Err != nil {
				printError("%s: %v", res.Project, res.Err)
				continue
			}
			queued++
			printSuccess("%s: run %d queued on %s", res.Project, res.RunID, res.Branch)
		}
		printStatus("Queued", "%d of %d", queued, len(results))
		return nil
	},
}

func init() {
	triggerCmd.Flags().Bool("all", false, "include every known repository, not just the main list")
}

// --- sync-solutions ---

var syncSolutionsCmd = &cobra.Command{
	Use:   "sync-solutions",
	Short: "Download the shared remediation-note documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, _, _, cleanup, err := loadStack()
		if err != nil {
			return err
		}
		defer cleanup()

		if len(cfg.Solutions.URLs) == 0 {
			return fmt.Errorf("no solution note URLs configured (set solutions.urls in %s)", configPath)
		}

		fetcher := notes.New(logger)
		if err := fetcher.SyncAll(cmd.Context(), cfg.Solutions.URLs, cfg.Paths.SolutionsDir); err != nil {
			return err
		}
		printSuccess("Synced %d solution guide(s) into %s", len(cfg.Solutions.URLs), cfg.Paths.SolutionsDir)
		return nil
	},
}

// --- repos ---

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List repositories in the configured Azure DevOps project",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		client, err := newDevOpsClient(cfg)
		if err != nil {
			return err
		}

		repos, err := client.ListRepositories(cmd.Context())
		if err != nil {
			return err
		}

		for _, repo := range repos {
			fmt.Printf("%s  %s\n", colorize(colorCyan, repo.ID), repo.Name)
		}
		printStatus("Total", "%d repositories", len(repos))
		return nil
	},
}

// --- summary ---

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show the cached per-project scan results",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, store, regions, cleanup, err := loadStack()
		if err != nil {
			return err
		}
		defer cleanup()

		scans, err := regions.ScanResults.Get()
		if err != nil {
			return fmt.Errorf("no scan results cached; run fetch and process first (%w)", err)
		}

		if !regions.ScanResults.Fresh(24 * time.Hour) {
			if stamp, err := store.LastUpdated(cache.RegionScanResults); err == nil {
				printWarning("scan results are stale (last updated %s)", stamp.Local().Format("2006-01-02 15:04"))
			}
		}

		for project, record := range scans {
			if record.FullyRemediated {
				printSuccess("%s: fully remediated", project)
				continue
			}
			printStatus(project, "%d finding(s), %d source(s), %d sink(s), branch %s",
				record.TotalIssues, record.TotalSources, record.TotalSinks, record.Branch.BranchName)
		}
		return nil
	},
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the local cache",
}

var cacheInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "List populated cache regions and their last update",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, store, _, cleanup, err := loadStack()
		if err != nil {
			return err
		}
		defer cleanup()

		names, err := store.Regions()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("cache is empty")
			return nil
		}

		for _, name := range names {
			stamp, err := store.LastUpdated(name)
			if err != nil {
				printStatus(name, "unreadable: %v", err)
				continue
			}
			printStatus(name, "updated %s", stamp.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear <region|all>",
	Short: "Clear one cache region, or every region",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, store, _, cleanup, err := loadStack()
		if err != nil {
			return err
		}
		defer cleanup()

		if args[0] == "all" {
			if err := store.ClearAll(); err != nil {
				return err
			}
			printSuccess("Cleared all cache regions")
			return nil
		}

		if err := store.Clear(args[0]); err != nil {
			return err
		}
		printSuccess("Cleared region %s", args[0])
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheInfoCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// --- all ---

var allCmd = &cobra.Command{
	Use:   "all [projects...]",
	Short: "Sync solutions, fetch the latest reports, and process them",
	RunE: func(cmd *cobra.Command, args []string) error {
		allRepos, _ := cmd.Flags().GetBool("all")

		cfg, logger, _, regions, cleanup, err := loadStack()
		if err != nil {
			return err
		}
		defer cleanup()

		projects, err := resolveProjects(cfg, args, allRepos)
		if err != nil {
			return err
		}

		// Missing notes degrade matching but do not block the run.
		printStep("Syncing solution guides...")
		if len(cfg.Solutions.URLs) > 0 {
			if err := notes.New(logger).SyncAll(cmd.Context(), cfg.Solutions.URLs, cfg.Paths.SolutionsDir); err != nil {
				printWarning("solution sync incomplete: %v", err)
			}
		}

		client, err := newDevOpsClient(cfg)
		if err != nil {
			return err
		}

		printStep("Fetching reports for %d project(s)...", len(projects))
		fetcher := fetch.New(client, track.New(regions), regions, cfg.Paths.ReportsDir, cfg.PipelineName, logger)
		fetcher.BranchPriority = cfg.Pipeline.BranchPriority
		for _, res := range fetcher.FetchAll(cmd.Context(), projects) {
			if res.Err != nil {
				printError("%s: %v", res.Project, res.Err)
				continue
			}
			printStatus(res.Project, "%s", res.Action)
		}

		printStep("Processing reports...")
		library, err := solution.Load(cfg.Paths.SolutionsDir)
		if err != nil {
			return fmt.Errorf("loading solution guides: %w", err)
		}
		processor := pipeline.New(cfg.Paths.OutputDir, library, regions, logger)
		reports, err := processor.ProcessDir(cfg.Paths.ReportsDir)
		if err != nil {
			return err
		}

		printSuccess("Done: %d report(s) processed into %s", len(reports), cfg.Paths.OutputDir)
		return nil
	},
}

func init() {
	allCmd.Flags().Bool("all", false, "include every known repository, not just the main list")
}

// --- refresh (against a running server) ---

var refreshCmd = &cobra.Command{
	Use:   "refresh [projects...]",
	Short: "Ask a running fortify server to fetch and process reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{}
		if len(args) > 0 {
			body["projects"] = args
		}

		resp, err := client.post(cmd.Context(), "/refresh", body)
		if err != nil {
			return err
		}

		var result struct {
			Status string   `json:"status"`
			Jobs   []string `json:"jobs"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued %d job(s)", len(result.Jobs))
		return nil
	},
}
