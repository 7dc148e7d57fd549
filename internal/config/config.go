package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AzureDevOps AzureDevOpsConfig `yaml:"azure_devops"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Repos       ReposConfig       `yaml:"repositories"`
	Solutions   SolutionsConfig   `yaml:"solutions"`
	Paths       PathsConfig       `yaml:"paths"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

type AzureDevOpsConfig struct {
	Organization string `yaml:"organization"`
	Project      string `yaml:"project"`
	PAT          string `yaml:"personal_access_token"`
}

type PipelineConfig struct {
	// BranchPriority overrides dynamic branch discovery when non-empty.
	BranchPriority []string `yaml:"branch_priority"`
	// NamingPattern maps a repository name to its scan pipeline name.
	// The literal "{repo}" is replaced with the lowercased repository name.
	NamingPattern string `yaml:"naming_pattern"`
}

type ReposConfig struct {
	Main []string `yaml:"main_repos"`
	All  []string `yaml:"all_repos"`
}

type SolutionsConfig struct {
	// URLs maps a severity name (critical, high, medium, low, other) to the
	// share URL of its remediation-note document.
	URLs map[string]string `yaml:"urls"`
}

type PathsConfig struct {
	DataDir      string `yaml:"data_dir"`
	ReportsDir   string `yaml:"reports_dir"`
	SolutionsDir string `yaml:"solutions_dir"`
	OutputDir    string `yaml:"output_dir"`
}

type ServerConfig struct {
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Pipeline: PipelineConfig{
			NamingPattern: "{repo}-evergreen-fortify",
		},
		Paths: PathsConfig{
			DataDir:      dataDir,
			ReportsDir:   filepath.Join(dataDir, "reports"),
			SolutionsDir: filepath.Join(dataDir, "solutions"),
			OutputDir:    filepath.Join(dataDir, "output"),
		},
		Server: ServerConfig{
			Port: 4700,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fortify"
	}
	return filepath.Join(home, ".fortify")
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load reads configuration from the YAML file at path (skipped when the file
// does not exist), then applies environment overrides.
//
// Credential validation is deliberately not done here: commands that never
// touch the remote services (process, summary, cache) must work without a
// token. Remote clients validate the PAT at construction time.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Fall through to env-only configuration.
		case err != nil:
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORTIFY_ADO_ORGANIZATION"); v != "" {
		cfg.AzureDevOps.Organization = v
	}
	if v := os.Getenv("FORTIFY_ADO_PROJECT"); v != "" {
		cfg.AzureDevOps.Project = v
	}
	if v := os.Getenv("AZURE_DEVOPS_PAT"); v != "" {
		cfg.AzureDevOps.PAT = v
	}
	if v := os.Getenv("FORTIFY_DATA_DIR"); v != "" {
		cfg.Paths.DataDir = v
	}
	if v := os.Getenv("FORTIFY_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FORTIFY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FORTIFY_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
}

// TrackedRepos returns the repositories this run is responsible for: the
// configured main list, or the full known list when all is requested.
func (c Config) TrackedRepos(all bool) []string {
	if all && len(c.Repos.All) > 0 {
		return c.Repos.All
	}
	return c.Repos.Main
}

// PipelineName resolves the scan pipeline name for a repository.
func (c Config) PipelineName(repo string) string {
	pattern := c.Pipeline.NamingPattern
	if pattern == "" {
		pattern = "{repo}-evergreen-fortify"
	}
	return strings.ReplaceAll(pattern, "{repo}", strings.ToLower(repo))
}
