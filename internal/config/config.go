package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level drawsnerd config.
	WorkspaceDirName = ".drawsnerd"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for a drawsnerd run.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Browser     BrowserConfig     `yaml:"browser"`
	Traversal   TraversalConfig   `yaml:"traversal"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Store       StoreConfig       `yaml:"store"`
	Mangle      MangleConfig      `yaml:"mangle"`
	MCP         MCPConfig         `yaml:"mcp"`
}

type ServerConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Takes precedence over Launch.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (binary followed by flags). Empty lets Rod download/find Chrome.
	Launch []string `yaml:"launch"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Stealth creates pages through go-rod/stealth to mask automation fingerprints.
	Stealth bool `yaml:"stealth"`
	// StartURL is the draws & results page the traversal runs against.
	StartURL string `yaml:"start_url"`
	// Default navigation timeout (e.g., "30s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	ViewportWidth            int    `yaml:"viewport_width"`
	ViewportHeight           int    `yaml:"viewport_height"`
}

// SelectorConfig names the DOM shapes of the collapsible panel tree.
type SelectorConfig struct {
	// Header is the clickable region of a panel; its text carries the label.
	Header string `yaml:"header"`
	// ExpandedAttribute and ExpandedToken form the expanded marker: the
	// attribute's whitespace-separated tokens contain the token.
	ExpandedAttribute string `yaml:"expanded_attribute"`
	ExpandedToken     string `yaml:"expanded_token"`
	// ScopeAttribute on a header holds the id of its content region.
	ScopeAttribute string `yaml:"scope_attribute"`
	// LeafMarker becoming visible verifies a leaf section expanded.
	LeafMarker string `yaml:"leaf_marker"`
	Phase      string `yaml:"phase"`
	Table      string `yaml:"table"`
	Row        string `yaml:"row"`
	Cell       string `yaml:"cell"`
	// Entry is searched for each entry label before traversal starts.
	Entry string `yaml:"entry"`
}

// TraversalConfig holds the retry, wait and politeness knobs of the navigation core.
type TraversalConfig struct {
	LocateTimeout   string `yaml:"locate_timeout"`
	VerifyTimeout   string `yaml:"verify_timeout"`
	TableTimeout    string `yaml:"table_timeout"`
	CollapseTimeout string `yaml:"collapse_timeout"`
	// RetryBudget is the number of expansion attempts per panel.
	RetryBudget int `yaml:"retry_budget"`
	// ActionDelay is the pause after each externally visible activation.
	ActionDelay string `yaml:"action_delay"`
	// PathDelay is the pause between two target paths.
	PathDelay string `yaml:"path_delay"`
	// ReservedLabels are phase buttons that switch views rather than select a phase.
	ReservedLabels []string `yaml:"reserved_labels"`
	// EntryLabels are activated once, in order, before the first path.
	EntryLabels []string `yaml:"entry_labels"`
	// TableDocumentFallback searches the whole document when no table renders inside the leaf.
	TableDocumentFallback bool           `yaml:"table_document_fallback"`
	Selectors             SelectorConfig `yaml:"selectors"`
}

// DiagnosticsConfig controls failure snapshots and the flight recorder.
type DiagnosticsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SnapshotDir string `yaml:"snapshot_dir"`
	TraceDir    string `yaml:"trace_dir"`
}

// StoreConfig selects result sinks. Empty paths disable the sink.
type StoreConfig struct {
	JSONPath   string `yaml:"json_path"`
	SQLitePath string `yaml:"sqlite_path"`
}

// MangleConfig controls the embedded traversal audit.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// DefaultConfig mirrors the pacing the original scraping scripts used.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "drawsnerd",
			Version:  "0.1.0",
			LogFile:  "drawsnerd.log",
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			StartURL:                 "https://www.collegesport.co.nz/draws-results",
			DefaultNavigationTimeout: "30s",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Traversal: TraversalConfig{
			LocateTimeout:   "10s",
			VerifyTimeout:   "10s",
			TableTimeout:    "20s",
			CollapseTimeout: "5s",
			RetryBudget:     3,
			ActionDelay:     "500ms",
			PathDelay:       "1s",
			ReservedLabels:  []string{"Fixtures", "Results", "Standings"},
			EntryLabels:     []string{"Standings"},
			Selectors:       DefaultSelectors(),
		},
		Diagnostics: DiagnosticsConfig{
			Enabled:     true,
			SnapshotDir: "data/diagnostics",
			TraceDir:    "data/traces",
		},
		Store: StoreConfig{
			JSONPath: "results.json",
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 4096,
		},
	}
}

// DefaultSelectors targets Angular Material expansion panels.
func DefaultSelectors() SelectorConfig {
	return SelectorConfig{
		Header:            "mat-expansion-panel-header",
		ExpandedAttribute: "aria-expanded",
		ExpandedToken:     "true",
		ScopeAttribute:    "aria-controls",
		LeafMarker:        "button, .standing",
		Phase:             "button",
		Table:             ".standing",
		Row:               "tr",
		Cell:              "td",
		Entry:             "span",
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .drawsnerd/config.yaml file.
// Returns the workspace root directory (parent of .drawsnerd/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace merges, in increasing precedence:
//
//	DefaultConfig() <- .drawsnerd/config.yaml <- explicit --config
//
// It returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, err := os.Getwd()
			if err != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", err)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

const workspaceTemplate = `# drawsnerd project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# browser:
#   start_url: "https://www.collegesport.co.nz/draws-results"
#   headless: false
#   stealth: true

# traversal:
#   retry_budget: 3
#   action_delay: "500ms"
#   path_delay: "1s"
#   entry_labels: ["Standings"]

# store:
#   json_path: "data/results.json"
#   sqlite_path: "data/results.db"
`

// InitWorkspace creates a .drawsnerd/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	for _, d := range []string{wsDir, filepath.Join(wsDir, "data")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(workspaceTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignore := "# Runtime data (snapshots, traces, results) - do not version control\ndata/\n"
	if err := os.WriteFile(filepath.Join(wsDir, ".gitignore"), []byte(gitignore), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Diagnostics.SnapshotDir = resolve(cfg.Diagnostics.SnapshotDir)
	cfg.Diagnostics.TraceDir = resolve(cfg.Diagnostics.TraceDir)
	cfg.Store.JSONPath = resolve(cfg.Store.JSONPath)
	cfg.Store.SQLitePath = resolve(cfg.Store.SQLitePath)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	return cfg
}

// Validate ensures required fields exist so a run can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Traversal.RetryBudget < 1 {
		return errors.New("traversal.retry_budget must be at least 1")
	}
	sel := c.Traversal.Selectors
	if sel.Header == "" || sel.Phase == "" || sel.Table == "" || sel.Row == "" || sel.Cell == "" {
		return errors.New("traversal.selectors: header, phase, table, row and cell are required")
	}
	if sel.ExpandedAttribute == "" || sel.ExpandedToken == "" {
		return errors.New("traversal.selectors: expanded_attribute and expanded_token are required")
	}
	for name, raw := range map[string]string{
		"locate_timeout":   c.Traversal.LocateTimeout,
		"verify_timeout":   c.Traversal.VerifyTimeout,
		"table_timeout":    c.Traversal.TableTimeout,
		"collapse_timeout": c.Traversal.CollapseTimeout,
		"action_delay":     c.Traversal.ActionDelay,
		"path_delay":       c.Traversal.PathDelay,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("traversal.%s: %w", name, err)
		}
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 30*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

func (t TraversalConfig) GetLocateTimeout() time.Duration {
	return parseDuration(t.LocateTimeout, 10*time.Second)
}

func (t TraversalConfig) GetVerifyTimeout() time.Duration {
	return parseDuration(t.VerifyTimeout, 10*time.Second)
}

func (t TraversalConfig) GetTableTimeout() time.Duration {
	return parseDuration(t.TableTimeout, 20*time.Second)
}

func (t TraversalConfig) GetCollapseTimeout() time.Duration {
	return parseDuration(t.CollapseTimeout, 5*time.Second)
}

func (t TraversalConfig) GetActionDelay() time.Duration {
	return parseDuration(t.ActionDelay, 500*time.Millisecond)
}

func (t TraversalConfig) GetPathDelay() time.Duration {
	return parseDuration(t.PathDelay, time.Second)
}

// GetRetryBudget returns the expansion attempt budget, never below one.
func (t TraversalConfig) GetRetryBudget() int {
	if t.RetryBudget < 1 {
		return 3
	}
	return t.RetryBudget
}
