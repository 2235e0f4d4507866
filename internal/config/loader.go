package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery and env mapping.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity of the webgrade binary.
var DefaultIdentity = Identity{
	BinaryName: "webgrade",
	EnvPrefix:  "WEBGRADE",
	ConfigName: "webgrade",
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetConfigFile pins an explicit config file for subsequent loads. An empty
// path restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// AppIdentity returns the identity used by the last Load.
func AppIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("rank", 0)
	v.SetDefault("project_root", defaultProjectRoot())
	v.SetDefault("workers", 4)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30m")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("health.enabled", true)

	v.SetDefault("install.timeout", "5m")
	v.SetDefault("install.cache_dir_name", "npm_cache")

	v.SetDefault("ports.base", 30000)
	v.SetDefault("ports.band_size", 5000)
	v.SetDefault("ports.probe_delay", "100ms")

	v.SetDefault("launch.discovery_timeout", "30s")
	v.SetDefault("launch.poll_interval", "250ms")
	v.SetDefault("launch.default_port", 5173)
	v.SetDefault("launch.node_bin", "node")

	v.SetDefault("supervisor.backend", "pm2")
	v.SetDefault("supervisor.pm2_bin", "pm2")
	v.SetDefault("supervisor.state_dir", "")

	v.SetDefault("screenshot.chrome_path", "")
	v.SetDefault("screenshot.viewport_width", 1024)
	v.SetDefault("screenshot.viewport_height", 768)
	v.SetDefault("screenshot.pause", "800ms")
	v.SetDefault("screenshot.timeout", "60s")

	v.SetDefault("judge.endpoint", "https://api.openai.com/v1")
	v.SetDefault("judge.model", "gpt-4o-2024-11-20")
	v.SetDefault("judge.api_key", "")
	v.SetDefault("judge.max_retries", 3)
	v.SetDefault("judge.initial_backoff", "1s")
	v.SetDefault("judge.rate_limit", 0)
	v.SetDefault("judge.timeout", "120s")

	v.SetDefault("archive.kind", "none")
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.include", []string{})
	v.SetDefault("archive.exclude", []string{})
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.profile", "")
	v.SetDefault("archive.s3.force_path_style", false)

	v.SetDefault("results.db", "")
	v.SetDefault("rollout.path", "")
	v.SetDefault("cleanup.timeout", "30s")
}

// defaultProjectRoot honours PROJECT_ROOT, then the per-user data dir.
func defaultProjectRoot() string {
	if root := os.Getenv("PROJECT_ROOT"); root != "" {
		return root
	}
	return filepath.Join(gfconfig.GetAppDataDir(DefaultIdentity.ConfigName), "projects")
}

// Load resolves configuration from defaults, config files, the environment,
// and runtime overrides, highest last. The result also becomes GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		names := append([]string{spec.Name}, spec.Aliases...)
		if err := v.BindEnv(append([]string{spec.Path}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the configuration from the last successful Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func readConfigFile(v *viper.Viper) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
		return nil
	}

	v.SetConfigName(appIdentity.ConfigName)
	v.SetConfigType("yaml")
	if root, err := findProjectRoot(); err == nil {
		v.AddConfigPath(root)
	}
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// flatten turns nested override maps into dotted viper keys so overrides
// replace single leaves rather than whole sections.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

type envSpec struct {
	Name    string
	Path    string
	Aliases []string
}

func getEnvSpecs() []envSpec {
	if appIdentity == nil {
		return []envSpec{}
	}
	p := appIdentity.EnvPrefix + "_"
	specs := []envSpec{
		{Name: p + "RANK", Path: "rank", Aliases: []string{"RANK"}},
		{Name: p + "PROJECT_ROOT", Path: "project_root", Aliases: []string{"PROJECT_ROOT"}},
		{Name: p + "WORKERS", Path: "workers"},

		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},

		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},

		{Name: p + "INSTALL_TIMEOUT", Path: "install.timeout"},
		{Name: p + "PORTS_BASE", Path: "ports.base"},
		{Name: p + "PORTS_BAND_SIZE", Path: "ports.band_size"},
		{Name: p + "PORTS_PROBE_DELAY", Path: "ports.probe_delay"},
		{Name: p + "DISCOVERY_TIMEOUT", Path: "launch.discovery_timeout"},
		{Name: p + "DEFAULT_PORT", Path: "launch.default_port"},
		{Name: p + "NODE_BIN", Path: "launch.node_bin"},
		{Name: p + "SUPERVISOR", Path: "supervisor.backend"},
		{Name: p + "PM2_BIN", Path: "supervisor.pm2_bin"},

		{Name: p + "CHROME", Path: "screenshot.chrome_path", Aliases: []string{"CHROME"}},

		{Name: p + "JUDGE_ENDPOINT", Path: "judge.endpoint", Aliases: []string{"OPENAI_BASE_URL"}},
		{Name: p + "JUDGE_MODEL", Path: "judge.model"},
		{Name: p + "JUDGE_API_KEY", Path: "judge.api_key", Aliases: []string{"OPENAI_API_KEY"}},
		{Name: p + "JUDGE_RATE_LIMIT", Path: "judge.rate_limit"},

		{Name: p + "ARCHIVE_KIND", Path: "archive.kind"},
		{Name: p + "ARCHIVE_DIR", Path: "archive.dir"},
		{Name: p + "ARCHIVE_PREFIX", Path: "archive.prefix"},
		{Name: p + "S3_BUCKET", Path: "archive.s3.bucket"},
		{Name: p + "S3_REGION", Path: "archive.s3.region"},
		{Name: p + "S3_ENDPOINT", Path: "archive.s3.endpoint"},
		{Name: p + "S3_PROFILE", Path: "archive.s3.profile"},

		{Name: p + "RESULTS_DB", Path: "results.db"},
		{Name: p + "ROLLOUT_PATH", Path: "rollout.path"},
	}
	return specs
}

func getUserConfigPaths() []string {
	if appIdentity == nil {
		return []string{}
	}
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, appIdentity.ConfigName))
	}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = appendUnique(paths, filepath.Join(dir, appIdentity.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = appendUnique(paths, filepath.Join(home, ".config", appIdentity.ConfigName))
	}
	return paths
}

func appendUnique(paths []string, p string) []string {
	for _, existing := range paths {
		if existing == p {
			return paths
		}
	}
	return append(paths, p)
}

// ciBoundaryVars name workspace roots exported by CI systems, in priority
// order.
var ciBoundaryVars = []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

var projectMarkers = []string{"go.mod", ".git"}

// findProjectRoot walks up from the working directory to the nearest
// directory holding a project marker. Under CI the walk stops at the first
// valid boundary containing the working directory; otherwise at $HOME. With
// no marker found the working directory is returned.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	cwd, _ = filepath.Abs(cwd)

	boundary := ""
	if isCI() {
		boundary = ciBoundary(cwd)
	}
	if boundary == "" {
		if home, err := os.UserHomeDir(); err == nil && within(home, cwd) {
			boundary = home
		}
	}

	dir := cwd
	for {
		for _, marker := range projectMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		if dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

func isCI() bool {
	for _, name := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI"} {
		if strings.EqualFold(os.Getenv(name), "true") {
			return true
		}
	}
	return false
}

func ciBoundary(cwd string) string {
	for _, name := range ciBoundaryVars {
		dir := os.Getenv(name)
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		dir = filepath.Clean(dir)
		if within(dir, cwd) {
			return dir
		}
	}
	return ""
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
