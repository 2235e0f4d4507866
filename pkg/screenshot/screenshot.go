// Package screenshot captures rendered pages of a running dev server.
package screenshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNoScreenshots is returned when a capture produced no image.
var ErrNoScreenshots = errors.New("no screenshots captured")

const (
	DefaultWidth   = 1024
	DefaultHeight  = 768
	DefaultPause   = 800 * time.Millisecond
	DefaultTimeout = 60 * time.Second
)

// Capturer renders url and writes PNG files into outDir, returning their
// paths in capture order.
type Capturer interface {
	Capture(ctx context.Context, url, outDir string) ([]string, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context, url, outDir string) ([]string, error)

func (f CapturerFunc) Capture(ctx context.Context, url, outDir string) ([]string, error) {
	return f(ctx, url, outDir)
}

// ChromeConfig configures a Chrome capturer.
type ChromeConfig struct {
	// ChromePath is the browser binary. Defaults to $CHROME, then
	// "google-chrome".
	ChromePath string

	Width  int
	Height int

	// Pause is the virtual time budget given to the page to settle.
	Pause time.Duration

	Timeout time.Duration
	Logger  *zap.Logger

	// Exec runs the browser; nil uses os/exec.
	Exec func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Chrome captures one viewport screenshot with headless Chrome.
type Chrome struct {
	cfg ChromeConfig
}

// NewChrome returns a Chrome capturer, filling zero fields with defaults.
func NewChrome(cfg ChromeConfig) *Chrome {
	if cfg.ChromePath == "" {
		cfg.ChromePath = os.Getenv("CHROME")
	}
	if cfg.ChromePath == "" {
		cfg.ChromePath = "google-chrome"
	}
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if cfg.Pause <= 0 {
		cfg.Pause = DefaultPause
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Exec == nil {
		cfg.Exec = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		}
	}
	return &Chrome{cfg: cfg}
}

// Args returns the browser arguments for capturing url into shot.
func (c *Chrome) Args(url, shot, profileDir string) []string {
	return []string{
		"--headless=new",
		"--disable-gpu",
		"--no-sandbox",
		"--hide-scrollbars",
		"--window-size=" + strconv.Itoa(c.cfg.Width) + "," + strconv.Itoa(c.cfg.Height),
		"--user-data-dir=" + profileDir,
		"--virtual-time-budget=" + strconv.FormatInt(c.cfg.Pause.Milliseconds(), 10),
		"--screenshot=" + shot,
		url,
	}
}

// Capture writes shot_1.png into outDir. The browser profile lives next to
// outDir so it is removed with the workspace.
func (c *Chrome) Capture(ctx context.Context, url, outDir string) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create screenshot dir: %w", err)
	}
	profile := filepath.Join(filepath.Dir(outDir), "chrome_data")
	if err := os.MkdirAll(profile, 0o755); err != nil {
		return nil, fmt.Errorf("create browser profile: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	shot := filepath.Join(outDir, "shot_1.png")
	out, err := c.cfg.Exec(ctx, c.cfg.ChromePath, c.Args(url, shot, profile)...)
	if err != nil {
		c.cfg.Logger.Warn("Browser exited with error",
			zap.String("url", url),
			zap.String("output", strings.TrimSpace(string(out))),
			zap.Error(err))
	}

	shots, listErr := List(outDir)
	if listErr != nil {
		return nil, listErr
	}
	if len(shots) == 0 {
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoScreenshots, err)
		}
		return nil, ErrNoScreenshots
	}
	return shots, nil
}

// List returns the PNG files in dir sorted by name.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list screenshots: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".png") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
