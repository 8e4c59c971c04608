// Package update checks for and installs newer released binaries.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creativeprojects/go-selfupdate"
)

const (
	repoOwner     = "pipewright"
	repoName      = "pipewright"
	checkInterval = 24 * time.Hour
)

// Release describes the latest published version.
type Release struct {
	Version string
}

// checkCache remembers the last release lookup so routine commands
// don't hit the network more than once a day.
type checkCache struct {
	LastCheck       time.Time `json:"lastCheck"`
	LatestVersion   string    `json:"latestVersion,omitempty"`
	UpdateAvailable bool      `json:"updateAvailable"`
}

func cachePath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "pipewright", "update-cache.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "pipewright", "update-cache.json")
}

func loadCache() *checkCache {
	path := cachePath()
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var c checkCache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil
	}
	return &c
}

func saveCache(c *checkCache) {
	path := cachePath()
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	os.WriteFile(path, data, 0644)
}

func newUpdater() (*selfupdate.Updater, error) {
	source, err := selfupdate.NewGitHubSource(selfupdate.GitHubConfig{})
	if err != nil {
		return nil, err
	}
	return selfupdate.NewUpdater(selfupdate.Config{Source: source})
}

func detectLatest(ctx context.Context) (*selfupdate.Release, error) {
	updater, err := newUpdater()
	if err != nil {
		return nil, err
	}
	latest, found, err := updater.DetectLatest(ctx, selfupdate.NewRepositorySlug(repoOwner, repoName))
	if err != nil {
		return nil, fmt.Errorf("detect latest version: %w", err)
	}
	if !found {
		return nil, nil
	}
	return latest, nil
}

// Check looks up the latest release. It reports nothing for dev builds,
// which have no version to compare against.
func Check(ctx context.Context, currentVersion string) (*Release, bool, error) {
	current := strings.TrimPrefix(currentVersion, "v")
	if current == "dev" || current == "" {
		return nil, false, nil
	}
	latest, err := detectLatest(ctx)
	if err != nil || latest == nil {
		return nil, false, err
	}
	return &Release{Version: latest.Version()}, latest.GreaterThan(current), nil
}

// Apply replaces the running binary with the latest release.
func Apply(ctx context.Context, currentVersion string) error {
	current := strings.TrimPrefix(currentVersion, "v")
	if current == "dev" || current == "" {
		return fmt.Errorf("cannot update a dev build")
	}
	updater, err := newUpdater()
	if err != nil {
		return err
	}
	latest, found, err := updater.DetectLatest(ctx, selfupdate.NewRepositorySlug(repoOwner, repoName))
	if err != nil {
		return fmt.Errorf("detect latest version: %w", err)
	}
	if !found {
		return fmt.Errorf("no releases found")
	}
	if !latest.GreaterThan(current) {
		return fmt.Errorf("already at the latest version (%s)", currentVersion)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if err := updater.UpdateTo(ctx, latest, exe); err != nil {
		return fmt.Errorf("update to %s: %w", latest.Version(), err)
	}
	return nil
}

// Notice returns a one-line update notice for routine commands, hitting
// the network at most once per checkInterval. Empty when up to date.
func Notice(ctx context.Context, currentVersion string) string {
	current := strings.TrimPrefix(currentVersion, "v")
	if current == "dev" || current == "" {
		return ""
	}

	if c := loadCache(); c != nil && time.Since(c.LastCheck) < checkInterval {
		if c.UpdateAvailable && strings.TrimPrefix(c.LatestVersion, "v") != current {
			return notice(currentVersion, c.LatestVersion)
		}
		return ""
	}

	release, hasUpdate, err := Check(ctx, currentVersion)
	c := &checkCache{LastCheck: time.Now(), UpdateAvailable: hasUpdate && err == nil}
	if release != nil {
		c.LatestVersion = release.Version
	}
	saveCache(c)

	if err != nil || !hasUpdate {
		return ""
	}
	return notice(currentVersion, release.Version)
}

func notice(current, latest string) string {
	return fmt.Sprintf("Update available: %s -> %s (run: pipewright upgrade)", current, latest)
}
