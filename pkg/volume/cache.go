// Package volume manages the per-engine cache directories bind-mounted into
// engine containers, and reclaims directories left behind by engines that no
// longer exist.
package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/log"
)

// DefaultBasePath is where engine cache directories live when unconfigured.
const DefaultBasePath = "/var/lib/acepool/cache"

// CacheManager hands out one directory per engine under a base path. The
// directory is bind-mounted into the engine as its media cache, so it
// outlives container restarts but must be pruned when the engine is gone.
type CacheManager struct {
	base   string
	logger zerolog.Logger
}

// NewCacheManager creates the base directory if needed.
func NewCacheManager(base string) (*CacheManager, error) {
	if base == "" {
		base = DefaultBasePath
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache base directory: %w", err)
	}
	return &CacheManager{base: base, logger: log.WithComponent("volume")}, nil
}

// Ensure creates (or reuses) the cache directory for an engine and returns
// its host path.
func (m *CacheManager) Ensure(name string) (string, error) {
	path, err := m.path(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory for %s: %w", name, err)
	}
	return path, nil
}

// Remove deletes an engine's cache directory. Removing a directory that was
// never created is a no-op.
func (m *CacheManager) Remove(name string) error {
	path, err := m.path(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove cache directory for %s: %w", name, err)
	}
	return nil
}

// List returns the engine names that currently have a cache directory.
func (m *CacheManager) List() ([]string, error) {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache directories: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// PruneOrphans removes cache directories whose engine is not in the active
// set and returns the names it removed.
func (m *CacheManager) PruneOrphans(active map[string]bool) ([]string, error) {
	names, err := m.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, name := range names {
		if active[name] {
			continue
		}
		if err := m.Remove(name); err != nil {
			m.logger.Warn().Err(err).Str("cache", name).Msg("failed to prune cache directory")
			continue
		}
		removed = append(removed, name)
	}
	if len(removed) > 0 {
		m.logger.Info().Strs("removed", removed).Msg("pruned orphaned cache directories")
	}
	return removed, nil
}

// path resolves and validates an engine's cache directory path. Names must be
// plain path segments.
func (m *CacheManager) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid cache directory name %q", name)
	}
	return filepath.Join(m.base, name), nil
}
