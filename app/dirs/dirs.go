// Package dirs owns the on-disk data layout: <root>/users/<username>/<plugin>
// for authenticated requests and <root>/unauth/<plugin> for anonymous ones.
// Every data path a plugin sees comes from this package, nothing else in the
// server builds filesystem paths from request input.
package dirs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/sync/errgroup"
)

// Manager creates and removes data trees for a fixed set of plugin names.
type Manager struct {
	root    string
	plugins []string
}

// New creates a manager rooted at root for the given plugin names.
func New(root string, plugins []string) *Manager {
	return &Manager{root: root, plugins: append([]string(nil), plugins...)}
}

// EnsureUser creates the user's directory and one subdirectory per plugin.
func (m *Manager) EnsureUser(username string) error {
	if err := checkName(username); err != nil {
		return err
	}
	return m.ensureTree(filepath.Join(m.root, "users", username))
}

// EnsureAll provisions the unauth tree and every user's tree in parallel.
// Runs at startup so users created while a plugin was absent get their
// missing subdirectories.
func (m *Manager) EnsureAll(ctx context.Context, usernames []string) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)

	g.Go(func() error { return m.ensureTree(filepath.Join(m.root, "unauth")) })
	for _, username := range usernames {
		g.Go(func() error { return m.EnsureUser(username) })
	}
	return g.Wait()
}

// RemoveUserAsync deletes the user's whole tree in the background; account
// deletion does not wait on large trees.
func (m *Manager) RemoveUserAsync(username string) {
	if err := checkName(username); err != nil {
		log.Printf("[WARN] refusing to remove data for %q: %v", username, err)
		return
	}
	dir := filepath.Join(m.root, "users", username)
	go func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("[ERROR] failed to remove user data %s: %v", dir, err)
			return
		}
		log.Printf("[INFO] removed user data %s", dir)
	}()
}

// UserPath returns the plugin's data directory for an authenticated user.
func (m *Manager) UserPath(username, plugin string) string {
	return filepath.Join(m.root, "users", username, plugin)
}

// UnauthPath returns the plugin's data directory for anonymous requests.
func (m *Manager) UnauthPath(plugin string) string {
	return filepath.Join(m.root, "unauth", plugin)
}

func (m *Manager) ensureTree(base string) error {
	if err := os.MkdirAll(base, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", base, err)
	}
	for _, p := range m.plugins {
		dir := filepath.Join(base, p)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// checkName guards against path escapes. Usernames are validated upstream,
// the manager still refuses separators outright.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("unsafe directory name %q", name)
	}
	return nil
}
