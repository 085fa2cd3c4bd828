// Package plugins keeps the compiled-in plugin set and routes calls to it.
// The admin gate and data path selection live here so the HTTP layer never
// has to know which plugin is hidden or where its files go.
package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/go-pkgz/lgr"

	"github.com/personal-tiny-cloud/tcloud/lib/plugin"
)

// ErrNotFound is returned both for plugins that do not exist and for
// admin-only plugins the caller may not see; the two cases are
// indistinguishable from outside.
var ErrNotFound = errors.New("plugin not found")

// Paths yields per-plugin data directories.
type Paths interface {
	UserPath(username, plugin string) string
	UnauthPath(plugin string) string
}

// ConfigSource yields raw per-plugin config tables.
type ConfigSource interface {
	Plugin(name string) plugin.Config
}

// Registry holds the plugin set in registration order.
type Registry struct {
	paths   Paths
	byName  map[string]plugin.Plugin
	ordered []plugin.Plugin
}

// New builds a registry from the given plugins. Empty and duplicate names
// are rejected.
func New(paths Paths, regs ...plugin.Plugin) (*Registry, error) {
	r := &Registry{paths: paths, byName: make(map[string]plugin.Plugin, len(regs))}
	for _, p := range regs {
		name := p.Info().Name
		if name == "" {
			return nil, fmt.Errorf("plugin with empty name")
		}
		if _, ok := r.byName[name]; ok {
			return nil, fmt.Errorf("duplicate plugin name %q", name)
		}
		r.byName[name] = p
		r.ordered = append(r.ordered, p)
	}
	return r, nil
}

// Init runs every plugin's Init with its config table. The first failure
// aborts the whole startup, a half-initialized plugin must not serve.
func (r *Registry) Init(conf ConfigSource) error {
	for _, p := range r.ordered {
		name := p.Info().Name
		if err := p.Init(conf.Plugin(name)); err != nil {
			return fmt.Errorf("failed to init plugin %s: %w", name, err)
		}
		log.Printf("[INFO] plugin %s initialized", name)
	}
	return nil
}

// Infos returns the plugin descriptions in registration order.
func (r *Registry) Infos() []plugin.Info {
	infos := make([]plugin.Info, 0, len(r.ordered))
	for _, p := range r.ordered {
		infos = append(infos, p.Info())
	}
	return infos
}

// DataPath returns the caller's data directory for the named plugin, after
// the same visibility check Dispatch applies.
func (r *Registry) DataPath(name string, user *plugin.User) (string, error) {
	if _, err := r.lookup(name, user); err != nil {
		return "", err
	}
	return r.dataPath(name, user), nil
}

// Dispatch routes a JSON call to the named plugin.
func (r *Registry) Dispatch(ctx context.Context, name string, user *plugin.User, body json.RawMessage) (plugin.Response, error) {
	p, err := r.lookup(name, user)
	if err != nil {
		return plugin.Response{}, err
	}
	resp, err := p.Request(ctx, plugin.Request{User: user, Body: body, DataPath: r.dataPath(name, user)})
	if err != nil {
		return plugin.Response{}, fmt.Errorf("plugin %s: %w", name, err)
	}
	return resp, nil
}

// DispatchFile routes an upload to the named plugin. User and DataPath on
// req are overwritten, the caller only fills the file fields.
func (r *Registry) DispatchFile(ctx context.Context, name string, user *plugin.User, req plugin.FileRequest) (plugin.Response, error) {
	p, err := r.lookup(name, user)
	if err != nil {
		return plugin.Response{}, err
	}
	req.User = user
	req.DataPath = r.dataPath(name, user)
	resp, err := p.File(ctx, req)
	if err != nil {
		return plugin.Response{}, fmt.Errorf("plugin %s: %w", name, err)
	}
	return resp, nil
}

// lookup resolves a plugin, hiding admin-only ones from everybody else.
func (r *Registry) lookup(name string, user *plugin.User) (plugin.Plugin, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Info().AdminOnly && (user == nil || !user.Admin) {
		return nil, ErrNotFound
	}
	return p, nil
}

func (r *Registry) dataPath(name string, user *plugin.User) string {
	if user == nil {
		return r.paths.UnauthPath(name)
	}
	return r.paths.UserPath(user.Name, name)
}
