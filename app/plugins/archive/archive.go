// Package archive is the built-in file shelf: a flat per-user directory of
// files driven by small JSON commands, filled through the regular upload
// endpoint. It doubles as the reference implementation of the plugin
// contract.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/personal-tiny-cloud/tcloud/app/config"
	"github.com/personal-tiny-cloud/tcloud/lib/plugin"
)

const version = "0.1.0"

const defaultMaxFiles = 1000

// Plugin implements the archive file shelf.
type Plugin struct {
	maxFiles int
}

// options is the [plugins.archive] config table.
type options struct {
	MaxFiles int `toml:"max_files"`
}

// New creates the plugin with default settings, Init may override them.
func New() *Plugin {
	return &Plugin{maxFiles: defaultMaxFiles}
}

// Info implements plugin.Plugin.
func (p *Plugin) Info() plugin.Info {
	return plugin.Info{
		Name:        "archive",
		Version:     version,
		Description: "flat per-user file shelf",
		Source:      "https://github.com/personal-tiny-cloud/tcloud",
		AdminOnly:   false,
	}
}

// Init implements plugin.Plugin.
func (p *Plugin) Init(conf plugin.Config) error {
	opts := options{MaxFiles: defaultMaxFiles}
	if err := conf.Decode(&opts); err != nil {
		return fmt.Errorf("failed to decode archive config: %w", err)
	}
	if opts.MaxFiles < 1 {
		return fmt.Errorf("archive max_files must be positive, got %d", opts.MaxFiles)
	}
	p.maxFiles = opts.MaxFiles
	return nil
}

// DefaultConfig implements plugin.Defaulter.
func (p *Plugin) DefaultConfig() map[string]any {
	return map[string]any{"max_files": defaultMaxFiles}
}

// Command implements plugin.Commander.
func (p *Plugin) Command() (name, description string, cmd flags.Commander) {
	return "archive-du", "show per-user archive disk usage", &DuCommand{}
}

// request is the JSON command envelope.
type request struct {
	Op   string `json:"op"`
	Name string `json:"name,omitempty"`
}

// entry describes one shelved file.
type entry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
}

// Request implements plugin.Plugin.
func (p *Plugin) Request(_ context.Context, req plugin.Request) (plugin.Response, error) {
	var r request
	if err := json.Unmarshal(req.Body, &r); err != nil {
		return plugin.Text(http.StatusBadRequest, "malformed request"), nil
	}

	switch r.Op {
	case "list":
		return p.list(req.DataPath)
	case "stat":
		return p.stat(req.DataPath, r.Name)
	case "fetch":
		return p.fetch(req.DataPath, r.Name)
	case "delete":
		return p.remove(req.DataPath, r.Name)
	default:
		return plugin.Text(http.StatusBadRequest, fmt.Sprintf("unknown op %q", r.Op)), nil
	}
}

// File implements plugin.Plugin. The server already streamed the content to
// a temporary file inside the shelf directory, so claiming it is a rename.
func (p *Plugin) File(_ context.Context, req plugin.FileRequest) (plugin.Response, error) {
	var info struct {
		Name      string `json:"name,omitempty"`
		Overwrite bool   `json:"overwrite,omitempty"`
	}
	if len(req.Info) > 0 {
		if err := json.Unmarshal(req.Info, &info); err != nil {
			return plugin.Text(http.StatusBadRequest, "malformed info"), nil
		}
	}

	name := info.Name
	if name == "" {
		name = req.Name
	}
	dst, err := resolve(req.DataPath, name)
	if err != nil {
		return plugin.Text(http.StatusBadRequest, err.Error()), nil
	}

	_, statErr := os.Stat(dst)
	exists := statErr == nil
	if exists && !info.Overwrite {
		return plugin.Text(http.StatusConflict, fmt.Sprintf("file %q already exists", name)), nil
	}
	if !exists {
		count, cerr := countFiles(req.DataPath)
		if cerr != nil {
			return plugin.Response{}, cerr
		}
		// the upload itself sits in the shelf as a temp file already
		if count-1 >= p.maxFiles {
			return plugin.Text(http.StatusInsufficientStorage, fmt.Sprintf("shelf full, limit is %d files", p.maxFiles)), nil
		}
	}

	if err := os.Rename(req.Path, dst); err != nil {
		return plugin.Response{}, fmt.Errorf("failed to store %s: %w", name, err)
	}

	fi, err := os.Stat(dst)
	if err != nil {
		return plugin.Response{}, fmt.Errorf("failed to stat stored %s: %w", name, err)
	}
	return plugin.JSON(http.StatusOK, fileEntry(fi)), nil
}

func (p *Plugin) list(dir string) (plugin.Response, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return plugin.Response{}, fmt.Errorf("failed to read shelf: %w", err)
	}
	entries := make([]entry, 0, len(des))
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue // the file vanished mid-listing
		}
		entries = append(entries, fileEntry(fi))
	}
	return plugin.JSON(http.StatusOK, entries), nil
}

func (p *Plugin) stat(dir, name string) (plugin.Response, error) {
	path, err := resolve(dir, name)
	if err != nil {
		return plugin.Text(http.StatusBadRequest, err.Error()), nil
	}
	fi, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return plugin.Text(http.StatusNotFound, "no such file"), nil
	case err != nil:
		return plugin.Response{}, fmt.Errorf("failed to stat %s: %w", name, err)
	case fi.IsDir():
		return plugin.Text(http.StatusNotFound, "no such file"), nil
	}
	return plugin.JSON(http.StatusOK, fileEntry(fi)), nil
}

// fetch reads the whole file into the response; the shelf is meant for
// documents, not for blobs that don't fit in memory.
func (p *Plugin) fetch(dir, name string) (plugin.Response, error) {
	path, err := resolve(dir, name)
	if err != nil {
		return plugin.Text(http.StatusBadRequest, err.Error()), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // resolve pinned the path to the shelf directory
	switch {
	case errors.Is(err, os.ErrNotExist):
		return plugin.Text(http.StatusNotFound, "no such file"), nil
	case err != nil:
		return plugin.Response{}, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return plugin.Response{Status: http.StatusOK, ContentType: http.DetectContentType(data), Body: data}, nil
}

func (p *Plugin) remove(dir, name string) (plugin.Response, error) {
	path, err := resolve(dir, name)
	if err != nil {
		return plugin.Text(http.StatusBadRequest, err.Error()), nil
	}
	err = os.Remove(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return plugin.Text(http.StatusNotFound, "no such file"), nil
	case err != nil:
		return plugin.Response{}, fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return plugin.Text(http.StatusOK, "deleted"), nil
}

func fileEntry(fi os.FileInfo) entry {
	return entry{Name: fi.Name(), Size: fi.Size(), Modified: fi.ModTime().UTC().Format(time.RFC3339)}
}

// resolve joins a client-supplied name to the shelf directory, refusing
// anything that is not a single path element.
func resolve(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("bad file name %q", name)
	}
	return filepath.Join(dir, name), nil
}

func countFiles(dir string) (int, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read shelf: %w", err)
	}
	n := 0
	for _, de := range des {
		if !de.IsDir() {
			n++
		}
	}
	return n, nil
}

// shelfUsage sums the regular files directly inside dir. A missing shelf
// counts as empty.
func shelfUsage(dir string) (size int64, files int, err error) {
	des, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		fi, ferr := de.Info()
		if ferr != nil {
			continue
		}
		size += fi.Size()
		files++
	}
	return size, files, nil
}

// DuCommand prints per-user shelf usage for the archive plugin.
type DuCommand struct {
	Args struct {
		Config flags.Filename `positional-arg-name:"CONFIG" description:"server config file, default config.toml"`
	} `positional-args:"yes"`
}

// Execute implements flags.Commander.
func (c *DuCommand) Execute([]string) error {
	confPath := string(c.Args.Config)
	if confPath == "" {
		confPath = "config.toml"
	}
	conf, err := config.Load(confPath)
	if err != nil {
		return err
	}
	dataDir := conf.DataDirectory

	usersDir := filepath.Join(dataDir, "users")
	des, err := os.ReadDir(usersDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read %s: %w", usersDir, err)
	}

	var totalSize int64
	var totalFiles int
	report := func(label, dir string) error {
		size, files, uerr := shelfUsage(dir)
		if uerr != nil {
			return uerr
		}
		totalSize += size
		totalFiles += files
		fmt.Printf("%-24s %6d files %12s\n", label, files, humanize.Bytes(uint64(size))) //nolint:gosec // sizes are non-negative
		return nil
	}

	for _, de := range des {
		if !de.IsDir() {
			continue
		}
		if err := report(de.Name(), filepath.Join(usersDir, de.Name(), "archive")); err != nil {
			return err
		}
	}
	if err := report("(unauth)", filepath.Join(dataDir, "unauth", "archive")); err != nil {
		return err
	}
	fmt.Printf("%-24s %6d files %12s\n", "total", totalFiles, humanize.Bytes(uint64(totalSize))) //nolint:gosec // sizes are non-negative
	return nil
}
