// Package plugin defines the contract between the tcloud core and its
// plugins. A plugin receives JSON calls and file uploads scoped to a data
// directory the core picks for it, and answers with a plain HTTP response.
// Plugins never see the store, sessions or other plugins' data.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/BurntSushi/toml"
	"github.com/jessevdk/go-flags"
)

// Info describes a plugin to the registry and to the /api/info endpoint.
type Info struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Source      string `json:"source"`
	AdminOnly   bool   `json:"admin_only"`
}

// User identifies the authenticated caller. A nil *User means the request
// came in without a session and runs against the shared unauth tree.
type User struct {
	Name  string
	Admin bool
}

// Request is a JSON call to a plugin. Body is the raw request payload,
// already size-limited by the server. DataPath is the only directory the
// plugin may touch while serving the call.
type Request struct {
	User     *User
	Body     json.RawMessage
	DataPath string
}

// FileRequest is a file upload. Path points at a temporary file the server
// already streamed to disk inside DataPath; the server removes it after the
// call returns, so the plugin must rename or copy it to keep the content.
// Info carries the metadata part of the multipart request, Name the
// client-provided file name.
type FileRequest struct {
	User     *User
	Path     string
	Name     string
	Size     int64
	Info     json.RawMessage
	DataPath string
}

// Response is relayed to the HTTP client verbatim: status, content type and
// body are the plugin's to choose.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// JSON builds an application/json response from v. Marshal failures are
// programming errors and degrade to a 500 text response.
func JSON(status int, v any) Response {
	b, err := json.Marshal(v)
	if err != nil {
		return Text(http.StatusInternalServerError, fmt.Sprintf("encode response: %v", err))
	}
	return Response{Status: status, ContentType: "application/json; charset=utf-8", Body: b}
}

// Text builds a text/plain response.
func Text(status int, msg string) Response {
	return Response{Status: status, ContentType: "text/plain; charset=utf-8", Body: []byte(msg)}
}

// Plugin is the dispatchable unit. Info must be constant for the process
// lifetime. Init runs once at startup with the plugin's config table and may
// fail the whole server start. Request and File must be safe for concurrent
// use.
type Plugin interface {
	Info() Info
	Init(conf Config) error
	Request(ctx context.Context, req Request) (Response, error)
	File(ctx context.Context, req FileRequest) (Response, error)
}

// Commander is implemented by plugins that contribute a CLI subcommand.
// The command runs instead of the server and exits.
type Commander interface {
	Command() (name, description string, cmd flags.Commander)
}

// Defaulter is implemented by plugins that ship a default config table,
// written under [plugins.<name>] by --write-default.
type Defaulter interface {
	DefaultConfig() map[string]any
}

// Config wraps the raw [plugins.<name>] TOML table. The zero value reports
// Exists() == false and decodes into nothing, which lets plugins fall back
// to their defaults when the operator configured nothing.
type Config struct {
	md   toml.MetaData
	prim toml.Primitive
	ok   bool
}

// NewConfig binds a decoded TOML primitive to the metadata needed to expand
// it later.
func NewConfig(md toml.MetaData, prim toml.Primitive) Config {
	return Config{md: md, prim: prim, ok: true}
}

// Exists reports whether the operator provided a config table.
func (c Config) Exists() bool { return c.ok }

// Decode expands the table into v, leaving v untouched when no table exists.
func (c Config) Decode(v any) error {
	if !c.ok {
		return nil
	}
	return c.md.PrimitiveDecode(c.prim, v)
}
