// Package config loads the tcloud TOML configuration file. The decoded
// Config is immutable and passed explicitly to constructors; there is no
// global config state.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/personal-tiny-cloud/tcloud/lib/plugin"
)

// Config is the whole server configuration. Scalar fields come first so the
// TOML encoder emits them before the section tables.
type Config struct {
	ServerName           string `toml:"server_name"`
	Description          string `toml:"description"`
	URLPrefix            string `toml:"url_prefix"`
	DataDirectory        string `toml:"data_directory"`
	DatabaseURL          string `toml:"database_url,omitempty"`
	SessionSecretKeyPath string `toml:"session_secret_key_path"`

	Server       Server         `toml:"server"`
	Logging      Logging        `toml:"logging"`
	TLS          *TLS           `toml:"tls"`
	Registration *Registration  `toml:"registration"`
	Limits       Limits         `toml:"limits"`
	Duration     Durations      `toml:"duration"`
	CredSize     CredentialSize `toml:"cred_size"`

	Plugins map[string]toml.Primitive `toml:"plugins,omitempty"`

	md toml.MetaData // kept for lazy plugin table decoding
}

// Server holds bind address and worker settings.
type Server struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Workers       int    `toml:"workers"`
	IsBehindProxy bool   `toml:"is_behind_proxy"`
}

// Logging controls the stdout and optional file sinks. Levels are
// off, error, warn, info or debug; the two sinks filter independently.
type Logging struct {
	StdoutLevel string `toml:"stdout_level"`
	File        string `toml:"file,omitempty"`
	FileLevel   string `toml:"file_level,omitempty"`
}

// TLS enables HTTPS when the section is present. Certificate files are
// watched and reloaded on change.
type TLS struct {
	CertPath    string `toml:"cert_path"`
	PrivkeyPath string `toml:"privkey_path"`
}

// Registration gates the register and token endpoints. When the section is
// absent those endpoints do not exist and respond with plain 404.
type Registration struct {
	TokenSize            int   `toml:"token_size"`
	TokenDurationSeconds int64 `toml:"token_duration_seconds"`
}

// Limits bounds request body sizes in bytes.
type Limits struct {
	FileUploadSize int64 `toml:"file_upload_size"`
	PayloadSize    int64 `toml:"payload_size"`
}

// Durations controls session lifetime, all in minutes. LoginMinutes and
// VisitMinutes are optional deadlines; absent means disabled.
type Durations struct {
	CookieMinutes int64  `toml:"cookie_minutes"`
	LoginMinutes  *int64 `toml:"login_minutes"`
	VisitMinutes  *int64 `toml:"visit_minutes"`
}

// CredentialSize bounds username and password byte lengths.
type CredentialSize struct {
	MaxUsername int `toml:"max_username"`
	MinUsername int `toml:"min_username"`
	MaxPasswd   int `toml:"max_passwd"`
	MinPasswd   int `toml:"min_passwd"`
}

// Default returns the canonical configuration, with data, key and
// certificate paths relative to the executable's directory.
func Default() *Config {
	dir := execDir()
	login, visit := int64(43200), int64(21600)
	return &Config{
		ServerName:           "Tiny Cloud",
		Description:          "A tiny self-hosted cloud",
		URLPrefix:            "tcloud",
		DataDirectory:        filepath.Join(dir, "data"),
		SessionSecretKeyPath: filepath.Join(dir, "secret.key"),
		Server: Server{
			Host:    "127.0.0.1",
			Port:    80,
			Workers: runtime.NumCPU(),
		},
		Logging: Logging{StdoutLevel: "info"},
		TLS: &TLS{
			CertPath:    filepath.Join(dir, "cert.pem"),
			PrivkeyPath: filepath.Join(dir, "privkey.pem"),
		},
		Registration: &Registration{TokenSize: 16, TokenDurationSeconds: 24 * 60 * 60},
		Limits:       Limits{FileUploadSize: 5_000_000_000, PayloadSize: 4096},
		Duration:     Durations{CookieMinutes: 43200, LoginMinutes: &login, VisitMinutes: &visit},
		CredSize:     CredentialSize{MaxUsername: 10, MinUsername: 3, MaxPasswd: 256, MinPasswd: 9},
	}
}

// Load reads and validates the config file. Missing optional fields get the
// Default() values; missing [tls] or [registration] sections keep those
// features disabled.
func Load(path string) (*Config, error) {
	var c Config
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	c.md = md
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &c, nil
}

// WriteDefault writes the default config to path, with every plugin default
// table appended under [plugins.<name>]. Refuses to overwrite an existing
// file.
func WriteDefault(path string, pluginDefaults map[string]map[string]any) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(Default()); err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}

	names := make([]string, 0, len(pluginDefaults))
	for name := range pluginDefaults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if len(pluginDefaults[name]) == 0 {
			continue
		}
		sb.WriteString("\n")
		wrapped := map[string]map[string]map[string]any{"plugins": {name: pluginDefaults[name]}}
		if err := toml.NewEncoder(&sb).Encode(wrapped); err != nil {
			return fmt.Errorf("encode %s plugin defaults: %w", name, err)
		}
	}

	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

// BindAddr returns the host:port the server listens on.
func (c *Config) BindAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// Issuer returns the TOTP issuer, the server name with colons stripped
// because they act as separators in otpauth URLs.
func (c *Config) Issuer() string {
	return strings.ReplaceAll(c.ServerName, ":", "")
}

// DatabaseDSN returns the postgres DSN when configured, otherwise the
// default sqlite file inside the data directory.
func (c *Config) DatabaseDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return filepath.Join(c.DataDirectory, "auth.db")
}

// RegistrationEnabled reports whether the register and token endpoints are
// served at all.
func (c *Config) RegistrationEnabled() bool { return c.Registration != nil }

// Plugin returns the raw config table for the named plugin; the zero
// plugin.Config when the operator configured nothing.
func (c *Config) Plugin(name string) plugin.Config {
	prim, ok := c.Plugins[name]
	if !ok {
		return plugin.Config{}
	}
	return plugin.NewConfig(c.md, prim)
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.ServerName == "" {
		c.ServerName = def.ServerName
	}
	if c.Description == "" {
		c.Description = def.Description
	}
	if c.URLPrefix == "" {
		c.URLPrefix = def.URLPrefix
	}
	if c.DataDirectory == "" {
		c.DataDirectory = def.DataDirectory
	}
	if c.SessionSecretKeyPath == "" {
		c.SessionSecretKeyPath = def.SessionSecretKeyPath
	}
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = def.Server.Workers
	}
	if c.Logging.StdoutLevel == "" {
		c.Logging.StdoutLevel = def.Logging.StdoutLevel
	}
	if c.Logging.File != "" && c.Logging.FileLevel == "" {
		c.Logging.FileLevel = c.Logging.StdoutLevel
	}
	if c.Registration != nil && c.Registration.TokenSize == 0 {
		c.Registration.TokenSize = def.Registration.TokenSize
	}
	if c.Registration != nil && c.Registration.TokenDurationSeconds == 0 {
		c.Registration.TokenDurationSeconds = def.Registration.TokenDurationSeconds
	}
	if c.Limits.FileUploadSize == 0 {
		c.Limits.FileUploadSize = def.Limits.FileUploadSize
	}
	if c.Limits.PayloadSize == 0 {
		c.Limits.PayloadSize = def.Limits.PayloadSize
	}
	if c.Duration.CookieMinutes == 0 {
		c.Duration.CookieMinutes = def.Duration.CookieMinutes
	}
	if c.CredSize.MaxUsername == 0 {
		c.CredSize.MaxUsername = def.CredSize.MaxUsername
	}
	if c.CredSize.MinUsername == 0 {
		c.CredSize.MinUsername = def.CredSize.MinUsername
	}
	if c.CredSize.MaxPasswd == 0 {
		c.CredSize.MaxPasswd = def.CredSize.MaxPasswd
	}
	if c.CredSize.MinPasswd == 0 {
		c.CredSize.MinPasswd = def.CredSize.MinPasswd
	}
}

func (c *Config) validate() error {
	if strings.ContainsAny(c.URLPrefix, "/ ") {
		return fmt.Errorf("url_prefix %q must be a single path element", c.URLPrefix)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Workers < 1 {
		return fmt.Errorf("server.workers must be positive")
	}
	if lvl := c.Logging.StdoutLevel; !validLevel(lvl) {
		return fmt.Errorf("logging.stdout_level %q not one of off, error, warn, info, debug", lvl)
	}
	if c.Logging.File != "" && !validLevel(c.Logging.FileLevel) {
		return fmt.Errorf("logging.file_level %q not one of off, error, warn, info, debug", c.Logging.FileLevel)
	}
	if c.TLS != nil && (c.TLS.CertPath == "" || c.TLS.PrivkeyPath == "") {
		return fmt.Errorf("tls section requires both cert_path and privkey_path")
	}
	if r := c.Registration; r != nil {
		if r.TokenSize < 8 || r.TokenSize > 255 {
			return fmt.Errorf("registration.token_size %d out of range 8..255", r.TokenSize)
		}
		if r.TokenDurationSeconds < 1 {
			return fmt.Errorf("registration.token_duration_seconds must be positive")
		}
	}
	if c.Limits.PayloadSize < 1 || c.Limits.FileUploadSize < 1 {
		return fmt.Errorf("limits must be positive")
	}
	if c.Duration.CookieMinutes < 1 {
		return fmt.Errorf("duration.cookie_minutes must be positive")
	}
	cs := c.CredSize
	if cs.MinUsername < 1 || cs.MinUsername > cs.MaxUsername {
		return fmt.Errorf("cred_size username bounds %d..%d invalid", cs.MinUsername, cs.MaxUsername)
	}
	if cs.MinPasswd < 8 || cs.MinPasswd > cs.MaxPasswd {
		return fmt.Errorf("cred_size password bounds %d..%d invalid, min_passwd must be at least 8", cs.MinPasswd, cs.MaxPasswd)
	}
	return nil
}

func validLevel(lvl string) bool {
	switch lvl {
	case "off", "error", "warn", "info", "debug":
		return true
	}
	return false
}

func execDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
