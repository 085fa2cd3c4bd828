// tcloud is a self-hosted personal cloud core: a small authenticated JSON
// API with token-gated registration, mandatory TOTP logins and a plugin
// surface over per-user data directories.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"

	"github.com/personal-tiny-cloud/tcloud/app/auth"
	"github.com/personal-tiny-cloud/tcloud/app/config"
	"github.com/personal-tiny-cloud/tcloud/app/dirs"
	"github.com/personal-tiny-cloud/tcloud/app/events"
	"github.com/personal-tiny-cloud/tcloud/app/hasher"
	"github.com/personal-tiny-cloud/tcloud/app/logger"
	"github.com/personal-tiny-cloud/tcloud/app/plugins"
	"github.com/personal-tiny-cloud/tcloud/app/plugins/archive"
	"github.com/personal-tiny-cloud/tcloud/app/plugins/sysinfo"
	"github.com/personal-tiny-cloud/tcloud/app/server"
	"github.com/personal-tiny-cloud/tcloud/app/server/session"
	"github.com/personal-tiny-cloud/tcloud/app/server/sse"
	"github.com/personal-tiny-cloud/tcloud/app/store"
	"github.com/personal-tiny-cloud/tcloud/app/token"
	"github.com/personal-tiny-cloud/tcloud/app/totp"
	"github.com/personal-tiny-cloud/tcloud/lib/plugin"
)

var opts struct {
	Config       string `short:"f" long:"config" env:"TCLOUD_CONFIG" default:"config.toml" description:"path to the TOML config file"`
	WriteDefault bool   `long:"write-default" description:"write the default config to the --config path and exit"`
	CreateUser   bool   `long:"create-user" description:"create an account interactively and exit"`
	Dbg          bool   `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "unknown" // set by linker

func main() {
	fmt.Printf("tcloud %s\n", revision)

	registered := []plugin.Plugin{archive.New(), sysinfo.New()}

	parser := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	parser.SubcommandsOptional = true
	addPluginCommands(parser, registered)

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if parser.Active != nil {
		return // a plugin subcommand ran instead of the server
	}

	if opts.WriteDefault {
		if err := config.WriteDefault(opts.Config, pluginDefaults(registered)); err != nil {
			log.Fatalf("[ERROR] %v", err)
		}
		fmt.Printf("default config written to %s\n", opts.Config)
		return
	}

	conf, err := config.Load(opts.Config)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	if err := logger.Setup(conf.Logging.StdoutLevel, conf.Logging.File, conf.Logging.FileLevel, opts.Dbg); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, conf, registered); err != nil {
		log.Fatalf("[ERROR] tcloud terminated, %v", err)
	}
	log.Printf("[INFO] tcloud stopped")
}

func run(ctx context.Context, conf *config.Config, registered []plugin.Plugin) error {
	dm := dirs.New(conf.DataDirectory, pluginNames(registered))
	if err := dm.EnsureAll(ctx, nil); err != nil { // base tree first, the sqlite file lives inside it
		return fmt.Errorf("failed to provision data directories: %w", err)
	}

	st, err := store.New(conf.DatabaseDSN(), dm)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			log.Printf("[WARN] failed to close store: %v", cerr)
		}
	}()

	users, err := st.Usernames(ctx)
	if err != nil {
		return err
	}
	if err := dm.EnsureAll(ctx, users); err != nil {
		return fmt.Errorf("failed to provision user directories: %w", err)
	}

	h, err := hasher.New(conf.Server.Workers)
	if err != nil {
		return err
	}

	// reset tokens keep working with registration disabled, so the token
	// service always exists; only its HTTP routes are conditional
	tokenSize, tokenTTL := 16, 24*time.Hour
	if r := conf.Registration; r != nil {
		tokenSize, tokenTTL = r.TokenSize, time.Duration(r.TokenDurationSeconds)*time.Second
	}
	tokens, err := token.New(st, tokenSize, tokenTTL)
	if err != nil {
		return err
	}

	authSvc, err := auth.New(st, h, totp.New(conf.Issuer()), tokens, auth.Bounds{
		MinUsername: conf.CredSize.MinUsername,
		MaxUsername: conf.CredSize.MaxUsername,
		MinPasswd:   conf.CredSize.MinPasswd,
		MaxPasswd:   conf.CredSize.MaxPasswd,
	})
	if err != nil {
		return err
	}

	if opts.CreateUser {
		return authSvc.CreateUserPrompt(ctx)
	}

	registry, err := plugins.New(dm, registered...)
	if err != nil {
		return err
	}
	if err := registry.Init(conf); err != nil {
		return err
	}

	secret, err := loadOrCreateSecret(conf.SessionSecretKeyPath)
	if err != nil {
		return err
	}
	sessions, err := session.New(secret,
		time.Duration(conf.Duration.CookieMinutes)*time.Minute,
		optionalMinutes(conf.Duration.LoginMinutes),
		optionalMinutes(conf.Duration.VisitMinutes),
		conf.TLS != nil)
	if err != nil {
		return err
	}

	tokens.StartSweeper(ctx, time.Hour)

	bus := events.NewBus(256)
	sseSvc := sse.New()
	bus.Run(ctx, sseSvc)

	srvCfg := server.Config{
		Address:        conf.BindAddr(),
		ServerName:     conf.ServerName,
		Description:    conf.Description,
		Version:        revision,
		BaseURL:        "/" + conf.URLPrefix,
		PayloadSize:    conf.Limits.PayloadSize,
		FileUploadSize: conf.Limits.FileUploadSize,
		IsBehindProxy:  conf.Server.IsBehindProxy,
		RegistrationOn: conf.RegistrationEnabled(),
		Debug:          opts.Dbg,
	}
	if conf.TLS != nil {
		srvCfg.TLSCert, srvCfg.TLSKey = conf.TLS.CertPath, conf.TLS.PrivkeyPath
	}

	srv, err := server.New(server.Deps{
		Auth:     authSvc,
		Tokens:   tokens,
		Sessions: sessions,
		Plugins:  registry,
		SSE:      sseSvc,
		Events:   bus,
	}, srvCfg)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// pluginNames lists the compiled-in plugin names, used to provision the
// per-plugin data trees.
func pluginNames(registered []plugin.Plugin) []string {
	names := make([]string, 0, len(registered))
	for _, p := range registered {
		names = append(names, p.Info().Name)
	}
	return names
}

// addPluginCommands registers CLI subcommands contributed by plugins. This
// happens before flags parse, so it works off the raw plugin set rather than
// the registry.
func addPluginCommands(parser *flags.Parser, registered []plugin.Plugin) {
	for _, p := range registered {
		c, ok := p.(plugin.Commander)
		if !ok {
			continue
		}
		name, desc, cmd := c.Command()
		if _, err := parser.AddCommand(name, desc, desc, cmd); err != nil {
			log.Printf("[WARN] failed to register %s subcommand: %v", name, err)
		}
	}
}

// pluginDefaults collects the default config table of every plugin that
// ships one.
func pluginDefaults(registered []plugin.Plugin) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, p := range registered {
		if d, ok := p.(plugin.Defaulter); ok {
			out[p.Info().Name] = d.DefaultConfig()
		}
	}
	return out
}

// loadOrCreateSecret reads the session signing key, generating one on first
// start. The key must stay stable across restarts or every session dies with
// the process.
func loadOrCreateSecret(path string) ([]byte, error) {
	key, err := os.ReadFile(path) //nolint:gosec // path comes from the operator's config
	if err == nil {
		if len(key) < 64 {
			return nil, fmt.Errorf("session key %s too short: %d bytes, need at least 64", path, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read session key: %w", err)
	}

	key = make([]byte, 64)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write session key: %w", err)
	}
	log.Printf("[INFO] generated session key at %s", path)
	return key, nil
}

func optionalMinutes(v *int64) time.Duration {
	if v == nil {
		return 0
	}
	return time.Duration(*v) * time.Minute
}
