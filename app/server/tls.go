package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/go-pkgz/lgr"
)

// certReloader hands the TLS stack the newest certificate from disk, so a
// renewal does not need a server restart.
type certReloader struct {
	certFile string
	keyFile  string

	mu   sync.RWMutex
	cert *tls.Certificate
}

// newCertReloader loads the pair once and watches both files for changes
// until ctx is canceled.
func newCertReloader(ctx context.Context, certFile, keyFile string) (*certReloader, error) {
	c := &certReloader{certFile: certFile, keyFile: keyFile}
	if err := c.reload(); err != nil {
		return nil, err
	}
	if err := c.startWatcher(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (c *certReloader) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cert, nil
}

func (c *certReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(c.certFile, c.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load key pair: %w", err)
	}
	c.mu.Lock()
	c.cert = &cert
	c.mu.Unlock()
	return nil
}

// startWatcher reloads the certificate when either file changes. It watches
// the parent directories rather than the files themselves, so the atomic
// renames certbot and friends deploy with are caught too.
func (c *certReloader) startWatcher(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create certificate watcher: %w", err)
	}

	watched := map[string]bool{}
	for _, dir := range []string{filepath.Dir(c.certFile), filepath.Dir(c.keyFile)} {
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		watched[dir] = true
	}

	names := map[string]bool{filepath.Base(c.certFile): true, filepath.Base(c.keyFile): true}

	go func() {
		defer func() {
			if err := watcher.Close(); err != nil {
				log.Printf("[WARN] failed to close certificate watcher: %v", err)
			}
		}()

		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				log.Printf("[INFO] certificate watcher stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !names[filepath.Base(event.Name)] {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// debounce, a renewal touches both files back to back
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					if ctx.Err() != nil {
						return
					}
					if err := c.reload(); err != nil {
						log.Printf("[WARN] certificate reload failed, keeping previous pair: %v", err)
						return
					}
					log.Printf("[INFO] reloaded TLS certificate from %s", c.certFile)
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[WARN] certificate watcher error: %v", err)
			}
		}
	}()

	log.Printf("[INFO] watching TLS certificate files for changes")
	return nil
}
