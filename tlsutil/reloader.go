package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/pslog"
)

// Source names the files a ClientBundle is loaded from: either a combined
// Bundle PEM, or separate Cert/Key files with an optional CA.
type Source struct {
	Bundle string
	Cert   string
	Key    string
	CA     string
}

// Load reads the bundle described by s.
func (s Source) Load() (*ClientBundle, error) {
	if strings.TrimSpace(s.Bundle) != "" {
		return LoadClientBundle(s.Bundle)
	}
	if strings.TrimSpace(s.Cert) == "" || strings.TrimSpace(s.Key) == "" {
		return nil, errors.New("tls source: bundle or cert and key required")
	}
	return LoadKeyPair(s.Cert, s.Key, s.CA)
}

func (s Source) files() []string {
	var out []string
	for _, p := range []string{s.Bundle, s.Cert, s.Key, s.CA} {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, filepath.Clean(p))
		}
	}
	return out
}

// Reloader keeps a ClientBundle current while its files are rotated on disk.
// A reload that fails to parse keeps the previous bundle.
type Reloader struct {
	source     Source
	logger     pslog.Logger
	current    atomic.Pointer[ClientBundle]
	generation atomic.Uint64
	watcher    *fsnotify.Watcher
	watched    map[string]struct{}
	reloaded   chan struct{}
	stop       chan struct{}
	done       chan struct{}
	once       sync.Once
}

// NewReloader loads source and starts watching the directories holding it.
func NewReloader(source Source, logger pslog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	bundle, err := source.Load()
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tls reloader: create watcher: %w", err)
	}
	r := &Reloader{
		source:   source,
		logger:   logger,
		watcher:  watcher,
		watched:  make(map[string]struct{}),
		reloaded: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	dirs := make(map[string]struct{})
	for _, file := range source.files() {
		r.watched[file] = struct{}{}
		dirs[filepath.Dir(file)] = struct{}{}
	}
	// Directories survive atomic rename-into-place rotations; files do not.
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("tls reloader: watch %q: %w", dir, err)
		}
	}
	r.current.Store(bundle)
	go r.run()
	return r, nil
}

// Current returns the bundle in effect.
func (r *Reloader) Current() *ClientBundle {
	return r.current.Load()
}

// Generation counts successful reloads.
func (r *Reloader) Generation() uint64 {
	return r.generation.Load()
}

// Reloaded is signalled after each successful reload.
func (r *Reloader) Reloaded() <-chan struct{} {
	return r.reloaded
}

// GetClientCertificate satisfies tls.Config.GetClientCertificate.
func (r *Reloader) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	cert := r.current.Load().Certificate
	return &cert, nil
}

// TLSConfig returns a client configuration that always presents the current
// certificate and verifies against the current CA pool.
func (r *Reloader) TLSConfig(insecure bool) *tls.Config {
	cfg := &tls.Config{
		MinVersion:           tls.VersionTLS12,
		GetClientCertificate: r.GetClientCertificate,
	}
	applyVerification(cfg, func() *x509.CertPool { return r.current.Load().CAPool }, insecure)
	return cfg
}

// Close stops watching.
func (r *Reloader) Close() error {
	r.once.Do(func() {
		close(r.stop)
		r.watcher.Close()
	})
	<-r.done
	return nil
}

func (r *Reloader) run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if _, tracked := r.watched[filepath.Clean(ev.Name)]; !tracked {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			r.reload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("tls.reload.watch_error", "error", err)
		}
	}
}

func (r *Reloader) reload() {
	bundle, err := r.source.Load()
	if err != nil {
		// Writers commonly truncate before writing; the next event retries.
		r.logger.Debug("tls.reload.skip", "error", err)
		return
	}
	r.current.Store(bundle)
	gen := r.generation.Add(1)
	r.logger.Info("tls.reload.success", "generation", gen, "subject", bundle.ClientCert.Subject.CommonName)
	select {
	case r.reloaded <- struct{}{}:
	default:
	}
}
