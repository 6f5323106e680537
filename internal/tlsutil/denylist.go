package tlsutil

import (
	"bufio"
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/gridgate/internal/loggingutil"
	"pkt.systems/pslog"
)

// ErrRevoked is returned for a client certificate whose serial is denied.
var ErrRevoked = errors.New("tlsutil: certificate revoked")

// Denylist is a set of revoked certificate serials (lower-case hex). The
// serials embedded in the server bundle are always present; the optional
// file adds to them and is reloaded when it changes.
type Denylist struct {
	base   []string
	path   string
	set    atomic.Pointer[map[string]struct{}]
	logger pslog.Logger
}

// NewDenylist builds a denylist from the bundle serials and, when path is
// not empty, the serials listed in path (one per line, # comments).
func NewDenylist(base []string, path string, logger pslog.Logger) (*Denylist, error) {
	d := &Denylist{base: NormalizeSerials(base), path: path, logger: loggingutil.EnsureLogger(logger)}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload rereads the denylist file.
func (d *Denylist) Reload() error {
	serials := append([]string(nil), d.base...)
	if d.path != "" {
		extra, err := readSerials(d.path)
		if err != nil {
			return err
		}
		serials = append(serials, extra...)
	}
	set := make(map[string]struct{}, len(serials))
	for _, s := range NormalizeSerials(serials) {
		set[s] = struct{}{}
	}
	d.set.Store(&set)
	return nil
}

// Len returns the number of denied serials.
func (d *Denylist) Len() int {
	if d == nil {
		return 0
	}
	return len(*d.set.Load())
}

// Denied reports whether cert's serial is on the list.
func (d *Denylist) Denied(cert *x509.Certificate) bool {
	if d == nil || cert == nil {
		return false
	}
	_, ok := (*d.set.Load())[SerialHex(cert)]
	return ok
}

// VerifyConnection rejects handshakes whose verified client leaf is denied.
// Install it as tls.Config.VerifyPeerCertificate.
func (d *Denylist) VerifyConnection(_ [][]byte, chains [][]*x509.Certificate) error {
	for _, chain := range chains {
		if len(chain) > 0 && d.Denied(chain[0]) {
			return fmt.Errorf("%w: %s", ErrRevoked, SerialHex(chain[0]))
		}
	}
	return nil
}

// Watch reloads the list whenever its file changes, until ctx ends. It
// watches the parent directory so editors replacing the file are seen.
func (d *Denylist) Watch(ctx context.Context) error {
	if d.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tlsutil: create denylist watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("tlsutil: watch %s: %w", d.path, err)
	}
	go d.run(ctx, watcher)
	return nil
}

func (d *Denylist) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	target := filepath.Clean(d.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if err := d.Reload(); err != nil {
				d.logger.Warn("tls.denylist.reload_failed", "path", d.path, "error", err)
				continue
			}
			d.logger.Info("tls.denylist.reloaded", "path", d.path, "entries", d.Len())
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("tls.denylist.watch_error", "error", err)
		}
	}
}

func readSerials(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: read denylist: %w", err)
	}
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// NormalizeSerials lower-cases, trims, de-duplicates and sorts serials.
func NormalizeSerials(serials []string) []string {
	set := make(map[string]struct{}, len(serials))
	for _, s := range serials {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
