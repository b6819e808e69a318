// Package keysync mirrors credential files on disk into the repository.
//
// Each provider names a keys_path: a file or directory of files holding raw
// key material separated by newlines, commas, or whitespace. Sync is additive
// for health state: a key already known keeps its status; keys that vanish
// from disk are deleted outright. A filesystem watcher triggers a resync on
// change, on top of the periodic full pass.
package keysync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nulpointcorp/keygate/internal/config"
	"github.com/nulpointcorp/keygate/internal/providers"
)

// debounce coalesces bursts of filesystem events into one resync.
const debounce = time.Second

// Store is the repository subset the synchronizer writes through.
type Store interface {
	UpsertKey(ctx context.Context, provider, keyHash, model, key string) error
	DeleteKeysNotIn(ctx context.Context, provider string, keep []string) error
	DeleteKeysForModelsNotIn(ctx context.Context, provider string, models []string) error
	ReplaceProxies(ctx context.Context, provider string, urls []string) error
}

// Synchronizer owns the disk→DB key pipeline.
type Synchronizer struct {
	providers map[string]*config.ProviderConfig
	store     Store
	log       *slog.Logger
}

// New creates a Synchronizer.
func New(provs map[string]*config.ProviderConfig, st Store, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = slog.Default()
	}
	return &Synchronizer{providers: provs, store: st, log: log}
}

// SyncAll runs one full pass over every provider. Per-provider failures are
// logged and do not stop the pass; the first error is returned.
func (s *Synchronizer) SyncAll(ctx context.Context) error {
	var firstErr error
	for name := range s.providers {
		if err := s.SyncProvider(ctx, name); err != nil {
			s.log.Error("key sync failed",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SyncProvider mirrors one provider's key files into the repository.
func (s *Synchronizer) SyncProvider(ctx context.Context, name string) error {
	pc, ok := s.providers[name]
	if !ok {
		return fmt.Errorf("keysync: unknown provider %q", name)
	}

	keys, err := ReadKeys(pc.KeysPath)
	if err != nil {
		return err
	}

	models := rowModels(pc)
	hashes := make([]string, 0, len(keys))

	for _, key := range keys {
		hash := providers.KeyHash(key)
		hashes = append(hashes, hash)
		for _, model := range models {
			if err := s.store.UpsertKey(ctx, name, hash, model, key); err != nil {
				return err
			}
		}
	}

	if err := s.store.DeleteKeysNotIn(ctx, name, hashes); err != nil {
		return err
	}
	if err := s.store.DeleteKeysForModelsNotIn(ctx, name, models); err != nil {
		return err
	}

	var proxies []string
	if pc.ProxyURL != "" {
		proxies = []string{pc.ProxyURL}
	}
	if err := s.store.ReplaceProxies(ctx, name, proxies); err != nil {
		return err
	}

	s.log.Info("keys synchronized",
		slog.String("provider", name),
		slog.Int("keys", len(keys)),
		slog.Int("models", len(models)),
	)
	return nil
}

// Watch blocks, resyncing a provider whenever its key files change. Events
// are debounced; the watcher stops when the context dies.
func (s *Synchronizer) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("keysync: watcher: %w", err)
	}
	defer w.Close()

	// Map watched paths back to provider names.
	owners := make(map[string]string, len(s.providers))
	for name, pc := range s.providers {
		dir := watchRoot(pc.KeysPath)
		if err := w.Add(dir); err != nil {
			s.log.Warn("keysync watch skipped",
				slog.String("provider", name),
				slog.String("path", dir),
				slog.String("error", err.Error()),
			)
			continue
		}
		owners[dir] = name
	}

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if name, ok := owners[watchRoot(ev.Name)]; ok {
				pending[name] = struct{}{}
			} else if name, ok := owners[filepath.Dir(ev.Name)]; ok {
				pending[name] = struct{}{}
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}

		case <-timerC:
			for name := range pending {
				if err := s.SyncProvider(ctx, name); err != nil {
					s.log.Error("key resync failed",
						slog.String("provider", name),
						slog.String("error", err.Error()),
					)
				}
			}
			pending = make(map[string]struct{})
			timer = nil
			timerC = nil

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Error("keysync watcher error", slog.String("error", err.Error()))
		}
	}
}

// ReadKeys loads every credential under path (a file, or a directory whose
// regular files are all read). Tokens split on newlines, commas, and
// whitespace; duplicates collapse keeping first occurrence.
func ReadKeys(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("keysync: stat %s: %w", path, err)
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("keysync: read dir %s: %w", path, err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
	} else {
		files = []string{path}
	}

	seen := make(map[string]struct{})
	var keys []string
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("keysync: read %s: %w", f, err)
		}
		for _, tok := range splitKeys(string(raw)) {
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			keys = append(keys, tok)
		}
	}
	return keys, nil
}

func splitKeys(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ',' || r == ' ' || r == '\t'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// rowModels returns the model values key rows carry for this provider.
func rowModels(pc *config.ProviderConfig) []string {
	if pc.SharedKeyStatus {
		return []string{providers.AllModels}
	}
	return pc.Models
}

// watchRoot normalizes a keys_path to the directory fsnotify should watch.
func watchRoot(path string) string {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Clean(path)
	}
	return filepath.Dir(filepath.Clean(path))
}
