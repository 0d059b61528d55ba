/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package alerting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// CredentialResolver serves per-organization webhook secrets from a
// directory of files, one file per organization id. Files are re-read when
// the directory changes so credential rotation needs no restart.
type CredentialResolver struct {
	dir string
	log logr.Logger

	mu          sync.RWMutex
	credentials map[string]string

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewCredentialResolver loads the directory eagerly so a bad path fails at
// startup, not at the first alert.
func NewCredentialResolver(dir string, logger logr.Logger) (*CredentialResolver, error) {
	r := &CredentialResolver{
		dir:         dir,
		log:         logger.WithName("credentials"),
		credentials: make(map[string]string),
		doneCh:      make(chan struct{}),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup returns the current secret for an organization.
func (r *CredentialResolver) Lookup(organizationID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	secret, ok := r.credentials[organizationID]
	return secret, ok
}

// Count reports how many credentials are loaded.
func (r *CredentialResolver) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.credentials)
}

// StartWatching hot-reloads the directory on filesystem events until the
// context is cancelled or Close is called.
func (r *CredentialResolver) StartWatching(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create credential watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch credential dir %s: %w", r.dir, err)
	}
	r.watcher = watcher

	go func() {
		defer close(r.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					r.log.Error(err, "credential reload failed, keeping previous set")
					continue
				}
				r.log.Info("credentials reloaded", "count", r.Count())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Error(err, "credential watcher error")
			}
		}
	}()
	return nil
}

// Close stops the watcher. Safe to call without StartWatching.
func (r *CredentialResolver) Close() error {
	var err error
	r.stopOnce.Do(func() {
		if r.watcher != nil {
			err = r.watcher.Close()
			<-r.doneCh
		}
	})
	return err
}

// reload swaps in a freshly read credential set. Hidden files and
// subdirectories are skipped.
func (r *CredentialResolver) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read credential dir %s: %w", r.dir, err)
	}

	loaded := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read credential file %s: %w", entry.Name(), err)
		}
		loaded[entry.Name()] = strings.TrimSpace(string(data))
	}

	r.mu.Lock()
	r.credentials = loaded
	r.mu.Unlock()
	return nil
}
