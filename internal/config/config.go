// Package config loads datasource property files and watches them for
// changes so a running process can retune its pools without a restart.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// File is the top-level datasource configuration: named property bags.
type File struct {
	DataSources map[string]DataSource `yaml:"datasources"`
}

// DataSource is one named datasource definition. Every field maps onto the
// identically named connection property.
type DataSource struct {
	URL                      string `yaml:"url"`
	User                     string `yaml:"user"`
	Password                 string `yaml:"password"`
	PoolSize                 *int   `yaml:"pool_size,omitempty"`
	MaxPoolSize              *int   `yaml:"max_pool_size,omitempty"`
	MaxWait                  *int   `yaml:"max_wait,omitempty"`
	PoolPreparedStatement    *bool  `yaml:"pool_prepared_statement,omitempty"`
	MaxOpenPreparedStatement *int   `yaml:"max_open_prepared_statement,omitempty"`
	LoginTimeout             *int   `yaml:"login_timeout,omitempty"`
	QueryTimeout             *int   `yaml:"query_timeout,omitempty"`
	DisconnectOnQueryTimeout *bool  `yaml:"disconnect_on_query_timeout,omitempty"`
	DefaultAutocommit        *bool  `yaml:"default_autocommit,omitempty"`
	DefaultIsolation         string `yaml:"default_isolation,omitempty"`
	DefaultLockTimeout       *int   `yaml:"default_lock_timeout,omitempty"`
}

// Properties flattens a definition into a string property bag keyed by the
// canonical property names.
func (d DataSource) Properties() map[string]string {
	p := map[string]string{"url": d.URL}
	if d.User != "" {
		p["user"] = d.User
	}
	if d.Password != "" {
		p["password"] = d.Password
	}
	setInt := func(k string, v *int) {
		if v != nil {
			p[k] = fmt.Sprintf("%d", *v)
		}
	}
	setBool := func(k string, v *bool) {
		if v != nil {
			p[k] = fmt.Sprintf("%t", *v)
		}
	}
	setInt("pool_size", d.PoolSize)
	setInt("max_pool_size", d.MaxPoolSize)
	setInt("max_wait", d.MaxWait)
	setBool("pool_prepared_statement", d.PoolPreparedStatement)
	setInt("max_open_prepared_statement", d.MaxOpenPreparedStatement)
	setInt("login_timeout", d.LoginTimeout)
	setInt("query_timeout", d.QueryTimeout)
	setBool("disconnect_on_query_timeout", d.DisconnectOnQueryTimeout)
	setBool("default_autocommit", d.DefaultAutocommit)
	if d.DefaultIsolation != "" {
		p["default_isolation"] = d.DefaultIsolation
	}
	setInt("default_lock_timeout", d.DefaultLockTimeout)
	return p
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable
// values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML datasource file with env var substitution.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &File{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	for name, ds := range cfg.DataSources {
		if ds.URL == "" {
			return nil, fmt.Errorf("datasource %q: url is required", name)
		}
	}
	return cfg, nil
}

// Watcher watches a datasource file for changes and calls the callback with
// the freshly parsed contents.
type Watcher struct {
	path     string
	callback func(*File)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*File)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Warn("config hot-reload failed", "path", cw.path, "err", err)
		return
	}
	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher. Safe to call multiple times.
func (cw *Watcher) Stop() error {
	cw.stopOnce.Do(func() { close(cw.stopCh) })
	return cw.watcher.Close()
}
