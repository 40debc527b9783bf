package gocci

import (
	"github.com/gocci/gocci/internal/config"
)

// OpenDataSources builds one pool per named datasource in a YAML property
// file. A failure while opening disposes the pools already built.
func OpenDataSources(path string) (map[string]*DataSource, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*DataSource, len(cfg.DataSources))
	for name, def := range cfg.DataSources {
		props := NewProperties()
		for k, v := range def.Properties() {
			props.Set(k, v)
		}
		ds, err := NewDataSource(props)
		if err != nil {
			for _, built := range out {
				built.Close()
			}
			return nil, err
		}
		out[name] = ds
	}
	return out, nil
}

// dynamicKeys are the properties a live datasource accepts without a
// rebuild.
var dynamicKeys = []string{
	PropDefaultAutocommit,
	PropDefaultIsolation,
	PropDefaultLockTimeout,
	PropLoginTimeout,
	PropPoolSize,
}

// WatchDataSources hot-reloads the dynamic properties of already-open pools
// when the file changes. Datasources added to or removed from the file are
// not created or destroyed; only live ones are retuned.
func WatchDataSources(path string, pools map[string]*DataSource) (*config.Watcher, error) {
	return config.NewWatcher(path, func(cfg *config.File) {
		for name, def := range cfg.DataSources {
			ds, ok := pools[name]
			if !ok {
				continue
			}
			props := def.Properties()
			for _, k := range dynamicKeys {
				if v, ok := props[k]; ok {
					_ = ds.ChangeProperty(k, v)
				}
			}
		}
	})
}
