package config

import (
	"fmt"
	"strings"
)

// Explain returns the effective value at the given YAML-like path and its source.
//
// Paths name a section and key, for example:
//
//	timeouts.write
//	writes.rate_per_resource
//	events.tombstone_ttl
//	logging.level
//
// A section name alone returns the whole section.
func Explain(res *LoadResult, path string) (any, Source, error) {
	if res == nil || res.Config == nil {
		return nil, Source{}, fmt.Errorf("no config loaded")
	}
	if path == "" {
		return nil, Source{}, fmt.Errorf("path is empty")
	}

	value, err := lookupValue(res.Config, path)
	if err != nil {
		return nil, Source{}, err
	}

	if src, ok := res.Sources[path]; ok {
		return value, src, nil
	}
	return value, Source{Kind: SourceDefault, Name: "defaults"}, nil
}

func lookupValue(cfg *Config, path string) (any, error) {
	section, key, _ := strings.Cut(path, ".")
	fields, ok := sectionFields(cfg)[section]
	if !ok {
		return nil, fmt.Errorf("unknown path: %s", path)
	}
	if key == "" {
		return fields.whole, nil
	}
	v, ok := fields.keys[key]
	if !ok {
		return nil, fmt.Errorf("unknown path: %s", path)
	}
	return v, nil
}

type section struct {
	whole any
	keys  map[string]any
}

func sectionFields(cfg *Config) map[string]section {
	return map[string]section{
		"timeouts": {cfg.Timeouts, map[string]any{
			"read":           cfg.Timeouts.Read,
			"write":          cfg.Timeouts.Write,
			"marker_expiry":  cfg.Timeouts.MarkerExpiry,
			"reorder_window": cfg.Timeouts.ReorderWindow,
			"subscribe":      cfg.Timeouts.Subscribe,
		}},
		"writes": {cfg.Writes, map[string]any{
			"max_inflight":      cfg.Writes.MaxInFlight,
			"rate_per_resource": cfg.Writes.RatePerResource,
			"burst":             cfg.Writes.Burst,
		}},
		"events": {cfg.Events, map[string]any{
			"tombstone_ttl": cfg.Events.TombstoneTTL,
		}},
		"reconcile": {cfg.Reconcile, map[string]any{
			"interval": cfg.Reconcile.Interval,
		}},
		"logging": {cfg.Logging, map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"file":   cfg.Logging.File,
		}},
		"metrics": {cfg.Metrics, map[string]any{
			"listen": cfg.Metrics.Listen,
		}},
		"ipc": {cfg.IPC, map[string]any{
			"enabled": cfg.IPC.Enabled,
		}},
	}
}
