package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// IncludeList supports either:
//
//	include: "/path/to/file.yaml"
//
// or:
//
//	include:
//	  - "/path/to/file.yaml"
//	  - "/path/to/dir"
type IncludeList []string

func (l *IncludeList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case 0:
		*l = nil
		return nil
	case yaml.ScalarNode:
		if value.Tag != "!!str" {
			return fmt.Errorf("include must be a string or list of strings")
		}
		*l = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(value.Content))
		for _, item := range value.Content {
			if item.Kind != yaml.ScalarNode || item.Tag != "!!str" {
				return fmt.Errorf("include entries must be strings")
			}
			out = append(out, item.Value)
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("include must be a string or list of strings")
	}
}

// Raw types mirror the file layout with pointers so that an unset key can
// be told apart from a zero value while merging includes.

type RawTimeouts struct {
	Read          *time.Duration `yaml:"read"`
	Write         *time.Duration `yaml:"write"`
	MarkerExpiry  *time.Duration `yaml:"marker_expiry"`
	ReorderWindow *time.Duration `yaml:"reorder_window"`
	Subscribe     *time.Duration `yaml:"subscribe"`
}

type RawWrites struct {
	MaxInFlight     *int     `yaml:"max_inflight"`
	RatePerResource *float64 `yaml:"rate_per_resource"`
	Burst           *int     `yaml:"burst"`
}

type RawEvents struct {
	TombstoneTTL *time.Duration `yaml:"tombstone_ttl"`
}

type RawReconcile struct {
	Interval *time.Duration `yaml:"interval"`
}

type RawLoggingConfig struct {
	Level  *string `yaml:"level"`
	Format *string `yaml:"format"`
	File   *string `yaml:"file"`
}

type RawMetrics struct {
	Listen *string `yaml:"listen"`
}

type RawIPC struct {
	Enabled *bool `yaml:"enabled"`
}

type RawConfig struct {
	Include   IncludeList       `yaml:"include"`
	Timeouts  *RawTimeouts      `yaml:"timeouts"`
	Writes    *RawWrites        `yaml:"writes"`
	Events    *RawEvents        `yaml:"events"`
	Reconcile *RawReconcile     `yaml:"reconcile"`
	Logging   *RawLoggingConfig `yaml:"logging"`
	Metrics   *RawMetrics       `yaml:"metrics"`
	IPC       *RawIPC           `yaml:"ipc"`
}

// set copies overlay into *dst when overlay is present.
func set[T any](dst **T, overlay *T) {
	if overlay != nil {
		*dst = overlay
	}
}

func (c RawConfig) merge(overlay RawConfig) RawConfig {
	out := c

	if o := overlay.Timeouts; o != nil {
		t := RawTimeouts{}
		if out.Timeouts != nil {
			t = *out.Timeouts
		}
		set(&t.Read, o.Read)
		set(&t.Write, o.Write)
		set(&t.MarkerExpiry, o.MarkerExpiry)
		set(&t.ReorderWindow, o.ReorderWindow)
		set(&t.Subscribe, o.Subscribe)
		out.Timeouts = &t
	}
	if o := overlay.Writes; o != nil {
		w := RawWrites{}
		if out.Writes != nil {
			w = *out.Writes
		}
		set(&w.MaxInFlight, o.MaxInFlight)
		set(&w.RatePerResource, o.RatePerResource)
		set(&w.Burst, o.Burst)
		out.Writes = &w
	}
	if o := overlay.Events; o != nil {
		e := RawEvents{}
		if out.Events != nil {
			e = *out.Events
		}
		set(&e.TombstoneTTL, o.TombstoneTTL)
		out.Events = &e
	}
	if o := overlay.Reconcile; o != nil {
		r := RawReconcile{}
		if out.Reconcile != nil {
			r = *out.Reconcile
		}
		set(&r.Interval, o.Interval)
		out.Reconcile = &r
	}
	if o := overlay.Logging; o != nil {
		l := RawLoggingConfig{}
		if out.Logging != nil {
			l = *out.Logging
		}
		set(&l.Level, o.Level)
		set(&l.Format, o.Format)
		set(&l.File, o.File)
		out.Logging = &l
	}
	if o := overlay.Metrics; o != nil {
		m := RawMetrics{}
		if out.Metrics != nil {
			m = *out.Metrics
		}
		set(&m.Listen, o.Listen)
		out.Metrics = &m
	}
	if o := overlay.IPC; o != nil {
		i := RawIPC{}
		if out.IPC != nil {
			i = *out.IPC
		}
		set(&i.Enabled, o.Enabled)
		out.IPC = &i
	}
	return out
}
