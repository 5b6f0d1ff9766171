package config

import "fmt"

type ValidationError struct {
	Path   string
	Source Source
	Err    error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Source.Kind == SourceFile && e.Source.File != "" && e.Source.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s: %v", e.Source.File, e.Source.Line, e.Source.Column, e.Path, e.Err)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func assign[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// BuildEffectiveConfig overlays raw onto the defaults. Validation is
// separate so callers can attach file sources to the failing key.
func BuildEffectiveConfig(raw RawConfig) *Config {
	cfg := DefaultConfig()

	if t := raw.Timeouts; t != nil {
		assign(&cfg.Timeouts.Read, t.Read)
		assign(&cfg.Timeouts.Write, t.Write)
		assign(&cfg.Timeouts.MarkerExpiry, t.MarkerExpiry)
		assign(&cfg.Timeouts.ReorderWindow, t.ReorderWindow)
		assign(&cfg.Timeouts.Subscribe, t.Subscribe)
	}
	if w := raw.Writes; w != nil {
		assign(&cfg.Writes.MaxInFlight, w.MaxInFlight)
		assign(&cfg.Writes.RatePerResource, w.RatePerResource)
		assign(&cfg.Writes.Burst, w.Burst)
	}
	if e := raw.Events; e != nil {
		assign(&cfg.Events.TombstoneTTL, e.TombstoneTTL)
	}
	if r := raw.Reconcile; r != nil {
		assign(&cfg.Reconcile.Interval, r.Interval)
	}
	if l := raw.Logging; l != nil {
		assign(&cfg.Logging.Level, l.Level)
		assign(&cfg.Logging.Format, l.Format)
		assign(&cfg.Logging.File, l.File)
	}
	if m := raw.Metrics; m != nil {
		assign(&cfg.Metrics.Listen, m.Listen)
	}
	if i := raw.IPC; i != nil {
		assign(&cfg.IPC.Enabled, i.Enabled)
	}
	return cfg
}
