package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DataSourceConfig declares one driver instance in the engine options.
type DataSourceConfig struct {
	Type    string         `json:"type"`
	Options map[string]any `json:"options"`
}

// Options are the engine-level settings, loaded once at startup.
type Options struct {
	ResourcesPath         string                      `json:"resourcesPath"`
	DataSources           map[string]DataSourceConfig `json:"dataSources"`
	Timezone              string                      `json:"timezone"`
	DefaultStoredTimezone string                      `json:"defaultStoredTimezone"`
	AllowExplain          bool                        `json:"allowExplain"`
	ExposeErrors          bool                        `json:"exposeErrors"`
	PostTimeoutMs         int                         `json:"postTimeout"`
	Port                  int                         `json:"port"`
	StaticPath            string                      `json:"staticPath"`
}

// DefaultOptions returns the baseline engine options.
func DefaultOptions() *Options {
	return &Options{
		Timezone: "UTC",
		Port:     3000,
	}
}

// Location returns the engine output timezone.
func (o *Options) Location() (*time.Location, error) {
	if o.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", o.Timezone, err)
	}
	return loc, nil
}

// StoredLocation returns the fallback timezone for stored values without an
// explicit one; it defaults to the engine timezone.
func (o *Options) StoredLocation() (*time.Location, error) {
	if o.DefaultStoredTimezone == "" {
		return o.Location()
	}
	loc, err := time.LoadLocation(o.DefaultStoredTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid defaultStoredTimezone %q: %w", o.DefaultStoredTimezone, err)
	}
	return loc, nil
}

// PostTimeout returns the configured timeout, or zero when unset.
func (o *Options) PostTimeout() time.Duration {
	return time.Duration(o.PostTimeoutMs) * time.Millisecond
}

// ApplyEnvOverrides lets the environment override file-based options.
func (o *Options) ApplyEnvOverrides() {
	if v := os.Getenv("TRELLIS_RESOURCES_PATH"); v != "" {
		o.ResourcesPath = v
	}
	if v := os.Getenv("TRELLIS_TIMEZONE"); v != "" {
		o.Timezone = v
	}
	if v := os.Getenv("TRELLIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			o.Port = port
		}
	}
	if v := os.Getenv("TRELLIS_EXPOSE_ERRORS"); v != "" {
		o.ExposeErrors = v == "1" || v == "true"
	}
	if v := os.Getenv("TRELLIS_ALLOW_EXPLAIN"); v != "" {
		o.AllowExplain = v == "1" || v == "true"
	}
}
