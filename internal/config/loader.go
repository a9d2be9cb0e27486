package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadOptions reads the engine options file (JSON) and applies environment
// overrides. A missing path yields the defaults.
func LoadOptions(path string) (*Options, error) {
	opts := DefaultOptions()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading options file: %w", err)
		}
		if err := json.Unmarshal(data, opts); err != nil {
			return nil, fmt.Errorf("parsing options file %s: %w", path, err)
		}
	}
	opts.ApplyEnvOverrides()
	return opts, nil
}

// LoadRawResources reads every *.json file under dir; the file base name
// becomes the resource name. Subdirectories become name prefixes joined
// with "/", matching the request's resource naming.
func LoadRawResources(dir string) (map[string]map[string]any, error) {
	out := map[string]map[string]any{}
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.ToSlash(rel), ".json")

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading resource file %s: %w", path, err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parsing resource file %s: %w", path, err)
		}
		out[name] = raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no resource configs found under %s", dir)
	}
	return out, nil
}
