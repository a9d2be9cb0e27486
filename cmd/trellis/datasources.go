package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/trellisql/trellis/internal/config"
	"github.com/trellisql/trellis/internal/datasource"
	"github.com/trellisql/trellis/internal/datasource/memory"
	"github.com/trellisql/trellis/internal/datasource/sqlite"
)

// buildRegistry constructs one driver instance per data-source type named
// in the engine options. Resource configs reference these by type name.
func buildRegistry(opts *config.Options) (*datasource.Registry, error) {
	registry := datasource.NewRegistry()
	for name, dsc := range opts.DataSources {
		driver, err := buildDriver(name, dsc)
		if err != nil {
			registry.Close()
			return nil, err
		}
		registry.Register(name, driver)
	}
	return registry, nil
}

func buildDriver(name string, dsc config.DataSourceConfig) (datasource.DataSource, error) {
	switch dsc.Type {
	case "memory":
		driver := memory.New()
		if path, ok := dsc.Options["fixtures"].(string); ok && path != "" {
			if err := loadMemoryFixtures(driver, path); err != nil {
				return nil, fmt.Errorf("data source %q: %w", name, err)
			}
		}
		return driver, nil
	case "sqlite":
		dsn, _ := dsc.Options["dsn"].(string)
		if dsn == "" {
			return nil, fmt.Errorf("data source %q: sqlite requires a dsn option", name)
		}
		return sqlite.New(dsn)
	default:
		return nil, fmt.Errorf("data source %q: unknown driver type %q", name, dsc.Type)
	}
}

// loadMemoryFixtures populates a memory driver from a JSON file mapping
// table names to row lists.
func loadMemoryFixtures(driver *memory.Driver, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading fixtures: %w", err)
	}
	var tables map[string][]datasource.Row
	if err := json.Unmarshal(data, &tables); err != nil {
		return fmt.Errorf("parsing fixtures %s: %w", path, err)
	}
	for table, rows := range tables {
		driver.SetTable(table, rows)
	}
	return nil
}
