package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/trellisql/trellis/internal/config"
	"github.com/trellisql/trellis/internal/datasource"
	"github.com/trellisql/trellis/internal/engine"
	"github.com/trellisql/trellis/internal/extensions"
	"github.com/trellisql/trellis/internal/request"
)

var (
	queryResource  string
	queryID        string
	querySelect    string
	queryFilter    string
	querySearch    string
	queryOrder     string
	queryLimit     int
	queryPage      int
	queryExplain   bool
	queryProfile   string
	queryResources string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run a single query against the configured resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd.Context())
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryResource, "resource", "", "resource to query (required)")
	queryCmd.Flags().StringVar(&queryID, "id", "", "retrieve a single item by primary key")
	queryCmd.Flags().StringVar(&querySelect, "select", "", "attributes to select, e.g. id,title,author[name]")
	queryCmd.Flags().StringVar(&queryFilter, "filter", "", "filter as comma-separated path=value pairs")
	queryCmd.Flags().StringVar(&querySearch, "search", "", "full-text search term")
	queryCmd.Flags().StringVar(&queryOrder, "order", "", "sort order, e.g. name:asc,date:desc")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "page size")
	queryCmd.Flags().IntVar(&queryPage, "page", 0, "page number (requires --limit)")
	queryCmd.Flags().BoolVar(&queryExplain, "explain", false, "attach the resolved query tree to the response")
	queryCmd.Flags().StringVar(&queryProfile, "profile", "", "attach timing info: 1 or raw")
	queryCmd.Flags().StringVar(&queryResources, "resources", "", "resource config directory (overrides options file)")
	_ = queryCmd.MarkFlagRequired("resource")
}

func runQuery(ctx context.Context) error {
	en, err := newEngine(ctx, queryResources, queryExplain)
	if err != nil {
		return err
	}
	defer func() {
		if err := en.Close(); err != nil {
			log.Warn().Err(err).Msg("Engine shutdown reported errors")
		}
	}()

	req, err := buildRequest()
	if err != nil {
		return err
	}

	resp := en.Execute(ctx, req)
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(out))
	if resp.Error != nil {
		return fmt.Errorf("query failed with status %d", resp.Meta.StatusCode)
	}
	return nil
}

// newEngine loads options and resource configs and wires the drivers.
func newEngine(ctx context.Context, resourcesOverride string, allowExplain bool) (*engine.Engine, error) {
	opts, err := config.LoadOptions(flagOptions)
	if err != nil {
		return nil, err
	}
	if resourcesOverride != "" {
		opts.ResourcesPath = resourcesOverride
	}
	if opts.ResourcesPath == "" {
		return nil, fmt.Errorf("no resources path configured, use --resources or the options file")
	}
	if allowExplain {
		opts.AllowExplain = true
	}

	raw, err := config.LoadRawResources(opts.ResourcesPath)
	if err != nil {
		return nil, err
	}
	registry, err := buildRegistry(opts)
	if err != nil {
		return nil, err
	}
	en, err := engine.New(ctx, raw, opts, registry, extensions.NewRegistry())
	if err != nil {
		registry.Close()
		return nil, err
	}
	return en, nil
}

func buildRequest() (*request.Request, error) {
	req := request.New(queryResource)
	if queryID != "" {
		req.ID = queryID
	}
	if querySelect != "" {
		if _, err := req.WithSelect(querySelect); err != nil {
			return nil, err
		}
	}
	filter, err := request.ParseSimpleFilter(queryFilter)
	if err != nil {
		return nil, err
	}
	req.Filter = filter
	req.Search = querySearch

	order, err := parseOrder(queryOrder)
	if err != nil {
		return nil, err
	}
	req.Order = order

	if queryLimit > 0 {
		req.Limit = &queryLimit
	}
	if queryPage > 0 {
		req.Page = &queryPage
	}
	req.Explain = queryExplain
	req.Profile = queryProfile
	return req, nil
}

func parseOrder(s string) ([]datasource.Sort, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []datasource.Sort
	for _, part := range strings.Split(s, ",") {
		attr, dir, found := strings.Cut(strings.TrimSpace(part), ":")
		if !found {
			dir = datasource.DirAsc
		}
		if attr == "" {
			return nil, fmt.Errorf("invalid order entry %q, expected attribute:direction", part)
		}
		out = append(out, datasource.Sort{Attribute: attr, Direction: dir})
	}
	return out, nil
}
