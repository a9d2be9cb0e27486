// Package engine is the façade over the query pipeline: it parses the
// resource configuration once, then serves requests through resolution,
// execution, and result building, firing extension hooks along the way.
package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/trellisql/trellis/internal/builder"
	"github.com/trellisql/trellis/internal/cast"
	"github.com/trellisql/trellis/internal/config"
	"github.com/trellisql/trellis/internal/datasource"
	"github.com/trellisql/trellis/internal/errors"
	"github.com/trellisql/trellis/internal/executor"
	"github.com/trellisql/trellis/internal/extensions"
	"github.com/trellisql/trellis/internal/logging"
	"github.com/trellisql/trellis/internal/metrics"
	"github.com/trellisql/trellis/internal/profiler"
	"github.com/trellisql/trellis/internal/request"
	"github.com/trellisql/trellis/internal/resolver"
	"github.com/trellisql/trellis/internal/response"
)

// Engine serves requests against a parsed configuration. Safe for
// concurrent use once constructed.
type Engine struct {
	cfg      *config.Config
	opts     *config.Options
	registry *datasource.Registry
	ext      *extensions.Registry
	exec     *executor.Executor
	build    *builder.Builder
	log      zerolog.Logger
}

// New parses the raw resource configurations against the supplied driver
// registry and runs the init extensions. The registry must already hold
// one driver instance per data-source type the configuration references.
func New(ctx context.Context, rawResources map[string]map[string]any, opts *config.Options, registry *datasource.Registry, ext *extensions.Registry) (*Engine, error) {
	if opts == nil {
		opts = config.DefaultOptions()
	}
	if ext == nil {
		ext = extensions.NewRegistry()
	}

	cfg, err := config.Parse(rawResources, opts, registry)
	if err != nil {
		return nil, err
	}
	loc, err := opts.Location()
	if err != nil {
		return nil, errors.Wrap(errors.KindImplementation, err, "invalid engine options")
	}
	storedLoc, err := opts.StoredLocation()
	if err != nil {
		return nil, errors.Wrap(errors.KindImplementation, err, "invalid engine options")
	}

	caster := cast.New(loc, storedLoc)
	en := &Engine{
		cfg:      cfg,
		opts:     opts,
		registry: registry,
		ext:      ext,
		exec:     executor.New(registry, caster, ext),
		build:    builder.New(ext),
		log:      logging.Component("engine"),
	}
	if err := ext.RunInit(ctx); err != nil {
		return nil, errors.Wrap(errors.KindImplementation, err, "init extension failed")
	}
	en.log.Info().Int("resources", len(cfg.Resources)).Msg("engine initialized")
	return en, nil
}

// Config exposes the parsed configuration (read-only).
func (en *Engine) Config() *config.Config {
	return en.cfg
}

// Execute serves one request. The returned envelope always carries a
// status code and timing; errors are folded into it rather than returned.
func (en *Engine) Execute(ctx context.Context, req *request.Request) *response.Response {
	start := time.Now()
	ctx, requestID := logging.WithRequestID(ctx, logging.RequestID(ctx))
	prof := profiler.New("retrieve " + req.Resource)
	resp := &response.Response{Meta: response.Meta{StatusCode: 200}}

	err := en.serve(ctx, req, prof, resp)
	prof.End()
	if err != nil {
		resp.Data = nil
		resp.Cursor = nil
		resp.Meta.StatusCode = errors.StatusCodeOf(err)
		resp.Error = &response.Error{Message: errors.PublicMessage(err, en.opts.ExposeErrors)}
		en.log.Error().Err(err).Str("resource", req.Resource).Str("requestId", requestID).Msg("request failed")
		metrics.RequestsTotal.WithLabelValues(req.Resource, "error").Inc()
	} else {
		en.log.Debug().Str("resource", req.Resource).Str("requestId", requestID).Msg("request completed")
		metrics.RequestsTotal.WithLabelValues(req.Resource, "success").Inc()
	}

	duration := time.Since(start)
	resp.Meta.Duration = float64(duration.Microseconds()) / 1000
	metrics.RequestDuration.WithLabelValues(req.Resource).Observe(duration.Seconds())

	switch req.Profile {
	case "raw":
		resp.Meta.Profile = prof.Raw()
	case "1":
		resp.Meta.Profile = prof.Report()
	}
	return resp
}

func (en *Engine) serve(ctx context.Context, req *request.Request, prof *profiler.Profiler, resp *response.Response) error {
	if err := en.ext.RunRequest(ctx, req.Resource, &extensions.RequestEvent{Request: req}); err != nil {
		return err
	}

	p, err := resolver.Resolve(en.cfg, req)
	if err != nil {
		return err
	}
	if req.Explain {
		if !en.opts.AllowExplain {
			return errors.Request("explain is not enabled").WithResource(req.Resource)
		}
		resp.Meta.Explain = explain(p.DST)
	}

	results, err := en.exec.Execute(ctx, req.Resource, p.DST, prof)
	if err != nil {
		return err
	}
	out, err := en.build.Build(ctx, req, p, results)
	if err != nil {
		return err
	}
	resp.Data = out.Data
	resp.Cursor = out.Cursor

	return en.ext.RunResponse(ctx, req.Resource, &extensions.ResponseEvent{Request: req, Response: resp})
}

// Close shuts down drivers and fires the close extensions.
func (en *Engine) Close() error {
	err := en.ext.RunClose()
	if cerr := en.registry.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
