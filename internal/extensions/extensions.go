// Package extensions hooks user code into the request lifecycle. Handlers
// register globally or per resource and run sequentially within a phase,
// global handlers first. Event structs are mutable; a handler error aborts
// the request.
package extensions

import (
	"context"

	"github.com/trellisql/trellis/internal/datasource"
	"github.com/trellisql/trellis/internal/plan"
	"github.com/trellisql/trellis/internal/request"
	"github.com/trellisql/trellis/internal/response"
)

// Global registers a handler for every resource.
const Global = ""

// RequestEvent fires before resolution; handlers may rewrite the request.
type RequestEvent struct {
	Request *request.Request
}

// PreExecuteEvent fires per data-source query before it runs; handlers may
// adjust the query in place.
type PreExecuteEvent struct {
	Resource string
	Node     *plan.DSTNode
}

// PostExecuteEvent fires per data-source query after it returned rows.
type PostExecuteEvent struct {
	Resource string
	Node     *plan.DSTNode
	Result   *datasource.Result
}

// ItemEvent fires per assembled result item; handlers may mutate Item.
type ItemEvent struct {
	Resource      string
	Request       *request.Request
	Item          map[string]any
	Row           datasource.Row
	SecondaryRows map[string]datasource.Row
}

// ResponseEvent fires once per request before the envelope is returned.
type ResponseEvent struct {
	Request  *request.Request
	Response *response.Response
}

type (
	InitHandler        func(ctx context.Context) error
	CloseHandler       func() error
	RequestHandler     func(ctx context.Context, ev *RequestEvent) error
	PreExecuteHandler  func(ctx context.Context, ev *PreExecuteEvent) error
	PostExecuteHandler func(ctx context.Context, ev *PostExecuteEvent) error
	ItemHandler        func(ctx context.Context, ev *ItemEvent) error
	ResponseHandler    func(ctx context.Context, ev *ResponseEvent) error
)

type handlerSet struct {
	init        []InitHandler
	close       []CloseHandler
	request     []RequestHandler
	preExecute  []PreExecuteHandler
	postExecute []PostExecuteHandler
	item        []ItemHandler
	response    []ResponseHandler
}

// Registry holds the registered handlers. Registration happens during
// engine setup; run methods are safe for concurrent use afterwards.
type Registry struct {
	sets map[string]*handlerSet
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sets: map[string]*handlerSet{}}
}

func (r *Registry) set(resource string) *handlerSet {
	s, ok := r.sets[resource]
	if !ok {
		s = &handlerSet{}
		r.sets[resource] = s
	}
	return s
}

func (r *Registry) OnInit(resource string, h InitHandler) {
	s := r.set(resource)
	s.init = append(s.init, h)
}

func (r *Registry) OnClose(resource string, h CloseHandler) {
	s := r.set(resource)
	s.close = append(s.close, h)
}

func (r *Registry) OnRequest(resource string, h RequestHandler) {
	s := r.set(resource)
	s.request = append(s.request, h)
}

func (r *Registry) OnPreExecute(resource string, h PreExecuteHandler) {
	s := r.set(resource)
	s.preExecute = append(s.preExecute, h)
}

func (r *Registry) OnPostExecute(resource string, h PostExecuteHandler) {
	s := r.set(resource)
	s.postExecute = append(s.postExecute, h)
}

func (r *Registry) OnItem(resource string, h ItemHandler) {
	s := r.set(resource)
	s.item = append(s.item, h)
}

func (r *Registry) OnResponse(resource string, h ResponseHandler) {
	s := r.set(resource)
	s.response = append(s.response, h)
}

// HasItemHandlers reports whether any item handler applies to the
// resource, letting the result builder skip per-row dispatch.
func (r *Registry) HasItemHandlers(resource string) bool {
	for _, scope := range []string{Global, resource} {
		if s, ok := r.sets[scope]; ok && len(s.item) > 0 {
			return true
		}
	}
	return false
}

// scopes returns the handler sets that apply to a resource, global first.
func (r *Registry) scopes(resource string) []*handlerSet {
	var out []*handlerSet
	if s, ok := r.sets[Global]; ok {
		out = append(out, s)
	}
	if resource != Global {
		if s, ok := r.sets[resource]; ok {
			out = append(out, s)
		}
	}
	return out
}

// RunInit fires every init handler once during engine startup.
func (r *Registry) RunInit(ctx context.Context) error {
	for _, s := range r.sets {
		for _, h := range s.init {
			if err := h(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunClose fires every close handler during shutdown; the first error is
// returned after all handlers ran.
func (r *Registry) RunClose() error {
	var first error
	for _, s := range r.sets {
		for _, h := range s.close {
			if err := h(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (r *Registry) RunRequest(ctx context.Context, resource string, ev *RequestEvent) error {
	for _, s := range r.scopes(resource) {
		for _, h := range s.request {
			if err := h(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) RunPreExecute(ctx context.Context, resource string, ev *PreExecuteEvent) error {
	for _, s := range r.scopes(resource) {
		for _, h := range s.preExecute {
			if err := h(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) RunPostExecute(ctx context.Context, resource string, ev *PostExecuteEvent) error {
	for _, s := range r.scopes(resource) {
		for _, h := range s.postExecute {
			if err := h(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) RunItem(ctx context.Context, resource string, ev *ItemEvent) error {
	for _, s := range r.scopes(resource) {
		for _, h := range s.item {
			if err := h(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) RunResponse(ctx context.Context, resource string, ev *ResponseEvent) error {
	for _, s := range r.scopes(resource) {
		for _, h := range s.response {
			if err := h(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}
