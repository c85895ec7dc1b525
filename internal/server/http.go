// Package server exposes the proxy's HTTP API.
package server

import (
	"log/slog"
	"net/http"

	"github.com/matt-riley/flagz-proxy/internal/config"
	"github.com/matt-riley/flagz-proxy/internal/core"
	"github.com/matt-riley/flagz-proxy/internal/middleware"
)

const (
	cacheControl = "public, max-age=2"

	allDisabledMessage = "The /proxy/all endpoint is disabled. Please check your server configuration. To enable it, set the `enableAllEndpoint` configuration option or `ENABLE_ALL_ENDPOINT` environment variable to `true`."
)

// Options configures [NewHTTPHandler].
type Options struct {
	// BasePath is prepended to /proxy. It must already be sanitized.
	BasePath          string
	KeyHeader         string
	ClientKeys        *middleware.KeySet
	ServerSideTokens  *middleware.KeySet
	EnableAllEndpoint bool
	Enrichers         []core.Enricher
	MaxJSONBodyBytes  int64
	TrustPolicy       middleware.TrustPolicy
	CORS              *config.CORS
	Metrics           http.Handler
	Logger            *slog.Logger

	AuthOptions []middleware.AuthOption
	Observers   []middleware.Observer

	OnClientMetrics  func()
	OnClientRegister func()
}

// HTTPServer holds the handler state.
type HTTPServer struct {
	service Service
	opts    Options
	log     *slog.Logger
}

type togglesResponse struct {
	Toggles []core.ToggleStatus `json:"toggles"`
}

type lookupRequest struct {
	Context map[string]any `json:"context"`
	Toggles []string       `json:"toggles"`
}

// NewHTTPHandler returns the proxy API rooted at <BasePath>/proxy.
func NewHTTPHandler(svc Service, opts Options) http.Handler {
	if svc == nil {
		panic("service is nil")
	}
	if opts.KeyHeader == "" {
		opts.KeyHeader = "Authorization"
	}
	if opts.MaxJSONBodyBytes <= 0 {
		opts.MaxJSONBodyBytes = defaultMaxJSONBodyBytes
	}
	if opts.ClientKeys == nil {
		opts.ClientKeys = middleware.NewKeySet(nil)
	}
	if opts.ServerSideTokens == nil {
		opts.ServerSideTokens = middleware.NewKeySet(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &HTTPServer{service: svc, opts: opts, log: opts.Logger}

	ready := middleware.RequireReady(svc.IsReady)
	clientKey := middleware.RequireKey(opts.KeyHeader, []*middleware.KeySet{opts.ClientKeys}, opts.AuthOptions...)
	serverToken := middleware.RequireKey(opts.KeyHeader, []*middleware.KeySet{opts.ServerSideTokens}, opts.AuthOptions...)
	eitherKey := middleware.RequireKey(opts.KeyHeader, []*middleware.KeySet{opts.ClientKeys, opts.ServerSideTokens}, opts.AuthOptions...)

	data := func(h http.HandlerFunc) http.Handler {
		return middleware.Apply(h, ready, clientKey, middleware.RequireJSON)
	}

	prefix := opts.BasePath + "/proxy"
	mux := http.NewServeMux()
	mux.Handle("GET "+prefix, data(s.handleEnabledToggles))
	mux.Handle("GET "+prefix+"/{$}", data(s.handleEnabledToggles))
	mux.Handle("POST "+prefix, data(s.handleLookupToggles))
	mux.Handle("POST "+prefix+"/{$}", data(s.handleLookupToggles))
	mux.Handle("GET "+prefix+"/all", data(s.handleAllToggles))
	mux.Handle("POST "+prefix+"/all", data(s.handleAllTogglesPOST))
	mux.Handle("GET "+prefix+"/client/features", middleware.Apply(http.HandlerFunc(s.handleFeatures), ready, serverToken))
	mux.Handle("POST "+prefix+"/client/metrics", middleware.Apply(http.HandlerFunc(s.handleRegisterMetrics), eitherKey, middleware.RequireJSON))
	mux.Handle("POST "+prefix+"/all/client/metrics", middleware.Apply(http.HandlerFunc(s.handleRegisterMetrics), eitherKey, middleware.RequireJSON))
	mux.Handle("POST "+prefix+"/client/register", middleware.Apply(http.HandlerFunc(s.handleRegisterClient), eitherKey, middleware.RequireJSON))
	mux.Handle("GET "+prefix+"/health", middleware.Apply(http.HandlerFunc(s.handleHealth), ready))
	if opts.Metrics != nil {
		mux.Handle("GET "+prefix+"/internal-backstage/prometheus", middleware.Apply(opts.Metrics, ready))
	}

	var cors middleware.Middleware
	if opts.CORS != nil {
		cors = middleware.CORS(*opts.CORS)
	}
	return middleware.Apply(mux,
		middleware.ResolveClientIP(opts.TrustPolicy),
		cors,
		middleware.HTTPRequestLogging(opts.Logger, opts.Observers...),
		middleware.Recovery(opts.Logger),
	)
}

func (s *HTTPServer) handleEnabledToggles(w http.ResponseWriter, r *http.Request) {
	c, ok := s.queryContext(w, r)
	if !ok {
		return
	}
	toggles, err := s.service.GetEnabledToggles(c)
	s.writeToggles(w, r, toggles, err)
}

func (s *HTTPServer) handleLookupToggles(w http.ResponseWriter, r *http.Request) {
	req, c, ok := s.bodyContext(w, r)
	if !ok {
		return
	}
	var (
		toggles []core.ToggleStatus
		err     error
	)
	if len(req.Toggles) > 0 {
		toggles, err = s.service.GetDefinedToggles(req.Toggles, c)
	} else {
		toggles, err = s.service.GetEnabledToggles(c)
	}
	s.writeToggles(w, r, toggles, err)
}

func (s *HTTPServer) handleAllToggles(w http.ResponseWriter, r *http.Request) {
	c, ok := s.queryContext(w, r)
	if !ok {
		return
	}
	if !s.opts.EnableAllEndpoint {
		writeText(w, http.StatusNotImplemented, allDisabledMessage)
		return
	}
	toggles, err := s.service.GetAllToggles(c)
	s.writeToggles(w, r, toggles, err)
}

func (s *HTTPServer) handleAllTogglesPOST(w http.ResponseWriter, r *http.Request) {
	req, c, ok := s.bodyContext(w, r)
	if !ok {
		return
	}
	if !s.opts.EnableAllEndpoint {
		writeText(w, http.StatusNotImplemented, allDisabledMessage)
		return
	}
	var (
		toggles []core.ToggleStatus
		err     error
	)
	if len(req.Toggles) > 0 {
		toggles, err = s.service.GetDefinedToggles(req.Toggles, c)
	} else {
		toggles, err = s.service.GetAllToggles(c)
	}
	s.writeToggles(w, r, toggles, err)
}

func (s *HTTPServer) handleFeatures(w http.ResponseWriter, _ *http.Request) {
	defs := s.service.GetFeatureDefinitions()
	defs.Version = 2
	if defs.Features == nil {
		defs.Features = []core.Feature{}
	}
	w.Header().Set("Cache-control", cacheControl)
	writeJSON(w, http.StatusOK, defs)
}

func (s *HTTPServer) handleRegisterMetrics(w http.ResponseWriter, r *http.Request) {
	var body any
	if err := decodeJSONBody(w, r, s.opts.MaxJSONBodyBytes, &body); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	bucket, issues := parseMetricsBucket(body)
	if len(issues) > 0 {
		writeValidationError(w, issues)
		return
	}
	s.service.RegisterMetrics(bucket)
	if s.opts.OnClientMetrics != nil {
		s.opts.OnClientMetrics()
	}
	writeText(w, http.StatusOK, http.StatusText(http.StatusOK))
}

func (s *HTTPServer) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var body any
	if err := decodeJSONBody(w, r, s.opts.MaxJSONBodyBytes, &body); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if issues := validateRegistration(body); len(issues) > 0 {
		writeValidationError(w, issues)
		return
	}
	middleware.LoggerFromContext(r.Context()).Debug("client registration accepted and not forwarded")
	if s.opts.OnClientRegister != nil {
		s.opts.OnClientRegister()
	}
	writeText(w, http.StatusOK, http.StatusText(http.StatusOK))
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

func (s *HTTPServer) queryContext(w http.ResponseWriter, r *http.Request) (core.Context, bool) {
	return s.buildContext(w, r, core.QueryInput(r.URL.Query()))
}

func (s *HTTPServer) bodyContext(w http.ResponseWriter, r *http.Request) (lookupRequest, core.Context, bool) {
	var req lookupRequest
	if err := decodeJSONBody(w, r, s.opts.MaxJSONBodyBytes, &req); err != nil {
		writeJSONDecodeError(w, err)
		return lookupRequest{}, core.Context{}, false
	}
	c, ok := s.buildContext(w, r, req.Context)
	return req, c, ok
}

// buildContext turns request input into an enriched evaluation context. The
// client IP stands in for a missing remoteAddress.
func (s *HTTPServer) buildContext(w http.ResponseWriter, r *http.Request, input map[string]any) (core.Context, bool) {
	c := core.BuildContext(input)
	if c.RemoteAddress == "" {
		c.RemoteAddress = middleware.ClientIP(r)
	}
	c, err := core.Enrich(r.Context(), c, s.opts.Enrichers)
	if err != nil {
		middleware.LoggerFromContext(r.Context()).Error("context enrichment failed", "error", err)
		writeInternalError(w)
		return core.Context{}, false
	}
	return c, true
}

func (s *HTTPServer) writeToggles(w http.ResponseWriter, r *http.Request, toggles []core.ToggleStatus, err error) {
	if err != nil {
		middleware.LoggerFromContext(r.Context()).Error("toggle evaluation failed", "error", err)
		writeInternalError(w)
		return
	}
	if toggles == nil {
		toggles = []core.ToggleStatus{}
	}
	w.Header().Set("Cache-control", cacheControl)
	writeJSON(w, http.StatusOK, togglesResponse{Toggles: toggles})
}
