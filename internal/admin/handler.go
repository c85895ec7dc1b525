// Package admin serves the proxy's administrative JSON API. Every route
// requires a bearer token matching ADMIN_TOKEN_HASH.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/matt-riley/flagz-proxy/internal/logging"
	"github.com/matt-riley/flagz-proxy/internal/middleware"
)

const maxBodyBytes = 64 << 10

// ErrNoClientKeys is returned when a key update would leave the proxy with no
// accepted client keys.
var ErrNoClientKeys = errors.New("at least one client key is required")

// Options configures [NewHandler].
type Options struct {
	ClientKeys       *middleware.KeySet
	ServerSideTokens *middleware.KeySet
	Ready            func() bool
	Features         func() int
	Validator        middleware.TokenValidator
	AuthOptions      []middleware.AuthOption
	Logger           *slog.Logger
}

// Handler serves the admin API.
type Handler struct {
	clientKeys       *middleware.KeySet
	serverSideTokens *middleware.KeySet
	ready            func() bool
	features         func() int
	log              *slog.Logger
	handler          http.Handler
}

type statusResponse struct {
	Ready            bool `json:"ready"`
	ClientKeys       int  `json:"clientKeys"`
	ServerSideTokens int  `json:"serverSideTokens"`
	Features         int  `json:"features"`
}

type clientKeysRequest struct {
	ClientKeys []string `json:"clientKeys"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHandler returns the admin API. opts.ClientKeys and opts.Validator are
// required.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Ready == nil {
		opts.Ready = func() bool { return false }
	}
	if opts.Features == nil {
		opts.Features = func() int { return 0 }
	}
	h := &Handler{
		clientKeys:       opts.ClientKeys,
		serverSideTokens: opts.ServerSideTokens,
		ready:            opts.Ready,
		features:         opts.Features,
		log:              opts.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/status", h.handleStatus)
	mux.HandleFunc("PUT /admin/client-keys", h.handleSetClientKeys)

	h.handler = middleware.Apply(mux,
		middleware.HTTPRequestLogging(opts.Logger),
		middleware.Recovery(opts.Logger),
		middleware.HTTPBearerAuthMiddleware(opts.Validator, opts.AuthOptions...),
	)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// SetClientKeys atomically replaces the accepted client keys. Blank entries
// are dropped; an update that leaves no keys is rejected.
func (h *Handler) SetClientKeys(keys []string) error {
	cleaned := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			cleaned = append(cleaned, k)
		}
	}
	if len(cleaned) == 0 {
		return ErrNoClientKeys
	}
	h.clientKeys.Set(cleaned)
	h.log.Info("client keys updated", "count", len(cleaned), "keys", logging.RedactAll(cleaned))
	return nil
}

// SetProxySecrets is the legacy name for [Handler.SetClientKeys].
func (h *Handler) SetProxySecrets(secrets []string) error {
	return h.SetClientKeys(secrets)
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Ready:            h.ready(),
		ClientKeys:       h.clientKeys.Len(),
		ServerSideTokens: h.serverSideTokens.Len(),
		Features:         h.features(),
	})
}

func (h *Handler) handleSetClientKeys(w http.ResponseWriter, r *http.Request) {
	var req clientKeysRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if err := h.SetClientKeys(req.ClientKeys); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
