// Package server exposes the cache engine over an OpenAI-compatible HTTP
// surface plus operational endpoints for metrics, events and admin tasks.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/semantis-ai/semantis"
	"github.com/semantis-ai/semantis/auth"
	"github.com/semantis-ai/semantis/cache"
	"github.com/semantis-ai/semantis/openai"
	"github.com/semantis-ai/semantis/provider"
)

type (
	BadRequestError          struct{ error }
	UnprocessableEntityError struct{ error }
)

// Deadline for a single request including any upstream provider calls.
const requestTimeout = 30 * time.Second

const defaultEventLimit = 100

// Server wires the cache engine, key registry and snapshot trigger behind
// HTTP handlers.
type Server struct {
	engine   *cache.Service
	registry auth.Registry
	save     func() error
	clock    clock.Clock
	logger   *zap.SugaredLogger
}

func New(engine *cache.Service, registry auth.Registry, save func() error, clk clock.Clock, logger *zap.SugaredLogger) *Server {
	return &Server{
		engine:   engine,
		registry: registry,
		save:     save,
		clock:    clk,
		logger:   logger,
	}
}

func (s *Server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/metrics", s.withTenant(s.handleMetrics)).Methods(http.MethodGet)
	router.HandleFunc("/query", s.withTenant(s.handleQuery)).Methods(http.MethodGet)
	router.HandleFunc("/events", s.withTenant(s.handleEvents)).Methods(http.MethodGet)
	router.HandleFunc("/v1/chat/completions", s.withTenant(s.handleChatCompletions)).Methods(http.MethodPost)
	router.HandleFunc("/admin/save", s.withTenant(s.handleAdminSave)).Methods(http.MethodPost)
	router.HandleFunc("/admin/domains", s.withTenant(s.handleAdminDomains)).Methods(http.MethodPut)
	router.HandleFunc("/admin/warmup", s.withTenant(s.handleAdminWarmup)).Methods(http.MethodPost)
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, tenant string, token string)

// withTenant authenticates the request, derives the tenant from the API key
// and records key usage before invoking the handler.
func (s *Server) withTenant(handler tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, token, err := auth.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			s.handleError(w, err)
			return
		}
		if err := s.registry.Validate(r.Context(), token); err != nil {
			s.handleError(w, err)
			return
		}
		if err := s.registry.RecordUse(r.Context(), token, tenant); err != nil {
			s.logger.Warnw("Failed to record key use", "tenant", tenant, "error", err)
		}
		handler(w, r, tenant, token)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": semantis.ServiceName,
		"version": semantis.Version,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request, tenant string, _ string) {
	s.writeJson(w, http.StatusOK, s.engine.Metrics(tenant))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, tenant string, _ string) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.handleError(w, UnprocessableEntityError{fmt.Errorf("limit must be an integer")})
			return
		}
		limit = parsed
	}
	events := s.engine.Events(tenant, limit)
	if events == nil {
		events = []*cache.Event{}
	}
	s.writeJson(w, http.StatusOK, events)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, tenant string, token string) {
	prompt := r.URL.Query().Get("prompt")
	if prompt == "" {
		s.handleError(w, UnprocessableEntityError{fmt.Errorf("prompt query parameter is required")})
		return
	}
	model := r.URL.Query().Get("model")

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	answer, meta, err := s.engine.Query(ctx, &cache.QueryRequest{
		TenantId: tenant,
		Messages: []openai.Message{{Role: "user", Content: prompt}},
		Model:    model,
	})
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.logUsage(r.Context(), token, tenant, "/query", meta)
	s.writeJson(w, http.StatusOK, map[string]any{
		"answer":  answer,
		"meta":    meta,
		"metrics": s.engine.Metrics(tenant),
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request, tenant string, token string) {
	defer r.Body.Close()

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Warnw("Failed to read request body", "error", err)
		s.handleError(w, BadRequestError{fmt.Errorf("invalid request body")})
		return
	}
	var request openai.ChatCompletionRequest
	if err := json.Unmarshal(bodyBytes, &request); err != nil {
		s.logger.Warnw("Invalid request body", "error", err)
		s.handleError(w, BadRequestError{fmt.Errorf("invalid request body")})
		return
	}
	if err := request.Validate(); err != nil {
		s.handleError(w, UnprocessableEntityError{err})
		return
	}

	queryRequest := &cache.QueryRequest{
		TenantId: tenant,
		Messages: request.Messages,
		Model:    request.Model,
	}
	if request.TtlSeconds != nil {
		queryRequest.TtlSeconds = *request.TtlSeconds
	}
	if request.Temperature != nil {
		queryRequest.Temperature = *request.Temperature
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	answer, meta, err := s.engine.Query(ctx, queryRequest)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.logUsage(r.Context(), token, tenant, "/v1/chat/completions", meta)

	response := openai.NewChatCompletionResponse(request.Model, answer, s.clock.Now())
	s.writeJson(w, http.StatusOK, struct {
		*openai.ChatCompletionResponse
		Meta *cache.Meta `json:"meta"`
	}{response, meta})
}

func (s *Server) handleAdminSave(w http.ResponseWriter, _ *http.Request, tenant string, _ string) {
	if err := s.save(); err != nil {
		s.logger.Errorw("Operator snapshot failed", "tenant", tenant, "error", err)
		s.handleError(w, fmt.Errorf("snapshot failed"))
		return
	}
	s.writeJson(w, http.StatusOK, map[string]string{"status": "saved"})
}

type domainThresholdRequest struct {
	Domain    string  `json:"domain"`
	Threshold float64 `json:"threshold"`
}

func (s *Server) handleAdminDomains(w http.ResponseWriter, r *http.Request, tenant string, _ string) {
	defer r.Body.Close()
	var request domainThresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.handleError(w, BadRequestError{fmt.Errorf("invalid request body")})
		return
	}
	if err := s.engine.SetDomainThreshold(tenant, request.Domain, request.Threshold); err != nil {
		s.handleError(w, UnprocessableEntityError{err})
		return
	}
	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

type warmupRequest struct {
	Items []cache.WarmupItem `json:"items"`
}

func (s *Server) handleAdminWarmup(w http.ResponseWriter, r *http.Request, tenant string, _ string) {
	defer r.Body.Close()
	var request warmupRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.handleError(w, BadRequestError{fmt.Errorf("invalid request body")})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	inserted, err := s.engine.Warmup(ctx, tenant, request.Items)
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.writeJson(w, http.StatusOK, map[string]int{"inserted": inserted})
}

func (s *Server) logUsage(ctx context.Context, token string, tenant string, endpoint string, meta *cache.Meta) {
	usage := auth.Usage{
		Token:    token,
		TenantId: tenant,
		Endpoint: endpoint,
		Hit:      meta.Hit != cache.DecisionMiss,
	}
	if usage.Hit {
		usage.TokensSaved = 100
	}
	if err := s.registry.LogUsage(ctx, usage); err != nil {
		s.logger.Warnw("Failed to log key usage", "tenant", tenant, "error", err)
	}
}

func (s *Server) writeJson(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Errorw("Failed to encode response", "error", err)
	}
}

// handleError maps error kinds to status codes. Error bodies carry a single
// "detail" field.
func (s *Server) handleError(w http.ResponseWriter, err error) {
	var unauthorized auth.UnauthorizedError
	var badRequest BadRequestError
	var unprocessable UnprocessableEntityError
	var transient provider.TransientError
	var fatal provider.FatalError
	switch {
	case errors.As(err, &unauthorized):
		s.writeDetail(w, http.StatusUnauthorized, unauthorized.Message)
	case errors.As(err, &badRequest):
		s.writeDetail(w, http.StatusBadRequest, badRequest.Error())
	case errors.Is(err, cache.ErrNoUserMessage):
		s.writeDetail(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &unprocessable):
		s.writeDetail(w, http.StatusUnprocessableEntity, unprocessable.Error())
	case errors.As(err, &transient):
		s.logger.Warnw("Upstream provider unavailable", "error", err)
		s.writeDetail(w, http.StatusGatewayTimeout, "Upstream provider timed out")
	case errors.As(err, &fatal):
		s.logger.Errorw("Upstream provider request failed", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "Upstream provider request failed")
	default:
		s.logger.Errorw("Internal server error", "error", err)
		s.writeDetail(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) writeDetail(w http.ResponseWriter, status int, message string) {
	s.writeJson(w, status, map[string]string{"detail": message})
}
