package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pohlai88/accounts-worker/internal/bus"
	"github.com/pohlai88/accounts-worker/internal/models"
	"github.com/pohlai88/accounts-worker/internal/store"
)

// eventEnvelope is the wire shape of an externally pushed event.
type eventEnvelope struct {
	Name           string         `json:"name" validate:"required"`
	Data           map[string]any `json:"data"`
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotencyKey"`
	ScheduledFor   *time.Time     `json:"scheduledFor"`
	User           *struct {
		ID string `json:"id"`
	} `json:"user"`
}

// Server is the HTTP ingress: webhook-style event intake, health, and
// metrics.
type Server struct {
	bus            bus.Bus
	store          store.Store
	deduper        bus.Deduper
	logger         *zap.Logger
	validate       *validator.Validate
	depthThreshold int
	httpServer     *http.Server
}

// New creates the ingress server.
func New(addr string, b bus.Bus, st store.Store, deduper bus.Deduper, depthThreshold int, logger *zap.Logger) *Server {
	s := &Server{
		bus:            b,
		store:          st,
		deduper:        deduper,
		logger:         logger.With(zap.String("component", "ingress")),
		validate:       validator.New(),
		depthThreshold: depthThreshold,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/api/v1/events", s.handlePublish)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP ingress", zap.String("address", s.httpServer.Addr))

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down HTTP ingress")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var env eventEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return
	}
	if err := s.validate.Struct(env); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}

	evt := models.Event{
		ID:             env.ID,
		Name:           env.Name,
		Data:           env.Data,
		IdempotencyKey: env.IdempotencyKey,
	}
	if env.ScheduledFor != nil {
		evt.ScheduledFor = *env.ScheduledFor
	}
	if env.User != nil {
		evt.UserID = env.User.ID
	}

	res, err := s.bus.Publish(r.Context(), evt)
	if err != nil {
		if errors.Is(err, bus.ErrMalformed) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Failed to publish event", zap.Error(err), zap.String("name", env.Name))
		s.writeError(w, http.StatusServiceUnavailable, "event backend unavailable")
		return
	}
	if res.Duplicate {
		s.writeJSON(w, http.StatusConflict, map[string]any{
			"status":  "duplicate",
			"eventId": res.EventID,
		})
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"eventId": res.EventID,
	})
}

type healthCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := []healthCheck{
		s.check(ctx, "storage", s.store.Ping),
		s.check(ctx, "bus", s.bus.Ping),
	}
	if s.deduper != nil {
		checks = append(checks, s.check(ctx, "idempotency", s.deduper.Ping))
	}

	depthCheck := healthCheck{Name: "queue_depth", Status: "healthy"}
	if depth, err := s.bus.Depth(ctx); err != nil {
		depthCheck.Status = "unhealthy"
		depthCheck.Error = err.Error()
	} else if s.depthThreshold > 0 && depth > s.depthThreshold {
		depthCheck.Status = "unhealthy"
		depthCheck.Error = "queue backlog over threshold"
	}
	checks = append(checks, depthCheck)

	status := "healthy"
	code := http.StatusOK
	for _, c := range checks {
		if c.Status != "healthy" {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			break
		}
	}
	s.writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) check(ctx context.Context, name string, ping func(context.Context) error) healthCheck {
	if err := ping(ctx); err != nil {
		return healthCheck{Name: name, Status: "unhealthy", Error: err.Error()}
	}
	return healthCheck{Name: name, Status: "healthy"}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]any{"error": msg})
}
