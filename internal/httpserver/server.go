package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/LucasSaviolo/creche-allocator/internal/archive"
	"github.com/LucasSaviolo/creche-allocator/internal/auth"
	"github.com/LucasSaviolo/creche-allocator/internal/engine"
	"github.com/LucasSaviolo/creche-allocator/internal/events"
	"github.com/LucasSaviolo/creche-allocator/internal/models"
	"github.com/LucasSaviolo/creche-allocator/internal/store"
)

// Server exposes the allocation engine over HTTP. The surrounding CRUD
// application owns record lifecycle; these routes only trigger runs, refresh
// scores and inspect outcomes.
type Server struct {
	engine    *engine.Engine
	store     store.Store
	verifier  *auth.Verifier
	publisher events.Publisher
	archiver  archive.Archiver
}

func New(eng *engine.Engine, st store.Store, verifier *auth.Verifier, publisher events.Publisher, archiver archive.Archiver) *Server {
	return &Server{
		engine:    eng,
		store:     st,
		verifier:  verifier,
		publisher: publisher,
		archiver:  archiver,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/waitlist", s.handleWaitlist)
	r.Get("/facilities", s.handleFacilities)
	r.Get("/runs/{id}", s.handleGetRun)

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware)
		r.Post("/runs", s.handleExecuteRun)
		r.Post("/waitlist/{id}/score", s.handleComputeScore)
		r.Post("/allocations/{id}/cancel", s.handleCancelAllocation)
	})

	return r
}

func (s *Server) handleExecuteRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.ExecuteRun(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrRunInProgress) {
			respondJSON(w, http.StatusConflict, report)
			return
		}
		log.Printf("allocation run %s failed (%s): %v", report.RunID, report.ErrorKind, err)
		respondJSON(w, http.StatusInternalServerError, report)
		return
	}
	s.fanOutReport(report)
	respondJSON(w, http.StatusOK, report)
}

// fanOutReport publishes and archives a committed report. Best-effort: the
// run is already durable, so failures here are only logged.
func (s *Server) fanOutReport(report models.RunReport) {
	ctx, cancel := topLevelContext()
	defer cancel()
	if s.publisher != nil {
		if err := s.publisher.PublishRunReport(ctx, report); err != nil {
			log.Printf("publish run report %s: %v", report.RunID, err)
		}
	}
	if s.archiver != nil {
		if err := s.archiver.ArchiveRunReport(ctx, report); err != nil {
			log.Printf("archive run report %s: %v", report.RunID, err)
		}
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	report, err := s.store.RunReportByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "run not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleWaitlist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.WaitingEntries(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	engine.OrderEntries(entries)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
	})
}

func (s *Server) handleFacilities(w http.ResponseWriter, r *http.Request) {
	facilities, err := s.store.ActiveFacilities(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"facilities": facilities,
	})
}

func (s *Server) handleComputeScore(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid entry id")
		return
	}
	result, err := s.engine.ComputeScore(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "entry not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid allocation id")
		return
	}
	alloc, err := s.store.CancelAllocation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "active allocation not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, alloc)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// topLevelContext detaches fan-out from the request context so a client
// disconnect cannot interrupt publishing of an already-committed run.
func topLevelContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
