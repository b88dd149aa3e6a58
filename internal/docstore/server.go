package docstore

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/sofiatracker/syncengine/internal/model"
)

// maxBodyBytes caps a single document upload.
const maxBodyBytes = 1 << 20

// Server exposes a Store over HTTP.
type Server struct {
	store    *Store
	token    string
	logger   *slog.Logger
	hub      *hub
	upgrader websocket.Upgrader

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a Server. A non-empty token enables bearer auth on
// every /v1 route.
func NewServer(store *Store, token string, logger *slog.Logger) *Server {
	return &Server{
		store:  store,
		token:  token,
		logger: logger,
		hub:    newHub(),
		done:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Close ends every open subscription. http.Server.Shutdown does not wait
// for hijacked connections, so call Close before shutting down.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Handler returns the routed HTTP handler.
//
//	GET    /healthz
//	GET    /v1/events?modifiedAfter=ms
//	POST   /v1/events
//	GET    /v1/events/subscribe   (WebSocket)
//	GET    /v1/events/{id}
//	PUT    /v1/events/{id}
//	DELETE /v1/events/{id}
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/events", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/subscribe", s.handleSubscribe)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handlePut)
		r.Delete("/{id}", s.handleDelete)
	})
	return r
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	after := int64(-1)
	if raw := r.URL.Query().Get("modifiedAfter"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "modifiedAfter must be epoch milliseconds")
			return
		}
		after = v
	}
	docs, err := s.store.ModifiedAfter(r.Context(), after)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.decodeDocument(w, r)
	if !ok {
		return
	}
	doc.ID = ""
	s.save(w, r, doc, http.StatusCreated)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.decodeDocument(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if doc.ID != "" && doc.ID != id {
		writeError(w, http.StatusBadRequest, "document id does not match path")
		return
	}
	doc.ID = id
	s.save(w, r, doc, http.StatusOK)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	existed, err := s.store.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, ErrNotFound.Error())
		return
	}
	s.hub.broadcast()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) save(w http.ResponseWriter, r *http.Request, doc *model.RemoteEvent, status int) {
	saved, err := s.store.Put(r.Context(), doc)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.logger.Debug("document saved", "id", saved.ID, "last_modified", saved.LastModified, "deleted", saved.Deleted)
	s.hub.broadcast()
	writeJSON(w, status, saved)
}

func (s *Server) decodeDocument(w http.ResponseWriter, r *http.Request) (*model.RemoteEvent, bool) {
	var doc model.RemoteEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid document: "+err.Error())
		return nil, false
	}
	if _, err := model.ParseEventType(doc.Type); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &doc, true
}

// requireToken enforces the bearer token when one is configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
