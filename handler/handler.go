// Package handler provides the HTTP handlers of the migration admin API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cast"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/stevemurr/bionexo-migrate/document"
	"github.com/stevemurr/bionexo-migrate/schema"
	"github.com/stevemurr/bionexo-migrate/session"
	"github.com/stevemurr/bionexo-migrate/store"
)

const (
	defaultItemLimit = 20
	maxItemLimit     = 1000
)

// Handler holds the server dependencies and registers routes.
type Handler struct {
	store    store.Store
	defaults session.Options
	metrics  *Metrics
	logger   *slog.Logger
	mux      *http.ServeMux

	// running serializes migrations; a second request gets 409.
	running sync.Mutex
}

// New creates a Handler and wires up all routes. defaults seed the options
// of every migration request; query parameters override them.
func New(s store.Store, defaults session.Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		store:    s,
		defaults: defaults,
		metrics:  NewMetrics(),
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	h.routes()
	return h
}

// ServeHTTP makes Handler an http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Metrics exposes the collectors, mainly for tests.
func (h *Handler) Metrics() *Metrics {
	return h.metrics
}

func (h *Handler) routes() {
	// Health / status
	h.mux.HandleFunc("GET /", h.root)
	h.mux.HandleFunc("GET /health", h.health)
	h.mux.Handle("GET /metrics", promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{}))

	// --- Collections ---
	h.mux.HandleFunc("GET /collections", h.listCollections)
	h.mux.HandleFunc("GET /collections/{collection}/items", h.getItems)
	h.mux.HandleFunc("GET /collections/{collection}/items/{key}", h.getItem)
	h.mux.HandleFunc("GET /collections/{collection}/stats", h.stats)

	// --- Migrations ---
	h.mux.HandleFunc("POST /migrations/{command}", h.runMigration)
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrCollectionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.logger.Error("store request failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// ---------- status endpoints ----------

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	// Only match exact root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "Bionexo Migration Engine",
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.store.ListCollectionNames(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ---------- collections ----------

func (h *Handler) listCollections(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.ListCollectionNames(r.Context())
	if err != nil {
		h.storeError(w, err)
		return
	}
	infos := make([]store.CollectionInfo, 0, len(names))
	for _, name := range names {
		info, err := h.store.CollectionInfo(r.Context(), name)
		if err != nil {
			h.storeError(w, err)
			return
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *Handler) getItems(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	limit := defaultItemLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := cast.ToIntE(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = min(n, maxItemLimit)
	}
	if _, err := h.store.CollectionInfo(r.Context(), collection); err != nil {
		h.storeError(w, err)
		return
	}

	items := make([]*document.Document, 0, limit)
	errLimit := errors.New("limit reached")
	err := h.store.Find(r.Context(), collection, document.All, limit, func(d *document.Document) error {
		items = append(items, d)
		if len(items) >= limit {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	collection, key := r.PathValue("collection"), r.PathValue("key")
	doc, err := h.store.Get(r.Context(), collection, key)
	if err == nil && doc == nil {
		// Keys minted by the database are ObjectIDs.
		if oid, perr := parseObjectID(key); perr == nil {
			doc, err = h.store.Get(r.Context(), collection, oid)
		}
	}
	if err != nil {
		h.storeError(w, err)
		return
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func parseObjectID(key string) (primitive.ObjectID, error) {
	return primitive.ObjectIDFromHex(key)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	if _, err := h.store.CollectionInfo(r.Context(), collection); err != nil {
		h.storeError(w, err)
		return
	}
	sch := schema.ScaleSchema
	if s, ok := h.defaults.Schemas[collection]; ok {
		sch = s
	}
	rep, err := schema.Verify(r.Context(), h.store, collection, sch)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ---------- migrations ----------

func knownCommand(name string) (session.Command, bool) {
	for _, c := range session.Commands {
		if string(c) == name {
			return c, true
		}
	}
	return "", false
}

// migrationOptions overlays the query parameters on the defaults.
func (h *Handler) migrationOptions(r *http.Request) (session.Options, error) {
	opts := h.defaults
	q := r.URL.Query()
	flags := []struct {
		name string
		dst  *bool
	}{
		{"apply", &opts.Apply},
		{"fix_swap", &opts.Policy.FixSwapOnInvalidMonth},
		{"force_swap", &opts.Policy.ForceSwap},
		{"add_day", &opts.Policy.AddDayOffset},
		{"force_backup", &opts.ForceBackup},
		{"resume", &opts.Resume},
		{"show_stats", &opts.ShowStats},
	}
	for _, f := range flags {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		b, err := cast.ToBoolE(v)
		if err != nil {
			return opts, fmt.Errorf("invalid %s %q", f.name, v)
		}
		*f.dst = b
	}
	if v := q.Get("collections"); v != "" {
		opts.Collections = nil
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				opts.Collections = append(opts.Collections, c)
			}
		}
	}
	if v := q.Get("show_samples"); v != "" {
		n, err := cast.ToIntE(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("invalid show_samples %q", v)
		}
		opts.ShowSamples = n
	}
	if v := q.Get("user"); v != "" {
		opts.User = v
	}
	return opts, nil
}

func (h *Handler) runMigration(w http.ResponseWriter, r *http.Request) {
	cmd, ok := knownCommand(r.PathValue("command"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown migration %q", r.PathValue("command")))
		return
	}
	opts, err := h.migrationOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.running.TryLock() {
		writeError(w, http.StatusConflict, "a migration is already running")
		return
	}
	defer h.running.Unlock()

	ctrl := session.New(h.store, h.logger)
	ctrl.OnSummary = h.metrics.observe(!opts.Apply)
	// A client that disconnects must not stop a migration between drop and
	// restore; the run keeps the request's values but not its cancellation.
	rep, err := ctrl.Run(context.WithoutCancel(r.Context()), cmd, opts)
	if err != nil {
		if errors.Is(err, session.ErrUnknownCollection) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("migration failed", "command", cmd, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.metrics.observeRun(rep)
	writeJSON(w, http.StatusOK, rep)
}
