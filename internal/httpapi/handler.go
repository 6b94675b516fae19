// Package httpapi is the thin HTTP layer over the document store. It
// delegates to repositories without embedding document semantics so transport
// concerns stay isolated.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"docsync/internal/docstore/gateway"
	"docsync/internal/docstore/multiplexer"
	"docsync/internal/docstore/repository"
	"docsync/internal/docstore/serializer"
	"docsync/internal/platform/metrics"
	"docsync/internal/platform/middleware"
	"docsync/internal/transport"
	pkgerrors "docsync/pkg/errors"
)

// Handler exposes document CRUD and watch streams over REST and SSE.
type Handler struct {
	tr      transport.Transport
	logger  *slog.Logger
	metrics *metrics.Metrics
	feed    gateway.ChangeFeed

	mux *multiplexer.Multiplexer
	ser *serializer.Serializer

	mu    sync.Mutex
	repos map[string]*repository.Repository[transport.RawDocument]
}

// NewHandler creates the HTTP handler. feed may be nil.
func NewHandler(tr transport.Transport, logger *slog.Logger, m *metrics.Metrics, feed gateway.ChangeFeed) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		tr:      tr,
		logger:  logger,
		metrics: m,
		feed:    feed,
		mux:     multiplexer.New(tr, logger),
		ser:     serializer.New(),
		repos:   make(map[string]*repository.Repository[transport.RawDocument]),
	}
}

// Register registers the document routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	api := chi.NewRouter()
	api.Use(middleware.RequestLogger(h.logger))

	api.Route("/v1/{collection}", func(cr chi.Router) {
		cr.Get("/watch", h.handleWatchCollection)
		cr.Route("/{docID}", func(dr chi.Router) {
			dr.Get("/", h.handleRead)
			dr.Put("/", h.handleWrite)
			dr.Patch("/", h.handlePatch)
			dr.Delete("/", h.handleDelete)
			dr.Post("/ensure", h.handleEnsure)
			dr.Get("/watch", h.handleWatchDocument)
		})
	})

	r.Mount("/", api)
}

// repoFor lazily builds one repository per collection. All collections share
// the multiplexer and serializer, which key by collection and document.
func (h *Handler) repoFor(collection string) (*repository.Repository[transport.RawDocument], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if repo, ok := h.repos[collection]; ok {
		return repo, nil
	}

	opts := []gateway.Option{
		gateway.WithLogger(h.logger),
		gateway.WithMetrics(h.metrics),
	}
	if h.feed != nil {
		opts = append(opts, gateway.WithChangeFeed(h.feed))
	}
	gw, err := gateway.New(h.tr, h.mux, collection, opts...)
	if err != nil {
		return nil, err
	}

	repo, err := repository.New[transport.RawDocument](gw, repository.RawCodec{},
		repository.WithSerializer[transport.RawDocument](h.ser))
	if err != nil {
		return nil, err
	}
	h.repos[collection] = repo
	return repo, nil
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}

	doc, err := repo.Read(r.Context(), chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	doc, ok := decodeBody(w, r)
	if !ok {
		return
	}

	echoed, err := repo.Write(r.Context(), chi.URLParam(r, "docID"), doc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, echoed)
}

func (h *Handler) handlePatch(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	partial, ok := decodeBody(w, r)
	if !ok {
		return
	}

	merged, err := repo.Patch(r.Context(), chi.URLParam(r, "docID"), partial)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}

	if err := repo.Delete(r.Context(), chi.URLParam(r, "docID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEnsure creates the document from the request body when absent and
// returns the current state either way.
func (h *Handler) handleEnsure(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}

	doc, err := repo.Ensure(r.Context(), chi.URLParam(r, "docID"),
		func() transport.RawDocument { return body }, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) repo(w http.ResponseWriter, r *http.Request) (*repository.Repository[transport.RawDocument], bool) {
	collection := chi.URLParam(r, "collection")
	repo, err := h.repoFor(collection)
	if err != nil {
		h.logger.Error("building repository failed", "collection", collection, "error", err)
		writeError(w, pkgerrors.New(pkgerrors.CodeInternal, "collection unavailable"))
		return nil, false
	}
	return repo, true
}

func decodeBody(w http.ResponseWriter, r *http.Request) (transport.RawDocument, bool) {
	var doc transport.RawDocument
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, pkgerrors.Wrap(err, pkgerrors.CodeMalformedDocument, "request body is not a JSON object"))
		return nil, false
	}
	return doc, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError centralizes error translation to HTTP responses so every handler
// emits the same JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	code := pkgerrors.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(pkgerrors.ToHTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": string(code),
	})
}
