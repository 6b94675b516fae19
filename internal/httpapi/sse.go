package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"docsync/internal/docstore"
	pkgerrors "docsync/pkg/errors"
)

// handleWatchDocument streams one document's changes as server-sent events.
// Each change arrives as an "event: change" frame; stream-level failures and
// deletions arrive as "event: error" frames carrying the error code. The
// stream ends when the client disconnects or the upstream terminates.
func (h *Handler) handleWatchDocument(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, pkgerrors.New(pkgerrors.CodeInternal, "streaming unsupported"))
		return
	}

	docID := chi.URLParam(r, "docID")
	sub, err := repo.Watch(r.Context(), docID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() {
		sub.Stop()
		repo.Gateway().ReleaseDoc(docID)
	}()

	startSSE(w, flusher)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			writeSSE(w, flusher, docstore.Event{Doc: ev.Doc, Err: ev.Err})
		}
	}
}

// handleWatchCollection streams every change in a collection.
func (h *Handler) handleWatchCollection(w http.ResponseWriter, r *http.Request) {
	repo, ok := h.repo(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, pkgerrors.New(pkgerrors.CodeInternal, "streaming unsupported"))
		return
	}

	events, err := repo.Gateway().WatchAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	startSSE(w, flusher)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(w, flusher, ev)
		}
	}
}

func startSSE(w http.ResponseWriter, flusher http.Flusher) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev docstore.Event) {
	if ev.Err != nil {
		payload, _ := json.Marshal(map[string]string{"error": string(pkgerrors.CodeOf(ev.Err))})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
		flusher.Flush()
		return
	}

	payload, err := json.Marshal(ev.Doc)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: change\ndata: %s\n\n", payload)
	flusher.Flush()
}
