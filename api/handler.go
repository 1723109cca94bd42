// Package api exposes a Store over JSON HTTP: render lookups and the admin
// endpoints for blocks, sets and set membership.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/unkn0wn-root/flatblocks"
	"github.com/unkn0wn-root/flatblocks/cache"
)

// Handler serves the flatblocks HTTP API.
type Handler struct {
	store *flatblocks.Store
	log   flatblocks.Logger
}

func NewHandler(store *flatblocks.Store, log flatblocks.Logger) *Handler {
	if log == nil {
		log = cache.NopLogger{}
	}
	return &Handler{store: store, log: log}
}

// Router returns the full router with middleware.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	r.Mount("/blocks", h.BlockRoutes())
	r.Mount("/sets", h.SetRoutes())
	return r
}

// BlockRoutes returns the routes for flat blocks.
func (h *Handler) BlockRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListFlatBlocks)
	r.Post("/", h.CreateFlatBlock)
	r.Post("/lookup", h.LookupFlatBlocks)
	r.Get("/{slug}", h.GetFlatBlock)
	r.Put("/{slug}", h.UpdateFlatBlock)
	r.Delete("/{slug}", h.DeleteFlatBlock)
	return r
}

// SetRoutes returns the routes for block sets and their items.
func (h *Handler) SetRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListBlockSets)
	r.Post("/", h.CreateBlockSet)
	r.Get("/{slug}", h.GetBlockSet)
	r.Put("/{slug}", h.UpdateBlockSet)
	r.Delete("/{slug}", h.DeleteBlockSet)
	r.Get("/{slug}/items", h.ListItems)
	r.Post("/{slug}/items", h.AddItem)
	r.Put("/{slug}/items/{id}", h.UpdateItem)
	r.Delete("/{slug}/items/{id}", h.DeleteItem)
	return r
}

// FlatBlockRequest is the body for creating or updating a flat block.
// On update an empty Slug keeps the current one.
type FlatBlockRequest struct {
	Slug    string `json:"slug"`
	Header  string `json:"header"`
	Content string `json:"content"`
}

// BlockSetRequest is the body for creating or updating a block set.
type BlockSetRequest struct {
	Slug   string `json:"slug"`
	Header string `json:"header"`
}

// ItemRequest adds or moves a flat block inside a set. On update, omitted
// fields keep their current values; on create Position defaults to 0.
type ItemRequest struct {
	FlatBlock string `json:"flatblock"`
	Position  *int   `json:"position,omitempty"`
}

// LookupRequest asks for several flat blocks by slug.
type LookupRequest struct {
	Slugs []string `json:"slugs"`
}

// LookupResponse carries the blocks found and the slugs that were not.
type LookupResponse struct {
	Blocks  map[string]flatblocks.FlatBlock `json:"blocks"`
	Missing []string                        `json:"missing"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Flat blocks

func (h *Handler) ListFlatBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.store.ListFlatBlocks(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if blocks == nil {
		blocks = []flatblocks.FlatBlock{}
	}
	render.JSON(w, r, blocks)
}

func (h *Handler) CreateFlatBlock(w http.ResponseWriter, r *http.Request) {
	var req FlatBlockRequest
	if !decode(w, r, &req) {
		return
	}
	fb := &flatblocks.FlatBlock{Slug: req.Slug, Header: req.Header, Content: req.Content}
	if err := h.store.SaveFlatBlock(r.Context(), fb); err != nil {
		h.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, fb)
}

func (h *Handler) GetFlatBlock(w http.ResponseWriter, r *http.Request) {
	fb, err := h.store.GetFlatBlock(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, fb)
}

func (h *Handler) LookupFlatBlocks(w http.ResponseWriter, r *http.Request) {
	var req LookupRequest
	if !decode(w, r, &req) {
		return
	}
	found, missing, err := h.store.GetFlatBlocks(r.Context(), req.Slugs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if missing == nil {
		missing = []string{}
	}
	render.JSON(w, r, LookupResponse{Blocks: found, Missing: missing})
}

func (h *Handler) UpdateFlatBlock(w http.ResponseWriter, r *http.Request) {
	var req FlatBlockRequest
	if !decode(w, r, &req) {
		return
	}
	fb, err := h.store.GetFlatBlock(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Slug != "" {
		fb.Slug = req.Slug
	}
	fb.Header, fb.Content = req.Header, req.Content
	if err := h.store.SaveFlatBlock(r.Context(), fb); err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, fb)
}

func (h *Handler) DeleteFlatBlock(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteFlatBlock(r.Context(), chi.URLParam(r, "slug")); err != nil {
		h.fail(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// Block sets

func (h *Handler) ListBlockSets(w http.ResponseWriter, r *http.Request) {
	sets, err := h.store.ListBlockSets(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if sets == nil {
		sets = []flatblocks.BlockSet{}
	}
	render.JSON(w, r, sets)
}

func (h *Handler) CreateBlockSet(w http.ResponseWriter, r *http.Request) {
	var req BlockSetRequest
	if !decode(w, r, &req) {
		return
	}
	set := &flatblocks.BlockSet{Slug: req.Slug, Header: req.Header}
	if err := h.store.SaveBlockSet(r.Context(), set); err != nil {
		h.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, set)
}

// GetBlockSet returns the set with its blocks in display order.
func (h *Handler) GetBlockSet(w http.ResponseWriter, r *http.Request) {
	view, err := h.store.GetBlockSet(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if view.Blocks == nil {
		view.Blocks = []flatblocks.FlatBlock{}
	}
	render.JSON(w, r, view)
}

func (h *Handler) UpdateBlockSet(w http.ResponseWriter, r *http.Request) {
	var req BlockSetRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := h.store.GetBlockSet(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	set := view.Set
	if req.Slug != "" {
		set.Slug = req.Slug
	}
	set.Header = req.Header
	if err := h.store.SaveBlockSet(r.Context(), &set); err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, set)
}

func (h *Handler) DeleteBlockSet(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteBlockSet(r.Context(), chi.URLParam(r, "slug")); err != nil {
		h.fail(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// Items

func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.BlockSetItems(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if items == nil {
		items = []flatblocks.BlockSetItem{}
	}
	render.JSON(w, r, items)
}

func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req ItemRequest
	if !decode(w, r, &req) {
		return
	}
	pos := 0
	if req.Position != nil {
		pos = *req.Position
	}
	it, err := h.store.AddBlockSetItem(r.Context(), chi.URLParam(r, "slug"), req.FlatBlock, pos)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, it)
}

func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req ItemRequest
	if !decode(w, r, &req) {
		return
	}
	it, ok := h.itemInSet(w, r)
	if !ok {
		return
	}
	if req.FlatBlock != "" {
		fb, err := h.store.GetFlatBlock(r.Context(), req.FlatBlock)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		it.FlatBlockID = fb.ID
	}
	if req.Position != nil {
		it.Position = *req.Position
	}
	if err := h.store.SaveBlockSetItem(r.Context(), &it); err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, it)
}

func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	it, ok := h.itemInSet(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteBlockSetItem(r.Context(), it.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// itemInSet resolves {id} and checks it belongs to {slug}.
func (h *Handler) itemInSet(w http.ResponseWriter, r *http.Request) (flatblocks.BlockSetItem, bool) {
	slug := chi.URLParam(r, "slug")
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.fail(w, r, &flatblocks.ValidationError{Field: "id", Reason: "not an integer"})
		return flatblocks.BlockSetItem{}, false
	}
	items, err := h.store.BlockSetItems(r.Context(), slug)
	if err != nil {
		h.fail(w, r, err)
		return flatblocks.BlockSetItem{}, false
	}
	for _, it := range items {
		if it.ID == id {
			return it, true
		}
	}
	h.fail(w, r, flatblocks.NotFoundID(flatblocks.KindBlockSetItem, id))
	return flatblocks.BlockSetItem{}, false
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// fail maps store errors to status codes.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, flatblocks.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, flatblocks.ErrDuplicateSlug):
		status = http.StatusConflict
	case errors.Is(err, flatblocks.ErrInvalid):
		status = http.StatusBadRequest
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", flatblocks.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
			"err":        err,
		})
		msg = http.StatusText(status)
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: msg})
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			h.log.Info("http request", flatblocks.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			})
		}()
		next.ServeHTTP(ww, r)
	})
}
