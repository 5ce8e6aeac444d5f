package leaderboard

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vksha/carnival-api/internal/pkg/errorhandler"
	"github.com/vksha/carnival-api/internal/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Top handles GET /leaderboard?limit=
func (h *Handler) Top(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.BadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	standings, err := h.svc.Top(r.Context(), limit)
	if err != nil {
		errorhandler.Write(r.Context(), w, nil, err)
		return
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	response.WithMeta(w, standings, response.Meta{Total: len(standings), Limit: min(limit, MaxLimit)})
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Get("/", h.Top)
	return r
}
