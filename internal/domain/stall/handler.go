package stall

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vksha/carnival-api/internal/domain/token"
	"github.com/vksha/carnival-api/internal/middleware"
	"github.com/vksha/carnival-api/internal/pkg/errorhandler"
	"github.com/vksha/carnival-api/internal/pkg/response"
	"github.com/vksha/carnival-api/internal/pkg/validator"
)

// Errors is how stall failures render over HTTP. Charges made during
// participation fail with token errors, so those are included.
var Errors = append(errorhandler.Table{
	{Err: ErrStallNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "stall not found"},
	{Err: ErrParticipationNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "participation not found"},
	{Err: ErrStallClosed, Status: http.StatusConflict, Code: "STALL_CLOSED", Message: "stall is not accepting participants"},
	{Err: ErrCapacityExceeded, Status: http.StatusConflict, Code: "CAPACITY_EXCEEDED", Message: "this event is full"},
	{Err: ErrParticipantCountMismatch, Status: http.StatusUnprocessableEntity, Code: "PARTICIPANT_COUNT_MISMATCH", Message: "number of participants must equal group members plus one"},
	{Err: ErrParticipantNameRequired, Status: http.StatusUnprocessableEntity, Code: "PARTICIPANT_NAME_REQUIRED", Message: "stage programs require a participant name"},
	{Err: ErrUnauthorized, Status: http.StatusForbidden, Code: "UNAUTHORIZED_STALL_ADMIN", Message: "you are not an admin of this stall"},
	{Err: ErrAlreadyAwarded, Status: http.StatusConflict, Code: "ALREADY_AWARDED", Message: "already awarded"},
	{Err: ErrParticipationCancelled, Status: http.StatusConflict, Code: "PARTICIPATION_CANCELLED", Message: "participation was cancelled"},
	{Err: ErrInvalidPoints, Status: http.StatusBadRequest, Code: "INVALID_AMOUNT", Message: "points must be greater than zero"},
	{Err: ErrInvalidTokenCost, Status: http.StatusBadRequest, Code: "INVALID_AMOUNT", Message: "token cost cannot be negative"},
	{Err: ErrNotCancellable, Status: http.StatusConflict, Code: "NOT_CANCELLABLE", Message: "only pending participations can be cancelled"},
	{Err: ErrCapacityBelowCurrent, Status: http.StatusUnprocessableEntity, Code: "CAPACITY_BELOW_CURRENT", Message: "max participants cannot be below current participants"},
	{Err: ErrExportUnavailable, Status: http.StatusServiceUnavailable, Code: "EXPORT_UNAVAILABLE", Message: "statement storage is not configured"},
}, token.Errors...)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type createStallRequest struct {
	Name            string   `json:"name" validate:"required,max=120"`
	Description     string   `json:"description" validate:"max=1000"`
	Category        string   `json:"category" validate:"required,stall_category"`
	TokenCost       int64    `json:"tokenCost" validate:"gte=0"`
	MaxParticipants *int     `json:"maxParticipants" validate:"omitempty,gt=0"`
	AdminIDs        []string `json:"adminIds" validate:"omitempty,dive,uuid"`
}

type updateStallRequest struct {
	IsOpen          *bool  `json:"isOpen"`
	IsActive        *bool  `json:"isActive"`
	TokenCost       *int64 `json:"tokenCost" validate:"omitempty,gte=0"`
	MaxParticipants *int   `json:"maxParticipants" validate:"omitempty,gt=0"`
}

type participateRequest struct {
	StallID              string   `json:"stallId" validate:"omitempty,uuid"`
	QRCode               string   `json:"qrCode"`
	ShortCode            string   `json:"shortCode"`
	IsStageProgram       bool     `json:"isStageProgram"`
	ParticipantName      string   `json:"participantName" validate:"max=200"`
	NumberOfParticipants int      `json:"numberOfParticipants" validate:"gte=0,lte=100"`
	GroupMembers         []string `json:"groupMembers" validate:"omitempty,dive,uuid"`
	Performance          string   `json:"performance" validate:"max=500"`
}

type awardRequest struct {
	Points int    `json:"points"`
	Notes  string `json:"notes" validate:"max=1000"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := response.DecodeJSON(r.Body, v); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return false
	}
	if errs := validator.Validate(v); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return false
	}
	return true
}

func parseIDs(raw []string) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		if id, err := uuid.Parse(s); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func actorOf(r *http.Request) Actor {
	return Actor{UserID: middleware.GetUserID(r.Context()), Role: middleware.GetRole(r.Context())}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid ID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	errorhandler.Write(r.Context(), w, Errors, err)
}

// Create handles POST /carnival-stalls
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createStallRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := h.svc.Create(r.Context(), middleware.GetUserID(r.Context()), CreateStallInput{
		Name:            req.Name,
		Description:     req.Description,
		Category:        Category(req.Category),
		TokenCost:       req.TokenCost,
		MaxParticipants: req.MaxParticipants,
		AdminIDs:        parseIDs(req.AdminIDs),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.Created(w, st)
}

// List handles GET /carnival-stalls?category=&active=true
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Category: Category(q.Get("category")), ActiveOnly: q.Get("active") == "true"}
	if filter.Category != "" {
		if err := validator.ValidateVar(string(filter.Category), "stall_category"); err != nil {
			response.BadRequest(w, "Invalid category")
			return
		}
	}
	stalls, err := h.svc.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.OK(w, stalls)
}

// Get handles GET /carnival-stalls/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.OK(w, st)
}

// ByQRCode handles GET /carnival-stalls/qr/{qrCode}
func (h *Handler) ByQRCode(w http.ResponseWriter, r *http.Request) {
	h.lookup(w, r, chi.URLParam(r, "qrCode"))
}

// ByShortCode handles GET /carnival-stalls/code/{shortCode}
func (h *Handler) ByShortCode(w http.ResponseWriter, r *http.Request) {
	h.lookup(w, r, chi.URLParam(r, "shortCode"))
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request, code string) {
	st, err := h.svc.Lookup(r.Context(), code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.OK(w, st)
}

// Update handles PATCH /carnival-stalls/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateStallRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := h.svc.Update(r.Context(), id, actorOf(r), UpdateStallInput{
		IsOpen:          req.IsOpen,
		IsActive:        req.IsActive,
		TokenCost:       req.TokenCost,
		MaxParticipants: req.MaxParticipants,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.OK(w, st)
}

// Participate handles POST /carnival-stalls/participate
func (h *Handler) Participate(w http.ResponseWriter, r *http.Request) {
	var req participateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.StallID == "" && req.QRCode == "" && req.ShortCode == "" {
		response.ValidationError(w, map[string]string{"stallId": "stallId, qrCode or shortCode is required"})
		return
	}

	in := ParticipateRequest{
		QRCode:               req.QRCode,
		ShortCode:            req.ShortCode,
		IsStageProgram:       req.IsStageProgram,
		ParticipantName:      req.ParticipantName,
		NumberOfParticipants: req.NumberOfParticipants,
		GroupMembers:         parseIDs(req.GroupMembers),
		Performance:          req.Performance,
	}
	if req.StallID != "" {
		id := uuid.MustParse(req.StallID)
		in.StallID = &id
	}

	p, err := h.svc.Participate(r.Context(), middleware.GetUserID(r.Context()), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.Created(w, p)
}

// Award handles PATCH /carnival-stalls/participation/{id}/award
func (h *Handler) Award(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req awardRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.svc.Award(r.Context(), id, req.Points, req.Notes, middleware.GetUserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.OK(w, p)
}

// Cancel handles POST /carnival-stalls/participation/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Cancel(r.Context(), id, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.OK(w, p)
}

// MyStalls handles GET /carnival-stalls/my-stalls
func (h *Handler) MyStalls(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.svc.MyStalls(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.OK(w, summaries)
}

// Participants handles GET /carnival-stalls/{id}/participants
func (h *Handler) Participants(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ps, err := h.svc.Participants(r.Context(), id, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.OK(w, ps)
}

// Transactions handles GET /carnival-stalls/{id}/transactions
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ledger, err := h.svc.Transactions(r.Context(), id, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.OK(w, ledger)
}

// Export handles POST /carnival-stalls/{id}/transactions/export
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	statement, err := h.svc.ExportStatement(r.Context(), id, actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	response.Created(w, statement)
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)

	r.Get("/", h.List)
	r.With(middleware.RequireOperator()).Post("/", h.Create)
	r.Get("/my-stalls", h.MyStalls)
	r.Get("/qr/{qrCode}", h.ByQRCode)
	r.Get("/code/{shortCode}", h.ByShortCode)
	r.Post("/participate", h.Participate)
	r.Patch("/participation/{id}/award", h.Award)
	r.Post("/participation/{id}/cancel", h.Cancel)

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Patch("/", h.Update)
		r.Get("/participants", h.Participants)
		r.Get("/transactions", h.Transactions)
		r.Post("/transactions/export", h.Export)
	})

	return r
}
