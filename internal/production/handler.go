package production

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/bakehouse/books/internal/catalog"
	"github.com/bakehouse/books/internal/costing"
	"github.com/bakehouse/books/internal/inventory"
	"github.com/bakehouse/books/internal/platform/cache"
	"github.com/bakehouse/books/internal/platform/httpx"
	"github.com/bakehouse/books/internal/shared"
)

// ErrorRules maps production errors to HTTP statuses.
var ErrorRules = []httpx.ErrorRule{
	{Target: ErrInvalidBatch, Status: http.StatusBadRequest, Title: "Invalid Batch"},
	{Target: ErrInvalidInput, Status: http.StatusBadRequest, Title: "Invalid Input"},
	{Target: ErrDayClosed, Status: http.StatusConflict, Title: "Day Closed"},
	{Target: ErrBatchLocked, Status: http.StatusConflict, Title: "Batch Locked"},
	{Target: ErrDayNotClosed, Status: http.StatusConflict, Title: "Day Not Closed"},
	{Target: shared.ErrInvalidDayTransition, Status: http.StatusConflict, Title: "Invalid Day Transition"},
	{Target: cache.ErrLockNotObtained, Status: http.StatusConflict, Title: "Day Busy"},
	{Target: ErrDayNotFound, Status: http.StatusNotFound, Title: "Day Not Found"},
	{Target: ErrBatchNotFound, Status: http.StatusNotFound, Title: "Batch Not Found"},
	{Target: shared.ErrActorRequired, Status: http.StatusUnauthorized, Title: "Actor Required"},
	{Target: costing.ErrAllocationInconsistency, Status: http.StatusInternalServerError, Title: "Allocation Inconsistency"},
}

// Handler wires HTTP endpoints for the production book.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rules   []httpx.ErrorRule
}

// NewHandler constructs production handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	rules := make([]httpx.ErrorRule, 0, len(ErrorRules)+len(catalog.ErrorRules)+len(inventory.ErrorRules))
	rules = append(rules, ErrorRules...)
	rules = append(rules, catalog.ErrorRules...)
	rules = append(rules, inventory.ErrorRules...)
	return &Handler{logger: logger, service: service, rules: rules}
}

// MountRoutes registers routes under /api/production.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/days/{date}", func(r chi.Router) {
		r.Get("/", h.handleGetDay)
		r.Post("/batches", h.handleRecordBatch)
		r.Patch("/batches/{id}", h.handleUpdateBatch)
		r.Put("/overheads/{type}", h.handleOverhead)
		r.Put("/sales/{product}", h.handleSales)
		r.Put("/counts/{product}", h.handleCount)
		r.Put("/opening/{product}", h.handleOpening)
		r.Post("/close", h.handleClose)
		r.Post("/reopen", h.handleReopen)
	})
}

type batchRequest struct {
	RecipeID     int64  `json:"recipe_id" validate:"required,gt=0"`
	SequenceNo   int    `json:"sequence_no" validate:"required,gt=0"`
	ActualOutput int64  `json:"actual_output" validate:"required,gt=0"`
	RejectCount  int64  `json:"reject_count" validate:"gte=0"`
	Notes        string `json:"notes" validate:"max=500"`
}

type batchPatchRequest struct {
	ActualOutput *int64  `json:"actual_output" validate:"omitempty,gt=0"`
	RejectCount  *int64  `json:"reject_count" validate:"omitempty,gte=0"`
	Notes        *string `json:"notes" validate:"omitempty,max=500"`
}

type overheadRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" validate:"max=255"`
	ReceiptNo   string          `json:"receipt_no" validate:"max=64"`
	Vendor      string          `json:"vendor" validate:"max=128"`
}

type salesRequest struct {
	Dispatched int64 `json:"dispatched" validate:"gte=0"`
	Returned   int64 `json:"returned" validate:"gte=0"`
}

type quantityRequest struct {
	Quantity int64 `json:"quantity" validate:"gte=0"`
}

type closeRequest struct {
	Force bool `json:"force"`
}

type reopenRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) handleGetDay(w http.ResponseWriter, r *http.Request) {
	date, err := dateParam(r)
	if err != nil {
		h.fail(w, "get day", err)
		return
	}
	sum, err := h.service.GetDay(r.Context(), date)
	if err != nil {
		h.fail(w, "get day", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sum)
}

func (h *Handler) handleRecordBatch(w http.ResponseWriter, r *http.Request) {
	date, actorID, ok := h.dateAndActor(w, r, "record batch")
	if !ok {
		return
	}
	var req batchRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, "record batch", err)
		return
	}
	b, err := h.service.RecordBatch(r.Context(), RecordBatchInput{
		Date:         date,
		RecipeID:     req.RecipeID,
		SequenceNo:   req.SequenceNo,
		ActualOutput: req.ActualOutput,
		RejectCount:  req.RejectCount,
		Notes:        req.Notes,
		ActorID:      actorID,
	})
	if err != nil {
		h.fail(w, "record batch", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, b)
}

func (h *Handler) handleUpdateBatch(w http.ResponseWriter, r *http.Request) {
	_, actorID, ok := h.dateAndActor(w, r, "update batch")
	if !ok {
		return
	}
	id, err := httpx.ParamInt64(chi.URLParam(r, "id"), "batch id")
	if err != nil {
		h.fail(w, "update batch", err)
		return
	}
	var req batchPatchRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, "update batch", err)
		return
	}
	b, err := h.service.UpdateBatch(r.Context(), UpdateBatchInput{
		BatchID:      id,
		ActualOutput: req.ActualOutput,
		RejectCount:  req.RejectCount,
		Notes:        req.Notes,
		ActorID:      actorID,
	})
	if err != nil {
		h.fail(w, "update batch", err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) handleOverhead(w http.ResponseWriter, r *http.Request) {
	date, actorID, ok := h.dateAndActor(w, r, "set overhead")
	if !ok {
		return
	}
	var req overheadRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, "set overhead", err)
		return
	}
	sum, err := h.service.SetOverheadLine(r.Context(), OverheadInput{
		Date:        date,
		Type:        OverheadType(strings.ToUpper(chi.URLParam(r, "type"))),
		Amount:      req.Amount,
		Description: req.Description,
		ReceiptNo:   req.ReceiptNo,
		Vendor:      req.Vendor,
		ActorID:     actorID,
	})
	if err != nil {
		h.fail(w, "set overhead", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sum)
}

func (h *Handler) handleSales(w http.ResponseWriter, r *http.Request) {
	date, actorID, ok := h.dateAndActor(w, r, "record sales")
	if !ok {
		return
	}
	productID, err := httpx.ParamInt64(chi.URLParam(r, "product"), "product id")
	if err != nil {
		h.fail(w, "record sales", err)
		return
	}
	var req salesRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, "record sales", err)
		return
	}
	sum, err := h.service.RecordSales(r.Context(), SalesInput{
		Date:       date,
		ProductID:  productID,
		Dispatched: req.Dispatched,
		Returned:   req.Returned,
		ActorID:    actorID,
	})
	if err != nil {
		h.fail(w, "record sales", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sum)
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	h.handleQuantity(w, r, "record count", h.service.RecordPhysicalCount)
}

func (h *Handler) handleOpening(w http.ResponseWriter, r *http.Request) {
	h.handleQuantity(w, r, "set opening", h.service.SetOpeningSeed)
}

func (h *Handler) handleQuantity(w http.ResponseWriter, r *http.Request, op string, apply func(ctx context.Context, in StockCountInput) (DaySummary, error)) {
	date, actorID, ok := h.dateAndActor(w, r, op)
	if !ok {
		return
	}
	productID, err := httpx.ParamInt64(chi.URLParam(r, "product"), "product id")
	if err != nil {
		h.fail(w, op, err)
		return
	}
	var req quantityRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, op, err)
		return
	}
	sum, err := apply(r.Context(), StockCountInput{Date: date, ProductID: productID, Quantity: req.Quantity, ActorID: actorID})
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sum)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	date, actorID, ok := h.dateAndActor(w, r, "close day")
	if !ok {
		return
	}
	var req closeRequest
	if r.ContentLength > 0 {
		if err := decodeAndValidate(r, &req); err != nil {
			h.fail(w, "close day", err)
			return
		}
	}
	res, err := h.service.CloseDay(r.Context(), CloseInput{Date: date, ActorID: actorID, Force: req.Force})
	if err != nil {
		h.fail(w, "close day", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleReopen(w http.ResponseWriter, r *http.Request) {
	date, actorID, ok := h.dateAndActor(w, r, "reopen day")
	if !ok {
		return
	}
	var req reopenRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, "reopen day", err)
		return
	}
	sum, err := h.service.ReopenDay(r.Context(), ReopenInput{Date: date, ActorID: actorID, Reason: req.Reason})
	if err != nil {
		h.fail(w, "reopen day", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sum)
}

func dateParam(r *http.Request) (time.Time, error) {
	date, err := shared.ParseDay(chi.URLParam(r, "date"))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return date, nil
}

func (h *Handler) dateAndActor(w http.ResponseWriter, r *http.Request, op string) (time.Time, int64, bool) {
	actorID, err := httpx.ActorID(r)
	if err != nil {
		h.fail(w, op, err)
		return time.Time{}, 0, false
	}
	date, err := dateParam(r)
	if err != nil {
		h.fail(w, op, err)
		return time.Time{}, 0, false
	}
	return date, actorID, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn("production request failed", slog.String("op", op), slog.Any("error", err))
	httpx.RespondError(w, err, h.rules...)
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		return err
	}
	return httpx.Validate(dst)
}
