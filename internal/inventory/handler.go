package inventory

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/bakehouse/books/internal/costing"
	"github.com/bakehouse/books/internal/platform/httpx"
	"github.com/bakehouse/books/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// ErrorRules maps inventory errors to HTTP statuses.
var ErrorRules = []httpx.ErrorRule{
	{Target: ErrInsufficientStock, Status: http.StatusUnprocessableEntity, Title: "Insufficient Stock"},
	{Target: ErrInvalidQuantity, Status: http.StatusBadRequest, Title: "Invalid Quantity"},
	{Target: ErrInvalidReference, Status: http.StatusBadRequest, Title: "Invalid Reference"},
	{Target: ErrInvalidItem, Status: http.StatusBadRequest, Title: "Invalid Item"},
	{Target: ErrItemNotFound, Status: http.StatusNotFound, Title: "Item Not Found"},
	{Target: ErrMovementNotFound, Status: http.StatusNotFound, Title: "Movement Not Found"},
	{Target: ErrDuplicateMovement, Status: http.StatusConflict, Title: "Duplicate Movement"},
}

// MountRoutes registers inventory routes under /api/inventory.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/items", h.handleListItems)
	r.Post("/items", h.handleCreateItem)
	r.Route("/items/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetItem)
		r.Post("/purchases", h.handlePurchase)
		r.Post("/wastage", h.handleWastage)
		r.Post("/wastage/{wastageID}/reverse", h.handleReverseWastage)
		r.Post("/adjustments", h.handleAdjustment)
		r.Get("/movements", h.handleMovements)
	})
}

type createItemRequest struct {
	Code                string          `json:"code" validate:"required,max=32"`
	Name                string          `json:"name" validate:"required,max=128"`
	Kind                ItemKind        `json:"kind" validate:"required,oneof=INGREDIENT PACKAGING"`
	StockUnit           string          `json:"stock_unit" validate:"required"`
	PurchaseUnit        string          `json:"purchase_unit"`
	ConversionFactor    decimal.Decimal `json:"conversion_factor"`
	OpeningStock        decimal.Decimal `json:"opening_stock"`
	CostPerPurchaseUnit decimal.Decimal `json:"cost_per_purchase_unit"`
	ReorderLevel        decimal.Decimal `json:"reorder_level"`
}

type purchaseRequest struct {
	ReceiptID int64           `json:"receipt_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Note      string          `json:"note" validate:"max=255"`
}

type wastageRequest struct {
	WastageID int64           `json:"wastage_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
	Reason    string          `json:"reason" validate:"required,max=255"`
}

type reverseRequest struct {
	Note string `json:"note" validate:"max=255"`
}

type adjustmentRequest struct {
	AdjustmentID int64           `json:"adjustment_id" validate:"required,gt=0"`
	Delta        decimal.Decimal `json:"delta"`
	Note         string          `json:"note" validate:"required,max=255"`
}

func (h *Handler) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListItems(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		h.fail(w, "list items", err)
		return
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	actorID, err := httpx.ActorID(r)
	if err != nil {
		h.fail(w, "create item", err)
		return
	}
	var req createItemRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, "create item", err)
		return
	}
	item, err := h.service.CreateItem(r.Context(), Item{
		Code:                req.Code,
		Name:                req.Name,
		Kind:                req.Kind,
		StockUnit:           costing.Unit(req.StockUnit),
		PurchaseUnit:        req.PurchaseUnit,
		ConversionFactor:    req.ConversionFactor,
		CurrentStock:        req.OpeningStock,
		CostPerPurchaseUnit: req.CostPerPurchaseUnit,
		ReorderLevel:        req.ReorderLevel,
	}, actorID)
	if err != nil {
		h.fail(w, "create item", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, item)
}

func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamInt64(chi.URLParam(r, "id"), "item id")
	if err != nil {
		h.fail(w, "get item", err)
		return
	}
	item, err := h.service.GetItem(r.Context(), id)
	if err != nil {
		h.fail(w, "get item", err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) handlePurchase(w http.ResponseWriter, r *http.Request) {
	id, actorID, ok := h.itemAndActor(w, r, "receive purchase")
	if !ok {
		return
	}
	var req purchaseRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, "receive purchase", err)
		return
	}
	m, err := h.service.ReceivePurchase(r.Context(), PurchaseInput{
		ItemID:    id,
		ReceiptID: req.ReceiptID,
		Quantity:  req.Quantity,
		UnitCost:  req.UnitCost,
		Note:      req.Note,
		ActorID:   actorID,
	})
	if err != nil {
		h.fail(w, "receive purchase", err)
		return
	}
	httpx.JSON(w, movementStatus(m), m)
}

func (h *Handler) handleWastage(w http.ResponseWriter, r *http.Request) {
	id, actorID, ok := h.itemAndActor(w, r, "record wastage")
	if !ok {
		return
	}
	var req wastageRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, "record wastage", err)
		return
	}
	res, err := h.service.RecordWastage(r.Context(), WastageInput{
		ItemID:    id,
		WastageID: req.WastageID,
		Quantity:  req.Quantity,
		Reason:    req.Reason,
		ActorID:   actorID,
	})
	if err != nil {
		h.fail(w, "record wastage", err)
		return
	}
	httpx.JSON(w, movementStatus(res.Movement), res)
}

func (h *Handler) handleReverseWastage(w http.ResponseWriter, r *http.Request) {
	id, actorID, ok := h.itemAndActor(w, r, "reverse wastage")
	if !ok {
		return
	}
	wastageID, err := httpx.ParamInt64(chi.URLParam(r, "wastageID"), "wastage id")
	if err != nil {
		h.fail(w, "reverse wastage", err)
		return
	}
	var req reverseRequest
	if r.ContentLength > 0 {
		if err := decodeAndValidate(r, &req); err != nil {
			h.fail(w, "reverse wastage", err)
			return
		}
	}
	m, err := h.service.ReverseWastage(r.Context(), wastageID, id, actorID, req.Note)
	if err != nil {
		h.fail(w, "reverse wastage", err)
		return
	}
	httpx.JSON(w, movementStatus(m), m)
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	id, actorID, ok := h.itemAndActor(w, r, "adjust stock")
	if !ok {
		return
	}
	var req adjustmentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, "adjust stock", err)
		return
	}
	m, err := h.service.Adjust(r.Context(), AdjustmentInput{
		ItemID:       id,
		AdjustmentID: req.AdjustmentID,
		Delta:        req.Delta,
		Note:         req.Note,
		ActorID:      actorID,
	})
	if err != nil {
		h.fail(w, "adjust stock", err)
		return
	}
	httpx.JSON(w, movementStatus(m), m)
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamInt64(chi.URLParam(r, "id"), "item id")
	if err != nil {
		h.fail(w, "list movements", err)
		return
	}
	filter := MovementFilter{ItemID: id, Kind: RefKind(r.URL.Query().Get("kind"))}
	q := r.URL.Query()
	if from := q.Get("from"); from != "" {
		if filter.From, err = shared.ParseDay(from); err != nil {
			h.fail(w, "list movements", fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return
		}
	}
	if to := q.Get("to"); to != "" {
		day, err := shared.ParseDay(to)
		if err != nil {
			h.fail(w, "list movements", fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return
		}
		filter.To = day.Add(24 * time.Hour)
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := httpx.ParamInt64(limit, "limit")
		if err != nil {
			h.fail(w, "list movements", err)
			return
		}
		filter.Limit = int(n)
	}
	movements, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.fail(w, "list movements", err)
		return
	}
	httpx.JSON(w, http.StatusOK, movements)
}

func (h *Handler) itemAndActor(w http.ResponseWriter, r *http.Request, op string) (int64, int64, bool) {
	actorID, err := httpx.ActorID(r)
	if err != nil {
		h.fail(w, op, err)
		return 0, 0, false
	}
	id, err := httpx.ParamInt64(chi.URLParam(r, "id"), "item id")
	if err != nil {
		h.fail(w, op, err)
		return 0, 0, false
	}
	return id, actorID, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn("inventory request failed", slog.String("op", op), slog.Any("error", err))
	httpx.RespondError(w, err, ErrorRules...)
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		return err
	}
	return httpx.Validate(dst)
}

// movementStatus answers 200 for an idempotent replay and 201 otherwise.
func movementStatus(m Movement) int {
	if m.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}
