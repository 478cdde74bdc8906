package catalog

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/bakehouse/books/internal/costing"
	"github.com/bakehouse/books/internal/platform/httpx"
)

// Handler exposes product and recipe endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// ErrorRules maps catalog errors to HTTP statuses.
var ErrorRules = []httpx.ErrorRule{
	{Target: ErrProductNotFound, Status: http.StatusNotFound, Title: "Product Not Found"},
	{Target: ErrRecipeNotFound, Status: http.StatusNotFound, Title: "Recipe Not Found"},
	{Target: ErrInvalidProduct, Status: http.StatusBadRequest, Title: "Invalid Product"},
	{Target: ErrInvalidRecipe, Status: http.StatusBadRequest, Title: "Invalid Recipe"},
	{Target: costing.ErrUnresolvedIngredient, Status: http.StatusUnprocessableEntity, Title: "Unresolved Ingredient"},
}

// MountRoutes registers routes under /api/catalog.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/products", h.handleListProducts)
	r.Post("/products", h.handleCreateProduct)
	r.Get("/products/{id}/recipes", h.handleListRecipes)
	r.Post("/recipes", h.handleCreateRecipe)
	r.Get("/recipes/{id}", h.handleGetRecipe)
	r.Get("/recipes/{id}/cost", h.handleRecipeCost)
}

type productRequest struct {
	Code              string          `json:"code" validate:"required,max=32"`
	Name              string          `json:"name" validate:"required,max=128"`
	SellingPrice      decimal.Decimal `json:"selling_price"`
	HasRejects        bool            `json:"has_rejects"`
	RejectPrice       decimal.Decimal `json:"reject_price"`
	BaselineOutput    int64           `json:"baseline_output" validate:"gte=0"`
	MinExpectedOutput int64           `json:"min_expected_output" validate:"gte=0"`
	MaxExpectedOutput int64           `json:"max_expected_output" validate:"gte=0"`
	PackagingItemID   int64           `json:"packaging_item_id" validate:"gte=0"`
}

type recipeLineRequest struct {
	Ingredient string          `json:"ingredient" validate:"required"`
	ItemID     int64           `json:"item_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Unit       string          `json:"unit" validate:"required"`
}

type recipeRequest struct {
	ProductID      int64               `json:"product_id" validate:"required,gt=0"`
	Name           string              `json:"name" validate:"required,max=128"`
	ExpectedOutput int64               `json:"expected_output" validate:"required,gt=0"`
	Lines          []recipeLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context())
	if err != nil {
		h.fail(w, "list products", err)
		return
	}
	httpx.JSON(w, http.StatusOK, products)
}

func (h *Handler) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	actorID, err := httpx.ActorID(r)
	if err != nil {
		h.fail(w, "create product", err)
		return
	}
	var req productRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, "create product", err)
		return
	}
	p, err := h.service.CreateProduct(r.Context(), ProductInput{
		Code:              req.Code,
		Name:              req.Name,
		SellingPrice:      req.SellingPrice,
		HasRejects:        req.HasRejects,
		RejectPrice:       req.RejectPrice,
		BaselineOutput:    req.BaselineOutput,
		MinExpectedOutput: req.MinExpectedOutput,
		MaxExpectedOutput: req.MaxExpectedOutput,
		PackagingItemID:   req.PackagingItemID,
		ActorID:           actorID,
	})
	if err != nil {
		h.fail(w, "create product", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamInt64(chi.URLParam(r, "id"), "product id")
	if err != nil {
		h.fail(w, "list recipes", err)
		return
	}
	recipes, err := h.service.ListRecipes(r.Context(), id)
	if err != nil {
		h.fail(w, "list recipes", err)
		return
	}
	httpx.JSON(w, http.StatusOK, recipes)
}

func (h *Handler) handleCreateRecipe(w http.ResponseWriter, r *http.Request) {
	actorID, err := httpx.ActorID(r)
	if err != nil {
		h.fail(w, "create recipe", err)
		return
	}
	var req recipeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		h.fail(w, "create recipe", err)
		return
	}
	lines := make([]RecipeLineInput, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, RecipeLineInput{Ingredient: l.Ingredient, ItemID: l.ItemID, Quantity: l.Quantity, Unit: l.Unit})
	}
	rec, err := h.service.CreateRecipe(r.Context(), RecipeInput{
		ProductID:      req.ProductID,
		Name:           req.Name,
		ExpectedOutput: req.ExpectedOutput,
		Lines:          lines,
		ActorID:        actorID,
	})
	if err != nil {
		h.fail(w, "create recipe", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleGetRecipe(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamInt64(chi.URLParam(r, "id"), "recipe id")
	if err != nil {
		h.fail(w, "get recipe", err)
		return
	}
	rec, err := h.service.GetRecipe(r.Context(), id)
	if err != nil {
		h.fail(w, "get recipe", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleRecipeCost(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.ParamInt64(chi.URLParam(r, "id"), "recipe id")
	if err != nil {
		h.fail(w, "recipe cost", err)
		return
	}
	c, err := h.service.RecipeCost(r.Context(), id)
	if err != nil {
		h.fail(w, "recipe cost", err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn("catalog request failed", slog.String("op", op), slog.Any("error", err))
	httpx.RespondError(w, err, ErrorRules...)
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		return err
	}
	return httpx.Validate(dst)
}
