package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
)

// ProductStore is the part of the inventory store the catalog API reads and seeds.
type ProductStore interface {
	Get(ctx context.Context, productID string) (entity.Product, error)
	ListIDsBySeller(ctx context.Context, sellerID string) ([]string, error)
	Upsert(ctx context.Context, product entity.Product) error
}

// CatalogHandler serves the product lookups the order service makes.
type CatalogHandler struct {
	products ProductStore
}

func NewCatalogHandler(products ProductStore) *CatalogHandler {
	return &CatalogHandler{products: products}
}

func (h *CatalogHandler) RegisterRoutes(r chi.Router) {
	r.Get("/products/{id}", h.handleGetProduct)
	r.Put("/products/{id}", h.handlePutProduct)
	r.Get("/sellers/{sellerId}/product-ids", h.handleSellerProductIDs)
}

func (h *CatalogHandler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.products.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type putProductRequest struct {
	SellerID string          `json:"sellerId"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

func (h *CatalogHandler) handlePutProduct(w http.ResponseWriter, r *http.Request) {
	var req putProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.SellerID == "" || req.Name == "" || req.Price.IsNegative() || req.Quantity < 0 {
		writeError(w, http.StatusBadRequest, "invalid_product", "sellerId and name are required, price and quantity must not be negative")
		return
	}

	p := entity.Product{
		ID:       chi.URLParam(r, "id"),
		SellerID: req.SellerID,
		Name:     req.Name,
		Price:    req.Price,
		Quantity: req.Quantity,
	}
	if err := h.products.Upsert(r.Context(), p); err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *CatalogHandler) handleSellerProductIDs(w http.ResponseWriter, r *http.Request) {
	ids, err := h.products.ListIDsBySeller(r.Context(), chi.URLParam(r, "sellerId"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}
