package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/entity"
	"github.com/egannguyen/go-kafka-ecommerce/fulfillment/internal/repository"
)

// Identity headers set by the gateway in front of the order API.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// OrderSaga is the orchestrator surface the order API drives.
type OrderSaga interface {
	StartOrderSaga(ctx context.Context, caller entity.Identity, req entity.OrderCreateRequest) (*entity.Order, error)
	CancelOrder(ctx context.Context, caller entity.Identity, orderID, reason string) (entity.StatusChange, error)
	UpdateOrderStatus(ctx context.Context, caller entity.Identity, orderID string, target entity.Status) (entity.StatusChange, error)
	GetOrder(ctx context.Context, caller entity.Identity, orderID string) (*entity.Order, error)
	ListOrders(ctx context.Context, caller entity.Identity, filter repository.OrderFilter) ([]*entity.Order, error)
}

// Handler handles HTTP requests for the order API.
type Handler struct {
	saga   OrderSaga
	tracer trace.Tracer
}

func NewHandler(saga OrderSaga) *Handler {
	return &Handler{
		saga:   saga,
		tracer: otel.Tracer("order-http"),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.handleCreateOrder)
		r.Get("/", h.handleListOrders)
		r.Get("/{id}", h.handleGetOrder)
		r.Patch("/{id}/status", h.handleUpdateStatus)
		r.Post("/{id}/cancel", h.handleCancelOrder)
	})
}

type orderResponse struct {
	ID                 string                 `json:"id"`
	BuyerID            string                 `json:"buyerId"`
	Contact            entity.Contact         `json:"contact"`
	Items              []entity.OrderItem     `json:"orderItems"`
	TotalPrice         decimal.Decimal        `json:"totalPrice"`
	Status             entity.Status          `json:"status"`
	StatusHistory      []entity.StatusHistory `json:"statusHistory"`
	CancellationReason string                 `json:"cancellationReason,omitempty"`
	CreatedAt          time.Time              `json:"createdAt"`
	UpdatedAt          time.Time              `json:"updatedAt"`
}

func toOrderResponse(o *entity.Order) orderResponse {
	s := o.Snapshot()
	return orderResponse{
		ID:                 s.ID,
		BuyerID:            s.BuyerID,
		Contact:            s.Contact,
		Items:              s.Items,
		TotalPrice:         s.TotalPrice,
		Status:             s.Status,
		StatusHistory:      s.StatusHistory,
		CancellationReason: s.CancellationReason,
		CreatedAt:          s.CreatedAt,
		UpdatedAt:          s.UpdatedAt,
	}
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	caller, err := identityFrom(r)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	var req entity.OrderCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	order, err := h.saga.StartOrderSaga(ctx, caller, req)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	caller, err := identityFrom(r)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}

	var filter repository.OrderFilter
	q := r.URL.Query()
	if raw := q.Get("status"); raw != "" {
		status, err := entity.ParseStatus(raw)
		if err != nil {
			writeServiceError(r.Context(), w, err)
			return
		}
		filter.Status = &status
	}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_offset", err.Error())
		return
	}

	orders, err := h.saga.ListOrders(r.Context(), caller, filter)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}

	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	caller, err := identityFrom(r)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}

	order, err := h.saga.GetOrder(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "UpdateOrderStatus")
	defer span.End()

	caller, err := identityFrom(r)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	target, err := entity.ParseStatus(req.Status)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	change, err := h.saga.UpdateOrderStatus(ctx, caller, chi.URLParam(r, "id"), target)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelOrder")
	defer span.End()

	caller, err := identityFrom(r)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	// The body is optional.
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	change, err := h.saga.CancelOrder(ctx, caller, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	slog.InfoContext(ctx, "Order cancelled via API", "order_id", change.OrderID, "old_status", change.OldStatus)
	writeJSON(w, http.StatusOK, change)
}

func identityFrom(r *http.Request) (entity.Identity, error) {
	role, err := entity.ParseRole(r.Header.Get(HeaderUserRole))
	if err != nil {
		return entity.Identity{}, err
	}
	id := entity.Identity{UserID: r.Header.Get(HeaderUserID), Role: role}
	return id, id.Validate()
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// EnableCORS is a middleware to allow the React frontend to connect.
func EnableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderUserID+", "+HeaderUserRole)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
