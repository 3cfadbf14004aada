package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/voucherlab/seckill/internal/core/domain"
	"github.com/voucherlab/seckill/internal/core/service"
)

type HTTPHandler struct {
	orderService *service.OrderService
	shopService  *service.ShopService
}

type SeckillRequest struct {
	UserID    uint64 `json:"user_id"`
	VoucherID uint64 `json:"voucher_id"`
}

type SeckillResponse struct {
	Success bool   `json:"success"`
	OrderID uint64 `json:"order_id,omitempty"`
	Message string `json:"message"`
}

func NewHTTPHandler(orderService *service.OrderService, shopService *service.ShopService) *HTTPHandler {
	return &HTTPHandler{orderService: orderService, shopService: shopService}
}

func (h *HTTPHandler) SeckillVoucher(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SeckillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, SeckillResponse{
			Success: false,
			Message: "invalid request body",
		})
		return
	}

	if req.UserID == 0 || req.VoucherID == 0 {
		writeJSON(w, http.StatusBadRequest, SeckillResponse{
			Success: false,
			Message: "missing required fields",
		})
		return
	}

	orderID, err := h.orderService.SubmitPurchase(r.Context(), req.UserID, req.VoucherID)
	if err != nil {
		status := http.StatusInternalServerError
		message := "internal error"

		switch {
		case errors.Is(err, service.ErrOutOfStock):
			status = http.StatusGone
			message = "sold out"
		case errors.Is(err, service.ErrDuplicateOrder):
			status = http.StatusConflict
			message = "already ordered"
		case errors.Is(err, service.ErrSaleNotStarted):
			status = http.StatusForbidden
			message = "sale not started"
		case errors.Is(err, service.ErrSaleEnded):
			status = http.StatusForbidden
			message = "sale ended"
		case errors.Is(err, service.ErrVoucherNotFound):
			status = http.StatusNotFound
			message = "voucher not found"
		}

		writeJSON(w, status, SeckillResponse{
			Success: false,
			Message: message,
		})
		return
	}

	writeJSON(w, http.StatusOK, SeckillResponse{
		Success: true,
		OrderID: orderID,
		Message: "order accepted",
	})
}

// Shop routes /api/shop: GET reads (optionally via the stale-tolerant hot
// path), PUT updates the row and invalidates the cached entry.
func (h *HTTPHandler) Shop(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getShop(w, r)
	case http.MethodPut:
		h.updateShop(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) getShop(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid shop id"})
		return
	}

	var shop *domain.Shop
	if r.URL.Query().Get("stale") == "1" {
		shop, err = h.shopService.GetByIDStale(r.Context(), id)
	} else {
		shop, err = h.shopService.GetByID(r.Context(), id)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
		return
	}
	if shop == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "shop not found"})
		return
	}

	writeJSON(w, http.StatusOK, shop)
}

type ShopUpdateRequest struct {
	ID       uint64 `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	AvgPrice int    `json:"avg_price"`
}

func (h *HTTPHandler) updateShop(w http.ResponseWriter, r *http.Request) {
	var req ShopUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}
	if req.ID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid shop id"})
		return
	}

	err := h.shopService.Update(r.Context(), domain.Shop{
		ID:       req.ID,
		Name:     req.Name,
		Address:  req.Address,
		AvgPrice: req.AvgPrice,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "shop updated"})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
