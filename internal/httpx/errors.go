package httpx

import (
	"errors"
	"net/http"

	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
)

// ErrorResp is the failure body: success flag, a short message, and the
// underlying error text for diagnostics.
type ErrorResp struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code"`
	ProductID int64  `json:"productId,omitempty"`
}

// writeError maps domain errors to a status code. Stock shortfall stays a 500,
// matching what existing clients already handle.
func writeError(w http.ResponseWriter, err error, failMsg string) {
	resp := ErrorResp{Error: err.Error()}
	code := http.StatusInternalServerError

	var short *orders.InsufficientStockError
	switch {
	case errors.Is(err, orders.ErrValidation):
		code, resp.Code, resp.Message = http.StatusBadRequest, "validation_error", "Invalid payload"
	case errors.Is(err, orders.ErrInvalidStatus):
		code, resp.Code, resp.Message = http.StatusBadRequest, "invalid_status", "Invalid status"
	case errors.Is(err, orders.ErrNotFound):
		code, resp.Code, resp.Message = http.StatusNotFound, "not_found", "Not found"
	case errors.Is(err, orders.ErrInvalidTransition):
		code, resp.Code, resp.Message = http.StatusConflict, "invalid_transition", "Status change not allowed"
	case errors.As(err, &short):
		resp.Code, resp.Message, resp.ProductID = "insufficient_stock", failMsg, short.ProductID
	default:
		resp.Code, resp.Message = "persistence_failure", failMsg
	}
	writeJSON(w, code, resp)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResp{Message: msg, Code: "bad_request"})
}

// writePlacementError reports every failed placement past validation as a 500,
// including a product that does not exist.
func writePlacementError(w http.ResponseWriter, err error) {
	if errors.Is(err, orders.ErrNotFound) {
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Message: "Order failed", Error: err.Error(), Code: "not_found"})
		return
	}
	writeError(w, err, "Order failed")
}
