package handlers

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/crosspay/backend/internal/models"
	"github.com/crosspay/backend/internal/services"
	"github.com/go-chi/chi/v5"
)

const maxRequestBody = 1 << 20 // 1 MB

// PaymentHandler exposes the payment pipeline over HTTP.
type PaymentHandler struct {
	orchestrator *services.Orchestrator
	store        services.TransactionStore
	monitor      *services.RailHealthMonitor
	validation   *services.ValidationHelper
}

func NewPaymentHandler(orchestrator *services.Orchestrator, store services.TransactionStore, monitor *services.RailHealthMonitor) *PaymentHandler {
	return &PaymentHandler{
		orchestrator: orchestrator,
		store:        store,
		monitor:      monitor,
		validation:   services.NewValidationHelper(),
	}
}

// SubmitPayment runs a payment request through the pipeline synchronously
// and returns the resulting transaction.
func (h *PaymentHandler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req models.PaymentRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		services.SendReasonResponse(w, err.Error(), services.ReasonValidation, http.StatusBadRequest, nil)
		return
	}

	if err := h.validation.ValidateStruct(&req); err != nil {
		services.SendReasonResponse(w, "Invalid request", services.ReasonValidation, http.StatusBadRequest, err)
		return
	}

	dctx := deviceContextFrom(r)

	tx, err := h.orchestrator.Submit(r.Context(), userID, &req, dctx)
	if err != nil {
		h.writePipelineError(w, tx, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(tx)
}

// writePipelineError maps a pipeline outcome to an HTTP status. Rejected
// transactions that reached persistence are echoed back so the caller can
// track them.
func (h *PaymentHandler) writePipelineError(w http.ResponseWriter, tx *models.Transaction, err error) {
	code := services.CodeOf(err)
	status := http.StatusInternalServerError
	message := "Payment processing failed"

	switch code {
	case services.ReasonValidation:
		status = http.StatusBadRequest
		var pe *services.PipelineError
		if errors.As(err, &pe) {
			message = pe.Message
		}
	case services.ReasonSecurityBlocked, services.ReasonComplianceBlocked:
		status = http.StatusForbidden
		message = "Payment rejected by policy"
	case services.ReasonNoRoute:
		status = http.StatusUnprocessableEntity
		message = "No route available for this payment"
	case services.ReasonRailFailure:
		status = http.StatusBadGateway
		message = "Payment execution failed"
	case services.ReasonIntegrityViolation:
		message = "Payment processing failed"
	default:
		log.Printf("[PAYMENT_HANDLER] Unexpected pipeline error: %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]any{
		"error": message,
	}
	if code != "" {
		resp["code"] = string(code)
	}
	if tx != nil && tx.ID != "" {
		resp["transaction"] = tx
	}
	json.NewEncoder(w).Encode(resp)
}

// GetPayment returns a transaction by id. Callers can only read their own
// transactions.
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("userID").(string)
	txID := chi.URLParam(r, "transactionID")

	tx, err := h.store.GetByID(r.Context(), txID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			services.SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[PAYMENT_HANDLER] Failed to load transaction %s: %v", txID, err)
		services.SendErrorResponse(w, "Failed to load transaction", http.StatusInternalServerError, nil)
		return
	}
	if tx.UserID != userID {
		services.SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

// ListPayments returns the caller's most recent transactions.
func (h *PaymentHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value("userID").(string)

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			services.SendErrorResponse(w, "Invalid limit", http.StatusBadRequest, nil)
			return
		}
		limit = parsed
	}

	transactions, err := h.store.ListByUser(r.Context(), userID, limit)
	if err != nil {
		log.Printf("[PAYMENT_HANDLER] Failed to list transactions for %s: %v", userID, err)
		services.SendErrorResponse(w, "Failed to list transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// RailStatus reports the latest health probe result per rail.
func (h *PaymentHandler) RailStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"rails": h.monitor.Snapshot(),
	})
}

// RailCallback accepts an asynchronous execution result from a rail
// provider. The provider echoes the payload signature it received with the
// execution request; callbacks that fail verification, or that target a
// transaction never handed to a rail, are rejected. Duplicate callbacks
// are acknowledged without effect.
func (h *PaymentHandler) RailCallback(w http.ResponseWriter, r *http.Request) {
	var callback struct {
		TransactionID string `json:"transactionId"`
		Signature     string `json:"signature"`
		Success       bool   `json:"success"`
		Reason        string `json:"reason"`
	}
	if err := decodeJSONBody(w, r, &callback); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if callback.TransactionID == "" || callback.Signature == "" {
		services.SendErrorResponse(w, "transactionId and signature are required", http.StatusBadRequest, nil)
		return
	}

	err := h.orchestrator.HandleRailCallback(r.Context(), callback.TransactionID, callback.Signature, callback.Success, callback.Reason)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			services.SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		case errors.Is(err, services.ErrCallbackNotEligible):
			services.SendErrorResponse(w, "Transaction is not awaiting a rail result", http.StatusConflict, nil)
		case errors.Is(err, services.ErrCallbackUnverified):
			services.SendErrorResponse(w, "Callback verification failed", http.StatusForbidden, nil)
		default:
			log.Printf("[PAYMENT_HANDLER] Callback for %s failed: %v", callback.TransactionID, err)
			services.SendErrorResponse(w, "Failed to apply callback", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// decodeJSONBody strictly decodes a single JSON object from the request
// body: unknown fields and trailing content are rejected.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return errors.New("Invalid request body")
	}
	if decoder.More() {
		return errors.New("Request body must contain a single JSON object")
	}
	if _, err := decoder.Token(); err != io.EOF {
		return errors.New("Request body must contain a single JSON object")
	}
	return nil
}

// deviceContextFrom derives the per-request device context. Clients may
// send an explicit fingerprint header; otherwise one is derived from the
// user agent and remote address.
func deviceContextFrom(r *http.Request) *models.DeviceContext {
	fingerprint := r.Header.Get("X-Device-Fingerprint")
	if fingerprint == "" {
		sum := sha256.Sum256([]byte(r.UserAgent() + "|" + r.RemoteAddr))
		fingerprint = hex.EncodeToString(sum[:])
	}
	return &models.DeviceContext{
		Fingerprint: fingerprint,
		IPAddress:   r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	}
}
