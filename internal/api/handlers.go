/**
 * @description
 * This file contains the HTTP handlers for the entitlement service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/store: For service logic and custom errors.
 * - pkg/mpesaclient, pkg/msisdn: For gateway and validation error mapping.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/somolearn/entitlement-service/internal/app"
	"github.com/somolearn/entitlement-service/internal/domain"
	"github.com/somolearn/entitlement-service/internal/store"
	"github.com/somolearn/entitlement-service/pkg/mpesaclient"
	"github.com/somolearn/entitlement-service/pkg/msisdn"
)

// EntitlementHandlers holds the application service that handlers will use.
type EntitlementHandlers struct {
	service *app.Service
}

// NewEntitlementHandlers creates a new instance of EntitlementHandlers.
func NewEntitlementHandlers(service *app.Service) *EntitlementHandlers {
	return &EntitlementHandlers{service: service}
}

// paymentRequest is the body accepted by all payment initiation endpoints.
// The phone number is optional; the number on the user's profile is the
// fallback.
type paymentRequest struct {
	PhoneNumber string `json:"phone_number"`
}

// paymentInitiationResponse is returned once a charge has been pushed to the
// customer's handset. Settlement arrives later through the webhook.
type paymentInitiationResponse struct {
	TransactionID  int64  `json:"transaction_id"`
	ConversationID string `json:"conversation_id"`
	Reference      string `json:"reference"`
	Status         string `json:"status"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	SubscriptionID *int64 `json:"subscription_id,omitempty"`
	Message        string `json:"message"`
}

const paymentSubmittedMessage = "Payment request sent. Confirm the prompt on your phone to complete the purchase."

// PaySubscriptionHandler handles POST /plans/{planID}/pay.
func (h *EntitlementHandlers) PaySubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	h.paySubscription(w, r, 0)
}

// PaySubscriptionWithMethodHandler handles POST /plans/{planID}/methods/{methodID}/pay.
func (h *EntitlementHandlers) PaySubscriptionWithMethodHandler(w http.ResponseWriter, r *http.Request) {
	methodID, err := pathID(r, "methodID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payment method id")
		return
	}
	h.paySubscription(w, r, methodID)
}

func (h *EntitlementHandlers) paySubscription(w http.ResponseWriter, r *http.Request, methodID int64) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	planID, err := pathID(r, "planID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid plan id")
		return
	}

	var req paymentRequest
	if r.Body != nil {
		// Empty bodies are allowed; the profile phone number is the fallback.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	tx, sub, err := h.service.InitiateSubscriptionPurchase(r.Context(), userID, planID, methodID, req.PhoneNumber, clientIP(r))
	if err != nil {
		h.writeInitiationError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, paymentInitiationResponse{
		TransactionID:  tx.ID,
		ConversationID: tx.ConversationID,
		Reference:      tx.Reference,
		Status:         tx.Status,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		SubscriptionID: &sub.ID,
		Message:        paymentSubmittedMessage,
	})
}

// PayMaterialHandler handles POST /materials/{materialID}/pay.
func (h *EntitlementHandlers) PayMaterialHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	materialID, err := pathID(r, "materialID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid material id")
		return
	}

	var req paymentRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	tx, err := h.service.InitiateMaterialPurchase(r.Context(), userID, materialID, req.PhoneNumber, clientIP(r))
	if err != nil {
		h.writeInitiationError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, paymentInitiationResponse{
		TransactionID:  tx.ID,
		ConversationID: tx.ConversationID,
		Reference:      tx.Reference,
		Status:         tx.Status,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		Message:        paymentSubmittedMessage,
	})
}

// PaymentCallbackHandler handles POST /payments/callback. The gateway is the
// caller, so no user auth applies. Unknown transactions return 404 so the
// gateway flags them; every other outcome returns 200 to stop retries once
// the callback has been consumed.
func (h *EntitlementHandlers) PaymentCallbackHandler(w http.ResponseWriter, r *http.Request) {
	fields, raw := decodeCallbackPayload(r)
	cb := domain.ParseGatewayCallback(fields, raw)

	var subscriptionIDHint int64
	if v := r.URL.Query().Get("subscription_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			subscriptionIDHint = id
		}
	}

	result, err := h.service.SettleFromCallback(r.Context(), cb, subscriptionIDHint)
	if err != nil {
		// The gateway retries on non-2xx. The callback is stored with the
		// transaction either way, so ack and rely on the reaper plus logs.
		log.Printf("level=error component=api endpoint=payment_callback msg=\"settlement failed\" conversation_id=%s err=%v", cb.ConversationID, err)
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}
	if !result.Found {
		h.writeError(w, http.StatusNotFound, "Transaction not found")
		return
	}

	status := "failed"
	if result.Success {
		status = "completed"
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// MaterialAccessHandler handles GET /materials/{materialID}/access. Read-only
// preview of what an unlock would grant.
func (h *EntitlementHandlers) MaterialAccessHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}
	materialID, err := pathID(r, "materialID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid material id")
		return
	}

	decision, err := h.service.CheckAccess(r.Context(), userID, materialID)
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, decision)
}

// UnlockMaterialHandler handles POST /materials/{materialID}/unlock. This is
// the authoritative, allowance-consuming grant.
func (h *EntitlementHandlers) UnlockMaterialHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}
	materialID, err := pathID(r, "materialID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid material id")
		return
	}

	decision, err := h.service.UnlockMaterial(r.Context(), userID, materialID)
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}
	if !decision.Granted {
		h.writeJSON(w, http.StatusForbidden, decision)
		return
	}
	h.writeJSON(w, http.StatusOK, decision)
}

// ResetMaterialViewsHandler handles DELETE /admin/users/{userID}/material-views.
func (h *EntitlementHandlers) ResetMaterialViewsHandler(w http.ResponseWriter, r *http.Request) {
	actorID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}
	targetID, err := pathID(r, "userID")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid user id")
		return
	}

	cleared, err := h.service.ResetMaterialViews(r.Context(), actorID, targetID)
	if err != nil {
		if errors.Is(err, app.ErrNotAuthorized) {
			h.writeError(w, http.StatusForbidden, "Administrator role required")
			return
		}
		h.writeLookupError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"cleared": cleared})
}

// writeInitiationError maps payment initiation failures onto HTTP statuses.
func (h *EntitlementHandlers) writeInitiationError(w http.ResponseWriter, r *http.Request, err error) {
	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many payment attempts. Please try again later.")
		return
	}

	switch {
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrPlanNotFound),
		errors.Is(err, store.ErrMaterialNotFound),
		errors.Is(err, store.ErrPaymentMethodNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, app.ErrUserInactive),
		errors.Is(err, app.ErrPlanUnavailable),
		errors.Is(err, app.ErrPaymentMethodUnavailable),
		errors.Is(err, app.ErrAlreadySubscribed),
		errors.Is(err, app.ErrPendingSubscriptionExists),
		errors.Is(err, app.ErrMaterialUnavailable),
		errors.Is(err, app.ErrMaterialIsFree),
		errors.Is(err, app.ErrAlreadyPurchased),
		errors.Is(err, app.ErrPhoneNumberMissing),
		errors.Is(err, msisdn.ErrRequired),
		errors.Is(err, msisdn.ErrLength):
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var cfgErr *mpesaclient.ConfigError
	var reqErr *mpesaclient.RequestError
	if errors.As(err, &cfgErr) || errors.As(err, &reqErr) {
		log.Printf("level=error component=api msg=\"payment gateway error\" path=%s err=%v", r.URL.Path, err)
		h.writeError(w, http.StatusInternalServerError, "Payment could not be processed. Please try again.")
		return
	}

	log.Printf("level=error component=api msg=\"payment initiation failed\" path=%s err=%v", r.URL.Path, err)
	h.writeError(w, http.StatusInternalServerError, "Internal server error")
}

// writeLookupError maps entitlement lookup failures onto HTTP statuses.
func (h *EntitlementHandlers) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrMaterialNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Printf("level=error component=api msg=\"request failed\" path=%s err=%v", r.URL.Path, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decodeCallbackPayload flattens the callback body into string fields. The
// gateway posts JSON; some deployments post form-encoded bodies instead.
func decodeCallbackPayload(r *http.Request) (map[string]string, json.RawMessage) {
	fields := make(map[string]string)

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fields, nil
	}

	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/x-www-form-urlencoded") {
		if values, err := url.ParseQuery(string(body)); err == nil {
			for k := range values {
				fields[k] = values.Get(k)
			}
		}
		encoded, _ := json.Marshal(fields)
		return fields, encoded
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fields, json.RawMessage(body)
	}
	for k, v := range decoded {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case float64:
			fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			fields[k] = strconv.FormatBool(val)
		}
	}
	return fields, json.RawMessage(body)
}

// clientIP extracts the originating address, honoring the proxy header the
// deployment platform sets.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

// writeJSON is a helper to write a JSON response with a status code.
func (h *EntitlementHandlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func (h *EntitlementHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// pathID parses a numeric chi URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return id, nil
}
