/**
 * @description
 * This file defines the PaymentTransaction model - one externally-submitted
 * charge attempt against the mobile-money gateway - plus the webhook payload
 * type the gateway pushes back at settlement time.
 *
 * @notes
 * - conversation_id and transaction_reference are immutable once created and
 *   are the only keys usable to match an inbound webhook to a transaction.
 * - The reference embeds a typed prefix and the owning entity id
 *   (SUB{subscriptionID}[M{methodID}]{suffix} or MAT{materialID}{suffix}),
 *   which lets a webhook recover the owning entity without a side channel.
 */

package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Transaction statuses. pending -> submitted -> completed is the happy path;
// any failure from either non-terminal state lands in failed. completed and
// failed are terminal.
const (
	TransactionPending   = "pending"
	TransactionSubmitted = "submitted"
	TransactionCompleted = "completed"
	TransactionFailed    = "failed"
)

// PaymentTransaction is the ledger record for one charge attempt.
// MaterialID is nil when the charge pays for a subscription; the
// subscription is then recoverable from the reference prefix.
type PaymentTransaction struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"user_id"`
	MaterialID      *int64          `json:"material_id,omitempty"`
	MSISDN          string          `json:"msisdn"`
	Amount          int64           `json:"amount"` // in senti
	Currency        string          `json:"currency"`
	ConversationID  string          `json:"conversation_id"`
	Reference       string          `json:"transaction_reference"`
	Status          string          `json:"status"`
	ResponsePayload json.RawMessage `json:"response_payload,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the transaction has reached a final state.
func (t *PaymentTransaction) IsTerminal() bool {
	return t.Status == TransactionCompleted || t.Status == TransactionFailed
}

// GatewayCallback is the settlement notification pushed by the gateway.
// Field names vary by gateway convention, so every field accepts the
// output_-prefixed and the bare alias.
type GatewayCallback struct {
	ConversationID string
	Reference      string
	ResponseCode   string
	ResponseDesc   string
	ExternalTxID   string
	Raw            json.RawMessage
}

// ParseGatewayCallback extracts the aliased settlement fields from a decoded
// JSON or form payload and retains the raw bytes for audit storage.
func ParseGatewayCallback(fields map[string]string, raw json.RawMessage) GatewayCallback {
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := fields[k]; ok && v != "" {
				return v
			}
		}
		return ""
	}
	return GatewayCallback{
		ConversationID: pick("output_ConversationID", "ConversationID"),
		Reference:      pick("output_TransactionReference", "TransactionReference"),
		ResponseCode:   pick("output_ResponseCode", "ResponseCode"),
		ResponseDesc:   pick("output_ResponseDesc", "ResponseDesc"),
		ExternalTxID:   pick("output_TransactionID", "TransactionID"),
		Raw:            raw,
	}
}

// IndicatesSuccess interprets the gateway's settlement outcome. The exact
// success codes are an external contract: INS-0 and 0 are the documented
// success codes, and some gateway deployments only signal success through
// the description text.
func (c GatewayCallback) IndicatesSuccess() bool {
	if c.ResponseCode == "INS-0" || c.ResponseCode == "0" {
		return true
	}
	return strings.Contains(strings.ToLower(c.ResponseDesc), "success")
}
