/**
 * @description
 * This file generates and parses the identifiers that tie a gateway payment
 * back to its owning entity. The conversation id is an opaque per-attempt
 * correlation key; the transaction reference carries a typed prefix plus the
 * owning entity's id, so a webhook alone is enough to locate what was paid
 * for.
 */

package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Reference kinds recovered by ParseReference.
const (
	ReferenceKindSubscription = "subscription"
	ReferenceKindMaterial     = "material"
)

var (
	subscriptionRefPattern = regexp.MustCompile(`^SUB(\d+)(?:M(\d+))?[0-9A-F]{6}$`)
	materialRefPattern     = regexp.MustCompile(`^MAT(\d+)[0-9A-F]{6}$`)
)

// ParsedReference is the structured form of a transaction reference.
type ParsedReference struct {
	Kind            string
	SubscriptionID  int64
	MaterialID      int64
	PaymentMethodID int64 // zero when the reference carries no method segment
}

// NewConversationID returns a fresh 32-char correlation key for one gateway
// attempt.
func NewConversationID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

func randomSuffix() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// uuid-derived suffix rather than panicking in a payment path.
		u := uuid.New()
		copy(b[:], u[:3])
	}
	return strings.ToUpper(hex.EncodeToString(b[:]))
}

// MakeSubscriptionReference builds the reference for a subscription charge.
// paymentMethodID of zero omits the method segment.
func MakeSubscriptionReference(subscriptionID, paymentMethodID int64) string {
	if paymentMethodID > 0 {
		return fmt.Sprintf("SUB%dM%d%s", subscriptionID, paymentMethodID, randomSuffix())
	}
	return fmt.Sprintf("SUB%d%s", subscriptionID, randomSuffix())
}

// MakeMaterialReference builds the reference for a per-material charge.
func MakeMaterialReference(materialID int64) string {
	return fmt.Sprintf("MAT%d%s", materialID, randomSuffix())
}

// ParseReference recovers the owning entity from a reference string. An
// unrecognized shape returns false; settlement then falls back to the
// transaction's own columns.
func ParseReference(ref string) (ParsedReference, bool) {
	if m := subscriptionRefPattern.FindStringSubmatch(ref); m != nil {
		subID, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return ParsedReference{}, false
		}
		parsed := ParsedReference{Kind: ReferenceKindSubscription, SubscriptionID: subID}
		if m[2] != "" {
			methodID, err := strconv.ParseInt(m[2], 10, 64)
			if err != nil {
				return ParsedReference{}, false
			}
			parsed.PaymentMethodID = methodID
		}
		return parsed, true
	}
	if m := materialRefPattern.FindStringSubmatch(ref); m != nil {
		matID, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return ParsedReference{}, false
		}
		return ParsedReference{Kind: ReferenceKindMaterial, MaterialID: matID}, true
	}
	return ParsedReference{}, false
}
