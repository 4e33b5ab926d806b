/**
 * @description
 * Sentinel errors returned by the store layer. Handlers and services match on
 * these with errors.Is to translate persistence outcomes into HTTP statuses
 * without inspecting driver errors.
 */

package store

import "errors"

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrMaterialNotFound      = errors.New("material not found")
	ErrPlanNotFound          = errors.New("subscription plan not found")
	ErrPaymentMethodNotFound = errors.New("payment method not found")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrTransactionNotFound   = errors.New("payment transaction not found")
)
