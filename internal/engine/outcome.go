package engine

import "github.com/kavitha/snapseat/internal/store"

// Code is a stable, machine-readable reason identifier. Callers and
// automation branch on codes; humans read the message next to it in the
// attempt log.
type Code string

const (
	CodeOK              Code = "ok"
	CodeInvalidStatus   Code = "invalid-status"
	CodeMissingConfig   Code = "missing-configuration"
	CodeAuthFailed      Code = "authentication-failed"
	CodeSlotNotFound    Code = "slot-not-found"
	CodeRentalRequired  Code = "rental-required"
	CodeCartMismatch    Code = "cart-verification-failed"
	CodePaymentNotReady Code = "payment-not-ready"
	CodeSecretRequired  Code = "secret-required"
	CodeConfirmTimeout  Code = "confirmation-timeout"
	CodeInternal        Code = "unexpected-error"
)

// Outcome is the structured result of one invocation of the workflow.
type Outcome struct {
	Code    Code
	Message string
}

func (o Outcome) OK() bool { return o.Code == CodeOK }

// PlanStatus maps an outcome onto the plan status it leaves behind.
// Invalid-status invocations are no-ops and change nothing.
func (o Outcome) PlanStatus() (store.Status, bool) {
	switch o.Code {
	case CodeOK:
		return store.StatusCompleted, true
	case CodeSecretRequired, CodeConfirmTimeout:
		return store.StatusActionRequired, true
	case CodeInvalidStatus:
		return "", false
	default:
		return store.StatusFailed, true
	}
}

// State names one position in the execution workflow. Transitions are
// strictly forward.
type State string

const (
	StateDiscoveringLogin    State = "discovering-login"
	StateLoggedIn            State = "logged-in"
	StateSlotSelected        State = "slot-selected"
	StateParticipantSelected State = "participant-selected"
	StateAddonsHandled       State = "addons-handled"
	StateInCart              State = "in-cart"
	StateCheckoutStarted     State = "checkout-started"
	StatePaymentPending      State = "payment-pending"
)
