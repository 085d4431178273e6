package model

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrAmountMismatch    = errors.New("payment amount mismatch")
	ErrDuplicateEvent    = errors.New("duplicate payment event")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrMalformedPayload  = errors.New("malformed webhook payload")
	ErrOrderUnresolved   = errors.New("event does not resolve to an order")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrHostNotFound      = errors.New("host not found")
	ErrPlanNotFound      = errors.New("plan not found")
	ErrUserNotFound      = errors.New("user not found")
)

// ProvisioningErrorKind classifies failures from remote panel hosts.
type ProvisioningErrorKind string

const (
	// HostUnreachable covers network errors and timeouts; retryable.
	HostUnreachable ProvisioningErrorKind = "host_unreachable"
	// HostRejected covers invalid plan or quota responses; needs an operator.
	HostRejected ProvisioningErrorKind = "host_rejected"
	// HostAuthFailed means panel credentials were revoked; the host is
	// flagged unhealthy for future orders until resolved.
	HostAuthFailed ProvisioningErrorKind = "host_auth_failed"
)

type ProvisioningError struct {
	Kind ProvisioningErrorKind
	Host string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning on %s: %s: %v", e.Host, e.Kind, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient and worth re-driving
// through the backoff sweep.
func (e *ProvisioningError) Retryable() bool {
	return e.Kind == HostUnreachable
}
