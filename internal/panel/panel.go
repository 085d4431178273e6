// Package panel talks to remote VPN-panel hosts. Each panel protocol is a
// tagged variant behind the Client interface, looked up by the host's
// configured panel type. Clients are stateless with respect to the order
// ledger: they return results for the state machine to persist.
package panel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"vpn-shop-fulfillment/internal/model"
)

// IssueRequest asks a host for a usable credential. KeyEmail is the
// client-supplied reference derived from the order's idempotency key; a
// repeat call with the same reference must find the prior credential
// instead of creating a second one.
type IssueRequest struct {
	KeyEmail string
	Days     int
}

// Credential is the result of a successful issue or renewal.
type Credential struct {
	ClientID         string
	KeyEmail         string
	ConnectionString string
	SubscriptionURL  string
	ExpiresAt        time.Time
	Renewed          bool
}

type Client interface {
	// IssueCredential creates or extends the credential identified by the
	// request's key email. Safe to call more than once per order.
	IssueCredential(ctx context.Context, req IssueRequest) (*Credential, error)
	RevokeCredential(ctx context.Context, clientID, keyEmail string) error
}

// classify maps transport and HTTP failures onto the provisioning error
// taxonomy for one host.
func classify(host string, err error, status int) *model.ProvisioningError {
	switch {
	case err != nil:
		// Transport failures and garbled response bodies alike: the host
		// never gave a usable answer, so the call is worth retrying.
		return &model.ProvisioningError{Kind: model.HostUnreachable, Host: host, Err: err}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &model.ProvisioningError{
			Kind: model.HostAuthFailed,
			Host: host,
			Err:  fmt.Errorf("panel returned %d", status),
		}
	case status >= 500:
		return &model.ProvisioningError{
			Kind: model.HostUnreachable,
			Host: host,
			Err:  fmt.Errorf("panel returned %d", status),
		}
	default:
		return &model.ProvisioningError{
			Kind: model.HostRejected,
			Host: host,
			Err:  fmt.Errorf("panel returned %d", status),
		}
	}
}
