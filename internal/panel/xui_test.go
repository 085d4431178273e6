package panel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vpn-shop-fulfillment/internal/model"
)

// fakeXUIPanel mimics the 3x-ui API surface the client touches: login,
// inbound fetch, addClient and updateClient.
type fakeXUIPanel struct {
	t *testing.T

	loginOK bool
	clients []xuiPanelClient
	added   int
	updated int
}

func (p *fakeXUIPanel) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(xuiResponse{Success: p.loginOK, Msg: "login"})
	})

	mux.HandleFunc("/panel/api/inbounds/get/", func(w http.ResponseWriter, r *http.Request) {
		settings, err := json.Marshal(xuiInboundSettings{Clients: p.clients})
		if err != nil {
			p.t.Fatalf("marshal settings: %v", err)
		}
		stream := `{"network":"tcp","security":"reality","realitySettings":{"serverNames":["example.com"],"shortIds":["abcd"],"settings":{"publicKey":"pub-key","fingerprint":"chrome"}}}`
		inbound, err := json.Marshal(xuiInbound{
			ID: 1, Port: 443, Remark: "main",
			Settings:       string(settings),
			StreamSettings: stream,
		})
		if err != nil {
			p.t.Fatalf("marshal inbound: %v", err)
		}
		json.NewEncoder(w).Encode(xuiResponse{Success: true, Obj: inbound})
	})

	mux.HandleFunc("/panel/api/inbounds/addClient", func(w http.ResponseWriter, r *http.Request) {
		p.added++
		json.NewEncoder(w).Encode(xuiResponse{Success: true})
	})

	mux.HandleFunc("/panel/api/inbounds/updateClient/", func(w http.ResponseWriter, r *http.Request) {
		p.updated++
		json.NewEncoder(w).Encode(xuiResponse{Success: true})
	})

	return mux
}

func newXUITestClient(t *testing.T, p *fakeXUIPanel) (*xuiClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)

	client, err := newXUIClient(&model.Host{
		Name:            "de-1",
		PanelType:       model.PanelXUI,
		URL:             srv.URL,
		Username:        "admin",
		Password:        "secret",
		InboundID:       1,
		SubscriptionURL: "https://sub.example/{token}",
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, srv
}

func TestXUI_IssueCredentialCreatesClient(t *testing.T) {
	p := &fakeXUIPanel{t: t, loginOK: true}
	client, _ := newXUITestClient(t, p)

	cred, err := client.IssueCredential(context.Background(), IssueRequest{
		KeyEmail: "abc@bot.local",
		Days:     30,
	})
	if err != nil {
		t.Fatalf("issue credential: %v", err)
	}

	if p.added != 1 || p.updated != 0 {
		t.Fatalf("expected one addClient call, got added=%d updated=%d", p.added, p.updated)
	}
	if cred.Renewed {
		t.Fatalf("new client must not report renewed")
	}
	if cred.ClientID == "" {
		t.Fatalf("expected client id")
	}
	if cred.ConnectionString == "" {
		t.Fatalf("expected vless connection string")
	}
	if cred.SubscriptionURL == "https://sub.example/{token}" {
		t.Fatalf("subscription token not substituted")
	}
	wantExpiry := time.Now().AddDate(0, 0, 30)
	if cred.ExpiresAt.Before(wantExpiry.Add(-time.Minute)) || cred.ExpiresAt.After(wantExpiry.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %v", cred.ExpiresAt)
	}
}

func TestXUI_IssueCredentialRenewsExistingClient(t *testing.T) {
	currentExpiry := time.Now().AddDate(0, 0, 10)
	p := &fakeXUIPanel{t: t, loginOK: true, clients: []xuiPanelClient{{
		ID:         "existing-id",
		Email:      "abc@bot.local",
		Enable:     true,
		ExpiryTime: currentExpiry.UnixMilli(),
	}}}
	client, _ := newXUITestClient(t, p)

	cred, err := client.IssueCredential(context.Background(), IssueRequest{
		KeyEmail: "abc@bot.local",
		Days:     30,
	})
	if err != nil {
		t.Fatalf("issue credential: %v", err)
	}

	if p.updated != 1 || p.added != 0 {
		t.Fatalf("expected one updateClient call, got added=%d updated=%d", p.added, p.updated)
	}
	if !cred.Renewed {
		t.Fatalf("expected renewed credential")
	}
	if cred.ClientID != "existing-id" {
		t.Fatalf("renewal must keep the client id, got %q", cred.ClientID)
	}
	// extension stacks on the remaining time, not on now
	want := currentExpiry.AddDate(0, 0, 30)
	if cred.ExpiresAt.Sub(want).Abs() > time.Second {
		t.Fatalf("expected expiry near %v, got %v", want, cred.ExpiresAt)
	}
}

func TestXUI_LoginRejectedIsAuthFailure(t *testing.T) {
	p := &fakeXUIPanel{t: t, loginOK: false}
	client, _ := newXUITestClient(t, p)

	_, err := client.IssueCredential(context.Background(), IssueRequest{KeyEmail: "abc@bot.local", Days: 30})

	var perr *model.ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProvisioningError, got %v", err)
	}
	if perr.Kind != model.HostAuthFailed {
		t.Fatalf("expected auth failure, got %s", perr.Kind)
	}
	if perr.Retryable() {
		t.Fatalf("auth failures must not be retryable")
	}
}

func TestXUI_GarbledResponseIsRetryable(t *testing.T) {
	// a flaky reverse proxy answering 200 with an HTML error page
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>Bad Gateway</html>"))
	}))
	t.Cleanup(srv.Close)

	client, err := newXUIClient(&model.Host{
		Name: "de-1", URL: srv.URL, InboundID: 1,
	}, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.IssueCredential(context.Background(), IssueRequest{KeyEmail: "abc@bot.local", Days: 30})

	var perr *model.ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProvisioningError, got %v", err)
	}
	if perr.Kind != model.HostUnreachable {
		t.Fatalf("garbled response must read as unreachable, got %s", perr.Kind)
	}
	if !perr.Retryable() {
		t.Fatalf("garbled response must be retryable")
	}
}

func TestXUI_UnreachableHostIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // port now refuses connections

	client, err := newXUIClient(&model.Host{
		Name: "de-1", URL: srv.URL, InboundID: 1,
	}, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.IssueCredential(context.Background(), IssueRequest{KeyEmail: "abc@bot.local", Days: 30})

	var perr *model.ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProvisioningError, got %v", err)
	}
	if perr.Kind != model.HostUnreachable {
		t.Fatalf("expected unreachable, got %s", perr.Kind)
	}
	if !perr.Retryable() {
		t.Fatalf("unreachable host must be retryable")
	}
}
