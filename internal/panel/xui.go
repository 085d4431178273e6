package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"vpn-shop-fulfillment/internal/model"
)

// xuiClient speaks the 3x-ui panel API: form login that sets a session
// cookie, inbound fetch, and client add/update inside the inbound's
// settings blob.
type xuiClient struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	inboundID  int
	hostName   string
	subBaseURL string
}

func newXUIClient(host *model.Host, timeout time.Duration) (*xuiClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	return &xuiClient{
		httpClient: &http.Client{Timeout: timeout, Jar: jar},
		baseURL:    strings.TrimRight(host.URL, "/"),
		username:   host.Username,
		password:   host.Password,
		inboundID:  host.InboundID,
		hostName:   host.Name,
		subBaseURL: host.SubscriptionURL,
	}, nil
}

type xuiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

type xuiInbound struct {
	ID             int    `json:"id"`
	Port           int    `json:"port"`
	Remark         string `json:"remark"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
}

type xuiInboundSettings struct {
	Clients []xuiPanelClient `json:"clients"`
}

type xuiPanelClient struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	Flow       string `json:"flow"`
	ExpiryTime int64  `json:"expiryTime"`
	SubID      string `json:"subId,omitempty"`
	Reset      int    `json:"reset"`
}

type xuiStreamSettings struct {
	Network         string `json:"network"`
	Security        string `json:"security"`
	RealitySettings struct {
		ServerNames []string `json:"serverNames"`
		ShortIDs    []string `json:"shortIds"`
		Settings    struct {
			PublicKey   string `json:"publicKey"`
			Fingerprint string `json:"fingerprint"`
		} `json:"settings"`
	} `json:"realitySettings"`
}

func (c *xuiClient) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/login", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(c.hostName, err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classify(c.hostName, nil, resp.StatusCode)
	}
	var body xuiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return classify(c.hostName, fmt.Errorf("decode login response: %w", err), 0)
	}
	if !body.Success {
		// A login rejection means panel credentials are revoked.
		return &model.ProvisioningError{
			Kind: model.HostAuthFailed,
			Host: c.hostName,
			Err:  fmt.Errorf("panel login refused: %s", body.Msg),
		}
	}
	return nil
}

func (c *xuiClient) getInbound(ctx context.Context) (*xuiInbound, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/panel/api/inbounds/get/%d", c.baseURL, c.inboundID), nil)
	if err != nil {
		return nil, fmt.Errorf("build inbound request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(c.hostName, err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classify(c.hostName, nil, resp.StatusCode)
	}
	var body xuiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, classify(c.hostName, fmt.Errorf("decode inbound response: %w", err), 0)
	}
	if !body.Success {
		return nil, &model.ProvisioningError{
			Kind: model.HostRejected,
			Host: c.hostName,
			Err:  fmt.Errorf("inbound %d not available: %s", c.inboundID, body.Msg),
		}
	}
	var inbound xuiInbound
	if err := json.Unmarshal(body.Obj, &inbound); err != nil {
		return nil, classify(c.hostName, fmt.Errorf("decode inbound object: %w", err), 0)
	}
	return &inbound, nil
}

func (c *xuiClient) postClient(ctx context.Context, path string, client xuiPanelClient) error {
	settings, err := json.Marshal(xuiInboundSettings{Clients: []xuiPanelClient{client}})
	if err != nil {
		return fmt.Errorf("marshal client settings: %w", err)
	}
	payload, err := json.Marshal(map[string]interface{}{
		"id":       c.inboundID,
		"settings": string(settings),
	})
	if err != nil {
		return fmt.Errorf("marshal client payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build client request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(c.hostName, err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classify(c.hostName, nil, resp.StatusCode)
	}
	var body xuiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return classify(c.hostName, fmt.Errorf("decode client response: %w", err), 0)
	}
	if !body.Success {
		return &model.ProvisioningError{
			Kind: model.HostRejected,
			Host: c.hostName,
			Err:  fmt.Errorf("panel refused client write: %s", body.Msg),
		}
	}
	return nil
}

// IssueCredential finds the inbound client matching the key email and
// extends it, or creates a new client when none exists. Looking the email
// up first is what makes a re-call after a crash return the same
// credential instead of a second one.
func (c *xuiClient) IssueCredential(ctx context.Context, req IssueRequest) (*Credential, error) {
	if err := c.login(ctx); err != nil {
		return nil, err
	}
	inbound, err := c.getInbound(ctx)
	if err != nil {
		return nil, err
	}

	var settings xuiInboundSettings
	if err := json.Unmarshal([]byte(inbound.Settings), &settings); err != nil {
		return nil, classify(c.hostName, fmt.Errorf("decode inbound settings: %w", err), 0)
	}

	now := time.Now()
	var existing *xuiPanelClient
	for i := range settings.Clients {
		if settings.Clients[i].Email == req.KeyEmail {
			existing = &settings.Clients[i]
			break
		}
	}

	var client xuiPanelClient
	renewed := false
	if existing != nil {
		renewed = true
		client = *existing
		base := now
		if current := time.UnixMilli(client.ExpiryTime); current.After(now) {
			base = current
		}
		client.Enable = true
		client.Reset = 0
		client.ExpiryTime = base.AddDate(0, 0, req.Days).UnixMilli()
		if err := c.postClient(ctx, "/panel/api/inbounds/updateClient/"+client.ID, client); err != nil {
			return nil, err
		}
	} else {
		client = xuiPanelClient{
			ID:         uuid.NewString(),
			Email:      req.KeyEmail,
			Enable:     true,
			Flow:       "xtls-rprx-vision",
			ExpiryTime: now.AddDate(0, 0, req.Days).UnixMilli(),
			SubID:      strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
			Reset:      0,
		}
		if err := c.postClient(ctx, "/panel/api/inbounds/addClient", client); err != nil {
			return nil, err
		}
	}

	return &Credential{
		ClientID:         client.ID,
		KeyEmail:         req.KeyEmail,
		ConnectionString: c.connectionString(inbound, client.ID),
		SubscriptionURL:  c.subscriptionURL(client),
		ExpiresAt:        time.UnixMilli(client.ExpiryTime),
		Renewed:          renewed,
	}, nil
}

func (c *xuiClient) RevokeCredential(ctx context.Context, clientID, _ string) error {
	if err := c.login(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/panel/api/inbounds/%d/delClient/%s", c.baseURL, c.inboundID, clientID), nil)
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(c.hostName, err, 0)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classify(c.hostName, nil, resp.StatusCode)
	}
	return nil
}

// connectionString assembles the vless reality link from the inbound's
// stream settings, the same shape the panel's own UI exports.
func (c *xuiClient) connectionString(inbound *xuiInbound, clientID string) string {
	var stream xuiStreamSettings
	if err := json.Unmarshal([]byte(inbound.StreamSettings), &stream); err != nil {
		return ""
	}
	reality := stream.RealitySettings
	if reality.Settings.PublicKey == "" || len(reality.ServerNames) == 0 || len(reality.ShortIDs) == 0 {
		return ""
	}
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	return fmt.Sprintf(
		"vless://%s@%s:%d?type=tcp&security=reality&pbk=%s&fp=%s&sni=%s&sid=%s&spx=%%2F&flow=xtls-rprx-vision#%s",
		clientID, parsed.Hostname(), inbound.Port,
		reality.Settings.PublicKey, reality.Settings.Fingerprint,
		reality.ServerNames[0], reality.ShortIDs[0], inbound.Remark,
	)
}

func (c *xuiClient) subscriptionURL(client xuiPanelClient) string {
	base := strings.TrimSpace(c.subBaseURL)
	if base == "" {
		return ""
	}
	if strings.Contains(base, "{token}") {
		return strings.ReplaceAll(base, "{token}", client.SubID)
	}
	return strings.TrimRight(base, "/") + "/" + client.SubID
}
