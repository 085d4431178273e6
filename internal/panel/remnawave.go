package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vpn-shop-fulfillment/internal/model"
)

// remnawaveClient speaks the Remnawave REST API: bearer-token auth, user
// lookup by username, create/patch for expiry changes.
type remnawaveClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	hostName   string
	subBaseURL string
}

func newRemnawaveClient(host *model.Host, timeout time.Duration) *remnawaveClient {
	return &remnawaveClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(host.URL, "/"),
		token:      host.APIToken,
		hostName:   host.Name,
		subBaseURL: host.SubscriptionURL,
	}
}

type remnawaveUser struct {
	UUID            string `json:"uuid"`
	Username        string `json:"username"`
	ExpireAt        string `json:"expireAt"`
	SubscriptionURL string `json:"subscriptionUrl"`
}

type remnawaveEnvelope struct {
	Response json.RawMessage `json:"response"`
}

func (c *remnawaveClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body *bytes.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(c.hostName, err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errRemnawaveNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(c.hostName, nil, resp.StatusCode)
	}
	if out != nil {
		var env remnawaveEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return classify(c.hostName, fmt.Errorf("decode response: %w", err), 0)
		}
		if err := json.Unmarshal(env.Response, out); err != nil {
			return classify(c.hostName, fmt.Errorf("decode response object: %w", err), 0)
		}
	}
	return nil
}

var errRemnawaveNotFound = fmt.Errorf("remnawave: user not found")

func (c *remnawaveClient) findUser(ctx context.Context, username string) (*remnawaveUser, error) {
	var user remnawaveUser
	err := c.do(ctx, http.MethodGet, "/api/users/by-username/"+url.PathEscape(username), nil, &user)
	if err == errRemnawaveNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// IssueCredential looks the user up by the key reference first so a retry
// after a crash lands on the existing account instead of creating a
// duplicate.
func (c *remnawaveClient) IssueCredential(ctx context.Context, req IssueRequest) (*Credential, error) {
	// Remnawave usernames reject the @ from the key email form.
	username := strings.ReplaceAll(req.KeyEmail, "@", "_")

	user, err := c.findUser(ctx, username)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	renewed := user != nil

	base := now
	if user != nil {
		if current, err := time.Parse(time.RFC3339, user.ExpireAt); err == nil && current.After(now) {
			base = current
		}
	}
	expireAt := base.AddDate(0, 0, req.Days)

	if user == nil {
		var created remnawaveUser
		err = c.do(ctx, http.MethodPost, "/api/users", map[string]interface{}{
			"username": username,
			"expireAt": expireAt.UTC().Format(time.RFC3339),
		}, &created)
		if err != nil {
			return nil, err
		}
		user = &created
	} else {
		err = c.do(ctx, http.MethodPatch, "/api/users", map[string]interface{}{
			"uuid":     user.UUID,
			"status":   "ACTIVE",
			"expireAt": expireAt.UTC().Format(time.RFC3339),
		}, user)
		if err != nil {
			return nil, err
		}
	}

	subURL := user.SubscriptionURL
	if subURL == "" && c.subBaseURL != "" {
		subURL = strings.TrimRight(c.subBaseURL, "/") + "/" + user.UUID
	}

	return &Credential{
		ClientID:        user.UUID,
		KeyEmail:        req.KeyEmail,
		SubscriptionURL: subURL,
		ExpiresAt:       expireAt,
		Renewed:         renewed,
	}, nil
}

func (c *remnawaveClient) RevokeCredential(ctx context.Context, clientID, _ string) error {
	err := c.do(ctx, http.MethodDelete, "/api/users/"+url.PathEscape(clientID), nil, nil)
	if err == errRemnawaveNotFound {
		// Already gone; revocation is idempotent.
		return nil
	}
	return err
}
