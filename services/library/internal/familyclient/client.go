package familyclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"carelink/internal/servicetoken"
	"carelink/pkg/domain"
)

// Client resolves family membership against the carelink core service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *servicetoken.Signer
	audience   string
}

// APIError represents a membership service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// NewClient constructs a membership client. Requests are authenticated with
// short-lived internal service tokens.
func NewClient(baseURL string, signer *servicetoken.Signer) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		signer:     signer,
		audience:   "family-core",
	}
}

// MemberRole returns the user's role within the family. A 404 from the
// membership service means the user is not a member.
func (c *Client) MemberRole(ctx context.Context, familyID, userID string) (domain.FamilyRole, bool, error) {
	endpoint := fmt.Sprintf("%s/internal/families/%s/members/%s",
		c.baseURL, url.PathEscape(familyID), url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", false, err
	}
	token, err := c.signer.Sign(c.audience)
	if err != nil {
		return "", false, fmt.Errorf("sign service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return "", false, &APIError{Status: resp.StatusCode, Message: msg}
	}
	var payload struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", false, err
	}
	role := domain.FamilyRole(strings.TrimSpace(payload.Role))
	if !role.Valid() {
		return "", false, fmt.Errorf("unknown family role %q", payload.Role)
	}
	return role, true, nil
}
