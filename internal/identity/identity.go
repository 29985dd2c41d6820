// Package identity is a thin HTTP client for the identity service that owns
// accounts and issues access tokens.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/iaiaz/mifa-credits/internal/apperr"
)

// User is the subset of the identity profile the accounting core needs.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Age   int    `json:"age"`
	Tier  string `json:"tier"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// CurrentUser resolves a bearer token to a user. An invalid or expired token
// returns (nil, nil); transport and server failures return an error.
func (c *Client) CurrentUser(ctx context.Context, token string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, apperr.Upstream("identity.request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Upstream("identity.do", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, nil
	default:
		return nil, apperr.Upstream("identity.status", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, apperr.Upstream("identity.decode", err)
	}
	return &u, nil
}
