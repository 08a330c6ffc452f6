// Package client holds thin clients for collaborating platform services.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// IdentityClient implements service.Directory against the platform identity
// service's REST API.
type IdentityClient struct {
	baseURL string
	http    *http.Client
}

// NewIdentityClient creates a client for the identity service.
func NewIdentityClient(baseURL string) *IdentityClient {
	return &IdentityClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// GetUsersWithRole returns user ids holding the given role.
func (c *IdentityClient) GetUsersWithRole(ctx context.Context, role string) ([]string, error) {
	var out struct {
		UserIDs []string `json:"user_ids"`
	}
	path := "/api/v1/roles/" + url.PathEscape(role) + "/users"
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.UserIDs, nil
}

// GetUserRoles returns the roles a user holds.
func (c *IdentityClient) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	var out struct {
		Roles []string `json:"roles"`
	}
	path := "/api/v1/users/" + url.PathEscape(userID) + "/roles"
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Roles, nil
}

func (c *IdentityClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity service: unexpected status %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StaticDirectory is a fixed role table used in local development when no
// identity service is configured.
type StaticDirectory struct {
	Roles map[string][]string // user id -> roles
}

// GetUsersWithRole returns users holding the role.
func (d StaticDirectory) GetUsersWithRole(ctx context.Context, role string) ([]string, error) {
	var out []string
	for user, roles := range d.Roles {
		for _, r := range roles {
			if r == role {
				out = append(out, user)
				break
			}
		}
	}
	return out, nil
}

// GetUserRoles returns the user's roles.
func (d StaticDirectory) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	return d.Roles[userID], nil
}
