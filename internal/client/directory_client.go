package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// DirectoryClient implements workflow.Directory against the platform
// directory HTTP API. It answers three questions: who holds a role, what is
// an entity's organizational context, and is a user an administrator.
type DirectoryClient struct {
	baseURL string
	http    *http.Client
}

// NewDirectoryClient creates a DirectoryClient.
func NewDirectoryClient(baseURL string, timeout time.Duration) *DirectoryClient {
	return &DirectoryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// UsersWithRole returns the identities currently holding a role.
func (c *DirectoryClient) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	var resp struct {
		Users []string `json:"users"`
	}
	path := fmt.Sprintf("/api/v1/directory/roles/%s/users", url.PathEscape(role))
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

// EntityContext returns the entity-derived identities used to resolve
// dynamic approver specifiers.
func (c *DirectoryClient) EntityContext(ctx context.Context, entityType workflow.EntityType, entityID string) (*workflow.EntityContext, error) {
	var resp workflow.EntityContext
	path := fmt.Sprintf("/api/v1/directory/entities/%s/%s/context",
		url.PathEscape(string(entityType)), url.PathEscape(entityID))
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IsAdministrator reports whether the user holds the administrator role.
func (c *DirectoryClient) IsAdministrator(ctx context.Context, user string) (bool, error) {
	var resp struct {
		IsAdministrator bool `json:"is_administrator"`
	}
	path := fmt.Sprintf("/api/v1/directory/users/%s", url.PathEscape(user))
	if err := c.get(ctx, path, &resp); err != nil {
		return false, err
	}
	return resp.IsAdministrator, nil
}

func (c *DirectoryClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "build directory request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "directory service request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.NotFound("directory resource", path)
	case resp.StatusCode != http.StatusOK:
		return apperrors.Newf(apperrors.ErrCodeInternal,
			"directory service returned %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "decode directory response")
	}
	return nil
}

// StaticDirectory is a workflow.Directory backed by fixed data, for local
// development without a directory service.
type StaticDirectory struct {
	Roles    map[string][]string
	Admins   map[string]bool
	Contexts map[string]*workflow.EntityContext // keyed "<entity_type>/<entity_id>"
}

// UsersWithRole implements workflow.Directory.
func (d *StaticDirectory) UsersWithRole(_ context.Context, role string) ([]string, error) {
	return d.Roles[role], nil
}

// EntityContext implements workflow.Directory.
func (d *StaticDirectory) EntityContext(_ context.Context, entityType workflow.EntityType, entityID string) (*workflow.EntityContext, error) {
	if ctx, ok := d.Contexts[string(entityType)+"/"+entityID]; ok {
		return ctx, nil
	}
	return &workflow.EntityContext{}, nil
}

// IsAdministrator implements workflow.Directory.
func (d *StaticDirectory) IsAdministrator(_ context.Context, user string) (bool, error) {
	return d.Admins[user], nil
}
