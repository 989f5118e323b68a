package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"photoedit/internal/models"
)

// The methods below implement persist.Persister over the project endpoints.

func (c *Client) SaveSnapshot(ctx context.Context, projectID string, snap models.Snapshot, index int) error {
	return c.send(ctx, "client.SaveSnapshot", http.MethodPost, projectPath(projectID, "snapshots"),
		map[string]any{"snapshot": snap, "index": index})
}

func (c *Client) SaveMessage(ctx context.Context, projectID string, msg models.Message) error {
	return c.send(ctx, "client.SaveMessage", http.MethodPost, projectPath(projectID, "messages"), msg)
}

func (c *Client) UpdateTips(ctx context.Context, projectID, snapshotID string, tips []models.Tip) error {
	return c.send(ctx, "client.UpdateTips", http.MethodPut, projectPath(projectID, "snapshots", snapshotID, "tips"),
		map[string]any{"tips": tips})
}

func (c *Client) UpdateDescription(ctx context.Context, projectID, snapshotID, description string) error {
	return c.send(ctx, "client.UpdateDescription", http.MethodPut, projectPath(projectID, "snapshots", snapshotID, "description"),
		map[string]any{"description": description})
}

func (c *Client) RenameProject(ctx context.Context, projectID, name string) error {
	return c.send(ctx, "client.RenameProject", http.MethodPut, projectPath(projectID, "name"),
		map[string]any{"name": name})
}

func (c *Client) send(ctx context.Context, op, method, path string, body any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%s: %w", op, apiError(resp))
	}
	return nil
}

func projectPath(projectID string, parts ...string) string {
	p := "/api/projects/" + url.PathEscape(projectID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}
