// Package persist carries fire-and-forget persistence commands from the
// request path to storage over kafka.
package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"photoedit/internal/models"
)

// Persister accepts the persistence calls of an editing session. Callers do
// not wait on the outcome beyond logging it.
type Persister interface {
	SaveSnapshot(ctx context.Context, projectID string, snap models.Snapshot, index int) error
	SaveMessage(ctx context.Context, projectID string, msg models.Message) error
	UpdateTips(ctx context.Context, projectID, snapshotID string, tips []models.Tip) error
	UpdateDescription(ctx context.Context, projectID, snapshotID, description string) error
	RenameProject(ctx context.Context, projectID, name string) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) SaveSnapshot(context.Context, string, models.Snapshot, int) error { return nil }
func (Nop) SaveMessage(context.Context, string, models.Message) error { return nil }
func (Nop) UpdateTips(context.Context, string, string, []models.Tip) error { return nil }
func (Nop) UpdateDescription(context.Context, string, string, string) error { return nil }
func (Nop) RenameProject(context.Context, string, string) error { return nil }

type Op string

const (
	OpSaveSnapshot      Op = "save_snapshot"
	OpSaveMessage       Op = "save_message"
	OpUpdateTips        Op = "update_tips"
	OpUpdateDescription Op = "update_description"
	OpRenameProject     Op = "rename_project"
)

// Command is one persistence call as it travels on the topic.
type Command struct {
	Op          Op               `json:"op"`
	ProjectID   string           `json:"projectId"`
	Snapshot    *models.Snapshot `json:"snapshot,omitempty"`
	Index       int              `json:"index,omitempty"`
	Message     *models.Message  `json:"message,omitempty"`
	SnapshotID  string           `json:"snapshotId,omitempty"`
	Tips        []models.Tip     `json:"tips,omitempty"`
	Description string           `json:"description,omitempty"`
	Name        string           `json:"name,omitempty"`
}

func (c Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

func DecodeCommand(b []byte) (Command, error) {
	const op = "persist.DecodeCommand"
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return Command{}, fmt.Errorf("%s: %v", op, err)
	}
	if c.ProjectID == "" {
		return Command{}, fmt.Errorf("%s: missing project id", op)
	}
	return c, nil
}

// Apply replays c against p.
func Apply(ctx context.Context, p Persister, c Command) error {
	const op = "persist.Apply"
	switch c.Op {
	case OpSaveSnapshot:
		if c.Snapshot == nil {
			return fmt.Errorf("%s: %s without snapshot", op, c.Op)
		}
		return p.SaveSnapshot(ctx, c.ProjectID, *c.Snapshot, c.Index)
	case OpSaveMessage:
		if c.Message == nil {
			return fmt.Errorf("%s: %s without message", op, c.Op)
		}
		return p.SaveMessage(ctx, c.ProjectID, *c.Message)
	case OpUpdateTips:
		return p.UpdateTips(ctx, c.ProjectID, c.SnapshotID, c.Tips)
	case OpUpdateDescription:
		return p.UpdateDescription(ctx, c.ProjectID, c.SnapshotID, c.Description)
	case OpRenameProject:
		return p.RenameProject(ctx, c.ProjectID, c.Name)
	}
	return fmt.Errorf("%s: unknown op %q", op, c.Op)
}
