package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"photoedit/internal/models"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Publisher implements Persister by publishing commands keyed by project, so
// commands of one project stay ordered on a partition.
type Publisher struct {
	w MessageWriter
}

func NewPublisher(w MessageWriter) *Publisher {
	return &Publisher{w: w}
}

func (p *Publisher) publish(ctx context.Context, c Command) error {
	const op = "persist.publish"
	b, err := c.Encode()
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{Key: []byte(c.ProjectID), Value: b}); err != nil {
		return fmt.Errorf("%s: %s: %v", op, c.Op, err)
	}
	return nil
}

func (p *Publisher) SaveSnapshot(ctx context.Context, projectID string, snap models.Snapshot, index int) error {
	return p.publish(ctx, Command{Op: OpSaveSnapshot, ProjectID: projectID, Snapshot: &snap, Index: index})
}

func (p *Publisher) SaveMessage(ctx context.Context, projectID string, msg models.Message) error {
	return p.publish(ctx, Command{Op: OpSaveMessage, ProjectID: projectID, Message: &msg})
}

func (p *Publisher) UpdateTips(ctx context.Context, projectID, snapshotID string, tips []models.Tip) error {
	stored := make([]models.Tip, len(tips))
	for i, t := range tips {
		stored[i] = t.Persistable()
	}
	return p.publish(ctx, Command{Op: OpUpdateTips, ProjectID: projectID, SnapshotID: snapshotID, Tips: stored})
}

func (p *Publisher) UpdateDescription(ctx context.Context, projectID, snapshotID, description string) error {
	return p.publish(ctx, Command{Op: OpUpdateDescription, ProjectID: projectID, SnapshotID: snapshotID, Description: description})
}

func (p *Publisher) RenameProject(ctx context.Context, projectID, name string) error {
	return p.publish(ctx, Command{Op: OpRenameProject, ProjectID: projectID, Name: name})
}

// Consumer reads commands from the topic and applies them to a store.
type Consumer struct {
	r          MessageReader
	store      Persister
	logger     *slog.Logger
	retryDelay time.Duration
}

func NewConsumer(r MessageReader, store Persister, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{r: r, store: store, logger: logger, retryDelay: time.Second}
}

// Run consumes until ctx is cancelled. A command that fails is logged and
// skipped; the topic is not blocked on it.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.r.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			c.logger.Error("error reading message", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
			continue
		}
		cmd, err := DecodeCommand(msg.Value)
		if err != nil {
			c.logger.Error("dropping malformed command", "offset", msg.Offset, "error", err)
			continue
		}
		if err := Apply(ctx, c.store, cmd); err != nil {
			c.logger.Error("error applying command", "op", cmd.Op, "project", cmd.ProjectID, "error", err)
			continue
		}
		c.logger.Debug("command applied", "op", cmd.Op, "project", cmd.ProjectID)
	}
}
