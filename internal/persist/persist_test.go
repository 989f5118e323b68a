package persist

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"photoedit/internal/models"
)

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

// fakeReader replays msgs, then reports cancellation.
type fakeReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		return kafka.Message{}, context.Canceled
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

type recorder struct {
	Nop
	snapshots []models.Snapshot
	tips      map[string][]models.Tip
	names     []string
}

func (r *recorder) SaveSnapshot(ctx context.Context, projectID string, snap models.Snapshot, index int) error {
	r.snapshots = append(r.snapshots, snap)
	return nil
}

func (r *recorder) UpdateTips(ctx context.Context, projectID, snapshotID string, tips []models.Tip) error {
	if r.tips == nil {
		r.tips = map[string][]models.Tip{}
	}
	r.tips[snapshotID] = tips
	return nil
}

func (r *recorder) RenameProject(ctx context.Context, projectID, name string) error {
	if name == "fail" {
		return errors.New("rename failed")
	}
	r.names = append(r.names, name)
	return nil
}

func TestPublishConsumeRoundTrip(t *testing.T) {
	w := &fakeWriter{}
	pub := NewPublisher(w)
	ctx := context.Background()

	pub.SaveSnapshot(ctx, "p1", models.Snapshot{ID: "s1", Image: "img"}, 0)
	pub.UpdateTips(ctx, "p1", "s1", []models.Tip{{Label: "Glow", EditPrompt: "glow", Category: models.CategoryEnhance, PreviewImage: "big", Status: models.PreviewDone}})
	pub.RenameProject(ctx, "p1", "fail")
	pub.RenameProject(ctx, "p1", "Beach day")

	if len(w.msgs) != 4 || string(w.msgs[0].Key) != "p1" {
		t.Fatalf("published %d messages, key %q", len(w.msgs), w.msgs[0].Key)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msgs := append([]kafka.Message{{Value: []byte("{garbage")}}, w.msgs...)
	rec := &recorder{}
	if err := NewConsumer(&fakeReader{msgs: msgs, cancel: cancel}, rec, nil).Run(runCtx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rec.snapshots) != 1 || rec.snapshots[0].Image != "img" {
		t.Errorf("snapshots = %+v", rec.snapshots)
	}
	tip := rec.tips["s1"][0]
	if tip.PreviewImage != "" || tip.Status != "" || tip.Label != "Glow" {
		t.Errorf("stored tip = %+v, want preview fields stripped", tip)
	}
	if len(rec.names) != 1 || rec.names[0] != "Beach day" {
		t.Errorf("names = %v", rec.names)
	}
}

func TestDecodeCommandRejectsMissingProject(t *testing.T) {
	if _, err := DecodeCommand([]byte(`{"op":"save_message"}`)); err == nil {
		t.Error("command without project decoded")
	}
}

func TestApplyValidates(t *testing.T) {
	ctx := context.Background()
	if err := Apply(ctx, Nop{}, Command{Op: OpSaveSnapshot, ProjectID: "p"}); err == nil {
		t.Error("save_snapshot without snapshot accepted")
	}
	if err := Apply(ctx, Nop{}, Command{Op: "drop_table", ProjectID: "p"}); err == nil {
		t.Error("unknown op accepted")
	}
}
