// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"photoedit/internal/models"
)

var ErrNotFound = errors.New("project not found")

// Storage implements persist.Persister on postgres, with images on disk.
type Storage struct {
	pool   *pgxpool.Pool
	db     *sql.DB // For migrations
	files  *Files
	logger *slog.Logger
}

func NewStorage(dsn, filesPath string, logger *slog.Logger) (*Storage, error) {
	const op = "storage.NewStorage"
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db, logger); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	return &Storage{pool: pool, db: db, files: NewFiles(filesPath), logger: logger}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

func (s *Storage) ensureProject(ctx context.Context, projectID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, projectID)
	return err
}

func (s *Storage) SaveSnapshot(ctx context.Context, projectID string, snap models.Snapshot, index int) error {
	const op = "storage.SaveSnapshot"
	if err := s.ensureProject(ctx, projectID); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	path, thumb, err := s.files.Write(projectID, snap.ID, snap.Image)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	tips, err := json.Marshal(persistable(snap.Tips))
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	var meta []byte
	if !snap.Metadata.Empty() {
		if meta, err = json.Marshal(snap.Metadata); err != nil {
			return fmt.Errorf("%s: %v", op, err)
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshots (id, project_id, position, image_path, thumbnail_path, message_id, description, metadata, tips)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET position = $3, image_path = $4, thumbnail_path = $5,
		 message_id = $6, description = $7, metadata = $8, tips = $9`,
		snap.ID, projectID, index, path, thumb, snap.MessageID, snap.Description, meta, tips)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return s.touch(ctx, projectID)
}

func (s *Storage) SaveMessage(ctx context.Context, projectID string, msg models.Message) error {
	const op = "storage.SaveMessage"
	if err := s.ensureProject(ctx, projectID); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	var path string
	if msg.Image != "" {
		var err error
		if path, _, err = s.files.Write(projectID, "msg_"+msg.ID, msg.Image); err != nil {
			return fmt.Errorf("%s: %v", op, err)
		}
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, project_id, role, content, image_path, edit_prompt, snapshot_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET content = $4, image_path = $5, edit_prompt = $6, snapshot_id = $7`,
		msg.ID, projectID, string(msg.Role), msg.Content, path, msg.EditPrompt, msg.SnapshotID, created)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return s.touch(ctx, projectID)
}

func (s *Storage) UpdateTips(ctx context.Context, projectID, snapshotID string, tips []models.Tip) error {
	const op = "storage.UpdateTips"
	b, err := json.Marshal(persistable(tips))
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return s.updateSnapshot(ctx, op, `UPDATE snapshots SET tips = $3 WHERE project_id = $1 AND id = $2`, projectID, snapshotID, b)
}

func (s *Storage) UpdateDescription(ctx context.Context, projectID, snapshotID, description string) error {
	const op = "storage.UpdateDescription"
	return s.updateSnapshot(ctx, op, `UPDATE snapshots SET description = $3 WHERE project_id = $1 AND id = $2`, projectID, snapshotID, description)
}

func (s *Storage) updateSnapshot(ctx context.Context, op, query, projectID, snapshotID string, value any) error {
	tag, err := s.pool.Exec(ctx, query, projectID, snapshotID, value)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: snapshot %s not found", op, snapshotID)
	}
	return s.touch(ctx, projectID)
}

func (s *Storage) RenameProject(ctx context.Context, projectID, name string) error {
	const op = "storage.RenameProject"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = $2, updated_at = now()`, projectID, name)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

func (s *Storage) touch(ctx context.Context, projectID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE projects SET updated_at = now() WHERE id = $1`, projectID)
	return err
}

// GetProject loads a project with its snapshots in timeline order and its
// messages in creation order.
func (s *Storage) GetProject(ctx context.Context, projectID string) (*models.Project, error) {
	const op = "storage.GetProject"
	p := models.Project{ID: projectID}
	err := s.pool.QueryRow(ctx, `SELECT name, created_at FROM projects WHERE id = $1`, projectID).
		Scan(&p.Name, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	if p.Snapshots, err = s.listSnapshots(ctx, projectID); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	if p.Messages, err = s.listMessages(ctx, projectID); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return &p, nil
}

func (s *Storage) listSnapshots(ctx context.Context, projectID string) ([]models.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, image_path, message_id, description, metadata, tips
		 FROM snapshots WHERE project_id = $1 ORDER BY position`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snaps := []models.Snapshot{}
	for rows.Next() {
		var (
			snap       models.Snapshot
			path       string
			meta, tips []byte
		)
		if err := rows.Scan(&snap.ID, &path, &snap.MessageID, &snap.Description, &meta, &tips); err != nil {
			return nil, err
		}
		if snap.Image, err = s.files.Read(path); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			snap.Metadata = &models.PhotoMetadata{}
			if err := json.Unmarshal(meta, snap.Metadata); err != nil {
				return nil, err
			}
		}
		if err := json.Unmarshal(tips, &snap.Tips); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *Storage) listMessages(ctx context.Context, projectID string) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, role, content, image_path, edit_prompt, snapshot_id, created_at
		 FROM messages WHERE project_id = $1 ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var (
			m    models.Message
			role string
			path string
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &path, &m.EditPrompt, &m.SnapshotID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		if path != "" {
			if m.Image, err = s.files.Read(path); err != nil {
				s.logger.Warn("message image missing", "message", m.ID, "error", err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Storage) DeleteProject(ctx context.Context, projectID string) error {
	const op = "storage.DeleteProject"
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := s.files.RemoveProject(projectID); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

func persistable(tips []models.Tip) []models.Tip {
	out := make([]models.Tip, len(tips))
	for i, t := range tips {
		out[i] = t.Persistable()
	}
	return out
}
