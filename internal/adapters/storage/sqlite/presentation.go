package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/huddle/internal/domain"
)

func (s *Store) CreatePresentation(ctx context.Context, p domain.Presentation) (domain.Presentation, error) {
	if _, err := s.GetRoom(ctx, p.RoomID); err != nil {
		return domain.Presentation{}, err
	}
	if p.ID == "" {
		p.ID = domain.PresentationID(newID())
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO presentations (id, room_id, owner_id, owner_user_id, parent_session, display_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RoomID, p.OwnerID, p.OwnerUserID, p.ParentSession, p.DisplayName, unix(p.CreatedAt),
	); err != nil {
		return domain.Presentation{}, fmt.Errorf("insert presentation: %w", err)
	}
	return p, nil
}

func (s *Store) GetPresentation(ctx context.Context, id domain.PresentationID) (domain.Presentation, error) {
	var (
		p              domain.Presentation
		created        int64
		started, ended sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, owner_id, owner_user_id, parent_session, display_name, created_at, started_at, ended_at
		 FROM presentations WHERE id = ?`, id,
	).Scan(&p.ID, &p.RoomID, &p.OwnerID, &p.OwnerUserID, &p.ParentSession, &p.DisplayName, &created, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Presentation{}, domain.ErrPresentationNotFound
	}
	if err != nil {
		return domain.Presentation{}, fmt.Errorf("get presentation: %w", err)
	}
	p.CreatedAt = fromUnix(created)
	p.StartedAt = nullTime(started)
	p.EndedAt = nullTime(ended)
	return p, nil
}

// StartPresentation fails with ErrPresentationNotFound once the presentation ended.
func (s *Store) StartPresentation(ctx context.Context, id domain.PresentationID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE presentations SET started_at = COALESCE(started_at, ?) WHERE id = ? AND ended_at IS NULL`, unix(at), id)
	if err != nil {
		return fmt.Errorf("start presentation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPresentationNotFound
	}
	return nil
}

func (s *Store) EndPresentation(ctx context.Context, id domain.PresentationID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE presentations SET ended_at = COALESCE(ended_at, ?) WHERE id = ?`, unix(at), id)
	if err != nil {
		return fmt.Errorf("end presentation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPresentationNotFound
	}
	return nil
}
