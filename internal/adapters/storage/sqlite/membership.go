package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/huddle/internal/domain"
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const membershipColumns = `id, room_id, user_id, role, display_name, avatar, banned, pending, active_session, created_at`

func scanMembership(row *sql.Row) (domain.Membership, error) {
	var (
		m       domain.Membership
		created int64
	)
	err := row.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Role, &m.DisplayName, &m.Avatar, &m.Banned, &m.Pending, &m.ActiveSession, &created)
	if err != nil {
		return domain.Membership{}, err
	}
	m.CreatedAt = fromUnix(created)
	return m, nil
}

func getMembership(ctx context.Context, q querier, room domain.RoomID, user domain.UserID) (domain.Membership, error) {
	m, err := scanMembership(q.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE room_id = ? AND user_id = ?`, room, user))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Membership{}, domain.ErrMembershipNotFound
	}
	if err != nil {
		return domain.Membership{}, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

func (s *Store) GetMembership(ctx context.Context, room domain.RoomID, user domain.UserID) (domain.Membership, error) {
	return getMembership(ctx, s.db, room, user)
}

func (s *Store) ActivateMembership(ctx context.Context, room domain.RoomID, p domain.Principal, role domain.Role) (domain.Membership, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Membership{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	m, err := getMembership(ctx, tx, room, p.UserID)
	switch {
	case err == nil:
		if m.Banned {
			return m, false, domain.ErrBanned
		}
		if !m.Pending {
			return m, false, nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE memberships SET pending = 0 WHERE id = ?`, m.ID); err != nil {
			return domain.Membership{}, false, fmt.Errorf("activate membership: %w", err)
		}
		m.Pending = false
	case errors.Is(err, domain.ErrNotFound):
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms WHERE id = ?`, room).Scan(&exists); err != nil {
			return domain.Membership{}, false, fmt.Errorf("check room: %w", err)
		}
		if exists == 0 {
			return domain.Membership{}, false, domain.ErrRoomNotFound
		}
		m = domain.Membership{
			ID:          domain.MemberID(newID()),
			RoomID:      room,
			UserID:      p.UserID,
			Role:        role,
			DisplayName: p.DisplayName,
			Avatar:      p.Avatar,
			CreatedAt:   time.Now(),
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memberships (id, room_id, user_id, role, display_name, avatar, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.RoomID, m.UserID, m.Role, m.DisplayName, m.Avatar, unix(m.CreatedAt),
		); err != nil {
			return domain.Membership{}, false, fmt.Errorf("insert membership: %w", err)
		}
	default:
		return domain.Membership{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Membership{}, false, fmt.Errorf("commit: %w", err)
	}
	return m, true, nil
}

// AddPending stores a membership awaiting admission.
func (s *Store) AddPending(ctx context.Context, room domain.RoomID, p domain.Principal) (domain.Membership, error) {
	m := domain.Membership{
		ID:          domain.MemberID(newID()),
		RoomID:      room,
		UserID:      p.UserID,
		Role:        domain.RoleGuest,
		DisplayName: p.DisplayName,
		Avatar:      p.Avatar,
		Pending:     true,
		CreatedAt:   time.Now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memberships (id, room_id, user_id, role, display_name, avatar, pending, created_at) VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		m.ID, m.RoomID, m.UserID, m.Role, m.DisplayName, m.Avatar, unix(m.CreatedAt),
	)
	if isUnique(err) {
		return domain.Membership{}, domain.ErrAlreadyActive
	}
	if err != nil {
		return domain.Membership{}, fmt.Errorf("insert pending membership: %w", err)
	}
	return m, nil
}

func (s *Store) SetRole(ctx context.Context, room domain.RoomID, user domain.UserID, role domain.Role) error {
	return s.updateMembership(ctx, `UPDATE memberships SET role = ? WHERE room_id = ? AND user_id = ?`, role, room, user)
}

func (s *Store) SetBanned(ctx context.Context, room domain.RoomID, user domain.UserID, banned bool) error {
	return s.updateMembership(ctx, `UPDATE memberships SET banned = ? WHERE room_id = ? AND user_id = ?`, banned, room, user)
}

func (s *Store) updateMembership(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	if n == 0 {
		return domain.ErrMembershipNotFound
	}
	return nil
}
