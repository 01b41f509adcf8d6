package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/huddle/internal/domain"
)

const sessionColumns = `id, room_id, member_id, user_id, display_name, avatar, server_id, client_addr, created_at, ended_at`

func (s *Store) scanSession(ctx context.Context, row *sql.Row) (domain.Session, error) {
	var (
		sess    domain.Session
		created int64
		ended   sql.NullInt64
	)
	if err := row.Scan(&sess.ID, &sess.RoomID, &sess.MemberID, &sess.UserID, &sess.DisplayName, &sess.Avatar,
		&sess.ServerID, &sess.ClientAddr, &created, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, domain.ErrSessionNotFound
		}
		return domain.Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.CreatedAt = fromUnix(created)
	sess.EndedAt = nullTime(ended)

	rows, err := s.db.QueryContext(ctx,
		`SELECT producer_id FROM session_producers WHERE session_id = ? ORDER BY added_at`, sess.ID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("query producers: %w", err)
	}
	defer rows.Close()
	sess.Producers = []domain.ProducerID{}
	for rows.Next() {
		var id domain.ProducerID
		if err := rows.Scan(&id); err != nil {
			return domain.Session{}, fmt.Errorf("scan producer: %w", err)
		}
		sess.Producers = append(sess.Producers, id)
	}
	if err := rows.Err(); err != nil {
		return domain.Session{}, fmt.Errorf("iterate producers: %w", err)
	}
	return sess, nil
}

func (s *Store) FindOpenSession(ctx context.Context, serverID string, member domain.MemberID) (domain.Session, error) {
	return s.scanSession(ctx, s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE server_id = ? AND member_id = ? AND ended_at IS NULL
		 ORDER BY created_at DESC LIMIT 1`, serverID, member))
}

// CreateSession inserts the session and links it to its membership in one transaction.
func (s *Store) CreateSession(ctx context.Context, sess domain.Session) (domain.Session, error) {
	if sess.ID == "" {
		sess.ID = domain.SessionID(newID())
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE memberships SET active_session = ? WHERE id = ?`, sess.ID, sess.MemberID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("link session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Session{}, domain.ErrMembershipNotFound
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		sess.ID, sess.RoomID, sess.MemberID, sess.UserID, sess.DisplayName, sess.Avatar,
		sess.ServerID, sess.ClientAddr, unix(sess.CreatedAt),
	)
	if isUnique(err) {
		return domain.Session{}, fmt.Errorf("open session exists for member %s: %w", sess.MemberID, domain.ErrConflict)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	for _, p := range sess.Producers {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO session_producers (session_id, producer_id, added_at) VALUES (?, ?, ?)`,
			sess.ID, p, time.Now().UnixNano(),
		); err != nil {
			return domain.Session{}, fmt.Errorf("insert producer: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, fmt.Errorf("commit: %w", err)
	}
	if sess.Producers == nil {
		sess.Producers = []domain.ProducerID{}
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id domain.SessionID) (domain.Session, error) {
	return s.scanSession(ctx, s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

func (s *Store) EndSession(ctx context.Context, id domain.SessionID, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var ended sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT ended_at FROM sessions WHERE id = ?`, id).Scan(&ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrSessionNotFound
		}
		return fmt.Errorf("get session: %w", err)
	}
	if ended.Valid {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE id = ?`, unix(at), id); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE memberships SET active_session = '' WHERE active_session = ?`, id); err != nil {
		return fmt.Errorf("unlink session: %w", err)
	}
	return tx.Commit()
}

func (s *Store) sessionExists(ctx context.Context, id domain.SessionID) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *Store) AddSessionProducer(ctx context.Context, id domain.SessionID, producer domain.ProducerID) error {
	if err := s.sessionExists(ctx, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO session_producers (session_id, producer_id, added_at) VALUES (?, ?, ?)`,
		id, producer, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("add producer: %w", err)
	}
	return nil
}

func (s *Store) RemoveSessionProducer(ctx context.Context, id domain.SessionID, producer domain.ProducerID) error {
	if err := s.sessionExists(ctx, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM session_producers WHERE session_id = ? AND producer_id = ?`, id, producer,
	); err != nil {
		return fmt.Errorf("remove producer: %w", err)
	}
	return nil
}
