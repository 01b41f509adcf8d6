// Package sqlite is a core.Store backed by database/sql and go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

type Store struct {
	db *sql.DB
}

// Open opens dsn and applies the schema. ":memory:" yields a private database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dsn+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection serializes transactions and keeps ":memory:" a single database
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	log.Info().Str("module", "storage.sqlite").Str("dsn", dsn).Msg("database ready")
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func newID() string { return ulid.Make().String() }

func unix(t time.Time) int64 { return t.UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n) }

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func isUnique(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (s *Store) CreateRoom(ctx context.Context, name string, owner domain.Principal) (domain.Room, error) {
	room := domain.Room{
		ID:        domain.RoomID(newID()),
		Name:      name,
		OwnerID:   owner.UserID,
		CreatedAt: time.Now(),
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Room{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		room.ID, room.Name, room.OwnerID, unix(room.CreatedAt),
	); err != nil {
		return domain.Room{}, fmt.Errorf("insert room: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memberships (id, room_id, user_id, role, display_name, avatar, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newID(), room.ID, owner.UserID, domain.RoleOwner, owner.DisplayName, owner.Avatar, unix(room.CreatedAt),
	); err != nil {
		return domain.Room{}, fmt.Errorf("insert owner membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Room{}, fmt.Errorf("commit: %w", err)
	}
	return room, nil
}

func (s *Store) GetRoom(ctx context.Context, id domain.RoomID) (domain.Room, error) {
	var (
		room    domain.Room
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, created_at FROM rooms WHERE id = ?`, id,
	).Scan(&room.ID, &room.Name, &room.OwnerID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	if err != nil {
		return domain.Room{}, fmt.Errorf("get room: %w", err)
	}
	room.CreatedAt = fromUnix(created)
	return room, nil
}
