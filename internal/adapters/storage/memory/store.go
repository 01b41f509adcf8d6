// Package memory is an in-process implementation of core.Store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/oklog/ulid/v2"
)

type memberKey struct {
	room domain.RoomID
	user domain.UserID
}

type Store struct {
	mu            sync.RWMutex
	rooms         map[domain.RoomID]domain.Room
	members       map[memberKey]*domain.Membership
	sessions      map[domain.SessionID]*domain.Session
	presentations map[domain.PresentationID]*domain.Presentation
}

func New() *Store {
	return &Store{
		rooms:         make(map[domain.RoomID]domain.Room),
		members:       make(map[memberKey]*domain.Membership),
		sessions:      make(map[domain.SessionID]*domain.Session),
		presentations: make(map[domain.PresentationID]*domain.Presentation),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateRoom(_ context.Context, name string, owner domain.Principal) (domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	room := domain.Room{
		ID:        domain.RoomID(ulid.Make().String()),
		Name:      name,
		OwnerID:   owner.UserID,
		CreatedAt: now,
	}
	s.rooms[room.ID] = room
	s.members[memberKey{room.ID, owner.UserID}] = &domain.Membership{
		ID:          domain.MemberID(ulid.Make().String()),
		RoomID:      room.ID,
		UserID:      owner.UserID,
		Role:        domain.RoleOwner,
		DisplayName: owner.DisplayName,
		Avatar:      owner.Avatar,
		CreatedAt:   now,
	}
	return room, nil
}

func (s *Store) GetRoom(_ context.Context, id domain.RoomID) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return room, nil
}

func (s *Store) GetMembership(_ context.Context, room domain.RoomID, user domain.UserID) (domain.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey{room, user}]
	if !ok {
		return domain.Membership{}, domain.ErrMembershipNotFound
	}
	return *m, nil
}

func (s *Store) ActivateMembership(_ context.Context, room domain.RoomID, p domain.Principal, role domain.Role) (domain.Membership, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room]; !ok {
		return domain.Membership{}, false, domain.ErrRoomNotFound
	}
	key := memberKey{room, p.UserID}
	if m, ok := s.members[key]; ok {
		if m.Banned {
			return *m, false, domain.ErrBanned
		}
		if !m.Pending {
			return *m, false, nil
		}
		m.Pending = false
		return *m, true, nil
	}
	m := &domain.Membership{
		ID:          domain.MemberID(ulid.Make().String()),
		RoomID:      room,
		UserID:      p.UserID,
		Role:        role,
		DisplayName: p.DisplayName,
		Avatar:      p.Avatar,
		CreatedAt:   time.Now(),
	}
	s.members[key] = m
	return *m, true, nil
}

// AddPending stores a membership awaiting admission.
func (s *Store) AddPending(_ context.Context, room domain.RoomID, p domain.Principal) (domain.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &domain.Membership{
		ID:          domain.MemberID(ulid.Make().String()),
		RoomID:      room,
		UserID:      p.UserID,
		Role:        domain.RoleGuest,
		DisplayName: p.DisplayName,
		Pending:     true,
		CreatedAt:   time.Now(),
	}
	s.members[memberKey{room, p.UserID}] = m
	return *m, nil
}

func (s *Store) SetRole(_ context.Context, room domain.RoomID, user domain.UserID, role domain.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey{room, user}]
	if !ok {
		return domain.ErrMembershipNotFound
	}
	m.Role = role
	return nil
}

func (s *Store) SetBanned(_ context.Context, room domain.RoomID, user domain.UserID, banned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey{room, user}]
	if !ok {
		return domain.ErrMembershipNotFound
	}
	m.Banned = banned
	return nil
}

func (s *Store) FindOpenSession(_ context.Context, serverID string, member domain.MemberID) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *domain.Session
	for _, sess := range s.sessions {
		if sess.ServerID != serverID || sess.MemberID != member || sess.Ended() {
			continue
		}
		if found == nil || sess.CreatedAt.After(found.CreatedAt) {
			found = sess
		}
	}
	if found == nil {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return clone(found), nil
}

func (s *Store) CreateSession(_ context.Context, sess domain.Session) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var owner *domain.Membership
	for _, m := range s.members {
		if m.ID == sess.MemberID {
			owner = m
			break
		}
	}
	if owner == nil {
		return domain.Session{}, domain.ErrMembershipNotFound
	}
	for _, open := range s.sessions {
		if open.ServerID == sess.ServerID && open.MemberID == sess.MemberID && !open.Ended() {
			return domain.Session{}, fmt.Errorf("open session exists for member %s: %w", sess.MemberID, domain.ErrConflict)
		}
	}
	if sess.ID == "" {
		sess.ID = domain.SessionID(ulid.Make().String())
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	sess.Producers = slices.Clone(sess.Producers)
	s.sessions[sess.ID] = &sess
	owner.ActiveSession = sess.ID
	return clone(&sess), nil
}

func (s *Store) GetSession(_ context.Context, id domain.SessionID) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return clone(sess), nil
}

func (s *Store) EndSession(_ context.Context, id domain.SessionID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if sess.Ended() {
		return nil
	}
	sess.EndedAt = &at
	for _, m := range s.members {
		if m.ActiveSession == id {
			m.ActiveSession = ""
		}
	}
	return nil
}

func (s *Store) AddSessionProducer(_ context.Context, id domain.SessionID, producer domain.ProducerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	if !slices.Contains(sess.Producers, producer) {
		sess.Producers = append(sess.Producers, producer)
	}
	return nil
}

func (s *Store) RemoveSessionProducer(_ context.Context, id domain.SessionID, producer domain.ProducerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	sess.Producers = slices.DeleteFunc(sess.Producers, func(p domain.ProducerID) bool { return p == producer })
	return nil
}

func (s *Store) CreatePresentation(_ context.Context, p domain.Presentation) (domain.Presentation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[p.RoomID]; !ok {
		return domain.Presentation{}, domain.ErrRoomNotFound
	}
	if p.ID == "" {
		p.ID = domain.PresentationID(ulid.Make().String())
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.presentations[p.ID] = &p
	return p, nil
}

func (s *Store) GetPresentation(_ context.Context, id domain.PresentationID) (domain.Presentation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presentations[id]
	if !ok {
		return domain.Presentation{}, domain.ErrPresentationNotFound
	}
	return *p, nil
}

func (s *Store) StartPresentation(_ context.Context, id domain.PresentationID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presentations[id]
	if !ok || p.Ended() {
		return domain.ErrPresentationNotFound
	}
	if p.StartedAt == nil {
		p.StartedAt = &at
	}
	return nil
}

func (s *Store) EndPresentation(_ context.Context, id domain.PresentationID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presentations[id]
	if !ok {
		return domain.ErrPresentationNotFound
	}
	if p.EndedAt == nil {
		p.EndedAt = &at
	}
	return nil
}

// ActivePresentations lists started, non-ended presentations of a room.
func (s *Store) ActivePresentations(room domain.RoomID) []domain.Presentation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Presentation
	for _, p := range s.presentations {
		if p.RoomID == room && p.Active() {
			out = append(out, *p)
		}
	}
	return out
}

// MembershipCount counts memberships of a room, pending ones included.
func (s *Store) MembershipCount(room domain.RoomID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.members {
		if k.room == room {
			n++
		}
	}
	return n
}

func clone(sess *domain.Session) domain.Session {
	out := *sess
	out.Producers = slices.Clone(sess.Producers)
	return out
}
