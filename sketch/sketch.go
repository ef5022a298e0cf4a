/*
	Tracesketch
	Copyright (c) 2024 The Tracesketch Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package sketch implements the core search and annotation subsystem:
// sketch-scoped access control, the query compiler and executor over
// the event store, the annotation engine, the archive state machine,
// and streaming export. It mediates between the relational metadata
// store (sqlite) and the full-text event store (OpenSearch); the two
// are eventually consistent, with the relational store authoritative
// for access control, annotations as entities, and archive status.
package sketch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tracesketch/tracesketch/eventstore"
	"go.uber.org/zap"
)

// Defaults for interactive queries and streams.
const (
	DefaultSize        = 100
	DefaultStreamLimit = 5000
)

// Options tunes the service. Zero values select defaults.
type Options struct {
	// DefaultSize is the page size for interactive queries.
	DefaultSize int `json:"default_size,omitempty"`

	// StreamLimit is the page size cap for streaming queries.
	StreamLimit int `json:"stream_limit,omitempty"`

	// ExportSlices is the sliced-export fan-out; capped at the event
	// store connection pool size.
	ExportSlices int `json:"export_slices,omitempty"`

	// FlushInterval is the ingest buffer flush threshold.
	FlushInterval int `json:"flush_interval,omitempty"`

	// ProtectedLabels prevent archive and deletion of a sketch that
	// carries any of them.
	ProtectedLabels []string `json:"protected_labels,omitempty"`
}

func (o *Options) fillDefaults() {
	if o.DefaultSize <= 0 {
		o.DefaultSize = DefaultSize
	}
	if o.StreamLimit <= 0 {
		o.StreamLimit = DefaultStreamLimit
	}
}

// Service is the core of the server. It is safe for concurrent use by
// multiple request handlers; metadata writes are serialized by sqlite,
// archive transitions are serialized per sketch by archiveMu.
type Service struct {
	db   *sql.DB
	dbMu sync.RWMutex
	es   *eventstore.Client
	log  *zap.Logger
	id   uuid.UUID
	opts Options

	archiveMu *mapMutex

	// in-memory caches; see invalidation notes on each accessor
	cachesMu       sync.RWMutex
	readyTimelines map[int64][]*Timeline // sketch id -> timelines in status ready
	permCache      map[permCacheKey]bool // invalidated on grant/revoke
}

// Open opens (creating if needed) the metadata store in dataDir and
// returns a ready service connected to the given event store.
func Open(ctx context.Context, dataDir string, es *eventstore.Client, opts Options) (*Service, error) {
	opts.fillDefaults()

	db, err := openAndProvisionDB(ctx, dataDir)
	if err != nil {
		return nil, err
	}
	id, err := loadServerID(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Service{
		db:             db,
		es:             es,
		log:            Log.Named("sketch"),
		id:             id,
		opts:           opts,
		archiveMu:      newMapMutex(),
		readyTimelines: make(map[int64][]*Timeline),
		permCache:      make(map[permCacheKey]bool),
	}
	s.log.Info("metadata store open", zap.String("server_id", id.String()))
	return s, nil
}

// Close releases the metadata store.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// EventStore exposes the adapter for callers that need raw primitives
// (analyzers use this; the HTTP surface does not).
func (s *Service) EventStore() *eventstore.Client { return s.es }

// CreateUser adds a user account.
func (s *Service) CreateUser(ctx context.Context, username, name string, admin bool) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalid)
	}
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, name, admin) VALUES (?, ?, ?)`,
		username, name, admin)
	if err != nil {
		return nil, fmt.Errorf("inserting user %s: %w", username, wrapConflict(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Username: username, Name: name, Admin: admin}, nil
}

// UserByName looks up a user by username.
func (s *Service) UserByName(ctx context.Context, username string) (*User, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, COALESCE(name, ''), admin FROM users WHERE username=? LIMIT 1`,
		username).Scan(&u.ID, &u.Username, &u.Name, &u.Admin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting user %s: %w", username, err)
	}
	return &u, nil
}

// CreateGroup adds a group; ownerID may be nil for a public group.
func (s *Service) CreateGroup(ctx context.Context, name string, ownerID *int64) (*Group, error) {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	res, err := s.db.ExecContext(ctx, `INSERT INTO groups (name, user_id) VALUES (?, ?)`, name, ownerID)
	if err != nil {
		return nil, fmt.Errorf("inserting group %s: %w", name, wrapConflict(err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Group{ID: id, Name: name, UserID: ownerID}, nil
}

// AddGroupMember puts a user in a group. Idempotent.
func (s *Service) AddGroupMember(ctx context.Context, groupID, userID int64) error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)`, groupID, userID)
	if err != nil {
		return fmt.Errorf("adding group member: %w", err)
	}
	s.invalidatePermCache()
	return nil
}

// CreateSketch creates a sketch owned by user and seeds its ACL with
// the owner's read+write+delete. Status starts at new and is promoted
// to ready on first timeline attach.
func (s *Service) CreateSketch(ctx context.Context, user *User, name, description string) (*Sketch, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: sketch name is required", ErrInvalid)
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO sketches (name, description, user_id, status) VALUES (?, ?, ?, ?)`,
		name, description, user.ID, StatusNew)
	if err != nil {
		return nil, fmt.Errorf("inserting sketch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	for _, perm := range []Permission{PermRead, PermWrite, PermDelete} {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO acl (sketch_id, user_id, permission) VALUES (?, ?, ?)`,
			id, user.ID, perm)
		if err != nil {
			return nil, fmt.Errorf("seeding sketch ACL: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.invalidatePermCache()

	now := time.Now()
	return &Sketch{
		ID: id, Name: name, Description: description,
		UserID: user.ID, Status: StatusNew, Created: now, Updated: now,
	}, nil
}

// SketchByID loads a sketch row without any access check; internal
// callers gate with requireAccess first.
func (s *Service) sketchByID(ctx context.Context, q queryer, id int64) (*Sketch, error) {
	var sk Sketch
	var created, updated int64
	err := q.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(description, ''), user_id, status, created, updated
		FROM sketches WHERE id=? LIMIT 1`, id).
		Scan(&sk.ID, &sk.Name, &sk.Description, &sk.UserID, &sk.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sketch %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting sketch %d: %w", id, err)
	}
	sk.Created = time.Unix(created, 0)
	sk.Updated = time.Unix(updated, 0)

	rows, err := q.QueryContext(ctx, `SELECT label FROM sketch_labels WHERE sketch_id=?`, id)
	if err != nil {
		return nil, fmt.Errorf("selecting sketch labels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, err
		}
		sk.Labels = append(sk.Labels, label)
	}
	return &sk, rows.Err()
}

// Sketch returns sketch detail for a user, including timelines. The
// caller sees only sketches they can read; deleted sketches are hidden
// from everyone but admins.
func (s *Service) Sketch(ctx context.Context, user *User, id int64) (*Sketch, error) {
	if err := s.requireAccess(ctx, user, id, PermRead); err != nil {
		return nil, err
	}

	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	sk, err := s.sketchByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sk.Status == StatusDeleted && !user.Admin {
		return nil, fmt.Errorf("sketch %d: %w", id, ErrNotFound)
	}
	sk.Timelines, err = s.timelinesForSketch(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return sk, nil
}

// ListSketches returns every sketch the user may read, most recently
// updated first. Deleted sketches are included only for admins.
func (s *Service) ListSketches(ctx context.Context, user *User) ([]*Sketch, error) {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, COALESCE(description, ''), user_id, status, created, updated
		FROM sketches ORDER BY updated DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sketches: %w", err)
	}
	defer rows.Close()

	var sketches []*Sketch
	for rows.Next() {
		var sk Sketch
		var created, updated int64
		if err := rows.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.UserID, &sk.Status, &created, &updated); err != nil {
			return nil, err
		}
		if sk.Status == StatusDeleted && !user.Admin {
			continue
		}
		sk.Created = time.Unix(created, 0)
		sk.Updated = time.Unix(updated, 0)
		sketches = append(sketches, &sk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// filter by readability after the scan so we don't hold rows
	// open across permission queries
	readable := make([]*Sketch, 0, len(sketches))
	for _, sk := range sketches {
		ok, err := s.hasPermissionLocked(ctx, user, sk.ID, PermRead)
		if err != nil {
			return nil, err
		}
		if ok {
			readable = append(readable, sk)
		}
	}
	return readable, nil
}

// UpdateSketch renames or re-describes a sketch.
func (s *Service) UpdateSketch(ctx context.Context, user *User, id int64, name, description string) error {
	if err := s.requireAccess(ctx, user, id, PermWrite); err != nil {
		return err
	}
	if err := s.requireNotArchived(ctx, id); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: sketch name is required", ErrInvalid)
	}

	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sketches SET name=?, description=?, updated=unixepoch() WHERE id=?`,
		name, description, id)
	if err != nil {
		return fmt.Errorf("updating sketch %d: %w", id, err)
	}
	return nil
}

// AddSketchLabel attaches a free-form label to the sketch itself (not
// to events). Idempotent.
func (s *Service) AddSketchLabel(ctx context.Context, user *User, id int64, label string) error {
	if err := s.requireAccess(ctx, user, id, PermWrite); err != nil {
		return err
	}
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sketch_labels (sketch_id, label) VALUES (?, ?)`, id, label)
	if err != nil {
		return fmt.Errorf("labeling sketch %d: %w", id, err)
	}
	return nil
}

// requireNotArchived rejects operations on archived (or deleted)
// sketches regardless of ACL. Unarchive is the only way out.
func (s *Service) requireNotArchived(ctx context.Context, sketchID int64) error {
	s.dbMu.RLock()
	defer s.dbMu.RUnlock()
	return s.requireNotArchivedLocked(ctx, sketchID)
}

func (s *Service) requireNotArchivedLocked(ctx context.Context, sketchID int64) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sketches WHERE id=? LIMIT 1`, sketchID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sketch %d: %w", sketchID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	switch status {
	case StatusArchived:
		return ErrArchived
	case StatusDeleted:
		return fmt.Errorf("sketch %d: %w", sketchID, ErrNotFound)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func wrapConflict(err error) error {
	if err == nil {
		return nil
	}
	// sqlite reports unique violations in the message; we don't pull
	// in the driver's error codes just for this
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", ErrConflict, err.Error())
	}
	return err
}
