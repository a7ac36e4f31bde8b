// Package datastore persists the server's player ledger in SQLite.
//
// The ledger records every player the server has seen and the moderation
// state attached to them. It is consulted on authentication (a muted
// player still connects, their audio is just not forwarded) and survives
// restarts, unlike the in-memory session table.
package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// Player is one row of the ledger.
type Player struct {
	ID        uuid.UUID
	Name      string
	FirstSeen time.Time
	LastSeen  time.Time
	Muted     bool
}

// Store is the SQLite-backed player ledger.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()
	// WAL for concurrent reads, busy timeout so the keepalive loop and
	// auth path do not trip over "database is locked".
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("datastore: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS players (
		id         TEXT    NOT NULL PRIMARY KEY,
		name       TEXT    NOT NULL DEFAULT '',
		first_seen TEXT    NOT NULL,
		last_seen  TEXT    NOT NULL,
		muted      INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertSeen records that a player was seen now, inserting the row on
// first contact. Name updates on every call; a player may rename.
func (s *Store) UpsertSeen(id uuid.UUID, name string, at time.Time) error {
	ts := formatDBTime(at)
	_, err := s.db.ExecContext(context.Background(), `
		INSERT INTO players (id, name, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, last_seen = excluded.last_seen`,
		id.String(), name, ts, ts)
	if err != nil {
		return fmt.Errorf("datastore: upsert player: %w", err)
	}
	return nil
}

// SetMuted updates a player's server-side mute flag.
func (s *Store) SetMuted(id uuid.UUID, muted bool) error {
	mutedInt := 0
	if muted {
		mutedInt = 1
	}
	res, err := s.db.ExecContext(context.Background(),
		"UPDATE players SET muted = ? WHERE id = ?", mutedInt, id.String())
	if err != nil {
		return fmt.Errorf("datastore: set muted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("datastore: set muted: unknown player %s", id)
	}
	return nil
}

// IsMuted reports a player's mute flag. Unknown players are not muted.
func (s *Store) IsMuted(id uuid.UUID) (bool, error) {
	var mutedInt int
	err := s.db.QueryRowContext(context.Background(),
		"SELECT muted FROM players WHERE id = ?", id.String()).Scan(&mutedInt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("datastore: check muted: %w", err)
	}
	return mutedInt != 0, nil
}

// Player retrieves one ledger row, or nil if the player is unknown.
func (s *Store) Player(id uuid.UUID) (*Player, error) {
	row := s.db.QueryRowContext(context.Background(),
		"SELECT id, name, first_seen, last_seen, muted FROM players WHERE id = ?", id.String())
	p, err := scanPlayer(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get player: %w", err)
	}
	return p, nil
}

// ListPlayers returns every ledger row ordered by last activity.
func (s *Store) ListPlayers() ([]Player, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT id, name, first_seen, last_seen, muted FROM players ORDER BY last_seen DESC")
	if err != nil {
		return nil, fmt.Errorf("datastore: list players: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var players []Player
	for rows.Next() {
		p, err := scanPlayer(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan player: %w", err)
		}
		players = append(players, *p)
	}
	return players, rows.Err()
}

func scanPlayer(scan func(dest ...any) error) (*Player, error) {
	var idStr, firstSeen, lastSeen string
	var mutedInt int
	p := &Player{}
	if err := scan(&idStr, &p.Name, &firstSeen, &lastSeen, &mutedInt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	p.ID = id
	p.Muted = mutedInt != 0
	if p.FirstSeen, err = parseDBTime(firstSeen); err != nil {
		return nil, err
	}
	if p.LastSeen, err = parseDBTime(lastSeen); err != nil {
		return nil, err
	}
	return p, nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}
