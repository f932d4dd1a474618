package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/freedom-finance-stack/drishtipay-pos-sdk/internal/workflow"
)

const schema = `
CREATE TABLE IF NOT EXISTS peers (
	id               TEXT PRIMARY KEY,
	first_paired_at  INTEGER NOT NULL,
	last_paired_at   INTEGER NOT NULL,
	last_unpaired_at INTEGER,
	pair_count       INTEGER NOT NULL DEFAULT 0,
	initiator        INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS transfers (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	peer_id    TEXT NOT NULL,
	direction  TEXT NOT NULL,
	tag        TEXT NOT NULL,
	payload    TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_peer ON transfers(peer_id, created_at);
`

// DefaultListLimit caps list queries when no limit is given
const DefaultListLimit = 100

// Store is the sqlite-backed peer registry and transfer log
type Store struct {
	db *sql.DB
}

// Peer is a device this engine has paired with
type Peer struct {
	ID             string     `json:"id"`
	FirstPairedAt  time.Time  `json:"first_paired_at"`
	LastPairedAt   time.Time  `json:"last_paired_at"`
	LastUnpairedAt *time.Time `json:"last_unpaired_at,omitempty"`
	PairCount      int        `json:"pair_count"`
	Initiator      bool       `json:"initiator"`
}

// Open opens (creating if needed) the database at path and applies the schema
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// PeerPaired records a successful pairing with peerID
func (s *Store) PeerPaired(ctx context.Context, peerID string, initiator bool) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (id, first_paired_at, last_paired_at, pair_count, initiator)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_paired_at = excluded.last_paired_at,
			pair_count = pair_count + 1,
			initiator = excluded.initiator`,
		peerID, now, now, initiator,
	)
	if err != nil {
		return fmt.Errorf("failed to record pairing with %s: %w", peerID, err)
	}
	return nil
}

// PeerUnpaired records the end of the pairing with peerID
func (s *Store) PeerUnpaired(ctx context.Context, peerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE peers SET last_unpaired_at = ? WHERE id = ?`,
		time.Now().Unix(), peerID,
	)
	if err != nil {
		return fmt.Errorf("failed to record unpairing from %s: %w", peerID, err)
	}
	return nil
}

// TransferLogged appends rec to the transfer log
func (s *Store) TransferLogged(ctx context.Context, rec workflow.TransferRecord) error {
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers (peer_id, direction, tag, payload, outcome, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.PeerID, rec.Direction, rec.Tag, rec.Payload, rec.Outcome, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to log transfer: %w", err)
	}
	return nil
}

// GetPeer returns one peer, or sql.ErrNoRows wrapped when unknown
func (s *Store) GetPeer(ctx context.Context, peerID string) (*Peer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, first_paired_at, last_paired_at, last_unpaired_at, pair_count, initiator
		FROM peers WHERE id = ?`, peerID)
	p, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("peer %s: %w", peerID, err)
	}
	return p, err
}

// ListPeers returns known peers, most recently paired first
func (s *Store) ListPeers(ctx context.Context) ([]Peer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, first_paired_at, last_paired_at, last_unpaired_at, pair_count, initiator
		FROM peers ORDER BY last_paired_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, *p)
	}
	return peers, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (*Peer, error) {
	var (
		p        Peer
		first    int64
		last     int64
		unpaired sql.NullInt64
	)
	if err := row.Scan(&p.ID, &first, &last, &unpaired, &p.PairCount, &p.Initiator); err != nil {
		return nil, err
	}
	p.FirstPairedAt = time.Unix(first, 0).UTC()
	p.LastPairedAt = time.Unix(last, 0).UTC()
	if unpaired.Valid {
		t := time.Unix(unpaired.Int64, 0).UTC()
		p.LastUnpairedAt = &t
	}
	return &p, nil
}

// ListTransfers returns logged transfers, newest first. An empty peerID
// lists every peer; limit <= 0 uses DefaultListLimit.
func (s *Store) ListTransfers(ctx context.Context, peerID string, limit int) ([]workflow.TransferRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT peer_id, direction, tag, payload, outcome, created_at FROM transfers`
	args := []any{}
	if peerID != "" {
		query += ` WHERE peer_id = ?`
		args = append(args, peerID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var out []workflow.TransferRecord
	for rows.Next() {
		var (
			rec workflow.TransferRecord
			at  int64
		)
		if err := rows.Scan(&rec.PeerID, &rec.Direction, &rec.Tag, &rec.Payload, &rec.Outcome, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		rec.At = time.UnixMilli(at).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
