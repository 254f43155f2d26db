// Package session persists the node's network session: device address, join mode and the
// uplink frame counter, plus a short history of transmitted uplinks.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lorawan-node/internal/node"
	"lorawan-node/internal/utils"
)

// ErrNotFound is returned by Load before the first Save.
var ErrNotFound = errors.New("session not found")

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// DefaultHistory is the number of uplinks kept by RecordUplink.
const DefaultHistory = 100

// State is the persisted session.
type State struct {
	DevAddr       uint32
	JoinMode      node.JoinMode
	UplinkCounter uint32
	// JoinedAt is zero until the first successful join.
	JoinedAt  time.Time
	UpdatedAt time.Time
}

// Uplink is one transmitted frame.
type Uplink struct {
	DevAddr uint32
	FCnt    uint32
	FPort   uint8
	Payload []byte
	SentAt  time.Time
}

type Store struct {
	db      *sql.DB
	history int
	now     func() time.Time
}

// NewStore returns a store over a migrated database. history <= 0 selects DefaultHistory.
func NewStore(db *sql.DB, history int) *Store {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Store{db: db, history: history, now: time.Now}
}

// Ping checks that the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	var ok int
	if err := s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&ok); err != nil {
		return fmt.Errorf("session db: %w", err)
	}
	return nil
}

// Load returns the stored session or ErrNotFound.
func (s *Store) Load(ctx context.Context) (State, error) {
	var (
		devAddr  string
		mode     string
		fcnt     int64
		joinedAt sql.NullString
		updated  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT dev_addr, join_mode, f_cnt_up, joined_at, updated_at
		FROM lorawan_session WHERE id = 1
	`).Scan(&devAddr, &mode, &fcnt, &joinedAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("load session: %w", err)
	}

	st := State{UplinkCounter: uint32(fcnt)}
	if st.DevAddr, err = utils.ParseHex8(devAddr); err != nil {
		return State{}, fmt.Errorf("load session: dev_addr: %w", err)
	}
	jm, ok := node.ParseJoinMode(mode)
	if !ok {
		return State{}, fmt.Errorf("load session: unknown join mode %q", mode)
	}
	st.JoinMode = jm
	if joinedAt.Valid {
		if st.JoinedAt, err = time.Parse(timeLayout, joinedAt.String); err != nil {
			return State{}, fmt.Errorf("load session: joined_at: %w", err)
		}
	}
	if st.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return State{}, fmt.Errorf("load session: updated_at: %w", err)
	}
	return st, nil
}

// Save upserts the session and stamps UpdatedAt.
func (s *Store) Save(ctx context.Context, st State) error {
	var joinedAt any
	if !st.JoinedAt.IsZero() {
		joinedAt = st.JoinedAt.UTC().Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lorawan_session (id, dev_addr, join_mode, f_cnt_up, joined_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			dev_addr   = excluded.dev_addr,
			join_mode  = excluded.join_mode,
			f_cnt_up   = excluded.f_cnt_up,
			joined_at  = excluded.joined_at,
			updated_at = excluded.updated_at
	`,
		utils.Hex8(st.DevAddr),
		string(st.JoinMode),
		int64(st.UplinkCounter),
		joinedAt,
		s.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// RecordUplink stores u and prunes the history to the configured size.
func (s *Store) RecordUplink(ctx context.Context, u Uplink) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record uplink: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	addr := utils.Hex8(u.DevAddr)
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO uplinks (f_cnt, dev_addr, f_port, payload, sent_at)
		VALUES (?, ?, ?, ?, ?)
	`, int64(u.FCnt), addr, int(u.FPort), u.Payload, u.SentAt.UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("record uplink: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM uplinks WHERE rowid NOT IN (
			SELECT rowid FROM uplinks ORDER BY sent_at DESC, rowid DESC LIMIT ?
		)
	`, s.history); err != nil {
		return fmt.Errorf("prune uplinks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record uplink: %w", err)
	}
	return nil
}

// RecentUplinks returns up to limit uplinks, newest first.
func (s *Store) RecentUplinks(ctx context.Context, limit int) ([]Uplink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dev_addr, f_cnt, f_port, payload, sent_at
		FROM uplinks ORDER BY sent_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list uplinks: %w", err)
	}
	defer rows.Close()

	var out []Uplink
	for rows.Next() {
		var (
			addr   string
			fcnt   int64
			port   int
			u      Uplink
			sentAt string
		)
		if err := rows.Scan(&addr, &fcnt, &port, &u.Payload, &sentAt); err != nil {
			return nil, fmt.Errorf("scan uplink: %w", err)
		}
		if u.DevAddr, err = utils.ParseHex8(addr); err != nil {
			return nil, fmt.Errorf("scan uplink: dev_addr: %w", err)
		}
		if u.SentAt, err = time.Parse(timeLayout, sentAt); err != nil {
			return nil, fmt.Errorf("scan uplink: sent_at: %w", err)
		}
		u.FCnt = uint32(fcnt)
		u.FPort = uint8(port)
		out = append(out, u)
	}
	return out, rows.Err()
}
