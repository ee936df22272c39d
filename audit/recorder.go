// Package audit keeps an append-only SQLite trail of committed airdrop
// operations, independent of the ledger's own storage.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/tolelom/dropchain/events"
	"github.com/tolelom/dropchain/internal/logging"
)

// ErrInvalidEvent is returned by Record for an event whose data does not
// have the expected types.
var ErrInvalidEvent = errors.New("invalid audit event")

// Entry is one recorded operation.
type Entry struct {
	ID          string
	Type        events.EventType
	TxID        string
	BlockHeight int64
	Caller      string
	User        string
	Amount      uint64
	RecordedAt  time.Time
}

// Totals aggregates amounts by operation type.
type Totals struct {
	Initial   uint64 `json:"initial"`
	Refilled  uint64 `json:"refilled"`
	Allocated uint64 `json:"allocated"`
	Withdrawn uint64 `json:"withdrawn"`
	Users     uint64 `json:"users"`
}

// Outstanding is the value still held in escrows.
func (t Totals) Outstanding() uint64 { return t.Allocated - t.Withdrawn }

// Recorder writes airdrop events to SQLite.
type Recorder struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
}

// Open opens (or creates) the SQLite database at path and runs migrations.
func Open(path string, logger *zap.Logger) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &Recorder{db: db, logger: logging.OrNop(logger).Named("audit"), now: time.Now}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r.logger.Info("audit trail opened", zap.String("path", path))
	return r, nil
}

func (r *Recorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS airdrop_events (
			id           TEXT PRIMARY KEY,
			event_type   TEXT NOT NULL,
			tx_id        TEXT NOT NULL,
			block_height INTEGER NOT NULL,
			caller       TEXT,
			participant  TEXT,
			amount       TEXT NOT NULL,
			recorded_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_airdrop_events_type ON airdrop_events(event_type)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_airdrop_events_tx ON airdrop_events(tx_id, event_type)`,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Attach subscribes the recorder to every airdrop event on em.
func (r *Recorder) Attach(em *events.Emitter) {
	em.Subscribe(r.onEvent, events.AirdropEvents...)
}

func (r *Recorder) onEvent(ev events.Event) {
	if err := r.Record(context.Background(), ev); err != nil {
		r.logger.Error("record event",
			zap.String("event", string(ev.Type)),
			zap.String("tx", ev.TxID),
			zap.Error(err))
	}
}

// Record stores ev. Replaying the same (tx, type) pair is ignored.
func (r *Recorder) Record(ctx context.Context, ev events.Event) error {
	caller, _ := ev.Data["caller"].(string)
	user, _ := ev.Data["user"].(string)
	var amount uint64
	if raw, ok := ev.Data["amount"]; ok {
		if amount, ok = raw.(uint64); !ok {
			return fmt.Errorf("%w: amount is %T", ErrInvalidEvent, raw)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO airdrop_events
			(id, event_type, tx_id, block_height, caller, participant, amount, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), string(ev.Type), ev.TxID, ev.BlockHeight,
		caller, user, strconv.FormatUint(amount, 10), r.now().Unix(),
	)
	return err
}

// Entries returns the most recent limit entries, newest first.
func (r *Recorder) Entries(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, event_type, tx_id, block_height, caller, participant, amount, recorded_at
		   FROM airdrop_events ORDER BY recorded_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			typ    string
			amount string
			at     int64
		)
		if err := rows.Scan(&e.ID, &typ, &e.TxID, &e.BlockHeight, &e.Caller, &e.User, &amount, &at); err != nil {
			return nil, err
		}
		if e.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return nil, fmt.Errorf("entry %s amount: %w", e.ID, err)
		}
		e.Type = events.EventType(typ)
		e.RecordedAt = time.Unix(at, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Totals sums recorded amounts per operation type.
func (r *Recorder) Totals(ctx context.Context) (Totals, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT event_type, amount FROM airdrop_events`)
	if err != nil {
		return Totals{}, err
	}
	defer rows.Close()

	var t Totals
	for rows.Next() {
		var typ, raw string
		if err := rows.Scan(&typ, &raw); err != nil {
			return Totals{}, err
		}
		amount, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Totals{}, fmt.Errorf("amount %q: %w", raw, err)
		}
		var dst *uint64
		switch events.EventType(typ) {
		case events.EventPoolInitialized:
			dst = &t.Initial
		case events.EventPoolRefilled:
			dst = &t.Refilled
		case events.EventUserCreated:
			dst = &t.Allocated
			t.Users++
		case events.EventAirdropWithdrawn:
			dst = &t.Withdrawn
		default:
			continue
		}
		sum, carry := bits.Add64(*dst, amount, 0)
		if carry != 0 {
			return Totals{}, fmt.Errorf("%s total overflows", typ)
		}
		*dst = sum
	}
	return t, rows.Err()
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}
