package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tontine/internal/core"

	_ "modernc.org/sqlite"
)

// Export states for the worker that mirrors transactions to the shared sheet.
const (
	ExportPending = "pending"
	ExportDone    = "done"
	ExportError   = "error"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

var _ Store = (*SQLiteRepository)(nil)

// Member implements Store.
func (r *SQLiteRepository) Member(ctx context.Context, id string) (core.Member, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, email, phone, active, joined_at
		 FROM members WHERE id = ?`, id)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Member{}, core.ErrUnknownMember
	}
	if err != nil {
		return core.Member{}, fmt.Errorf("get member %s: %w", id, err)
	}
	return m, nil
}

// Members implements Store.
func (r *SQLiteRepository) Members(ctx context.Context) ([]core.Member, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, first_name, last_name, email, phone, active, joined_at
		 FROM members ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []core.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveMember inserts or updates a member record.
func (r *SQLiteRepository) SaveMember(ctx context.Context, m core.Member) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO members (id, first_name, last_name, email, phone, active, joined_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   first_name = excluded.first_name,
		   last_name  = excluded.last_name,
		   email      = excluded.email,
		   phone      = excluded.phone,
		   active     = excluded.active`,
		m.ID, m.FirstName, m.LastName, m.Email, m.Phone, boolToInt(m.Active),
		m.JoinedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save member %s: %w", m.ID, err)
	}

	slog.InfoContext(ctx, "Member saved",
		"member_id", m.ID,
		"active", m.Active)
	return nil
}

// NextMemberID implements Store.
func (r *SQLiteRepository) NextMemberID(ctx context.Context) (string, error) {
	n, err := r.maxSequence(ctx, "members")
	if err != nil {
		return "", fmt.Errorf("next member id: %w", err)
	}
	return core.MemberID(n + 1), nil
}

// Cycle implements Store.
func (r *SQLiteRepository) Cycle(ctx context.Context, id string) (core.Cycle, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, contribution_cents, duration, start_date, current_period, closed, created_at
		 FROM cycles WHERE id = ?`, id)
	c, err := r.scanCycle(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Cycle{}, core.ErrUnknownCycle
	}
	if err != nil {
		return core.Cycle{}, fmt.Errorf("get cycle %s: %w", id, err)
	}
	return c, nil
}

// Cycles implements Store.
func (r *SQLiteRepository) Cycles(ctx context.Context) ([]core.Cycle, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, contribution_cents, duration, start_date, current_period, closed, created_at
		 FROM cycles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var out []core.Cycle
	for rows.Next() {
		c, err := r.scanCycle(ctx, rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// OpenCycle returns the cycle currently in progress, if any.
func (r *SQLiteRepository) OpenCycle(ctx context.Context) (core.Cycle, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, contribution_cents, duration, start_date, current_period, closed, created_at
		 FROM cycles WHERE closed = 0 ORDER BY id LIMIT 1`)
	c, err := r.scanCycle(ctx, row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Cycle{}, core.ErrNoOpenCycle
	}
	if err != nil {
		return core.Cycle{}, fmt.Errorf("get open cycle: %w", err)
	}
	return c, nil
}

// NextCycleID implements Store.
func (r *SQLiteRepository) NextCycleID(ctx context.Context) (string, error) {
	n, err := r.maxSequence(ctx, "cycles")
	if err != nil {
		return "", fmt.Errorf("next cycle id: %w", err)
	}
	return core.CycleID(n + 1), nil
}

const txColumns = `id, member_id, cycle_id, period, amount_cents, kind, penalty_cents, created_at`

// Transactions implements Store.
func (r *SQLiteRepository) Transactions(ctx context.Context) ([]core.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM transactions ORDER BY created_at, id`)
}

// TransactionsByMember implements Store.
func (r *SQLiteRepository) TransactionsByMember(ctx context.Context, memberID string) ([]core.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE member_id = ? ORDER BY created_at, id`, memberID)
}

// TransactionsByCycle implements Store.
func (r *SQLiteRepository) TransactionsByCycle(ctx context.Context, cycleID string) ([]core.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE cycle_id = ? ORDER BY created_at, id`, cycleID)
}

// TransactionsByPeriod implements Store.
func (r *SQLiteRepository) TransactionsByPeriod(ctx context.Context, cycleID string, period int) ([]core.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE cycle_id = ? AND period = ? ORDER BY created_at, id`,
		cycleID, period)
}

// CachedBalance implements Store.
func (r *SQLiteRepository) CachedBalance(ctx context.Context, memberID string) (core.Money, bool, error) {
	var cents int64
	err := r.db.QueryRowContext(ctx,
		`SELECT cents FROM balances WHERE member_id = ?`, memberID).Scan(&cents)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Money{}, false, nil
	}
	if err != nil {
		return core.Money{}, false, fmt.Errorf("get balance %s: %w", memberID, err)
	}
	return core.Money{Cents: cents}, true, nil
}

// CachedBalances implements Store.
func (r *SQLiteRepository) CachedBalances(ctx context.Context) (map[string]core.Money, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT member_id, cents FROM balances`)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	defer rows.Close()

	out := make(map[string]core.Money)
	for rows.Next() {
		var id string
		var cents int64
		if err := rows.Scan(&id, &cents); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out[id] = core.Money{Cents: cents}
	}
	return out, rows.Err()
}

// CommitLedger implements Store. The whole update runs inside one SQL
// transaction: assigned transaction rows, balance cache rows and the cycle
// state land together or not at all.
func (r *SQLiteRepository) CommitLedger(ctx context.Context, u LedgerUpdate) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger commit: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(CAST(SUBSTR(id, 2) AS INTEGER)), 0) FROM transactions`).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("next transaction id: %w", err)
	}

	ids := make([]string, 0, len(u.Transactions))
	for i, t := range u.Transactions {
		t.ID = core.TransactionID(next + i + 1)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO transactions (id, member_id, cycle_id, period, amount_cents, kind, penalty_cents, created_at, export_state)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.MemberID, t.CycleID, t.Period, t.Amount.Cents, string(t.Kind),
			t.Penalty.Cents, t.Timestamp.UTC().Format(time.RFC3339), ExportPending)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return nil, fmt.Errorf("insert transaction %s: %w", t.ID, core.ErrDuplicateTransactionID)
			}
			return nil, fmt.Errorf("insert transaction %s: %w", t.ID, err)
		}
		ids = append(ids, t.ID)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for memberID, balance := range u.Balances {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO balances (member_id, cents, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(member_id) DO UPDATE SET cents = excluded.cents, updated_at = excluded.updated_at`,
			memberID, balance.Cents, now)
		if err != nil {
			return nil, fmt.Errorf("upsert balance %s: %w", memberID, err)
		}
	}

	if u.Cycle != nil {
		if err := upsertCycle(ctx, tx, *u.Cycle); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger update: %w", err)
	}

	slog.InfoContext(ctx, "Ledger update committed",
		"transactions", len(ids),
		"balances", len(u.Balances),
		"cycle_updated", u.Cycle != nil)
	return ids, nil
}

func upsertCycle(ctx context.Context, tx *sql.Tx, c core.Cycle) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO cycles (id, contribution_cents, duration, start_date, current_period, closed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   current_period = excluded.current_period,
		   closed         = excluded.closed`,
		c.ID, c.Contribution.Cents, c.Duration, c.StartDate.String(),
		c.Period, boolToInt(c.Closed), c.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert cycle %s: %w", c.ID, err)
	}

	rotationSlot := make(map[string]int, len(c.Rotation))
	for slot, memberID := range c.Rotation {
		rotationSlot[memberID] = slot
	}
	for pos, memberID := range c.Participants {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cycle_participants (cycle_id, member_id, position, rotation_slot)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(cycle_id, member_id) DO NOTHING`,
			c.ID, memberID, pos, rotationSlot[memberID])
		if err != nil {
			return fmt.Errorf("insert participant %s of cycle %s: %w", memberID, c.ID, err)
		}
	}
	return nil
}

// Transaction returns a single transaction by identifier. Used by the export
// worker to resolve event messages into full rows.
func (r *SQLiteRepository) Transaction(ctx context.Context, id string) (core.Transaction, error) {
	txs, err := r.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	if err != nil {
		return core.Transaction{}, err
	}
	if len(txs) == 0 {
		return core.Transaction{}, fmt.Errorf("transaction %s: not found", id)
	}
	return txs[0], nil
}

// PendingExport returns transactions not yet mirrored to the shared sheet.
func (r *SQLiteRepository) PendingExport(ctx context.Context, limit int) ([]core.Transaction, error) {
	return r.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE export_state = ? ORDER BY created_at, id LIMIT ?`,
		ExportPending, limit)
}

// MarkExported records a successful export of a transaction.
func (r *SQLiteRepository) MarkExported(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET export_state = ?, exported_at = ? WHERE id = ?`,
		ExportDone, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("mark transaction exported: %w", err)
	}
	slog.InfoContext(ctx, "Transaction marked as exported", "transaction_id", id)
	return nil
}

// MarkExportError flags a transaction whose export failed so the periodic
// sweep can retry it.
func (r *SQLiteRepository) MarkExportError(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET export_state = ? WHERE id = ?`, ExportError, id)
	if err != nil {
		return fmt.Errorf("mark transaction export error: %w", err)
	}
	slog.WarnContext(ctx, "Transaction marked with export error", "transaction_id", id)
	return nil
}

func (r *SQLiteRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		var t core.Transaction
		var kind, createdAt string
		if err := rows.Scan(&t.ID, &t.MemberID, &t.CycleID, &t.Period,
			&t.Amount.Cents, &kind, &t.Penalty.Cents, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = core.TransactionKind(kind)
		t.Timestamp = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) scanCycle(ctx context.Context, row rowScanner) (core.Cycle, error) {
	var c core.Cycle
	var startDate, createdAt string
	var closed int
	err := row.Scan(&c.ID, &c.Contribution.Cents, &c.Duration, &startDate,
		&c.Period, &closed, &createdAt)
	if err != nil {
		return core.Cycle{}, err
	}
	c.Closed = closed != 0
	if d, derr := core.ParseDate(startDate); derr == nil {
		c.StartDate = d
	}
	c.CreatedAt = parseTime(createdAt)
	return c, r.loadParticipants(ctx, &c)
}

func (r *SQLiteRepository) loadParticipants(ctx context.Context, c *core.Cycle) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT member_id, position, rotation_slot FROM cycle_participants
		 WHERE cycle_id = ? ORDER BY position`, c.ID)
	if err != nil {
		return fmt.Errorf("load participants of %s: %w", c.ID, err)
	}
	defer rows.Close()

	type slotted struct {
		memberID string
		slot     int
	}
	var slots []slotted
	for rows.Next() {
		var s slotted
		var pos int
		if err := rows.Scan(&s.memberID, &pos, &s.slot); err != nil {
			return fmt.Errorf("scan participant: %w", err)
		}
		c.Participants = append(c.Participants, s.memberID)
		slots = append(slots, s)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	c.Rotation = make([]string, len(slots))
	for _, s := range slots {
		if s.slot >= 0 && s.slot < len(c.Rotation) {
			c.Rotation[s.slot] = s.memberID
		}
	}
	return nil
}

func (r *SQLiteRepository) maxSequence(ctx context.Context, table string) (int, error) {
	var n int
	// table comes from a fixed internal call site, never user input
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(CAST(SUBSTR(id, 2) AS INTEGER)), 0) FROM `+table).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (core.Member, error) {
	var m core.Member
	var active int
	var joined string
	err := row.Scan(&m.ID, &m.FirstName, &m.LastName, &m.Email, &m.Phone, &active, &joined)
	if err != nil {
		return core.Member{}, err
	}
	m.Active = active != 0
	m.JoinedAt = parseTime(joined)
	return m, nil
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
