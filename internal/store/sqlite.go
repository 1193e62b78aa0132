package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Chamikara1/cashpilot/internal/feed"
	"github.com/Chamikara1/cashpilot/internal/ledger"
	logx "github.com/Chamikara1/cashpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	defFeed *feed.Bus[DefinitionEvent]
	txnFeed *feed.Bus[TransactionEvent]
}

// Open initializes the sqlite-backed store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &sqliteStore{
		db:      db,
		log:     log,
		defFeed: feed.NewBus[DefinitionEvent](),
		txnFeed: feed.NewBus[TransactionEvent](),
	}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	s.defFeed.Close()
	s.txnFeed.Close()
	return s.db.Close()
}

// ---- time encoding (epoch millis; NULL for zero instants) ----

func msOf(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timeOf(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

// ---- definitions ----

const defColumns = `id, user_id, amount, category, description, term, created_at, last_processed, next_payment, cycles_completed`

func scanDefinition(row interface{ Scan(...any) error }) (ledger.Definition, error) {
	var (
		d                         ledger.Definition
		term                      string
		created, lastProc, nextPay sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.UserID, &d.Amount, &d.Category, &d.Description, &term,
		&created, &lastProc, &nextPay, &d.CyclesCompleted)
	if err != nil {
		return ledger.Definition{}, err
	}
	// Normalize known term spellings at the storage boundary; unknown
	// strings pass through for the scheduler to flag.
	if t, perr := ledger.ParseTerm(term); perr == nil {
		d.Term = t
	} else {
		d.Term = ledger.Term(term)
	}
	d.CreatedAt = timeOf(created)
	d.LastProcessed = timeOf(lastProc)
	d.NextPayment = timeOf(nextPay)
	return d, nil
}

func (s *sqliteStore) ListDefinitions(ctx context.Context) ([]ledger.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+defColumns+` FROM definitions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetDefinition(ctx context.Context, id string) (ledger.Definition, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+defColumns+` FROM definitions WHERE id = ?`, id)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Definition{}, false, nil
	}
	if err != nil {
		return ledger.Definition{}, false, err
	}
	return d, true, nil
}

func (s *sqliteStore) PutDefinition(ctx context.Context, d ledger.Definition) error {
	if strings.TrimSpace(d.ID) == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM definitions WHERE id = ?`, d.ID).Scan(&one)
	existed := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions(`+defColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id=excluded.user_id, amount=excluded.amount, category=excluded.category,
		   description=excluded.description, term=excluded.term, created_at=excluded.created_at,
		   last_processed=excluded.last_processed, next_payment=excluded.next_payment,
		   cycles_completed=excluded.cycles_completed`,
		d.ID, d.UserID, d.Amount, d.Category, d.Description, string(d.Term),
		msOf(d.CreatedAt), msOf(d.LastProcessed), msOf(d.NextPayment), d.CyclesCompleted,
	)
	if err != nil {
		return err
	}

	kind := Added
	if existed {
		kind = Modified
	}
	s.defFeed.Publish(DefinitionEvent{Kind: kind, Definition: d})
	return nil
}

func (s *sqliteStore) DeleteDefinition(ctx context.Context, id string) error {
	d, ok, err := s.GetDefinition(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM definitions WHERE id = ?`, id); err != nil {
		return err
	}
	s.defFeed.Publish(DefinitionEvent{Kind: Removed, Definition: d})
	return nil
}

func (s *sqliteStore) DueDefinitions(ctx context.Context, now time.Time) ([]ledger.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+defColumns+` FROM definitions WHERE next_payment IS NOT NULL AND next_payment <= ? ORDER BY next_payment`,
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SubscribeDefinitions(buffer int) (<-chan DefinitionEvent, func()) {
	return s.defFeed.Subscribe(buffer)
}

// ---- cycle completion ----

func (s *sqliteStore) CompleteCycle(ctx context.Context, c CycleCompletion) error {
	// Transaction first, definition advance second. Deliberately two writes:
	// a crash between them is recovered by rescheduling the same cycle.
	if _, err := s.WriteTransaction(ctx, c.Transaction); err != nil {
		return fmt.Errorf("write transaction: %w", err)
	}
	if err := s.advanceDefinition(ctx, nil, c); err != nil {
		return err
	}
	if d, ok, err := s.GetDefinition(ctx, c.DefinitionID); err == nil && ok {
		s.defFeed.Publish(DefinitionEvent{Kind: Modified, Definition: d})
	}
	return nil
}

func (s *sqliteStore) CompleteCycleBatch(ctx context.Context, cs []CycleCompletion) (int, error) {
	if len(cs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		done   int
		txns   []ledger.Transaction
		defIDs []string
	)
	for i := range cs {
		c := cs[i]
		if strings.TrimSpace(c.Transaction.ID) == "" {
			c.Transaction.ID = uuid.NewString()
		}
		if err := insertTransaction(ctx, tx, c.Transaction); err != nil {
			return 0, err
		}
		if err := s.advanceDefinition(ctx, tx, c); err != nil {
			if errors.Is(err, ErrNotFound) {
				// Definition vanished mid-batch; its transaction insert is
				// rolled back with the rest only if the whole batch fails,
				// so unwind this pair explicitly.
				if _, derr := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, c.Transaction.ID); derr != nil {
					return 0, derr
				}
				continue
			}
			return 0, err
		}
		done++
		txns = append(txns, c.Transaction)
		defIDs = append(defIDs, c.DefinitionID)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	// Feed events only after the batch is durable.
	for _, t := range txns {
		s.txnFeed.Publish(TransactionEvent{Kind: Added, Transaction: t})
	}
	for _, id := range defIDs {
		if d, ok, err := s.GetDefinition(ctx, id); err == nil && ok {
			s.defFeed.Publish(DefinitionEvent{Kind: Modified, Definition: d})
		}
	}
	return done, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStore) advanceDefinition(ctx context.Context, tx execer, c CycleCompletion) error {
	var ex execer = s.db
	if tx != nil {
		ex = tx
	}
	res, err := ex.ExecContext(ctx,
		`UPDATE definitions
		 SET last_processed = ?, next_payment = ?, cycles_completed = cycles_completed + 1
		 WHERE id = ?`,
		c.ProcessedAt.UnixMilli(), c.NextPayment.UnixMilli(), c.DefinitionID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("advance definition %s: %w", c.DefinitionID, ErrNotFound)
	}
	return nil
}

// ---- transactions ----

func insertTransaction(ctx context.Context, ex execer, t ledger.Transaction) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO transactions(id, user_id, amount, category, date, description, kind, recurring)
		 VALUES(?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.Amount, t.Category, t.Date.UnixMilli(), t.Description, t.Kind, boolInt(t.Recurring),
	)
	return err
}

func (s *sqliteStore) WriteTransaction(ctx context.Context, t ledger.Transaction) (string, error) {
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if t.Date.IsZero() {
		t.Date = time.Now()
	}
	if err := insertTransaction(ctx, s.db, t); err != nil {
		return "", err
	}
	s.txnFeed.Publish(TransactionEvent{Kind: Added, Transaction: t})
	return t.ID, nil
}

func (s *sqliteStore) SubscribeTransactions(buffer int) (<-chan TransactionEvent, func()) {
	return s.txnFeed.Subscribe(buffer)
}

// ---- goals ----

const goalColumns = `id, user_id, name, category, amount, created_at, due_date, last_progress, current_spent`

func scanGoal(row interface{ Scan(...any) error }) (ledger.Goal, error) {
	var (
		g            ledger.Goal
		created, due sql.NullInt64
	)
	err := row.Scan(&g.ID, &g.UserID, &g.Name, &g.Category, &g.Amount, &created, &due, &g.LastProgress, &g.CurrentSpent)
	if err != nil {
		return ledger.Goal{}, err
	}
	g.CreatedAt = timeOf(created)
	g.DueDate = timeOf(due)
	return g, nil
}

func (s *sqliteStore) GoalsFor(ctx context.Context, userID, category string) ([]ledger.Goal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+goalColumns+` FROM goals WHERE user_id = ? AND category = ?`, userID, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetGoal(ctx context.Context, id string) (ledger.Goal, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id = ?`, id)
	g, err := scanGoal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Goal{}, false, nil
	}
	if err != nil {
		return ledger.Goal{}, false, err
	}
	return g, true, nil
}

func (s *sqliteStore) PutGoal(ctx context.Context, g ledger.Goal) error {
	if strings.TrimSpace(g.ID) == "" {
		g.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO goals(`+goalColumns+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id=excluded.user_id, name=excluded.name, category=excluded.category,
		   amount=excluded.amount, created_at=excluded.created_at, due_date=excluded.due_date,
		   last_progress=excluded.last_progress, current_spent=excluded.current_spent`,
		g.ID, g.UserID, g.Name, g.Category, g.Amount, msOf(g.CreatedAt), msOf(g.DueDate), g.LastProgress, g.CurrentSpent,
	)
	return err
}

func (s *sqliteStore) UpdateGoalProgress(ctx context.Context, id string, progress, spent float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE goals SET last_progress = ?, current_spent = ? WHERE id = ?`, progress, spent, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update goal %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) SpentInWindow(ctx context.Context, userID, category string, from, to time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM transactions
		 WHERE user_id = ? AND category = ? AND date >= ? AND date <= ?`,
		userID, category, from.UnixMilli(), to.UnixMilli(),
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// ---- notifications ----

func (s *sqliteStore) WriteNotification(ctx context.Context, n ledger.Notification) (string, error) {
	if strings.TrimSpace(n.ID) == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Type == "" {
		n.Type = ledger.NotificationTypeBudgetAlert
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, user_id, goal_id, goal_name, message, progress, amount_spent, budget_amount, is_read, type, threshold, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.UserID, n.GoalID, n.GoalName, n.Message, n.Progress, n.AmountSpent, n.BudgetAmount,
		boolInt(n.Read), n.Type, n.Threshold, n.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
