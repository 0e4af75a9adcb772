package record

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cosmo-local-credit/marketplace/publish/migrations"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Fixed width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens dsn and applies the embedded schema migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", fmt.Sprintf("failed to open database %s: %v", dsn, err), ErrConnectionFailed)
	}
	// One connection keeps :memory: databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", fmt.Sprintf("failed to ping database %s: %v", dsn, err), ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Recorder
// =============================================================================

func (s *SQLiteStore) StartRun(ctx context.Context, run migrations.Run) error {
	now := s.now().Format(timeLayout)
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, chain_id, deployer, status, started_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, int64(run.ChainID), run.Deployer.Hex(), string(migrations.StatusStarted),
		startedAt.UTC().Format(timeLayout), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return NewStoreError("StartRun", "run", run.ID, "run already exists", ErrDuplicateID)
		}
		return NewStoreError("StartRun", "run", run.ID, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) RecordStep(ctx context.Context, runID string, step migrations.StepRecord) error {
	args := step.ConstructorArgs
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return NewStoreError("RecordStep", "deployment", runID, "failed to encode constructor args", ErrInvalidData)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deployments (run_id, step, contract, address, tx_hash, block_number, gas_used, constructor_args, pending, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, string(step.Step), step.Contract,
		step.Result.ContractAddress.Hex(), step.Result.TxHash.Hex(),
		int64(step.Result.BlockNumber), int64(step.Result.GasUsed),
		string(argsJSON), step.Pending, s.now().Format(timeLayout),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return NewStoreError("RecordStep", "deployment", runID, "run does not exist", ErrForeignKey)
		}
		return NewStoreError("RecordStep", "deployment", runID, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, runID string, status migrations.Status, cause error) error {
	now := s.now().Format(timeLayout)
	var finishedAt *string
	if status.Terminal() {
		finishedAt = &now
	}
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ?, finished_at = COALESCE(?, finished_at) WHERE id = ?`,
		string(status), errText, now, finishedAt, runID,
	)
	if err != nil {
		return NewStoreError("SetStatus", "run", runID, err.Error(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return NewStoreError("SetStatus", "run", runID, err.Error(), err)
	}
	if n == 0 {
		return NewStoreError("SetStatus", "run", runID, "run not found", ErrNotFound)
	}
	return nil
}

// =============================================================================
// Queries
// =============================================================================

type runRow struct {
	ID         string         `db:"id"`
	ChainID    int64          `db:"chain_id"`
	Deployer   string         `db:"deployer"`
	Status     string         `db:"status"`
	Error      string         `db:"error"`
	StartedAt  string         `db:"started_at"`
	UpdatedAt  string         `db:"updated_at"`
	FinishedAt sql.NullString `db:"finished_at"`
}

type deploymentRow struct {
	ID              int64  `db:"id"`
	RunID           string `db:"run_id"`
	Step            string `db:"step"`
	Contract        string `db:"contract"`
	Address         string `db:"address"`
	TxHash          string `db:"tx_hash"`
	BlockNumber     int64  `db:"block_number"`
	GasUsed         int64  `db:"gas_used"`
	ConstructorArgs string `db:"constructor_args"`
	Pending         bool   `db:"pending"`
	CreatedAt       string `db:"created_at"`
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]Run, error) {
	return listRuns(ctx, s.db, opts)
}

func (s *SQLiteStore) ListDeploymentsByAddress(ctx context.Context, address string) ([]Deployment, error) {
	var rows []deploymentRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM deployments WHERE address = ? COLLATE NOCASE ORDER BY id`, address)
	if err != nil {
		return nil, NewStoreError("ListDeploymentsByAddress", "deployment", "", err.Error(), err)
	}
	return rowsToDeployments(rows)
}

func getRun(ctx context.Context, exec executor, id string) (*Run, error) {
	var row runRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}
	run, err := rowToRun(&row)
	if err != nil {
		return nil, err
	}
	run.Deployments, err = listDeploymentsByRun(ctx, exec, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func listRuns(ctx context.Context, exec executor, opts ListOptions) ([]Run, error) {
	opts = opts.Normalize()
	var rows []runRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM runs ORDER BY started_at DESC, id LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	runs := make([]Run, 0, len(rows))
	for _, row := range rows {
		run, err := rowToRun(&row)
		if err != nil {
			return nil, err
		}
		run.Deployments, err = listDeploymentsByRun(ctx, exec, run.ID)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

func listDeploymentsByRun(ctx context.Context, exec executor, runID string) ([]Deployment, error) {
	var rows []deploymentRow
	err := exec.SelectContext(ctx, &rows, `SELECT * FROM deployments WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", runID, err.Error(), err)
	}
	return rowsToDeployments(rows)
}

func rowToRun(row *runRow) (*Run, error) {
	startedAt, err := parseTime(row.StartedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.ID, "bad started_at", ErrInvalidData)
	}
	updatedAt, err := parseTime(row.UpdatedAt)
	if err != nil {
		return nil, NewStoreError("rowToRun", "run", row.ID, "bad updated_at", ErrInvalidData)
	}
	run := &Run{
		ID:        row.ID,
		ChainID:   uint64(row.ChainID),
		Deployer:  row.Deployer,
		Status:    migrations.Status(row.Status),
		Error:     row.Error,
		StartedAt: startedAt,
		UpdatedAt: updatedAt,
	}
	if row.FinishedAt.Valid {
		finishedAt, err := parseTime(row.FinishedAt.String)
		if err != nil {
			return nil, NewStoreError("rowToRun", "run", row.ID, "bad finished_at", ErrInvalidData)
		}
		run.FinishedAt = &finishedAt
	}
	return run, nil
}

func rowsToDeployments(rows []deploymentRow) ([]Deployment, error) {
	out := make([]Deployment, 0, len(rows))
	for _, row := range rows {
		var args []string
		if err := json.Unmarshal([]byte(row.ConstructorArgs), &args); err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.RunID, "bad constructor_args", ErrInvalidData)
		}
		createdAt, err := parseTime(row.CreatedAt)
		if err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.RunID, "bad created_at", ErrInvalidData)
		}
		out = append(out, Deployment{
			RunID:           row.RunID,
			Step:            migrations.Step(row.Step),
			Contract:        row.Contract,
			Address:         row.Address,
			TxHash:          row.TxHash,
			BlockNumber:     uint64(row.BlockNumber),
			GasUsed:         uint64(row.GasUsed),
			ConstructorArgs: args,
			Pending:         row.Pending,
			CreatedAt:       createdAt,
		})
	}
	return out, nil
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
