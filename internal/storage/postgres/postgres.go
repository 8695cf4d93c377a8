// Package postgres stores result trees in PostgreSQL. One run is written in
// a single transaction that is rolled back on the first error.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/evaluation"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS batteries (
		id           BIGSERIAL PRIMARY KEY,
		run_id       UUID NOT NULL UNIQUE,
		name         TEXT NOT NULL,
		input_path   TEXT NOT NULL,
		passed_tests INTEGER NOT NULL,
		total_tests  INTEGER NOT NULL,
		alpha        DOUBLE PRECISION NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tests (
		id            BIGSERIAL PRIMARY KEY,
		battery_id    BIGINT NOT NULL REFERENCES batteries(id) ON DELETE CASCADE,
		name          TEXT NOT NULL,
		test_index    INTEGER NOT NULL,
		partial_alpha DOUBLE PRECISION,
		result        TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS variants (
		id            BIGSERIAL PRIMARY KEY,
		test_id       BIGINT NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
		variant_index INTEGER NOT NULL,
		status        TEXT NOT NULL,
		exit_code     INTEGER NOT NULL,
		duration_ms   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_settings (
		id         BIGSERIAL PRIMARY KEY,
		variant_id BIGINT NOT NULL REFERENCES variants(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		value      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS warning_messages (
		id         BIGSERIAL PRIMARY KEY,
		variant_id BIGINT NOT NULL REFERENCES variants(id) ON DELETE CASCADE,
		message    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS error_messages (
		id         BIGSERIAL PRIMARY KEY,
		variant_id BIGINT NOT NULL REFERENCES variants(id) ON DELETE CASCADE,
		message    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stderr_messages (
		id         BIGSERIAL PRIMARY KEY,
		variant_id BIGINT NOT NULL REFERENCES variants(id) ON DELETE CASCADE,
		message    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS subtests (
		id            BIGSERIAL PRIMARY KEY,
		variant_id    BIGINT NOT NULL REFERENCES variants(id) ON DELETE CASCADE,
		subtest_index INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS statistics (
		id         BIGSERIAL PRIMARY KEY,
		subtest_id BIGINT NOT NULL REFERENCES subtests(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		value      DOUBLE PRECISION NOT NULL,
		result     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS p_values (
		id         BIGSERIAL PRIMARY KEY,
		subtest_id BIGINT NOT NULL REFERENCES subtests(id) ON DELETE CASCADE,
		value      DOUBLE PRECISION NOT NULL
	)`,
}

// Store is the relational result sink.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn. A non-empty password replaces the one in dsn.
func Open(ctx context.Context, dsn, password string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres: empty connection string")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", WithPassword(dsn, password))
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing connection pool.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Name() string { return "postgres" }

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the result tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

// Write stores the whole tree in one transaction.
func (s *Store) Write(ctx context.Context, result *evaluation.BatteryResult) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()

	var batteryID int64
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO batteries (run_id, name, input_path, passed_tests, total_tests, alpha, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, result.RunID, result.Battery.String(), result.InputPath, result.PassedTests(), result.TotalTests(),
		result.Alpha, result.CreatedAt).Scan(&batteryID)
	if err != nil {
		return fmt.Errorf("postgres: insert battery: %w", err)
	}

	for i := range result.Tests {
		if err = writeTest(ctx, tx, batteryID, &result.Tests[i]); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func writeTest(ctx context.Context, tx *sqlx.Tx, batteryID int64, t *evaluation.TestResult) error {
	var partialAlpha any
	outcome := "error"
	if t.Err == nil {
		partialAlpha = t.PartialAlpha
		outcome = verdict(t.Passed)
	}

	var testID int64
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO tests (battery_id, name, test_index, partial_alpha, result)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, batteryID, t.Name, t.Index, partialAlpha, outcome).Scan(&testID)
	if err != nil {
		return fmt.Errorf("postgres: insert test %s: %w", t.Name, err)
	}

	subtestIndex := 0
	for vi := range t.Variants {
		v := &t.Variants[vi]

		var variantID int64
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO variants (test_id, variant_index, status, exit_code, duration_ms)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, testID, vi+1, v.Output.Status.String(), v.Output.ExitCode, v.Output.Duration.Milliseconds()).Scan(&variantID)
		if err != nil {
			return fmt.Errorf("postgres: insert variant %d of %s: %w", vi+1, t.Name, err)
		}

		for _, setting := range v.Settings {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO user_settings (variant_id, name, value) VALUES ($1, $2, $3)`,
				variantID, setting.Name, setting.Value); err != nil {
				return fmt.Errorf("postgres: insert user setting: %w", err)
			}
		}
		if err := insertMessages(ctx, tx, "warning_messages", variantID, v.Output.Warnings); err != nil {
			return err
		}
		if err := insertMessages(ctx, tx, "error_messages", variantID, v.Output.Errors); err != nil {
			return err
		}
		if err := insertMessages(ctx, tx, "stderr_messages", variantID, stderrLines(v.Output.Stderr)); err != nil {
			return err
		}

		for _, st := range v.SubTests {
			subtestIndex++
			if err := writeSubTest(ctx, tx, variantID, subtestIndex, st); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeSubTest(ctx context.Context, tx *sqlx.Tx, variantID int64, index int, st evaluation.SubTestResult) error {
	var subtestID int64
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO subtests (variant_id, subtest_index) VALUES ($1, $2) RETURNING id
	`, variantID, index).Scan(&subtestID)
	if err != nil {
		return fmt.Errorf("postgres: insert subtest %d: %w", index, err)
	}

	for _, stat := range st.Statistics {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO statistics (subtest_id, name, value, result) VALUES ($1, $2, $3, $4)`,
			subtestID, stat.Name, stat.Value, verdict(stat.Passed)); err != nil {
			return fmt.Errorf("postgres: insert statistic: %w", err)
		}
	}
	for _, p := range st.PValues {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO p_values (subtest_id, value) VALUES ($1, $2)`, subtestID, p); err != nil {
			return fmt.Errorf("postgres: insert p-value: %w", err)
		}
	}
	return nil
}

// insertMessages writes one row per message. table is one of the fixed
// message table names, never user input.
func insertMessages(ctx context.Context, tx *sqlx.Tx, table string, variantID int64, messages []string) error {
	query := fmt.Sprintf(`INSERT INTO %s (variant_id, message) VALUES ($1, $2)`, table) // #nosec G201 -- fixed table names
	for _, msg := range messages {
		if _, err := tx.ExecContext(ctx, query, variantID, msg); err != nil {
			return fmt.Errorf("postgres: insert %s: %w", table, err)
		}
	}
	return nil
}

func verdict(passed bool) string {
	if passed {
		return "passed"
	}
	return "failed"
}

func stderrLines(stderr string) []string {
	var out []string
	for _, line := range strings.Split(stderr, "\n") {
		if line = strings.TrimRight(line, "\r"); strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// WithPassword injects password into a URL or key/value connection string.
func WithPassword(dsn, password string) string {
	if password == "" {
		return dsn
	}
	if u, err := url.Parse(dsn); err == nil && (u.Scheme == "postgres" || u.Scheme == "postgresql") {
		username := ""
		if u.User != nil {
			username = u.User.Username()
		}
		u.User = url.UserPassword(username, password)
		return u.String()
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(password)
	return strings.TrimSpace(dsn) + " password='" + escaped + "'"
}
