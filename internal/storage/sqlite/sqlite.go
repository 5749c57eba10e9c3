package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodtune/ktime/internal/storage"
	_ "modernc.org/sqlite"
)

// Store implements the storage.Store interface on SQLite.
type Store struct {
	db *sql.DB
}

// Open creates a new database connection and runs migrations
func Open(path string) (*Store, error) {
	if err := storage.EnsureParentDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Devices returns the device store.
func (s *Store) Devices() storage.DeviceStore { return &deviceStore{db: s.db} }

// Users returns the user store.
func (s *Store) Users() storage.UserStore { return &userStore{db: s.db} }

// Categories returns the category store.
func (s *Store) Categories() storage.CategoryStore { return &categoryStore{db: s.db} }

// Rules returns the rule store.
func (s *Store) Rules() storage.RuleStore { return &ruleStore{db: s.db} }

// Usage returns the usage store.
func (s *Store) Usage() storage.UsageStore { return &usageStore{db: s.db} }

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getJSON[T any](ctx context.Context, q queryer, query string, args ...any) (*T, error) {
	var data string
	err := q.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var item T
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return &item, nil
}

func listJSON[T any](ctx context.Context, q queryer, query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := make([]T, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var item T
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			return nil, fmt.Errorf("unmarshal value: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func encode(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}

// expectAffected turns a zero-row delete into storage.ErrNotFound.
func expectAffected(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type deviceStore struct {
	db *sql.DB
}

func (s *deviceStore) Get(ctx context.Context) (*storage.Device, error) {
	return getJSON[storage.Device](ctx, s.db, "SELECT data FROM device WHERE id = 'self'")
}

func (s *deviceStore) Upsert(ctx context.Context, device storage.Device) error {
	data, err := encode(device)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device (id, data) VALUES ('self', ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, data)
	return err
}

type userStore struct {
	db *sql.DB
}

func (s *userStore) Get(ctx context.Context, id string) (*storage.User, error) {
	return getJSON[storage.User](ctx, s.db, "SELECT data FROM users WHERE id = ?", id)
}

func (s *userStore) List(ctx context.Context) ([]storage.User, error) {
	return listJSON[storage.User](ctx, s.db, "SELECT data FROM users ORDER BY id")
}

func (s *userStore) Upsert(ctx context.Context, user storage.User) error {
	if user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	data, err := encode(user)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, user.ID, data)
	return err
}

func (s *userStore) Delete(ctx context.Context, id string) error {
	return expectAffected(s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id))
}

type categoryStore struct {
	db *sql.DB
}

func (s *categoryStore) Get(ctx context.Context, id string) (*storage.Category, error) {
	return getJSON[storage.Category](ctx, s.db, "SELECT data FROM categories WHERE id = ?", id)
}

func (s *categoryStore) ListByUser(ctx context.Context, userID string) ([]storage.Category, error) {
	return listJSON[storage.Category](ctx, s.db, "SELECT data FROM categories WHERE user_id = ? ORDER BY id", userID)
}

func (s *categoryStore) Upsert(ctx context.Context, category storage.Category) error {
	if err := category.Validate(); err != nil {
		return err
	}
	return putCategory(ctx, s.db, category)
}

func putCategory(ctx context.Context, q queryer, category storage.Category) error {
	data, err := encode(category)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO categories (id, user_id, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, data = excluded.data`,
		category.ID, category.UserID, data)
	return err
}

// Delete removes the category with its rules, used time and sessions.
func (s *categoryStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := expectAffected(tx.ExecContext(ctx, "DELETE FROM categories WHERE id = ?", id)); err != nil {
		return err
	}
	for _, table := range []string{"time_limit_rules", "used_times", "session_durations"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE category_id = ?", id); err != nil {
			return fmt.Errorf("delete %s of category %s: %w", table, id, err)
		}
	}
	return tx.Commit()
}

type ruleStore struct {
	db *sql.DB
}

func (s *ruleStore) ListByCategory(ctx context.Context, categoryID string) ([]storage.TimeLimitRule, error) {
	return listJSON[storage.TimeLimitRule](ctx, s.db, "SELECT data FROM time_limit_rules WHERE category_id = ? ORDER BY id", categoryID)
}

func (s *ruleStore) Upsert(ctx context.Context, rule storage.TimeLimitRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	data, err := encode(rule)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO time_limit_rules (id, category_id, data) VALUES (?, ?, ?)
		ON CONFLICT(category_id, id) DO UPDATE SET data = excluded.data`,
		rule.ID, rule.CategoryID, data)
	return err
}

func (s *ruleStore) Delete(ctx context.Context, categoryID, id string) error {
	return expectAffected(s.db.ExecContext(ctx, "DELETE FROM time_limit_rules WHERE category_id = ? AND id = ?", categoryID, id))
}
