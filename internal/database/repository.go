// Package database provides typed access to the EVERLIV tables in Supabase.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/everliv/everliv-api/supabase/client"
)

var (
	// ErrNotFound is returned when a row does not exist or is not visible to the caller.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on unique violations.
	ErrConflict = errors.New("conflict")
	// ErrInvalidInput is returned when arguments fail validation.
	ErrInvalidInput = errors.New("invalid input")
)

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsInvalidInput reports whether err is ErrInvalidInput.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

func invalidInput(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}

// ValidateStatus checks status against the allowed values.
func ValidateStatus(status string, allowed []string) error {
	for _, s := range allowed {
		if status == s {
			return nil
		}
	}
	return fmt.Errorf("%w: status must be one of %s", ErrInvalidInput, strings.Join(allowed, ", "))
}

// Repository implements the data access of all services on top of PostgREST.
// It runs with the service role key; every query filters by user explicitly.
type Repository struct {
	client *client.Client
	now    func() time.Time
}

// NewRepository creates a repository over a Supabase client.
func NewRepository(c *client.Client) *Repository {
	return &Repository{client: c, now: time.Now}
}

// Client exposes the underlying Supabase client (Storage, Auth, RPC).
func (r *Repository) Client() *client.Client {
	return r.client
}

// Ping checks that PostgREST answers.
func (r *Repository) Ping(ctx context.Context) error {
	resp, err := r.client.From(TableUserRoles).Select("user_id").Limit(1).Execute(ctx)
	if err != nil {
		return err
	}
	return resp.Error()
}

// translate maps Supabase API errors onto package sentinels.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case client.IsNoRows(err):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case client.IsConflict(err):
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func selectRows[T any](ctx context.Context, op string, q *client.QueryBuilder) ([]T, error) {
	var rows []T
	if err := q.ExecuteInto(ctx, &rows); err != nil {
		return nil, translate(op, err)
	}
	return rows, nil
}

func selectOne[T any](ctx context.Context, op string, q *client.QueryBuilder) (*T, error) {
	rows, err := selectRows[T](ctx, op, q.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return &rows[0], nil
}

func insertRows[T any](ctx context.Context, op string, q *client.QueryBuilder, data any) ([]T, error) {
	resp, err := q.ExecuteInsert(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := resp.Error(); err != nil {
		return nil, translate(op, err)
	}
	var rows []T
	if err := resp.JSON(&rows); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	return rows, nil
}

func insertOne[T any](ctx context.Context, op string, q *client.QueryBuilder, data any) (*T, error) {
	rows, err := insertRows[T](ctx, op, q, data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: empty insert result", op)
	}
	return &rows[0], nil
}

// updateRows patches filtered rows and returns them. Zero rows is ErrNotFound.
func updateRows[T any](ctx context.Context, op string, q *client.QueryBuilder, data any) ([]T, error) {
	resp, err := q.ExecuteUpdate(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := resp.Error(); err != nil {
		return nil, translate(op, err)
	}
	var rows []T
	if err := resp.JSON(&rows); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return rows, nil
}

// deleteRows deletes filtered rows and returns how many were removed.
func deleteRows(ctx context.Context, op string, q *client.QueryBuilder) (int, error) {
	resp, err := q.ExecuteDelete(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if err := resp.Error(); err != nil {
		return 0, translate(op, err)
	}
	var rows []map[string]any
	if err := resp.JSON(&rows); err != nil {
		return 0, fmt.Errorf("%s: decode: %w", op, err)
	}
	return len(rows), nil
}
