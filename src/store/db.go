// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"grafanamlworker/src/logging"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

type Tx interface {
	DBTX
	Commit() error
	Rollback() error
}

type Beginner interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// DB is the one connection pool of the process.
type DB struct {
	*sql.DB
}

func Open(connStr string) (*DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	// One cycle runs at a time; keep the pool small.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	return &DB{DB: db}, nil
}

func (d *DB) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Ping retries until the database answers or attempts run out.
func Ping(ctx context.Context, db *DB, attempts int, wait time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		logging.Log(fmt.Sprintf("Database not ready (attempt %d/%d): %v", i+1, attempts, err), slog.LevelError)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("database unreachable after %d attempts: %w", attempts, err)
}

const workerLockKey = 7310452019

// TryLock takes the session advisory lock that keeps two workers off the same store.
// The returned release func must be called once the caller is done.
func TryLock(ctx context.Context, db *DB) (func(), bool, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", workerLockKey).Scan(&ok); err != nil {
		conn.Close()
		return nil, false, err
	}
	if !ok {
		conn.Close()
		return nil, false, nil
	}
	release := func() {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", workerLockKey); err != nil {
			logging.Log(fmt.Sprintf("Error releasing advisory lock: %v", err), slog.LevelError)
		}
		conn.Close()
	}
	return release, true, nil
}

const (
	codeForeignKeyViolation = "23503"
	codeUndefinedTable      = "42P01"
)

func IsForeignKeyViolation(err error) bool {
	return hasCode(err, codeForeignKeyViolation)
}

func IsUndefinedTable(err error) bool {
	return hasCode(err, codeUndefinedTable)
}

// IsStoreError reports whether err came from the database driver or database/sql.
func IsStoreError(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone)
}

func hasCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}
