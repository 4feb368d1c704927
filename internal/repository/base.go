// Package repository provides shared database plumbing for the domain
// repositories.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"go.uber.org/zap"
)

// BaseRepository provides common database functionality.
type BaseRepository struct {
	db  *sql.DB
	log *zap.Logger
}

// NewBaseRepository creates a new base repository instance.
func NewBaseRepository(db *sql.DB, log *zap.Logger) *BaseRepository {
	return &BaseRepository{
		db:  db,
		log: log,
	}
}

// GetDB returns the underlying database connection.
func (r *BaseRepository) GetDB() *sql.DB {
	return r.db
}

// GetLogger returns the logger instance.
func (r *BaseRepository) GetLogger() *zap.Logger {
	return r.log
}

// BeginTx starts a new transaction with context.
func (r *BaseRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		if r.log != nil {
			r.log.Error("Failed to begin transaction", zap.Error(err))
		}
		return nil, err
	}
	return tx, nil
}

// CommitTx commits a transaction.
func (r *BaseRepository) CommitTx(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		if r.log != nil {
			r.log.Error("Failed to commit transaction", zap.Error(err))
		}
		return err
	}
	return nil
}

// RollbackTx rolls back a transaction. Safe to call after a commit; the
// resulting ErrTxDone is swallowed.
func (r *BaseRepository) RollbackTx(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		if r.log != nil {
			r.log.Error("Failed to rollback transaction", zap.Error(err))
		}
	}
}

// ToJSONB marshals a map to JSONB ([]byte) for Postgres.
func ToJSONB(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// FromJSONB unmarshals JSONB ([]byte) from Postgres to a map.
func FromJSONB(b []byte) (map[string]interface{}, error) {
	if len(b) == 0 {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	err := json.Unmarshal(b, &m)
	return m, err
}
