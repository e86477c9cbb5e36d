// Package gormdb implements storage.Repository on top of gorm, so the
// signing store can live in SQLite for single-node installs or in MySQL
// next to an existing host database.
package gormdb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/jmcleod/ironsign/storage"
)

// ErrUnsupportedDialect is returned by Open for drivers other than sqlite and mysql.
var ErrUnsupportedDialect = errors.New("unsupported gorm dialect")

// recordRow is the table layout shared with the postgres backend.
type recordRow struct {
	Namespace string `gorm:"primaryKey;size:128"`
	Kind      string `gorm:"primaryKey;size:64"`
	ID        string `gorm:"primaryKey;size:128"`
	Data      []byte `gorm:"not null"`
	Version   uint64 `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (recordRow) TableName() string { return "records" }

// Options configures Open.
type Options struct {
	// Tracing registers the OpenTelemetry gorm plugin.
	Tracing bool
	// MaxOpenConns caps the pool. SQLite in-memory databases need 1.
	MaxOpenConns int
}

// Store implements storage.Repository backed by gorm.
type Store struct {
	db *gorm.DB
}

var _ storage.Repository = (*Store)(nil)

// Open connects with the named dialect ("sqlite" or "mysql"), migrates the
// records table, and returns a Store.
func Open(dialect, dsn string, opts Options) (*Store, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDialect, dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}
	if opts.Tracing {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			return nil, fmt.Errorf("registering tracing plugin: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return NewRepository(db)
}

// NewRepository migrates the records table on db and returns a Store.
func NewRepository(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&recordRow{}); err != nil {
		return nil, fmt.Errorf("migrating records table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Put(ctx context.Context, namespace, kind, id string, rec *storage.Record) error {
	return upsert(s.db.WithContext(ctx), namespace, kind, id, rec)
}

func (s *Store) Get(ctx context.Context, namespace, kind, id string) (*storage.Record, error) {
	var row recordRow
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND kind = ? AND id = ?", namespace, kind, id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &storage.Record{Data: row.Data, Version: row.Version}, nil
}

func (s *Store) List(ctx context.Context, namespace, kind string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&recordRow{}).
		Where("namespace = ? AND kind = ?", namespace, kind).
		Pluck("id", &ids).Error
	return ids, err
}

func (s *Store) Delete(ctx context.Context, namespace, kind, id string) error {
	return deleteRow(s.db.WithContext(ctx), namespace, kind, id)
}

func (s *Store) PutCAS(ctx context.Context, namespace, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return putCAS(s.db.WithContext(ctx), namespace, kind, id, expectedVersion, rec)
}

func (s *Store) Batch(ctx context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormBatchTx{tx: tx, namespace: namespace})
	})
}

type gormBatchTx struct {
	tx        *gorm.DB
	namespace string
}

func (b *gormBatchTx) Put(kind, id string, rec *storage.Record) error {
	return upsert(b.tx, b.namespace, kind, id, rec)
}

func (b *gormBatchTx) PutCAS(kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return putCAS(b.tx, b.namespace, kind, id, expectedVersion, rec)
}

func (b *gormBatchTx) Delete(kind, id string) error {
	return deleteRow(b.tx, b.namespace, kind, id)
}

func upsert(db *gorm.DB, namespace, kind, id string, rec *storage.Record) error {
	row := recordRow{Namespace: namespace, Kind: kind, ID: id, Data: rec.Data, Version: rec.Version}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "kind"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "version", "updated_at"}),
	}).Create(&row).Error
}

func deleteRow(db *gorm.DB, namespace, kind, id string) error {
	res := db.Where("namespace = ? AND kind = ? AND id = ?", namespace, kind, id).Delete(&recordRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}

// putCAS never reads before writing: creation relies on the primary key and
// updates are guarded by the version column.
func putCAS(db *gorm.DB, namespace, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	if expectedVersion == 0 {
		row := recordRow{Namespace: namespace, Kind: kind, ID: id, Data: rec.Data, Version: rec.Version}
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrCASFailed
		}
		return nil
	}
	res := db.Model(&recordRow{}).
		Where("namespace = ? AND kind = ? AND id = ? AND version = ?", namespace, kind, id, expectedVersion).
		Updates(map[string]any{"data": rec.Data, "version": rec.Version, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrCASFailed
	}
	return nil
}
