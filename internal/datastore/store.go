// Package datastore keeps a local log of uploaded events in SQLite or MySQL.
package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/errors"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/logger"
	"github.com/fakhrullhafiz/SIDP-UltrasonicSensor-HCSR04/internal/pipeline"
)

const componentName = "datastore"

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// slowQueryThreshold is where statements start being logged as slow.
const slowQueryThreshold = 200 * time.Millisecond

// Config selects and configures the database.
type Config struct {
	Driver string // sqlite or mysql
	Path   string // sqlite file
	DSN    string // mysql data source name
}

// Store persists events. It implements pipeline.Sink.
type Store struct {
	DB     *gorm.DB
	driver string
	log    logger.Logger
}

// Open connects to the database and migrates the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	log := GetLogger().With(logger.String("driver", cfg.Driver))

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, configError("sqlite path is required")
		}
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, errors.New(fmt.Errorf("failed to create database directory: %w", err)).
					Component(componentName).
					Category(errors.CategoryFileIO).
					Context("path", dir).
					Build()
			}
		}
		// WAL lets the preview API read while the uploader writes
		dialector = sqlite.Open(cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000")
	case DriverMySQL:
		if cfg.DSN == "" {
			return nil, configError("mysql dsn is required")
		}
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, configError(fmt.Sprintf("unsupported database driver %q", cfg.Driver))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(log, slowQueryThreshold),
	})
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)).
			Component(componentName).
			Category(errors.CategoryDatabase).
			Build()
	}

	start := time.Now()
	if err := db.AutoMigrate(&Event{}, &Detection{}); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, errors.New(fmt.Errorf("failed to auto-migrate %s database: %w", cfg.Driver, err)).
			Component(componentName).
			Category(errors.CategoryDatabase).
			Build()
	}
	log.Debug("database migrated", logger.Duration("elapsed", time.Since(start)))

	return &Store{DB: db, driver: cfg.Driver, log: log}, nil
}

func configError(msg string) error {
	return errors.Newf("%s", msg).
		Component(componentName).
		Category(errors.CategoryConfiguration).
		Build()
}

// Upload stores ev with its detections in one transaction. Storing an event
// id twice is a no-op so uploader retries stay idempotent.
func (s *Store) Upload(ctx context.Context, ev pipeline.UploadEvent) error {
	row := eventFromUpload(ev)

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Event{}).Where("uuid = ?", row.UUID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		return tx.Create(row).Error
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.New(fmt.Errorf("failed to save %s event: %w", ev.Kind, err)).
			Component(componentName).
			Category(errors.CategoryDatabase).
			Context("event_id", ev.ID).
			Build()
	}
	return nil
}

// Recent returns up to limit events, newest first. An empty kind returns
// both kinds.
func (s *Store) Recent(ctx context.Context, kind pipeline.EventKind, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.DB.WithContext(ctx).Preload("Detections").Order("created_at DESC, id DESC").Limit(limit)
	if kind != "" {
		q = q.Where("kind = ?", string(kind))
	}

	var events []Event
	if err := q.Find(&events).Error; err != nil {
		return nil, errors.New(fmt.Errorf("failed to query events: %w", err)).
			Component(componentName).
			Category(errors.CategoryDatabase).
			Build()
	}
	return events, nil
}

// CountByKind returns the number of stored events per kind.
func (s *Store) CountByKind(ctx context.Context) ([]KindCount, error) {
	var counts []KindCount
	err := s.DB.WithContext(ctx).Model(&Event{}).
		Select("kind, count(*) as count").
		Group("kind").
		Order("kind").
		Scan(&counts).Error
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to count events: %w", err)).
			Component(componentName).
			Category(errors.CategoryDatabase).
			Build()
	}
	return counts, nil
}

// Prune deletes events created before cutoff and returns how many were
// removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := tx.Model(&Event{}).Select("id").Where("created_at < ?", cutoff)
		if err := tx.Where("event_id IN (?)", ids).Delete(&Detection{}).Error; err != nil {
			return err
		}
		res := tx.Where("created_at < ?", cutoff).Delete(&Event{})
		removed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, errors.New(fmt.Errorf("failed to prune events: %w", err)).
			Component(componentName).
			Category(errors.CategoryDatabase).
			Build()
	}
	if removed > 0 {
		s.log.Info("pruned old events", logger.Int64("removed", removed), logger.Time("cutoff", cutoff))
	}
	return removed, nil
}

// RunRetention prunes events older than maxAge every interval until ctx is
// done. A non-positive maxAge returns immediately.
func (s *Store) RunRetention(ctx context.Context, maxAge, interval time.Duration) {
	if maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Prune(ctx, time.Now().Add(-maxAge)); err != nil && ctx.Err() == nil {
			s.log.Warn("retention prune failed", logger.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close closes the database connections. It is idempotent.
func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return errors.New(fmt.Errorf("failed to retrieve generic DB object: %w", err)).
			Component(componentName).
			Category(errors.CategoryDatabase).
			Build()
	}
	s.DB = nil
	if err := sqlDB.Close(); err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryDatabase).
			Build()
	}
	return nil
}

// Driver returns the database driver name.
func (s *Store) Driver() string {
	return s.driver
}
