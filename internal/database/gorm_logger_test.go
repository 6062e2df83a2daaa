package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func traceQuery() (string, int64) {
	return "SELECT * FROM notes WHERE note_id = 'missing'", 0
}

func TestGormLoggerSkipsRecordNotFound(testContext *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := newGormLogger(zap.New(core))

	logger.Trace(context.Background(), time.Now(), traceQuery, gorm.ErrRecordNotFound)

	if logs.Len() != 0 {
		testContext.Fatalf("expected no log entries for a missing record, got %d", logs.Len())
	}
}

func TestGormLoggerReportsQueryErrors(testContext *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := newGormLogger(zap.New(core))

	logger.Trace(context.Background(), time.Now(), traceQuery, errors.New("disk I/O error"))

	entries := logs.All()
	if len(entries) != 1 {
		testContext.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel || entries[0].Message != "gorm query failed" {
		testContext.Fatalf("unexpected log entry: %s %q", entries[0].Level, entries[0].Message)
	}
}

func TestGormLoggerSilentModeDropsEverything(testContext *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := newGormLogger(zap.New(core)).LogMode(gormlogger.Silent)

	logger.Trace(context.Background(), time.Now(), traceQuery, errors.New("disk I/O error"))
	logger.Error(context.Background(), "failed %s", "badly")

	if logs.Len() != 0 {
		testContext.Fatalf("expected silent mode to drop logs, got %d", logs.Len())
	}
}

func TestOpenSQLiteDoesNotLogExpectedMisses(testContext *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "quiet.db"), logger)
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	if err := Migrate(database, logger); err != nil {
		testContext.Fatalf("failed to re-run migrations: %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", "never-applied").Take(&record).Error; !errors.Is(err, gorm.ErrRecordNotFound) {
		testContext.Fatalf("expected record not found, got %v", err)
	}

	for _, entry := range logs.All() {
		if entry.Level >= zapcore.WarnLevel {
			testContext.Fatalf("unexpected %s log entry: %q", entry.Level, entry.Message)
		}
	}
	applied := logs.FilterMessage("database migration applied").Len()
	if applied != 2 {
		testContext.Fatalf("expected each migration to apply exactly once, got %d", applied)
	}
}
