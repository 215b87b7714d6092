package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func observeGlobal(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(restore)
	return logs
}

func TestGormLoggerSkipsMissingRows(t *testing.T) {
	logs := observeGlobal(t)
	l := NewGormLogger(DefaultGormLoggerConfig())

	query := func() (string, int64) { return "SELECT * FROM users WHERE email = ?", 0 }
	l.Trace(context.Background(), time.Now(), query, gormlogger.ErrRecordNotFound)
	assert.Zero(t, logs.Len())

	l.Trace(context.Background(), time.Now(), query, errors.New("connection reset"))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "db query failed", entry.Message)
	assert.Equal(t, "select", entry.ContextMap()["statement"])
}

func TestGormLoggerSlowQueries(t *testing.T) {
	logs := observeGlobal(t)
	l := NewGormLogger(GormLoggerConfig{Level: gormlogger.Warn, SlowThreshold: time.Millisecond})

	query := func() (string, int64) { return "WITH x AS (SELECT 1) UPDATE sessions SET revoked_at = ?", 3 }
	l.Trace(context.Background(), time.Now().Add(-time.Second), query, nil)
	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 1 }, nil)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "update", fields["statement"])
	assert.EqualValues(t, 3, fields["rows"])
}

func TestGormLoggerDropsParams(t *testing.T) {
	l := NewGormLogger(DefaultGormLoggerConfig())
	sql, params := l.ParamsFilter(context.Background(), "SELECT * FROM sessions WHERE token_hash = ?", "secret-digest")
	assert.Equal(t, "SELECT * FROM sessions WHERE token_hash = ?", sql)
	assert.Nil(t, params)
}

func TestGormLoggerSilent(t *testing.T) {
	logs := observeGlobal(t)
	l := NewGormLogger(DefaultGormLoggerConfig()).LogMode(gormlogger.Silent)

	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "DELETE FROM users", 1 }, errors.New("boom"))
	l.Error(context.Background(), "failed %s", "x")
	assert.Zero(t, logs.Len())
}
