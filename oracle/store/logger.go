package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/GPTx-global/inferd/oracle/log"
)

const slowQuery = 500 * time.Millisecond

// gormLog routes gorm output into the daemon logger. Statements are logged at
// debug, slow ones at warn and failed ones at error.
type gormLog struct {
	level gormlogger.LogLevel
	slow  time.Duration
}

func newGormLog(logQueries bool) gormlogger.Interface {
	level := gormlogger.Warn
	if logQueries {
		level = gormlogger.Info
	}
	return gormLog{level: level, slow: slowQuery}
}

func (l gormLog) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	l.level = level
	return l
}

func (l gormLog) Info(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Info {
		log.Infof("gorm: "+msg, data...)
	}
}

func (l gormLog) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Warn {
		log.Warnf("gorm: "+msg, data...)
	}
}

func (l gormLog) Error(_ context.Context, msg string, data ...interface{}) {
	if l.level >= gormlogger.Error {
		log.Errorf("gorm: "+msg, data...)
	}
}

func (l gormLog) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		log.Errorf("gorm: %v [%s] rows=%d %s", err, elapsed, rows, sql)
	case l.slow > 0 && elapsed > l.slow && l.level >= gormlogger.Warn:
		sql, rows := fc()
		log.Warnf("gorm: slow query [%s] rows=%d %s", elapsed, rows, sql)
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		log.Debugf("gorm: [%s] rows=%d %s", elapsed, rows, sql)
	}
}
