package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/GPTx-global/inferd/oracle/log"
)

type GormLogTestSuite struct {
	suite.Suite
	file string
}

func TestGormLogSuite(t *testing.T) {
	suite.Run(t, new(GormLogTestSuite))
}

func (suite *GormLogTestSuite) SetupTest() {
	home := suite.T().TempDir()
	suite.Require().NoError(log.ResetLogger(home, log.Options{Level: "DEBUG", File: "inferd.log"}))
	suite.file = filepath.Join(home, "logs", "inferd.log")
}

func (suite *GormLogTestSuite) TearDownTest() {
	log.InitLogger()
}

func (suite *GormLogTestSuite) output() string {
	bz, err := os.ReadFile(suite.file)
	suite.Require().NoError(err)
	return string(bz)
}

func sqlOf(stmt string) func() (string, int64) {
	return func() (string, int64) { return stmt, 1 }
}

func (suite *GormLogTestSuite) TestFailedStatementLoggedAsError() {
	// Given
	l := newGormLog(false)

	// When
	l.Trace(context.Background(), time.Now(), sqlOf("INSERT INTO wallets"), errors.New("duplicate key"))

	// Then
	out := suite.output()
	suite.Contains(out, "ERROR")
	suite.Contains(out, "duplicate key")
	suite.Contains(out, "INSERT INTO wallets")
}

func (suite *GormLogTestSuite) TestRecordNotFoundIgnored() {
	// Given
	l := newGormLog(false)

	// When
	l.Trace(context.Background(), time.Now(), sqlOf("SELECT * FROM wallets"), gorm.ErrRecordNotFound)

	// Then
	suite.NotContains(suite.output(), "SELECT * FROM wallets")
}

func (suite *GormLogTestSuite) TestSlowStatementLoggedAsWarn() {
	// Given
	l := newGormLog(false)

	// When
	l.Trace(context.Background(), time.Now().Add(-time.Second), sqlOf("SELECT * FROM submissions"), nil)

	// Then
	out := suite.output()
	suite.Contains(out, "WARN")
	suite.Contains(out, "slow query")
}

func (suite *GormLogTestSuite) TestStatementsOnlyWithLogQueries() {
	// Given
	quiet := newGormLog(false)
	verbose := newGormLog(true)

	// When
	quiet.Trace(context.Background(), time.Now(), sqlOf("SELECT 1"), nil)
	verbose.Trace(context.Background(), time.Now(), sqlOf("SELECT 2"), nil)

	// Then
	out := suite.output()
	suite.NotContains(out, "SELECT 1")
	suite.Contains(out, "SELECT 2")
}

func (suite *GormLogTestSuite) TestSilentMode() {
	// Given
	l := newGormLog(true).LogMode(gormlogger.Silent)

	// When
	l.Trace(context.Background(), time.Now(), sqlOf("SELECT 3"), errors.New("boom"))

	// Then
	suite.NotContains(suite.output(), "boom")
}
