package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NormalizeDSN ensures a MySQL DSN carries parseTime=true so DATETIME columns
// scan into time.Time. SQLite DSNs pass through unchanged.
func NormalizeDSN(driver, dsn string) string {
	if driver != "mysql" {
		return dsn
	}
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&parseTime=true"
	}
	return dsn + "?parseTime=true"
}

// Connect opens a GORM connection for the configured driver ("mysql" for
// production, "sqlite" for local runs and tests). TranslateError maps driver
// duplicate-key errors to gorm.ErrDuplicatedKey, which the store matches when
// reusing an existing active session.
func Connect(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(NormalizeDSN(driver, dsn))
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect (%s): %w", driver, err)
	}
	return db, nil
}
