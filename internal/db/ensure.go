package db

import (
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// EnsureDatabase creates the MySQL database named in the DSN if it does not
// exist, connecting as the same user with no database selected. Returns the
// database name it ensured. SQLite needs no provisioning (the driver creates
// the file), so non-mysql drivers return "".
func EnsureDatabase(driver, dsn string) (string, error) {
	if driver != "mysql" {
		return "", nil
	}

	cfg, err := gomysql.ParseDSN(NormalizeDSN(driver, dsn))
	if err != nil {
		return "", fmt.Errorf("db: parse mysql dsn: %w", err)
	}
	if cfg.DBName == "" {
		return "", fmt.Errorf("db: mysql dsn selects no database")
	}
	name := cfg.DBName

	admin := cfg.Clone()
	admin.DBName = ""
	adminDB, err := gorm.Open(mysql.Open(admin.FormatDSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return "", fmt.Errorf("db: admin connect: %w", err)
	}
	defer func() {
		if sqlDB, derr := adminDB.DB(); derr == nil {
			sqlDB.Close()
		}
	}()

	if err := adminDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)).Error; err != nil {
		return "", fmt.Errorf("db: create database %s: %w", name, err)
	}
	return name, nil
}
