package creditd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverMySQL    = "mysql"
	driverSQLite   = "sqlite"

	mysqlScheme = "mysql://"
)

type databaseTarget struct {
	driver string
	dsn    string
}

// OpenDatabase opens the database named by databaseURL and returns a close function.
func OpenDatabase(ctx context.Context, databaseURL string) (*gorm.DB, func() error, error) {
	target, err := resolveDriver(databaseURL)
	if err != nil {
		return nil, nil, err
	}
	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	var db *gorm.DB
	switch target.driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(target.dsn), gormConfig)
	case driverMySQL:
		db, err = gorm.Open(gormmysql.Open(target.dsn), gormConfig)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(target.dsn), gormConfig)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", target.driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if target.driver == driverSQLite {
		// sqlite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("ping %s: %w", target.driver, err)
	}
	return db, sqlDB.Close, nil
}

func resolveDriver(databaseURL string) (databaseTarget, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return databaseTarget{driver: driverPostgres, dsn: databaseURL}, nil
	}
	if strings.HasPrefix(databaseURL, mysqlScheme) {
		dsn, err := normalizeMySQLDSN(strings.TrimPrefix(databaseURL, mysqlScheme))
		if err != nil {
			return databaseTarget{}, err
		}
		return databaseTarget{driver: driverMySQL, dsn: dsn}, nil
	}
	if strings.HasPrefix(databaseURL, "sqlite://") {
		u, err := url.Parse(databaseURL)
		if err != nil {
			return databaseTarget{}, fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditengine.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return databaseTarget{driver: driverSQLite, dsn: sqlitePath}, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(databaseURL)
	return databaseTarget{driver: driverSQLite, dsn: sqlitePath}, err
}

// normalizeMySQLDSN forces parseTime so DATETIME columns scan into time.Time.
func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("mysql.ParseDSN: %w", err)
	}
	if cfg.DBName == "" {
		return "", fmt.Errorf("mysql dsn must name a database")
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
