// Package gorm provides GORM-based storage for prompt records and analysis results.
//
// SQLite is the default backend, opened through the pure-Go modernc.org/sqlite
// driver so binaries build without cgo. Setting a DSN switches to PostgreSQL:
//
//	store, err := gorm.NewStore(gorm.Config{
//	    Path:     "/path/to/promptcluster.db",
//	    MaxConns: 4,
//	    LogLevel: logger.Silent,
//	})
//
// The schema is managed with gormigrate; migrations run on every NewStore.
package gorm
