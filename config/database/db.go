package database

import (
	"database/sql"
	"fmt"
	"time"

	"naskahsync/pkg/logger"

	_ "github.com/lib/pq"
)

// Connect opens the Postgres pool and pings it a few times so temporary
// DNS/network blips at startup do not kill the server.
func Connect(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	for i := 0; i < 5; i++ {
		if err = db.Ping(); err == nil {
			logger.Sugar.Info("Successfully connected to the database")
			return db, nil
		}
		logger.Sugar.Infof("Database connection failed, retrying in 2s... (%v)", err)
		time.Sleep(2 * time.Second)
	}
	_ = db.Close()
	return nil, fmt.Errorf("could not connect to database after retries: %w", err)
}
