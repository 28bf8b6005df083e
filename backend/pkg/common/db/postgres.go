// Package db opens the Postgres pool that backs the ledger_snapshots store.
package db

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/centralbank/paychain/backend/pkg/common"
	_ "github.com/lib/pq" // Postgres driver
)

const (
	connectAttempts = 5
	connectBackoff  = 2 * time.Second
)

// DSN renders the lib/pq keyword connection string.
func DSN(cfg common.DBConfig) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)
}

// Connect opens the snapshot database and waits for it to accept pings.
func Connect(cfg common.DBConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %v", err)
	}
	db.SetMaxOpenConns(4)

	for i := 0; i < connectAttempts; i++ {
		err = db.Ping()
		if err == nil {
			break
		}
		log.Printf("Waiting for DB... (%d/%d): %v", i+1, connectAttempts, err)
		time.Sleep(connectBackoff)
	}

	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %v", err)
	}

	log.Printf("Connected to database %s on %s", cfg.Name, cfg.Host)
	return db, nil
}
