// Package sqlog writes one accounting row per gateway message into
// MySQL. It is optional; a nil *DB discards everything.
package sqlog

import (
	"database/sql"

	_ "github.com/go-sql-driver/mysql"
)

type DB struct {
	db *sql.DB
}

// Connect opens and pings the accounting database.
func Connect(dsn string) (*DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	return db.db.Close()
}

// Insert records one message. inbound is true for MO traffic; status is
// the submit outcome for MT ("sent", "failed") and empty for MO.
func (db *DB) Insert(smsc, sender, receiver, text string, inbound bool, dlrMask int32, status string) error {
	if db == nil {
		return nil
	}
	_, err := db.db.Exec(
		`INSERT access_log SET smsc=?,sender=?,receiver=?,text=?,inbound=?,dlr_mask=?,status=?,ts=NOW()`,
		smsc, sender, receiver, text, inbound, dlrMask, status)
	return err
}
