package store

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// DLRDBConfig is the dlr-db configuration group: which backend, where it
// lives, and the table and column names to use.
type DLRDBConfig struct {
	Type  string `yaml:"type"` // internal, mysql, sqlite3, redis
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`

	FieldSMSC        string `yaml:"field-smsc"`
	FieldTimestamp   string `yaml:"field-timestamp"`
	FieldDestination string `yaml:"field-destination"`
	FieldSource      string `yaml:"field-source"`
	FieldService     string `yaml:"field-service"`
	FieldURL         string `yaml:"field-url"`
	FieldBoxc        string `yaml:"field-boxc-id"`
	FieldMask        string `yaml:"field-mask"`
}

func (c *DLRDBConfig) defaults() {
	set := func(p *string, v string) {
		if *p == "" {
			*p = v
		}
	}
	set(&c.Table, "dlr")
	set(&c.FieldSMSC, "smsc")
	set(&c.FieldTimestamp, "ts")
	set(&c.FieldDestination, "destination")
	set(&c.FieldSource, "source")
	set(&c.FieldService, "service")
	set(&c.FieldURL, "url")
	set(&c.FieldBoxc, "boxc")
	set(&c.FieldMask, "mask")
}

// SQLDLR serves the DLR table from MySQL or SQLite through database/sql.
type SQLDLR struct {
	db  *sql.DB
	cfg DLRDBConfig
}

// OpenSQLDLR connects and pings the configured database. driver is
// "mysql" or "sqlite3".
func OpenSQLDLR(driver string, cfg DLRDBConfig) (*SQLDLR, error) {
	cfg.defaults()
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLDLR{db: db, cfg: cfg}, nil
}

func (s *SQLDLR) where() string {
	return fmt.Sprintf("%s=? AND %s=? AND %s=?",
		s.cfg.FieldSMSC, s.cfg.FieldTimestamp, s.cfg.FieldDestination)
}

func (s *SQLDLR) Add(d *DLR) error {
	q := fmt.Sprintf("INSERT INTO %s (%s,%s,%s,%s,%s,%s,%s,%s) VALUES (?,?,?,?,?,?,?,?)",
		s.cfg.Table, s.cfg.FieldSMSC, s.cfg.FieldTimestamp, s.cfg.FieldDestination,
		s.cfg.FieldSource, s.cfg.FieldService, s.cfg.FieldURL, s.cfg.FieldBoxc, s.cfg.FieldMask)
	_, err := s.db.Exec(q, d.SMSCID, d.Timestamp, d.Destination,
		d.Sender, d.Service, d.URL, d.BoxCID, d.Mask)
	return err
}

func (s *SQLDLR) Get(smscID, timestamp, destination string) (*DLR, error) {
	q := fmt.Sprintf("SELECT %s,%s,%s,%s,%s FROM %s WHERE %s LIMIT 1",
		s.cfg.FieldSource, s.cfg.FieldService, s.cfg.FieldURL, s.cfg.FieldBoxc,
		s.cfg.FieldMask, s.cfg.Table, s.where())
	d := &DLR{SMSCID: smscID, Timestamp: timestamp, Destination: destination}
	err := s.db.QueryRow(q, smscID, timestamp, destination).
		Scan(&d.Sender, &d.Service, &d.URL, &d.BoxCID, &d.Mask)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *SQLDLR) Remove(smscID, timestamp, destination string) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE %s", s.cfg.Table, s.where())
	_, err := s.db.Exec(q, smscID, timestamp, destination)
	return err
}

func (s *SQLDLR) Update(d *DLR) error {
	q := fmt.Sprintf("UPDATE %s SET %s=? WHERE %s", s.cfg.Table, s.cfg.FieldMask, s.where())
	_, err := s.db.Exec(q, d.Mask, d.SMSCID, d.Timestamp, d.Destination)
	return err
}

func (s *SQLDLR) Messages() (int, error) {
	var n int
	err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", s.cfg.Table)).Scan(&n)
	return n, err
}

func (s *SQLDLR) Flush() error {
	_, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", s.cfg.Table))
	return err
}

func (s *SQLDLR) Shutdown() error { return s.db.Close() }
