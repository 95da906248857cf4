package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// MemoryDSN returns a fresh in-memory database name. Every call names a
// distinct database, so archives opened in one process never share rows.
func MemoryDSN() string {
	return fmt.Sprintf("file:stampchain-%s?mode=memory&cache=shared", uuid.New())
}

var log = log15.New("module", "storage")

type Database struct {
	connection *sql.DB
}

// NewDatabase opens the sqlite archive at dataSourceName, or a private
// in-memory one when it is empty. Any rows left by an earlier process are
// dropped: the archive only ever mirrors the chain of the running ledger.
func NewDatabase(dataSourceName string) (BlockStorage, error) {
	if dataSourceName == "" {
		dataSourceName = MemoryDSN()
	}
	if !isMemory(dataSourceName) {
		dbDir := filepath.Dir(strings.TrimPrefix(dataSourceName, "file:"))
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
		log.Debug("database directory created/verified", "dir", dbDir)
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// one connection keeps a shared in-memory database alive and
	// serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create tables")
	}

	log.Info("database initialized", "dsn", dataSourceName)
	return &Database{connection: db}, nil
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS blocks (
            "index" INTEGER PRIMARY KEY,
            hash TEXT NOT NULL UNIQUE,
            timestamp REAL,
            proof INTEGER,
            previous_hash TEXT
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS entries (
            block_index INTEGER NOT NULL,
            position INTEGER NOT NULL,
            owner TEXT,
            stamp TEXT,
            year INTEGER,
            PRIMARY KEY (block_index, position),
            FOREIGN KEY(block_index) REFERENCES blocks("index")
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS entries_owner ON entries(owner)`)
	if err != nil {
		return err
	}

	if _, err := db.Exec(`DELETE FROM entries`); err != nil {
		return err
	}
	_, err = db.Exec(`DELETE FROM blocks`)
	return err
}

func (db *Database) Close() error {
	return db.connection.Close()
}

func (db *Database) SaveBlock(block *BlockData) error {
	tx, err := db.connection.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
        INSERT INTO blocks ("index", hash, timestamp, proof, previous_hash)
        VALUES (?, ?, ?, ?, ?)
    `, block.Index, block.Hash, block.Timestamp, block.Proof, block.PrevHash)
	if err != nil {
		return errors.Wrapf(err, "failed to insert block %d", block.Index)
	}

	for i, entry := range block.Entries {
		_, err = tx.Exec(`
            INSERT INTO entries (block_index, position, owner, stamp, year)
            VALUES (?, ?, ?, ?, ?)
        `, block.Index, i, entry.Owner, entry.Stamp, entry.Year)
		if err != nil {
			return errors.Wrapf(err, "failed to insert entry %d of block %d", i, block.Index)
		}
	}

	return tx.Commit()
}

func (db *Database) GetBlockByIndex(index int) (*BlockData, error) {
	return db.getBlock(`"index" = ?`, index)
}

func (db *Database) GetBlockByHash(hash string) (*BlockData, error) {
	return db.getBlock(`hash = ?`, strings.ToLower(hash))
}

func (db *Database) getBlock(where string, arg interface{}) (*BlockData, error) {
	var block BlockData
	err := db.connection.QueryRow(`
        SELECT "index", hash, timestamp, proof, previous_hash
        FROM blocks
        WHERE `+where, arg).Scan(
		&block.Index,
		&block.Hash,
		&block.Timestamp,
		&block.Proof,
		&block.PrevHash,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get block")
	}

	entries, err := db.queryEntries(`
        SELECT block_index, position, owner, stamp, year
        FROM entries
        WHERE block_index = ?
        ORDER BY position
    `, block.Index)
	if err != nil {
		return nil, err
	}
	block.Entries = entries
	return &block, nil
}

func (db *Database) GetEntriesByOwner(owner string) ([]EntryData, error) {
	return db.queryEntries(`
        SELECT block_index, position, owner, stamp, year
        FROM entries
        WHERE owner = ?
        ORDER BY block_index, position
    `, owner)
}

func (db *Database) queryEntries(query string, args ...interface{}) ([]EntryData, error) {
	rows, err := db.connection.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query entries")
	}
	defer rows.Close()

	entries := make([]EntryData, 0)
	for rows.Next() {
		var e EntryData
		if err := rows.Scan(&e.BlockIndex, &e.Position, &e.Owner, &e.Stamp, &e.Year); err != nil {
			return nil, errors.Wrap(err, "failed to scan entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
