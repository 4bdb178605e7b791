package store

import (
	"database/sql"
	"errors"
)

// Get returns the value stored under key. The bool is false when no row exists.
func (db *DB) Get(key string) (string, bool, error) {
	var value string
	err := db.QueryRow(db.Q(`SELECT value FROM kv_entries WHERE entry_key=?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (db *DB) Set(key, value string) error {
	_, err := db.Exec(db.Q(db.dialect.Upsert("kv_entries", "entry_key", "value")), key, value)
	return err
}

// Remove deletes key. Removing a missing key is not an error.
func (db *DB) Remove(key string) error {
	_, err := db.Exec(db.Q(`DELETE FROM kv_entries WHERE entry_key=?`), key)
	return err
}
