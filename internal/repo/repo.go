package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
)

// Repo is the SQLite-backed store. Methods that must join a caller's
// transaction take a Querier instead of using DB directly.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// nullable stores empty strings as NULL.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return nullable(*p)
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// sqlBool maps to SQLite's 0/1 integer booleans.
func sqlBool(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeList stores a string slice as a JSON array column; nil becomes "[]".
func encodeList(in []string) (string, error) {
	if in == nil {
		return "[]", nil
	}
	b, err := json.Marshal(in)
	return string(b), err
}

// decodeList is lenient: blank or malformed columns read as an empty list.
func decodeList(raw string) []string {
	var out []string
	if strings.TrimSpace(raw) != "" {
		_ = json.Unmarshal([]byte(raw), &out)
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// inList renders n bind markers for an IN (...) clause.
func inList(n int) string {
	if n <= 0 {
		return ""
	}
	marks := make([]string, n)
	for i := range marks {
		marks[i] = "?"
	}
	return strings.Join(marks, ",")
}
