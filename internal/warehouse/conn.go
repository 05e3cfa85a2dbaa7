// Package warehouse owns the backend connection lifecycle: authentication,
// a bounded pool of warm connections, and per-lease session parameters.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidIdentifier is returned when a session parameter is not a valid
// identifier. Callers match it with errors.Is to report the failure as a
// validation error rather than a backend fault.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// Rows is the normalized result of one statement execution.
type Rows struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Count   int              `json:"count"`
}

// Conn is one backend connection. Implementations are not safe for
// concurrent use; the pool hands each connection to a single invocation at a
// time.
type Conn interface {
	Query(ctx context.Context, sql string) (*Rows, error)
	Exec(ctx context.Context, sql string) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Dialer creates backend connections. It is the seam tests use to substitute
// a fake backend.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Params are the request-scoped session parameters bound to a lease.
type Params struct {
	Warehouse string
	Database  string
	Schema    string
	Role      string
	QueryTag  string
}

// merged returns p with empty fields filled from defaults.
func (p Params) merged(defaults Params) Params {
	if p.Warehouse == "" {
		p.Warehouse = defaults.Warehouse
	}
	if p.Database == "" {
		p.Database = defaults.Database
	}
	if p.Schema == "" {
		p.Schema = defaults.Schema
	}
	if p.Role == "" {
		p.Role = defaults.Role
	}
	if p.QueryTag == "" {
		p.QueryTag = defaults.QueryTag
	}
	return p
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$.]*$`)

// statements renders the session statements that bind p to a connection.
// Parameters are re-applied on every lease so state from a prior lease never
// leaks into a new invocation.
func (p Params) statements() ([]string, error) {
	var stmts []string
	add := func(format, ident string) error {
		if !identPattern.MatchString(ident) {
			return fmt.Errorf("%w %q in session parameters", ErrInvalidIdentifier, ident)
		}
		stmts = append(stmts, fmt.Sprintf(format, ident))
		return nil
	}

	if p.Role != "" {
		if err := add("USE ROLE %s", p.Role); err != nil {
			return nil, err
		}
	}
	if p.Warehouse != "" {
		if err := add("USE WAREHOUSE %s", p.Warehouse); err != nil {
			return nil, err
		}
	}
	if p.Database != "" {
		if err := add("USE DATABASE %s", p.Database); err != nil {
			return nil, err
		}
	}
	if p.Schema != "" {
		if err := add("USE SCHEMA %s", p.Schema); err != nil {
			return nil, err
		}
	}
	if p.QueryTag != "" {
		tag := strings.ReplaceAll(p.QueryTag, "'", "''")
		stmts = append(stmts, fmt.Sprintf("ALTER SESSION SET QUERY_TAG = '%s'", tag))
	} else {
		stmts = append(stmts, "ALTER SESSION UNSET QUERY_TAG")
	}
	return stmts, nil
}
