package warehouse

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// pgxDialer connects to the warehouse's wire-compatible SQL endpoint.
type pgxDialer struct {
	cfg Config
}

// NewDialer builds the production dialer from a validated Config.
func NewDialer(cfg Config) (Dialer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &pgxDialer{cfg: cfg}, nil
}

func (d *pgxDialer) Dial(ctx context.Context) (Conn, error) {
	// The DSN is rebuilt per dial: key-pair tokens are short-lived, so a
	// fresh token is minted for every new connection.
	dsn, err := d.cfg.dsn()
	if err != nil {
		return nil, err
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to warehouse: %w", err)
	}
	return &pgxConn{conn: conn}, nil
}

type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Query(ctx context.Context, sql string) (*Rows, error) {
	rows, err := c.conn.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to execute statement: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, 0, len(fields))
	for _, f := range fields {
		columns = append(columns, f.Name)
	}

	result := &Rows{Columns: columns, Rows: []map[string]any{}}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = values[i]
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	result.Count = len(result.Rows)
	return result, nil
}

func (c *pgxConn) Exec(ctx context.Context, sql string) error {
	if _, err := c.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

func (c *pgxConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
