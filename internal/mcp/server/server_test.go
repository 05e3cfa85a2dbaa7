package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/borealdata/icebridge/internal/aisvc"
	"github.com/borealdata/icebridge/internal/bridge"
	"github.com/borealdata/icebridge/internal/catalog"
	"github.com/borealdata/icebridge/internal/warehouse"
)

type stubConn struct {
	mu      sync.Mutex
	pingErr error
}

func (c *stubConn) Query(context.Context, string) (*warehouse.Rows, error) {
	return &warehouse.Rows{Columns: []string{"n"}, Rows: []map[string]any{{"n": 1}}, Count: 1}, nil
}
func (c *stubConn) Exec(context.Context, string) error { return nil }
func (c *stubConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}
func (c *stubConn) Close(context.Context) error { return nil }

type stubDialer struct {
	conn *stubConn
}

func (d *stubDialer) Dial(context.Context) (warehouse.Conn, error) { return d.conn, nil }

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const testCatalogYAML = `
query_manager: true
object_manager: true
semantic_manager: true
search_services:
  - service_name: doc_search
    description: documentation search
    database_name: DOCS
    schema_name: PUBLIC
    columns: [title]
analyst_services:
  - service_name: sales_analyst
    description: sales questions
    semantic_model: "@SALES.PUBLIC.MODELS/sales.yaml"
sql_statement_permissions:
  select: true
  describe: true
`

func testPool(t *testing.T, conn *stubConn) *warehouse.Pool {
	t.Helper()
	pool, err := warehouse.NewPool(warehouse.PoolConfig{
		Logger:         testLogger(t),
		Dialer:         &stubDialer{conn: conn},
		MaxSessions:    2,
		AcquireTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func testDispatcher(t *testing.T, cat *catalog.Catalog, pool *warehouse.Pool) *bridge.Dispatcher {
	t.Helper()
	ai, err := aisvc.New(aisvc.Config{Logger: testLogger(t), BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	d, err := bridge.New(bridge.Config{
		Logger:  testLogger(t),
		Catalog: cat,
		Pool:    pool,
		AI:      ai,
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalogYAML))
	require.NoError(t, err)
	pool := testPool(t, &stubConn{})
	return Config{
		Version:    "test",
		ListenAddr: "localhost:0",
		Logger:     testLogger(t),
		Catalog:    cat,
		Dispatcher: testDispatcher(t, cat, pool),
		Pool:       pool,
	}
}

func TestMCP_Server_Config_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "missing logger",
			modify: func(c *Config) {
				c.Logger = nil
			},
			wantErr: true,
		},
		{
			name: "missing catalog",
			modify: func(c *Config) {
				c.Catalog = nil
			},
			wantErr: true,
		},
		{
			name: "missing dispatcher",
			modify: func(c *Config) {
				c.Dispatcher = nil
			},
			wantErr: true,
		},
		{
			name: "missing pool",
			modify: func(c *Config) {
				c.Pool = nil
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig(t)
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.NotZero(t, cfg.ReadHeaderTimeout, "Config.Validate() should set default read header timeout")
				require.NotZero(t, cfg.ShutdownTimeout, "Config.Validate() should set default shutdown timeout")
			}
		})
	}
}

func TestMCP_Server_New(t *testing.T) {
	t.Parallel()

	s, err := New(t.Context(), validConfig(t))
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestMCP_Server_HealthzHandler(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	cfg.AllowedTokens = []string{"secret"}
	s, err := New(t.Context(), cfg)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, "healthz does not require authentication")
	require.Equal(t, "ok\n", rr.Body.String())
}

func TestMCP_Server_ReadyzHandler(t *testing.T) {
	t.Parallel()

	t.Run("warehouse reachable", func(t *testing.T) {
		t.Parallel()

		s, err := New(t.Context(), validConfig(t))
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rr := httptest.NewRecorder()
		s.readyzHandler(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		require.Equal(t, "ok\n", rr.Body.String())
	})

	t.Run("warehouse unreachable", func(t *testing.T) {
		t.Parallel()

		cfg := validConfig(t)
		conn := &stubConn{pingErr: context.DeadlineExceeded}
		cfg.Pool = testPool(t, conn)
		s, err := New(t.Context(), cfg)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rr := httptest.NewRecorder()
		s.readyzHandler(rr, req)

		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		require.Equal(t, "warehouse not reachable\n", rr.Body.String())
	})
}

func TestMCP_Server_AuthMiddleware(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	cfg.AllowedTokens = []string{"secret-token"}
	s, err := New(t.Context(), cfg)
	require.NoError(t, err)

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "missing header",
			wantStatus: http.StatusUnauthorized,
			wantBody:   "missing authorization header",
		},
		{
			name:       "wrong scheme",
			authHeader: "Basic secret-token",
			wantStatus: http.StatusUnauthorized,
			wantBody:   "invalid authorization header format",
		},
		{
			name:       "empty token",
			authHeader: "Bearer ",
			wantStatus: http.StatusUnauthorized,
			wantBody:   "empty token",
		},
		{
			name:       "unknown token",
			authHeader: "Bearer wrong",
			wantStatus: http.StatusUnauthorized,
			wantBody:   "invalid token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()
			s.http.Handler.ServeHTTP(rr, req)

			require.Equal(t, tt.wantStatus, rr.Code)
			require.Contains(t, rr.Body.String(), tt.wantBody)
		})
	}

	t.Run("valid token reaches the mcp handler", func(t *testing.T) {
		t.Parallel()

		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
		req.Header.Set("Authorization", "Bearer secret-token")
		rr := httptest.NewRecorder()
		s.http.Handler.ServeHTTP(rr, req)

		require.NotEqual(t, http.StatusUnauthorized, rr.Code)
	})
}
