package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/borealdata/icebridge/internal/aisvc"
	"github.com/borealdata/icebridge/internal/catalog"
	"github.com/borealdata/icebridge/internal/warehouse"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeConn struct {
	mu      sync.Mutex
	execd   []string
	queried []string
	queryFn func(sql string) (*warehouse.Rows, error)
	closed  bool
}

func (c *fakeConn) Query(_ context.Context, sql string) (*warehouse.Rows, error) {
	c.mu.Lock()
	c.queried = append(c.queried, sql)
	fn := c.queryFn
	c.mu.Unlock()
	if fn != nil {
		return fn(sql)
	}
	return &warehouse.Rows{Columns: []string{"ok"}, Rows: []map[string]any{{"ok": true}}, Count: 1}, nil
}

func (c *fakeConn) Exec(_ context.Context, sql string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execd = append(c.execd, sql)
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queried...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	// queryFn is installed on every dialed connection.
	queryFn func(sql string) (*warehouse.Rows, error)
}

func (d *fakeDialer) Dial(context.Context) (warehouse.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{queryFn: d.queryFn}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) allQueries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.conns {
		out = append(out, c.queries()...)
	}
	return out
}

const testCatalogYAML = `
query_manager: true
object_manager: true
semantic_manager: true
search_services:
  - service_name: product_search
    description: product documentation search
    database_name: DOCS
    schema_name: PUBLIC
    columns: [title, body]
    limit: 20
analyst_services:
  - service_name: sales_analyst
    description: sales questions
    semantic_model: "@SALES.PUBLIC.MODELS/sales.yaml"
  - service_name: revenue_analyst
    description: revenue questions
    semantic_model: FIN.PUBLIC.REVENUE_VIEW
sql_statement_permissions:
  select: true
  describe: true
  create: true
  drop: false
`

type testEnv struct {
	dispatcher *Dispatcher
	dialer     *fakeDialer
	aiCalls    *atomic.Int32
}

func newTestEnv(t *testing.T, yaml string, opts ...func(*Config)) *testEnv {
	t.Helper()

	cat, err := catalog.Parse([]byte(yaml))
	require.NoError(t, err)

	dialer := &fakeDialer{}
	pool, err := warehouse.NewPool(warehouse.PoolConfig{
		Logger:         testLogger(),
		Dialer:         dialer,
		MaxSessions:    2,
		AcquireTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	aiCalls := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		aiCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"title":"doc"}]}`))
	}))
	t.Cleanup(srv.Close)

	ai, err := aisvc.New(aisvc.Config{Logger: testLogger(), BaseURL: srv.URL})
	require.NoError(t, err)

	cfg := Config{
		Logger:  testLogger(),
		Catalog: cat,
		Pool:    pool,
		AI:      ai,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	return &testEnv{dispatcher: d, dialer: dialer, aiCalls: aiCalls}
}

func TestDispatcher_RunQuery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	res := env.dispatcher.Invoke(t.Context(), Request{
		Tool: ToolRunQuery,
		SQL:  "SELECT id FROM SALES.PUBLIC.orders",
	})
	require.Nil(t, res.Error)
	require.True(t, res.Success)
	require.NotNil(t, res.Rows)
	require.Equal(t, 1, res.Rows.Count)
	require.Equal(t, "SELECT id FROM SALES.PUBLIC.orders", res.Statement)
}

func TestDispatcher_RunQueryAppendsLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	res := env.dispatcher.Invoke(t.Context(), Request{
		Tool:   ToolRunQuery,
		SQL:    "SELECT id FROM t;",
		Params: map[string]any{"limit": float64(25)},
	})
	require.True(t, res.Success)
	require.Equal(t, "SELECT id FROM t LIMIT 25", res.Statement)

	// A statement that already limits itself is left alone.
	res = env.dispatcher.Invoke(t.Context(), Request{
		Tool:   ToolRunQuery,
		SQL:    "SELECT id FROM t LIMIT 5",
		Params: map[string]any{"limit": float64(25)},
	})
	require.True(t, res.Success)
	require.Equal(t, "SELECT id FROM t LIMIT 5", res.Statement)
}

func TestDispatcher_PolicyDeniesBeforeBackendContact(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	res := env.dispatcher.Invoke(t.Context(), Request{
		Tool: ToolRunQuery,
		SQL:  "TRUNCATE TABLE SALES.PUBLIC.orders",
	})
	require.False(t, res.Success)
	require.NotNil(t, res.Error)
	require.Equal(t, ErrPolicyDenied, res.Error.Kind)
	require.Equal(t, "truncate_table", res.Error.Category)
	require.Zero(t, env.dialer.dials(), "denied statements never reach the backend")
}

func TestDispatcher_PolicyDeniesUnknownByDefault(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	res := env.dispatcher.Invoke(t.Context(), Request{
		Tool: ToolRunQuery,
		SQL:  "VACUUM ANALYZE t",
	})
	require.False(t, res.Success)
	require.Equal(t, ErrPolicyDenied, res.Error.Kind)
	require.Equal(t, "unknown", res.Error.Category)
	require.Zero(t, env.dialer.dials())
}

func TestDispatcher_EmptyStatement(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	res := env.dispatcher.Invoke(t.Context(), Request{Tool: ToolRunQuery})
	require.False(t, res.Success)
	require.Equal(t, ErrValidation, res.Error.Kind)
}

func TestDispatcher_UnknownService(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	res := env.dispatcher.Invoke(t.Context(), Request{Tool: "no_such_service"})
	require.False(t, res.Success)
	require.Equal(t, ErrNotFound, res.Error.Kind)
	require.Zero(t, env.dialer.dials())
	require.Zero(t, env.aiCalls.Load())
}

func TestDispatcher_DisabledManager(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, `
object_manager: true
sql_statement_permissions:
  select: true
`)
	res := env.dispatcher.Invoke(t.Context(), Request{Tool: ToolRunQuery, SQL: "SELECT 1"})
	require.False(t, res.Success)
	require.Equal(t, ErrNotFound, res.Error.Kind)
}

func TestDispatcher_ObjectToolsGoThroughPolicyGate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)

	// Create is permitted by the catalog's permissions.
	res := env.dispatcher.Invoke(t.Context(), Request{
		Tool: ToolCreateObject,
		Params: map[string]any{
			"database_name": "SALES",
			"schema_name":   "PUBLIC",
			"name":          "orders",
			"columns":       []any{map[string]any{"name": "id", "type": "NUMBER"}},
		},
	})
	require.Nil(t, res.Error)
	require.True(t, res.Success)
	require.Contains(t, res.Statement, "CREATE TABLE SALES.PUBLIC.orders")

	// Drop is not.
	res = env.dispatcher.Invoke(t.Context(), Request{
		Tool: ToolDropObject,
		Params: map[string]any{
			"database_name": "SALES",
			"schema_name":   "PUBLIC",
			"name":          "orders",
		},
	})
	require.False(t, res.Success)
	require.Equal(t, ErrPolicyDenied, res.Error.Kind)
	require.Equal(t, "drop", res.Error.Category)

	for _, q := range env.dialer.allQueries() {
		require.NotContains(t, q, "DROP TABLE")
	}
}

func TestDispatcher_ObjectToolRejectsUnknownParams(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	res := env.dispatcher.Invoke(t.Context(), Request{
		Tool: ToolDescribeObject,
		Params: map[string]any{
			"database_name": "SALES",
			"schema_name":   "PUBLIC",
			"name":          "orders",
			"bogus":         true,
		},
	})
	require.False(t, res.Success)
	require.Equal(t, ErrValidation, res.Error.Kind)
	require.Zero(t, env.dialer.dials())
}

func TestDispatcher_ListObjects(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	res := env.dispatcher.Invoke(t.Context(), Request{
		Tool: ToolListObjects,
		Params: map[string]any{
			"database_name": "SALES",
			"schema_name":   "PUBLIC",
			"pattern":       "ord%",
		},
	})
	require.True(t, res.Success)
	require.Equal(t, "SHOW TABLES IN SCHEMA SALES.PUBLIC LIKE 'ord%'", res.Statement)
}

func TestDispatcher_ListDatabasesAndSchemas(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)

	res := env.dispatcher.Invoke(t.Context(), Request{Tool: ToolListDatabases})
	require.Nil(t, res.Error)
	require.True(t, res.Success)
	require.Equal(t, "SHOW DATABASES", res.Statement)

	res = env.dispatcher.Invoke(t.Context(), Request{
		Tool:   ToolListSchemas,
		Params: map[string]any{"database_name": "SALES", "pattern": "pub%"},
	})
	require.True(t, res.Success)
	require.Equal(t, "SHOW SCHEMAS IN DATABASE SALES LIKE 'pub%'", res.Statement)
}

func TestDispatcher_DiscoveryToolsGoThroughPolicyGate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, `
object_manager: true
sql_statement_permissions:
  select: true
`)
	res := env.dispatcher.Invoke(t.Context(), Request{Tool: ToolListDatabases})
	require.False(t, res.Success)
	require.Equal(t, ErrPolicyDenied, res.Error.Kind)
	require.Equal(t, "describe", res.Error.Category)
	require.Zero(t, env.dialer.dials(), "denied listings never reach the backend")
}

func TestDispatcher_InvalidSessionParams(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	res := env.dispatcher.Invoke(t.Context(), Request{
		Tool:    ToolRunQuery,
		SQL:     "SELECT 1",
		Session: warehouse.Params{Schema: "public; DROP TABLE x"},
	})
	require.False(t, res.Success)
	require.Equal(t, ErrValidation, res.Error.Kind)
	require.Contains(t, res.Error.Reason, "invalid identifier")
	require.Zero(t, env.dialer.dials())
}

func TestDispatcher_QuerySemanticView(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	res := env.dispatcher.Invoke(t.Context(), Request{
		Tool: ToolQuerySemanticView,
		Params: map[string]any{
			"database_name": "FIN",
			"schema_name":   "PUBLIC",
			"view":          "revenue",
			"metrics":       []any{"orders.total"},
		},
	})
	require.True(t, res.Success)
	require.Contains(t, res.Statement, "SELECT * FROM SEMANTIC_VIEW(FIN.PUBLIC.revenue METRICS orders.total)")
}

func TestDispatcher_Search(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	res := env.dispatcher.Invoke(t.Context(), Request{
		Tool:   "product_search",
		Params: map[string]any{"query": "installation guide"},
	})
	require.Nil(t, res.Error)
	require.True(t, res.Success)
	require.JSONEq(t, `{"results":[{"title":"doc"}]}`, string(res.Data))
	require.Equal(t, int32(1), env.aiCalls.Load())
	require.Zero(t, env.dialer.dials(), "search never touches the warehouse")
}

func TestDispatcher_SearchValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		params map[string]any
		reason string
	}{
		{"missing query", map[string]any{}, "query is required"},
		{"limit over maximum", map[string]any{"query": "q", "limit": float64(21)}, "exceeds the configured maximum"},
		{"zero limit", map[string]any{"query": "q", "limit": float64(0)}, "positive integer"},
		{"undeclared column", map[string]any{"query": "q", "columns": []any{"secret"}}, "not declared"},
		{"filter not an object", map[string]any{"query": "q", "filter": "x"}, "must be an object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, testCatalogYAML)
			res := env.dispatcher.Invoke(t.Context(), Request{Tool: "product_search", Params: tt.params})
			require.False(t, res.Success)
			require.Equal(t, ErrValidation, res.Error.Kind)
			require.Contains(t, res.Error.Reason, tt.reason)
			require.Zero(t, env.aiCalls.Load(), "invalid requests never reach the ai service")
		})
	}
}

func TestDispatcher_AnalystModelFileSkipsVerification(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	res := env.dispatcher.Invoke(t.Context(), Request{
		Tool:   "sales_analyst",
		Params: map[string]any{"query": "total revenue last month"},
	})
	require.True(t, res.Success)
	require.Equal(t, int32(1), env.aiCalls.Load())
	require.Zero(t, env.dialer.dials(), "staged model files are not verified against the warehouse")
}

func TestDispatcher_AnalystVerifiesSemanticViewOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	for i := 0; i < 3; i++ {
		res := env.dispatcher.Invoke(t.Context(), Request{
			Tool:   "revenue_analyst",
			Params: map[string]any{"query": "revenue by region"},
		})
		require.True(t, res.Success, "call %d", i)
	}

	var describes int
	for _, q := range env.dialer.allQueries() {
		if strings.Contains(q, "DESCRIBE SEMANTIC VIEW FIN.PUBLIC.REVENUE_VIEW") {
			describes++
		}
	}
	require.Equal(t, 1, describes, "verification result is cached")
	require.Equal(t, int32(3), env.aiCalls.Load())
}

func TestDispatcher_AnalystMissingSemanticView(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	env.dialer.mu.Lock()
	env.dialer.queryFn = func(sql string) (*warehouse.Rows, error) {
		if strings.HasPrefix(sql, "DESCRIBE SEMANTIC VIEW") {
			return nil, fmt.Errorf("object 'FIN.PUBLIC.REVENUE_VIEW' does not exist or not authorized")
		}
		return &warehouse.Rows{}, nil
	}
	env.dialer.mu.Unlock()

	for i := 0; i < 2; i++ {
		res := env.dispatcher.Invoke(t.Context(), Request{
			Tool:   "revenue_analyst",
			Params: map[string]any{"query": "revenue by region"},
		})
		require.False(t, res.Success)
		require.Equal(t, ErrNotFound, res.Error.Kind)
	}
	require.Zero(t, env.aiCalls.Load(), "missing views never reach the ai service")
}

func TestDispatcher_Exhaustion(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	pool, err := warehouse.NewPool(warehouse.PoolConfig{
		Logger:         testLogger(),
		Dialer:         dialer,
		MaxSessions:    1,
		AcquireTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer pool.Close()

	cat, err := catalog.Parse([]byte(testCatalogYAML))
	require.NoError(t, err)
	ai, err := aisvc.New(aisvc.Config{Logger: testLogger(), BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	d, err := New(Config{Logger: testLogger(), Catalog: cat, Pool: pool, AI: ai})
	require.NoError(t, err)
	defer d.Close()

	// Hold the only session so the invocation cannot get one.
	held, err := pool.Acquire(t.Context(), warehouse.Params{})
	require.NoError(t, err)
	defer held.Release()

	res := d.Invoke(t.Context(), Request{Tool: ToolRunQuery, SQL: "SELECT 1"})
	require.False(t, res.Success)
	require.Equal(t, ErrResourceExhausted, res.Error.Kind)
}

func TestDispatcher_PanicBecomesInternalError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	env.dialer.mu.Lock()
	env.dialer.queryFn = func(string) (*warehouse.Rows, error) {
		panic("backend driver fault")
	}
	env.dialer.mu.Unlock()

	res := env.dispatcher.Invoke(t.Context(), Request{Tool: ToolRunQuery, SQL: "SELECT 1"})
	require.False(t, res.Success)
	require.Equal(t, ErrInternal, res.Error.Kind)
	require.Contains(t, res.Error.Reason, "unexpected fault")
}

func TestDispatcher_BackendFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, testCatalogYAML)
	env.dialer.mu.Lock()
	env.dialer.queryFn = func(string) (*warehouse.Rows, error) {
		return nil, fmt.Errorf("SQL compilation error: syntax error near 'FROOM'")
	}
	env.dialer.mu.Unlock()

	res := env.dispatcher.Invoke(t.Context(), Request{Tool: ToolRunQuery, SQL: "SELECT * FROOM t"})
	require.False(t, res.Success)
	require.Equal(t, ErrBackend, res.Error.Kind)
	require.Contains(t, res.Error.Reason, "SQL compilation error")
}

func TestDispatcher_ConfigValidate(t *testing.T) {
	t.Parallel()

	cat, err := catalog.Parse([]byte(`{query_manager: true}`))
	require.NoError(t, err)

	_, err = New(Config{Catalog: cat})
	require.Error(t, err)
	require.Contains(t, err.Error(), "logger is required")

	_, err = New(Config{Logger: testLogger()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "catalog is required")
}
