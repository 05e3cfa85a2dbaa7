// Package bridge is the dispatch core: it resolves named invocations against
// the service catalog, validates parameters, gates raw SQL through the
// statement classifier and the permission policy, and executes against a
// leased warehouse session or an AI service. Every invocation yields a
// structured result; no fault escapes the dispatcher boundary.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jellydator/ttlcache/v3"

	"github.com/borealdata/icebridge/internal/aisvc"
	"github.com/borealdata/icebridge/internal/catalog"
	"github.com/borealdata/icebridge/internal/policy"
	"github.com/borealdata/icebridge/internal/sqlstmt"
	"github.com/borealdata/icebridge/internal/warehouse"
)

// Fixed tool names exposed when the matching manager is enabled in the
// catalog.
const (
	ToolRunQuery          = "run_query"
	ToolCreateObject      = "create_object"
	ToolDropObject        = "drop_object"
	ToolDescribeObject    = "describe_object"
	ToolListObjects       = "list_objects"
	ToolListDatabases     = "list_databases"
	ToolListSchemas       = "list_schemas"
	ToolListSemanticViews = "list_semantic_views"
	ToolQuerySemanticView = "query_semantic_view"
)

const (
	defaultMaxConcurrency = 16
	defaultQueryTimeout   = 60 * time.Second
	defaultAITimeout      = 45 * time.Second
	defaultModelCacheTTL  = 10 * time.Minute
)

type Config struct {
	Logger  *slog.Logger
	Catalog *catalog.Catalog
	Pool    *warehouse.Pool
	AI      *aisvc.Client

	MaxConcurrency int
	QueryTimeout   time.Duration
	AITimeout      time.Duration
	ModelCacheTTL  time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Catalog == nil {
		return fmt.Errorf("catalog is required")
	}
	if c.Pool == nil {
		return fmt.Errorf("session pool is required")
	}
	if c.AI == nil && (len(c.Catalog.SearchServices()) > 0 || len(c.Catalog.AnalystServices()) > 0) {
		return fmt.Errorf("ai service client is required when search or analyst services are configured")
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	if c.AITimeout <= 0 {
		c.AITimeout = defaultAITimeout
	}
	if c.ModelCacheTTL <= 0 {
		c.ModelCacheTTL = defaultModelCacheTTL
	}
	return nil
}

// Request is one inbound tool invocation.
type Request struct {
	// Tool is the target name: a fixed tool or a cataloged service.
	Tool string
	// Params carries the tool's structured parameters.
	Params map[string]any
	// SQL is the raw statement for the run_query path.
	SQL string
	// Session holds requested session parameter overrides.
	Session warehouse.Params
}

// ErrorInfo describes a failed invocation.
type ErrorInfo struct {
	Kind     ErrorKind `json:"kind"`
	Reason   string    `json:"reason"`
	Category string    `json:"category,omitempty"`
}

// Result is the structured outcome of an invocation. Exactly one invocation
// result is produced per request, success or not.
type Result struct {
	Success   bool            `json:"success"`
	Rows      *warehouse.Rows `json:"rows,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Statement string          `json:"statement,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
}

// Dispatcher orchestrates invocations. It holds no cross-invocation mutable
// state beyond the session pool and the semantic model verification cache.
type Dispatcher struct {
	log     *slog.Logger
	cfg     Config
	catalog *catalog.Catalog
	policy  policy.Policy
	pool    *warehouse.Pool
	ai      *aisvc.Client

	runner pond.ResultPool[Result]
	models *ttlcache.Cache[string, bool]
}

func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate dispatcher config: %w", err)
	}

	models := ttlcache.New(
		ttlcache.WithTTL[string, bool](cfg.ModelCacheTTL),
	)
	go models.Start()

	return &Dispatcher{
		log:     cfg.Logger,
		cfg:     cfg,
		catalog: cfg.Catalog,
		policy:  cfg.Catalog.Policy(),
		pool:    cfg.Pool,
		ai:      cfg.AI,
		runner:  pond.NewResultPool[Result](cfg.MaxConcurrency),
		models:  models,
	}, nil
}

// Close stops the dispatcher's worker pool and caches. In-flight invocations
// finish first.
func (d *Dispatcher) Close() {
	d.runner.StopAndWait()
	d.models.Stop()
}

// Invoke runs one invocation to completion and always returns a Result.
func (d *Dispatcher) Invoke(ctx context.Context, req Request) Result {
	task := d.runner.SubmitErr(func() (Result, error) {
		return d.invoke(ctx, req), nil
	})
	res, err := task.Wait()
	if err != nil {
		// Only possible when the dispatcher is shutting down.
		return errorResult(internalf("dispatcher unavailable: %v", err))
	}
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("bridge: panic during invocation", "tool", req.Tool, "panic", r)
			res = errorResult(internalf("unexpected fault handling %q: %v", req.Tool, r))
		}
	}()

	result, err := d.dispatch(ctx, req)
	if err != nil {
		e := asError(err)
		if e.Kind == ErrPolicyDenied {
			d.log.Warn("bridge: statement rejected by policy", "tool", req.Tool, "category", e.Category)
		} else {
			d.log.Debug("bridge: invocation failed", "tool", req.Tool, "kind", e.Kind, "reason", e.Reason)
		}
		return errorResult(e)
	}
	return result
}

func errorResult(e *Error) Result {
	info := &ErrorInfo{Kind: e.Kind, Reason: e.Reason}
	if e.Category != "" {
		info.Category = string(e.Category)
	}
	return Result{Success: false, Error: info}
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (Result, error) {
	switch req.Tool {
	case ToolRunQuery:
		if !d.catalog.QueryManagerEnabled() {
			return Result{}, notFoundf("tool %q is not enabled", req.Tool)
		}
		return d.runQuery(ctx, req)
	case ToolCreateObject, ToolDropObject, ToolDescribeObject, ToolListObjects, ToolListDatabases, ToolListSchemas:
		if !d.catalog.ObjectManagerEnabled() {
			return Result{}, notFoundf("tool %q is not enabled", req.Tool)
		}
		return d.runObjectTool(ctx, req)
	case ToolListSemanticViews, ToolQuerySemanticView:
		if !d.catalog.SemanticManagerEnabled() {
			return Result{}, notFoundf("tool %q is not enabled", req.Tool)
		}
		return d.runSemanticTool(ctx, req)
	}

	def, ok := d.catalog.Resolve(req.Tool)
	if !ok {
		return Result{}, notFoundf("unknown service %q", req.Tool)
	}
	switch svc := def.(type) {
	case *catalog.SearchService:
		return d.runSearch(ctx, svc, req)
	case *catalog.AnalystService:
		return d.runAnalyst(ctx, svc, req)
	default:
		return Result{}, internalf("service %q has an unsupported definition type", req.Tool)
	}
}

// runQuery is the raw SQL path: classify, gate, lease, execute.
func (d *Dispatcher) runQuery(ctx context.Context, req Request) (Result, error) {
	sql := strings.TrimSpace(req.SQL)
	if sql == "" {
		if s, ok := req.Params["statement"].(string); ok {
			sql = strings.TrimSpace(s)
		}
	}
	if sql == "" {
		return Result{}, validationf("statement is required")
	}

	limit := 0
	if v, ok := req.Params["limit"]; ok {
		n, err := intParam(v)
		if err != nil || n < 0 {
			return Result{}, validationf("limit must be a non-negative integer")
		}
		limit = n
	}

	rows, stmt, err := d.execSQL(ctx, sql, req.Session, limit)
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true, Rows: rows, Statement: stmt}, nil
}

// execSQL enforces the core security ordering: every statement is classified
// and checked against the policy before any backend contact.
func (d *Dispatcher) execSQL(ctx context.Context, sql string, sess warehouse.Params, limit int) (*warehouse.Rows, string, error) {
	kind := sqlstmt.Classify(sql)
	if !d.policy.Allows(kind) {
		return nil, "", policyDenied(kind)
	}

	if limit > 0 && kind == sqlstmt.KindSelect && !strings.Contains(strings.ToUpper(sql), "LIMIT") {
		sql = strings.TrimRight(strings.TrimSpace(sql), ";") + fmt.Sprintf(" LIMIT %d", limit)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
	defer cancel()

	session, err := d.pool.Acquire(ctx, sess)
	if err != nil {
		switch {
		case errors.Is(err, warehouse.ErrExhausted):
			return nil, "", exhausted(err)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return nil, "", exhausted(fmt.Errorf("timed out acquiring a session: %w", err))
		case errors.Is(err, warehouse.ErrInvalidIdentifier):
			return nil, "", validationf("%s", err.Error())
		default:
			return nil, "", backendErr(err)
		}
	}

	rows, err := session.Query(ctx, sql)
	if err != nil {
		if ctx.Err() != nil {
			// The backend call may still be in flight; the connection is
			// not trustworthy for reuse.
			session.Discard()
			return nil, "", backendErr(fmt.Errorf("statement timed out or was cancelled: %w", err))
		}
		session.Release()
		return nil, "", backendErr(err)
	}
	session.Release()
	return rows, sql, nil
}

func (d *Dispatcher) runObjectTool(ctx context.Context, req Request) (Result, error) {
	var stmt string
	var err error
	switch req.Tool {
	case ToolCreateObject:
		var in CreateObjectInput
		if err := decodeParams(req.Params, &in); err != nil {
			return Result{}, err
		}
		stmt, err = buildCreateObject(in)
	case ToolDropObject:
		var in DropObjectInput
		if err := decodeParams(req.Params, &in); err != nil {
			return Result{}, err
		}
		stmt, err = buildDropObject(in)
	case ToolDescribeObject:
		var in DescribeObjectInput
		if err := decodeParams(req.Params, &in); err != nil {
			return Result{}, err
		}
		stmt, err = buildDescribeObject(in)
	case ToolListObjects:
		var in ListObjectsInput
		if err := decodeParams(req.Params, &in); err != nil {
			return Result{}, err
		}
		stmt, err = buildListObjects(in)
	case ToolListDatabases:
		var in ListDatabasesInput
		if err := decodeParams(req.Params, &in); err != nil {
			return Result{}, err
		}
		stmt, err = buildListDatabases(in)
	case ToolListSchemas:
		var in ListSchemasInput
		if err := decodeParams(req.Params, &in); err != nil {
			return Result{}, err
		}
		stmt, err = buildListSchemas(in)
	}
	if err != nil {
		return Result{}, err
	}

	// Generated statements go through the same gate as hand-written SQL.
	rows, executed, err := d.execSQL(ctx, stmt, req.Session, 0)
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true, Rows: rows, Statement: executed}, nil
}

func (d *Dispatcher) runSemanticTool(ctx context.Context, req Request) (Result, error) {
	var stmt string
	var err error
	switch req.Tool {
	case ToolListSemanticViews:
		var in ListSemanticViewsInput
		if err := decodeParams(req.Params, &in); err != nil {
			return Result{}, err
		}
		stmt, err = buildListSemanticViews(in)
	case ToolQuerySemanticView:
		var in QuerySemanticViewInput
		if err := decodeParams(req.Params, &in); err != nil {
			return Result{}, err
		}
		stmt, err = buildQuerySemanticView(in)
	}
	if err != nil {
		return Result{}, err
	}

	rows, executed, err := d.execSQL(ctx, stmt, req.Session, 0)
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true, Rows: rows, Statement: executed}, nil
}

func (d *Dispatcher) runSearch(ctx context.Context, svc *catalog.SearchService, req Request) (Result, error) {
	query, _ := req.Params["query"].(string)
	if strings.TrimSpace(query) == "" {
		return Result{}, validationf("query is required")
	}

	limit := svc.Limit
	if v, ok := req.Params["limit"]; ok {
		n, err := intParam(v)
		if err != nil || n <= 0 {
			return Result{}, validationf("limit must be a positive integer")
		}
		if n > svc.Limit {
			return Result{}, validationf("limit %d exceeds the configured maximum %d for service %q", n, svc.Limit, svc.ServiceName)
		}
		limit = n
	}

	columns := svc.Columns
	if v, ok := req.Params["columns"]; ok {
		requested, err := stringSliceParam(v)
		if err != nil {
			return Result{}, validationf("columns must be a list of strings")
		}
		if len(requested) > 0 {
			if len(svc.Columns) > 0 {
				for _, col := range requested {
					if !contains(svc.Columns, col) {
						return Result{}, validationf("column %q is not declared for service %q", col, svc.ServiceName)
					}
				}
			}
			columns = requested
		}
	}

	var filter map[string]any
	if v, ok := req.Params["filter"]; ok {
		f, ok := v.(map[string]any)
		if !ok {
			return Result{}, validationf("filter must be an object")
		}
		filter = f
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.AITimeout)
	defer cancel()

	data, err := d.ai.Search(ctx, aisvc.SearchRequest{
		Service:  svc.ServiceName,
		Database: svc.Database,
		Schema:   svc.Schema,
		Query:    query,
		Columns:  columns,
		Filter:   filter,
		Limit:    limit,
	})
	if err != nil {
		return Result{}, backendErr(err)
	}
	return Result{Success: true, Data: data}, nil
}

func (d *Dispatcher) runAnalyst(ctx context.Context, svc *catalog.AnalystService, req Request) (Result, error) {
	query, _ := req.Params["query"].(string)
	if strings.TrimSpace(query) == "" {
		return Result{}, validationf("query is required")
	}

	if err := d.verifySemanticModel(ctx, svc); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.AITimeout)
	defer cancel()

	data, err := d.ai.Analyst(ctx, aisvc.AnalystRequest{
		SemanticModel: svc.SemanticModel,
		Query:         query,
	})
	if err != nil {
		return Result{}, backendErr(err)
	}
	return Result{Success: true, Data: data}, nil
}

// verifySemanticModel checks on first use that the semantic view an analyst
// service references actually exists. The result is cached; staged model
// files are resolved by the analyst service itself and skipped here, as is
// verification when the policy does not permit describe statements.
func (d *Dispatcher) verifySemanticModel(ctx context.Context, svc *catalog.AnalystService) error {
	if svc.IsModelFile() {
		return nil
	}
	if !d.policy.Allows(sqlstmt.KindDescribe) {
		return nil
	}
	if item := d.models.Get(svc.SemanticModel); item != nil {
		if item.Value() {
			return nil
		}
		return notFoundf("semantic view %q does not exist", svc.SemanticModel)
	}

	stmt := fmt.Sprintf("DESCRIBE SEMANTIC VIEW %s", svc.SemanticModel)
	_, _, err := d.execSQL(ctx, stmt, warehouse.Params{}, 0)
	if err != nil {
		e := asError(err)
		if e.Kind == ErrBackend && strings.Contains(strings.ToLower(e.Reason), "does not exist") {
			d.models.Set(svc.SemanticModel, false, ttlcache.DefaultTTL)
			return notFoundf("semantic view %q does not exist", svc.SemanticModel)
		}
		return err
	}
	d.models.Set(svc.SemanticModel, true, ttlcache.DefaultTTL)
	return nil
}

func decodeParams(params map[string]any, out any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return validationf("invalid parameters: %v", err)
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return validationf("invalid parameters: %v", err)
	}
	return nil
}

func intParam(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("not an integer")
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("not an integer")
	}
}

func stringSliceParam(v any) ([]string, error) {
	switch s := v.(type) {
	case []string:
		return s, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("not a string list")
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a string list")
	}
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
