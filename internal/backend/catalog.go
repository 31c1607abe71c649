package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"github.com/jkaninda/codegate/internal/bindings"
)

// ErrInvalidParams is returned by handlers for parameters of the wrong shape.
var ErrInvalidParams = errors.New("invalid parameters")

// Statement is one statement of a batch.
type Statement struct {
	Query  string
	Params []any
}

// CodeModeFunc runs a script on behalf of the codemode operation.
type CodeModeFunc func(ctx context.Context, code string, timeoutMS int, readonly bool) (any, error)

// Catalog exposes the backend as operation descriptors.
type Catalog struct {
	db       *DB
	txs      *TxRegistry
	codeMode CodeModeFunc
}

// NewCatalog creates a catalog over db and txs.
func NewCatalog(db *DB, txs *TxRegistry) *Catalog {
	return &Catalog{db: db, txs: txs}
}

// SetCodeMode installs the script runner behind db_codemode_execute. The
// bindings generator never exposes that operation to scripts.
func (c *Catalog) SetCodeMode(fn CodeModeFunc) { c.codeMode = fn }

func schema(required []string, props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props, "required": required}
}

var (
	str     = map[string]any{"type": "string"}
	array   = map[string]any{"type": "array"}
	integer = map[string]any{"type": "integer"}
)

// Descriptors returns every backend operation.
func (c *Catalog) Descriptors() []bindings.OperationDescriptor {
	return []bindings.OperationDescriptor{
		{
			Name: "db_core_read_query", Group: "core", ReadOnly: true,
			Description:     "Run a read-only SQL query and return its rows.",
			ParameterSchema: schema([]string{"query"}, map[string]any{"query": str, "params": array}),
			Handler:         c.readQuery,
		},
		{
			Name: "db_core_write_query", Group: "core",
			Description:     "Run a data-modifying SQL statement outside any open transaction.",
			ParameterSchema: schema([]string{"query"}, map[string]any{"query": str, "params": array}),
			Handler:         c.writeQuery,
		},
		{
			Name: "db_core_list_tables", Group: "core", ReadOnly: true,
			Description:     "List tables in the current schema.",
			ParameterSchema: schema(nil, map[string]any{}),
			Handler:         c.listTables,
		},
		{
			Name: "db_core_describe_table", Group: "core", ReadOnly: true,
			Description:     "Describe the columns of a table.",
			ParameterSchema: schema([]string{"table"}, map[string]any{"table": str}),
			Handler:         c.describeTable,
		},
		{
			Name: "db_transaction_begin", Group: "transactions",
			Description:     "Begin a transaction that stays open across calls.",
			ParameterSchema: schema(nil, map[string]any{"label": str}),
			Handler:         c.txBegin,
		},
		{
			Name: "db_transaction_commit", Group: "transactions",
			Description:     "Commit an open transaction.",
			ParameterSchema: schema([]string{"transactionId"}, map[string]any{"transactionId": str}),
			Handler:         c.txCommit,
		},
		{
			Name: "db_transaction_rollback", Group: "transactions",
			Description:     "Roll back an open transaction.",
			ParameterSchema: schema([]string{"transactionId"}, map[string]any{"transactionId": str}),
			Handler:         c.txRollback,
		},
		{
			Name: "db_transaction_query", Group: "transactions",
			Description: "Run a statement inside an open transaction and return its rows.",
			ParameterSchema: schema([]string{"transactionId", "query"},
				map[string]any{"transactionId": str, "query": str, "params": array}),
			Handler: c.txQuery,
		},
		{
			Name: "db_transaction_execute", Group: "transactions",
			Description: "Run a list of statements atomically, inside an open transaction when transactionId is set.",
			ParameterSchema: schema([]string{"statements"},
				map[string]any{"statements": array, "transactionId": str}),
			Handler: c.txExecute,
		},
		{
			Name: "db_transaction_list", Group: "transactions", ReadOnly: true,
			Description:     "List open transactions.",
			ParameterSchema: schema(nil, map[string]any{}),
			Handler:         c.txList,
		},
		{
			Name: "db_json_extract", Group: "json", ReadOnly: true,
			Description:     "Evaluate a JSONPath expression against a JSON document, e.g. $.items[0].name or $.items[*].name.",
			ParameterSchema: schema([]string{"json", "path"}, map[string]any{"json": map[string]any{}, "path": str}),
			Handler:         jsonExtract,
		},
		{
			Name: "db_schema_list_indexes", Group: "schema", ReadOnly: true,
			Description:     "List the indexes of a table.",
			ParameterSchema: schema([]string{"table"}, map[string]any{"table": str}),
			Handler:         c.listIndexes,
		},
		{
			Name: "dbshell_server_info", Group: "shell", ReadOnly: true,
			Description:     "Report the database driver and server version.",
			ParameterSchema: schema(nil, map[string]any{}),
			Handler:         c.serverInfo,
		},
		{
			Name: "db_codemode_execute", Group: "codemode",
			Description: "Execute a script against the bindings.",
			ParameterSchema: schema([]string{"code"},
				map[string]any{"code": str, "timeoutMs": integer, "readonly": map[string]any{"type": "boolean"}}),
			Handler: c.codeModeExecute,
		},
	}
}

var readPrefixes = []string{"select", "with", "explain", "pragma", "show", "values"}

func isReadStatement(q string) bool {
	first, _, _ := strings.Cut(strings.TrimSpace(q), " ")
	first = strings.ToLower(strings.TrimRight(first, "(\n\t"))
	for _, p := range readPrefixes {
		if first == p {
			return true
		}
	}
	return false
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func (c *Catalog) readQuery(ctx context.Context, p map[string]any, _ bindings.RequestContext) (any, error) {
	q, err := stringParam(p, "query")
	if err != nil {
		return nil, err
	}
	if !isReadStatement(q) {
		return nil, fmt.Errorf("%w: readQuery only accepts SELECT-style statements", ErrInvalidParams)
	}
	if hasStackedStatements(q) {
		return nil, fmt.Errorf("%w: readQuery accepts a single statement", ErrInvalidParams)
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(q)), "pragma") && !isReadPragma(q) {
		return nil, fmt.Errorf("%w: readQuery does not accept pragma assignments", ErrInvalidParams)
	}
	args, err := arrayParam(p, "params")
	if err != nil {
		return nil, err
	}

	var rows []map[string]any
	err = c.db.ReadOnly(ctx, func(tx *gorm.DB) error {
		var qerr error
		rows, qerr = queryRows(tx, q, args)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Catalog) writeQuery(ctx context.Context, p map[string]any, _ bindings.RequestContext) (any, error) {
	q, err := stringParam(p, "query")
	if err != nil {
		return nil, err
	}
	args, err := arrayParam(p, "params")
	if err != nil {
		return nil, err
	}
	res := c.db.GormDB().WithContext(ctx).Exec(q, args...)
	if res.Error != nil {
		return nil, res.Error
	}
	return map[string]any{"rowsAffected": res.RowsAffected}, nil
}

func (c *Catalog) listTables(ctx context.Context, _ map[string]any, _ bindings.RequestContext) (any, error) {
	q := `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	if c.db.Driver() == DriverPostgres {
		q = `SELECT table_name AS name FROM information_schema.tables WHERE table_schema = current_schema() ORDER BY table_name`
	}
	rows, err := queryRows(c.db.GormDB().WithContext(ctx), q, nil)
	if err != nil {
		return nil, err
	}
	names := make([]any, len(rows))
	for i, r := range rows {
		names[i] = r["name"]
	}
	return names, nil
}

func (c *Catalog) describeTable(ctx context.Context, p map[string]any, _ bindings.RequestContext) (any, error) {
	table, err := tableParam(p)
	if err != nil {
		return nil, err
	}
	q := `SELECT name, type, "notnull" = 0 AS nullable, pk > 0 AS primary_key FROM pragma_table_info(?) ORDER BY cid`
	if c.db.Driver() == DriverPostgres {
		q = `SELECT column_name AS name, data_type AS type, is_nullable = 'YES' AS nullable, false AS primary_key
			FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ? ORDER BY ordinal_position`
	}
	rows, err := queryRows(c.db.GormDB().WithContext(ctx), q, []any{table})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("table %q not found", table)
	}
	return map[string]any{"table": table, "columns": rows}, nil
}

func (c *Catalog) listIndexes(ctx context.Context, p map[string]any, _ bindings.RequestContext) (any, error) {
	table, err := tableParam(p)
	if err != nil {
		return nil, err
	}
	q := `SELECT name, sql AS definition FROM sqlite_master WHERE type = 'index' AND tbl_name = ? ORDER BY name`
	if c.db.Driver() == DriverPostgres {
		q = `SELECT indexname AS name, indexdef AS definition FROM pg_indexes WHERE schemaname = current_schema() AND tablename = ? ORDER BY indexname`
	}
	return queryRows(c.db.GormDB().WithContext(ctx), q, []any{table})
}

func (c *Catalog) serverInfo(ctx context.Context, _ map[string]any, _ bindings.RequestContext) (any, error) {
	q := `SELECT sqlite_version() AS version`
	if c.db.Driver() == DriverPostgres {
		q = `SELECT current_setting('server_version') AS version`
	}
	rows, err := queryRows(c.db.GormDB().WithContext(ctx), q, nil)
	if err != nil {
		return nil, err
	}
	info := map[string]any{"driver": c.db.Driver()}
	if len(rows) > 0 {
		info["version"] = rows[0]["version"]
	}
	return info, nil
}

func (c *Catalog) txBegin(ctx context.Context, p map[string]any, rc bindings.RequestContext) (any, error) {
	label, _ := p["label"].(string)
	info, err := c.txs.Begin(ctx, rc.ExecutionID, label)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Catalog) txCommit(ctx context.Context, p map[string]any, _ bindings.RequestContext) (any, error) {
	id, err := stringParam(p, "transactionId")
	if err != nil {
		return nil, err
	}
	if err := c.txs.Commit(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"transactionId": id, "status": "committed"}, nil
}

func (c *Catalog) txRollback(ctx context.Context, p map[string]any, _ bindings.RequestContext) (any, error) {
	id, err := stringParam(p, "transactionId")
	if err != nil {
		return nil, err
	}
	if err := c.txs.RollbackTransaction(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"transactionId": id, "status": "rolled_back"}, nil
}

func (c *Catalog) txQuery(ctx context.Context, p map[string]any, _ bindings.RequestContext) (any, error) {
	id, err := stringParam(p, "transactionId")
	if err != nil {
		return nil, err
	}
	q, err := stringParam(p, "query")
	if err != nil {
		return nil, err
	}
	args, err := arrayParam(p, "params")
	if err != nil {
		return nil, err
	}
	if isReadStatement(q) {
		return c.txs.Query(ctx, id, q, args)
	}
	affected, err := c.txs.Exec(ctx, id, []Statement{{Query: q, Params: args}})
	if err != nil {
		return nil, err
	}
	return map[string]any{"rowsAffected": affected[0]}, nil
}

func (c *Catalog) txExecute(ctx context.Context, p map[string]any, _ bindings.RequestContext) (any, error) {
	stmts, err := statementsParam(p)
	if err != nil {
		return nil, err
	}

	var affected []int64
	if id, _ := p["transactionId"].(string); id != "" {
		affected, err = c.txs.Exec(ctx, id, stmts)
	} else {
		err = c.db.GormDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			affected, txErr = execStatements(tx, stmts)
			return txErr
		})
	}
	if err != nil {
		return nil, err
	}
	results := make([]any, len(affected))
	for i, n := range affected {
		results[i] = map[string]any{"rowsAffected": n}
	}
	return map[string]any{"results": results}, nil
}

func (c *Catalog) txList(context.Context, map[string]any, bindings.RequestContext) (any, error) {
	infos := c.txs.List()
	out := make([]any, len(infos))
	for i, info := range infos {
		out[i] = info
	}
	return out, nil
}

func (c *Catalog) codeModeExecute(ctx context.Context, p map[string]any, _ bindings.RequestContext) (any, error) {
	if c.codeMode == nil {
		return nil, errors.New("code mode is not configured")
	}
	code, err := stringParam(p, "code")
	if err != nil {
		return nil, err
	}
	var timeout int
	switch v := p["timeoutMs"].(type) {
	case float64:
		timeout = int(v)
	case int64:
		timeout = int(v)
	case int:
		timeout = v
	}
	readonly, _ := p["readonly"].(bool)
	return c.codeMode(ctx, code, timeout, readonly)
}

// execStatements runs each statement on db and collects rows affected.
func execStatements(db *gorm.DB, stmts []Statement) ([]int64, error) {
	affected := make([]int64, 0, len(stmts))
	for i, s := range stmts {
		res := db.Exec(s.Query, s.Params...)
		if res.Error != nil {
			return nil, fmt.Errorf("statement %d: %w", i+1, res.Error)
		}
		affected = append(affected, res.RowsAffected)
	}
	return affected, nil
}

func stringParam(p map[string]any, key string) (string, error) {
	s, ok := p[key].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", ErrInvalidParams, key)
	}
	return s, nil
}

func arrayParam(p map[string]any, key string) ([]any, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q must be an array", ErrInvalidParams, key)
	}
	return arr, nil
}

func tableParam(p map[string]any) (string, error) {
	table, err := stringParam(p, "table")
	if err != nil {
		return "", err
	}
	if !identifier.MatchString(table) {
		return "", fmt.Errorf("%w: %q is not a valid table name", ErrInvalidParams, table)
	}
	return table, nil
}

// statementsParam accepts ["SQL", ...] or [{query, params}, ...].
func statementsParam(p map[string]any) ([]Statement, error) {
	raw, err := arrayParam(p, "statements")
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: \"statements\" must not be empty", ErrInvalidParams)
	}
	stmts := make([]Statement, 0, len(raw))
	for i, item := range raw {
		switch v := item.(type) {
		case string:
			stmts = append(stmts, Statement{Query: v})
		case map[string]any:
			q, err := stringParam(v, "query")
			if err != nil {
				return nil, fmt.Errorf("statement %d: %w", i+1, err)
			}
			args, err := arrayParam(v, "params")
			if err != nil {
				return nil, fmt.Errorf("statement %d: %w", i+1, err)
			}
			stmts = append(stmts, Statement{Query: q, Params: args})
		default:
			return nil, fmt.Errorf("%w: statement %d must be a string or {query, params}", ErrInvalidParams, i+1)
		}
	}
	return stmts, nil
}
