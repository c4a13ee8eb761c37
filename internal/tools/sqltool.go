package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/lib/pq"

	"github.com/iatoolkit/iatoolkit/internal/tenant"
	"github.com/iatoolkit/iatoolkit/pkg/database"
	"github.com/iatoolkit/iatoolkit/pkg/logging"
)

const maxSQLRows = 200

// SQLTool executes model-authored SELECT statements against the tenant's
// declared data sources. Connections are pooled per DSN env var and shared
// across tenants pointing at the same database.
type SQLTool struct {
	logger logging.Logger

	mu    sync.Mutex
	pools map[string]*sql.DB
}

func NewSQLTool(logger logging.Logger) *SQLTool {
	return &SQLTool{
		logger: logger,
		pools:  make(map[string]*sql.DB),
	}
}

// Definition returns the builtin registration for iat_sql_query.
func (t *SQLTool) Definition() Definition {
	return Definition{
		Name: "iat_sql_query",
		Description: "Run a read-only SQL query against one of the tenant's declared databases. " +
			"Use the logical database name from the data source catalog.",
		Parameters: objectSchema(map[string]any{
			"database": map[string]any{
				"type":        "string",
				"description": "Logical name of the database to query.",
			},
			"query": map[string]any{
				"type":        "string",
				"description": "A single SELECT statement.",
			},
		}, []string{"database", "query"}),
		Handler: t.Execute,
	}
}

func (t *SQLTool) Execute(ctx context.Context, tn *tenant.Tenant, args map[string]any) (string, error) {
	dbName, _ := args["database"].(string)
	query, _ := args["query"].(string)

	src, ok := tn.Source(dbName)
	if !ok {
		return "", fmt.Errorf("database %q is not declared for this tenant", dbName)
	}
	if err := checkReadOnly(query); err != nil {
		return "", err
	}
	if err := checkExcludedTables(query, src.ExcludedTables); err != nil {
		return "", err
	}

	db, err := t.poolFor(src)
	if err != nil {
		return "", err
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return "", fmt.Errorf("begin query transaction: %v", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if src.Schema != "" {
		if _, err := tx.ExecContext(ctx, "SET LOCAL search_path TO "+pq.QuoteIdentifier(src.Schema)); err != nil {
			return "", fmt.Errorf("set search path: %v", err)
		}
	}
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("query failed: %v", err)
	}
	defer rows.Close()

	out, err := rowsToJSON(rows)
	if err != nil {
		return "", err
	}
	return out, nil
}

func (t *SQLTool) poolFor(src tenant.SQLSource) (*sql.DB, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if db, ok := t.pools[src.ConnStringEnv]; ok {
		return db, nil
	}
	dsn := os.Getenv(src.ConnStringEnv)
	if dsn == "" {
		return nil, fmt.Errorf("connection for database %q is not configured", src.Name)
	}
	db, err := database.Connect(database.Config{URL: dsn}, t.logger)
	if err != nil {
		return nil, fmt.Errorf("connect to database %q: %v", src.Name, err)
	}
	t.pools[src.ConnStringEnv] = db
	return db, nil
}

// checkReadOnly admits a single SELECT (or WITH ... SELECT) statement and
// nothing else. Statement stacking via semicolons is rejected outright.
func checkReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("query is empty")
	}
	if strings.Contains(strings.TrimSuffix(trimmed, ";"), ";") {
		return fmt.Errorf("only a single statement is allowed")
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("only SELECT queries are allowed")
	}
	for _, keyword := range []string{"INSERT ", "UPDATE ", "DELETE ", "DROP ", "ALTER ", "TRUNCATE ", "GRANT ", "CREATE "} {
		if strings.Contains(upper, keyword) {
			return fmt.Errorf("only SELECT queries are allowed")
		}
	}
	return nil
}

func checkExcludedTables(query string, excluded []string) error {
	if len(excluded) == 0 {
		return nil
	}
	lower := strings.ToLower(query)
	for _, table := range excluded {
		if table == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(table)) {
			return fmt.Errorf("table %q is not accessible", table)
		}
	}
	return nil
}

func rowsToJSON(rows *sql.Rows) (string, error) {
	columns, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("read columns: %v", err)
	}

	var results []map[string]any
	truncated := false
	for rows.Next() {
		if len(results) >= maxSQLRows {
			truncated = true
			break
		}
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return "", fmt.Errorf("scan row: %v", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			default:
				row[col] = v
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate rows: %v", err)
	}

	payload := map[string]any{"rows": results, "row_count": len(results)}
	if truncated {
		payload["truncated"] = true
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode rows: %v", err)
	}
	return string(encoded), nil
}
