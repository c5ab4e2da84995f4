// ABOUTME: Tests for the database pack against a stub HTTP service.
// ABOUTME: Covers routing, result rendering, and error propagation as isError.

package toolpacks

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mcpgate/mcpgate/internal/session"
	"github.com/mcpgate/mcpgate/internal/tools"
)

// stubService fakes the database service with canned JSON per route.
func stubService(t *testing.T, routes map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		body, ok := routes[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"error": "no route: " + key})
			return
		}
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func databasePack(t *testing.T, routes map[string]any) *tools.Pack {
	srv := stubService(t, routes)
	return Database(srv.URL, 5*time.Second, slog.Default())
}

func TestDatabaseHealth(t *testing.T) {
	sess := &session.Session{}

	t.Run("healthy service", func(t *testing.T) {
		pack := databasePack(t, map[string]any{
			"GET /admin/health": map[string]any{"status": "healthy", "database": "connected"},
		})
		res := callTool(t, pack, "database_health", `{}`, sess)
		assert.False(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "🟢")
		assert.Contains(t, res.Content[0].Text, "Service Status: healthy")
	})

	t.Run("service error is isError", func(t *testing.T) {
		pack := databasePack(t, map[string]any{
			"GET /admin/health": map[string]any{"error": "connection refused"},
		})
		res := callTool(t, pack, "database_health", `{}`, sess)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "connection refused")
	})

	t.Run("unreachable service is isError not panic", func(t *testing.T) {
		pack := Database("http://127.0.0.1:1", time.Second, slog.Default())
		res := callTool(t, pack, "database_health", `{}`, sess)
		assert.True(t, res.IsError)
	})
}

func TestDatabaseListings(t *testing.T) {
	sess := &session.Session{}
	pack := databasePack(t, map[string]any{
		"GET /admin/databases":     map[string]any{"databases": []string{"main", "analytics"}},
		"GET /admin/schemas":       map[string]any{"schemas": []string{"public"}},
		"GET /admin/tables":        map[string]any{"tables": []string{"users", "orders"}},
		"GET /admin/tables/public": map[string]any{"tables": []string{"users"}},
	})

	res := callTool(t, pack, "list_databases", `{}`, sess)
	assert.Contains(t, res.Content[0].Text, "📊 main")
	assert.Contains(t, res.Content[0].Text, "📊 analytics")

	res = callTool(t, pack, "list_schemas", `{}`, sess)
	assert.Contains(t, res.Content[0].Text, "📁 public")

	res = callTool(t, pack, "list_tables", `{}`, sess)
	assert.Contains(t, res.Content[0].Text, "📋 orders")

	res = callTool(t, pack, "list_tables", `{"schema_name":"public"}`, sess)
	assert.Contains(t, res.Content[0].Text, "schema 'public'")
	assert.NotContains(t, res.Content[0].Text, "orders")
}

func TestExecuteSQL(t *testing.T) {
	sess := &session.Session{}

	t.Run("renders rows as a table", func(t *testing.T) {
		pack := databasePack(t, map[string]any{
			"POST /crud/raw-sql": map[string]any{
				"success":   true,
				"row_count": 2,
				"data": []map[string]any{
					{"id": 1, "name": "ada"},
					{"id": 2, "name": "grace"},
				},
			},
		})
		res := callTool(t, pack, "execute_sql", `{"sql":"SELECT * FROM users"}`, sess)
		assert.False(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "Results (2 rows)")
		assert.Contains(t, res.Content[0].Text, "| id | name |")
		assert.Contains(t, res.Content[0].Text, "| 2 | grace |")
	})

	t.Run("empty sql rejected locally", func(t *testing.T) {
		pack := databasePack(t, nil)
		res := callTool(t, pack, "execute_sql", `{"sql":"  "}`, sess)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "SQL query is required")
	})

	t.Run("service-reported failure", func(t *testing.T) {
		pack := databasePack(t, map[string]any{
			"POST /crud/raw-sql": map[string]any{"success": false, "message": "syntax error"},
		})
		res := callTool(t, pack, "execute_sql", `{"sql":"SELEC"}`, sess)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "syntax error")
	})
}

func TestWriteSQL(t *testing.T) {
	pack := databasePack(t, map[string]any{
		"POST /crud/raw-sql/write": map[string]any{
			"success":       true,
			"affected_rows": 3,
			"message":       "ok",
		},
	})
	res := callTool(t, pack, "execute_write_sql", `{"sql":"DELETE FROM stale"}`, &session.Session{})
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content[0].Text, "Affected Rows: 3")
}

func TestRecordCRUD(t *testing.T) {
	sess := &session.Session{}
	pack := databasePack(t, map[string]any{
		"GET /crud/public/users": map[string]any{
			"records":     []map[string]any{{"id": 1, "name": "ada"}},
			"count":       1,
			"total_count": 40,
		},
		"GET /crud/public/users/1":    map[string]any{"data": map[string]any{"id": 1, "name": "ada"}},
		"POST /crud/public/users":     map[string]any{"id": 7, "data": map[string]any{"name": "lin"}},
		"PUT /crud/public/users/7":    map[string]any{"data": map[string]any{"name": "linus"}},
		"DELETE /crud/public/users/7": map[string]any{"success": true},
	})

	res := callTool(t, pack, "read_records", `{"schema_name":"public","table_name":"users"}`, sess)
	assert.Contains(t, res.Content[0].Text, "Showing 1 of 40 records")
	assert.Contains(t, res.Content[0].Text, "| 1 | ada |")

	res = callTool(t, pack, "read_record", `{"schema_name":"public","table_name":"users","record_id":"1"}`, sess)
	assert.Contains(t, res.Content[0].Text, "**name**: ada")

	res = callTool(t, pack, "create_record", `{"schema_name":"public","table_name":"users","data":{"name":"lin"}}`, sess)
	assert.Contains(t, res.Content[0].Text, "Record ID: 7")
	assert.Contains(t, res.Content[0].Text, "**name**: lin")

	res = callTool(t, pack, "update_record", `{"schema_name":"public","table_name":"users","record_id":"7","data":{"name":"linus"}}`, sess)
	assert.Contains(t, res.Content[0].Text, "updated successfully")

	res = callTool(t, pack, "delete_record", `{"schema_name":"public","table_name":"users","record_id":"7"}`, sess)
	assert.Contains(t, res.Content[0].Text, "deleted successfully")

	t.Run("missing identifiers rejected locally", func(t *testing.T) {
		res := callTool(t, pack, "read_records", `{"table_name":"users"}`, sess)
		assert.True(t, res.IsError)

		res = callTool(t, pack, "create_record", `{"schema_name":"public","table_name":"users"}`, sess)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content[0].Text, "Record data is required")
	})
}
