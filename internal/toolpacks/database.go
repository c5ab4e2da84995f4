// ABOUTME: Database tool pack: HTTP pass-through to the database service.
// ABOUTME: Service and transport failures surface as isError results, never protocol errors.

package toolpacks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mcpgate/mcpgate/internal/session"
	"github.com/mcpgate/mcpgate/internal/tools"
)

// serviceClient talks to the external database service.
type serviceClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// request issues one HTTP call and decodes the JSON body. Transport errors
// come back as {"error": ...} maps so every tool renders them the same way.
func (c *serviceClient) request(ctx context.Context, method, endpoint string, body any) map[string]any {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return map[string]any{"error": err.Error()}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("database request failed", "endpoint", endpoint, "error", err)
		return map[string]any{"error": err.Error()}
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return map[string]any{"error": fmt.Sprintf("decoding response: %v", err)}
	}
	return result
}

// Database builds the database pack proxying to the service at serviceURL.
func Database(serviceURL string, timeout time.Duration, logger *slog.Logger) *tools.Pack {
	c := &serviceClient{
		baseURL: strings.TrimRight(serviceURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "database-pack"),
	}

	objSchema := func(props string, required ...string) json.RawMessage {
		schema := fmt.Sprintf(`{"type":"object","properties":{%s}`, props)
		if len(required) > 0 {
			schema += fmt.Sprintf(`,"required":["%s"]`, strings.Join(required, `","`))
		}
		return json.RawMessage(schema + "}")
	}

	return &tools.Pack{
		ID: "database",
		Tools: []tools.Tool{
			{
				Definition: tools.Definition{
					Name:        "database_health",
					Description: "Check database service health",
					InputSchema: objSchema(""),
				},
				Handler: c.databaseHealth,
			},
			{
				Definition: tools.Definition{
					Name:        "list_databases",
					Description: "List all available databases",
					InputSchema: objSchema(""),
				},
				Handler: c.listDatabases,
			},
			{
				Definition: tools.Definition{
					Name:        "list_schemas",
					Description: "List all schemas in the database",
					InputSchema: objSchema(""),
				},
				Handler: c.listSchemas,
			},
			{
				Definition: tools.Definition{
					Name:        "list_tables",
					Description: "List tables, optionally within one schema",
					InputSchema: objSchema(`"schema_name":{"type":"string"}`),
				},
				Handler: c.listTables,
			},
			{
				Definition: tools.Definition{
					Name:        "execute_sql",
					Description: "Execute a read-only SQL query",
					InputSchema: objSchema(`"sql":{"type":"string"},"parameters":{"type":"object"}`, "sql"),
				},
				Handler: c.executeSQL,
			},
			{
				Definition: tools.Definition{
					Name:        "execute_write_sql",
					Description: "Execute a SQL write statement (INSERT, UPDATE, DELETE)",
					InputSchema: objSchema(`"sql":{"type":"string"},"parameters":{"type":"object"}`, "sql"),
				},
				Handler: c.executeWriteSQL,
			},
			{
				Definition: tools.Definition{
					Name:        "read_records",
					Description: "Read records from a table with paging",
					InputSchema: objSchema(`"schema_name":{"type":"string"},"table_name":{"type":"string"},"limit":{"type":"integer","default":100},"offset":{"type":"integer","default":0},"order_by":{"type":"string"}`, "schema_name", "table_name"),
				},
				Handler: c.readRecords,
			},
			{
				Definition: tools.Definition{
					Name:        "read_record",
					Description: "Read a single record by ID",
					InputSchema: objSchema(`"schema_name":{"type":"string"},"table_name":{"type":"string"},"record_id":{"type":"string"}`, "schema_name", "table_name", "record_id"),
				},
				Handler: c.readRecord,
			},
			{
				Definition: tools.Definition{
					Name:        "create_record",
					Description: "Create a record in a table",
					InputSchema: objSchema(`"schema_name":{"type":"string"},"table_name":{"type":"string"},"data":{"type":"object"}`, "schema_name", "table_name", "data"),
				},
				Handler: c.createRecord,
			},
			{
				Definition: tools.Definition{
					Name:        "update_record",
					Description: "Update a record by ID",
					InputSchema: objSchema(`"schema_name":{"type":"string"},"table_name":{"type":"string"},"record_id":{"type":"string"},"data":{"type":"object"}`, "schema_name", "table_name", "record_id", "data"),
				},
				Handler: c.updateRecord,
			},
			{
				Definition: tools.Definition{
					Name:        "delete_record",
					Description: "Delete a record by ID",
					InputSchema: objSchema(`"schema_name":{"type":"string"},"table_name":{"type":"string"},"record_id":{"type":"string"}`, "schema_name", "table_name", "record_id"),
				},
				Handler: c.deleteRecord,
			},
		},
	}
}

// serviceError extracts the error field if the service reported one.
func serviceError(result map[string]any) (string, bool) {
	if msg, ok := result["error"].(string); ok {
		return msg, true
	}
	return "", false
}

func (c *serviceClient) databaseHealth(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
	result := c.request(ctx, http.MethodGet, "/admin/health", nil)
	if msg, failed := serviceError(result); failed {
		return tools.Error("❌ Database Health Check Failed:\n%s", msg), nil
	}

	status, _ := result["status"].(string)
	dbStatus, _ := result["database"].(string)
	icon := "🔴"
	if status == "healthy" {
		icon = "🟢"
	}

	return tools.Textf(`%s Database Service Health Check:
- Service Status: %s
- Database Connection: %s
- Timestamp: %s`, icon, status, dbStatus, time.Now().Format(time.RFC3339)), nil
}

// renderStringList renders a header plus one icon-prefixed line per item.
func renderStringList(header, icon string, items []any) *tools.Result {
	var b strings.Builder
	b.WriteString(header + "\n\n")
	for _, item := range items {
		fmt.Fprintf(&b, "%s %v\n", icon, item)
	}
	return tools.Text(b.String())
}

func (c *serviceClient) listDatabases(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
	result := c.request(ctx, http.MethodGet, "/admin/databases", nil)
	if msg, failed := serviceError(result); failed {
		return tools.Error("❌ Failed to list databases:\n%s", msg), nil
	}
	databases, _ := result["databases"].([]any)
	return renderStringList("🗄️ Available Databases:", "📊", databases), nil
}

func (c *serviceClient) listSchemas(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
	result := c.request(ctx, http.MethodGet, "/admin/schemas", nil)
	if msg, failed := serviceError(result); failed {
		return tools.Error("❌ Failed to list schemas:\n%s", msg), nil
	}
	schemas, _ := result["schemas"].([]any)
	return renderStringList("📋 Available Schemas:", "📁", schemas), nil
}

func (c *serviceClient) listTables(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
	var in struct {
		SchemaName string `json:"schema_name"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Error("Invalid arguments: %v", err), nil
		}
	}

	endpoint := "/admin/tables"
	header := "📊 Available Tables:"
	if in.SchemaName != "" {
		endpoint += "/" + url.PathEscape(in.SchemaName)
		header = fmt.Sprintf("📊 Available Tables in schema '%s':", in.SchemaName)
	}

	result := c.request(ctx, http.MethodGet, endpoint, nil)
	if msg, failed := serviceError(result); failed {
		return tools.Error("❌ Failed to list tables:\n%s", msg), nil
	}
	tableNames, _ := result["tables"].([]any)
	return renderStringList(header, "📋", tableNames), nil
}

// renderTable renders rows of maps as a markdown table with stable column order.
func renderTable(b *strings.Builder, rows []any) {
	if len(rows) == 0 {
		b.WriteString("No data returned\n")
		return
	}
	first, ok := rows[0].(map[string]any)
	if !ok {
		b.WriteString("No data returned\n")
		return
	}

	headers := make([]string, 0, len(first))
	for key := range first {
		headers = append(headers, key)
	}
	sort.Strings(headers)

	b.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat("---|", len(headers)) + "\n")
	for _, raw := range rows {
		row, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		cells := make([]string, len(headers))
		for i, col := range headers {
			cells[i] = fmt.Sprintf("%v", row[col])
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
}

func (c *serviceClient) executeSQL(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
	var in struct {
		SQL        string         `json:"sql"`
		Parameters map[string]any `json:"parameters"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Error("Invalid arguments: %v", err), nil
		}
	}
	if strings.TrimSpace(in.SQL) == "" {
		return tools.Error("❌ SQL query is required"), nil
	}

	result := c.request(ctx, http.MethodPost, "/crud/raw-sql", map[string]any{
		"sql":        in.SQL,
		"parameters": in.Parameters,
	})
	if msg, failed := serviceError(result); failed {
		return tools.Error("❌ SQL execution failed:\n%s", msg), nil
	}

	success, _ := result["success"].(bool)
	if !success {
		message, _ := result["message"].(string)
		return tools.Error("❌ SQL execution failed: %s", message), nil
	}

	rows, _ := result["data"].([]any)
	rowCount, _ := result["row_count"].(float64)

	var b strings.Builder
	b.WriteString("✅ SQL Query Executed Successfully\n\n")
	fmt.Fprintf(&b, "📊 Results (%.0f rows):\n", rowCount)
	fmt.Fprintf(&b, "Query: %s\n\n", in.SQL)
	if len(rows) > 0 {
		renderTable(&b, rows)
	} else {
		b.WriteString("Query executed successfully (no data returned)\n")
	}

	return tools.Text(b.String()), nil
}

func (c *serviceClient) executeWriteSQL(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
	var in struct {
		SQL        string         `json:"sql"`
		Parameters map[string]any `json:"parameters"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Error("Invalid arguments: %v", err), nil
		}
	}
	if strings.TrimSpace(in.SQL) == "" {
		return tools.Error("❌ SQL query is required"), nil
	}

	result := c.request(ctx, http.MethodPost, "/crud/raw-sql/write", map[string]any{
		"sql":        in.SQL,
		"parameters": in.Parameters,
	})
	if msg, failed := serviceError(result); failed {
		return tools.Error("❌ SQL write execution failed:\n%s", msg), nil
	}

	success, _ := result["success"].(bool)
	message, _ := result["message"].(string)
	if !success {
		return tools.Error("❌ SQL write execution failed: %s", message), nil
	}
	affectedRows, _ := result["affected_rows"].(float64)

	return tools.Textf(`✅ SQL Write Operation Executed Successfully

📝 Query: %s
📊 Affected Rows: %.0f
💬 Message: %s`, in.SQL, affectedRows, message), nil
}

func (c *serviceClient) readRecords(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
	in := struct {
		SchemaName string `json:"schema_name"`
		TableName  string `json:"table_name"`
		Limit      int    `json:"limit"`
		Offset     int    `json:"offset"`
		OrderBy    string `json:"order_by"`
	}{Limit: 100}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Error("Invalid arguments: %v", err), nil
		}
	}
	if in.SchemaName == "" || in.TableName == "" {
		return tools.Error("❌ Schema name and table name are required"), nil
	}

	endpoint := fmt.Sprintf("/crud/%s/%s?limit=%d&offset=%d",
		url.PathEscape(in.SchemaName), url.PathEscape(in.TableName), in.Limit, in.Offset)
	if in.OrderBy != "" {
		endpoint += "&order_by=" + url.QueryEscape(in.OrderBy)
	}

	result := c.request(ctx, http.MethodGet, endpoint, nil)
	if msg, failed := serviceError(result); failed {
		return tools.Error("❌ Failed to read records:\n%s", msg), nil
	}

	records, _ := result["records"].([]any)
	count, _ := result["count"].(float64)
	totalCount, _ := result["total_count"].(float64)

	var b strings.Builder
	fmt.Fprintf(&b, "📖 Records from %s.%s\n\n", in.SchemaName, in.TableName)
	fmt.Fprintf(&b, "📊 Showing %.0f of %.0f records (limit: %d, offset: %d)\n\n",
		count, totalCount, in.Limit, in.Offset)
	if len(records) > 0 {
		renderTable(&b, records)
	} else {
		b.WriteString("No records found\n")
	}

	return tools.Text(b.String()), nil
}

// renderFields renders one record's fields as bolded key/value lines.
func renderFields(b *strings.Builder, record map[string]any, indent string) {
	keys := make([]string, 0, len(record))
	for key := range record {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(b, "%s**%s**: %v\n", indent, key, record[key])
	}
}

func (c *serviceClient) readRecord(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
	var in struct {
		SchemaName string `json:"schema_name"`
		TableName  string `json:"table_name"`
		RecordID   string `json:"record_id"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Error("Invalid arguments: %v", err), nil
		}
	}
	if in.SchemaName == "" || in.TableName == "" || in.RecordID == "" {
		return tools.Error("❌ Schema name, table name, and record ID are required"), nil
	}

	endpoint := fmt.Sprintf("/crud/%s/%s/%s",
		url.PathEscape(in.SchemaName), url.PathEscape(in.TableName), url.PathEscape(in.RecordID))
	result := c.request(ctx, http.MethodGet, endpoint, nil)
	if msg, failed := serviceError(result); failed {
		return tools.Error("❌ Failed to read record:\n%s", msg), nil
	}

	record, _ := result["data"].(map[string]any)

	var b strings.Builder
	fmt.Fprintf(&b, "📖 Record %s from %s.%s\n\n", in.RecordID, in.SchemaName, in.TableName)
	if len(record) > 0 {
		renderFields(&b, record, "")
	} else {
		b.WriteString("Record not found\n")
	}

	return tools.Text(b.String()), nil
}

func (c *serviceClient) createRecord(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
	var in struct {
		SchemaName string         `json:"schema_name"`
		TableName  string         `json:"table_name"`
		Data       map[string]any `json:"data"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Error("Invalid arguments: %v", err), nil
		}
	}
	if in.SchemaName == "" || in.TableName == "" {
		return tools.Error("❌ Schema name and table name are required"), nil
	}
	if len(in.Data) == 0 {
		return tools.Error("❌ Record data is required"), nil
	}

	endpoint := fmt.Sprintf("/crud/%s/%s", url.PathEscape(in.SchemaName), url.PathEscape(in.TableName))
	result := c.request(ctx, http.MethodPost, endpoint, map[string]any{"data": in.Data})
	if msg, failed := serviceError(result); failed {
		return tools.Error("❌ Failed to create record:\n%s", msg), nil
	}

	created, _ := result["data"].(map[string]any)

	var b strings.Builder
	fmt.Fprintf(&b, "✅ Record created successfully in %s.%s\n\n", in.SchemaName, in.TableName)
	fmt.Fprintf(&b, "🆔 Record ID: %v\n", result["id"])
	b.WriteString("📝 Created Data:\n")
	renderFields(&b, created, "  ")

	return tools.Text(b.String()), nil
}

func (c *serviceClient) updateRecord(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
	var in struct {
		SchemaName string         `json:"schema_name"`
		TableName  string         `json:"table_name"`
		RecordID   string         `json:"record_id"`
		Data       map[string]any `json:"data"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Error("Invalid arguments: %v", err), nil
		}
	}
	if in.SchemaName == "" || in.TableName == "" || in.RecordID == "" {
		return tools.Error("❌ Schema name, table name, and record ID are required"), nil
	}
	if len(in.Data) == 0 {
		return tools.Error("❌ Update data is required"), nil
	}

	endpoint := fmt.Sprintf("/crud/%s/%s/%s",
		url.PathEscape(in.SchemaName), url.PathEscape(in.TableName), url.PathEscape(in.RecordID))
	result := c.request(ctx, http.MethodPut, endpoint, map[string]any{"data": in.Data})
	if msg, failed := serviceError(result); failed {
		return tools.Error("❌ Failed to update record:\n%s", msg), nil
	}

	updated, _ := result["data"].(map[string]any)

	var b strings.Builder
	fmt.Fprintf(&b, "✅ Record %s updated successfully in %s.%s\n\n", in.RecordID, in.SchemaName, in.TableName)
	b.WriteString("📝 Updated Data:\n")
	renderFields(&b, updated, "  ")

	return tools.Text(b.String()), nil
}

func (c *serviceClient) deleteRecord(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
	var in struct {
		SchemaName string `json:"schema_name"`
		TableName  string `json:"table_name"`
		RecordID   string `json:"record_id"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Error("Invalid arguments: %v", err), nil
		}
	}
	if in.SchemaName == "" || in.TableName == "" || in.RecordID == "" {
		return tools.Error("❌ Schema name, table name, and record ID are required"), nil
	}

	endpoint := fmt.Sprintf("/crud/%s/%s/%s",
		url.PathEscape(in.SchemaName), url.PathEscape(in.TableName), url.PathEscape(in.RecordID))
	result := c.request(ctx, http.MethodDelete, endpoint, nil)
	if msg, failed := serviceError(result); failed {
		return tools.Error("❌ Failed to delete record:\n%s", msg), nil
	}

	return tools.Textf(`✅ Record %s deleted successfully from %s.%s

🗑️ Record ID: %s
📋 Table: %s.%s`, in.RecordID, in.SchemaName, in.TableName, in.RecordID, in.SchemaName, in.TableName), nil
}
