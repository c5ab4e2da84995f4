// ABOUTME: Admin tool pack: echo, system info, server metrics, health check.
// ABOUTME: Renders human-readable reports from the live server state.

package toolpacks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/mcpgate/mcpgate/internal/metrics"
	"github.com/mcpgate/mcpgate/internal/session"
	"github.com/mcpgate/mcpgate/internal/tools"
)

// AdminDeps are the server internals the admin tools report on.
type AdminDeps struct {
	Metrics        *metrics.Collector
	Sessions       *session.Manager
	MaxConnections int
	Version        string
}

// Admin builds the admin pack.
func Admin(deps AdminDeps) *tools.Pack {
	return &tools.Pack{
		ID: "admin",
		Tools: []tools.Tool{
			{
				Definition: tools.Definition{
					Name:        "echo",
					Description: "Echo a message back with server context",
					InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string","description":"Message to echo"}},"required":["message"]}`),
				},
				Handler: echoHandler,
			},
			{
				Definition: tools.Definition{
					Name:        "get_system_info",
					Description: "Get server process and runtime information",
					InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
				},
				Handler: systemInfoHandler(deps),
			},
			{
				Definition: tools.Definition{
					Name:        "get_metrics",
					Description: "Get server performance metrics",
					InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
				},
				Handler: metricsHandler(deps.Metrics),
			},
			{
				Definition: tools.Definition{
					Name:        "health_check",
					Description: "Run a health check across server components",
					InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
				},
				Handler: healthHandler(deps),
			},
		},
	}
}

func echoHandler(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
	var in struct {
		Message string `json:"message"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Error("Invalid arguments: %v", err), nil
		}
	}

	return tools.Textf(`📢 Echo Response:
Message: %s
Timestamp: %s
Client IP: %s
Request Count: %d`,
		in.Message,
		time.Now().Format(time.RFC3339),
		sess.IPAddress,
		sess.RequestCount,
	), nil
}

func systemInfoHandler(deps AdminDeps) tools.Handler {
	return func(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		wd, _ := os.Getwd()
		hostname, _ := os.Hostname()
		snap := deps.Metrics.Snapshot(0)

		return tools.Textf(`🖥️  System Information:

🔧 Runtime:
- Platform: %s/%s
- Hostname: %s
- CPUs: %d
- Goroutines: %d
- Heap In Use: %s
- Go Version: %s

⚙️ Process:
- Server Version: %s
- Process ID: %d
- Working Directory: %s

🌐 Server Status:
- Current Time: %s
- Active Connections: %d
- Total Requests: %d
- Uptime: %s

👤 Client Info:
- Your IP: %s
- Connected: %s
- Requests Made: %d
- Authenticated: %t`,
			runtime.GOOS, runtime.GOARCH,
			hostname,
			runtime.NumCPU(),
			runtime.NumGoroutine(),
			formatBytes(mem.HeapInuse),
			runtime.Version(),
			deps.Version,
			os.Getpid(),
			wd,
			time.Now().Format(time.RFC3339),
			snap.ActiveConnections,
			snap.RequestCount,
			snap.Uptime.Round(time.Second),
			sess.IPAddress,
			sess.ConnectedAt.Format(time.RFC3339),
			sess.RequestCount,
			sess.Authenticated,
		), nil
	}
}

func metricsHandler(collector *metrics.Collector) tools.Handler {
	return func(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
		snap := collector.Snapshot(0)

		var b strings.Builder
		fmt.Fprintf(&b, `📊 Server Metrics:

🕐 Uptime: %.0f seconds
📊 Requests: %d (Errors: %d)
📈 Success Rate: %.2f%%
🔗 Active Connections: %d
⚡ Avg Response Time: %.2fms

🔧 Tool Usage:
`,
			snap.Uptime.Seconds(),
			snap.RequestCount,
			snap.ErrorCount,
			snap.SuccessRate,
			snap.ActiveConnections,
			float64(snap.AvgResponseTime.Microseconds())/1000,
		)

		names := make([]string, 0, len(snap.Tools))
		for name := range snap.Tools {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ts := snap.Tools[name]
			fmt.Fprintf(&b, "- %s: %d calls (%.1f%% ok, avg %.2fms)\n",
				name, ts.Count, ts.SuccessRate, float64(ts.AvgTime.Microseconds())/1000)
		}
		if len(names) == 0 {
			b.WriteString("- no tool calls recorded yet\n")
		}

		return tools.Text(b.String()), nil
	}
}

func healthHandler(deps AdminDeps) tools.Handler {
	return func(ctx context.Context, args json.RawMessage, sess *session.Session) (*tools.Result, error) {
		snap := deps.Metrics.Snapshot(0)

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		var checks []string
		rank := 0 // 0 healthy, 1 warning, 2 critical
		add := func(label string, level int) {
			status := [...]string{"healthy", "warning", "critical"}[level]
			checks = append(checks, fmt.Sprintf("%s - %s", label, status))
			if level > rank {
				rank = level
			}
		}

		goroutines := runtime.NumGoroutine()
		grLevel := 0
		if goroutines > 5000 {
			grLevel = 2
		} else if goroutines > 1000 {
			grLevel = 1
		}
		add(fmt.Sprintf("Goroutines: %d", goroutines), grLevel)

		heapLevel := 0
		if mem.HeapInuse > 1<<30 {
			heapLevel = 2
		} else if mem.HeapInuse > 512<<20 {
			heapLevel = 1
		}
		add(fmt.Sprintf("Heap: %s", formatBytes(mem.HeapInuse)), heapLevel)

		connLevel := 0
		if deps.MaxConnections > 0 && snap.ActiveConnections >= int64(float64(deps.MaxConnections)*0.8) {
			connLevel = 1
		}
		add(fmt.Sprintf("Connections: %d/%d", snap.ActiveConnections, deps.MaxConnections), connLevel)

		errorRate := 0.0
		if snap.RequestCount > 0 {
			errorRate = float64(snap.ErrorCount) / float64(snap.RequestCount)
		}
		errLevel := 0
		if errorRate >= 0.1 {
			errLevel = 2
		} else if errorRate >= 0.05 {
			errLevel = 1
		}
		add(fmt.Sprintf("Error Rate: %.2f%%", errorRate*100), errLevel)

		status := [...]string{"HEALTHY", "WARNING", "CRITICAL"}[rank]
		icon := [...]string{"🟢", "🟡", "🔴"}[rank]

		var b strings.Builder
		fmt.Fprintf(&b, "%s Health Check - Status: %s\n\n📋 Component Status:\n", icon, status)
		for _, check := range checks {
			fmt.Fprintf(&b, "- %s\n", check)
		}
		fmt.Fprintf(&b, "\n⏰ Last Check: %s", time.Now().Format(time.RFC3339))

		res := tools.Text(b.String())
		if rank == 2 {
			res.IsError = true
		}
		return res, nil
	}
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
