package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Counters are process-wide and reset on restart.
type Counters struct {
	start time.Time

	Requests       atomic.Uint64
	ServerErrors   atomic.Uint64
	ChunksReceived atomic.Uint64
	ChunkBytes     atomic.Uint64
	ChunkErrors    atomic.Uint64
	Assemblies     atomic.Uint64
	AssemblyErrors atomic.Uint64
	AssembledBytes atomic.Uint64
	SessionsAbort  atomic.Uint64
	SessionsSwept  atomic.Uint64
	FileOps        atomic.Uint64
	FileOpErrors   atomic.Uint64
	Downloads      atomic.Uint64
}

func New() *Counters {
	return &Counters{start: time.Now()}
}

func (c *Counters) Uptime() time.Duration {
	return time.Since(c.start).Truncate(time.Second)
}

type metric struct {
	name string
	help string
	typ  string
	val  uint64
}

func (c *Counters) snapshot() []metric {
	return []metric{
		{"filedock_requests_total", "Total number of HTTP requests", "counter", c.Requests.Load()},
		{"filedock_server_errors_total", "Requests answered with a 5xx status", "counter", c.ServerErrors.Load()},
		{"filedock_chunks_received_total", "Upload chunks stored", "counter", c.ChunksReceived.Load()},
		{"filedock_chunk_bytes_total", "Bytes received in upload chunks", "counter", c.ChunkBytes.Load()},
		{"filedock_chunk_errors_total", "Rejected or failed upload chunks", "counter", c.ChunkErrors.Load()},
		{"filedock_assemblies_total", "Uploads assembled into files", "counter", c.Assemblies.Load()},
		{"filedock_assembly_errors_total", "Failed assembly attempts", "counter", c.AssemblyErrors.Load()},
		{"filedock_assembled_bytes_total", "Bytes written by assembly", "counter", c.AssembledBytes.Load()},
		{"filedock_sessions_aborted_total", "Upload sessions aborted by clients", "counter", c.SessionsAbort.Load()},
		{"filedock_sessions_swept_total", "Idle upload sessions removed by the sweeper", "counter", c.SessionsSwept.Load()},
		{"filedock_file_ops_total", "Rename, move, delete, create and save operations", "counter", c.FileOps.Load()},
		{"filedock_file_op_errors_total", "Failed file operations", "counter", c.FileOpErrors.Load()},
		{"filedock_downloads_total", "Files and archives served", "counter", c.Downloads.Load()},
	}
}

// ServeMetrics writes the counters in the Prometheus text format.
func (c *Counters) ServeMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	for _, m := range c.snapshot() {
		fmt.Fprintf(w, "# HELP %s %s\n", m.name, m.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", m.name, m.typ)
		fmt.Fprintf(w, "%s %d\n", m.name, m.val)
	}
	fmt.Fprintf(w, "# HELP filedock_uptime_seconds Seconds since start\n")
	fmt.Fprintf(w, "# TYPE filedock_uptime_seconds gauge\n")
	fmt.Fprintf(w, "filedock_uptime_seconds %d\n", int64(c.Uptime().Seconds()))
}

// ServeStatus writes the counters as JSON.
func (c *Counters) ServeStatus(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"success": true,
		"server":  "filedock",
		"uptime":  c.Uptime().String(),
	}
	for _, m := range c.snapshot() {
		stats[jsonKey(m.name)] = m.val
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(stats)
}

// jsonKey turns filedock_chunks_received_total into chunks_received.
func jsonKey(name string) string {
	const prefix, suffix = "filedock_", "_total"
	if len(name) > len(prefix) && name[:len(prefix)] == prefix {
		name = name[len(prefix):]
	}
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		name = name[:len(name)-len(suffix)]
	}
	return name
}
