// Package dashboard serves the talad web UI and REST API.
//
// The dashboard is mounted on /dashboard and /api/ on the same port as
// the audit server. It provides:
//
//   - Web UI:     GET /dashboard          — Single-page HTML audit viewer
//   - WebSocket:  GET /dashboard/ws       — Live append/scan feed
//   - REST API:   GET  /api/audit-logs                   — Audit trail with chain verdict
//                 POST /api/audit-logs                   — Append an audit event
//                 GET  /api/audit-logs/verify            — Verify one entity's chain
//                 GET  /api/audit-logs/detect-tampering  — Tenant-wide tampering scan
//
// The web UI is a minimal embedded HTML page (no build step, no framework):
// an audit trail table with the chain verdict banner and a live feed.
package dashboard

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/talaledger/talad/internal/audit"
)

// Options holds the dependencies injected into the dashboard.
type Options struct {
	Writer   *audit.Writer
	Verifier *audit.Verifier
}

// Dashboard serves the web UI and REST API.
// Implements http.Handler for the dashboard UI routes.
type Dashboard struct {
	writer   *audit.Writer
	verifier *audit.Verifier
	wsHub    *wsHub
}

// New creates a new Dashboard with the given dependencies.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		writer:   opts.Writer,
		verifier: opts.Verifier,
		wsHub:    newWSHub(),
	}

	// Start the WebSocket broadcast hub.
	go d.wsHub.run()

	return d
}

// ServeHTTP handles requests to /dashboard and /dashboard/.
// Serves a minimal embedded HTML audit viewer.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// WebSocketHandler returns an http.Handler for the /dashboard/ws endpoint.
// Clients connect here to receive appended records and scan reports live.
func (d *Dashboard) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.handleWebSocket(w, r)
	})
}

// APIHandler returns an http.Handler for the /api/ REST endpoints.
// Routes requests to the appropriate handler based on path and method.
func (d *Dashboard) APIHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/audit-logs", d.handleAuditLogs)
	mux.HandleFunc("/api/audit-logs/verify", d.handleVerify)
	mux.HandleFunc("/api/audit-logs/detect-tampering", d.handleDetectTampering)

	return mux
}

// feedEvent is the envelope pushed over the WebSocket feed. Kind is
// "append" (payload: the appended event plus its record id) or "scan"
// (payload: a tampering report).
type feedEvent struct {
	Kind    string `json:"kind"`
	Tenant  string `json:"tenant"`
	Payload any    `json:"payload"`
}

// BroadcastAppend pushes a freshly appended event to all connected
// WebSocket clients. Non-blocking — if no clients are connected, the
// event is dropped.
func (d *Dashboard) BroadcastAppend(id string, ev audit.Event) {
	d.broadcastFeed(feedEvent{
		Kind:   "append",
		Tenant: ev.TenantID,
		Payload: map[string]any{
			"id":         id,
			"entityType": ev.EntityType,
			"entityId":   ev.EntityID,
			"action":     ev.Action,
			"userId":     ev.UserID,
		},
	})
}

// BroadcastScan pushes a completed tampering scan report to all connected
// WebSocket clients. The compliance monitor calls this after each scan.
func (d *Dashboard) BroadcastScan(tenant string, report audit.TamperReport) {
	d.broadcastFeed(feedEvent{Kind: "scan", Tenant: tenant, Payload: report})
}

func (d *Dashboard) broadcastFeed(e feedEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal feed event", "error", err)
		return
	}
	d.wsHub.broadcast(data)
}

// --- REST API Handlers ---

// handleAuditLogs serves the audit trail and accepts new events.
//
// GET /api/audit-logs?tenantId=t1&entityType=JournalEntry&entityId=JE-1
// returns { "logs": [...], "chainValid": true, "chainBrokenAt": null }.
//
// POST /api/audit-logs with an event body returns { "id": "..." }.
func (d *Dashboard) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tenantID, entityType, entityID, ok := entityScope(w, r)
		if !ok {
			return
		}

		trail, err := d.verifier.AuditTrail(r.Context(), tenantID, entityType, entityID)
		if err != nil {
			slog.Error("audit trail query failed", "error", err)
			http.Error(w, "audit trail query failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, trail)

	case http.MethodPost:
		var ev audit.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		// Fill provenance from the request when the caller didn't.
		if ev.IPAddress == "" {
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				ev.IPAddress = host
			}
		}
		if ev.UserAgent == "" {
			ev.UserAgent = r.UserAgent()
		}

		id, err := d.writer.Append(r.Context(), ev)
		if err != nil {
			if errors.Is(err, audit.ErrInvalidEvent) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			slog.Error("audit append failed", "error", err)
			http.Error(w, "audit append failed", http.StatusInternalServerError)
			return
		}

		d.BroadcastAppend(id, ev)
		writeJSON(w, http.StatusOK, map[string]string{"id": id})

	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// handleVerify verifies one entity's chain.
// GET /api/audit-logs/verify?tenantId=t1&entityType=JournalEntry&entityId=JE-1
func (d *Dashboard) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	tenantID, entityType, entityID, ok := entityScope(w, r)
	if !ok {
		return
	}

	verdict, err := d.verifier.VerifyEntityChain(r.Context(), tenantID, entityType, entityID)
	if err != nil {
		slog.Error("chain verification failed", "error", err)
		http.Error(w, "chain verification failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

// handleDetectTampering runs the tenant-wide tampering scan.
// GET /api/audit-logs/detect-tampering?tenantId=t1
func (d *Dashboard) handleDetectTampering(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenantId")
	if tenantID == "" {
		http.Error(w, "tenantId query parameter required", http.StatusBadRequest)
		return
	}

	report, err := d.verifier.DetectTampering(r.Context(), tenantID)
	if err != nil {
		slog.Error("tampering scan failed", "tenant", tenantID, "error", err)
		http.Error(w, "tampering scan failed", http.StatusInternalServerError)
		return
	}

	d.BroadcastScan(tenantID, report)
	writeJSON(w, http.StatusOK, report)
}

// --- Helpers ---

// entityScope extracts the required tenantId/entityType/entityId query
// parameters, writing a 400 and returning ok=false when any is missing.
func entityScope(w http.ResponseWriter, r *http.Request) (tenantID, entityType, entityID string, ok bool) {
	q := r.URL.Query()
	tenantID = q.Get("tenantId")
	entityType = q.Get("entityType")
	entityID = q.Get("entityId")
	if tenantID == "" || entityType == "" || entityID == "" {
		http.Error(w, "tenantId, entityType, and entityId query parameters required", http.StatusBadRequest)
		return "", "", "", false
	}
	return tenantID, entityType, entityID, true
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// dashboardHTML is the embedded HTML for the audit viewer. Minimal
// single-page UI: look up an entity's trail with its chain verdict, run a
// tenant-wide scan, and watch appends arrive over the WebSocket feed.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>talad — Audit Trail</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 24px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; margin-bottom: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  input { background: #0d1117; border: 1px solid #30363d; color: #e1e4e8;
          padding: 6px 8px; border-radius: 4px; font-size: 13px; margin-right: 8px; }
  .btn { background: #21262d; border: 1px solid #30363d; color: #e1e4e8;
         padding: 6px 12px; border-radius: 4px; cursor: pointer; font-size: 13px; }
  .btn:hover { background: #30363d; }
  .banner { padding: 8px 12px; border-radius: 4px; margin-bottom: 12px; font-weight: bold; display: none; }
  .banner-secure { background: #12261e; color: #3fb950; border: 1px solid #3fb950; }
  .banner-compromised { background: #2d1214; color: #f85149; border: 1px solid #f85149; }
  .hash { font-family: monospace; font-size: 11px; color: #8b949e; }
  .verified { color: #3fb950; }
  .broken { color: #f85149; font-weight: bold; }
  #live-feed { max-height: 300px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
  .feed-scan { color: #58a6ff; }
  .feed-alarm { color: #f85149; }
</style>
</head>
<body>
<h1>talad</h1>
<p class="subtitle">Tamper-evident audit trail</p>

<div class="card">
  <h2>Audit Trail</h2>
  <div style="margin-bottom:12px">
    <input id="tenant" placeholder="tenantId" value="">
    <input id="etype" placeholder="entityType" value="JournalEntry">
    <input id="eid" placeholder="entityId" value="">
    <button class="btn" onclick="loadTrail()">Load</button>
    <button class="btn" onclick="runScan()">Scan Tenant</button>
  </div>
  <div id="verdict" class="banner"></div>
  <table>
    <thead><tr><th>When</th><th>Action</th><th>User</th><th>Description</th><th>Hash</th></tr></thead>
    <tbody id="trail-tbody"><tr><td colspan="5">Enter an entity above</td></tr></tbody>
  </table>
</div>

<div class="card">
  <h2>Live Feed</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;').replace(/"/g,'&quot;').replace(/'/g,'&#39;');
}

async function loadTrail() {
  const t = document.getElementById('tenant').value;
  const et = document.getElementById('etype').value;
  const ei = document.getElementById('eid').value;
  if (!t || !et || !ei) return;
  const res = await fetch('/api/audit-logs?tenantId=' + encodeURIComponent(t) +
    '&entityType=' + encodeURIComponent(et) + '&entityId=' + encodeURIComponent(ei));
  if (!res.ok) { console.error('trail fetch failed:', res.status); return; }
  const trail = await res.json();
  renderVerdict(trail);
  renderTrail(trail.logs);
}

function renderVerdict(trail) {
  const banner = document.getElementById('verdict');
  banner.style.display = 'block';
  if (trail.chainValid) {
    banner.className = 'banner banner-secure';
    banner.textContent = 'Chain valid — history intact';
  } else {
    banner.className = 'banner banner-compromised';
    banner.textContent = 'CHAIN BROKEN at ' + trail.chainBrokenAt;
  }
}

function renderTrail(logs) {
  const tbody = document.getElementById('trail-tbody');
  if (!logs || logs.length === 0) { tbody.innerHTML = '<tr><td colspan="5">No history</td></tr>'; return; }
  tbody.innerHTML = logs.map(l => {
    const who = l.user && (l.user.firstName || l.user.lastName)
      ? (l.user.firstName + ' ' + l.user.lastName).trim() : l.userId;
    return '<tr><td>' + esc(l.createdAt) + '</td><td>' + esc(l.action) +
      '</td><td>' + esc(who) + '</td><td>' + esc(l.description||'') +
      '</td><td class="hash">' + esc(l.dataHash.slice(0, 16)) + '…</td></tr>';
  }).join('');
}

async function runScan() {
  const t = document.getElementById('tenant').value;
  if (!t) return;
  const res = await fetch('/api/audit-logs/detect-tampering?tenantId=' + encodeURIComponent(t));
  if (!res.ok) { console.error('scan failed:', res.status); return; }
  const report = await res.json();
  const banner = document.getElementById('verdict');
  banner.style.display = 'block';
  if (report.securityStatus === 'SECURE') {
    banner.className = 'banner banner-secure';
    banner.textContent = 'SECURE — tenant-wide scan found no tampering';
  } else {
    banner.className = 'banner banner-compromised';
    banner.textContent = 'COMPROMISED — ' + report.affectedRecords + ' record(s) flagged';
  }
}

// WebSocket for live updates.
function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/dashboard/ws');
  ws.onmessage = function(e) {
    try {
      const ev = JSON.parse(e.data);
      const feed = document.getElementById('live-feed');
      const div = document.createElement('div');
      div.className = 'feed-entry';
      if (ev.kind === 'append') {
        const p = ev.payload;
        div.textContent = '[append] tenant=' + ev.tenant + ' ' + p.entityType + '/' + p.entityId +
          ' ' + p.action + ' by ' + p.userId;
      } else if (ev.kind === 'scan') {
        const r = ev.payload;
        div.className += r.securityStatus === 'SECURE' ? ' feed-scan' : ' feed-alarm';
        div.textContent = '[scan] tenant=' + ev.tenant + ' ' + r.securityStatus +
          ' affected=' + r.affectedRecords;
      }
      feed.insertBefore(div, feed.firstChild);
      // Keep feed under 100 entries.
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
    } catch(err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

connectWS();
</script>
</body>
</html>`
