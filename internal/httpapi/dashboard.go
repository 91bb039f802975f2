package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>relaycal sync status</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .shell { max-width: 880px; margin: 0 auto; display: grid; gap: 14px; }
    .card { background: #fffdf9; border: 1px solid var(--line); border-radius: 14px; padding: 16px; }
    h1 { margin: 0; font-size: 1.4rem; }
    .sub { color: var(--muted); font-size: 0.9rem; margin-top: 6px; }
    .controls { display: flex; gap: 8px; margin-top: 12px; }
    .controls input { flex: 1; border-radius: 10px; border: 1px solid var(--line); padding: 8px; }
    button { border: 0; border-radius: 10px; padding: 8px 14px; background: var(--accent); color: #fff; cursor: pointer; }
    #status { font-size: 1.1rem; }
    #status.reauth { color: var(--danger); }
    table { width: 100%; border-collapse: collapse; font-size: 0.85rem; }
    td, th { text-align: left; padding: 6px; border-bottom: 1px solid var(--line); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>relaycal sync</h1>
      <div class="sub">Live status from the sync owner.</div>
      <div class="controls">
        <input id="token" placeholder="bearer token (sync:read, sync:trigger)" />
        <button id="connect">Connect</button>
        <button id="syncnow">Sync now</button>
      </div>
    </div>
    <div class="card"><div id="status">not connected</div></div>
    <div class="card">
      <table>
        <thead><tr><th>entity</th><th>op</th><th>state</th><th>attempts</th><th>last error</th></tr></thead>
        <tbody id="actions"></tbody>
      </table>
    </div>
  </div>
  <script>
    (function () {
      const tokenInput = document.getElementById("token");
      const statusEl = document.getElementById("status");
      const actionsEl = document.getElementById("actions");
      let socket = null;

      function headers() {
        return {
          "Authorization": "Bearer " + tokenInput.value.trim(),
          "X-Correlation-Id": "dash_" + Date.now()
        };
      }

      function render(w) {
        const last = w.lastSyncAt && !w.lastSyncAt.startsWith("0001") ? new Date(w.lastSyncAt).toLocaleTimeString() : "never";
        const stats = w.stats || {};
        statusEl.textContent = "last sync " + last + " · created " + (stats.created || 0) +
          " · updated " + (stats.updated || 0) + " · failed " + (stats.failed || 0) +
          " · " + (w.pending || 0) + " pending · " + (w.state || "idle");
        statusEl.className = w.state === "needs_reauth" ? "reauth" : "";
        loadActions();
      }

      async function loadActions() {
        const resp = await fetch("/v1/actions?state=all&limit=50", { headers: headers() });
        if (!resp.ok) { return; }
        const body = await resp.json();
        actionsEl.innerHTML = "";
        for (const a of body.items || []) {
          const row = document.createElement("tr");
          for (const value of [a.entityId, a.operation, a.state, a.attempts, a.lastError || ""]) {
            const cell = document.createElement("td");
            cell.textContent = value;
            row.appendChild(cell);
          }
          actionsEl.appendChild(row);
        }
      }

      async function connect() {
        const resp = await fetch("/v1/watermark", { headers: headers() });
        if (!resp.ok) { statusEl.textContent = "unauthorized"; return; }
        render(await resp.json());
        if (socket) { socket.close(); }
        const scheme = location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(scheme + location.host + "/v1/watermark/ws?access_token=" + encodeURIComponent(tokenInput.value.trim()));
        socket.onmessage = function (msg) { render(JSON.parse(msg.data)); };
      }

      document.getElementById("connect").addEventListener("click", connect);
      document.getElementById("syncnow").addEventListener("click", function () {
        fetch("/v1/sync/now", { method: "POST", headers: headers() });
      });
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
