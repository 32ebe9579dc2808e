package api

import (
	"net/http"
)

// DashboardHandler serves a small HTML page that polls GET /v1/stats.
func DashboardHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>tierfence</title>
<style>
body { margin: 0; font: 14px/1.4 ui-monospace, Menlo, Consolas, monospace; background: #f6f7f9; color: #1f2328; }
main { max-width: 960px; margin: 0 auto; padding: 24px 16px; }
h1 { font-size: 18px; margin: 0 0 4px; }
#updated { color: #6e7781; font-size: 12px; }
.tiles { display: flex; flex-wrap: wrap; gap: 8px; margin: 16px 0; }
.tile { flex: 1 1 140px; background: #fff; border: 1px solid #d0d7de; padding: 10px 12px; }
.tile b { display: block; font-size: 22px; }
.tile span { color: #6e7781; font-size: 12px; }
.deny b { color: #cf222e; }
table { width: 100%; border-collapse: collapse; background: #fff; border: 1px solid #d0d7de; }
th, td { text-align: right; padding: 6px 10px; border-bottom: 1px solid #eaeef2; }
th:first-child, td:first-child { text-align: left; }
th { font-weight: normal; color: #6e7781; }
</style>
</head>
<body>
<main>
<h1>tierfence</h1>
<div id="updated">waiting for /v1/stats</div>

<div class="tiles">
  <div class="tile"><b id="total_requests">0</b><span>admission checks</span></div>
  <div class="tile"><b id="allowed_requests">0</b><span>admitted</span></div>
  <div class="tile deny"><b id="blocked_requests">0</b><span>rejected</span></div>
  <div class="tile"><b id="buckets">0</b><span>live buckets</span></div>
</div>
<div class="tiles">
  <div class="tile deny"><b id="auth_denied">0</b><span>auth lockouts</span></div>
  <div class="tile deny"><b id="cooldown_rejected">0</b><span>cooldown rejections</span></div>
  <div class="tile deny"><b id="feature_denied">0</b><span>feature denials</span></div>
  <div class="tile deny"><b id="backend_errors">0</b><span>backend errors</span></div>
</div>

<table>
  <thead><tr><th>tier</th><th>checks</th><th>admitted</th><th>rejected</th><th>last seen</th></tr></thead>
  <tbody id="roles"><tr><td colspan="5">no admission checks yet</td></tr></tbody>
</table>
</main>

<script>
const counters = ['total_requests', 'allowed_requests', 'blocked_requests', 'auth_denied',
  'cooldown_rejected', 'feature_denied', 'backend_errors'];

function render(data) {
  for (const id of counters) {
    document.getElementById(id).textContent = (data[id] || 0).toLocaleString();
  }
  document.getElementById('buckets').textContent = data.buckets >= 0 ? data.buckets : 'n/a';
  document.getElementById('updated').textContent =
    'up ' + data.uptime_seconds + 's, updated ' + new Date().toLocaleTimeString();

  const rows = (data.roles || []).map(r =>
    '<tr><td>' + r.role + '</td><td>' + r.total_requests + '</td><td>' + r.allowed_requests +
    '</td><td>' + r.blocked_requests + '</td><td>' +
    new Date(r.last_request_at).toLocaleTimeString() + '</td></tr>');
  if (rows.length > 0) {
    document.getElementById('roles').innerHTML = rows.join('');
  }
}

async function poll() {
  try {
    const resp = await fetch('/v1/stats');
    render(await resp.json());
  } catch (err) {
    document.getElementById('updated').textContent = 'stats unavailable: ' + err;
  }
}

poll();
setInterval(poll, 2000);
</script>
</body>
</html>`
