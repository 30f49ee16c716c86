package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// The page only reads /health and /mining/stream, so opening it does not
// count as device activity. The start button is the one write.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>minesim</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  :root {
    --bg: #0c0a09; --surface: #1c1917; --border: rgba(250,204,21,0.15);
    --text: #fafaf9; --text-dim: #a8a29e; --text-muted: #57534e;
    --accent: #facc15; --green: #22c55e; --amber: #f59e0b; --red: #ef4444;
  }
  body {
    font-family: -apple-system, 'Segoe UI', system-ui, sans-serif;
    background: var(--bg); color: var(--text);
    min-height: 100vh; padding: 40px 24px;
  }
  .container { max-width: 720px; margin: 0 auto; }
  .header {
    display: flex; align-items: center; gap: 16px;
    margin-bottom: 32px; padding-bottom: 20px; border-bottom: 1px solid var(--border);
  }
  .header h1 { font-size: 24px; font-weight: 800; color: var(--accent); }
  .header .spacer { flex: 1; }
  .mono { font-family: 'SF Mono', 'Menlo', monospace; font-size: 12px; color: var(--text-muted); }
  .pill {
    font-size: 12px; font-weight: 600; padding: 6px 14px; border-radius: 20px;
    border: 1px solid currentColor; color: var(--text-muted);
  }
  .pill.mining { color: var(--green); }
  .pill.paused { color: var(--amber); }
  .pill.offline { color: var(--red); }
  .grid { display: grid; grid-template-columns: repeat(2, 1fr); gap: 16px; margin-bottom: 16px; }
  .card { background: var(--surface); border: 1px solid var(--border); border-radius: 20px; padding: 24px; }
  .card.full { grid-column: 1 / -1; }
  .label {
    font-size: 11px; font-weight: 600; letter-spacing: 1.5px; text-transform: uppercase;
    color: var(--text-muted); margin-bottom: 12px;
  }
  .value { font-size: 32px; font-weight: 800; font-variant-numeric: tabular-nums; }
  .value.small { font-size: 16px; font-weight: 600; }
  .balance { color: var(--accent); font-size: 48px; }
  form { display: flex; gap: 8px; }
  input {
    flex: 1; background: var(--bg); color: var(--text); border: 1px solid var(--border);
    border-radius: 10px; padding: 10px 12px; font-family: 'SF Mono', 'Menlo', monospace;
  }
  button {
    background: var(--accent); color: #000; font-weight: 700; border: 0;
    border-radius: 10px; padding: 10px 16px; cursor: pointer;
  }
  button:disabled { opacity: 0.4; cursor: default; }
</style>
</head>
<body>
<div class="container">
  <div class="header">
    <h1>minesim</h1>
    <span class="mono" id="version">--</span>
    <div class="spacer"></div>
    <span class="pill" id="pill">No device</span>
  </div>

  <div class="card full" style="margin-bottom:16px">
    <form id="deviceForm">
      <input id="deviceInput" placeholder="device id" autocomplete="off">
      <button type="submit">Watch</button>
      <button type="button" id="startBtn" disabled>Start mining</button>
    </form>
  </div>

  <div class="grid">
    <div class="card full">
      <div class="label">Balance</div>
      <div class="value balance" id="balance">--</div>
    </div>
    <div class="card">
      <div class="label">Last credit</div>
      <div class="value small" id="lastUpdate">--</div>
    </div>
    <div class="card">
      <div class="label">Last active</div>
      <div class="value small" id="lastActive">--</div>
    </div>
    <div class="card">
      <div class="label">Uptime</div>
      <div class="value small" id="uptime">--</div>
    </div>
    <div class="card">
      <div class="label">Store</div>
      <div class="value small" id="store">--</div>
    </div>
    <div class="card full">
      <div class="label">Sweeps</div>
      <div class="value small" id="sweeps">--</div>
    </div>
  </div>
</div>

<script>
const $ = id => document.getElementById(id);
let source = null;
let device = new URLSearchParams(location.search).get('deviceId') || '';
let current = null;

function stamp(ms) {
  return ms ? new Date(ms).toLocaleString() : 'never';
}

function formatUptime(ms) {
  const s = Math.floor(ms / 1000);
  const d = Math.floor(s / 86400);
  const h = Math.floor((s % 86400) / 3600);
  const m = Math.floor((s % 3600) / 60);
  if (d > 0) return d + 'd ' + h + 'h ' + m + 'm';
  if (h > 0) return h + 'h ' + m + 'm';
  return m + 'm ' + (s % 60) + 's';
}

function render(snap) {
  current = snap;
  $('balance').textContent = Number(snap.balance).toFixed(2);
  $('lastUpdate').textContent = stamp(snap.lastUpdateTime);
  $('lastActive').textContent = stamp(snap.lastActive);
  const pill = $('pill');
  if (!snap.isMining) { pill.className = 'pill'; pill.textContent = 'Idle'; }
  else if (snap.isMiningPaused) { pill.className = 'pill paused'; pill.textContent = 'Paused'; }
  else { pill.className = 'pill mining'; pill.textContent = 'Mining'; }
  $('startBtn').disabled = snap.isMining && !snap.isMiningPaused;
}

function watch(id) {
  if (source) source.close();
  device = id;
  current = null;
  $('deviceInput').value = id;
  $('startBtn').disabled = !id;
  if (!id) return;
  history.replaceState(null, '', '?deviceId=' + encodeURIComponent(id));
  $('pill').className = 'pill'; $('pill').textContent = 'Waiting';
  source = new EventSource('/mining/stream?deviceId=' + encodeURIComponent(id));
  source.addEventListener('snapshot', e => render(JSON.parse(e.data)));
  source.onerror = () => { $('pill').className = 'pill offline'; $('pill').textContent = 'Reconnecting'; };
}

$('deviceForm').addEventListener('submit', e => {
  e.preventDefault();
  watch($('deviceInput').value.trim());
});

$('startBtn').addEventListener('click', async () => {
  if (!device) return;
  await fetch('/mining/start', {
    method: 'POST', headers: { 'Content-Type': 'application/json' },
    body: JSON.stringify({ deviceId: device }),
  });
});

async function pollHealth() {
  try {
    const res = await fetch('/health');
    const h = await res.json();
    $('version').textContent = 'v' + h.version;
    $('uptime').textContent = formatUptime(h.uptime_ms || 0);
    $('store').textContent = h.store || '--';
    if (h.sweeper) {
      const s = h.sweeper;
      $('sweeps').textContent = s.runs + ' runs, ' + s.paused + ' paused, ' + s.resumed + ' resumed, ' + s.credited + ' credited';
    }
  } catch {
    $('pill').className = 'pill offline'; $('pill').textContent = 'Offline';
  }
}

watch(device);
pollHealth();
setInterval(pollHealth, 5000);
</script>
</body>
</html>`

func (s *Server) handleDashboard(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(dashboardHTML))
}
