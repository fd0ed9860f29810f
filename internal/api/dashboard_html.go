package api

// dashboardHTML is a small operator view over /pools and /status, with
// per-pool drain/pause/resume buttons that POST to /pools/{key}/.... It polls the JSON endpoints client-side rather than embedding
// a server-rendered snapshot, the same shape the teacher's dashboard used
// for its tenant table before this was trimmed to pgvoyage's pool model.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>pgvoyage</title>
<style>
*,*::before,*::after{box-sizing:border-box;margin:0;padding:0}
:root{
  --bg:#0f1117;--bg-card:#161b22;--border:#30363d;--text:#e1e4e8;
  --text-muted:#8b949e;--primary:#58a6ff;--green:#3fb950;--red:#f85149;
  --radius:8px;
}
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Helvetica,Arial,sans-serif;background:var(--bg);color:var(--text);line-height:1.5;min-height:100vh;padding:24px}
a{color:var(--primary)}
h1{font-size:20px;margin-bottom:4px}
.sub{color:var(--text-muted);font-size:13px;margin-bottom:20px}
table{width:100%;border-collapse:collapse;background:var(--bg-card);border:1px solid var(--border);border-radius:var(--radius);overflow:hidden}
th,td{text-align:left;padding:8px 12px;border-bottom:1px solid var(--border);font-size:13px}
th{color:var(--text-muted);font-weight:600}
tr:last-child td{border-bottom:none}
.pill{display:inline-block;padding:1px 8px;border-radius:10px;font-size:11px;border:1px solid var(--border)}
.pill-paused{color:var(--red);border-color:var(--red)}
.pill-running{color:var(--green);border-color:var(--green)}
button{cursor:pointer;font-size:12px;padding:3px 8px;border-radius:4px;border:1px solid var(--border);background:transparent;color:var(--text)}
button:hover{border-color:var(--primary);color:var(--primary)}
</style>
</head>
<body>
<h1>pgvoyage</h1>
<div class="sub" id="status">loading...</div>
<table>
<thead><tr>
<th>database</th><th>user</th><th>mode</th><th>active</th><th>idle</th><th>total</th><th>waiting</th><th></th>
</tr></thead>
<tbody id="rows"></tbody>
</table>
<script>
function fmtStatus(s){
  return s.uptime_seconds + 's uptime, ' + s.num_pools + ' pools, go ' + s.go_version;
}
function row(p){
  var key = p.database + '/' + p.user;
  return '<tr><td>' + p.database + '</td><td>' + p.user + '</td><td>' + p.mode +
    '</td><td>' + p.active + '</td><td>' + p.idle + '</td><td>' + p.total +
    '</td><td>' + p.waiting + '</td><td>' +
    '<button onclick="act(\'' + key + '\',\'drain\')">drain</button> ' +
    '<button onclick="act(\'' + key + '\',\'pause\')">pause</button> ' +
    '<button onclick="act(\'' + key + '\',\'resume\')">resume</button>' +
    '</td></tr>';
}
function act(key, action){
  fetch('/pools/' + encodeURIComponent(key) + '/' + action, {method:'POST'}).then(refresh);
}
function refresh(){
  fetch('/status').then(function(r){return r.json()}).then(function(s){
    document.getElementById('status').textContent = fmtStatus(s);
  });
  fetch('/pools').then(function(r){return r.json()}).then(function(pools){
    document.getElementById('rows').innerHTML = (pools || []).map(row).join('');
  });
}
refresh();
setInterval(refresh, 5000);
</script>
</body>
</html>
`
