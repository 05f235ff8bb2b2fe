package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/bike-sensor/internal/ride"
	"github.com/sweeney/bike-sensor/internal/status"
	"github.com/sweeney/bike-sensor/internal/telemetry"
)

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := int(d.Hours()) / 24
	h := int(d.Hours()) % 24
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// mpr renders a reading, showing the stopped sentinel as a dash.
func mpr(v float64) string {
	if v >= telemetry.StoppedMPR {
		return "–"
	}
	return fmt.Sprintf("%.0f ms", v)
}

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": formatUptime,
	"mpr":    mpr,
	"f1":     func(v float64) string { return fmt.Sprintf("%.1f", v) },
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Bike Sensor</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.synthetic { color: #888; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Bike Sensor<span id="live-dot" class="live-dot pending" title="connecting"></span></h1>

<h2>Sensor</h2>
<table>
<tr><th>Device</th><td>{{.Device}}</td></tr>
<tr><th>Connection</th><td id="conn" class="{{if eq .Connection "CONNECTED"}}connected{{else}}disconnected{{end}}">{{.Connection}}</td></tr>
<tr><th>Pedal</th><td id="pedal" class="{{if .Pedal.Synthetic}}synthetic{{end}}">{{mpr .Pedal.MPR}}</td></tr>
<tr><th>Cadence</th><td id="cadence">{{f1 .CadenceRPM}} rpm</td></tr>
<tr><th>Tire</th><td id="tire" class="{{if .Tire.Synthetic}}synthetic{{end}}">{{mpr .Tire.MPR}}</td></tr>
<tr><th>Speed</th><td id="speed">{{f1 .SpeedKPH}} km/h ({{f1 .SpeedMPH}} mph)</td></tr>
<tr><th>Last message</th><td id="toast">{{.LastToast}}</td></tr>
</table>

<h2>Counts</h2>
<table>
<tr><th>Frames</th><td>{{.Counts.Frames}}</td></tr>
<tr><th>Malformed</th><td>{{.Counts.Malformed}}</td></tr>
<tr><th>Pedal readings</th><td>{{.Counts.Pedal}}</td></tr>
<tr><th>Tire readings</th><td>{{.Counts.Tire}}</td></tr>
<tr><th>Synthetic readings</th><td>{{.Counts.Synthetic}}</td></tr>
<tr><th>Unsaved frames</th><td>{{.RawLogEntries}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{if .Config.Broker}}{{.Config.Broker}}{{else}}disabled{{end}}</td></tr>
<tr><th>Export</th><td>{{.Config.ExportBackend}}</td></tr>
<tr><th>Wheel radius</th><td>{{.Config.WheelRadiusIn}} in</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/metrics">metrics</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  var els = {
    pedal: document.getElementById("pedal"),
    tire: document.getElementById("tire"),
    conn: document.getElementById("conn"),
    toast: document.getElementById("toast")
  };

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(m) {
      try {
        var msg = JSON.parse(m.data);
        if (!msg.event) { return; }
        var ev = msg.event;
        if (ev.type === "READING") {
          var el = els[ev.channel];
          el.textContent = ev.mpr >= 1500000 ? "–" : Math.round(ev.mpr) + " ms";
          el.className = ev.synthetic ? "synthetic" : "";
        } else if (ev.type === "TOAST") {
          els.toast.textContent = ev.message;
        } else {
          els.conn.textContent = ev.type === "CONNECTED" ? "CONNECTED" : "CLOSED";
          els.conn.className = ev.type === "CONNECTED" ? "connected" : "disconnected";
        }
      } catch (e) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

type indexData struct {
	status.Snapshot
	Uptime     time.Duration
	CadenceRPM float64
	SpeedKPH   float64
	SpeedMPH   float64
}

func renderHTML(w io.Writer, snap status.Snapshot) error {
	wheel := ride.Wheel{RadiusIn: snap.Config.WheelRadiusIn}
	if wheel.RadiusIn <= 0 {
		wheel = ride.DefaultWheel()
	}
	return indexTmpl.Execute(w, indexData{
		Snapshot:   snap,
		Uptime:     snap.Uptime(),
		CadenceRPM: ride.Cadence(snap.Pedal.MPR),
		SpeedKPH:   wheel.SpeedKPH(snap.Tire.MPR),
		SpeedMPH:   wheel.SpeedMPH(snap.Tire.MPR),
	})
}
