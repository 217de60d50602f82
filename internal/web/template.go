package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/beacon-harness/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"ms": func(d time.Duration) int64 {
		return d.Milliseconds()
	},
	"ts": func(t time.Time) string {
		return t.UTC().Format("2006-01-02T15:04:05.000Z")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Beacon Harness: {{.Config.Role}}</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.recording { color: green; font-weight: bold; }
.idle { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Beacon Harness: {{.Config.Role}}</h1>
{{if gt (len .Roles) 1}}<p>{{range $i, $r := .Roles}}{{if $i}} | {{end}}<a href="/{{$r}}/">{{$r}}</a>{{end}}</p>{{end}}

<h2>Trial</h2>
<table>
<tr><th>Phase</th><td class="{{if eq (printf "%s" .Phase) "RECORDING"}}recording{{else if eq (printf "%s" .Phase) "IDLE"}}idle{{else}}unknown{{end}}">{{.Phase}}</td></tr>
{{with .Current}}<tr><th>Index</th><td>{{.Index}}</td></tr>
<tr><th>Condition</th><td{{if not .Known}} class="unknown"{{end}}>c{{.ConditionID}} {{.Condition}}</td></tr>
<tr><th>Started</th><td>{{ts .Start}}</td></tr>
<tr><th>Updates</th><td>{{.Updates}}</td></tr>
<tr><th>Rows</th><td>{{.Rows}}</td></tr>
{{if .Step}}<tr><th>Step</th><td>{{.Step}}</td></tr>
<tr><th>Interval</th><td>{{ms .Interval}}ms</td></tr>{{end}}{{else}}<tr><th>Open trial</th><td>none</td></tr>{{end}}
</table>

{{with .Last}}<h2>Last Trial</h2>
<table>
<tr><th>Index</th><td>{{.Index}}</td></tr>
<tr><th>Condition</th><td{{if not .Known}} class="unknown"{{end}}>c{{.ConditionID}} {{.Condition}}</td></tr>
<tr><th>Duration</th><td>{{ms .Duration}}ms</td></tr>
<tr><th>Reason</th><td>{{.Reason}}{{if .Discarded}} (discarded){{end}}</td></tr>
<tr><th>Updates</th><td>{{.Updates}}</td></tr>
<tr><th>Rows</th><td>{{.Rows}}</td></tr>
{{with .Energy}}<tr><th>Energy</th><td>{{printf "%.3f" .EnergyMJ}} mJ (trapz {{printf "%.3f" .TrapezoidMJ}})</td></tr>
<tr><th>Per update</th><td>{{printf "%.3f" .PerAdvMicroJ}} uJ</td></tr>{{end}}
{{if .File}}<tr><th>File</th><td>{{.File}}</td></tr>{{end}}
</table>{{end}}

<h2>Counts</h2>
<table>
<tr><th>Started</th><td>{{.Counts.Started}}</td></tr>
<tr><th>Ended</th><td>{{.Counts.Ended}}</td></tr>
<tr><th>Discarded</th><td>{{.Counts.Discarded}}</td></tr>
<tr><th>Cancelled</th><td>{{.Counts.Cancelled}}</td></tr>
<tr><th>Glitches</th><td>{{.Counts.Glitches}}</td></tr>
<tr><th>Ring drops</th><td>{{.Drops.Ring}}</td></tr>
<tr><th>Parse drops</th><td>{{.Drops.Parse}}</td></tr>
<tr><th>Edge drops</th><td>{{.Drops.Edges}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{if .Config.Broker}}{{.Config.Broker}}{{else}}none{{end}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Guard</th><td>{{.Config.GuardMs}}ms</td></tr>
<tr><th>Preamble</th><td>{{.Config.PreambleMs}}ms</td></tr>
<tr><th>Debounce</th><td>{{.Config.DebounceMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
{{if .Config.Dir}}<tr><th>Storage</th><td>{{.Config.Dir}}</td></tr>{{end}}
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/{{.Config.Role}}/index.json">JSON</a>{{if .Manifest}} | <a href="/{{.Config.Role}}/manifest.yaml">manifest</a>{{end}} | <a href="/metrics">metrics</a></p>
</body>
</html>
`

// page is the data behind the status page of one role.
type page struct {
	status.Snapshot
	Roles    []string
	Manifest bool
}

func renderHTML(w io.Writer, p page) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		page
		Uptime time.Duration
	}{
		page:   p,
		Uptime: p.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
