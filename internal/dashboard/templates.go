package dashboard

import "html/template"

// Server-rendered pages. One template set, one define per page; plain HTML
// with just enough styling to be readable.
var pages = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"deref": func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	},
}).Parse(`
{{define "layout_head"}}
<!DOCTYPE html>
<html>
<head>
<title>tapwire</title>
<style>
body { font-family: ui-monospace, monospace; margin: 2em; background: #fafafa; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: 4px 10px; border-bottom: 1px solid #ddd; vertical-align: top; }
pre { background: #f0f0f0; padding: 8px; overflow-x: auto; white-space: pre-wrap; }
nav a { margin-right: 1em; }
form.inline { display: inline; }
.muted { color: #888; }
.err { color: #b00; }
</style>
</head>
<body>
<nav>
	<a href="/_dashboard">home</a>
	<a href="/_dashboard/sessions">sessions</a>
	<a href="/_dashboard/profiles">filter profiles</a>
</nav>
{{end}}

{{define "layout_foot"}}
</body>
</html>
{{end}}

{{define "home"}}
{{template "layout_head" .}}
<h1>tapwire</h1>
<p>{{.SessionCount}} sessions, {{.ProfileCount}} filter profiles.</p>
<h2>live feed</h2>
<ul id="live"></ul>
<script>
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/_dashboard/live");
ws.onmessage = (msg) => {
	const ev = JSON.parse(msg.data);
	const li = document.createElement("li");
	const a = document.createElement("a");
	a.href = "/_dashboard/requests/" + ev.request_id;
	a.textContent = ev.timestamp + " " + ev.method + " " + ev.path + " → " + ev.status + (ev.note ? " (" + ev.note + ")" : "");
	li.appendChild(a);
	document.getElementById("live").prepend(li);
};
</script>
{{template "layout_foot" .}}
{{end}}

{{define "sessions"}}
{{template "layout_head" .}}
<h1>Sessions</h1>
<table>
<tr><th>name</th><th>target</th><th>requests</th><th>intercept</th><th>proxy URL</th></tr>
{{range .Sessions}}
<tr>
	<td><a href="/_dashboard/sessions/{{.ID}}">{{.Name}}</a></td>
	<td>{{.TargetURL}}</td>
	<td>{{.RequestCount}}</td>
	<td>{{if .WebFetchIntercept}}webfetch{{else}}<span class="muted">off</span>{{end}}</td>
	<td><code>/p/{{.ID}}/</code></td>
</tr>
{{end}}
</table>
<h2>New session</h2>
<form method="post" action="/_dashboard/sessions">
	<p><label>name <input name="name" required></label></p>
	<p><label>target URL <input name="target_url" size="50" placeholder="https://api.anthropic.com" required></label></p>
	<p><label>auth header <input name="auth_header" size="50"></label></p>
	<p><label>x-api-key <input name="x_api_key" size="50"></label></p>
	<p><label>bedrock region <input name="bedrock_region" placeholder="us-east-1"></label></p>
	<p><label>profile
		<select name="profile_id">
			<option value="">(default)</option>
			{{range .Profiles}}<option value="{{.ID}}">{{.Name}}</option>{{end}}
		</select>
	</label></p>
	<p><label><input type="checkbox" name="tls_verify_disabled" value="1"> disable TLS verification</label></p>
	<p><button type="submit">create</button></p>
</form>
{{template "layout_foot" .}}
{{end}}

{{define "session_show"}}
{{template "layout_head" .}}
<h1>Session {{.Session.Name}}</h1>
<p class="muted">proxy URL: <code>/p/{{.Session.ID}}/</code> → {{.Session.TargetURL}}</p>

<h2>Settings</h2>
<form method="post" action="/_dashboard/sessions/{{.Session.ID}}/edit">
	<p><label>name <input name="name" value="{{.Session.Name}}"></label></p>
	<p><label>target URL <input name="target_url" size="50" value="{{.Session.TargetURL}}"></label></p>
	<p><label>auth header <input name="auth_header" size="50" value="{{if .Session.AuthHeader}}{{.Session.AuthHeader}}{{end}}"></label></p>
	<p><label>x-api-key <input name="x_api_key" size="50" value="{{if .Session.XAPIKey}}{{.Session.XAPIKey}}{{end}}"></label></p>
	<p><label>bedrock region <input name="bedrock_region" value="{{if .Session.BedrockRegion}}{{.Session.BedrockRegion}}{{end}}"></label></p>
	<p><label>profile
		<select name="profile_id">
			<option value="">(default)</option>
			{{$current := .Session.ProfileID}}
			{{range .Profiles}}<option value="{{.ID}}" {{if and $current (eq .ID (deref $current))}}selected{{end}}>{{.Name}}</option>{{end}}
		</select>
	</label></p>
	<p><label><input type="checkbox" name="tls_verify_disabled" value="1" {{if .Session.TLSVerifyDisabled}}checked{{end}}> disable TLS verification</label></p>
	<p><button type="submit">save</button></p>
</form>
<form class="inline" method="post" action="/_dashboard/sessions/{{.Session.ID}}/delete"><button type="submit">delete session</button></form>

<h2>WebFetch interception</h2>
<form method="post" action="/_dashboard/sessions/{{.Session.ID}}/webfetch">
	<p><label><input type="checkbox" name="intercept" value="1" {{if .Session.WebFetchIntercept}}checked{{end}}> intercept webfetch tool calls</label></p>
	<p><label>whitelist (comma-separated host suffixes; blank = no restriction)
		<input name="whitelist" size="60" value="{{.WhitelistText}}"></label></p>
	<p><label>tool names (comma-separated; blank = WebFetch)
		<input name="tool_names" size="60" value="{{.ToolNamesText}}"></label></p>
	<p><button type="submit">save</button></p>
</form>

<h2>Error injection</h2>
{{if .Session.ErrorInject}}<p class="err">active: <code>{{.Session.ErrorInject}}</code></p>{{end}}
<form method="post" action="/_dashboard/sessions/{{.Session.ID}}/error-inject">
	<p><label>preset
		<select name="error_type">
			<option value="">(custom / clear)</option>
			{{range .ErrorPresets}}<option value="{{.Key}}">{{.Label}}</option>{{end}}
		</select>
	</label></p>
	<p><label>custom spec <input name="spec" size="70" placeholder='{"status":429,"body":{"error":"rate_limit"}}'></label></p>
	<p><button type="submit">set</button>
	<button type="submit" name="clear" value="1">clear</button></p>
</form>

<h2>Captured requests ({{.RequestCount}})</h2>
<form class="inline" method="post" action="/_dashboard/sessions/{{.Session.ID}}/requests/clear"><button type="submit">clear all</button></form>
<table>
<tr><th>time</th><th>method</th><th>path</th><th>model</th><th>tokens</th><th>status</th><th>note</th></tr>
{{range .Requests}}
<tr>
	<td><a href="/_dashboard/requests/{{.ID}}">{{.Timestamp}}</a></td>
	<td>{{.Method}}</td>
	<td>{{.Path}}</td>
	<td>{{if .Model}}{{.Model}}{{end}}</td>
	<td>{{if .InputTokens}}{{.InputTokens}}{{end}}</td>
	<td>{{if .ResponseStatus}}{{.ResponseStatus}}{{end}}</td>
	<td>{{if .Note}}{{.Note}}{{end}}</td>
</tr>
{{end}}
</table>
{{template "layout_foot" .}}
{{end}}

{{define "request_show"}}
{{template "layout_head" .}}
<h1>{{.Request.Method}} {{.Request.Path}}</h1>
<p class="muted">{{.Request.Timestamp}} — session <a href="/_dashboard/sessions/{{.Request.SessionID}}">{{.Request.SessionID}}</a>
{{if .Request.ResponseStatus}} — status {{.Request.ResponseStatus}}{{end}}
{{if .Request.Note}} — {{.Request.Note}}{{end}}</p>

{{if .Request.TruncJSON}}<h2>Body (truncated preview)</h2><pre>{{.Request.TruncJSON}}</pre>{{end}}
{{if .Request.SystemJSON}}<h2>System</h2><pre>{{.Request.SystemJSON}}</pre>{{end}}
{{if .Request.ToolsJSON}}<h2>Tools</h2><pre>{{.Request.ToolsJSON}}</pre>{{end}}
{{if .Request.ParamsJSON}}<h2>Params</h2><pre>{{.Request.ParamsJSON}}</pre>{{end}}
{{if .Request.HeadersJSON}}<h2>Request headers</h2><pre>{{.Request.HeadersJSON}}</pre>{{end}}
{{if .Request.ResponseEventsJSON}}<h2>Response events</h2><pre>{{.Request.ResponseEventsJSON}}</pre>
{{else if .Request.ResponseBody}}<h2>Response body</h2><pre>{{.Request.ResponseBody}}</pre>{{end}}
{{if .Request.WebFetchRoundsJSON}}<h2>WebFetch rounds</h2><pre>{{.Request.WebFetchRoundsJSON}}</pre>{{end}}
{{if .Request.WebFetchFollowupBodyJSON}}<h2>Last follow-up request</h2><pre>{{.Request.WebFetchFollowupBodyJSON}}</pre>{{end}}
{{if .Request.BodyJSON}}<h2>Full body</h2><pre>{{.Request.BodyJSON}}</pre>{{end}}
{{template "layout_foot" .}}
{{end}}

{{define "profiles"}}
{{template "layout_head" .}}
<h1>Filter profiles</h1>
<table>
<tr><th>name</th><th>default</th><th>keep tool pairs</th></tr>
{{range .Profiles}}
<tr>
	<td><a href="/_dashboard/profiles/{{.ID}}">{{.Name}}</a></td>
	<td>{{if .IsDefault}}yes{{end}}</td>
	<td>{{if .KeepToolPairs}}yes{{else}}no{{end}}</td>
</tr>
{{end}}
</table>
<h2>New profile</h2>
<form method="post" action="/_dashboard/profiles">
	<p><label>name <input name="name" required></label></p>
	<p><label><input type="checkbox" name="keep_tool_pairs" value="1" checked> keep tool_use/tool_result pairs</label></p>
	<p><button type="submit">create</button></p>
</form>
{{template "layout_foot" .}}
{{end}}

{{define "profile_show"}}
{{template "layout_head" .}}
<h1>Profile {{.Profile.Name}}{{if .Profile.IsDefault}} <span class="muted">(default)</span>{{end}}</h1>
<form method="post" action="/_dashboard/profiles/{{.Profile.ID}}">
	<p><label>name <input name="name" value="{{.Profile.Name}}"></label></p>
	<p><label><input type="checkbox" name="keep_tool_pairs" value="1" {{if .Profile.KeepToolPairs}}checked{{end}}> keep tool_use/tool_result pairs</label></p>
	<p><button type="submit">save</button></p>
</form>
{{if not .Profile.IsDefault}}
<form class="inline" method="post" action="/_dashboard/profiles/{{.Profile.ID}}/delete"><button type="submit">delete profile</button></form>
{{end}}

<h2>System filters</h2>
<table>
{{range .SystemFilters}}
<tr>
	<td><code>{{.Pattern}}</code></td>
	<td><form class="inline" method="post" action="/_dashboard/profiles/{{.ProfileID}}/system/{{.ID}}/delete"><button type="submit">remove</button></form></td>
</tr>
{{end}}
</table>
<form method="post" action="/_dashboard/profiles/{{.Profile.ID}}/system">
	<label>pattern (regex, falls back to substring) <input name="pattern" size="50" required></label>
	<button type="submit">add</button>
</form>

<h2>Tool filters</h2>
<table>
{{range .ToolFilters}}
<tr>
	<td><code>{{.Name}}</code></td>
	<td><form class="inline" method="post" action="/_dashboard/profiles/{{.ProfileID}}/tools/{{.ID}}/delete"><button type="submit">remove</button></form></td>
</tr>
{{end}}
</table>
<form method="post" action="/_dashboard/profiles/{{.Profile.ID}}/tools">
	<label>tool name <input name="name" required></label>
	<button type="submit">add</button>
</form>
{{template "layout_foot" .}}
{{end}}
`))
