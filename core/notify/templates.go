package notify

import "html/template"

const layoutHead = `<!DOCTYPE html><html><head><meta charset="utf-8"><style>
body{font-family:'Segoe UI',Arial,sans-serif;background:#f5f5f5;margin:0;padding:20px}
.container{max-width:600px;margin:0 auto;background:#fff;border-radius:12px;overflow:hidden}
.header{background:#4b4fa8;color:#fff;padding:24px;text-align:center}
.content{padding:24px;color:#333}
.code{font-size:32px;letter-spacing:6px;font-weight:bold;text-align:center;border:3px dashed #4b4fa8;padding:16px;margin:16px 0}
.footer{padding:16px;text-align:center;color:#888;font-size:12px}
</style></head><body><div class="container">`

const layoutFoot = `<div class="footer"><p>Security Incident Management</p></div></div></body></html>`

var templates = template.Must(template.New("root").Parse(`
{{define "assignment"}}` + layoutHead + `
<div class="header"><h1>New incident assigned</h1></div>
<div class="content">
<p>Hello {{.Name}},</p>
<p>You have been assigned incident <strong>#{{.IncidentID}}</strong>.</p>
<p><strong>Type:</strong> {{.Type}}<br><strong>Severity:</strong> {{.Severity}}</p>
<p>{{.Description}}</p>
<p><a href="{{.Link}}">Open incident</a></p>
</div>` + layoutFoot + `{{end}}

{{define "status"}}` + layoutHead + `
<div class="header"><h1>Incident status changed</h1></div>
<div class="content">
<p>Hello {{.Name}},</p>
<p>{{.ChangedBy}} changed incident <strong>#{{.IncidentID}}</strong> ({{.Type}}) from <strong>{{.From}}</strong> to <strong>{{.To}}</strong>.</p>
<p><a href="{{.Link}}">Open incident</a></p>
</div>` + layoutFoot + `{{end}}

{{define "code"}}` + layoutHead + `
<div class="header"><h1>Verification code</h1></div>
<div class="content">
<p>Hello {{.Name}},</p>
<p>Use this code to register with the <strong>{{.Role}}</strong> role:</p>
<div class="code">{{.Code}}</div>
<p>The code expires in {{.TTLMinutes}} minutes and can be used once.</p>
</div>` + layoutFoot + `{{end}}

{{define "approved"}}` + layoutHead + `
<div class="header"><h1>Your account has been approved</h1></div>
<div class="content">
<p>Hello {{.Name}},</p>
<p>Your <strong>{{.Role}}</strong> account is now active. You can sign in at <a href="{{.Link}}">{{.Link}}</a>.</p>
</div>` + layoutFoot + `{{end}}

{{define "rejected"}}` + layoutHead + `
<div class="header"><h1>Registration request rejected</h1></div>
<div class="content">
<p>Hello {{.Name}},</p>
<p>Your request for the <strong>{{.Role}}</strong> role was rejected.</p>
{{if .Reason}}<p><strong>Reason:</strong> {{.Reason}}</p>{{end}}
</div>` + layoutFoot + `{{end}}

{{define "registration"}}` + layoutHead + `
<div class="header"><h1>New registration request</h1></div>
<div class="content">
<p>{{.Name}} ({{.Email}}) registered for the <strong>{{.Role}}</strong> role and is waiting for approval.</p>
<p><a href="{{.Link}}">Review pending users</a></p>
</div>` + layoutFoot + `{{end}}
`))
