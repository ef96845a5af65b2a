package authserver

import (
	"html/template"
	"net/http"

	"github.com/giantswarm/authserver/security"
)

// Deployments with their own login and consent UI point
// server.Config.LoginURL and ConsentURL at it instead.

const loginPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p role="alert">{{.Error}}</p>{{end}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="return_to" value="{{.ReturnTo}}">
<label>Email <input type="email" name="email" value="{{.Email}}" required autofocus></label>
<label>Password <input type="password" name="password" required></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>`

const consentPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Authorize {{.ClientName}}</title></head>
<body>
<h1>{{.ClientName}} wants to access your account</h1>
<ul>
{{range .Scopes}}<li>{{.}}</li>
{{end}}</ul>
<form method="post" action="{{.Action}}">
{{range $name, $values := .Params}}{{range $values}}<input type="hidden" name="{{$name}}" value="{{.}}">
{{end}}{{end}}<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<button type="submit" name="decision" value="allow">Allow</button>
<button type="submit" name="decision" value="deny">Deny</button>
</form>
</body>
</html>`

const messagePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
</body>
</html>`

var (
	loginPageTmpl   = template.Must(template.New("login").Parse(loginPageTemplate))
	consentPageTmpl = template.Must(template.New("consent").Parse(consentPageTemplate))
	messagePageTmpl = template.Must(template.New("message").Parse(messagePageTemplate))
)

type loginPageData struct {
	Action   string
	ReturnTo string
	Email    string
	Error    string
}

type consentPageData struct {
	Action     string
	ClientName string
	Scopes     []string
	Params     map[string][]string
	CSRFToken  string
}

type messagePageData struct {
	Title   string
	Message string
}

// renderPage executes tmpl into the response with the given status
func (h *Handler) renderPage(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		h.logger.Error("Failed to render page", "template", tmpl.Name(), "error", err)
	}
}

func (h *Handler) renderMessage(w http.ResponseWriter, status int, title, message string) {
	h.renderPage(w, status, messagePageTmpl, messagePageData{Title: title, Message: message})
}
