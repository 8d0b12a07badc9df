package connect

import (
	"html/template"
	"net/http"
)

// Consent and error pages rendered at the authorization endpoint. Templates
// are parsed once at init; the markup is deliberately self-contained (inline
// styles, no external resources) so the strict CSP holds.
var (
	consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.ClientName}}</title>
<style>
body { font-family: system-ui, sans-serif; background: #f6f7f7; margin: 0; }
.card { max-width: 24rem; margin: 4rem auto; background: #fff; border: 1px solid #dcdcde; border-radius: 4px; padding: 2rem; }
h1 { font-size: 1.25rem; margin-top: 0; }
p { color: #3c434a; }
.scope { background: #f0f0f1; border-radius: 3px; padding: 0.25rem 0.5rem; font-family: monospace; }
.actions { display: flex; gap: 0.75rem; margin-top: 1.5rem; }
button { flex: 1; padding: 0.6rem; border-radius: 3px; font-size: 1rem; cursor: pointer; }
.approve { background: #2271b1; border: 1px solid #2271b1; color: #fff; }
.deny { background: #fff; border: 1px solid #dcdcde; color: #3c434a; }
</style>
</head>
<body>
<div class="card">
<h1>Connect {{.ClientName}}</h1>
<p><strong>{{.ClientName}}</strong> is asking to act on your behalf with scope
<span class="scope">{{.Scope}}</span>. It will only be able to do what your
account can do, within the abilities an administrator has enabled.</p>
<form method="post" action="/authorize">
<input type="hidden" name="request_id" value="{{.RequestID}}">
<div class="actions">
<button class="approve" type="submit" name="approve" value="yes">Approve</button>
<button class="deny" type="submit" name="approve" value="no">Deny</button>
</div>
</form>
</div>
</body>
</html>`))

	errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorization error</title>
<style>
body { font-family: system-ui, sans-serif; background: #f6f7f7; margin: 0; }
.card { max-width: 24rem; margin: 4rem auto; background: #fff; border: 1px solid #dcdcde; border-radius: 4px; padding: 2rem; }
h1 { font-size: 1.25rem; margin-top: 0; color: #d63638; }
p { color: #3c434a; }
code { background: #f0f0f1; border-radius: 3px; padding: 0.1rem 0.3rem; }
</style>
</head>
<body>
<div class="card">
<h1>Authorization error</h1>
<p>{{.Description}}</p>
<p><code>{{.Code}}</code></p>
</div>
</body>
</html>`))
)

// consentPageData feeds the consent template
type consentPageData struct {
	ClientName string
	Scope      string
	RequestID  string
}

// renderConsentPage writes the consent form for a pending request
func renderConsentPage(w http.ResponseWriter, data consentPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = consentTemplate.Execute(w, data)
}

// renderErrorPage writes an in-page error. Used for every authorization
// endpoint failure that must not travel as a redirect: invalid client,
// invalid redirect URI, missing session, allow-list denial.
func renderErrorPage(w http.ResponseWriter, oauthErr *OAuthError) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(oauthErr.Status)
	_ = errorTemplate.Execute(w, struct {
		Code        string
		Description string
	}{Code: oauthErr.Code, Description: oauthErr.Description})
}
