package httpapi

import (
	"bytes"
	"context"
	"html/template"
	"net/http"
	"strconv"

	"pkt.systems/gridgate/internal/loggingutil"
	"pkt.systems/gridgate/internal/rpc"
	"pkt.systems/gridgate/internal/store"
	"pkt.systems/gridgate/internal/transfer"
	"pkt.systems/gridgate/internal/version"
)

// usageCookie carries the identity id after the usage page was served.
const usageCookie = "USERUID"

var usageTemplate = template.Must(template.New("usage").Parse(`<!DOCTYPE html>
<html><head><title>gridgate</title></head>
<body>
<h1>gridgate {{.Version}}</h1>
<p>Hello {{.Name}}.</p>
<p>Commands are sent as <code>/COMMAND[/uid]</code> with parameters in the query string or a POST body.
See <a href="/api">/api</a> for the full list.</p>
</body></html>
`))

var apiTemplate = template.Must(template.New("api").Parse(`<!DOCTYPE html>
<html><head><title>gridgate API</title></head>
<body>
<h1>gridgate API</h1>
<p>Hello {{.Name}}.</p>
<table>
<tr><th>Command</th><th>Usage</th></tr>
{{range .Commands}}<tr><td><code>/{{.Kind}}</code></td><td>{{.Help}}</td></tr>
{{end}}</table>
<h2>Upload</h2>
<form method="post" action="/uploaddata" enctype="multipart/form-data">
<label>{{.UID}} <input type="text" name="{{.UID}}"></label><br>
<label>{{.Size}} <input type="text" name="{{.Size}}"></label><br>
<label>{{.Sum}} <input type="text" name="{{.Sum}}"></label><br>
<label>{{.File}} <input type="file" name="{{.File}}"></label><br>
<input type="submit" value="upload">
</form>
</body></html>
`))

type pageData struct {
	Name     string
	Version  string
	Commands []rpc.Spec
	UID      string
	Size     string
	Sum      string
	File     string
}

func newPageData(who *store.Identity) pageData {
	name := who.Email
	if name == "" {
		name = who.Login
	}
	return pageData{
		Name:     name,
		Version:  version.Current(),
		Commands: rpc.Catalogue(),
		UID:      transfer.FieldDataUID,
		Size:     transfer.FieldDataSize,
		Sum:      transfer.FieldDataMD5Sum,
		File:     transfer.FieldDataFile,
	}
}

func (h *Handler) writeUsage(ctx context.Context, w http.ResponseWriter, r *http.Request, who *store.Identity) error {
	http.SetCookie(w, &http.Cookie{
		Name:     usageCookie,
		Value:    who.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return writePage(ctx, w, usageTemplate, newPageData(who))
}

func (h *Handler) writeAPI(ctx context.Context, w http.ResponseWriter, who *store.Identity) error {
	return writePage(ctx, w, apiTemplate, newPageData(who))
}

func writePage(ctx context.Context, w http.ResponseWriter, tmpl *template.Template, data pageData) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		loggingutil.FromContext(ctx).Warn("http.page.render_failed", "page", tmpl.Name(), "error", err)
		return httpError{Status: http.StatusInternalServerError, Code: "render_failed", Detail: err.Error()}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(buf.Bytes())
	return err
}
