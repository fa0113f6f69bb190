package api

import (
	"html/template"
	"mime"
	"net/http"
	"pastelite/pkg/domain"
	"pastelite/svc/util"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	pageCSP  = "default-src 'none'; style-src 'unsafe-inline'; img-src 'self'; form-action 'self'; frame-ancestors 'none';"
	qrSize   = 256
	formPath = "/api/pastes"
)

const pageStyle = `<style>
body{font-family:system-ui,sans-serif;max-width:60rem;margin:2rem auto;padding:0 1rem;color:#222}
pre{background:#f6f8fa;border:1px solid #ddd;border-radius:6px;padding:1rem;overflow:auto;white-space:pre-wrap;word-wrap:break-word}
textarea{width:100%;min-height:16rem;font-family:monospace;box-sizing:border-box}
label{display:inline-block;margin:.5rem 1rem .5rem 0}
.meta{color:#666;font-size:.9rem}
.error{color:#b00020}
</style>`

var indexTmpl = template.Must(template.New("index").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>pastelite</title>
` + pageStyle + `
</head>
<body>
<h1>pastelite</h1>
<p class="meta">Create and share text snippets.</p>
{{if .Error}}<p class="error" role="alert">{{.Error}}</p>{{end}}
<form method="post" action="{{.Action}}">
<textarea name="content" required placeholder="Paste your text here">{{.Content}}</textarea>
<div>
<label>Expires after (seconds) <input type="number" name="ttl_seconds" min="1" step="1" value="{{.TTLSeconds}}"></label>
<label>Max views <input type="number" name="max_views" min="1" step="1" value="{{.MaxViews}}"></label>
</div>
<button type="submit">Create paste</button>
</form>
</body>
</html>
`))

var pageTmpl = template.Must(template.New("paste").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex">
<title>{{if .Found}}Paste {{.ID}}{{else}}Paste not found{{end}}</title>
` + pageStyle + `
</head>
<body>
{{if .Found}}
<h1>Paste {{.ID}}</h1>
<pre>{{.Content}}</pre>
<p class="meta">{{if .ExpiresAt}}Expires {{.ExpiresAt}}.{{else}}Never expires.{{end}}
{{if .MaxViews}}{{.RemainingViews}} of {{.MaxViews}} API views left.{{end}}</p>
<img src="/p/{{.ID}}/qr" width="128" height="128" alt="QR code for this paste">
{{else}}
<h1>Paste not found</h1>
<p>This paste does not exist, has expired, or has used up its views.</p>
{{end}}
<p class="meta"><a href="/">Create a new paste</a></p>
</body>
</html>
`))

type pageData struct {
	Found          bool
	ID             string
	Content        string
	ExpiresAt      string
	MaxViews       int64
	RemainingViews int64
}

// ViewPage renders a paste for browsers. It does not count a view.
func (h *Hdl) ViewPage(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	id := chi.URLParam(r, "id")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", pageCSP)
	w.Header().Set("Cache-Control", "no-store")
	paste, err := h.paste.Peek(r.Context(), id)
	data := pageData{ID: id}
	switch {
	case errors.Is(err, domain.ErrPasteNotFound):
		w.WriteHeader(http.StatusNotFound)
	case err != nil:
		log.Error().Err(err).Str("paste_id", id).Str("request_id", util.GetRequestID(r.Context())).Msg("peek failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	default:
		data.Found = true
		data.Content = paste.Content
		if exp := domain.NewView(paste).ExpiresAt; exp != nil {
			data.ExpiresAt = exp.Format(isoMillis)
		}
		if paste.MaxViews != nil {
			data.MaxViews = *paste.MaxViews
			data.RemainingViews = *paste.RemainingViews()
		}
	}
	if err := pageTmpl.Execute(w, data); err != nil {
		log.Warn().Err(err).Str("paste_id", id).Msg("render failed")
	}
}

// QRCode serves a PNG encoding the paste's share URL.
func (h *Hdl) QRCode(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if _, err := h.paste.Peek(r.Context(), id); err != nil {
		writeErr(w, err, requestID)
		return
	}
	png, err := qrcode.Encode(shareURL(h.cfg, r, id), qrcode.Medium, qrSize)
	if err != nil {
		writeErr(w, errors.Wrap(err, "encode qr"), requestID)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

type indexData struct {
	Action     string
	Error      string
	Content    string
	TTLSeconds string
	MaxViews   string
}

// Index serves the create form.
func (h *Hdl) Index(w http.ResponseWriter, r *http.Request) {
	h.renderIndex(w, r, http.StatusOK, indexData{})
}
func (h *Hdl) renderIndex(w http.ResponseWriter, r *http.Request, status int, data indexData) {
	data.Action = formPath
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Security-Policy", pageCSP)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := indexTmpl.Execute(w, data); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("render index failed")
	}
}

func isForm(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/x-www-form-urlencoded"
}

// createFromForm handles the index form: success redirects to the paste
// page, failures re-render the form with the submitted values.
func (h *Hdl) createFromForm(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	if h.cfg.MaxPasteSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes(h.cfg.MaxPasteSize))
	}
	if err := r.ParseForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.renderIndex(w, r, http.StatusRequestEntityTooLarge, indexData{Error: domain.ErrPasteTooLarge.Msg})
			return
		}
		log.Warn().Err(err).Msg("failed to parse create form")
		h.renderIndex(w, r, http.StatusBadRequest, indexData{Error: "unable to parse form"})
		return
	}
	data := indexData{
		Content:    r.PostFormValue("content"),
		TTLSeconds: strings.TrimSpace(r.PostFormValue("ttl_seconds")),
		MaxViews:   strings.TrimSpace(r.PostFormValue("max_views")),
	}
	params := domain.CreateParams{Content: data.Content}
	var err error
	if params.TTLSeconds, err = formInt(data.TTLSeconds, domain.ErrInvalidTTL); err == nil {
		params.MaxViews, err = formInt(data.MaxViews, domain.ErrInvalidMaxViews)
	}
	var paste *domain.Paste
	if err == nil {
		paste, err = h.paste.Create(r.Context(), params)
	}
	if err != nil {
		status := domain.Status(err)
		if status >= http.StatusInternalServerError {
			util.Error().Err(err).Str("request_id", util.GetRequestID(r.Context())).Msg("internal error")
		}
		data.Error = domain.ToResp(err).Error
		h.renderIndex(w, r, status, data)
		return
	}
	log.Info().Str("paste_id", paste.ID).Msg("paste created from form")
	w.Header().Del("Content-Type")
	http.Redirect(w, r, "/p/"+paste.ID, http.StatusSeeOther)
}

// formInt treats an empty field as absent.
func formInt(v string, invalid error) (*int64, error) {
	if v == "" {
		return nil, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil || i < 1 {
		return nil, invalid
	}
	return &i, nil
}
