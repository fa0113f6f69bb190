package api

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"pastelite/cfg"
	"pastelite/pkg/domain"
	"pastelite/svc/svc"
	"pastelite/svc/util"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

const isoMillis = "2006-01-02T15:04:05.000Z"

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}
type CreateResp struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// GetResp keeps remaining_views and expires_at present as null when the
// paste has no such limit.
type GetResp struct {
	Content        string  `json:"content"`
	RemainingViews *int64  `json:"remaining_views"`
	ExpiresAt      *string `json:"expires_at"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	if isForm(r) {
		h.createFromForm(w, r)
		return
	}
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	if h.cfg.MaxPasteSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes(h.cfg.MaxPasteSize))
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn().Int64("limit", tooLarge.Limit).Msg("request body exceeds maximum")
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		}
		log.Warn().Err(err).Msg("failed to read request body")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	params, err := decodeCreate(body)
	if err != nil {
		log.Warn().Err(err).Msg("invalid create request")
		writeErr(w, err, requestID)
		return
	}
	paste, err := h.paste.Create(r.Context(), params)
	if err != nil {
		if domain.Status(err) < http.StatusInternalServerError {
			log.Warn().Err(err).Msg("create rejected")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", paste.ID).
		Bool("ttl", paste.TTLSeconds != nil).
		Bool("max_views", paste.MaxViews != nil).
		Msg("paste created")
	json.NewEncoder(w).Encode(CreateResp{
		ID:  paste.ID,
		URL: shareURL(h.cfg, r, paste.ID),
	})
}

// maxBodyBytes bounds the raw request for a content cap of n bytes. A JSON
// string escape can take six bytes per content byte (\u0001), so the exact
// cap is enforced on the decoded content, not here.
func maxBodyBytes(n int64) int64 {
	return n*6 + 1024
}

// decodeCreate checks field types by hand: content must be a JSON string,
// and the limits must be integral numbers when present and not null.
func decodeCreate(body []byte) (domain.CreateParams, error) {
	var params domain.CreateParams
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil || raw == nil {
		return params, domain.ErrInvalidRequest
	}
	if dec.More() {
		return params, domain.ErrInvalidRequest
	}
	content, ok := raw["content"].(string)
	if !ok || strings.TrimSpace(content) == "" {
		return params, domain.ErrContentRequired
	}
	params.Content = content
	var err error
	if params.TTLSeconds, err = optionalPositiveInt(raw["ttl_seconds"], domain.ErrInvalidTTL); err != nil {
		return params, err
	}
	if params.MaxViews, err = optionalPositiveInt(raw["max_views"], domain.ErrInvalidMaxViews); err != nil {
		return params, err
	}
	return params, nil
}
func optionalPositiveInt(v any, invalid error) (*int64, error) {
	if v == nil {
		return nil, nil
	}
	n, ok := v.(json.Number)
	if !ok {
		return nil, invalid
	}
	i, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil || f != math.Trunc(f) || f < 1 || f >= math.MaxInt64 {
			return nil, invalid
		}
		i = int64(f)
	}
	if i < 1 {
		return nil, invalid
	}
	return &i, nil
}

// GetPaste consumes one view.
func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	w.Header().Set("Cache-Control", "no-store")
	view, err := h.paste.ConsumeView(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			log.Debug().Str("paste_id", id).Msg("paste unavailable")
		}
		writeErr(w, err, requestID)
		return
	}
	resp := GetResp{
		Content:        view.Content,
		RemainingViews: view.RemainingViews,
	}
	if view.ExpiresAt != nil {
		exp := view.ExpiresAt.UTC().Format(isoMillis)
		resp.ExpiresAt = &exp
	}
	log.Info().
		Str("paste_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Msg("paste viewed")
	json.NewEncoder(w).Encode(resp)
}

// shareURL prefers the configured public base URL and otherwise rebuilds
// one from the request.
func shareURL(c *cfg.Cfg, r *http.Request, id string) string {
	base := c.BaseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if c.TrustProxy {
			if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
				scheme = p
			}
		}
		base = scheme + "://" + r.Host
	}
	return base + "/p/" + id
}
func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	if statusCode >= http.StatusInternalServerError {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      domain.ToResp(err).Error,
		"request_id": requestID,
	})
}
