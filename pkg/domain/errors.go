package domain
import (
	"github.com/pkg/errors"
	"net/http"
)

var (
	ErrPasteNotFound   = NewErr("PASTE_NOT_FOUND", "paste not found or no longer available", http.StatusNotFound)
	ErrContentRequired = NewErr("CONTENT_REQUIRED", "content is required and must be a non-empty string", http.StatusBadRequest)
	ErrInvalidTTL      = NewErr("INVALID_TTL", "ttl_seconds must be an integer >= 1", http.StatusBadRequest)
	ErrInvalidMaxViews = NewErr("INVALID_MAX_VIEWS", "max_views must be an integer >= 1", http.StatusBadRequest)
	ErrInvalidRequest  = NewErr("INVALID_REQUEST", "invalid JSON in request body", http.StatusBadRequest)
	ErrPasteTooLarge   = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusRequestEntityTooLarge)
	ErrInternalServer  = NewErr("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
)
type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}
func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}
type ErrResp struct {
	Error string `json:"error"`
}
func ToResp(err error) ErrResp {
	if e, ok := errors.Cause(err).(*Err); ok && e.Status < http.StatusInternalServerError {
		return ErrResp{Error: e.Msg}
	}
	return ErrResp{Error: ErrInternalServer.Msg}
}
func Status(err error) int {
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
