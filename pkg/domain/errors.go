package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

// Expired and AlreadyConsumed share a code and message so callers cannot
// tell a burned paste from a lapsed one; they remain distinct values.
const (
	goneCode = "PASTE_GONE"
	goneMsg  = "paste is no longer available"
)

var (
	ErrInvalidIdentifier    = NewErr("INVALID_IDENTIFIER", "invalid paste id: use 10-50 letters, digits, dashes or underscores", http.StatusBadRequest)
	ErrInvalidExpiry        = NewErr("INVALID_EXPIRY", "expiry out of range", http.StatusBadRequest)
	ErrPayloadTooLarge      = NewErr("PAYLOAD_TOO_LARGE", "payload too large", http.StatusRequestEntityTooLarge)
	ErrInvalidEncoding      = NewErr("INVALID_ENCODING", "encrypted content must be base64", http.StatusBadRequest)
	ErrContentRequired      = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrIDConflict           = NewErr("ID_CONFLICT", "paste id already in use", http.StatusConflict)
	ErrNotFound             = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrExpired              = NewErr(goneCode, goneMsg, http.StatusGone)
	ErrAlreadyConsumed      = NewErr(goneCode, goneMsg, http.StatusGone)
	ErrContentUnavailable   = NewErr("CONTENT_UNAVAILABLE", "paste content unavailable", http.StatusInternalServerError)
	ErrIncompleteEncryption = NewErr("INCOMPLETE_ENCRYPTION_METADATA", "paste encryption metadata incomplete", http.StatusInternalServerError)
	ErrStorageUnavailable   = NewErr("STORAGE_UNAVAILABLE", "storage unavailable", http.StatusServiceUnavailable)
	ErrInvalidRequest       = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimitExceeded    = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternalServer       = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
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
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: ErrInternalServer.Code, Msg: ErrInternalServer.Msg}}
}
func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// IsGone reports whether err is one of the terminal "no longer available" outcomes.
func IsGone(err error) bool {
	return errors.Is(err, ErrExpired) || errors.Is(err, ErrAlreadyConsumed)
}

func asErr(err error) (*Err, bool) {
	if e, ok := err.(*Err); ok {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
