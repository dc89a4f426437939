package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"psst/cfg"
	"psst/pkg/domain"
	"psst/svc/svc"
	"psst/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

const (
	// base64 and JSON escaping inflate the payload on the wire
	wireOverhead  = 2
	maxLookupBody = 1024
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	ID            string `json:"paste_id,omitempty"`
	Content       string `json:"content"`
	ExpirySeconds *int64 `json:"expiry_seconds,omitempty"`
	// ContentEncrypted is the field name older clients send.
	ContentEncrypted bool   `json:"content_encrypted,omitempty"`
	IsEncrypted      bool   `json:"is_encrypted,omitempty"`
	Salt             string `json:"salt,omitempty"`
	IV               string `json:"iv,omitempty"`
}

type CreateResp struct {
	Message string `json:"message"`
	*domain.CreateResult
}

type LookupReq struct {
	ID string `json:"paste_id"`
}

type FlaggedResp struct {
	Error            string   `json:"error"`
	Code             string   `json:"code"`
	SecretCategories []string `json:"secret_types"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	limit := h.cfg.MaxPayloadSize*wireOverhead + 4096
	var req CreateReq
	if err := decodeJSON(w, r, limit, &req); err != nil {
		log.Warn().Err(err).Msg("invalid create request")
		writeErr(w, r, err)
		return
	}
	expiry := int64(h.cfg.DefaultExpiry.Seconds())
	if req.ExpirySeconds != nil {
		expiry = *req.ExpirySeconds
	}
	res, err := h.paste.Create(r.Context(), domain.CreateParams{
		ID:            req.ID,
		Content:       req.Content,
		IsEncrypted:   req.IsEncrypted || req.ContentEncrypted,
		ExpirySeconds: expiry,
		Salt:          req.Salt,
		IV:            req.IV,
	})
	if err != nil {
		log.Warn().Err(err).Int("status", domain.Status(err)).Msg("create failed")
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{
		Message:      "paste created",
		CreateResult: res,
	})
}

// LookupPaste is the POST form of retrieval; it keeps the id out of URLs
// and access logs.
func (h *Hdl) LookupPaste(w http.ResponseWriter, r *http.Request) {
	var req LookupReq
	if err := decodeJSON(w, r, maxLookupBody, &req); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("invalid lookup request")
		writeErr(w, r, err)
		return
	}
	h.retrieve(w, r, req.ID)
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	h.retrieve(w, r, chi.URLParam(r, "id"))
}

func (h *Hdl) retrieve(w http.ResponseWriter, r *http.Request, id string) {
	log := hlog.FromRequest(r)
	res, err := h.paste.Retrieve(r.Context(), id)
	if err != nil {
		ev := log.Info()
		if domain.Status(err) >= 500 {
			ev = log.Error()
		}
		ev.Err(err).Str("paste_id", util.RedactID(id)).Msg("retrieve failed")
		writeErr(w, r, err)
		return
	}
	if res.Flagged {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(FlaggedResp{
			Error:            "paste flagged as containing sensitive patterns",
			Code:             "SECRETS_WITHHELD",
			SecretCategories: res.SecretCategories,
		})
		return
	}
	json.NewEncoder(w).Encode(res)
}

func (h *Hdl) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.paste.Status(r.Context(), id)
	if err != nil {
		hlog.FromRequest(r).Info().Err(err).Str("paste_id", util.RedactID(id)).Msg("status failed")
		writeErr(w, r, err)
		return
	}
	json.NewEncoder(w).Encode(st)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst interface{}) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return errors.Wrap(domain.ErrInvalidRequest, "expected Content-Type: application/json")
	}
	if r.Header.Get("Content-Encoding") != "" {
		return errors.Wrap(domain.ErrInvalidRequest, "compressed bodies not accepted")
	}
	if r.ContentLength > limit {
		return errors.Wrapf(domain.ErrPayloadTooLarge, "content length %d", r.ContentLength)
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return errors.Wrap(domain.ErrPayloadTooLarge, "body exceeds limit")
		case err == io.EOF:
			return errors.Wrap(domain.ErrInvalidRequest, "empty body")
		default:
			return errors.Wrap(domain.ErrInvalidRequest, err.Error())
		}
	}
	return nil
}

// writeErr maps err onto its status. 5xx bodies carry no detail beyond the
// request id, except StorageUnavailable which tells callers a retry may work.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	requestID := util.GetRequestID(r.Context())
	status := domain.Status(err)
	detail := domain.ToResp(err).Error
	if status >= 500 && status != http.StatusServiceUnavailable {
		detail.Code = domain.ErrInternalServer.Code
		detail.Msg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      detail.Msg,
		"code":       detail.Code,
		"request_id": requestID,
	})
}
