package svc

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"time"

	"psst/cfg"
	"psst/metrics"
	"psst/pkg/domain"
	"psst/pkg/scan"
	"psst/svc/blob"
	"psst/svc/cache"
	"psst/svc/db"
	"psst/svc/util"

	"github.com/pkg/errors"
)

// Paste runs the paste lifecycle: create, one-time retrieve, status and the
// development-only admin operations. It holds no per-paste state; one-time
// delivery rests on the metadata store's conditional consume.
type Paste struct {
	meta       db.MetaStore
	blobs      blob.Store
	tombs      *cache.Tombstones
	maxPayload int64
	minExpiry  time.Duration
	maxExpiry  time.Duration
	blobPrefix string
	now        func() time.Time
	shutdown   atomic.Bool
	opWg       sync.WaitGroup
}

func NewPaste(meta db.MetaStore, blobs blob.Store, tombs *cache.Tombstones, c *cfg.Cfg) *Paste {
	if meta == nil || blobs == nil || c == nil {
		panic("paste service: nil dependency (meta, blobs or cfg)")
	}
	maxPayload := c.MaxPayloadSize
	if maxPayload <= 0 {
		maxPayload = domain.MaxPayloadSize
	}
	return &Paste{
		meta:       meta,
		blobs:      blobs,
		tombs:      tombs,
		maxPayload: maxPayload,
		minExpiry:  c.MinExpiry,
		maxExpiry:  c.MaxExpiry,
		blobPrefix: c.BlobPrefix,
		now:        time.Now,
	}
}

// Shutdown rejects new operations and waits for in-flight ones.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		p.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("paste operations didn't finish in time")
	}
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return domain.ErrStorageUnavailable
	}
	p.opWg.Add(1)
	return nil
}

func storeErr(store, op string, err error) error {
	metrics.StoreErrors.WithLabelValues(store, op).Inc()
	return errors.Wrapf(domain.ErrStorageUnavailable, "%s %s: %v", store, op, err)
}

func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.CreateResult, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()

	if params.ID != "" && !domain.ValidID(params.ID) {
		return nil, domain.ErrInvalidIdentifier
	}
	expiry := time.Duration(params.ExpirySeconds) * time.Second
	if params.ExpirySeconds <= 0 || expiry < p.minExpiry || expiry > p.maxExpiry {
		return nil, domain.ErrInvalidExpiry
	}
	if params.Content == "" {
		return nil, domain.ErrContentRequired
	}
	payload, err := p.decodePayload(params)
	if err != nil {
		return nil, err
	}
	defer util.Wipe(payload)

	var categories []string
	if !params.IsEncrypted {
		categories = scan.Scan(params.Content)
	}

	id := params.ID
	if id == "" {
		id, err = util.GenID(func(candidate string) (bool, error) {
			return p.meta.Exists(ctx, candidate)
		})
		if err != nil {
			return nil, storeErr("meta", "exists", err)
		}
	}

	now := p.now()
	rec := &domain.Paste{
		ID:               id,
		CreatedAt:        time.Unix(now.Unix(), 0),
		ExpiresAt:        expiresAt(now, expiry),
		IsEncrypted:      params.IsEncrypted,
		SecretFlag:       len(categories) > 0,
		SecretCategories: categories,
		Size:             len(payload),
	}
	if params.IsEncrypted {
		rec.Salt, rec.IV = params.Salt, params.IV
	}

	tier := domain.SelectTier(len(payload))
	if tier == domain.TierBlob {
		rec.BlobRef = blob.Key(p.blobPrefix, id, params.IsEncrypted)
		// The blob goes first so a stored record never points at nothing.
		if err := p.blobs.Put(ctx, rec.BlobRef, payload, blob.ContentType(params.IsEncrypted)); err != nil {
			return nil, storeErr("blob", "put", err)
		}
	} else {
		content := params.Content
		if params.IsEncrypted {
			content = base64.StdEncoding.EncodeToString(payload)
		}
		rec.Content = &content
	}

	if err := p.meta.Put(ctx, rec); err != nil {
		if errors.Is(err, db.ErrExists) {
			return nil, domain.ErrIDConflict
		}
		if rec.BlobRef != "" {
			util.Warn().Str("id", util.RedactID(id)).Msg("metadata write failed after blob write; blob left for retention sweep")
		}
		return nil, storeErr("meta", "put", err)
	}
	p.tombs.Forget(id)

	metrics.PasteCreated.WithLabelValues(tier.String()).Inc()
	for _, c := range categories {
		metrics.SecretsDetected.WithLabelValues(c).Inc()
	}
	util.Info().
		Str("id", util.RedactID(id)).
		Str("tier", tier.String()).
		Int("size", len(payload)).
		Bool("encrypted", params.IsEncrypted).
		Strs("secret_types", categories).
		Msg("paste created")

	return &domain.CreateResult{
		ID:               id,
		ExpirySeconds:    params.ExpirySeconds,
		ContentLength:    len(payload),
		SecretDetected:   len(categories) > 0,
		SecretCategories: nonNil(categories),
	}, nil
}

// expiresAt rounds up to whole seconds, the precision every store keeps, so a
// paste is never unreadable before now+expiry.
func expiresAt(now time.Time, expiry time.Duration) time.Time {
	return now.Add(expiry).Add(time.Second - 1).Truncate(time.Second)
}

// decodePayload returns the bytes that will be stored, enforcing the size
// ceiling on the decoded length.
func (p *Paste) decodePayload(params domain.CreateParams) ([]byte, error) {
	if !params.IsEncrypted {
		if int64(len(params.Content)) > p.maxPayload {
			return nil, domain.ErrPayloadTooLarge
		}
		return []byte(params.Content), nil
	}
	if int64(base64.StdEncoding.DecodedLen(len(params.Content))) > p.maxPayload+2 {
		return nil, domain.ErrPayloadTooLarge
	}
	decoded, err := base64.StdEncoding.DecodeString(params.Content)
	if err != nil {
		return nil, domain.ErrInvalidEncoding
	}
	if int64(len(decoded)) > p.maxPayload {
		return nil, domain.ErrPayloadTooLarge
	}
	return decoded, nil
}

func (p *Paste) Retrieve(ctx context.Context, id string) (*domain.RetrieveResult, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()

	res, outcome, err := p.retrieve(ctx, id)
	metrics.PasteRetrieved.WithLabelValues(outcome).Inc()
	return res, err
}

func (p *Paste) retrieve(ctx context.Context, id string) (*domain.RetrieveResult, string, error) {
	if !domain.ValidID(id) {
		return nil, "invalid", domain.ErrInvalidIdentifier
	}
	now := p.now()
	if reason, ok := p.tombs.Lookup(id, now); ok {
		metrics.TombstoneHits.Inc()
		if reason == cache.Expired {
			return nil, "expired", domain.ErrExpired
		}
		return nil, "consumed", domain.ErrAlreadyConsumed
	}

	rec, err := p.meta.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, "not_found", domain.ErrNotFound
	}
	if err != nil {
		return nil, "storage_error", storeErr("meta", "get", err)
	}
	if rec.ExpiredAt(now) {
		p.tombs.Mark(id, cache.Expired, now, now.Add(time.Minute))
		return nil, "expired", domain.ErrExpired
	}
	if rec.Consumed {
		p.tombs.Mark(id, cache.Consumed, now, rec.ExpiresAt)
		return nil, "consumed", domain.ErrAlreadyConsumed
	}

	content, err := p.resolveContent(ctx, rec)
	if err != nil {
		util.Error().Err(err).Str("id", util.RedactID(id)).Str("blob_ref", rec.BlobRef).Msg("paste content unavailable")
		return nil, "content_unavailable", domain.ErrContentUnavailable
	}
	if rec.IsEncrypted && (rec.Salt == "" || rec.IV == "") {
		util.Error().Str("id", util.RedactID(id)).Bool("salt", rec.Salt != "").Bool("iv", rec.IV != "").Msg("encrypted paste missing salt or iv")
		return nil, "incomplete_encryption", domain.ErrIncompleteEncryption
	}

	if err := p.meta.Consume(ctx, id, now); err != nil {
		if errors.Is(err, db.ErrConditionFailed) {
			p.tombs.Mark(id, cache.Consumed, now, rec.ExpiresAt)
			return nil, "consumed", domain.ErrAlreadyConsumed
		}
		return nil, "storage_error", storeErr("meta", "consume", err)
	}
	p.tombs.Mark(id, cache.Consumed, now, rec.ExpiresAt)

	if rec.SecretFlag && !rec.IsEncrypted {
		util.Info().Str("id", util.RedactID(id)).Strs("secret_types", rec.SecretCategories).Msg("flagged paste consumed without serving content")
		return &domain.RetrieveResult{
			ID:               id,
			Flagged:          true,
			SecretCategories: nonNil(rec.SecretCategories),
		}, "flagged", nil
	}

	res := &domain.RetrieveResult{
		ID:          id,
		IsEncrypted: rec.IsEncrypted,
		Content:     content,
	}
	if rec.IsEncrypted {
		res.Salt, res.IV = rec.Salt, rec.IV
	}
	util.Info().Str("id", util.RedactID(id)).Str("tier", rec.Tier().String()).Int("size", rec.Size).Msg("paste retrieved")
	return res, "served", nil
}

// resolveContent returns the payload as returned to clients: plaintext, or
// base64 ciphertext for encrypted pastes.
func (p *Paste) resolveContent(ctx context.Context, rec *domain.Paste) (string, error) {
	if rec.BlobRef != "" {
		data, err := p.blobs.Get(ctx, rec.BlobRef)
		if err != nil {
			if !errors.Is(err, blob.ErrNotFound) {
				metrics.StoreErrors.WithLabelValues("blob", "get").Inc()
			}
			return "", errors.Wrap(err, "fetch blob")
		}
		if rec.IsEncrypted {
			return base64.StdEncoding.EncodeToString(data), nil
		}
		return string(data), nil
	}
	if rec.Content == nil {
		return "", errors.New("record has neither content nor blob reference")
	}
	return *rec.Content, nil
}

// Status reports a paste's metadata without consuming it. Expired and
// consumed records are reported, not rejected.
func (p *Paste) Status(ctx context.Context, id string) (*domain.PasteStatus, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if !domain.ValidID(id) {
		return nil, domain.ErrInvalidIdentifier
	}
	rec, err := p.meta.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("meta", "get", err)
	}
	return statusOf(rec, p.now()), nil
}

func statusOf(rec *domain.Paste, now time.Time) *domain.PasteStatus {
	return &domain.PasteStatus{
		ID:               rec.ID,
		IsEncrypted:      rec.IsEncrypted,
		Consumed:         rec.Consumed,
		Expired:          rec.ExpiredAt(now),
		ExpiresAt:        rec.ExpiresAt,
		Tier:             rec.Tier().String(),
		Size:             rec.Size,
		SecretDetected:   rec.SecretFlag,
		SecretCategories: nonNil(rec.SecretCategories),
	}
}

// List returns up to limit paste statuses. Development use only.
func (p *Paste) List(ctx context.Context, limit int) ([]*domain.PasteStatus, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	recs, err := p.meta.List(ctx, limit)
	if err != nil {
		return nil, storeErr("meta", "list", err)
	}
	now := p.now()
	out := make([]*domain.PasteStatus, 0, len(recs))
	for _, rec := range recs {
		out = append(out, statusOf(rec, now))
	}
	return out, nil
}

// Delete removes a paste record and, best effort, its blob. Development use only.
func (p *Paste) Delete(ctx context.Context, id string) error {
	if err := p.begin(); err != nil {
		return err
	}
	defer p.opWg.Done()
	if !domain.ValidID(id) {
		return domain.ErrInvalidIdentifier
	}
	rec, err := p.meta.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return storeErr("meta", "get", err)
	}
	if err := p.meta.Delete(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return domain.ErrNotFound
		}
		return storeErr("meta", "delete", err)
	}
	p.tombs.Forget(id)
	if rec.BlobRef != "" {
		if err := p.blobs.Delete(ctx, rec.BlobRef); err != nil {
			util.Warn().Err(err).Str("id", util.RedactID(id)).Msg("failed to delete blob; left for retention sweep")
		}
	}
	util.Info().Str("id", util.RedactID(id)).Msg("paste deleted by admin")
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
