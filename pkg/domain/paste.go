package domain

import (
	"regexp"
	"time"
)

const (
	// InlineThreshold is the largest payload kept inside the metadata record.
	InlineThreshold = 4096
	// MaxPayloadSize is the absolute ceiling on decoded payload bytes.
	MaxPayloadSize = 1 << 20
	MinIDLength    = 10
	MaxIDLength    = 50
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{10,50}$`)

// ValidID reports whether id is usable as a paste key.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

type Tier int

const (
	TierInline Tier = iota
	TierBlob
)

func (t Tier) String() string {
	if t == TierBlob {
		return "blob"
	}
	return "inline"
}

// SelectTier places payloads larger than InlineThreshold in the blob store.
func SelectTier(size int) Tier {
	if size > InlineThreshold {
		return TierBlob
	}
	return TierInline
}

// Paste is the metadata record. Content holds plaintext, or base64 ciphertext
// when IsEncrypted; BlobRef replaces it for payloads above InlineThreshold.
type Paste struct {
	ID               string    `json:"paste_id"`
	ExpiresAt        time.Time `json:"expires_at"`
	Consumed         bool      `json:"used"`
	IsEncrypted      bool      `json:"encrypted"`
	Content          *string   `json:"content,omitempty"`
	BlobRef          string    `json:"s3_key,omitempty"`
	SecretFlag       bool      `json:"has_secrets,omitempty"`
	SecretCategories []string  `json:"secret_types,omitempty"`
	Salt             string    `json:"salt,omitempty"`
	IV               string    `json:"iv,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	Size             int       `json:"size"`
}

func (p *Paste) Tier() Tier {
	if p.BlobRef != "" {
		return TierBlob
	}
	return TierInline
}

// ExpiredAt reports whether the paste is unreadable at now.
func (p *Paste) ExpiredAt(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

type CreateParams struct {
	ID            string
	Content       string
	IsEncrypted   bool
	ExpirySeconds int64
	Salt          string
	IV            string
}

type CreateResult struct {
	ID               string   `json:"paste_id"`
	ExpirySeconds    int64    `json:"expiry_seconds"`
	ContentLength    int      `json:"content_length"`
	SecretDetected   bool     `json:"secrets_detected"`
	SecretCategories []string `json:"secret_types"`
}

// RetrieveResult is either the paste content or, when Flagged, only the
// detected categories.
type RetrieveResult struct {
	ID               string   `json:"paste_id"`
	IsEncrypted      bool     `json:"encrypted"`
	Content          string   `json:"content,omitempty"`
	Salt             string   `json:"salt,omitempty"`
	IV               string   `json:"iv,omitempty"`
	Flagged          bool     `json:"-"`
	SecretCategories []string `json:"secret_types,omitempty"`
}

// PasteStatus is the non-consuming view of a paste.
type PasteStatus struct {
	ID               string    `json:"paste_id"`
	IsEncrypted      bool      `json:"encrypted"`
	Consumed         bool      `json:"used"`
	Expired          bool      `json:"expired"`
	ExpiresAt        time.Time `json:"expires_at"`
	Tier             string    `json:"tier"`
	Size             int       `json:"size"`
	SecretDetected   bool      `json:"secrets_detected"`
	SecretCategories []string  `json:"secret_types,omitempty"`
}
