// Package kms wraps the data keys that protect locally stored blobs, and
// fetches deployment secrets. Providers are tried in order Vault transit,
// AWS KMS, then a local key from KMS_LOCAL_KEY.
package kms

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrRequiresPrimary     = errors.New("KMS_REQUIRE_PRIMARY is enabled, cannot use fallback provider")
)

type EncryptionContext map[string]string

type Provider interface {
	EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) (ciphertext []byte, err error)
	DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) (plaintext []byte, err error)
	GetSecret(ctx context.Context, key string) (value string, err error)
}

type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.ToLower(os.Getenv("KMS_REQUIRE_PRIMARY")) == "true"
	var primary, fallback Provider
	if os.Getenv("VAULT_ADDR") != "" {
		if vp, err := newVaultProvider(ctx); err == nil {
			primary = vp
		}
	}
	if primary == nil && os.Getenv("KMS_MASTER_KEY_ID") != "" {
		if ap, err := newAWSProvider(ctx); err == nil {
			primary = ap
		}
	}
	if !requirePrimary && primary == nil {
		if envKey := os.Getenv("KMS_LOCAL_KEY"); envKey != "" {
			ep, err := newEnvProvider(envKey)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize env provider: %w", err)
			}
			fallback = ep
		}
	}
	if primary == nil && fallback == nil {
		if requirePrimary {
			return nil, fmt.Errorf("KMS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS KMS)")
		}
		return nil, fmt.Errorf("no KMS providers available (checked Vault, AWS KMS, env)")
	}
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     os.Getenv("KMS_FAIL_CLOSED") != "false",
		requirePrimary: requirePrimary,
	}, nil
}

// do runs op against the primary provider and, when policy allows, the fallback.
func (a *Adapter) do(name string, op func(Provider) error) error {
	if a.primary != nil {
		err := op(a.primary)
		if err == nil {
			return nil
		}
		if a.requirePrimary {
			return fmt.Errorf("primary KMS %s failed (KMS_REQUIRE_PRIMARY=true): %w", name, err)
		}
		if a.failClosed {
			return fmt.Errorf("kms %s failed (fail-closed): %w", name, err)
		}
	}
	if a.fallback != nil {
		return op(a.fallback)
	}
	return ErrProviderUnavailable
}

func (a *Adapter) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return a.EncryptWithContext(ctx, plaintext, nil)
}
func (a *Adapter) EncryptWithContext(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	contextBytes := serializeEncryptionContext(encContext)
	var out []byte
	err := a.do("encrypt", func(p Provider) error {
		var err error
		out, err = p.EncryptWithContext(ctx, plaintext, contextBytes)
		return err
	})
	return out, err
}
func (a *Adapter) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return a.DecryptWithContext(ctx, ciphertext, nil)
}
func (a *Adapter) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	contextBytes := serializeEncryptionContext(encContext)
	var out []byte
	err := a.do("decrypt", func(p Provider) error {
		var err error
		out, err = p.DecryptWithContext(ctx, ciphertext, contextBytes)
		return err
	})
	return out, err
}

// GetSecret reads a deployment secret such as a redis password.
func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	var out string
	err := a.do("get secret", func(p Provider) error {
		v, err := p.GetSecret(ctx, key)
		if err == nil && v == "" {
			err = fmt.Errorf("secret %s is empty", key)
		}
		out = v
		return err
	})
	return out, err
}

func serializeEncryptionContext(ctx EncryptionContext) []byte {
	if len(ctx) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ctx[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}

type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	keyID      string
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultProvider{
		client:     client,
		mountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "transit"),
		keyID:      getEnvOrDefault("VAULT_KEY_ID", "psst-blob"),
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/psst"),
	}, nil
}

func (v *vaultProvider) EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error) {
	data := map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	if len(encContext) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(encContext)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/encrypt/%s", v.mountPath, v.keyID), data)
	if err != nil {
		return nil, err
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext not found")
	}
	return []byte(ciphertext), nil
}

func (v *vaultProvider) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error) {
	data := map[string]interface{}{
		"ciphertext": string(ciphertext),
	}
	if len(encContext) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(encContext)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, fmt.Sprintf("%s/decrypt/%s", v.mountPath, v.keyID), data)
	if err != nil {
		return nil, err
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext not found")
	}
	return base64.StdEncoding.DecodeString(plaintextB64)
}

func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/%s", v.secretPath, key))
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	kmsClient *kms.Client
	smClient  *secretsmanager.Client
	keyID     string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		kmsClient: kms.NewFromConfig(cfg),
		smClient:  secretsmanager.NewFromConfig(cfg),
		keyID:     os.Getenv("KMS_MASTER_KEY_ID"),
	}, nil
}

func awsContext(encContext []byte) map[string]string {
	if len(encContext) == 0 {
		return nil
	}
	return map[string]string{"context": base64.StdEncoding.EncodeToString(encContext)}
}

func (a *awsProvider) EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error) {
	result, err := a.kmsClient.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             &a.keyID,
		Plaintext:         plaintext,
		EncryptionContext: awsContext(encContext),
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms encrypt failed: %w", err)
	}
	return result.CiphertextBlob, nil
}

func (a *awsProvider) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error) {
	result, err := a.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    ciphertext,
		EncryptionContext: awsContext(encContext),
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms decrypt failed: %w", err)
	}
	return result.Plaintext, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", key, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

type envProvider struct {
	aead cipher.AEAD
}

func newEnvProvider(key string) (*envProvider, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("KMS_LOCAL_KEY must be base64-encoded: %w", err)
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("KMS_LOCAL_KEY must be exactly 32 bytes when decoded (got %d bytes)", len(decoded))
	}
	block, err := aes.NewCipher(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &envProvider{aead: aead}, nil
}

func (e *envProvider) EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plaintext, encContext), nil
}

func (e *envProvider) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	return e.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], encContext)
}

func (e *envProvider) GetSecret(ctx context.Context, key string) (string, error) {
	val, exists := os.LookupEnv(key)
	if !exists {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return val, nil
}

func GenerateDEK() ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	return dek, nil
}

// AEADSeal encrypts with XChaCha20-Poly1305, binding aad to the ciphertext.
func AEADSeal(plaintext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}
func AEADOpen(ciphertext, dek, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return aead.Open(nil, nonce, ciphertext, aad)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
