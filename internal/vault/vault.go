// Package vault implements the credential vault (C2): the encrypted store
// of per-user, per-provider link state. Ported from
// PlatformManager.link_provider's auth-kind validation (manager.py) and
// ThetaCredentials / BaseThetaProvider.link / unlink (platform/base.py).
// Soft-delete + insert (never in-place update) is enforced by wrapping both
// statements in one transaction, so concurrent readers always see a
// complete row.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/rs/zerolog/log"

	"github.com/thetahealth/mirobody-sub002/internal/crypto"
)

// AuthKind identifies the shape of a credential bundle, matching
// constants.py's LinkType enum restricted to the kinds the vault persists.
type AuthKind string

const (
	AuthPassword   AuthKind = "password"
	AuthOAuth1     AuthKind = "oauth1"
	AuthOAuth2     AuthKind = "oauth2"
	AuthCustomized AuthKind = "customized"

	// AuthNone marks providers that need no stored credential at all
	// (Apple Health export ingestion). The vault never persists rows for
	// this kind.
	AuthNone AuthKind = "none"
)

// ErrInvalidBundle is returned when a credential bundle fails structural
// validation for its declared AuthKind.
var ErrInvalidBundle = errors.New("vault: invalid credential bundle")

// ErrNoCredential is returned by GetCredentials when no usable credential
// exists for the pair, including when the stored blob fails to decrypt.
var ErrNoCredential = errors.New("vault: no credential")

// Bundle is the tagged-union credential payload, serialized to one JSON blob
// before encryption regardless of Kind — matching ThetaCredentials.
type Bundle struct {
	Kind AuthKind `json:"kind"`

	// password
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// oauth1
	OAuth1Token  string `json:"oauth1_token,omitempty"`
	OAuth1Secret string `json:"oauth1_secret,omitempty"`

	// oauth2
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`

	// customized
	ConnectInfo json.RawMessage `json:"connect_info,omitempty"`
}

// Validate checks structural completeness per AuthKind, matching the
// per-auth_type checks in PlatformManager.link_provider's auth_type_map
// dispatch.
func (b Bundle) Validate() error {
	switch b.Kind {
	case AuthPassword:
		if govalidator.IsNull(b.Username) || govalidator.IsNull(b.Password) {
			return fmt.Errorf("%w: password auth requires username and password", ErrInvalidBundle)
		}
	case AuthOAuth1:
		if govalidator.IsNull(b.OAuth1Token) || govalidator.IsNull(b.OAuth1Secret) {
			return fmt.Errorf("%w: oauth1 auth requires token and secret", ErrInvalidBundle)
		}
	case AuthOAuth2:
		if govalidator.IsNull(b.AccessToken) {
			return fmt.Errorf("%w: oauth2 auth requires an access token", ErrInvalidBundle)
		}
	case AuthCustomized:
		if len(b.ConnectInfo) == 0 || !govalidator.IsJSON(string(b.ConnectInfo)) {
			return fmt.Errorf("%w: customized auth requires a JSON connect_info", ErrInvalidBundle)
		}
	default:
		return fmt.Errorf("%w: unknown auth kind %q", ErrInvalidBundle, b.Kind)
	}
	return nil
}

// LinkSummary is one entry of ListUserLinks' result.
type LinkSummary struct {
	Provider  string
	AuthKind  AuthKind
	LLMAccess int
	Reconnect bool
}

// UserCredential pairs a decrypted bundle with the user it belongs to, as
// returned by ListCredentialsForProvider. The pull engine needs the user id
// both to tag pushed payloads and to write refreshed tokens back.
type UserCredential struct {
	UserID string
	Bundle Bundle
}

const vaultKeyPurpose = "vault:credentials"

var linksTable exp.IdentifierExpression = goqu.T("pulse_links")

// Vault is the credential store. It derives its own AES-256-GCM key from
// the process CryptoManager's master key via HKDF, so the raw master key is
// never used to encrypt credentials directly.
type Vault struct {
	db   *sql.DB
	goqu *goqu.Database
	gcm  cipher.AEAD
}

// New builds a Vault over sqlDB, deriving its encryption sub-key from cm.
func New(sqlDB *sql.DB, cm *crypto.CryptoManager) (*Vault, error) {
	subKey, err := cm.DeriveKey(vaultKeyPurpose, 32)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	block, err := aes.NewCipher(subKey)
	if err != nil {
		return nil, fmt.Errorf("vault: build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: build gcm: %w", err)
	}

	return &Vault{
		db:   sqlDB,
		goqu: goqu.New("postgres", sqlDB),
		gcm:  gcm,
	}, nil
}

func (v *Vault) encrypt(bundle Bundle) (string, error) {
	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("vault: marshal bundle: %w", err)
	}

	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}
	sealed := v.gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (v *Vault) decrypt(blob string) (Bundle, error) {
	var bundle Bundle
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return bundle, fmt.Errorf("vault: decode blob: %w", err)
	}
	nonceSize := v.gcm.NonceSize()
	if len(raw) < nonceSize {
		return bundle, errors.New("vault: ciphertext too short")
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return bundle, fmt.Errorf("vault: decrypt: %w", err)
	}
	if err := json.Unmarshal(plaintext, &bundle); err != nil {
		return bundle, fmt.Errorf("vault: unmarshal bundle: %w", err)
	}
	return bundle, nil
}

// SaveLink soft-deletes the prior non-deleted row for (userID, provider), if
// any, then inserts a fresh row (reconnect=false, deleted=false) with the
// encrypted bundle, both within one transaction.
func (v *Vault) SaveLink(ctx context.Context, userID, provider string, authKind AuthKind, bundle Bundle) error {
	bundle.Kind = authKind
	if err := bundle.Validate(); err != nil {
		return err
	}

	blob, err := v.encrypt(bundle)
	if err != nil {
		return err
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vault: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	softDeleteQuery, _, err := v.goqu.Update(linksTable).
		Set(goqu.Record{"deleted_flag": true, "updated_at": time.Now().UTC()}).
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.I("provider_slug").Eq(provider),
			goqu.I("deleted_flag").Eq(false),
		).
		ToSQL()
	if err != nil {
		return fmt.Errorf("vault: build soft-delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, softDeleteQuery); err != nil {
		return fmt.Errorf("vault: soft-delete prior link: %w", err)
	}

	now := time.Now().UTC()
	insertQuery, _, err := v.goqu.Insert(linksTable).Rows(goqu.Record{
		"user_id":         userID,
		"provider_slug":   provider,
		"auth_kind":       string(authKind),
		"credential_blob": blob,
		"llm_access":      0,
		"reconnect_flag":  false,
		"deleted_flag":    false,
		"expires_at":      nullableTime(bundle.ExpiresAt),
		"created_at":      now,
		"updated_at":      now,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("vault: build insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
		return fmt.Errorf("vault: insert link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vault: commit: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// GetCredentials returns the decrypted bundle for (userID, provider,
// authKind), or ErrNoCredential if absent, soft-deleted, or the blob fails
// to decrypt — a decryption failure is logged and treated identically to
// "no credential", never surfacing raw ciphertext or a partial bundle.
func (v *Vault) GetCredentials(ctx context.Context, userID, provider string, authKind AuthKind) (Bundle, error) {
	query, _, err := v.goqu.From(linksTable).
		Select("credential_blob").
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.I("provider_slug").Eq(provider),
			goqu.I("auth_kind").Eq(string(authKind)),
			goqu.I("deleted_flag").Eq(false),
		).
		Order(goqu.I("created_at").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return Bundle{}, fmt.Errorf("vault: build get: %w", err)
	}

	var blob string
	if err := v.db.QueryRowContext(ctx, query).Scan(&blob); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bundle{}, ErrNoCredential
		}
		return Bundle{}, fmt.Errorf("vault: query get: %w", err)
	}

	bundle, err := v.decrypt(blob)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Str("provider", provider).Msg("vault: decryption failed, treating as no credential")
		return Bundle{}, ErrNoCredential
	}
	return bundle, nil
}

// ListCredentialsForProvider iterates all non-deleted, non-reconnect rows
// for provider/authKind across every user, matching
// get_all_user_credentials_for_provider.
func (v *Vault) ListCredentialsForProvider(ctx context.Context, provider string, authKind AuthKind) ([]UserCredential, error) {
	query, _, err := v.goqu.From(linksTable).
		Select("user_id", "credential_blob").
		Where(
			goqu.I("provider_slug").Eq(provider),
			goqu.I("auth_kind").Eq(string(authKind)),
			goqu.I("deleted_flag").Eq(false),
			goqu.I("reconnect_flag").Eq(false),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("vault: build list: %w", err)
	}

	rows, err := v.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vault: query list: %w", err)
	}
	defer rows.Close()

	var out []UserCredential
	for rows.Next() {
		var userID, blob string
		if err := rows.Scan(&userID, &blob); err != nil {
			return nil, fmt.Errorf("vault: scan list row: %w", err)
		}
		bundle, err := v.decrypt(blob)
		if err != nil {
			log.Warn().Err(err).Str("provider", provider).Str("user_id", userID).Msg("vault: skipping row with undecryptable blob")
			continue
		}
		out = append(out, UserCredential{UserID: userID, Bundle: bundle})
	}
	return out, rows.Err()
}

// RequireRelink handles a terminal auth failure: the active row is
// soft-deleted and flagged for reconnect in one statement, so the next pull
// finds no credential and the row no longer appears in ListUserLinks: the
// provider listing reports the provider as not connected until the user
// completes a fresh link.
func (v *Vault) RequireRelink(ctx context.Context, userID, provider string) error {
	query, _, err := v.goqu.Update(linksTable).
		Set(goqu.Record{"reconnect_flag": true, "deleted_flag": true, "updated_at": time.Now().UTC()}).
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.I("provider_slug").Eq(provider),
			goqu.I("deleted_flag").Eq(false),
		).
		ToSQL()
	if err != nil {
		return fmt.Errorf("vault: build require relink: %w", err)
	}
	if _, err := v.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("vault: exec require relink: %w", err)
	}
	return nil
}

// MarkReconnect flags the active link so the user must re-link before the
// provider is pulled again. Used on terminal auth failures (a vendor
// rejecting the access token mid-pull with 401/403); the flagged row is
// excluded from ListCredentialsForProvider.
func (v *Vault) MarkReconnect(ctx context.Context, userID, provider string) error {
	query, _, err := v.goqu.Update(linksTable).
		Set(goqu.Record{"reconnect_flag": true, "updated_at": time.Now().UTC()}).
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.I("provider_slug").Eq(provider),
			goqu.I("deleted_flag").Eq(false),
		).
		ToSQL()
	if err != nil {
		return fmt.Errorf("vault: build mark reconnect: %w", err)
	}
	if _, err := v.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("vault: exec mark reconnect: %w", err)
	}
	return nil
}

// DeleteLink soft-deletes the active link for (userID, provider).
func (v *Vault) DeleteLink(ctx context.Context, userID, provider string) error {
	query, _, err := v.goqu.Update(linksTable).
		Set(goqu.Record{"deleted_flag": true, "updated_at": time.Now().UTC()}).
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.I("provider_slug").Eq(provider),
			goqu.I("deleted_flag").Eq(false),
		).
		ToSQL()
	if err != nil {
		return fmt.Errorf("vault: build delete: %w", err)
	}
	if _, err := v.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("vault: exec delete: %w", err)
	}
	return nil
}

// SetLLMAccess updates the llm_access level for the active link.
func (v *Vault) SetLLMAccess(ctx context.Context, userID, provider string, level int) error {
	query, _, err := v.goqu.Update(linksTable).
		Set(goqu.Record{"llm_access": level, "updated_at": time.Now().UTC()}).
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.I("provider_slug").Eq(provider),
			goqu.I("deleted_flag").Eq(false),
		).
		ToSQL()
	if err != nil {
		return fmt.Errorf("vault: build set llm access: %w", err)
	}
	if _, err := v.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("vault: exec set llm access: %w", err)
	}
	return nil
}

// UpdateOAuth2Tokens refreshes the stored oauth2 bundle via SaveLink, which
// is idempotent: soft-delete-and-insert makes a token refresh look like any
// other link update to readers.
func (v *Vault) UpdateOAuth2Tokens(ctx context.Context, userID, provider, accessToken, refreshToken string, expiresAt time.Time) error {
	return v.SaveLink(ctx, userID, provider, AuthOAuth2, Bundle{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	})
}

// ListUserLinks returns every active link for userID, keyed by provider.
func (v *Vault) ListUserLinks(ctx context.Context, userID string) (map[string]LinkSummary, error) {
	query, _, err := v.goqu.From(linksTable).
		Select("provider_slug", "auth_kind", "llm_access", "reconnect_flag").
		Where(
			goqu.I("user_id").Eq(userID),
			goqu.I("deleted_flag").Eq(false),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("vault: build list user links: %w", err)
	}

	rows, err := v.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vault: query list user links: %w", err)
	}
	defer rows.Close()

	out := make(map[string]LinkSummary)
	for rows.Next() {
		var provider, authKind string
		var llmAccess int
		var reconnect bool
		if err := rows.Scan(&provider, &authKind, &llmAccess, &reconnect); err != nil {
			return nil, fmt.Errorf("vault: scan list user links row: %w", err)
		}
		out[provider] = LinkSummary{Provider: provider, AuthKind: AuthKind(authKind), LLMAccess: llmAccess, Reconnect: reconnect}
	}
	return out, rows.Err()
}
