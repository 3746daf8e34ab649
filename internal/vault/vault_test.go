package vault

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetahealth/mirobody-sub002/internal/crypto"

	_ "modernc.org/sqlite"
)

func openTestVault(t *testing.T) *Vault {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	_, err = sqlDB.Exec(`CREATE TABLE pulse_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT, provider_slug TEXT, auth_kind TEXT,
		credential_blob TEXT, llm_access INTEGER, reconnect_flag INTEGER,
		deleted_flag INTEGER, expires_at TIMESTAMP, created_at TIMESTAMP, updated_at TIMESTAMP
	)`)
	require.NoError(t, err)

	cm, err := crypto.NewCryptoManagerAt(t.TempDir())
	require.NoError(t, err)

	v, err := New(sqlDB, cm)
	require.NoError(t, err)
	return v
}

func TestSaveLinkAndGetCredentialsRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t)

	err := v.SaveLink(ctx, "u1", "whoop", AuthPassword, Bundle{Username: "alice", Password: "s3cret"})
	require.NoError(t, err)

	bundle, err := v.GetCredentials(ctx, "u1", "whoop", AuthPassword)
	require.NoError(t, err)
	assert.Equal(t, "alice", bundle.Username)
	assert.Equal(t, "s3cret", bundle.Password)
}

func TestSaveLinkRejectsIncompleteBundle(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t)

	err := v.SaveLink(ctx, "u1", "whoop", AuthPassword, Bundle{Username: "alice"})
	require.ErrorIs(t, err, ErrInvalidBundle)
}

func TestSaveLinkSoftDeletesPriorRow(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t)

	require.NoError(t, v.SaveLink(ctx, "u1", "whoop", AuthPassword, Bundle{Username: "alice", Password: "first"}))
	require.NoError(t, v.SaveLink(ctx, "u1", "whoop", AuthPassword, Bundle{Username: "alice", Password: "second"}))

	var activeCount int
	err := v.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pulse_links WHERE user_id='u1' AND provider_slug='whoop' AND deleted_flag=0`).Scan(&activeCount)
	require.NoError(t, err)
	assert.Equal(t, 1, activeCount, "exactly one non-deleted row per (user_id, provider)")

	bundle, err := v.GetCredentials(ctx, "u1", "whoop", AuthPassword)
	require.NoError(t, err)
	assert.Equal(t, "second", bundle.Password, "the most recent save wins")
}

func TestGetCredentialsReturnsErrNoCredentialWhenAbsent(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t)

	_, err := v.GetCredentials(ctx, "ghost", "whoop", AuthPassword)
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestGetCredentialsTreatsCorruptBlobAsNoCredential(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t)

	now := time.Now().UTC()
	_, err := v.db.ExecContext(ctx, `INSERT INTO pulse_links
		(user_id, provider_slug, auth_kind, credential_blob, llm_access, reconnect_flag, deleted_flag, created_at, updated_at)
		VALUES ('u2', 'whoop', 'password', 'not-valid-base64-ciphertext', 0, 0, 0, ?, ?)`, now, now)
	require.NoError(t, err)

	_, err = v.GetCredentials(ctx, "u2", "whoop", AuthPassword)
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestDeleteLinkSoftDeletes(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t)

	require.NoError(t, v.SaveLink(ctx, "u1", "whoop", AuthPassword, Bundle{Username: "alice", Password: "pw"}))
	require.NoError(t, v.DeleteLink(ctx, "u1", "whoop"))

	_, err := v.GetCredentials(ctx, "u1", "whoop", AuthPassword)
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestSetLLMAccessAndListUserLinks(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t)

	require.NoError(t, v.SaveLink(ctx, "u1", "whoop", AuthPassword, Bundle{Username: "alice", Password: "pw"}))
	require.NoError(t, v.SetLLMAccess(ctx, "u1", "whoop", 2))

	links, err := v.ListUserLinks(ctx, "u1")
	require.NoError(t, err)
	require.Contains(t, links, "whoop")
	assert.Equal(t, 2, links["whoop"].LLMAccess)
	assert.False(t, links["whoop"].Reconnect)
}

func TestUpdateOAuth2TokensPersistsViaSaveLink(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t)

	expires := time.Now().Add(time.Hour).UTC()
	require.NoError(t, v.UpdateOAuth2Tokens(ctx, "u1", "whoop", "access-1", "refresh-1", expires))

	bundle, err := v.GetCredentials(ctx, "u1", "whoop", AuthOAuth2)
	require.NoError(t, err)
	assert.Equal(t, "access-1", bundle.AccessToken)
	assert.Equal(t, "refresh-1", bundle.RefreshToken)
}

func TestListCredentialsForProviderExcludesReconnectAndDeleted(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t)

	require.NoError(t, v.SaveLink(ctx, "u1", "whoop", AuthPassword, Bundle{Username: "alice", Password: "pw"}))
	require.NoError(t, v.SaveLink(ctx, "u2", "whoop", AuthPassword, Bundle{Username: "bob", Password: "pw2"}))
	require.NoError(t, v.SaveLink(ctx, "u4", "whoop", AuthPassword, Bundle{Username: "dan", Password: "pw4"}))
	require.NoError(t, v.DeleteLink(ctx, "u4", "whoop"))

	now := time.Now().UTC()
	_, err := v.db.ExecContext(ctx, `INSERT INTO pulse_links
		(user_id, provider_slug, auth_kind, credential_blob, llm_access, reconnect_flag, deleted_flag, created_at, updated_at)
		VALUES ('u3', 'whoop', 'password', 'irrelevant', 0, 1, 0, ?, ?)`, now, now)
	require.NoError(t, err)

	creds, err := v.ListCredentialsForProvider(ctx, "whoop", AuthPassword)
	require.NoError(t, err)
	require.Len(t, creds, 2, "reconnect-flagged row must be excluded from the result")
	users := []string{creds[0].UserID, creds[1].UserID}
	assert.ElementsMatch(t, []string{"u1", "u2"}, users)
}

func TestMarkReconnectExcludesFromPullList(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t)

	require.NoError(t, v.SaveLink(ctx, "u1", "whoop", AuthOAuth2, Bundle{AccessToken: "at", RefreshToken: "rt"}))
	require.NoError(t, v.MarkReconnect(ctx, "u1", "whoop"))

	creds, err := v.ListCredentialsForProvider(ctx, "whoop", AuthOAuth2)
	require.NoError(t, err)
	assert.Empty(t, creds)

	links, err := v.ListUserLinks(ctx, "u1")
	require.NoError(t, err)
	require.Contains(t, links, "whoop")
	assert.True(t, links["whoop"].Reconnect)
}
