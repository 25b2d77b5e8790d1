package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/kickchat/auth"
	"github.com/onnwee/kickchat/crypto"
)

// Values of oauth_tokens.encryption_version.
const (
	EncryptionNone   = 0
	EncryptionAESGCM = 1
)

// TokenStore persists OAuth credentials in oauth_tokens, one row per
// provider. With a Sealer the token columns are sealed; without one they are
// stored in plaintext.
type TokenStore struct {
	DB     *sql.DB
	Sealer crypto.Sealer
}

// UpsertOAuthToken stores creds for provider. The client secret is never stored.
func (s *TokenStore) UpsertOAuthToken(ctx context.Context, provider string, creds auth.OAuth) error {
	access, refresh := creds.AccessToken, creds.RefreshToken
	version, keyID := EncryptionNone, ""
	if s.Sealer != nil {
		var err error
		if access, err = crypto.SealString(s.Sealer, access, crypto.TokenContext(provider, "access_token")); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.SealString(s.Sealer, refresh, crypto.TokenContext(provider, "refresh_token")); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		version, keyID = EncryptionAESGCM, s.Sealer.KeyID()
	} else {
		slog.Warn("storing oauth token in plaintext, ENCRYPTION_KEY not configured",
			slog.String("provider", provider), slog.String("component", "db_tokens"))
	}

	var issued, expires sql.NullTime
	if !creds.IssuedAt.IsZero() {
		issued = sql.NullTime{Time: creds.IssuedAt, Valid: true}
	}
	if exp, ok := creds.ExpiresAt(); ok {
		expires = sql.NullTime{Time: exp, Valid: true}
	}

	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_in, issued_at, expires_at, scope, token_type, client_id, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_in=EXCLUDED.expires_in,
		    issued_at=EXCLUDED.issued_at,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    token_type=EXCLUDED.token_type,
		    client_id=EXCLUDED.client_id,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err := s.DB.ExecContext(ctx, q, provider, access, refresh, creds.ExpiresIn, issued, expires,
		creds.Scope, creds.TokenType, creds.ClientID, version, keyID)
	return err
}

// GetOAuthToken loads the stored credentials for provider. ok is false when
// no row exists.
func (s *TokenStore) GetOAuthToken(ctx context.Context, provider string) (creds auth.OAuth, ok bool, err error) {
	var (
		access, refresh            string
		scope, tokenType, clientID sql.NullString
		keyID                      sql.NullString
		expiresIn                  sql.NullInt64
		issued                     sql.NullTime
		version                    int
	)
	row := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(access_token,''), COALESCE(refresh_token,''), expires_in, issued_at, scope, token_type, client_id,
		        COALESCE(encryption_version, 0), encryption_key_id
		 FROM oauth_tokens WHERE provider = $1`, provider)
	err = row.Scan(&access, &refresh, &expiresIn, &issued, &scope, &tokenType, &clientID, &version, &keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.OAuth{}, false, nil
	}
	if err != nil {
		return auth.OAuth{}, false, err
	}

	switch version {
	case EncryptionNone:
	case EncryptionAESGCM:
		if s.Sealer == nil {
			return auth.OAuth{}, false, fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if keyID.Valid && keyID.String != "" && keyID.String != s.Sealer.KeyID() {
			return auth.OAuth{}, false, fmt.Errorf("token sealed with key %s, configured key is %s", keyID.String, s.Sealer.KeyID())
		}
		if access, err = crypto.OpenString(s.Sealer, access, crypto.TokenContext(provider, "access_token")); err != nil {
			return auth.OAuth{}, false, fmt.Errorf("decrypt access token: %w", err)
		}
		if refresh, err = crypto.OpenString(s.Sealer, refresh, crypto.TokenContext(provider, "refresh_token")); err != nil {
			return auth.OAuth{}, false, fmt.Errorf("decrypt refresh token: %w", err)
		}
	default:
		return auth.OAuth{}, false, fmt.Errorf("unknown encryption_version %d", version)
	}

	creds = auth.OAuth{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    expiresIn.Int64,
		Scope:        scope.String,
		TokenType:    tokenType.String,
		ClientID:     clientID.String,
	}
	if issued.Valid {
		creds.IssuedAt = issued.Time
	}
	return creds, true, nil
}

// SealPlaintext seals every row still stored with encryption_version 0,
// limited to provider when it is not empty. With dryRun it only counts them.
func (s *TokenStore) SealPlaintext(ctx context.Context, provider string, dryRun bool) (int, error) {
	if s.Sealer == nil {
		return 0, fmt.Errorf("no encryption key configured")
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT provider, COALESCE(access_token,''), COALESCE(refresh_token,'') FROM oauth_tokens
		 WHERE COALESCE(encryption_version,0) = 0 AND ($1 = '' OR provider = $1) ORDER BY provider`, provider)
	if err != nil {
		return 0, fmt.Errorf("failed to query plaintext tokens: %w", err)
	}
	type plain struct{ provider, access, refresh string }
	var pending []plain
	for rows.Next() {
		var p plain
		if err := rows.Scan(&p.provider, &p.access, &p.refresh); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan token row: %w", err)
		}
		pending = append(pending, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating token rows: %w", err)
	}
	if dryRun {
		for _, p := range pending {
			slog.Info("would seal token (dry-run)", slog.String("provider", p.provider))
		}
		return len(pending), nil
	}

	sealed := 0
	for _, p := range pending {
		if err := s.sealRow(ctx, p.provider, p.access, p.refresh); err != nil {
			return sealed, fmt.Errorf("seal %s: %w", p.provider, err)
		}
		slog.Info("sealed token", slog.String("provider", p.provider), slog.String("key_id", s.Sealer.KeyID()))
		sealed++
	}
	return sealed, nil
}

func (s *TokenStore) sealRow(ctx context.Context, provider, access, refresh string) error {
	encAccess, err := crypto.SealString(s.Sealer, access, crypto.TokenContext(provider, "access_token"))
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh, err := crypto.SealString(s.Sealer, refresh, crypto.TokenContext(provider, "refresh_token"))
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback on error is best effort
	res, err := tx.ExecContext(ctx,
		`UPDATE oauth_tokens SET access_token=$1, refresh_token=$2, encryption_version=$3, encryption_key_id=$4, updated_at=NOW()
		 WHERE provider=$5 AND COALESCE(encryption_version,0) = 0`,
		encAccess, encRefresh, EncryptionAESGCM, s.Sealer.KeyID(), provider)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (token may have been modified concurrently)", n)
	}
	return tx.Commit()
}

// TokenStoreAdapter binds a TokenStore to one provider. It is the guard's
// default persistence action.
type TokenStoreAdapter struct {
	Store    *TokenStore
	Provider string
}

var _ auth.TokenPersister = (*TokenStoreAdapter)(nil)

// SaveOAuth implements auth.TokenPersister.
func (a *TokenStoreAdapter) SaveOAuth(ctx context.Context, creds auth.OAuth) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.Store.UpsertOAuthToken(ctx, a.Provider, creds)
}

// LoadOAuth returns the stored credentials, if any.
func (a *TokenStoreAdapter) LoadOAuth(ctx context.Context) (auth.OAuth, bool, error) {
	return a.Store.GetOAuthToken(ctx, a.Provider)
}
