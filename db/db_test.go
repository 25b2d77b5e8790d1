package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/kickchat/auth"
	"github.com/onnwee/kickchat/crypto"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	db, err := Connect(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testSealer(t *testing.T) crypto.Sealer {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	s, err := crypto.NewAESGCM(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func uniqueProvider(t *testing.T) string {
	return "test-" + strings.ReplaceAll(t.Name(), "/", "-") + "-" + time.Now().Format("150405.000000")
}

func TestMigrateIdempotent(t *testing.T) {
	db := setupTestDB(t)
	for i := 0; i < 3; i++ {
		if err := Migrate(context.Background(), db); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}
}

func TestTokenStoreSealedRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	provider := uniqueProvider(t)
	store := &TokenStore{DB: db, Sealer: testSealer(t)}
	issued := time.Now().UTC().Truncate(time.Second)
	want := auth.OAuth{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresIn:    3600,
		IssuedAt:     issued,
		Scope:        "chat:write",
		TokenType:    "Bearer",
		ClientID:     "client",
		ClientSecret: "never-stored",
	}
	if err := store.UpsertOAuthToken(ctx, provider, want); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var rawAccess string
	var version int
	if err := db.QueryRow(`SELECT access_token, encryption_version FROM oauth_tokens WHERE provider=$1`, provider).Scan(&rawAccess, &version); err != nil {
		t.Fatal(err)
	}
	if version != EncryptionAESGCM || rawAccess == "access-1" {
		t.Fatalf("stored version=%d access=%q, want sealed", version, rawAccess)
	}

	got, ok, err := store.GetOAuthToken(ctx, provider)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.AccessToken != "access-1" || got.RefreshToken != "refresh-1" || got.ExpiresIn != 3600 {
		t.Errorf("got %+v", got)
	}
	if !got.IssuedAt.Equal(issued) {
		t.Errorf("IssuedAt = %v, want %v", got.IssuedAt, issued)
	}
	if got.ClientSecret != "" {
		t.Error("client secret was persisted")
	}

	plain := &TokenStore{DB: db}
	if _, _, err := plain.GetOAuthToken(ctx, provider); err == nil {
		t.Error("reading sealed row without a key succeeded")
	}
}

func TestTokenStoreMissing(t *testing.T) {
	db := setupTestDB(t)
	store := &TokenStore{DB: db}
	_, ok, err := store.GetOAuthToken(context.Background(), uniqueProvider(t))
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v, want not found", ok, err)
	}
}

func TestSealPlaintext(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	provider := uniqueProvider(t)
	if err := (&TokenStore{DB: db}).UpsertOAuthToken(ctx, provider, auth.OAuth{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}
	sealed := &TokenStore{DB: db, Sealer: testSealer(t)}

	n, err := sealed.SealPlaintext(ctx, provider, true)
	if err != nil || n < 1 {
		t.Fatalf("dry run n=%d err=%v", n, err)
	}
	var version int
	_ = db.QueryRow(`SELECT encryption_version FROM oauth_tokens WHERE provider=$1`, provider).Scan(&version)
	if version != EncryptionNone {
		t.Fatalf("dry run changed version to %d", version)
	}

	if _, err := sealed.SealPlaintext(ctx, provider, false); err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, ok, err := sealed.GetOAuthToken(ctx, provider)
	if err != nil || !ok || got.AccessToken != "a" || got.RefreshToken != "r" {
		t.Fatalf("after seal got %+v ok=%v err=%v", got, ok, err)
	}
}

func TestTokenStoreAdapter(t *testing.T) {
	db := setupTestDB(t)
	a := &TokenStoreAdapter{Store: &TokenStore{DB: db}, Provider: uniqueProvider(t)}
	ctx := context.Background()
	if err := a.SaveOAuth(ctx, auth.OAuth{AccessToken: "x", RefreshToken: "y"}); err != nil {
		t.Fatal(err)
	}
	got, ok, err := a.LoadOAuth(ctx)
	if err != nil || !ok || got.AccessToken != "x" {
		t.Fatalf("got %+v ok=%v err=%v", got, ok, err)
	}
}

func TestChatMessageLog(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	room := time.Now().UnixNano()
	row := ChatRow{MessageID: "m-" + uniqueProvider(t), ChatroomID: room, SenderID: 7, Username: "alice", Content: "hi", MessageType: "message", SentAt: time.Now().UTC()}

	inserted, err := InsertChatMessage(ctx, db, row)
	if err != nil || !inserted {
		t.Fatalf("insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = InsertChatMessage(ctx, db, row)
	if err != nil || inserted {
		t.Fatalf("duplicate insert: inserted=%v err=%v", inserted, err)
	}

	ok, err := MarkChatMessageDeleted(ctx, db, row.MessageID)
	if err != nil || !ok {
		t.Fatalf("mark deleted: ok=%v err=%v", ok, err)
	}
	if ok, _ := MarkChatMessageDeleted(ctx, db, "does-not-exist"); ok {
		t.Error("unknown id reported as deleted")
	}

	rows, err := RecentChatMessages(ctx, db, room, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || !rows[0].Deleted || rows[0].Username != "alice" {
		t.Fatalf("rows = %+v", rows)
	}
}
