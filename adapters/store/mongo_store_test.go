package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/layer-3/notary/core"
)

func TestMongoDocument_Conversion(t *testing.T) {
	at := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	record := newRecord("d1", alice, fp1, at)

	raw, err := bson.Marshal(fromCoreDocument(record))
	require.NoError(t, err)

	var fields bson.M
	require.NoError(t, bson.Unmarshal(raw, &fields))
	assert.NotContains(t, fields, "verified_at", "unset timestamps are omitted")
	assert.NotContains(t, fields, "revoked_at")

	var decoded mongoDocument
	require.NoError(t, bson.Unmarshal(raw, &decoded))
	got := decoded.toCore()
	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, core.DocumentPending, got.Status)
	assert.True(t, got.RegisteredAt.Equal(at))
	assert.Equal(t, time.UTC, got.RegisteredAt.Location())
	assert.Nil(t, got.VerifiedAt)
}

func TestWrapMongoErr(t *testing.T) {
	assert.ErrorIs(t, wrapMongoErr(fmt.Errorf("find: %w", context.DeadlineExceeded)), core.ErrTransient)

	plain := errors.New("bad filter")
	assert.Equal(t, plain, wrapMongoErr(plain))
}

func TestRetryOnDuplicate(t *testing.T) {
	duplicate := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}

	calls := 0
	v, err := retryOnDuplicate(func() (string, error) {
		calls++
		if calls == 1 {
			return "", duplicate
		}
		return "updated", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "updated", v)
	assert.Equal(t, 2, calls)

	calls = 0
	_, err = retryOnDuplicate(func() (string, error) {
		calls++
		return "", errors.New("bad filter")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "other errors are not retried")
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("NOTARY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("NOTARY_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	client, db, err := ConnectMongo(ctx, MongoConfig{URI: uri, Database: "notary_test_" + uuid.NewString()[:8]})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	s := NewMongoStore(db)
	require.NoError(t, s.EnsureIndexes(ctx))
	now := time.Now().UTC().Truncate(time.Millisecond)

	identity, err := s.UpsertOnLogin(ctx, &core.Identity{Address: alice, LastAuthenticatedAt: now})
	require.NoError(t, err)
	assert.Equal(t, core.RoleIndividual, identity.Role)
	_, err = s.SetRole(ctx, alice, core.RoleInstitute)
	require.NoError(t, err)
	identity, err = s.UpsertOnLogin(ctx, &core.Identity{Address: alice, LastAuthenticatedAt: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, core.RoleInstitute, identity.Role, "login keeps the assigned role")

	const carol = "0x3333333333333333333333333333333333333333"
	ids := make(chan string, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.UpsertOnLogin(ctx, &core.Identity{Address: carol, LastAuthenticatedAt: now})
			if assert.NoError(t, err, "concurrent first logins all succeed") {
				ids <- got.ID
			}
		}()
	}
	wg.Wait()
	close(ids)
	first := <-ids
	for id := range ids {
		assert.Equal(t, first, id)
	}

	require.NoError(t, s.CreateDocument(ctx, newRecord(uuid.NewString(), alice, fp1, now)))
	err = s.CreateDocument(ctx, newRecord(uuid.NewString(), alice, fp1, now))
	assert.ErrorIs(t, err, core.ErrDuplicateFingerprint)
	require.NoError(t, s.CreateDocument(ctx, newRecord(uuid.NewString(), bob, fp1, now)))

	verified, err := s.MarkDocumentVerified(ctx, alice, fp1, bob, now)
	require.NoError(t, err)
	assert.Equal(t, core.DocumentVerified, verified.Status)
	_, err = s.MarkDocumentVerified(ctx, alice, fp1, bob, now)
	assert.ErrorIs(t, err, core.ErrAlreadyVerified)

	_, err = s.RevokeDocument(ctx, alice, fp1, now)
	require.NoError(t, err)
	_, err = s.MarkDocumentVerified(ctx, alice, fp1, bob, now)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = s.GetDocument(ctx, alice, fp2)
	assert.ErrorIs(t, err, core.ErrDocumentNotFound)
}
