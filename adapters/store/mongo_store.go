package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/layer-3/notary/core"
)

const (
	identitiesCollection = "identities"
	documentsCollection  = "documents"
)

// MongoConfig captures the settings needed to reach MongoDB
type MongoConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// ConnectMongo creates a client, pings it and returns the selected database
func ConnectMongo(ctx context.Context, cfg MongoConfig) (*mongo.Client, *mongo.Database, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, client.Database(cfg.Database), nil
}

// MongoStore implements the identity and document stores on MongoDB.
// Uniqueness rests on the indexes created by EnsureIndexes.
type MongoStore struct {
	identities *mongo.Collection
	documents  *mongo.Collection
}

// NewMongoStore creates a store over db
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		identities: db.Collection(identitiesCollection),
		documents:  db.Collection(documentsCollection),
	}
}

// EnsureIndexes creates the unique indexes both collections rely on
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.identities.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "address", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("identity indexes: %w", err)
	}

	_, err = s.documents.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "owner_address", Value: 1}, {Key: "fingerprint", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "owner_address", Value: 1}, {Key: "registered_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("document indexes: %w", err)
	}
	return nil
}

type mongoIdentity struct {
	ID                  string    `bson:"_id"`
	Address             string    `bson:"address"`
	Role                string    `bson:"role"`
	DisplayName         string    `bson:"display_name"`
	Status              string    `bson:"status"`
	CreatedAt           time.Time `bson:"created_at"`
	LastAuthenticatedAt time.Time `bson:"last_authenticated_at"`
}

func (m mongoIdentity) toCore() *core.Identity {
	return &core.Identity{
		ID:                  m.ID,
		Address:             m.Address,
		Role:                core.Role(m.Role),
		DisplayName:         m.DisplayName,
		Status:              core.IdentityStatus(m.Status),
		CreatedAt:           m.CreatedAt.UTC(),
		LastAuthenticatedAt: m.LastAuthenticatedAt.UTC(),
	}
}

type mongoDocument struct {
	ID           string     `bson:"_id"`
	OwnerAddress string     `bson:"owner_address"`
	Fingerprint  string     `bson:"fingerprint"`
	DisplayName  string     `bson:"display_name"`
	Status       string     `bson:"status"`
	RegisteredAt time.Time  `bson:"registered_at"`
	VerifiedAt   *time.Time `bson:"verified_at,omitempty"`
	VerifiedBy   string     `bson:"verified_by,omitempty"`
	ExpiresAt    *time.Time `bson:"expires_at,omitempty"`
	RevokedAt    *time.Time `bson:"revoked_at,omitempty"`
}

func fromCoreDocument(d *core.DocumentRecord) mongoDocument {
	return mongoDocument{
		ID:           d.ID,
		OwnerAddress: d.OwnerAddress,
		Fingerprint:  d.Fingerprint,
		DisplayName:  d.DisplayName,
		Status:       string(d.Status),
		RegisteredAt: d.RegisteredAt,
		VerifiedAt:   d.VerifiedAt,
		VerifiedBy:   d.VerifiedBy,
		ExpiresAt:    d.ExpiresAt,
		RevokedAt:    d.RevokedAt,
	}
}

func (m mongoDocument) toCore() *core.DocumentRecord {
	return &core.DocumentRecord{
		ID:           m.ID,
		OwnerAddress: m.OwnerAddress,
		Fingerprint:  m.Fingerprint,
		DisplayName:  m.DisplayName,
		Status:       core.DocumentStatus(m.Status),
		RegisteredAt: m.RegisteredAt.UTC(),
		VerifiedAt:   utcPtr(m.VerifiedAt),
		VerifiedBy:   m.VerifiedBy,
		ExpiresAt:    utcPtr(m.ExpiresAt),
		RevokedAt:    utcPtr(m.RevokedAt),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// UpsertOnLogin creates the identity as Individual or refreshes an existing one
func (s *MongoStore) UpsertOnLogin(ctx context.Context, identity *core.Identity) (*core.Identity, error) {
	id := identity.ID
	if id == "" {
		id = uuid.New().String()
	}
	onInsert := bson.M{
		"_id":        id,
		"role":       string(core.RoleIndividual),
		"status":     string(core.IdentityActive),
		"created_at": identity.LastAuthenticatedAt,
	}
	set := bson.M{"last_authenticated_at": identity.LastAuthenticatedAt}
	if identity.DisplayName != "" {
		set["display_name"] = identity.DisplayName
	} else {
		onInsert["display_name"] = ""
	}

	upsert := func() (mongoIdentity, error) {
		var out mongoIdentity
		err := s.identities.FindOneAndUpdate(ctx,
			bson.M{"address": identity.Address},
			bson.M{"$set": set, "$setOnInsert": onInsert},
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&out)
		return out, err
	}
	out, err := retryOnDuplicate(upsert)
	if err != nil {
		return nil, fmt.Errorf("upsert identity: %w", wrapMongoErr(err))
	}
	return out.toCore(), nil
}

// GetIdentity returns the identity for a lowercase address
func (s *MongoStore) GetIdentity(ctx context.Context, address string) (*core.Identity, error) {
	var out mongoIdentity
	if err := s.identities.FindOne(ctx, bson.M{"address": address}).Decode(&out); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, core.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("find identity: %w", wrapMongoErr(err))
	}
	return out.toCore(), nil
}

// TouchIdentity advances LastAuthenticatedAt with $max so it never regresses
func (s *MongoStore) TouchIdentity(ctx context.Context, address string, at time.Time) error {
	res, err := s.identities.UpdateOne(ctx,
		bson.M{"address": address},
		bson.M{"$max": bson.M{"last_authenticated_at": at}},
	)
	if err != nil {
		return fmt.Errorf("touch identity: %w", wrapMongoErr(err))
	}
	if res.MatchedCount == 0 {
		return core.ErrIdentityNotFound
	}
	return nil
}

// SetRole assigns a role administratively
func (s *MongoStore) SetRole(ctx context.Context, address string, role core.Role) (*core.Identity, error) {
	var out mongoIdentity
	err := s.identities.FindOneAndUpdate(ctx,
		bson.M{"address": address},
		bson.M{"$set": bson.M{"role": string(role)}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, core.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("set role: %w", wrapMongoErr(err))
	}
	return out.toCore(), nil
}

// CreateDocument inserts a record; the unique index rejects a second registration
func (s *MongoStore) CreateDocument(ctx context.Context, record *core.DocumentRecord) error {
	if _, err := s.documents.InsertOne(ctx, fromCoreDocument(record)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return core.ErrDuplicateFingerprint
		}
		return fmt.Errorf("insert document: %w", wrapMongoErr(err))
	}
	return nil
}

// GetDocument returns a record by owner and fingerprint
func (s *MongoStore) GetDocument(ctx context.Context, owner, fingerprint string) (*core.DocumentRecord, error) {
	var out mongoDocument
	err := s.documents.FindOne(ctx, bson.M{"owner_address": owner, "fingerprint": fingerprint}).Decode(&out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, core.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("find document: %w", wrapMongoErr(err))
	}
	return out.toCore(), nil
}

// MarkDocumentVerified moves a Pending record to Verified
func (s *MongoStore) MarkDocumentVerified(ctx context.Context, owner, fingerprint, verifier string, at time.Time) (*core.DocumentRecord, error) {
	var out mongoDocument
	err := s.documents.FindOneAndUpdate(ctx,
		bson.M{"owner_address": owner, "fingerprint": fingerprint, "status": string(core.DocumentPending)},
		bson.M{"$set": bson.M{
			"status":      string(core.DocumentVerified),
			"verified_at": at,
			"verified_by": verifier,
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if err == nil {
		return out.toCore(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("verify document: %w", wrapMongoErr(err))
	}

	current, err := s.GetDocument(ctx, owner, fingerprint)
	if err != nil {
		return nil, err
	}
	if current.Status == core.DocumentVerified {
		return nil, core.ErrAlreadyVerified
	}
	return nil, core.ErrInvalidTransition
}

// RevokeDocument moves any record to Revoked; revoking twice is a no-op
func (s *MongoStore) RevokeDocument(ctx context.Context, owner, fingerprint string, at time.Time) (*core.DocumentRecord, error) {
	var out mongoDocument
	err := s.documents.FindOneAndUpdate(ctx,
		bson.M{
			"owner_address": owner,
			"fingerprint":   fingerprint,
			"status":        bson.M{"$ne": string(core.DocumentRevoked)},
		},
		bson.M{"$set": bson.M{"status": string(core.DocumentRevoked), "revoked_at": at}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if err == nil {
		return out.toCore(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("revoke document: %w", wrapMongoErr(err))
	}
	// Either missing or already revoked
	return s.GetDocument(ctx, owner, fingerprint)
}

// ListDocuments returns an owner's records, newest first
func (s *MongoStore) ListDocuments(ctx context.Context, owner string) ([]*core.DocumentRecord, error) {
	cur, err := s.documents.Find(ctx,
		bson.M{"owner_address": owner},
		options.Find().SetSort(bson.D{{Key: "registered_at", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", wrapMongoErr(err))
	}
	defer cur.Close(ctx)

	var docs []mongoDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode documents: %w", wrapMongoErr(err))
	}
	out := make([]*core.DocumentRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toCore())
	}
	return out, nil
}

// retryOnDuplicate runs op a second time when the first attempt lost an
// upsert race to a concurrent insert of the same unique key. On the retry the
// filter matches the winner's document and the update applies.
func retryOnDuplicate[T any](op func() (T, error)) (T, error) {
	v, err := op()
	if mongo.IsDuplicateKeyError(err) {
		return op()
	}
	return v, err
}

func wrapMongoErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return fmt.Errorf("%w: %v", core.ErrTransient, err)
	}
	return err
}
