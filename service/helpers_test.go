package service

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/notary/adapters/store"
	"github.com/layer-3/notary/adapters/tokenizer"
	"github.com/layer-3/notary/core"
	"github.com/layer-3/notary/internal/eth"
	"github.com/layer-3/notary/internal/siwe"
)

const testDomain = "notary.example.com"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type publishedEvent struct {
	topic string
	key   string
	event any
}

// recordingPublisher keeps every event it is given
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, topic, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{topic: topic, key: key, event: event})
	return p.err
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.topic
	}
	return out
}

type wallet struct {
	key     *ecdsa.PrivateKey
	address string // lowercase
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return wallet{key: key, address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())}
}

// checksummed returns the mixed-case form a wallet would show
func (w wallet) checksummed() string {
	return crypto.PubkeyToAddress(w.key.PublicKey).Hex()
}

func (w wallet) sign(t *testing.T, text string) string {
	t.Helper()
	sig, err := eth.SignPersonal([]byte(text), w.key)
	require.NoError(t, err)
	return sig
}

type authFixture struct {
	clock    *testClock
	store    *store.MemoryStore
	events   *recordingPublisher
	verifier *SignatureVerifier
	auth     *AuthService
	docs     *DocumentService
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	clock := newTestClock()
	memStore := store.NewMemoryStore().WithClock(clock.Now)
	events := &recordingPublisher{}

	key, err := tokenizer.LoadSigningKey("")
	require.NoError(t, err)
	sessions := tokenizer.NewJWTTokenizer(key, "notary", time.Hour).WithClock(clock.Now)
	verifier := NewSignatureVerifier(testDomain, []int64{1, 137}).WithClock(clock.Now)

	auth := NewAuthService(memStore, memStore, sessions, memStore, verifier, events, zerolog.Nop(), AuthOptions{
		Domain:   testDomain,
		URI:      "https://" + testDomain + "/auth/verify",
		ChainID:  1,
		NonceTTL: 5 * time.Minute,
	}).WithClock(clock.Now)
	docs := NewDocumentService(memStore, events, zerolog.Nop(), time.Second).WithClock(clock.Now)

	t.Cleanup(auth.Wait)
	return &authFixture{
		clock:    clock,
		store:    memStore,
		events:   events,
		verifier: verifier,
		auth:     auth,
		docs:     docs,
	}
}

// message builds an unsigned sign-in message for w
func (f *authFixture) message(w wallet, nonce string) siwe.Message {
	return siwe.Message{
		Domain:   testDomain,
		Address:  w.checksummed(),
		URI:      "https://" + testDomain + "/auth/verify",
		Version:  siwe.Version,
		ChainID:  1,
		Nonce:    nonce,
		IssuedAt: f.clock.Now(),
	}
}

// login runs the full flow and returns the session principal
func (f *authFixture) login(t *testing.T, w wallet) *core.Principal {
	t.Helper()
	ctx := context.Background()
	grant, err := f.auth.RequestNonce(ctx, w.address)
	require.NoError(t, err)
	result, err := f.auth.Verify(ctx, grant.Message, w.sign(t, grant.Message))
	require.NoError(t, err)
	principal, err := f.auth.ValidateSession(ctx, result.Token)
	require.NoError(t, err)
	return principal
}

func encode(t *testing.T, m siwe.Message) string {
	t.Helper()
	text, err := siwe.Encode(m)
	require.NoError(t, err)
	return text
}
