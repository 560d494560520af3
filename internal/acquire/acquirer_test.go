package acquire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/cache"
	"github.com/tyemirov/msalcache/internal/tokencache"
)

// fakeCacheState is the serialized form of fakeIdentityClient's in-memory cache.
type fakeCacheState struct {
	HomeAccountID string    `json:"home_account_id,omitempty"`
	Username      string    `json:"username,omitempty"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	AccessToken   string    `json:"access_token,omitempty"`
	ExpiresOn     time.Time `json:"expires_on,omitempty"`
	Scopes        []string  `json:"scopes,omitempty"`
}

type fakeTokenCache struct {
	state fakeCacheState
}

func (tokenCache *fakeTokenCache) Marshal() ([]byte, error) {
	return json.Marshal(tokenCache.state)
}

func (tokenCache *fakeTokenCache) Unmarshal(data []byte) error {
	var state fakeCacheState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	tokenCache.state = state
	return nil
}

// fakeIdentity behaves like the identity library: every call replaces the
// in-memory cache through the accessor and exports after writing to it.
type fakeIdentity struct {
	mutex       sync.Mutex
	now         time.Time
	refreshErr  error
	redeemErr   error
	issued      int
	refreshes   int
	clientErr   error
	lastAccount Account
}

func (identity *fakeIdentity) NewClient(accessor cache.ExportReplace) (IdentityClient, error) {
	if identity.clientErr != nil {
		return nil, identity.clientErr
	}
	return &fakeIdentityClient{identity: identity, accessor: accessor, tokenCache: &fakeTokenCache{}}, nil
}

func (identity *fakeIdentity) nextAccessToken() (string, time.Time) {
	identity.mutex.Lock()
	defer identity.mutex.Unlock()
	identity.issued++
	return fmt.Sprintf("at-%d", identity.issued), identity.now.Add(time.Hour)
}

type fakeIdentityClient struct {
	identity   *fakeIdentity
	accessor   cache.ExportReplace
	tokenCache *fakeTokenCache
}

func (client *fakeIdentityClient) replace(ctx context.Context) error {
	return client.accessor.Replace(ctx, client.tokenCache, cache.ReplaceHints{})
}

// export ignores accessor errors the way the identity library may.
func (client *fakeIdentityClient) export(ctx context.Context) {
	_ = client.accessor.Export(ctx, client.tokenCache, cache.ExportHints{})
}

func (client *fakeIdentityClient) Accounts(ctx context.Context) ([]Account, error) {
	if err := client.replace(ctx); err != nil {
		return nil, err
	}
	if client.tokenCache.state.HomeAccountID == "" {
		return nil, nil
	}
	return []Account{{HomeAccountID: client.tokenCache.state.HomeAccountID, Username: client.tokenCache.state.Username}}, nil
}

func (client *fakeIdentityClient) AcquireTokenSilent(ctx context.Context, scopes []string, account Account) (Token, error) {
	if err := client.replace(ctx); err != nil {
		return Token{}, err
	}
	state := client.tokenCache.state
	client.identity.mutex.Lock()
	client.identity.lastAccount = account
	now := client.identity.now
	refreshErr := client.identity.refreshErr
	client.identity.mutex.Unlock()

	if state.HomeAccountID != account.HomeAccountID || state.RefreshToken == "" {
		return Token{}, fmt.Errorf("fake: %w: no token found", ErrInteractionRequired)
	}
	if state.AccessToken != "" && state.ExpiresOn.After(now.Add(5*time.Minute)) {
		return Token{AccessToken: state.AccessToken, ExpiresOn: state.ExpiresOn, Scopes: scopes, Account: account}, nil
	}
	if refreshErr != nil {
		return Token{}, refreshErr
	}
	client.identity.mutex.Lock()
	client.identity.refreshes++
	client.identity.mutex.Unlock()
	accessToken, expiresOn := client.identity.nextAccessToken()
	client.tokenCache.state.AccessToken = accessToken
	client.tokenCache.state.ExpiresOn = expiresOn
	client.tokenCache.state.Scopes = scopes
	client.export(ctx)
	return Token{AccessToken: accessToken, ExpiresOn: expiresOn, Scopes: scopes, Account: account}, nil
}

func (client *fakeIdentityClient) AcquireTokenByAuthCode(ctx context.Context, code string, redirectURI string, scopes []string) (Token, error) {
	if err := client.replace(ctx); err != nil {
		return Token{}, err
	}
	if client.identity.redeemErr != nil {
		return Token{}, client.identity.redeemErr
	}
	accessToken, expiresOn := client.identity.nextAccessToken()
	client.tokenCache.state = fakeCacheState{
		HomeAccountID: "home-" + code,
		Username:      "user@example.com",
		RefreshToken:  "rt-" + code,
		AccessToken:   accessToken,
		ExpiresOn:     expiresOn,
		Scopes:        scopes,
	}
	client.export(ctx)
	account := Account{HomeAccountID: "home-" + code, Username: "user@example.com"}
	return Token{AccessToken: accessToken, ExpiresOn: expiresOn, Scopes: scopes, Account: account}, nil
}

// flakyStore injects failures in front of an in-memory record store.
type flakyStore struct {
	*tokencache.MemoryRecordStore

	mutex     sync.Mutex
	getErr    error
	upsertErr error
	upserts   int
}

func (store *flakyStore) Get(ctx context.Context, userID string) (tokencache.Record, error) {
	store.mutex.Lock()
	getErr := store.getErr
	store.mutex.Unlock()
	if getErr != nil {
		return tokencache.Record{}, getErr
	}
	return store.MemoryRecordStore.Get(ctx, userID)
}

func (store *flakyStore) Upsert(ctx context.Context, record tokencache.Record) (tokencache.Record, error) {
	store.mutex.Lock()
	upsertErr := store.upsertErr
	store.mutex.Unlock()
	if upsertErr != nil {
		return tokencache.Record{}, upsertErr
	}
	stored, err := store.MemoryRecordStore.Upsert(ctx, record)
	if err == nil {
		store.mutex.Lock()
		store.upserts++
		store.mutex.Unlock()
	}
	return stored, err
}

func (store *flakyStore) writes() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.upserts
}

type acquirerHarness struct {
	acquirer *Acquirer
	identity *fakeIdentity
	store    *flakyStore
	metrics  *tokencache.CounterMetrics
}

func newAcquirerHarness(t *testing.T) *acquirerHarness {
	t.Helper()
	store := &flakyStore{MemoryRecordStore: tokencache.NewMemoryRecordStore()}
	metrics := tokencache.NewCounterMetrics()
	provider, err := tokencache.NewProvider(store, tokencache.Options{Metrics: metrics, StoreTimeout: time.Second})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	identity := &fakeIdentity{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	acquirer, err := NewAcquirer(Config{
		Caches:      provider,
		Clients:     identity,
		RedirectURI: "https://app.example.com/signin-oidc",
	})
	if err != nil {
		t.Fatalf("new acquirer: %v", err)
	}
	return &acquirerHarness{acquirer: acquirer, identity: identity, store: store, metrics: metrics}
}

func (harness *acquirerHarness) storedState(t *testing.T, userID string) fakeCacheState {
	t.Helper()
	record, err := harness.store.MemoryRecordStore.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("get stored record: %v", err)
	}
	var state fakeCacheState
	if err := json.Unmarshal(record.CacheBytes, &state); err != nil {
		t.Fatalf("decode stored record: %v", err)
	}
	return state
}

func TestNewAcquirerValidatesConfig(t *testing.T) {
	if _, err := NewAcquirer(Config{Clients: &fakeIdentity{}}); err == nil {
		t.Fatalf("expected error without cache provider")
	}
	provider, err := tokencache.NewProvider(tokencache.NewMemoryRecordStore(), tokencache.Options{})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := NewAcquirer(Config{Caches: provider}); err == nil {
		t.Fatalf("expected error without client factory")
	}
}

func TestAcquireWithoutCachedAccountNeedsSignIn(t *testing.T) {
	harness := newAcquirerHarness(t)

	result := harness.acquirer.Acquire(context.Background(), []string{"User.Read"}, "u1")
	if result.Outcome != OutcomeNeedsInteractiveSignIn || result.Reason != ReasonNoCachedAccount {
		t.Fatalf("expected sign-in for missing account, got %+v", result)
	}
	if harness.store.writes() != 0 {
		t.Fatalf("no write expected, got %d", harness.store.writes())
	}
	if harness.metrics.Count(tokencache.MetricLoadMiss) == 0 {
		t.Fatalf("expected a cache miss, got %v", harness.metrics.Snapshot())
	}
}

func TestAcquireWithoutSignedInUserNeedsSignIn(t *testing.T) {
	harness := newAcquirerHarness(t)

	result := harness.acquirer.Acquire(context.Background(), []string{"User.Read"}, "")
	if result.Outcome != OutcomeNeedsInteractiveSignIn || result.Reason != ReasonNoSignedInUser {
		t.Fatalf("expected sign-in for anonymous caller, got %+v", result)
	}
}

func TestAcquireRejectsEmptyScopes(t *testing.T) {
	harness := newAcquirerHarness(t)

	result := harness.acquirer.Acquire(context.Background(), []string{" ", ""}, "u1")
	if result.Outcome != OutcomeFailure || !errors.Is(result.Err, ErrNoScopes) {
		t.Fatalf("expected no-scopes failure, got %+v", result)
	}
}

func TestAcquireReturnsCachedToken(t *testing.T) {
	harness := newAcquirerHarness(t)
	redeemed, err := harness.acquirer.Redeem(context.Background(), "u1", "code-1", "", nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}

	result := harness.acquirer.Acquire(context.Background(), []string{"User.Read"}, "u1")
	if result.Outcome != OutcomeToken {
		t.Fatalf("expected token, got %+v", result)
	}
	if result.Token.AccessToken != redeemed.AccessToken {
		t.Fatalf("expected cached access token %q, got %q", redeemed.AccessToken, result.Token.AccessToken)
	}
	if harness.identity.refreshes != 0 {
		t.Fatalf("valid cached token must not be refreshed")
	}
	if harness.store.writes() != 1 {
		t.Fatalf("only the redemption should have written, got %d writes", harness.store.writes())
	}
}

func TestAcquireRefreshPersistsNewToken(t *testing.T) {
	harness := newAcquirerHarness(t)
	if _, err := harness.acquirer.Redeem(context.Background(), "u1", "code-1", "", nil); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	harness.identity.mutex.Lock()
	harness.identity.now = harness.identity.now.Add(2 * time.Hour)
	harness.identity.mutex.Unlock()

	result := harness.acquirer.Acquire(context.Background(), []string{"User.Read"}, "u1")
	if result.Outcome != OutcomeToken {
		t.Fatalf("expected refreshed token, got %+v", result)
	}
	if result.Token.AccessToken != "at-2" {
		t.Fatalf("expected refreshed access token, got %q", result.Token.AccessToken)
	}
	state := harness.storedState(t, "u1")
	if state.AccessToken != "at-2" || !state.ExpiresOn.Equal(result.Token.ExpiresOn) {
		t.Fatalf("refreshed token was not persisted: %+v", state)
	}

	// A fresh acquirer over the same store sees the refreshed token.
	provider, err := tokencache.NewProvider(harness.store, tokencache.Options{})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	other, err := NewAcquirer(Config{Caches: provider, Clients: harness.identity})
	if err != nil {
		t.Fatalf("new acquirer: %v", err)
	}
	again := other.Acquire(context.Background(), []string{"User.Read"}, "u1")
	if again.Outcome != OutcomeToken || again.Token.AccessToken != "at-2" {
		t.Fatalf("expected persisted token from another instance, got %+v", again)
	}
}

func TestAcquireReadFailureNeedsSignIn(t *testing.T) {
	harness := newAcquirerHarness(t)
	if _, err := harness.acquirer.Redeem(context.Background(), "u1", "code-1", "", nil); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	harness.store.mutex.Lock()
	harness.store.getErr = fmt.Errorf("flaky: %w", tokencache.ErrRecordReadFailed)
	harness.store.mutex.Unlock()

	result := harness.acquirer.Acquire(context.Background(), []string{"User.Read"}, "u1")
	if result.Outcome != OutcomeNeedsInteractiveSignIn {
		t.Fatalf("expected sign-in when the store is unreadable, got %+v", result)
	}
	if harness.metrics.Count(tokencache.MetricLoadReadFailed) == 0 {
		t.Fatalf("expected read failure metric, got %v", harness.metrics.Snapshot())
	}
}

func TestAcquireRefreshRejectedNeedsSignIn(t *testing.T) {
	harness := newAcquirerHarness(t)
	if _, err := harness.acquirer.Redeem(context.Background(), "u1", "code-1", "", nil); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	harness.identity.now = harness.identity.now.Add(2 * time.Hour)
	harness.identity.refreshErr = fmt.Errorf("%w: invalid_grant", ErrInteractionRequired)

	result := harness.acquirer.Acquire(context.Background(), []string{"User.Read"}, "u1")
	if result.Outcome != OutcomeNeedsInteractiveSignIn || result.Reason != ReasonRefreshRejected {
		t.Fatalf("expected sign-in after rejected refresh, got %+v", result)
	}
}

func TestAcquireUnexpectedErrorIsFailure(t *testing.T) {
	harness := newAcquirerHarness(t)
	if _, err := harness.acquirer.Redeem(context.Background(), "u1", "code-1", "", nil); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	harness.identity.now = harness.identity.now.Add(2 * time.Hour)
	networkErr := errors.New("dial tcp: connection refused")
	harness.identity.refreshErr = networkErr

	result := harness.acquirer.Acquire(context.Background(), []string{"User.Read"}, "u1")
	if result.Outcome != OutcomeFailure || !errors.Is(result.Err, networkErr) {
		t.Fatalf("expected failure, got %+v", result)
	}
	if !strings.Contains(result.Message(), "connection refused") {
		t.Fatalf("expected failure message to carry the cause, got %q", result.Message())
	}
}

func TestAcquirePersistFailureIsFailure(t *testing.T) {
	harness := newAcquirerHarness(t)
	if _, err := harness.acquirer.Redeem(context.Background(), "u1", "code-1", "", nil); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	harness.identity.now = harness.identity.now.Add(2 * time.Hour)
	harness.store.mutex.Lock()
	harness.store.upsertErr = fmt.Errorf("flaky: %w", tokencache.ErrRecordWriteFailed)
	harness.store.mutex.Unlock()

	result := harness.acquirer.Acquire(context.Background(), []string{"User.Read"}, "u1")
	if result.Outcome != OutcomeFailure || !errors.Is(result.Err, tokencache.ErrPersistFailed) {
		t.Fatalf("expected persist failure to surface, got %+v", result)
	}
}

func TestAcquireResolvesUserFromContext(t *testing.T) {
	harness := newAcquirerHarness(t)
	ctx := WithUserID(context.Background(), "ctx-user")
	if _, err := harness.acquirer.Redeem(ctx, "", "code-ctx", "", nil); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	result := harness.acquirer.Acquire(ctx, []string{"User.Read Files.ReadWrite.All", "User.Read"}, "")
	if result.Outcome != OutcomeToken {
		t.Fatalf("expected token for context user, got %+v", result)
	}
	if len(result.Token.Scopes) != 2 {
		t.Fatalf("expected deduplicated scopes, got %v", result.Token.Scopes)
	}
	if harness.identity.lastAccount.HomeAccountID != "home-code-ctx" {
		t.Fatalf("unexpected account used: %+v", harness.identity.lastAccount)
	}
}

func TestAcquireIsolatesUsers(t *testing.T) {
	harness := newAcquirerHarness(t)
	if _, err := harness.acquirer.Redeem(context.Background(), "alice", "code-a", "", nil); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	result := harness.acquirer.Acquire(context.Background(), []string{"User.Read"}, "bob")
	if result.Outcome != OutcomeNeedsInteractiveSignIn {
		t.Fatalf("another user's cache must not serve bob, got %+v", result)
	}
}

func TestAcquireClientFactoryFailure(t *testing.T) {
	harness := newAcquirerHarness(t)
	harness.identity.clientErr = errors.New("bad authority")

	result := harness.acquirer.Acquire(context.Background(), []string{"User.Read"}, "u1")
	if result.Outcome != OutcomeFailure {
		t.Fatalf("expected failure, got %+v", result)
	}
}

func TestRedeemUsesDefaults(t *testing.T) {
	harness := newAcquirerHarness(t)

	token, err := harness.acquirer.Redeem(context.Background(), "u1", "code-1", "", nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if strings.Join(token.Scopes, " ") != strings.Join(DefaultScopes, " ") {
		t.Fatalf("expected default scopes, got %v", token.Scopes)
	}
	state := harness.storedState(t, "u1")
	if state.RefreshToken != "rt-code-1" {
		t.Fatalf("expected refresh token to be persisted, got %+v", state)
	}
}

func TestRedeemValidatesInput(t *testing.T) {
	harness := newAcquirerHarness(t)

	if _, err := harness.acquirer.Redeem(context.Background(), "u1", " ", "", nil); !errors.Is(err, ErrEmptyAuthorizationCode) {
		t.Fatalf("expected empty code error, got %v", err)
	}
	if _, err := harness.acquirer.Redeem(context.Background(), "", "code", "", nil); !errors.Is(err, tokencache.ErrEmptyUserID) {
		t.Fatalf("expected empty user error, got %v", err)
	}
}

func TestRedeemPersistFailure(t *testing.T) {
	harness := newAcquirerHarness(t)
	harness.store.upsertErr = fmt.Errorf("flaky: %w", tokencache.ErrRecordWriteFailed)

	if _, err := harness.acquirer.Redeem(context.Background(), "u1", "code-1", "", nil); !errors.Is(err, tokencache.ErrPersistFailed) {
		t.Fatalf("expected persist failure, got %v", err)
	}
}

func TestRedeemIdentityFailure(t *testing.T) {
	harness := newAcquirerHarness(t)
	harness.identity.redeemErr = errors.New("AADSTS70008: code expired")

	if _, err := harness.acquirer.Redeem(context.Background(), "u1", "code-1", "", nil); err == nil || !strings.Contains(err.Error(), "AADSTS70008") {
		t.Fatalf("expected identity failure, got %v", err)
	}
	if harness.store.writes() != 0 {
		t.Fatalf("failed redemption must not write")
	}
}

func TestNormalizeScopes(t *testing.T) {
	got := normalizeScopes([]string{" User.Read  Mail.Read ", "User.Read", "", "offline_access"})
	want := []string{"User.Read", "Mail.Read", "offline_access"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("normalizeScopes = %v, want %v", got, want)
	}
}

func TestOutcomeString(t *testing.T) {
	testCases := map[Outcome]string{
		OutcomeToken:                  "token",
		OutcomeNeedsInteractiveSignIn: "needs_interactive_sign_in",
		OutcomeFailure:                "failure",
		Outcome(42):                   "outcome(42)",
	}
	for outcome, want := range testCases {
		if outcome.String() != want {
			t.Fatalf("Outcome(%d).String() = %q, want %q", int(outcome), outcome.String(), want)
		}
	}
	if NeedsInteractiveSignIn("x").Message() != "" {
		t.Fatalf("non-failure results have no message")
	}
}
