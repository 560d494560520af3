// Package acquire obtains access tokens for signed-in users from their persisted
// token cache without user interaction.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/msalcache/internal/tokencache"
	"go.uber.org/zap"
)

var (
	// ErrNoScopes indicates that a token was requested for an empty scope list.
	ErrNoScopes = errors.New("acquire.no_scopes")
	// ErrEmptyAuthorizationCode indicates that Redeem was called without a code.
	ErrEmptyAuthorizationCode = errors.New("acquire.empty_authorization_code")

	errMissingProvider = errors.New("acquire.missing_cache_provider")
	errMissingClients  = errors.New("acquire.missing_client_factory")
)

// Sign-in reasons carried by NeedsInteractiveSignIn results.
const (
	ReasonNoSignedInUser  = "no_signed_in_user"
	ReasonNoCachedAccount = "no_cached_account"
	ReasonRefreshRejected = "refresh_rejected"
)

// DefaultScopes are requested at login when the caller names none.
var DefaultScopes = []string{"User.Read", "Files.ReadWrite.All"}

// Config wires an Acquirer.
type Config struct {
	Caches  *tokencache.Provider
	Clients ClientFactory
	Logger  *zap.Logger
	// RedirectURI is used by Redeem when the caller passes none.
	RedirectURI   string
	DefaultScopes []string
}

// Acquirer implements silent token acquisition on top of per-user synchronized caches.
type Acquirer struct {
	caches        *tokencache.Provider
	clients       ClientFactory
	logger        *zap.Logger
	redirectURI   string
	defaultScopes []string
}

// NewAcquirer validates the configuration.
func NewAcquirer(configuration Config) (*Acquirer, error) {
	if configuration.Caches == nil {
		return nil, fmt.Errorf("acquire.new: %w", errMissingProvider)
	}
	if configuration.Clients == nil {
		return nil, fmt.Errorf("acquire.new: %w", errMissingClients)
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	defaultScopes := normalizeScopes(configuration.DefaultScopes)
	if len(defaultScopes) == 0 {
		defaultScopes = append([]string(nil), DefaultScopes...)
	}
	return &Acquirer{
		caches:        configuration.Caches,
		clients:       configuration.Clients,
		logger:        logger,
		redirectURI:   configuration.RedirectURI,
		defaultScopes: defaultScopes,
	}, nil
}

// Acquire returns a token for scopes without user interaction. An empty userID is
// resolved from the signed-in user stored in ctx.
func (acquirer *Acquirer) Acquire(ctx context.Context, scopes []string, userID string) Result {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = UserIDFromContext(ctx)
	}
	if userID == "" {
		return NeedsInteractiveSignIn(ReasonNoSignedInUser)
	}
	requested := normalizeScopes(scopes)
	if len(requested) == 0 {
		return Failure(fmt.Errorf("acquire.silent: %w", ErrNoScopes))
	}
	logger := acquirer.logger.With(zap.String("user_id", userID), zap.Strings("scopes", requested))

	userCache, client, err := acquirer.clientFor(userID)
	if err != nil {
		logger.Error("identity client unavailable", zap.String("code", "acquire.silent.client"), zap.Error(err))
		return Failure(err)
	}

	accounts, accountsErr := client.Accounts(ctx)
	if accountsErr != nil {
		logger.Error("listing cached accounts failed", zap.String("code", "acquire.silent.accounts"), zap.Error(accountsErr))
		return Failure(fmt.Errorf("acquire.silent.accounts: %w", accountsErr))
	}
	if len(accounts) == 0 {
		logger.Info("no cached account; interactive sign-in required", zap.String("code", "acquire.silent.no_account"))
		return NeedsInteractiveSignIn(ReasonNoCachedAccount)
	}

	token, silentErr := client.AcquireTokenSilent(ctx, requested, accounts[0])
	persistErr := userCache.TakePersistError()
	switch {
	case silentErr != nil && errors.Is(silentErr, ErrInteractionRequired):
		logger.Info("refresh rejected; interactive sign-in required",
			zap.String("code", "acquire.silent.interaction_required"),
			zap.Error(silentErr))
		return NeedsInteractiveSignIn(ReasonRefreshRejected)
	case persistErr != nil:
		return Failure(fmt.Errorf("acquire.silent.persist: %w", persistErr))
	case silentErr != nil:
		logger.Warn("silent token acquisition failed", zap.String("code", "acquire.silent.failed"), zap.Error(silentErr))
		return Failure(fmt.Errorf("acquire.silent: %w", silentErr))
	}
	logger.Debug("token acquired silently", zap.Time("expires_on", token.ExpiresOn))
	return TokenResult(token)
}

// Redeem exchanges an authorization code for tokens and persists them in the
// user's cache. It runs once per sign-in, after the OpenID Connect handshake.
func (acquirer *Acquirer) Redeem(ctx context.Context, userID string, code string, redirectURI string, scopes []string) (Token, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = UserIDFromContext(ctx)
	}
	if userID == "" {
		return Token{}, fmt.Errorf("acquire.redeem: %w", tokencache.ErrEmptyUserID)
	}
	if strings.TrimSpace(code) == "" {
		return Token{}, fmt.Errorf("acquire.redeem: %w", ErrEmptyAuthorizationCode)
	}
	if strings.TrimSpace(redirectURI) == "" {
		redirectURI = acquirer.redirectURI
	}
	requested := normalizeScopes(scopes)
	if len(requested) == 0 {
		requested = acquirer.defaultScopes
	}

	userCache, client, err := acquirer.clientFor(userID)
	if err != nil {
		return Token{}, err
	}
	token, redeemErr := client.AcquireTokenByAuthCode(ctx, code, redirectURI, requested)
	if persistErr := userCache.TakePersistError(); persistErr != nil {
		acquirer.logger.Error("redeemed tokens were not persisted",
			zap.String("code", "acquire.redeem.persist"),
			zap.String("user_id", userID),
			zap.Error(persistErr))
		return Token{}, fmt.Errorf("acquire.redeem.persist: %w", persistErr)
	}
	if redeemErr != nil {
		acquirer.logger.Warn("authorization code redemption failed",
			zap.String("code", "acquire.redeem.failed"),
			zap.String("user_id", userID),
			zap.Error(redeemErr))
		return Token{}, fmt.Errorf("acquire.redeem: %w", redeemErr)
	}
	acquirer.logger.Info("authorization code redeemed", zap.String("user_id", userID))
	return token, nil
}

func (acquirer *Acquirer) clientFor(userID string) (*tokencache.SynchronizedCache, IdentityClient, error) {
	userCache, err := acquirer.caches.ForUser(userID)
	if err != nil {
		return nil, nil, err
	}
	client, err := acquirer.clients.NewClient(userCache)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire.client: %w", err)
	}
	return userCache, client, nil
}

func normalizeScopes(scopes []string) []string {
	normalized := make([]string, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		for _, field := range strings.Fields(scope) {
			if _, exists := seen[field]; exists {
				continue
			}
			seen[field] = struct{}{}
			normalized = append(normalized, field)
		}
	}
	return normalized
}
