package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/cache"
	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/confidential"
	msalerrors "github.com/AzureAD/microsoft-authentication-library-for-go/apps/errors"
)

var (
	errMissingClientID     = errors.New("acquire.msal.missing_client_id")
	errMissingClientSecret = errors.New("acquire.msal.missing_client_secret")
	errMissingAuthority    = errors.New("acquire.msal.missing_authority")
)

// interactionMarkers are the OAuth error codes after which only the user can
// restore access. MSAL surfaces them inside the token endpoint's reply body.
var interactionMarkers = []string{
	"invalid_grant",
	"interaction_required",
	"consent_required",
	"login_required",
	"no token found",
}

// MSALClientFactory builds confidential MSAL clients bound to a per-user cache.
type MSALClientFactory struct {
	clientID   string
	authority  string
	credential confidential.Credential
}

// NewMSALClientFactory validates the application registration values.
func NewMSALClientFactory(clientID string, clientSecret string, authority string) (*MSALClientFactory, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, fmt.Errorf("acquire.msal.new: %w", errMissingClientID)
	}
	if strings.TrimSpace(clientSecret) == "" {
		return nil, fmt.Errorf("acquire.msal.new: %w", errMissingClientSecret)
	}
	if strings.TrimSpace(authority) == "" {
		return nil, fmt.Errorf("acquire.msal.new: %w", errMissingAuthority)
	}
	credential, err := confidential.NewCredFromSecret(clientSecret)
	if err != nil {
		return nil, fmt.Errorf("acquire.msal.credential: %w", err)
	}
	return &MSALClientFactory{
		clientID:   clientID,
		authority:  authority,
		credential: credential,
	}, nil
}

// NewClient implements ClientFactory.
func (factory *MSALClientFactory) NewClient(accessor cache.ExportReplace) (IdentityClient, error) {
	client, err := confidential.New(factory.authority, factory.clientID, factory.credential, confidential.WithCache(accessor))
	if err != nil {
		return nil, fmt.Errorf("acquire.msal.client: %w", err)
	}
	return &msalClient{client: client}, nil
}

type msalClient struct {
	client confidential.Client
}

func (adapter *msalClient) Accounts(ctx context.Context) ([]Account, error) {
	msalAccounts, err := adapter.client.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	accounts := make([]Account, 0, len(msalAccounts))
	for _, msalAccount := range msalAccounts {
		accounts = append(accounts, accountFromMSAL(msalAccount))
	}
	return accounts, nil
}

func (adapter *msalClient) AcquireTokenSilent(ctx context.Context, scopes []string, account Account) (Token, error) {
	result, err := adapter.client.AcquireTokenSilent(ctx, scopes, confidential.WithSilentAccount(account.msal))
	if err != nil {
		return Token{}, classifyMSALError(err)
	}
	return tokenFromMSAL(result), nil
}

func (adapter *msalClient) AcquireTokenByAuthCode(ctx context.Context, code string, redirectURI string, scopes []string) (Token, error) {
	result, err := adapter.client.AcquireTokenByAuthCode(ctx, code, redirectURI, scopes)
	if err != nil {
		return Token{}, classifyMSALError(err)
	}
	return tokenFromMSAL(result), nil
}

func accountFromMSAL(msalAccount confidential.Account) Account {
	return Account{
		HomeAccountID: msalAccount.HomeAccountID,
		Username:      msalAccount.PreferredUsername,
		msal:          msalAccount,
	}
}

func tokenFromMSAL(result confidential.AuthResult) Token {
	return Token{
		AccessToken: result.AccessToken,
		ExpiresOn:   result.ExpiresOn.UTC(),
		Scopes:      result.GrantedScopes,
		Account:     accountFromMSAL(result.Account),
	}
}

// classifyMSALError wraps ErrInteractionRequired around failures that need the
// user to sign in again and returns every other error unchanged.
func classifyMSALError(err error) error {
	if err == nil {
		return nil
	}
	var callErr msalerrors.CallErr
	if errors.As(err, &callErr) && callErr.Resp != nil {
		status := callErr.Resp.StatusCode
		if (status == http.StatusBadRequest || status == http.StatusUnauthorized) && hasInteractionMarker(callErr.Error()) {
			return fmt.Errorf("%w: %w", ErrInteractionRequired, err)
		}
		return err
	}
	if hasInteractionMarker(err.Error()) {
		return fmt.Errorf("%w: %w", ErrInteractionRequired, err)
	}
	return err
}

func hasInteractionMarker(message string) bool {
	lowered := strings.ToLower(message)
	for _, marker := range interactionMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
