// Package web exposes the token cache over HTTP for request handlers that need
// to call a downstream API on behalf of the signed-in user.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/msalcache/internal/acquire"
	"github.com/tyemirov/msalcache/internal/tokencache"
	"github.com/tyemirov/msalcache/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// TokenService is the part of acquire.Acquirer the routes depend on.
type TokenService interface {
	Acquire(ctx context.Context, scopes []string, userID string) acquire.Result
	Redeem(ctx context.Context, userID string, code string, redirectURI string, scopes []string) (acquire.Token, error)
}

// TokenRoutesConfig wires MountTokenRoutes.
type TokenRoutesConfig struct {
	Tokens TokenService
	Store  tokencache.RecordStore
	Logger *zap.Logger
	// Session authenticates /auth and /api requests and stores claims under ClaimsKey.
	Session      gin.HandlerFunc
	ClaimsKey    string
	SignInURL    string
	StoreTimeout time.Duration
}

type tokenRequest struct {
	Scopes []string `json:"scopes"`
}

type redeemRequest struct {
	Code        string   `json:"code"`
	RedirectURI string   `json:"redirect_uri"`
	Scopes      []string `json:"scopes"`
}

// MountTokenRoutes registers /healthz, /auth/redeem, /api/token, and /api/cache/status.
func MountTokenRoutes(router gin.IRouter, configuration TokenRoutesConfig) {
	if configuration.Tokens == nil || configuration.Store == nil || configuration.Session == nil {
		panic("token routes require a token service, a record store, and a session middleware")
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	storeTimeout := configuration.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = tokencache.DefaultStoreTimeout
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authenticated := router.Group("/")
	authenticated.Use(configuration.Session, BindSignedInUser(configuration.ClaimsKey))

	authenticated.POST("/auth/redeem", func(contextGin *gin.Context) {
		var inbound redeemRequest
		if err := contextGin.BindJSON(&inbound); err != nil {
			return
		}
		if inbound.Code == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_code"})
			return
		}
		_, redeemErr := configuration.Tokens.Redeem(contextGin.Request.Context(), "", inbound.Code, inbound.RedirectURI, inbound.Scopes)
		if redeemErr != nil {
			logger.Warn("authorization code redemption failed",
				zap.String("code", "api.redeem.failed"),
				zap.Error(redeemErr))
			contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"error":   "redeem_failed",
				"message": redeemErr.Error(),
			})
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	authenticated.POST("/api/token", func(contextGin *gin.Context) {
		var inbound tokenRequest
		if err := contextGin.BindJSON(&inbound); err != nil {
			return
		}
		result := configuration.Tokens.Acquire(contextGin.Request.Context(), inbound.Scopes, "")
		switch result.Outcome {
		case acquire.OutcomeToken:
			contextGin.JSON(http.StatusOK, gin.H{
				"access_token": result.Token.AccessToken,
				"expires_on":   result.Token.ExpiresOn,
				"scopes":       result.Token.Scopes,
			})
		case acquire.OutcomeNeedsInteractiveSignIn:
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "interaction_required",
				"reason":  result.Reason,
				"sign_in": configuration.SignInURL,
			})
		default:
			logger.Warn("token acquisition failed",
				zap.String("code", "api.token.failed"),
				zap.String("message", result.Message()))
			contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"error":   "token_failure",
				"message": result.Message(),
			})
		}
	})

	authenticated.GET("/api/cache/status", func(contextGin *gin.Context) {
		userID := acquire.UserIDFromContext(contextGin.Request.Context())
		storeCtx, cancel := context.WithTimeout(contextGin.Request.Context(), storeTimeout)
		defer cancel()
		record, err := configuration.Store.Get(storeCtx, userID)
		switch {
		case err == nil:
			contextGin.JSON(http.StatusOK, gin.H{
				"exists":     true,
				"last_write": record.LastWrite,
				"version":    record.Version,
				"bytes":      len(record.CacheBytes),
			})
		case errors.Is(err, tokencache.ErrRecordNotFound):
			contextGin.JSON(http.StatusOK, gin.H{"exists": false})
		default:
			logger.Error("token cache status read failed",
				zap.String("code", "api.cache_status.read_failed"),
				zap.String("user_id", userID),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "cache_read_failed"})
		}
	})
}

// BindSignedInUser copies the session's user identifier into the request context
// so token acquisition can resolve it.
func BindSignedInUser(claimsKey string) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		claims, ok := sessionvalidator.ClaimsFromContext(contextGin, claimsKey)
		if !ok || claims.SignedInUserID() == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_session"})
			return
		}
		contextGin.Request = contextGin.Request.WithContext(acquire.WithUserID(contextGin.Request.Context(), claims.SignedInUserID()))
		contextGin.Next()
	}
}
