package yggdrasil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dependencies bundles the collaborators the protocol handlers need.
type Dependencies struct {
	Config    ServerConfig
	Directory Directory
	Tokens    *TokenStore
	Sessions  *SessionLedger
	Limiter   RateLimiter
	Signer    *Signer
	Metrics   *Metrics
	Logger    *zap.Logger
	Clock     Clock
}

// MountYggdrasilRoutes registers the authserver, sessionserver, and profile
// API endpoints plus the metadata document at /.
func MountYggdrasilRoutes(router gin.IRouter, deps Dependencies) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = NewSystemClock()
	}

	router.GET("/", handleServerMeta(deps))

	router.POST("/authserver/authenticate", handleAuthenticate(deps))
	router.POST("/authserver/refresh", handleRefresh(deps))
	router.POST("/authserver/validate", handleValidate(deps))
	router.POST("/authserver/invalidate", handleInvalidate(deps))
	router.POST("/authserver/signout", handleSignout(deps))

	router.POST("/api/profiles/minecraft", handleQueryProfiles(deps))
	router.GET("/sessionserver/session/minecraft/profile/:uuid", handleProfile(deps))
	router.POST("/sessionserver/session/minecraft/join", handleJoinServer(deps))
	router.GET("/sessionserver/session/minecraft/hasJoined", handleHasJoined(deps))

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
}

func handleServerMeta(deps Dependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		meta := gin.H{
			"serverName":            deps.Config.ServerName,
			"implementationName":    deps.Config.ImplementationName,
			"implementationVersion": deps.Config.ImplementationVersion,
		}
		if deps.Config.LoginWithCharacterName {
			meta["feature.non_email_login"] = true
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"meta":               meta,
			"skinDomains":        deps.Config.SkinDomains,
			"signaturePublickey": deps.Signer.PublicKeyPEM(),
		})
	}
}

func handleAuthenticate(deps Dependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		var request struct {
			Username    string          `json:"username"`
			Password    string          `json:"password"`
			ClientToken string          `json:"clientToken"`
			RequestUser bool            `json:"requestUser"`
			Agent       json.RawMessage `json:"agent"`
		}
		if err := contextGin.BindJSON(&request); err != nil {
			deps.Metrics.Observe("authenticate", OutcomeBadInput)
			writeProtocolError(contextGin, deps.Logger, NewIllegalArgumentError("Malformed request body."))
			return
		}

		user, character, authErr := passwordAuthenticated(contextGin, deps, request.Username, request.Password)
		if authErr != nil {
			deps.Metrics.Observe("authenticate", OutcomeForbidden)
			writeProtocolError(contextGin, deps.Logger, authErr)
			return
		}

		token, acquireErr := deps.Tokens.Acquire(user, request.ClientToken, character)
		if acquireErr != nil {
			deps.Metrics.Observe("authenticate", OutcomeForbidden)
			writeProtocolError(contextGin, deps.Logger, acquireErr)
			return
		}

		availableProfiles := make([]ProfileResponse, 0, len(user.Characters))
		for index := range user.Characters {
			availableProfiles = append(availableProfiles, SimpleProfile(&user.Characters[index]))
		}

		response := gin.H{
			"accessToken":       token.AccessToken,
			"clientToken":       token.ClientToken,
			"availableProfiles": availableProfiles,
		}
		if token.BoundCharacter != nil {
			response["selectedProfile"] = SimpleProfile(token.BoundCharacter)
		}
		if request.RequestUser {
			response["user"] = UserIdentity(user)
		}
		deps.Metrics.Observe("authenticate", OutcomeOK)
		contextGin.JSON(http.StatusOK, response)
	}
}

func handleRefresh(deps Dependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		var request struct {
			AccessToken     string           `json:"accessToken"`
			ClientToken     string           `json:"clientToken"`
			RequestUser     bool             `json:"requestUser"`
			SelectedProfile *ProfileResponse `json:"selectedProfile"`
		}
		if err := contextGin.BindJSON(&request); err != nil {
			deps.Metrics.Observe("refresh", OutcomeBadInput)
			writeProtocolError(contextGin, deps.Logger, NewIllegalArgumentError("Malformed request body."))
			return
		}

		// Resolve the character to select before touching the token: the
		// profile must exist under the exact id+name pair, or the request is
		// semantically invalid regardless of token state.
		var characterToSelect *Character
		if request.SelectedProfile != nil {
			character, resolveErr := resolveSelectedProfile(contextGin, deps, request.SelectedProfile)
			if resolveErr != nil {
				deps.Metrics.Observe("refresh", OutcomeBadInput)
				writeProtocolError(contextGin, deps.Logger, resolveErr)
				return
			}
			characterToSelect = character
		}

		// Resolve the user before consuming the pair, so a directory fault
		// fails the request while the old token is still refreshable.
		var identity *UserResponse
		if request.RequestUser {
			current, peekErr := deps.Tokens.Authenticate(request.AccessToken, request.ClientToken, AvailablePartial)
			if peekErr != nil {
				deps.Metrics.Observe("refresh", OutcomeForbidden)
				writeProtocolError(contextGin, deps.Logger, protocolErrorForToken(peekErr))
				return
			}
			user, userErr := deps.Directory.FindUserByID(contextGin, current.UserID)
			if userErr != nil {
				writeProtocolError(contextGin, deps.Logger, userErr)
				return
			}
			rendered := UserIdentity(user)
			identity = &rendered
		}

		newToken, refreshErr := deps.Tokens.Refresh(request.AccessToken, request.ClientToken, characterToSelect)
		if refreshErr != nil {
			deps.Metrics.Observe("refresh", OutcomeForbidden)
			writeProtocolError(contextGin, deps.Logger, protocolErrorForToken(refreshErr))
			return
		}

		response := gin.H{
			"accessToken": newToken.AccessToken,
			"clientToken": newToken.ClientToken,
		}
		if newToken.BoundCharacter != nil {
			response["selectedProfile"] = SimpleProfile(newToken.BoundCharacter)
		}
		if identity != nil {
			response["user"] = *identity
		}
		deps.Metrics.Observe("refresh", OutcomeOK)
		contextGin.JSON(http.StatusOK, response)
	}
}

func handleValidate(deps Dependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		var request struct {
			AccessToken string `json:"accessToken"`
			ClientToken string `json:"clientToken"`
		}
		if err := contextGin.BindJSON(&request); err != nil {
			deps.Metrics.Observe("validate", OutcomeBadInput)
			writeProtocolError(contextGin, deps.Logger, NewIllegalArgumentError("Malformed request body."))
			return
		}
		if err := deps.Tokens.Validate(request.AccessToken, request.ClientToken); err != nil {
			deps.Metrics.Observe("validate", OutcomeForbidden)
			writeProtocolError(contextGin, deps.Logger, NewForbiddenOperationError(messageInvalidToken))
			return
		}
		deps.Metrics.Observe("validate", OutcomeOK)
		contextGin.Status(http.StatusNoContent)
	}
}

func handleInvalidate(deps Dependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		var request struct {
			AccessToken string `json:"accessToken"`
			ClientToken string `json:"clientToken"`
		}
		// Invalidate never reports failure: garbage input is a no-op 204.
		_ = contextGin.ShouldBindJSON(&request)
		deps.Tokens.Invalidate(request.AccessToken, request.ClientToken)
		deps.Metrics.Observe("invalidate", OutcomeOK)
		contextGin.Status(http.StatusNoContent)
	}
}

func handleSignout(deps Dependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		var request struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := contextGin.BindJSON(&request); err != nil {
			deps.Metrics.Observe("signout", OutcomeBadInput)
			writeProtocolError(contextGin, deps.Logger, NewIllegalArgumentError("Malformed request body."))
			return
		}
		user, _, authErr := passwordAuthenticated(contextGin, deps, request.Username, request.Password)
		if authErr != nil {
			deps.Metrics.Observe("signout", OutcomeForbidden)
			writeProtocolError(contextGin, deps.Logger, authErr)
			return
		}
		deps.Tokens.RevokeAll(user.ID)
		deps.Metrics.Observe("signout", OutcomeOK)
		contextGin.Status(http.StatusNoContent)
	}
}

func handleQueryProfiles(deps Dependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		var names []string
		if err := contextGin.BindJSON(&names); err != nil {
			deps.Metrics.Observe("query_profiles", OutcomeBadInput)
			writeProtocolError(contextGin, deps.Logger, NewIllegalArgumentError("Malformed request body."))
			return
		}

		profiles := make([]ProfileResponse, 0, len(names))
		seen := make(map[string]bool, len(names))
		for _, name := range names {
			if seen[name] {
				continue
			}
			seen[name] = true
			character, findErr := deps.Directory.FindCharacterByName(contextGin, name)
			if findErr != nil {
				if errors.Is(findErr, ErrCharacterNotFound) {
					continue
				}
				writeProtocolError(contextGin, deps.Logger, findErr)
				return
			}
			profiles = append(profiles, SimpleProfile(character))
		}
		deps.Metrics.Observe("query_profiles", OutcomeOK)
		contextGin.JSON(http.StatusOK, profiles)
	}
}

func handleProfile(deps Dependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		characterID, parseErr := uuid.Parse(contextGin.Param("uuid"))
		if parseErr != nil {
			deps.Metrics.Observe("profile", OutcomeAbsent)
			contextGin.Status(http.StatusNoContent)
			return
		}
		character, findErr := deps.Directory.FindCharacterByID(contextGin, characterID)
		if findErr != nil {
			if errors.Is(findErr, ErrCharacterNotFound) {
				deps.Metrics.Observe("profile", OutcomeAbsent)
				contextGin.Status(http.StatusNoContent)
				return
			}
			writeProtocolError(contextGin, deps.Logger, findErr)
			return
		}

		signed := contextGin.Query("unsigned") == "false"
		profile, buildErr := CompleteProfile(character, deps.Signer, deps.Clock, signed)
		if buildErr != nil {
			writeProtocolError(contextGin, deps.Logger, buildErr)
			return
		}
		deps.Metrics.Observe("profile", OutcomeOK)
		contextGin.JSON(http.StatusOK, profile)
	}
}

func handleJoinServer(deps Dependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		var request struct {
			AccessToken     string `json:"accessToken"`
			SelectedProfile string `json:"selectedProfile"`
			ServerID        string `json:"serverId"`
		}
		if err := contextGin.BindJSON(&request); err != nil {
			deps.Metrics.Observe("join", OutcomeBadInput)
			writeProtocolError(contextGin, deps.Logger, NewIllegalArgumentError("Malformed request body."))
			return
		}

		token, authErr := deps.Tokens.Authenticate(request.AccessToken, "", AvailableComplete)
		if authErr != nil {
			deps.Metrics.Observe("join", OutcomeForbidden)
			writeProtocolError(contextGin, deps.Logger, NewForbiddenOperationError(messageInvalidToken))
			return
		}
		if token.BoundCharacter == nil || UnsignedUUID(token.BoundCharacter.ID) != request.SelectedProfile {
			deps.Metrics.Observe("join", OutcomeForbidden)
			writeProtocolError(contextGin, deps.Logger, NewForbiddenOperationError(messageInvalidProfile))
			return
		}

		deps.Sessions.RecordJoin(request.ServerID, token.BoundCharacter, contextGin.ClientIP())
		deps.Metrics.Observe("join", OutcomeOK)
		contextGin.Status(http.StatusNoContent)
	}
}

func handleHasJoined(deps Dependencies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		username := contextGin.Query("username")
		serverID := contextGin.Query("serverId")
		expectedIP := contextGin.Query("ip")

		character, ok := deps.Sessions.VerifyJoin(username, serverID, expectedIP)
		if !ok {
			deps.Metrics.Observe("has_joined", OutcomeAbsent)
			contextGin.Status(http.StatusNoContent)
			return
		}
		profile, buildErr := CompleteProfile(character, deps.Signer, deps.Clock, true)
		if buildErr != nil {
			writeProtocolError(contextGin, deps.Logger, buildErr)
			return
		}
		deps.Metrics.Observe("has_joined", OutcomeOK)
		contextGin.JSON(http.StatusOK, profile)
	}
}

// passwordAuthenticated resolves the account for a password-carrying request
// and applies the rate limit. Unknown user, cooldown denial, and a wrong
// password all collapse to the same forbidden error so callers cannot probe
// which one occurred. With LoginWithCharacterName enabled the username may be
// a character name; the owning account is then checked and the character is
// returned for immediate binding.
func passwordAuthenticated(ctx context.Context, deps Dependencies, username string, password string) (*User, *Character, error) {
	invalidCredentials := NewForbiddenOperationError(messageInvalidCredentials)

	var character *Character
	user := (*User)(nil)
	if deps.Config.LoginWithCharacterName {
		if found, err := deps.Directory.FindCharacterByName(ctx, username); err == nil {
			character = found
			owner, ownerErr := deps.Directory.FindUserByID(ctx, character.OwnerID)
			if ownerErr != nil {
				return nil, nil, ownerErr
			}
			user = owner
		} else if !errors.Is(err, ErrCharacterNotFound) {
			return nil, nil, err
		}
	}
	if user == nil {
		found, err := deps.Directory.FindUserByEmail(ctx, username)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return nil, nil, invalidCredentials
			}
			return nil, nil, err
		}
		user = found
	}

	admitted, limitErr := deps.Limiter.TryAccess(ctx, user.Email)
	if limitErr != nil {
		return nil, nil, limitErr
	}
	if !admitted {
		return nil, nil, invalidCredentials
	}

	if !VerifyPassword(user, password) {
		return nil, nil, invalidCredentials
	}
	return user, character, nil
}

// resolveSelectedProfile maps a selectedProfile body to a known character.
// Any mismatch between the request and the directory is an IllegalArgument,
// not a forbidden operation: the caller's token has not been examined yet.
func resolveSelectedProfile(ctx context.Context, deps Dependencies, selected *ProfileResponse) (*Character, error) {
	profileNotFound := NewIllegalArgumentError(messageProfileNotFound)

	characterID, parseErr := uuid.Parse(selected.ID)
	if parseErr != nil {
		return nil, profileNotFound
	}
	character, findErr := deps.Directory.FindCharacterByID(ctx, characterID)
	if findErr != nil {
		if errors.Is(findErr, ErrCharacterNotFound) {
			return nil, profileNotFound
		}
		return nil, findErr
	}
	if character.Name != selected.Name {
		return nil, profileNotFound
	}
	return character, nil
}

func protocolErrorForToken(err error) *Error {
	switch {
	case errors.Is(err, ErrTokenAlreadyBound):
		return NewIllegalArgumentError(messageTokenAlreadyAssigned)
	case errors.Is(err, ErrCharacterAccessDenied):
		return NewForbiddenOperationError(messageAccessDenied)
	default:
		return NewForbiddenOperationError(messageInvalidToken)
	}
}

// writeProtocolError emits the fixed {error, errorMessage} body. Internal
// faults are logged and collapsed to an opaque 500 so store or signer detail
// never leaks into a response.
func writeProtocolError(contextGin *gin.Context, logger *zap.Logger, err error) {
	var apiError *Error
	if errors.As(err, &apiError) {
		contextGin.AbortWithStatusJSON(apiError.StatusCode, gin.H{
			"error":        apiError.ErrorName,
			"errorMessage": apiError.Message,
		})
		return
	}
	logger.Error("internal error",
		zap.String("code", "routes.internal_error"),
		zap.String("path", contextGin.Request.URL.Path),
		zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":        "Internal Server Error",
		"errorMessage": "500 Internal Server Error",
	})
}
