package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/medspa-realtime/adapters"
	"github.com/satriahrh/medspa-realtime/domain/entities"
	"github.com/satriahrh/medspa-realtime/domain/repositories"
	"github.com/satriahrh/medspa-realtime/internal/auth"
	"github.com/satriahrh/medspa-realtime/internal/devserver"
)

const (
	claimsKey = "claims"

	// TranscriptionSocketPath prefixes the per-session socket URL handed to clients
	TranscriptionSocketPath = "/ws/transcription/"
)

// Dependencies wires the development backend routes
type Dependencies struct {
	Issuer        *auth.Issuer
	Clients       repositories.ClientRepository
	Sessions      repositories.SessionRepository
	Chat          *devserver.ChatHandler
	Transcription *devserver.TranscriptionHandler
	// PublicWSBase is prepended to transcription endpoints, e.g. wss://api.example.com.
	// Empty returns a path relative to the API base.
	PublicWSBase string
	Logger       *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "medspa-realtime-dev",
		})
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.POST("/auth/token", func(c echo.Context) error {
		return issueToken(c, deps, logger)
	})

	sessions := v1.Group("/transcription/sessions", requireBearer(deps.Issuer, logger))
	sessions.POST("", func(c echo.Context) error {
		return createSession(c, deps, logger)
	})
	sessions.POST("/:id/stop", func(c echo.Context) error {
		return stopSession(c, deps, logger)
	})

	// Sockets authenticate in-band with an auth envelope
	e.GET("/ws/chat", func(c echo.Context) error {
		return deps.Chat.ServeWS(c.Response(), c.Request())
	})
	e.GET(TranscriptionSocketPath+":id", func(c echo.Context) error {
		return transcriptionSocket(c, deps, logger)
	})
}

func issueToken(c echo.Context, deps Dependencies, logger *zap.Logger) error {
	var req auth.TokenRequest

	// Bind and validate request
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind token request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.ClientID == "" || req.ClientSecret == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "client_id and client_secret are required",
		})
	}

	client, err := deps.Clients.Validate(req.ClientID, req.ClientSecret)
	if err != nil {
		logger.Warn("Client authentication failed",
			zap.String("client_id", req.ClientID),
			zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid client credentials",
		})
	}

	token, expiresAt, err := deps.Issuer.GenerateProviderToken(client.ID, client.ProviderID)
	if err != nil {
		logger.Error("Failed to generate token",
			zap.String("client_id", client.ID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	logger.Info("Client authenticated successfully", zap.String("client_id", client.ID))

	return c.JSON(http.StatusOK, auth.TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

func createSession(c echo.Context, deps Dependencies, logger *zap.Logger) error {
	claims := c.Get(claimsKey).(*auth.JWTClaims)

	var req repositories.SessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if strings.TrimSpace(req.PatientID) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "patient_id is required",
		})
	}

	session := &entities.StoredSession{
		ProviderID: claims.ProviderID,
		PatientID:  req.PatientID,
		ChartType:  req.ChartType,
	}
	if err := deps.Sessions.Create(c.Request().Context(), session); err != nil {
		logger.Error("Failed to create session", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "session_creation_failed",
			Message: "Failed to create transcription session",
		})
	}

	logger.Info("Transcription session created",
		zap.String("session_id", session.ID),
		zap.String("client_id", claims.ClientID),
		zap.String("patient_id", session.PatientID))

	return c.JSON(http.StatusCreated, repositories.SessionInfo{
		SessionID:             session.ID,
		TranscriptionEndpoint: strings.TrimRight(deps.PublicWSBase, "/") + TranscriptionSocketPath + session.ID,
	})
}

func stopSession(c echo.Context, deps Dependencies, logger *zap.Logger) error {
	claims := c.Get(claimsKey).(*auth.JWTClaims)
	ctx := c.Request().Context()

	session, err := deps.Sessions.GetByID(ctx, c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "session_not_found",
			Message: "Transcription session not found",
		})
	}
	if session.ProviderID != claims.ProviderID {
		logger.Warn("Session stop rejected: foreign session",
			zap.String("session_id", session.ID),
			zap.String("client_id", claims.ClientID))
		return c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "forbidden",
			Message: "Session belongs to another provider",
		})
	}

	session, err = deps.Sessions.Modify(ctx, session.ID, func(s *entities.StoredSession) error {
		if s.Status == entities.StoredSessionActive {
			s.Stop()
		}
		return nil
	})
	if err != nil {
		logger.Error("Failed to stop session", zap.String("session_id", c.Param("id")), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "session_stop_failed",
			Message: "Failed to stop transcription session",
		})
	}
	logger.Info("Transcription session stopped", zap.String("session_id", session.ID))

	return c.JSON(http.StatusOK, StopSessionResponse{
		SessionID:  session.ID,
		Status:     session.Status,
		Transcript: session.Transcript,
	})
}

func transcriptionSocket(c echo.Context, deps Dependencies, logger *zap.Logger) error {
	err := deps.Transcription.ServeWS(c.Response(), c.Request(), c.Param("id"))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, adapters.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "session_not_found",
			Message: "Transcription session not found",
		})
	case errors.Is(err, devserver.ErrSessionInactive):
		return c.JSON(http.StatusGone, ErrorResponse{
			Error:   "session_inactive",
			Message: "Transcription session is no longer active",
		})
	default:
		// the upgrader already wrote the response
		logger.Warn("Transcription socket failed", zap.Error(err))
		return nil
	}
}

// requireBearer validates the Authorization header and stores the claims
func requireBearer(issuer *auth.Issuer, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Extract JWT token from Authorization header only
			var token string
			authHeader := c.Request().Header.Get("Authorization")
			if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
				token = authHeader[7:]
			}

			if token == "" {
				logger.Warn("Request rejected: missing token")
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "missing_token",
					Message: "JWT token is required in Authorization header",
				})
			}

			claims, err := issuer.ValidateToken(token)
			if err != nil {
				logger.Warn("Request rejected: invalid token", zap.Error(err))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token",
					Message: "Invalid or expired JWT token",
				})
			}

			if claims.Role != auth.RoleProvider {
				logger.Warn("Request rejected: invalid role", zap.String("role", claims.Role))
				return c.JSON(http.StatusForbidden, ErrorResponse{
					Error:   "invalid_role",
					Message: "Only provider tokens are allowed",
				})
			}

			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}
