package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/service"
	"otp-service/internal/util"
)

// OTPEngine is the service surface the handler depends on.
type OTPEngine interface {
	CreateOTP(ctx context.Context, identifier model.Identifier, purpose model.Purpose, requesterIP string) (*model.OTPRecord, error)
	VerifyOTP(ctx context.Context, identifier model.Identifier, purpose model.Purpose, code string) (string, error)
	BlacklistStatus(ctx context.Context, identifier model.Identifier) (*model.BlacklistEntry, error)
	ReleaseBlacklist(ctx context.Context, identifier model.Identifier) error
	Stats(ctx context.Context) (map[string]map[string]int64, error)
}

// OTPHandler handles HTTP requests for OTP operations
type OTPHandler struct {
	engine OTPEngine
	logger *zap.Logger
}

// NewOTPHandler creates a new OTP handler
func NewOTPHandler(engine OTPEngine, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		engine: engine,
		logger: logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all OTP routes
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/", h.IssueOTP)
		r.Post("/verify", h.VerifyOTP)
		r.Get("/stats", h.GetStats)

		r.Route("/blacklist/{identifierType}/{identifier}", func(r chi.Router) {
			r.Get("/", h.GetBlacklistStatus)
			r.Delete("/", h.ReleaseBlacklist)
		})
	})
}

type issueRequest struct {
	IdentifierType string `json:"identifier_type"`
	Identifier     string `json:"identifier"`
	Purpose        string `json:"purpose"`
}

type verifyRequest struct {
	IdentifierType string `json:"identifier_type"`
	Identifier     string `json:"identifier"`
	Purpose        string `json:"purpose"`
	Code           string `json:"code"`
}

// IssueOTP handles code issuance requests
func (h *OTPHandler) IssueOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	identifier, purpose, err := parseTarget(req.IdentifierType, req.Identifier, req.Purpose)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request")
		return
	}

	record, err := h.engine.CreateOTP(ctx, identifier, purpose, requesterIP(r))
	if err != nil {
		var rateLimited *service.RateLimitedError
		if errors.As(err, &rateLimited) && rateLimited.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfter))
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to send verification code")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(map[string]interface{}{
		"otp_id":             record.OTPID,
		"expires_at":         record.ExpiresAt,
		"expires_in_minutes": int(record.ExpiresAt.Sub(record.CreatedAt).Minutes()),
	}, "Verification code sent"))

	h.logger.Info("OTP issued via HTTP",
		util.String("otp_id", record.OTPID),
		util.String("purpose", string(purpose)),
		util.Duration("duration", time.Since(startTime)),
	)
}

// VerifyOTP handles code verification requests
func (h *OTPHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.Code == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("code is required"), "Invalid request")
		return
	}

	identifier, purpose, err := parseTarget(req.IdentifierType, req.Identifier, req.Purpose)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request")
		return
	}

	accountID, err := h.engine.VerifyOTP(ctx, identifier, purpose, req.Code)
	if err != nil {
		var incorrect *service.IncorrectCodeError
		if errors.As(err, &incorrect) {
			h.respondWithJSON(w, http.StatusUnauthorized, Response{
				Success: false,
				Error:   err.Error(),
				Message: "Incorrect verification code",
				Data: map[string]interface{}{
					"remaining_attempts": incorrect.Remaining,
				},
			})
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Verification failed")
		return
	}

	var data map[string]interface{}
	if accountID != "" {
		data = map[string]interface{}{"account_id": accountID}
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(data, "Verification successful"))

	h.logger.Info("OTP verified via HTTP",
		util.String("purpose", string(purpose)),
		util.Duration("duration", time.Since(startTime)),
	)
}

// GetBlacklistStatus reports whether an identifier is currently blocked
func (h *OTPHandler) GetBlacklistStatus(w http.ResponseWriter, r *http.Request) {
	identifier, err := pathIdentifier(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid identifier")
		return
	}

	entry, err := h.engine.BlacklistStatus(r.Context(), identifier)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Blacklist lookup failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(entry, "Identifier is blacklisted"))
}

// ReleaseBlacklist lifts an active block
func (h *OTPHandler) ReleaseBlacklist(w http.ResponseWriter, r *http.Request) {
	identifier, err := pathIdentifier(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid identifier")
		return
	}

	if err := h.engine.ReleaseBlacklist(r.Context(), identifier); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Blacklist release failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Blacklist entry released"))
}

// GetStats returns rolling issuance and verification counters
func (h *OTPHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, "Failed to collect stats")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "OTP stats"))
}

func parseTarget(identifierType, identifier, purpose string) (model.Identifier, model.Purpose, error) {
	typ, err := model.ParseIdentifierType(identifierType)
	if err != nil {
		return model.Identifier{}, "", err
	}
	id, err := model.NewIdentifier(typ, identifier)
	if err != nil {
		return model.Identifier{}, "", err
	}
	p, err := model.ParsePurpose(purpose)
	if err != nil {
		return model.Identifier{}, "", err
	}
	return id, p, nil
}

func pathIdentifier(r *http.Request) (model.Identifier, error) {
	typ, err := model.ParseIdentifierType(chi.URLParam(r, "identifierType"))
	if err != nil {
		return model.Identifier{}, err
	}
	return model.NewIdentifier(typ, chi.URLParam(r, "identifier"))
}

func requesterIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// respondWithJSON sends a JSON response
func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *OTPHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *OTPHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrDeliveryFailed):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrInvalidOrExpired), errors.Is(err, service.ErrIncorrectCode):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrLockedOut):
		return http.StatusLocked
	case errors.Is(err, service.ErrNotBlacklisted):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidIdentifier),
		errors.Is(err, model.ErrInvalidIdentifierType),
		errors.Is(err, model.ErrInvalidPurpose):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
