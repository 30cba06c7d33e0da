package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/service"
)

// stubEngine implements OTPEngine with function fields.
type stubEngine struct {
	createOTPFn        func(ctx context.Context, identifier model.Identifier, purpose model.Purpose, requesterIP string) (*model.OTPRecord, error)
	verifyOTPFn        func(ctx context.Context, identifier model.Identifier, purpose model.Purpose, code string) (string, error)
	blacklistStatusFn  func(ctx context.Context, identifier model.Identifier) (*model.BlacklistEntry, error)
	releaseBlacklistFn func(ctx context.Context, identifier model.Identifier) error
	statsFn            func(ctx context.Context) (map[string]map[string]int64, error)
}

func (s *stubEngine) CreateOTP(ctx context.Context, identifier model.Identifier, purpose model.Purpose, requesterIP string) (*model.OTPRecord, error) {
	if s.createOTPFn != nil {
		return s.createOTPFn(ctx, identifier, purpose, requesterIP)
	}
	return nil, errors.New("not wired")
}

func (s *stubEngine) VerifyOTP(ctx context.Context, identifier model.Identifier, purpose model.Purpose, code string) (string, error) {
	if s.verifyOTPFn != nil {
		return s.verifyOTPFn(ctx, identifier, purpose, code)
	}
	return "", errors.New("not wired")
}

func (s *stubEngine) BlacklistStatus(ctx context.Context, identifier model.Identifier) (*model.BlacklistEntry, error) {
	if s.blacklistStatusFn != nil {
		return s.blacklistStatusFn(ctx, identifier)
	}
	return nil, service.ErrNotBlacklisted
}

func (s *stubEngine) ReleaseBlacklist(ctx context.Context, identifier model.Identifier) error {
	if s.releaseBlacklistFn != nil {
		return s.releaseBlacklistFn(ctx, identifier)
	}
	return nil
}

func (s *stubEngine) Stats(ctx context.Context) (map[string]map[string]int64, error) {
	if s.statsFn != nil {
		return s.statsFn(ctx)
	}
	return map[string]map[string]int64{}, nil
}

var _ OTPEngine = (*stubEngine)(nil)

func newTestServer(engine *stubEngine) *httptest.Server {
	router := chi.NewRouter()
	NewOTPHandler(engine, zap.NewNop()).RegisterRoutes(router)
	return httptest.NewServer(router)
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) Response {
	t.Helper()
	defer resp.Body.Close()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestIssueOTP(t *testing.T) {
	issueBody := map[string]string{
		"identifier_type": "phone",
		"identifier":      "+15551234567",
		"purpose":         "login",
	}

	t.Run("success returns 201 with otp id and expiry", func(t *testing.T) {
		createdAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
		expiresAt := createdAt.Add(10 * time.Minute)
		engine := &stubEngine{
			createOTPFn: func(_ context.Context, identifier model.Identifier, purpose model.Purpose, requesterIP string) (*model.OTPRecord, error) {
				assert.Equal(t, model.IdentifierPhone, identifier.Type)
				assert.Equal(t, "+15551234567", identifier.Value)
				assert.Equal(t, model.PurposeLogin, purpose)
				assert.NotEmpty(t, requesterIP)
				return &model.OTPRecord{OTPID: "otp-abc", CreatedAt: createdAt, ExpiresAt: expiresAt}, nil
			},
		}
		srv := newTestServer(engine)
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/otp", issueBody)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		body := decodeResponse(t, resp)
		assert.True(t, body.Success)
		data := body.Data.(map[string]interface{})
		assert.Equal(t, "otp-abc", data["otp_id"])
		assert.Equal(t, float64(10), data["expires_in_minutes"])
	})

	t.Run("rate limited returns 429 with Retry-After header", func(t *testing.T) {
		engine := &stubEngine{
			createOTPFn: func(_ context.Context, _ model.Identifier, _ model.Purpose, _ string) (*model.OTPRecord, error) {
				return nil, &service.RateLimitedError{RetryAfter: 42}
			},
		}
		srv := newTestServer(engine)
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/otp", issueBody)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Equal(t, "42", resp.Header.Get("Retry-After"))

		body := decodeResponse(t, resp)
		assert.False(t, body.Success)
	})

	t.Run("blacklisted returns 429 without Retry-After", func(t *testing.T) {
		engine := &stubEngine{
			createOTPFn: func(_ context.Context, _ model.Identifier, _ model.Purpose, _ string) (*model.OTPRecord, error) {
				return nil, &service.RateLimitedError{Reason: "Too many failed OTP attempts"}
			},
		}
		srv := newTestServer(engine)
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/otp", issueBody)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("Retry-After"))
	})

	t.Run("delivery failure returns 502", func(t *testing.T) {
		engine := &stubEngine{
			createOTPFn: func(_ context.Context, _ model.Identifier, _ model.Purpose, _ string) (*model.OTPRecord, error) {
				return nil, &service.DeliveryError{Provider: "sns", Err: errors.New("throttled")}
			},
		}
		srv := newTestServer(engine)
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/otp", issueBody)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})

	t.Run("malformed identifier returns 400", func(t *testing.T) {
		engine := &stubEngine{}
		srv := newTestServer(engine)
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/otp", map[string]string{
			"identifier_type": "phone",
			"identifier":      "not-a-phone",
			"purpose":         "login",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown purpose returns 400", func(t *testing.T) {
		engine := &stubEngine{}
		srv := newTestServer(engine)
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/otp", map[string]string{
			"identifier_type": "phone",
			"identifier":      "+15551234567",
			"purpose":         "unlock_vault",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid JSON body returns 400", func(t *testing.T) {
		engine := &stubEngine{}
		srv := newTestServer(engine)
		defer srv.Close()

		resp, err := http.Post(srv.URL+"/otp", "application/json", bytes.NewReader([]byte("{")))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("internal failure returns 500", func(t *testing.T) {
		engine := &stubEngine{
			createOTPFn: func(_ context.Context, _ model.Identifier, _ model.Purpose, _ string) (*model.OTPRecord, error) {
				return nil, errors.New("scylla down")
			},
		}
		srv := newTestServer(engine)
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/otp", issueBody)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestVerifyOTPEndpoint(t *testing.T) {
	verifyBody := map[string]string{
		"identifier_type": "email",
		"identifier":      "user@example.com",
		"purpose":         "registration",
		"code":            "123456",
	}

	t.Run("success returns 200 with bound account id", func(t *testing.T) {
		engine := &stubEngine{
			verifyOTPFn: func(_ context.Context, identifier model.Identifier, purpose model.Purpose, code string) (string, error) {
				assert.Equal(t, model.IdentifierEmail, identifier.Type)
				assert.Equal(t, "user@example.com", identifier.Value)
				assert.Equal(t, model.PurposeRegistration, purpose)
				assert.Equal(t, "123456", code)
				return "acct-042", nil
			},
		}
		srv := newTestServer(engine)
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/otp/verify", verifyBody)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeResponse(t, resp)
		assert.True(t, body.Success)
		data := body.Data.(map[string]interface{})
		assert.Equal(t, "acct-042", data["account_id"])
	})

	t.Run("success without an owning account omits account_id", func(t *testing.T) {
		engine := &stubEngine{
			verifyOTPFn: func(_ context.Context, _ model.Identifier, _ model.Purpose, _ string) (string, error) {
				return "", nil
			},
		}
		srv := newTestServer(engine)
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/otp/verify", verifyBody)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeResponse(t, resp)
		assert.True(t, body.Success)
		assert.Nil(t, body.Data)
	})

	t.Run("incorrect code returns 401 with remaining attempts", func(t *testing.T) {
		engine := &stubEngine{
			verifyOTPFn: func(_ context.Context, _ model.Identifier, _ model.Purpose, _ string) (string, error) {
				return "", &service.IncorrectCodeError{Remaining: 3}
			},
		}
		srv := newTestServer(engine)
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/otp/verify", verifyBody)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		body := decodeResponse(t, resp)
		assert.False(t, body.Success)
		data := body.Data.(map[string]interface{})
		assert.Equal(t, float64(3), data["remaining_attempts"])
	})

	t.Run("expired or missing code returns 401", func(t *testing.T) {
		engine := &stubEngine{
			verifyOTPFn: func(_ context.Context, _ model.Identifier, _ model.Purpose, _ string) (string, error) {
				return "", service.ErrInvalidOrExpired
			},
		}
		srv := newTestServer(engine)
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/otp/verify", verifyBody)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("lockout returns 423", func(t *testing.T) {
		engine := &stubEngine{
			verifyOTPFn: func(_ context.Context, _ model.Identifier, _ model.Purpose, _ string) (string, error) {
				return "", service.ErrLockedOut
			},
		}
		srv := newTestServer(engine)
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/otp/verify", verifyBody)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusLocked, resp.StatusCode)
	})

	t.Run("missing code returns 400 before engine call", func(t *testing.T) {
		called := false
		engine := &stubEngine{
			verifyOTPFn: func(_ context.Context, _ model.Identifier, _ model.Purpose, _ string) (string, error) {
				called = true
				return "", nil
			},
		}
		srv := newTestServer(engine)
		defer srv.Close()

		resp := postJSON(t, srv.URL+"/otp/verify", map[string]string{
			"identifier_type": "email",
			"identifier":      "user@example.com",
			"purpose":         "registration",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.False(t, called)
	})
}

func TestBlacklistEndpoints(t *testing.T) {
	phonePath := "/otp/blacklist/phone/" + url.PathEscape("+15551234567")

	t.Run("active block returns entry", func(t *testing.T) {
		blockedUntil := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
		engine := &stubEngine{
			blacklistStatusFn: func(_ context.Context, identifier model.Identifier) (*model.BlacklistEntry, error) {
				assert.Equal(t, "+15551234567", identifier.Value)
				return &model.BlacklistEntry{
					IdentifierType: model.IdentifierPhone,
					Reason:         "Too many failed OTP attempts",
					BlockedUntil:   blockedUntil,
				}, nil
			},
		}
		srv := newTestServer(engine)
		defer srv.Close()

		resp, err := http.Get(srv.URL + phonePath)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeResponse(t, resp)
		assert.True(t, body.Success)
		data := body.Data.(map[string]interface{})
		assert.Equal(t, "Too many failed OTP attempts", data["reason"])
	})

	t.Run("no block returns 404", func(t *testing.T) {
		engine := &stubEngine{}
		srv := newTestServer(engine)
		defer srv.Close()

		resp, err := http.Get(srv.URL + phonePath)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("release lifts an active block", func(t *testing.T) {
		released := false
		engine := &stubEngine{
			releaseBlacklistFn: func(_ context.Context, identifier model.Identifier) error {
				released = true
				assert.Equal(t, model.IdentifierPhone, identifier.Type)
				return nil
			},
		}
		srv := newTestServer(engine)
		defer srv.Close()

		req, err := http.NewRequest(http.MethodDelete, srv.URL+phonePath, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, released)
	})

	t.Run("release without active block returns 404", func(t *testing.T) {
		engine := &stubEngine{
			releaseBlacklistFn: func(_ context.Context, _ model.Identifier) error {
				return service.ErrNotBlacklisted
			},
		}
		srv := newTestServer(engine)
		defer srv.Close()

		req, err := http.NewRequest(http.MethodDelete, srv.URL+phonePath, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("bad identifier type in path returns 400", func(t *testing.T) {
		engine := &stubEngine{}
		srv := newTestServer(engine)
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/otp/blacklist/carrier-pigeon/+15551234567")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGetStats(t *testing.T) {
	engine := &stubEngine{
		statsFn: func(_ context.Context) (map[string]map[string]int64, error) {
			return map[string]map[string]int64{
				"login": {"issued": 12, "verified": 9, "failed": 3},
			}, nil
		},
	}
	srv := newTestServer(engine)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/otp/stats")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeResponse(t, resp)
	require.True(t, body.Success)
	data := body.Data.(map[string]interface{})
	login := data["login"].(map[string]interface{})
	assert.Equal(t, float64(9), login["verified"])
}
