package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/daotreasury/internal/authz"
	"github.com/alanyoungcy/daotreasury/internal/cache/memory"
	"github.com/alanyoungcy/daotreasury/internal/crypto"
)

const (
	testKeyHex  = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testAddress = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// echoCaller writes the attached principal, or "-" when none is present.
func echoCaller(w http.ResponseWriter, r *http.Request) {
	p, ok := authz.CallerFromContext(r.Context())
	if !ok {
		_, _ = io.WriteString(w, "-")
		return
	}
	_, _ = io.WriteString(w, string(p))
}

func TestIdentity(t *testing.T) {
	issuer, err := crypto.NewTokenIssuer("0123456789abcdef0123", time.Hour)
	require.NoError(t, err)
	token, _, err := issuer.Issue("alice")
	require.NoError(t, err)
	sysToken, _, err := issuer.Issue("system:governance")
	require.NoError(t, err)

	key, err := ethcrypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)

	signed := func(ts time.Time, body string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/vault/bonds", strings.NewReader(body))
		sig, err := crypto.SignRequest(key, req.Method, req.URL.Path, ts.Unix(), []byte(body))
		require.NoError(t, err)
		req.Header.Set(HeaderAddress, strings.ToLower(testAddress))
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
		req.Header.Set(HeaderSignature, sig)
		return req
	}
	bearer := func(tok string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/ledger/mint", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		return req
	}

	tests := []struct {
		name       string
		req        *http.Request
		wantStatus int
		wantBody   string
	}{
		{"read passes through", httptest.NewRequest(http.MethodGet, "/v1/vault/stats", nil), http.StatusOK, "-"},
		{"missing credentials", httptest.NewRequest(http.MethodPost, "/v1/vault/bonds", nil), http.StatusUnauthorized, ""},
		{"bearer token", bearer(token), http.StatusOK, "alice"},
		{"bad bearer token", bearer("garbage"), http.StatusUnauthorized, ""},
		{"system subject rejected", bearer(sysToken), http.StatusUnauthorized, ""},
		{"signed request", signed(now, `{"amount":1}`), http.StatusOK, testAddress},
		{"stale signature", signed(now.Add(-time.Hour), `{}`), http.StatusUnauthorized, ""},
	}

	mw := Identity(IdentityConfig{Tokens: issuer, Now: func() time.Time { return now }}, discard)
	h := mw(http.HandlerFunc(echoCaller))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestIdentity_SignedBodyIsRestoredAndReplayRejected(t *testing.T) {
	key, err := ethcrypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	body := `{"amount":500}`
	sig, err := crypto.SignRequest(key, http.MethodPost, "/v1/vault/bonds", now.Unix(), []byte(body))
	require.NoError(t, err)

	var seenBody string
	h := Identity(IdentityConfig{Now: func() time.Time { return now }}, discard)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			seenBody = string(b)
		}))

	sendWith := func(payload, signature string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/vault/bonds", strings.NewReader(payload))
		req.Header.Set(HeaderAddress, testAddress)
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
		req.Header.Set(HeaderSignature, signature)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	send := func(payload string) int { return sendWith(payload, sig) }

	assert.Equal(t, http.StatusUnauthorized, send(`{"amount":9999}`), "tampered body")
	assert.Equal(t, http.StatusOK, send(body))
	assert.Equal(t, body, seenBody)
	assert.Equal(t, http.StatusUnauthorized, send(body), "replay")

	// The same signature with a raw recovery id still verifies, so it must
	// hit the replay guard too.
	raw, err := hexutil.Decode(sig)
	require.NoError(t, err)
	raw[ethcrypto.RecoveryIDOffset] -= 27
	require.NoError(t, crypto.VerifyRequest(common.HexToAddress(testAddress), hexutil.Encode(raw), http.MethodPost, "/v1/vault/bonds", now.Unix(), []byte(body)))
	assert.Equal(t, http.StatusUnauthorized, sendWith(body, hexutil.Encode(raw)), "re-encoded replay")
}

func TestLogging_SetsRequestID(t *testing.T) {
	h := Logging(discard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Len(t, rec.Header().Get(HeaderRequestID), 36)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(HeaderRequestID))
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://dao.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/vault/bonds", nil)
	req.Header.Set("Origin", "https://dao.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dao.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), HeaderSignature)

	req = httptest.NewRequest(http.MethodGet, "/v1/vault/bonds", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(memory.NewRateLimiter(), 2, time.Minute, discard)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded for", map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8"}, "9.9.9.9:1", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-IP": "4.4.4.4"}, "9.9.9.9:1", "4.4.4.4"},
		{"remote addr", nil, "9.9.9.9:1", "9.9.9.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIP(req))
		})
	}
}
