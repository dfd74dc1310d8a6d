package middleware

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"

	"github.com/alanyoungcy/daotreasury/internal/authz"
	"github.com/alanyoungcy/daotreasury/internal/crypto"
	"github.com/alanyoungcy/daotreasury/internal/domain"
	"github.com/alanyoungcy/daotreasury/internal/server/handler"
)

// Signed-request headers.
const (
	HeaderAddress   = "X-Treasury-Address"
	HeaderTimestamp = "X-Treasury-Timestamp"
	HeaderSignature = "X-Treasury-Signature"
)

const (
	defaultMaxSkew = 5 * time.Minute
	maxSignedBody  = 1 << 20
)

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// IdentityConfig configures the Identity middleware.
type IdentityConfig struct {
	// Tokens validates bearer tokens. nil disables the bearer path.
	Tokens TokenValidator
	// MaxSkew bounds how far a signed timestamp may drift from now.
	MaxSkew time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Identity attaches the caller principal to mutating requests. Reads pass
// through untouched. A mutating request must carry either a bearer token or
// a valid EIP-191 signature over the request; signatures are accepted once.
func Identity(cfg IdentityConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = defaultMaxSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	seen := gocache.New(2*cfg.MaxSkew, cfg.MaxSkew)
	logger = logger.With(slog.String("component", "identity"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			var (
				p   domain.Principal
				err error
			)
			if token := bearerToken(r); token != "" && cfg.Tokens != nil {
				p, err = fromToken(cfg.Tokens, token)
			} else if r.Header.Get(HeaderSignature) != "" {
				p, err = fromSignature(r, cfg, seen)
			} else {
				handler.WriteStatus(w, http.StatusUnauthorized, "Unauthorized", "missing credentials")
				return
			}
			if err != nil {
				logger.WarnContext(r.Context(), "rejected credentials",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				handler.WriteStatus(w, http.StatusUnauthorized, "Unauthorized", "invalid credentials")
				return
			}
			next.ServeHTTP(w, r.WithContext(authz.WithCaller(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func fromToken(tokens TokenValidator, token string) (domain.Principal, error) {
	sub, err := tokens.Validate(token)
	if err != nil {
		return "", err
	}
	return authz.ParsePrincipal(sub)
}

func fromSignature(r *http.Request, cfg IdentityConfig, seen *gocache.Cache) (domain.Principal, error) {
	addr := r.Header.Get(HeaderAddress)
	if !common.IsHexAddress(addr) {
		return "", errorf("address %q", addr)
	}
	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return "", errorf("timestamp %q", r.Header.Get(HeaderTimestamp))
	}
	if skew := cfg.Now().Sub(time.Unix(ts, 0)).Abs(); skew > cfg.MaxSkew {
		return "", errorf("timestamp skew %s", skew)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	address := common.HexToAddress(addr)
	sig := r.Header.Get(HeaderSignature)
	if err := crypto.VerifyRequest(address, sig, r.Method, r.URL.Path, ts, body); err != nil {
		return "", err
	}
	// Keyed on what was signed, not on the signature encoding.
	key := address.Hex() + ":" + crypto.RequestDigest(r.Method, r.URL.Path, ts, body).Hex()
	if err := seen.Add(key, struct{}{}, gocache.DefaultExpiration); err != nil {
		return "", errorf("signature replayed")
	}
	return authz.ParsePrincipal(addr)
}

func errorf(format string, args ...any) error {
	return fmt.Errorf("identity: "+format, args...)
}
