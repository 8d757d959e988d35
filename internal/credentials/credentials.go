// Package credentials mints single-use runner registration tokens for a
// GitHub organization on behalf of a GitHub App.
//
// The exchange is two steps: an RS256 JWT signed with the App's private key
// buys an installation access token, which in turn buys a registration
// token.  Nothing is cached; each lifecycle gets a fresh token.
package credentials

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v57/github"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	// jwtBackdate absorbs clock drift between this host and GitHub.
	jwtBackdate = 30 * time.Second

	// jwtLifetime stays under GitHub's 10 minute limit so host clock skew
	// does not get the assertion rejected.
	jwtLifetime = 9 * time.Minute

	redacted = "[REDACTED]"
)

// RegistrationToken is a short-lived token the runner agent uses once to
// register itself with the organization.
type RegistrationToken struct {
	Value     string
	ExpiresAt time.Time
}

// String never includes the token value.
func (t RegistrationToken) String() string {
	return fmt.Sprintf("RegistrationToken(%s, expires %s)", redacted, t.ExpiresAt.Format(time.RFC3339))
}

// LogValue implements slog.LogValuer so a token passed to a logger is
// redacted.
func (t RegistrationToken) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("value", redacted),
		slog.Time("expires_at", t.ExpiresAt),
	)
}

// Config holds GitHub App settings for the token exchange.
type Config struct {
	// AppID is the GitHub App identifier, used as the JWT issuer.
	AppID string

	// InstallationID is the App's installation on the organization.
	InstallationID int64

	// Org is the organization runners register with.
	Org string

	// PrivateKey is the App's PEM-encoded RSA private key.
	PrivateKey []byte

	// APIURL is the REST API root.  Default: https://api.github.com/
	APIURL string

	// RetryMax is the number of retries after a transport error, 429 or
	// 5xx response.  Default: 8.
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the exponential wait between
	// retries.  Defaults: 1s and 30s.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Source obtains registration tokens.
type Source struct {
	appID          string
	installationID int64
	org            string
	key            *rsa.PrivateKey
	retry          *retryablehttp.Client
	baseURL        *url.URL
	logger         *slog.Logger
	now            func() time.Time
}

// New parses the App key and builds a retrying API client.
func New(cfg Config, logger *slog.Logger) (*Source, error) {
	if cfg.AppID == "" || cfg.InstallationID == 0 || cfg.Org == "" {
		return nil, errors.New("credentials: app id, installation id and org are required")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing github app private key: %w", err)
	}

	if cfg.RetryMax == 0 {
		cfg.RetryMax = 8
	}
	if cfg.RetryWaitMin == 0 {
		cfg.RetryWaitMin = time.Second
	}
	if cfg.RetryWaitMax == 0 {
		cfg.RetryWaitMax = 30 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Logger = logger.WithGroup("http")

	src := &Source{
		appID:          cfg.AppID,
		installationID: cfg.InstallationID,
		org:            cfg.Org,
		key:            key,
		retry:          rc,
		logger:         logger,
		now:            time.Now,
	}
	if cfg.APIURL != "" {
		base := cfg.APIURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parsing github api url %q: %w", cfg.APIURL, err)
		}
		src.baseURL = u
	}
	return src, nil
}

// client returns an API client that sends token as its bearer credential.
// Every call gets its own http.Client, so credentials of one exchange step
// never leak into another.
func (s *Source) client(token string) *github.Client {
	hc := s.retry.StandardClient()
	hc.Transport = &bearerTransport{token: token, base: hc.Transport}

	c := github.NewClient(hc)
	if s.baseURL != nil {
		u := *s.baseURL
		c.BaseURL = &u
	}
	return c
}

// bearerTransport sets the Authorization header on a copy of each request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(r)
}

// RegistrationToken performs the full exchange.
func (s *Source) RegistrationToken(ctx context.Context) (RegistrationToken, error) {
	s.logger.Debug("requesting runner registration token", slog.String("org", s.org))

	assertion, err := s.appJWT()
	if err != nil {
		return RegistrationToken{}, err
	}

	inst, _, err := s.client(assertion).Apps.CreateInstallationToken(ctx, s.installationID, nil)
	if err != nil {
		return RegistrationToken{}, fmt.Errorf("creating installation token: %w", err)
	}
	if inst.GetToken() == "" {
		return RegistrationToken{}, errors.New("creating installation token: empty token in response")
	}

	reg, _, err := s.client(inst.GetToken()).Actions.CreateOrganizationRegistrationToken(ctx, s.org)
	if err != nil {
		return RegistrationToken{}, fmt.Errorf("creating registration token for %s: %w", s.org, err)
	}
	if reg.GetToken() == "" {
		return RegistrationToken{}, errors.New("creating registration token: empty token in response")
	}

	tok := RegistrationToken{Value: reg.GetToken(), ExpiresAt: reg.GetExpiresAt().Time}
	s.logger.Info("runner registration token obtained", slog.Any("token", tok))
	return tok, nil
}

// appJWT signs the App assertion.
func (s *Source) appJWT() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-jwtBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing app jwt: %w", err)
	}
	return signed, nil
}

// HTTPStatus extracts the HTTP status code from an exchange error, or 0.
func HTTPStatus(err error) int {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode
	}
	return 0
}

// Compile-time check that slog satisfies the retrying client's logger
// contract.
var _ retryablehttp.LeveledLogger = (*slog.Logger)(nil)
