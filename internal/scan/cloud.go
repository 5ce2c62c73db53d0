// internal/scan/cloud.go
package scan

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/warden/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	maxResponseBytes = 1 << 20
	tokenLifetime    = 5 * time.Minute
)

// HTTPClient looks up hashes against a REST endpoint: GET {endpoint}/{sha256}.
type HTTPClient struct {
	endpoint string
	clientID string
	secret   []byte
	client   *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time
}

// lookupResponse accepts both field names the service has used for the verdict.
type lookupResponse struct {
	Result     interface{} `json:"result"`
	ScanResult interface{} `json:"scan_result"`
}

// NewHTTPClient builds a cloud client from configuration. A zero rate limit
// disables pacing.
func NewHTTPClient(cfg config.CloudConfig, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cloud endpoint cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("cloud")

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     30 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		clientID: cfg.ClientID,
		secret:   []byte(cfg.APISecret),
		client:   &http.Client{Transport: transport, Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(limit, burst),
		logger:   log,
		now:      time.Now,
	}, nil
}

// Lookup returns the HTTP status and the service's verdict string. Transport
// and decode failures return StatusFailed; non-2xx responses return the
// negated status. There are no retries.
func (c *HTTPClient) Lookup(ctx context.Context, sum string) (int, string) {
	if err := c.limiter.Wait(ctx); err != nil {
		c.logger.Debug("Context cancelled while waiting for rate limiter.", zap.Error(err))
		return StatusFailed, ""
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/"+sum, nil)
	if err != nil {
		c.logger.Warn("Failed to build cloud lookup request.", zap.Error(err))
		return StatusFailed, ""
	}
	req.Header.Set("Accept", "application/json")
	if len(c.secret) > 0 {
		token, err := c.token(sum)
		if err != nil {
			c.logger.Warn("Failed to sign cloud lookup token.", zap.Error(err))
			return StatusFailed, ""
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("Cloud lookup failed.", zap.String("sha256", sum), zap.Error(err))
		return StatusFailed, ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		c.logger.Info("Cloud lookup returned non-success status.",
			zap.String("sha256", sum), zap.Int("status", resp.StatusCode))
		return -resp.StatusCode, ""
	}

	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		c.logger.Warn("Failed to decode cloud lookup response.", zap.String("sha256", sum), zap.Error(err))
		return StatusFailed, ""
	}
	return resp.StatusCode, body.verdict()
}

func (r lookupResponse) verdict() string {
	for _, v := range []interface{}{r.Result, r.ScanResult} {
		switch t := v.(type) {
		case nil:
		case string:
			return t
		case float64:
			return fmt.Sprintf("%g", t)
		default:
			return fmt.Sprint(t)
		}
	}
	return ""
}

// token signs a short-lived HS256 bearer bound to the looked-up hash.
func (c *HTTPClient) token(sum string) (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.clientID,
		Subject:   sum,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}
