package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/crypto_trade_signal/internal/domain"
	"github.com/vitos/crypto_trade_signal/internal/infrastructure/resilience"
	"go.uber.org/zap"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	defaultRecvWindow = 5000
	categoryLinear    = "linear"
)

// Bybit retCodes that mean "try again later" rather than "your request is wrong".
const (
	retCodeTooManyVisits    = 10006
	retCodeServerError      = 10016
	retCodeLeverageNotMoved = 110043
	retCodeDuplicateLinkID  = 110072
)

// GatewayConfig holds connection and formatting settings for the Bybit gateway.
type GatewayConfig struct {
	APIKey         string
	APISecret      string
	BaseURL        string
	RecvWindow     int
	HTTPTimeout    time.Duration
	QtyPrecision   int32
	PricePrecision int32
	SettleCoin     string
	AccountType    string
	BookDepth      int
}

// BybitGateway is the signed Bybit v5 linear-futures client. Every call passes through the
// shared rate limiter, the circuit breaker and the retrier, in that order.
type BybitGateway struct {
	cfg     GatewayConfig
	client  *http.Client
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
	retrier *resilience.Retrier
	logger  *zap.Logger

	timeNow   func() time.Time
	newLinkID func() string
}

var _ domain.Exchange = (*BybitGateway)(nil)

func NewBybitGateway(cfg GatewayConfig, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker, retrier *resilience.Retrier, logger *zap.Logger) *BybitGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BybitBaseURL
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = defaultRecvWindow
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.SettleCoin == "" {
		cfg.SettleCoin = "USDT"
	}
	if cfg.AccountType == "" {
		cfg.AccountType = "UNIFIED"
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BybitGateway{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		limiter:   limiter,
		breaker:   breaker,
		retrier:   retrier,
		logger:    logger,
		timeNow:   time.Now,
		newLinkID: func() string { return uuid.NewString() },
	}
}

// BreakerStatus exposes the venue circuit state for the engine snapshot.
func (g *BybitGateway) BreakerStatus() resilience.BreakerStatus {
	return g.breaker.Status()
}

// envelope is the common Bybit v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// sign implements Bybit v5 auth: HMAC-SHA256(timestamp + apiKey + recvWindow + payload).
func (g *BybitGateway) sign(payload string, timestamp int64) string {
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, g.cfg.APIKey, g.cfg.RecvWindow, payload)
	h := hmac.New(sha256.New, []byte(g.cfg.APISecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

// call runs one logical venue operation through limiter, breaker and retrier, and decodes
// the result section into out (if not nil).
func (g *BybitGateway) call(ctx context.Context, method, path string, query url.Values, body map[string]any, out any) error {
	op := method + " " + path

	if err := g.limiter.CheckLimit(ctx); err != nil {
		return fmt.Errorf("%s: waiting for rate limit: %w", op, err)
	}
	if err := g.breaker.Allow(); err != nil {
		return err
	}

	attempts, err := g.retrier.Do(ctx, func(ctx context.Context) error {
		return g.doRequest(ctx, method, path, query, body, out)
	})

	switch {
	case err == nil:
		g.breaker.RecordSuccess()
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		g.breaker.Release()
		return err
	case domain.IsRetryable(err):
		g.breaker.RecordFailure()
		g.logger.Warn("Venue call degraded",
			zap.String("op", op),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return &domain.ServiceDegradedError{Op: op, Attempts: attempts, Err: err}
	default:
		// The venue answered; a rejection says nothing about its health.
		g.breaker.RecordSuccess()
		return err
	}
}

func (g *BybitGateway) doRequest(ctx context.Context, method, path string, query url.Values, body map[string]any, out any) error {
	op := method + " " + path
	timestamp := g.timeNow().UnixMilli()

	target := g.cfg.BaseURL + path
	var payload string
	var reqBody io.Reader
	if method == http.MethodGet {
		payload = query.Encode()
		if payload != "" {
			target += "?" + payload
		}
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encoding body: %w", op, err)
		}
		payload = string(raw)
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("%s: building request: %w", op, err)
	}
	req.Header.Set("X-BAPI-API-KEY", g.cfg.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", g.sign(payload, timestamp))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(g.cfg.RecvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &domain.TransientNetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.TransientNetworkError{Op: op, Err: fmt.Errorf("reading body: %w", err)}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &domain.TransientNetworkError{Op: op, Err: fmt.Errorf("http %d: %s", resp.StatusCode, truncate(respBody))}
	}

	var env envelope
	decodeErr := json.Unmarshal(respBody, &env)

	if resp.StatusCode >= 400 {
		rejected := &domain.VenueRejectedError{HTTPStatus: resp.StatusCode, Message: truncate(respBody)}
		if decodeErr == nil {
			rejected.Code = env.RetCode
			if env.RetMsg != "" {
				rejected.Message = env.RetMsg
			}
		}
		return rejected
	}
	if decodeErr != nil {
		return &domain.ValidationError{Field: "response", Reason: fmt.Sprintf("%s: %v", op, decodeErr)}
	}

	switch env.RetCode {
	case 0:
	case retCodeTooManyVisits, retCodeServerError:
		return &domain.TransientNetworkError{Op: op, Err: fmt.Errorf("retCode %d: %s", env.RetCode, env.RetMsg)}
	default:
		return &domain.VenueRejectedError{HTTPStatus: resp.StatusCode, Code: env.RetCode, Message: env.RetMsg}
	}

	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &domain.ValidationError{Field: "result", Reason: fmt.Sprintf("%s: %v", op, err)}
	}
	return nil
}

// ServerTime pings the public time endpoint. It is used by the operator check tool.
func (g *BybitGateway) ServerTime(ctx context.Context) (time.Time, error) {
	var res struct {
		TimeNano string `json:"timeNano"`
	}
	if err := g.call(ctx, http.MethodGet, "/v5/market/time", nil, nil, &res); err != nil {
		return time.Time{}, err
	}
	ns, err := strconv.ParseInt(res.TimeNano, 10, 64)
	if err != nil {
		return time.Time{}, &domain.ValidationError{Field: "timeNano", Reason: err.Error()}
	}
	return time.Unix(0, ns), nil
}

func parseNumber(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, &domain.ValidationError{Field: field, Reason: fmt.Sprintf("not a number: %q", s)}
	}
	return v, nil
}

// parseOptional treats an empty string as zero; Bybit sends "" for unset prices.
func parseOptional(field, s string) (float64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return parseNumber(field, s)
}

func truncate(b []byte) string {
	const maxLen = 256
	if len(b) > maxLen {
		return string(b[:maxLen]) + "..."
	}
	return string(b)
}

func venueSide(s domain.Side) string {
	if s == domain.SideShort {
		return "Sell"
	}
	return "Buy"
}

func domainSide(s string) (domain.Side, bool) {
	switch s {
	case "Buy":
		return domain.SideLong, true
	case "Sell":
		return domain.SideShort, true
	}
	return "", false
}
