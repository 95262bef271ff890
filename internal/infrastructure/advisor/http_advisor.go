package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/vitos/crypto_trade_signal/internal/domain"
	"go.uber.org/zap"
)

// Config configures the AI recommendation client.
type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
	Retries int
}

// HTTPAdvisor asks an external AI service for a trade recommendation.
type HTTPAdvisor struct {
	cfg    Config
	client *retryablehttp.Client
	logger *zap.Logger
}

var _ domain.Advisor = (*HTTPAdvisor)(nil)

func NewHTTPAdvisor(cfg Config, logger *zap.Logger) *HTTPAdvisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = leveledZap{logger.Sugar()}

	return &HTTPAdvisor{cfg: cfg, client: client, logger: logger}
}

type recommendRequest struct {
	Snapshot domain.MarketSnapshot `json:"snapshot"`
}

type recommendResponse struct {
	Action      string   `json:"action"`
	Confidence  *float64 `json:"confidence"`
	TargetPrice float64  `json:"target_price"`
	StopLoss    float64  `json:"stop_loss"`
	Reasoning   string   `json:"reasoning"`
}

// Recommend posts the snapshot and validates the answer. The whole call, retries included,
// is bounded by the configured timeout and by ctx.
func (a *HTTPAdvisor) Recommend(ctx context.Context, snapshot domain.MarketSnapshot) (*domain.Recommendation, error) {
	body, err := json.Marshal(recommendRequest{Snapshot: snapshot})
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building advisor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &domain.TransientNetworkError{Op: "advisor recommend", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &domain.TransientNetworkError{Op: "advisor recommend", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.VenueRejectedError{HTTPStatus: resp.StatusCode, Message: string(raw)}
	}

	var out recommendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &domain.ValidationError{Field: "advisor_response", Reason: err.Error()}
	}
	rec, err := out.toDomain(snapshot.Symbol)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("AI recommendation",
		zap.String("symbol", snapshot.Symbol),
		zap.String("action", string(rec.Action)),
		zap.Float64("confidence", rec.Confidence))
	return rec, nil
}

func (r recommendResponse) toDomain(symbol string) (*domain.Recommendation, error) {
	action := domain.Action(r.Action)
	switch action {
	case domain.ActionLong, domain.ActionShort, domain.ActionHold, domain.ActionExit:
	default:
		return nil, &domain.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", r.Action)}
	}
	if r.Confidence == nil || *r.Confidence < 0 || *r.Confidence > 1 {
		return nil, &domain.ValidationError{Field: "confidence", Reason: "missing or outside [0,1]"}
	}
	if r.TargetPrice < 0 || r.StopLoss < 0 {
		return nil, &domain.ValidationError{Field: "price", Reason: "negative target or stop"}
	}
	return &domain.Recommendation{
		Symbol:      symbol,
		Action:      action,
		Confidence:  *r.Confidence,
		TargetPrice: r.TargetPrice,
		StopLoss:    r.StopLoss,
		Reasoning:   r.Reasoning,
	}, nil
}

// leveledZap routes retryablehttp's logging into zap.
type leveledZap struct {
	s *zap.SugaredLogger
}

func (l leveledZap) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledZap) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledZap) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledZap) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
