package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/vitos/crypto_trade_signal/internal/domain"
	"go.uber.org/zap"
)

// KlineStream subscribes to Bybit public kline topics and forwards every update as a Tick.
// The connection is re-established with exponential delay until the context ends.
type KlineStream struct {
	url      string
	interval string
	symbols  []string
	handler  func(domain.Tick)
	logger   *zap.Logger

	dialer       *websocket.Dialer
	pingInterval time.Duration
	readTimeout  time.Duration
	reconnect    *backoff.Backoff
	timeNow      func() time.Time
}

func NewKlineStream(wsURL, interval string, symbols []string, handler func(domain.Tick), logger *zap.Logger) *KlineStream {
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KlineStream{
		url:          wsURL,
		interval:     interval,
		symbols:      append([]string(nil), symbols...),
		handler:      handler,
		logger:       logger,
		dialer:       websocket.DefaultDialer,
		pingInterval: 20 * time.Second,
		readTimeout:  60 * time.Second,
		reconnect: &backoff.Backoff{
			Min:    time.Second,
			Max:    30 * time.Second,
			Factor: 2,
		},
		timeNow: time.Now,
	}
}

// Run blocks until ctx ends, reconnecting after every dropped connection.
func (s *KlineStream) Run(ctx context.Context) error {
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := s.reconnect.Duration()
		s.logger.Warn("Kline stream disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

type klineMessage struct {
	Topic string `json:"topic"`
	Data  []struct {
		Start   int64  `json:"start"`
		Open    string `json:"open"`
		High    string `json:"high"`
		Low     string `json:"low"`
		Close   string `json:"close"`
		Volume  string `json:"volume"`
		Confirm bool   `json:"confirm"`
	} `json:"data"`
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

func (s *KlineStream) runOnce(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(s.timeNow().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()

	args := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		args = append(args, fmt.Sprintf("kline.%s.%s", s.interval, sym))
	}
	if err := write(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("Kline stream subscribed", zap.Strings("topics", args))

	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := write(map[string]string{"op": "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(s.timeNow().Add(s.readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg klineMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("Undecodable stream message", zap.Error(err))
			continue
		}
		if msg.Op == "subscribe" && msg.Success != nil && !*msg.Success {
			return fmt.Errorf("subscription rejected: %s", msg.RetMsg)
		}
		if !strings.HasPrefix(msg.Topic, "kline.") {
			continue
		}
		s.reconnect.Reset()

		symbol := msg.Topic[strings.LastIndex(msg.Topic, ".")+1:]
		for _, k := range msg.Data {
			tick, err := s.toTick(symbol, k.Start, k.Open, k.High, k.Low, k.Close, k.Volume)
			if err != nil {
				s.logger.Warn("Dropping malformed kline", zap.String("symbol", symbol), zap.Error(err))
				continue
			}
			s.handler(tick)
		}
	}
}

func (s *KlineStream) toTick(symbol string, start int64, fields ...string) (domain.Tick, error) {
	names := [5]string{"open", "high", "low", "close", "volume"}
	var vals [5]float64
	for i, f := range fields {
		v, err := parseNumber(names[i], f)
		if err != nil {
			return domain.Tick{}, err
		}
		vals[i] = v
	}
	return domain.Tick{
		Symbol: symbol,
		Candle: domain.Candle{
			Time:   start / 1000,
			Open:   vals[0],
			High:   vals[1],
			Low:    vals[2],
			Close:  vals[3],
			Volume: vals[4],
		},
		Received: s.timeNow(),
	}, nil
}
