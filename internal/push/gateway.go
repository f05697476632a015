package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// LogGateway accepts every notification and only logs it. Used in
// development where no provider credentials exist.
type LogGateway struct {
	logger zerolog.Logger
}

func NewLogGateway(logger zerolog.Logger) *LogGateway {
	return &LogGateway{logger: logger.With().Str("component", "push_gateway").Logger()}
}

func (g *LogGateway) Send(_ context.Context, n Notification) (Result, error) {
	g.logger.Info().
		Str("user_id", n.UserID).
		Int("tokens", len(n.Tokens)).
		Str("title", n.Title).
		Str("body", n.Body).
		Interface("data", n.Data).
		Msg("Push notification (log only)")
	return Result{SuccessCount: len(n.Tokens)}, nil
}

// HTTPGateway posts notifications as JSON to a push relay that fronts the
// FCM/APNS providers.
type HTTPGateway struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

func NewHTTPGateway(url string, timeout time.Duration, logger zerolog.Logger) *HTTPGateway {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "push_gateway").Logger(),
	}
}

func (g *HTTPGateway) Send(ctx context.Context, n Notification) (Result, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return Result{}, fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("push gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("push gateway: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode push response: %w", err)
	}

	g.logger.Debug().
		Str("user_id", n.UserID).
		Int("success", res.SuccessCount).
		Int("failure", res.FailureCount).
		Msg("Push notification sent")
	return res, nil
}

var (
	_ Gateway = (*LogGateway)(nil)
	_ Gateway = (*HTTPGateway)(nil)
)
