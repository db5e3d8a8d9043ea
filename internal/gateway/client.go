// Package gateway talks to the external payment gateway that performs withdrawals.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/richardliu001/wallet-scheduler/internal/config"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrNetwork covers transport failures, timeouts, malformed bodies and an open breaker.
var ErrNetwork = errors.New("gateway network error")

type transferRequest struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
}

// Response is the gateway's reply to a transfer request.
type Response struct {
	Status int    `json:"status"`
	Data   string `json:"data"`
}

// Succeeded reports whether the gateway accepted the transfer.
func (r Response) Succeeded() bool { return r.Status == http.StatusOK && r.Data == "success" }

// Result carries the decoded response and its raw payload for storage.
type Result struct {
	Response
	Raw json.RawMessage
}

// Client posts transfer requests to the gateway.
type Client struct {
	url     string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.SugaredLogger
}

// NewClient builds a Client whose every call is bounded by cfg.Timeout.
func NewClient(cfg config.GatewayConfig, log *zap.SugaredLogger) *Client {
	c := &Client{
		url:  cfg.URL,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "payment-gateway",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return c
}

// Transfer requests a payout. Logical rejections return a Result with a nil error;
// anything that prevents reading a well-formed reply returns an error wrapping ErrNetwork.
func (c *Client) Transfer(ctx context.Context, reference string, amount int64) (*Result, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, reference, amount)
	})
	if err != nil {
		if errors.Is(err, ErrNetwork) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return out.(*Result), nil
}

func (c *Client) post(ctx context.Context, reference string, amount int64) (*Result, error) {
	body, err := json.Marshal(transferRequest{Reference: reference, Amount: amount})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res.Response); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrNetwork, err)
	}
	res.Raw = raw
	c.log.Debugf("gateway ref=%s status=%d took=%s", reference, res.Status, time.Since(start))
	return &res, nil
}
