// Package quotes fetches currency conversion rates from an
// exchangerate.host-style HTTP API.
//
// Callers treat every failure the same way: the quote is unavailable for this
// attempt. There is no retry here; the daily broadcast simply tries again on
// its next run.
package quotes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kursbot/pkg/logx"
)

const defaultBaseURL = "https://api.exchangerate.host/convert"

type Config struct {
	BaseURL   string
	AccessKey string
	// Target is the quote currency, e.g. "RUB".
	Target  string
	Timeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.AccessKey) == "" {
		return nil, errors.New("quotes access key is empty")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.Target) == "" {
		cfg.Target = "RUB"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

// Target returns the configured quote currency.
func (c *Client) Target() string { return c.cfg.Target }

// Get fetches the rate for converting 1 unit of symbol into the target
// currency.
func (c *Client) Get(ctx context.Context, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("access_key", c.cfg.AccessKey)
	q.Set("from", symbol)
	q.Set("to", c.cfg.Target)
	q.Set("amount", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("quote fetch %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("quote fetch %s: http %d", symbol, resp.StatusCode)
	}

	var out struct {
		Success bool     `json:"success"`
		Result  *float64 `json:"result"`
		Error   struct {
			Code int    `json:"code"`
			Info string `json:"info"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("quote fetch %s: decode: %w", symbol, err)
	}
	if !out.Success || out.Result == nil {
		if out.Error.Info != "" {
			return 0, fmt.Errorf("quote fetch %s: api error %d: %s", symbol, out.Error.Code, out.Error.Info)
		}
		return 0, fmt.Errorf("quote fetch %s: api reported failure", symbol)
	}
	return *out.Result, nil
}
