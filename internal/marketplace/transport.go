package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Transport fetches the raw product detail payload for one source listing.
type Transport interface {
	FetchDetail(ctx context.Context, sourceID string) ([]byte, error)
}

type HTTPTransportOptions struct {
	BaseURL    string
	DetailPath string // must contain {id}
	UserAgent  string
	Timeout    time.Duration
	RetryCount int
}

// HTTPTransport talks to the marketplace product gateway with browser-like headers.
type HTTPTransport struct {
	client     *resty.Client
	detailPath string
}

func NewHTTPTransport(opts HTTPTransportOptions) (*HTTPTransport, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("marketplace base url is required")
	}
	if !strings.Contains(opts.DetailPath, "{id}") {
		return nil, fmt.Errorf("detail path %q has no {id} placeholder", opts.DetailPath)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(base, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json, text/plain, */*").
		SetHeader("Accept-Language", "tr-TR,tr;q=0.9,en-US;q=0.8,en;q=0.7").
		SetHeader("Cache-Control", "no-cache").
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}

	return &HTTPTransport{client: client, detailPath: opts.DetailPath}, nil
}

func (t *HTTPTransport) FetchDetail(ctx context.Context, sourceID string) ([]byte, error) {
	id := strings.TrimSpace(sourceID)
	if id == "" {
		return nil, errors.New("source id is required")
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetPathParam("id", id).
		Get(t.detailPath)
	if err != nil {
		return nil, fmt.Errorf("fetch detail %s: %w", id, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch detail %s: http status %d", id, resp.StatusCode())
	}
	return resp.Body(), nil
}
