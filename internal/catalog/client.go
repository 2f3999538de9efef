// Package catalog reads and writes the platform's remote reference data
// (locales, picklists, foundation objects and MDF object definitions) over
// its OData v2 API.
//
// Every request goes through the same path: credentials attached in a
// request hook, retries with exponential backoff for transient failures and a
// circuit breaker that fails fast once the remote end is clearly down. Errors
// come back as *Error with a Kind, so callers can tell a missing entity type
// (degrade that sheet) from bad credentials (stop asking).
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
)

// Config controls the HTTP behaviour of a Client.
type Config struct {
	BaseURL         string
	Timeout         time.Duration // per attempt
	MaxAttempts     int           // total attempts per request, including the first
	RetryWait       time.Duration // initial backoff
	RetryMaxWait    time.Duration // backoff cap
	PageSize        int           // default $top for entity paging
	BreakerFailures uint32        // consecutive transient failures that open the breaker
	BreakerCooldown time.Duration // how long the breaker stays open
}

// DefaultConfig returns conservative settings for a production tenant.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		MaxAttempts:     4,
		RetryWait:       500 * time.Millisecond,
		RetryMaxWait:    8 * time.Second,
		PageSize:        100,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryWait <= 0 {
		c.RetryWait = d.RetryWait
	}
	if c.RetryMaxWait <= 0 {
		c.RetryMaxWait = d.RetryMaxWait
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	return c
}

// Client talks to one tenant's catalog API.
type Client struct {
	cfg     Config
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
}

// New creates a client for cfg.BaseURL that authenticates with cred.
func New(cfg Config, cred Credential) *Client {
	cfg = cfg.withDefaults()

	h := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{}).
		SetRetryCount(cfg.MaxAttempts - 1).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled)
			}
			return kindForStatus(r.StatusCode()) == KindTransient
		}).
		AddRetryHook(func(r *resty.Response, err error) {
			attrs := []any{}
			if r != nil && r.Request != nil {
				attrs = append(attrs, "method", r.Request.Method, "url", r.Request.URL, "status", r.StatusCode(), "attempt", r.Request.Attempt)
			}
			if err != nil {
				attrs = append(attrs, "error", err)
			}
			slog.Warn("retrying catalog request", attrs...)
		}).
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			if cred != nil {
				cred.Apply(r.Header)
			}
			return nil
		})

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "catalog",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("catalog circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{cfg: cfg, http: h, breaker: cb}
}

// PageSize returns the configured default page size.
func (c *Client) PageSize() int {
	return c.cfg.PageSize
}

type call struct {
	op         string
	entityType string
	method     string
	path       string
	query      url.Values
	body       any
}

// do executes one logical request. Cancellation of ctx does not abort a
// request in flight; it completes or times out on its own.
func (c *Client) do(ctx context.Context, cl call) ([]byte, error) {
	ctx = context.WithoutCancel(ctx)

	out, err := c.breaker.Execute(func() (interface{}, error) {
		req := c.http.R().SetContext(ctx)
		if cl.query != nil {
			req.SetQueryParamsFromValues(cl.query)
		}
		if cl.body != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(cl.body)
		}

		resp, err := req.Execute(cl.method, cl.path)
		if err != nil {
			return nil, &Error{Kind: KindTransient, Op: cl.op, EntityType: cl.entityType, Err: err}
		}
		if k := kindForStatus(resp.StatusCode()); k != 0 {
			return nil, &Error{
				Kind:       k,
				Op:         cl.op,
				EntityType: cl.entityType,
				Status:     resp.StatusCode(),
				Err:        errors.New(remoteMessage(resp.Body(), resp.Status())),
			}
		}
		return resp.Body(), nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Kind: KindTransient, Op: cl.op, EntityType: cl.entityType, Err: err}
		}
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) get(ctx context.Context, op, entityType, path string, query url.Values) ([]byte, error) {
	return c.do(ctx, call{op: op, entityType: entityType, method: http.MethodGet, path: path, query: query})
}

// Ping checks that the service document is reachable with the client's
// credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.get(ctx, "connect", "", "/", url.Values{"$format": {"json"}})
	return err
}

// FetchEntitySets lists the entity sets the tenant exposes.
func (c *Client) FetchEntitySets(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "list entity sets", "", "/", url.Values{"$format": {"json"}})
	if err != nil {
		return nil, err
	}
	var doc struct {
		D struct {
			EntitySets []string `json:"EntitySets"`
		} `json:"d"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "list entity sets", Err: err}
	}
	return doc.D.EntitySets, nil
}

// remoteMessage extracts the OData error message from a response body,
// falling back to the HTTP status text.
func remoteMessage(body []byte, status string) string {
	var e struct {
		Error struct {
			Code    string `json:"code"`
			Message struct {
				Value string `json:"value"`
			} `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message.Value != "" {
		if e.Error.Code != "" {
			return fmt.Sprintf("%s: %s", e.Error.Code, e.Error.Message.Value)
		}
		return e.Error.Message.Value
	}
	if status == "" {
		return "no response body"
	}
	return status
}

// restyLogger routes resty's internal messages through slog.
type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...interface{}) {
	slog.Error(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "catalog")
}

func (restyLogger) Warnf(format string, v ...interface{}) {
	slog.Warn(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "catalog")
}

func (restyLogger) Debugf(format string, v ...interface{}) {
	slog.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "catalog")
}
