// Package powerbi 通过 Power BI 管理 REST API 枚举工作区与语义模型
package powerbi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rbutinar/power-bi-catalog/internal/model"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/retry"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/scanerr"
)

// TokenFunc 获取 REST 访问令牌
type TokenFunc func(ctx context.Context) (string, error)

type Config struct {
	BaseURL        string
	PageSize       int
	RequestsPerSec float64
	RequestTimeout time.Duration
	Retry          retry.Policy
}

// DefaultRetry Config.Retry 未配置时使用
var DefaultRetry = retry.Exponential(5, time.Second, 30*time.Second)

type Client struct {
	baseURL    string
	pageSize   int
	httpClient *http.Client
	tokens     TokenFunc
	limiter    *rate.Limiter
	retry      retry.Policy
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithLimiter 多个客户端共享限流器
func WithLimiter(l *rate.Limiter) Option {
	return func(cl *Client) { cl.limiter = l }
}

// NewLimiter 按每秒请求数构造限流器，rps <= 0 表示不限流
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

func NewClient(cfg Config, tokens TokenFunc, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.powerbi.com"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 5000
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = DefaultRetry
	}
	policy.Retryable = isRetryable

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		pageSize:   cfg.PageSize,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		tokens:     tokens,
		limiter:    NewLimiter(cfg.RequestsPerSec),
		retry:      policy,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type groupDTO struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Type                  string `json:"type"`
	State                 string `json:"state"`
	IsOnDedicatedCapacity bool   `json:"isOnDedicatedCapacity"`
	CapacityID            string `json:"capacityId"`
}

type datasetDTO struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	ConfiguredBy  string     `json:"configuredBy"`
	IsRefreshable bool       `json:"isRefreshable"`
	CreatedDate   *time.Time `json:"createdDate"`
}

type page[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// ListWorkspaces 分页读取 admin/groups 并按过滤条件筛选
// 某一页重试后仍失败时，返回已获取的工作区和错误
func (c *Client) ListWorkspaces(ctx context.Context, filter Filter) ([]model.Workspace, error) {
	base := c.baseURL + "/v1.0/myorg/admin/groups"

	var out []model.Workspace
	err := paginate(ctx, c, base, func(items []groupDTO) {
		for _, g := range items {
			if !filter.Match(g.ID, g.Name) {
				continue
			}
			out = append(out, model.Workspace{
				ID:                    g.ID,
				Name:                  g.Name,
				Type:                  g.Type,
				State:                 g.State,
				IsOnDedicatedCapacity: g.IsOnDedicatedCapacity,
				CapacityID:            g.CapacityID,
			})
		}
	})
	return out, err
}

// ListDatasets 获取工作区下符合条件的语义模型
func (c *Client) ListDatasets(ctx context.Context, ws model.Workspace, filter Filter) ([]model.Dataset, error) {
	base := fmt.Sprintf("%s/v1.0/myorg/admin/groups/%s/datasets", c.baseURL, url.PathEscape(ws.ID))

	var out []model.Dataset
	err := paginate(ctx, c, base, func(items []datasetDTO) {
		for _, d := range items {
			if !filter.Match(d.ID, d.Name) {
				continue
			}
			out = append(out, model.Dataset{
				ID:            d.ID,
				Name:          d.Name,
				WorkspaceID:   ws.ID,
				ConfiguredBy:  d.ConfiguredBy,
				IsRefreshable: d.IsRefreshable,
				CreatedDate:   d.CreatedDate,
			})
		}
	})
	return out, err
}

func paginate[T any](ctx context.Context, c *Client, base string, emit func([]T)) error {
	skip := 0
	next := pageURL(base, c.pageSize, skip)
	for next != "" {
		var p page[T]
		if err := c.getJSON(ctx, next, &p); err != nil {
			return err
		}
		emit(p.Value)

		switch {
		case p.NextLink != "":
			next = p.NextLink
		case len(p.Value) >= c.pageSize:
			skip += len(p.Value)
			next = pageURL(base, c.pageSize, skip)
		default:
			next = ""
		}
	}
	return nil
}

func pageURL(base string, top, skip int) string {
	q := url.Values{}
	q.Set("$top", strconv.Itoa(top))
	if skip > 0 {
		q.Set("$skip", strconv.Itoa(skip))
	}
	return base + "?" + q.Encode()
}

type httpStatusError struct {
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("power bi api returned %d: %s", e.StatusCode, e.Body)
}

func (e *httpStatusError) RetryAfter() time.Duration {
	return e.retryAfter
}

func isRetryable(err error) bool {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) getJSON(ctx context.Context, target string, out interface{}) error {
	err := c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return c.fetch(ctx, target, out)
	})
	if err == nil {
		return nil
	}
	return classify(err)
}

func (c *Client) fetch(ctx context.Context, target string, out interface{}) error {
	token, err := c.tokens(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		se := &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		if isRetryable(se) {
			c.logger.Warn("power bi api throttled or unavailable",
				"status", resp.StatusCode, "retry_after", se.retryAfter)
		}
		return se
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode admin api response: %w", err)
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func classify(err error) error {
	var se *scanerr.Error
	if errors.As(err, &se) {
		return err
	}

	var he *httpStatusError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == http.StatusTooManyRequests:
			return scanerr.New(scanerr.KindRateLimit, "admin api rate limit exhausted after retries", err)
		case he.StatusCode == http.StatusUnauthorized || he.StatusCode == http.StatusForbidden:
			return scanerr.Auth(scanerr.ReasonDenied, "admin api access denied; the principal needs tenant admin read permissions", err)
		case he.StatusCode >= 500:
			return scanerr.New(scanerr.KindConnectivity, "admin api unavailable", err)
		default:
			return scanerr.New(scanerr.KindUnknown, he.Error(), err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return scanerr.New(scanerr.KindTimeout, "admin api request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return scanerr.New(scanerr.KindConnectivity, "admin api unreachable", err)
	}
	return scanerr.New(scanerr.KindUnknown, err.Error(), err)
}
