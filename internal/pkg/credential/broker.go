package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/rbutinar/power-bi-catalog/internal/pkg/jwt"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/scanerr"
)

type Mode string

const (
	ModeService     Mode = "service"
	ModeInteractive Mode = "interactive"
)

// ParseMode 解析认证模式
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeService, "":
		return ModeService, nil
	case ModeInteractive:
		return ModeInteractive, nil
	default:
		return "", fmt.Errorf("unknown auth mode %q", s)
	}
}

type Audience string

const (
	AudienceREST Audience = "rest"
	AudienceXMLA Audience = "xmla"
)

// 各 audience 的默认 scope
var defaultScopes = map[Audience]string{
	AudienceREST: "https://analysis.windows.net/powerbi/api/.default",
	AudienceXMLA: "https://analysis.windows.net/powerbi/api/.default",
}

// Token 某个 (mode, audience) 的访问令牌
type Token struct {
	Mode        Mode
	Audience    Audience
	AccessToken string `json:"-"`
	Expiry      time.Time
}

// String 不输出令牌内容
func (t *Token) String() string {
	if t == nil {
		return "<nil token>"
	}
	return fmt.Sprintf("Token{mode=%s audience=%s expiry=%s access_token=[REDACTED]}",
		t.Mode, t.Audience, t.Expiry.Format(time.RFC3339))
}

func (t *Token) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("mode", string(t.Mode)),
		slog.String("audience", string(t.Audience)),
		slog.Time("expiry", t.Expiry),
	)
}

// DevicePrompt 向操作者展示设备码登录提示
type DevicePrompt func(verificationURI, userCode, message string)

type Config struct {
	TenantID       string
	ClientID       string
	ClientSecret   string
	PublicClientID string
	AuthorityHost  string
	Scopes         map[Audience]string
	ExpirySkew     time.Duration
	// RenewTimeout 客户端凭据续期的超时，与触发续期的调用方无关；设备码登录以设备码有效期为限
	RenewTimeout time.Duration
}

type cacheKey struct {
	mode     Mode
	audience Audience
}

type entry struct {
	token *Token
	oauth *oauth2.Token
}

// Broker 按 (mode, audience) 获取并缓存令牌
type Broker struct {
	cfg        Config
	httpClient *http.Client
	prompt     DevicePrompt
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	cache map[cacheKey]*entry
	group singleflight.Group
}

type Option func(*Broker)

func WithHTTPClient(c *http.Client) Option {
	return func(b *Broker) { b.httpClient = c }
}

func WithDevicePrompt(p DevicePrompt) Option {
	return func(b *Broker) { b.prompt = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

func withClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

func NewBroker(cfg Config, opts ...Option) *Broker {
	if cfg.AuthorityHost == "" {
		cfg.AuthorityHost = "https://login.microsoftonline.com"
	}
	cfg.AuthorityHost = strings.TrimRight(cfg.AuthorityHost, "/")
	if cfg.ExpirySkew <= 0 {
		cfg.ExpirySkew = 2 * time.Minute
	}
	if cfg.RenewTimeout <= 0 {
		cfg.RenewTimeout = 30 * time.Second
	}

	b := &Broker{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		prompt: func(uri, code, message string) {
			slog.Info("device login required", "verification_uri", uri, "user_code", code)
		},
		logger: slog.Default(),
		now:    time.Now,
		cache:  make(map[cacheKey]*entry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) tokenURL() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/token", b.cfg.AuthorityHost, b.cfg.TenantID)
}

func (b *Broker) deviceURL() string {
	return fmt.Sprintf("%s/%s/oauth2/v2.0/devicecode", b.cfg.AuthorityHost, b.cfg.TenantID)
}

func (b *Broker) scope(aud Audience) string {
	if s, ok := b.cfg.Scopes[aud]; ok && s != "" {
		return s
	}
	return defaultScopes[aud]
}

// AcquireToken 缓存令牌在提前量之外仍有效时直接返回，否则静默续期
// 交互模式不能签发 XMLA 令牌
func (b *Broker) AcquireToken(ctx context.Context, mode Mode, audience Audience) (*Token, error) {
	if mode == ModeInteractive && audience == AudienceXMLA {
		return nil, scanerr.New(scanerr.KindCapability,
			"interactive credentials cannot be used for analytical (XMLA) access", nil)
	}
	if audience != AudienceREST && audience != AudienceXMLA {
		return nil, fmt.Errorf("unknown audience %q", audience)
	}

	key := cacheKey{mode: mode, audience: audience}
	if tok := b.cached(key); tok != nil {
		return tok, nil
	}

	// 续期由所有等待者共享，不继承单个调用方的截止时间
	ch := b.group.DoChan(string(mode)+"/"+string(audience), func() (interface{}, error) {
		if tok := b.cached(key); tok != nil {
			return tok, nil
		}
		rctx, cancel := context.WithoutCancel(ctx), context.CancelFunc(func() {})
		if mode == ModeService {
			rctx, cancel = context.WithTimeout(rctx, b.cfg.RenewTimeout)
		}
		defer cancel()
		return b.renew(rctx, key)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Token), nil
	}
}

func (b *Broker) cached(key cacheKey) *Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.cache[key]
	if !ok || e.token == nil {
		return nil
	}
	if b.now().Add(b.cfg.ExpirySkew).Before(e.token.Expiry) {
		return e.token
	}
	return nil
}

// Invalidate 丢弃缓存，下一次调用重新获取
func (b *Broker) Invalidate(mode Mode, audience Audience) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cache, cacheKey{mode: mode, audience: audience})
}

func (b *Broker) renew(ctx context.Context, key cacheKey) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)

	b.mu.Lock()
	prev := b.cache[key]
	b.mu.Unlock()

	var (
		ot  *oauth2.Token
		err error
	)
	switch key.mode {
	case ModeService:
		ot, err = b.clientCredentials(ctx, key.audience)
	case ModeInteractive:
		ot, err = b.interactive(ctx, key.audience, prev)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", key.mode)
	}
	if err != nil {
		aerr := classifyAuthError(err, prev != nil)
		b.logger.Warn("token acquisition failed",
			"mode", key.mode, "audience", key.audience, "reason", aerr.Reason)
		return nil, aerr
	}

	tok := &Token{Mode: key.mode, Audience: key.audience, AccessToken: ot.AccessToken, Expiry: ot.Expiry}
	if tok.Expiry.IsZero() {
		tok.Expiry = b.now().Add(time.Hour)
	}

	b.mu.Lock()
	b.cache[key] = &entry{token: tok, oauth: ot}
	b.mu.Unlock()

	attrs := []any{"token", tok, "renewed", prev != nil}
	if info, err := jwt.InspectAccessToken(ot.AccessToken); err == nil {
		attrs = append(attrs, "claims_aud", info.Audience, "claims_tid", info.TenantID)
	}
	b.logger.Info("token acquired", attrs...)
	return tok, nil
}

func (b *Broker) clientCredentials(ctx context.Context, aud Audience) (*oauth2.Token, error) {
	if b.cfg.TenantID == "" || b.cfg.ClientID == "" || b.cfg.ClientSecret == "" {
		return nil, errMissingCredentials
	}
	cc := &clientcredentials.Config{
		ClientID:     b.cfg.ClientID,
		ClientSecret: b.cfg.ClientSecret,
		TokenURL:     b.tokenURL(),
		Scopes:       []string{b.scope(aud)},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return cc.Token(ctx)
}

func (b *Broker) interactive(ctx context.Context, aud Audience, prev *entry) (*oauth2.Token, error) {
	if b.cfg.TenantID == "" || b.cfg.PublicClientID == "" {
		return nil, errMissingCredentials
	}
	conf := &oauth2.Config{
		ClientID: b.cfg.PublicClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:      b.tokenURL(),
			DeviceAuthURL: b.deviceURL(),
			AuthStyle:     oauth2.AuthStyleInParams,
		},
		Scopes: []string{b.scope(aud), "offline_access"},
	}

	// 用上次设备码登录的 refresh token 静默续期
	if prev != nil && prev.oauth != nil {
		if prev.oauth.RefreshToken == "" {
			return nil, errNoRefreshToken
		}
		stale := *prev.oauth
		stale.AccessToken = "" // 强制刷新
		return conf.TokenSource(ctx, &stale).Token()
	}

	da, err := conf.DeviceAuth(ctx)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("To sign in, open %s and enter the code %s", da.VerificationURI, da.UserCode)
	b.prompt(da.VerificationURI, da.UserCode, msg)
	return conf.DeviceAccessToken(ctx, da)
}

var (
	errMissingCredentials = errors.New("credentials not configured")
	errNoRefreshToken     = errors.New("token expired and no refresh token is available")
)

// classifyAuthError 将 oauth2 与传输错误映射为 auth_error 原因
func classifyAuthError(err error, renewal bool) *scanerr.Error {
	if errors.Is(err, errMissingCredentials) {
		return scanerr.Auth(scanerr.ReasonDenied, "credentials not configured", err)
	}
	if errors.Is(err, errNoRefreshToken) {
		return scanerr.Auth(scanerr.ReasonExpired, "token expired and cannot be renewed silently", err)
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "expired_token", "invalid_grant", "interaction_required", "authorization_pending":
			if renewal || re.ErrorCode == "expired_token" {
				return scanerr.Auth(scanerr.ReasonExpired, describe(re), err)
			}
		}
		if re.Response != nil && re.Response.StatusCode >= 500 {
			return scanerr.Auth(scanerr.ReasonNetwork, describe(re), err)
		}
		return scanerr.Auth(scanerr.ReasonDenied, describe(re), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return scanerr.Auth(scanerr.ReasonNetwork, "identity provider unreachable", err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "connection refused") {
		return scanerr.Auth(scanerr.ReasonNetwork, "identity provider unreachable", err)
	}
	if renewal {
		return scanerr.Auth(scanerr.ReasonExpired, "token renewal failed", err)
	}
	return scanerr.Auth(scanerr.ReasonDenied, "token request rejected", err)
}

func describe(re *oauth2.RetrieveError) string {
	if re.ErrorCode == "" {
		if re.Response != nil {
			return fmt.Sprintf("token endpoint returned %s", re.Response.Status)
		}
		return "token endpoint rejected the request"
	}
	if re.ErrorDescription != "" {
		// Entra 的描述在换行后附带 trace id
		desc, _, _ := strings.Cut(re.ErrorDescription, "\r\n")
		return fmt.Sprintf("%s: %s", re.ErrorCode, desc)
	}
	return re.ErrorCode
}
