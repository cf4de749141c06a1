// Package xmla 精简的 XMLA 客户端：BeginSession、执行 DMV 语句、EndSession，基于 SOAP/HTTPS
package xmla

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Row rowset 中的一行，key 为列元素名
type Row map[string]string

// Conn 针对单个 catalog 的会话
type Conn interface {
	Query(ctx context.Context, statement string) ([]Row, error)
	Close() error
}

type Dialer interface {
	Open(ctx context.Context, info ConnectionInfo) (Conn, error)
}

// ConnectionInfo 工作区与 catalog
type ConnectionInfo struct {
	Workspace   string
	Catalog     string
	AccessToken string
}

// DataSource 工作区的 powerbi:// 地址
func DataSource(workspace string) string {
	return "powerbi://api.powerbi.com/v1.0/myorg/" + workspace
}

// ConnectionString 用于日志的 MSOLAP 连接串，不含访问令牌
func ConnectionString(info ConnectionInfo) string {
	return fmt.Sprintf("Provider=MSOLAP;Data Source=%s;Initial Catalog=%s;",
		DataSource(info.Workspace), info.Catalog)
}

// Error 传输错误或 SOAP Fault
type Error struct {
	StatusCode int
	FaultCode  string
	Fault      string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Fault != "":
		return fmt.Sprintf("xmla fault %s: %s", e.FaultCode, e.Fault)
	case e.StatusCode != 0:
		return fmt.Sprintf("xmla endpoint returned %d", e.StatusCode)
	case e.Err != nil:
		return "xmla: " + e.Err.Error()
	default:
		return "xmla: unknown error"
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

type HTTPDialer struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewHTTPDialer(baseURL string, timeout time.Duration) *HTTPDialer {
	if baseURL == "" {
		baseURL = "https://api.powerbi.com/v1.0/myorg"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPDialer{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: &http.Client{Timeout: timeout}}
}

func (d *HTTPDialer) Open(ctx context.Context, info ConnectionInfo) (Conn, error) {
	c := &httpConn{
		endpoint: d.BaseURL + "/" + url.PathEscape(info.Workspace) + "/xmla",
		catalog:  info.Catalog,
		token:    info.AccessToken,
		client:   d.HTTPClient,
	}
	res, err := c.roundTrip(ctx, discoverEnvelope(c.catalog, "", true))
	if err != nil {
		return nil, err
	}
	if res.sessionID == "" {
		return nil, &Error{Err: errors.New("server did not return a session id")}
	}
	c.session = res.sessionID
	return c, nil
}

type httpConn struct {
	endpoint string
	catalog  string
	token    string
	session  string
	client   *http.Client
}

func (c *httpConn) Query(ctx context.Context, statement string) ([]Row, error) {
	res, err := c.roundTrip(ctx, executeEnvelope(c.catalog, c.session, statement))
	if err != nil {
		return nil, err
	}
	return res.rows, nil
}

func (c *httpConn) Close() error {
	if c.session == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.roundTrip(ctx, endSessionEnvelope(c.catalog, c.session))
	c.session = ""
	return err
}

func (c *httpConn) roundTrip(ctx context.Context, body []byte) (*result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Err: err}
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", soapAction(body))
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Err: err}
	}

	res, perr := parseResponse(bytes.NewReader(data))
	if res != nil && res.fault != nil {
		return nil, &Error{StatusCode: resp.StatusCode, FaultCode: res.fault.code, Fault: res.fault.message}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{StatusCode: resp.StatusCode}
	}
	if perr != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Err: perr}
	}
	return res, nil
}

func soapAction(body []byte) string {
	if bytes.Contains(body, []byte("<Discover ")) {
		return "urn:schemas-microsoft-com:xml-analysis:Discover"
	}
	return "urn:schemas-microsoft-com:xml-analysis:Execute"
}
