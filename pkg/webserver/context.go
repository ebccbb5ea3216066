package webserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/albertbausili/webserver/internal/h1"
)

// Context represents a request-response pair being served on a connection.
// It is only valid until the handler returns, or, for a deferred response,
// until the completion function returned by Defer is called.
type Context struct {
	req    *h1.Request
	resp   *h1.Response
	ctx    context.Context
	server *h1.Server
	body   *bytes.Reader
	values map[string]any
}

func newContext(ctx context.Context, server *h1.Server, req *h1.Request, resp *h1.Response) *Context {
	return &Context{
		req:    req,
		resp:   resp,
		ctx:    ctx,
		server: server,
	}
}

// Method returns the HTTP request method.
func (c *Context) Method() string {
	return c.req.Method
}

// Path returns the request target, including any query string.
func (c *Context) Path() string {
	return c.req.Path
}

// Version returns the request protocol version.
func (c *Context) Version() string {
	return c.req.Version
}

// Host returns the Host header.
func (c *Context) Host() string {
	return c.req.Host
}

// RemoteAddr returns the client address. With SecureProxy enabled this is the
// first X-Forwarded-For entry.
func (c *Context) RemoteAddr() string {
	return c.req.RemoteAddr
}

// Header returns the first value of a request header.
func (c *Context) Header(name string) string {
	return c.req.Header(name)
}

// Headers returns every request header in wire order with lowercased names.
func (c *Context) Headers() [][2]string {
	return c.req.Headers
}

// Body returns a reader over the request body.
func (c *Context) Body() io.Reader {
	if c.body == nil {
		c.body = bytes.NewReader(c.req.Body)
	}
	return c.body
}

// BodyBytes returns the entire request body.
func (c *Context) BodyBytes() []byte {
	return c.req.Body
}

// BindJSON parses the request body as JSON into the provided value.
func (c *Context) BindJSON(v any) error {
	return json.Unmarshal(c.req.Body, v)
}

// SetStatus sets the HTTP response status code.
func (c *Context) SetStatus(code int) {
	c.resp.SetStatus(code)
}

// Status returns the response status code.
func (c *Context) Status() int {
	return c.resp.Status()
}

// SetHeader sets a response header.
func (c *Context) SetHeader(key, value string) {
	c.resp.SetHeader(key, value)
}

// ResponseHeader returns the first value of a response header.
func (c *Context) ResponseHeader(key string) string {
	return c.resp.Header(key)
}

// Write appends data to the response body.
func (c *Context) Write(data []byte) (int, error) {
	return c.resp.Write(data)
}

// WriteString appends s to the response body.
func (c *Context) WriteString(s string) (int, error) {
	return c.resp.WriteString(s)
}

// ResponseBody returns the response body written so far.
func (c *Context) ResponseBody() []byte {
	return c.resp.Body()
}

// SetResponseBody replaces the response body.
func (c *Context) SetResponseBody(b []byte) {
	c.resp.SetBody(b)
}

// JSON sends a JSON response with the given status code.
func (c *Context) JSON(status int, v any) error {
	return c.resp.JSON(status, v)
}

// String sends a formatted text response with the given status code.
func (c *Context) String(status int, format string, values ...any) error {
	return c.resp.String(status, format, values...)
}

// HTML sends an HTML response with the given status code.
func (c *Context) HTML(status int, html string) error {
	return c.resp.Data(status, "text/html; charset=utf-8", []byte(html))
}

// Data sends a response with the given content type.
func (c *Context) Data(status int, contentType string, data []byte) error {
	return c.resp.Data(status, contentType, data)
}

// Plain sends a plain text response.
func (c *Context) Plain(status int, s string) error {
	return c.resp.Data(status, "text/plain; charset=utf-8", []byte(s))
}

// NoContent sends a response with no body.
func (c *Context) NoContent(status int) error {
	c.resp.SetStatus(status)
	c.resp.SetBody(nil)
	return nil
}

// Redirect sends a redirect response to the given URL.
func (c *Context) Redirect(status int, url string) error {
	if status < 300 || status > 308 {
		status = 302
	}
	c.resp.SetStatus(status)
	c.resp.SetHeader("location", url)
	return nil
}

// Context returns the request's context.Context. It is cancelled when the
// connection closes.
func (c *Context) Context() context.Context {
	return c.ctx
}

// WithContext replaces the request's context.Context.
func (c *Context) WithContext(ctx context.Context) {
	c.ctx = ctx
}

// Set stores a key-value pair in the context.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any, 4)
	}
	c.values[key] = value
}

// Get retrieves a value from the context by key.
func (c *Context) Get(key string) (any, bool) {
	val, ok := c.values[key]
	return val, ok
}

// MustGet retrieves a value from the context by key, panicking if not found.
func (c *Context) MustGet(key string) any {
	if val, ok := c.Get(key); ok {
		return val
	}
	panic(fmt.Sprintf("key %q not found in context", key))
}

// Param returns the value of a route parameter.
func (c *Context) Param(name string) string {
	if val, ok := c.Get(paramKey(name)); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

func paramKey(name string) string {
	return "param:" + name
}

// Query returns the query parameter value for the given key.
func (c *Context) Query(key string) string {
	if idx := strings.IndexByte(c.req.Path, '?'); idx >= 0 {
		return parseQuery(c.req.Path[idx+1:], key)
	}
	return ""
}

// QueryDefault returns the query parameter value or a default if not found.
func (c *Context) QueryDefault(key, defaultValue string) string {
	if value := c.Query(key); value != "" {
		return value
	}
	return defaultValue
}

// QueryInt returns the query parameter value as an integer.
func (c *Context) QueryInt(key string) (int, error) {
	value := c.Query(key)
	if value == "" {
		return 0, fmt.Errorf("query parameter %q not found", key)
	}
	return strconv.Atoi(value)
}

// QueryBool returns the query parameter value as a boolean.
func (c *Context) QueryBool(key string) bool {
	b, _ := strconv.ParseBool(c.Query(key))
	return b
}

func parseQuery(query, key string) string {
	for len(query) > 0 {
		var pair string
		pair, query, _ = strings.Cut(query, "&")
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k != key {
			continue
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return v
		}
		return value
	}
	return ""
}

// Cookie returns the value of the cookie with the given name.
func (c *Context) Cookie(name string) string {
	for _, header := range c.req.Values("cookie") {
		for _, cookie := range strings.Split(header, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(cookie), "=")
			if ok && k == name {
				value, _ := url.QueryUnescape(v)
				return value
			}
		}
	}
	return ""
}

// SetCookie adds a Set-Cookie header to the response.
func (c *Context) SetCookie(cookie *http.Cookie) {
	c.resp.AddHeader("set-cookie", cookie.String())
}

// FormValue returns a field of an application/x-www-form-urlencoded body.
func (c *Context) FormValue(key string) (string, error) {
	if !strings.HasPrefix(c.Header("content-type"), "application/x-www-form-urlencoded") {
		return "", fmt.Errorf("content-type is not application/x-www-form-urlencoded")
	}
	return parseQuery(string(c.req.Body), key), nil
}

// File sends a file with content type and caching headers.
func (c *Context) File(filepath string) error {
	file, err := os.Open(filepath) // #nosec G304 - File path is validated by caller
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("cannot serve directory")
	}

	contentType := mime.TypeByExtension(path.Ext(filepath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.SetHeader("content-type", contentType)
	c.SetHeader("last-modified", info.ModTime().UTC().Format(http.TimeFormat))
	etag := fmt.Sprintf(`"%x-%x"`, info.ModTime().Unix(), info.Size())
	c.SetHeader("etag", etag)

	if c.Header("if-none-match") == etag {
		return c.NoContent(304)
	}
	if since := c.Header("if-modified-since"); since != "" {
		if t, err := http.ParseTime(since); err == nil && !info.ModTime().After(t) {
			return c.NoContent(304)
		}
	}

	content, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	return c.Data(200, contentType, content)
}

// Attachment sends a file as an attachment with the specified filename.
func (c *Context) Attachment(filename, filepath string) error {
	c.SetHeader("content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	return c.File(filepath)
}

// Extend keeps the connection's idle timeout from firing for d. Use it before
// work expected to outlast ConnectionTimeout.
func (c *Context) Extend(d time.Duration) {
	if conn := c.resp.Connection(); conn != nil {
		conn.Extend(time.Now().Add(d))
	}
}

// ConnectionID returns the identity of the connection serving the request,
// or 0 once it has gone away.
func (c *Context) ConnectionID() uint64 {
	if conn := c.resp.Connection(); conn != nil {
		return conn.Identity()
	}
	return 0
}

// Defer detaches the response from the handler's return. The handler must
// return ErrDeferred; calling the returned function sends the response. It
// fails with ErrClosed if the connection has gone away meanwhile.
func (c *Context) Defer() func() error {
	return func() error {
		if c.server == nil {
			return ErrClosed
		}
		return c.server.Complete(c.resp)
	}
}
