// Package source implements page sources for vendor APIs and databases.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BartekS5/pagesync/internal/etl"
	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/BartekS5/pagesync/pkg/utils"
)

const defaultRetryAfter = 10 * time.Second

// HTTPConfig describes a cursor-paginated JSON endpoint.
type HTTPConfig struct {
	BaseURL     string
	Path        string
	AccessToken string
	UserAgent   string
	Timeout     time.Duration

	// ResultsField is the dotted path of the record array ("results", "value").
	ResultsField string
	// CursorField is the dotted path of the next cursor ("paging.next.after",
	// "@odata.nextLink").
	CursorField string
	// CursorParam and LimitParam name the query parameters of a request.
	CursorParam string
	LimitParam  string
	// NextLink means the cursor is the full URL of the next page.
	NextLink bool
	MaxPage  int
	Query    map[string]string
}

// HTTP pages through a JSON REST API with bearer authentication.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig, client *http.Client) *HTTP {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	if cfg.ResultsField == "" {
		cfg.ResultsField = "results"
	}
	if cfg.LimitParam == "" {
		cfg.LimitParam = "limit"
	}
	if cfg.CursorParam == "" {
		cfg.CursorParam = "after"
	}
	return &HTTP{cfg: cfg, client: client}
}

// NewHTTPFromMapping builds a source from the request section of a mapping.
func NewHTTPFromMapping(m *models.MappingSchema, baseURL, token, userAgent string, timeout time.Duration) *HTTP {
	query := make(map[string]string, len(m.Request.Query)+1)
	for k, v := range m.Request.Query {
		query[k] = v
	}
	if _, ok := query["properties"]; !ok && m.PropertiesField != "" {
		query["properties"] = strings.Join(m.Properties(), ",")
	}
	return NewHTTP(HTTPConfig{
		BaseURL:      baseURL,
		Path:         m.Request.Path,
		AccessToken:  token,
		UserAgent:    userAgent,
		Timeout:      timeout,
		ResultsField: m.Request.ResultsField,
		CursorField:  m.Request.CursorField,
		CursorParam:  m.Request.CursorParam,
		LimitParam:   m.Request.LimitParam,
		NextLink:     m.Request.NextLink,
		MaxPage:      m.Request.MaxPageSize,
		Query:        query,
	}, nil)
}

func (h *HTTP) MaxPageSize() int { return h.cfg.MaxPage }

func (h *HTTP) pageURL(cursor *string, pageSize int) (string, error) {
	if h.cfg.NextLink && cursor != nil {
		return *cursor, nil
	}
	u, err := url.Parse(strings.TrimRight(h.cfg.BaseURL, "/") + "/" + strings.TrimLeft(h.cfg.Path, "/"))
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range h.cfg.Query {
		q.Set(k, v)
	}
	q.Set(h.cfg.LimitParam, strconv.Itoa(pageSize))
	if cursor != nil {
		q.Set(h.cfg.CursorParam, *cursor)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (h *HTTP) FetchPage(ctx context.Context, cursor *string, pageSize int) (models.Page, error) {
	target, err := h.pageURL(cursor, pageSize)
	if err != nil {
		return models.Page{}, &etl.FatalError{Err: fmt.Errorf("build request url: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return models.Page{}, &etl.FatalError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if h.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.AccessToken)
	}
	if h.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", h.cfg.UserAgent)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.Page{}, ctx.Err()
		}
		return models.Page{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return models.Page{}, err
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		if ctx.Err() != nil {
			return models.Page{}, ctx.Err()
		}
		return models.Page{}, &etl.FatalError{Err: fmt.Errorf("malformed response: %w", err)}
	}
	return h.parsePage(body)
}

func (h *HTTP) parsePage(body map[string]any) (models.Page, error) {
	var page models.Page

	rawResults, ok := lookupPath(body, h.cfg.ResultsField)
	if ok && rawResults != nil {
		items, ok := rawResults.([]any)
		if !ok {
			return page, &etl.FatalError{Err: fmt.Errorf("malformed response: %s is %T, not an array", h.cfg.ResultsField, rawResults)}
		}
		page.Records = make([]models.RawRecord, 0, len(items))
		for i, item := range items {
			rec, ok := item.(map[string]any)
			if !ok {
				return page, &etl.FatalError{Err: fmt.Errorf("malformed response: %s[%d] is %T, not an object", h.cfg.ResultsField, i, item)}
			}
			page.Records = append(page.Records, rec)
		}
	}

	if h.cfg.CursorField != "" {
		if v, ok := lookupPath(body, h.cfg.CursorField); ok && v != nil {
			if next := utils.ConvertToString(v); next != "" {
				page.NextCursor = &next
			}
		}
	}
	return page, nil
}

// lookupPath resolves a dotted path. A key containing dots is tried whole
// first, so "@odata.nextLink" works.
func lookupPath(m map[string]any, path string) (any, bool) {
	if v, ok := m[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	child, ok := m[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return lookupPath(child, rest)
}

func classifyTransport(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &etl.TransientError{Err: fmt.Errorf("request timeout: %w", err)}
	}
	return &etl.TransientError{Err: fmt.Errorf("request failed: %w", err)}
}

func classifyStatus(resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(snippet)))

	switch {
	case code == http.StatusTooManyRequests:
		return &etl.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), Hinted: true, Err: cause}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &etl.FatalError{Err: fmt.Errorf("authentication failed: %w", cause)}
	case code == http.StatusRequestTimeout || code >= 500:
		return &etl.TransientError{Err: fmt.Errorf("server error: %w", cause)}
	default:
		return &etl.FatalError{Err: fmt.Errorf("request rejected: %w", cause)}
	}
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return defaultRetryAfter
}
