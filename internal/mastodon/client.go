package mastodon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
)

var (
	// ErrUnknownAccount is returned for a backend URL with no configured account.
	ErrUnknownAccount = errors.New("no account configured for backend")
	// ErrUnsupportedCategory is returned for a page request the REST API
	// cannot serve.
	ErrUnsupportedCategory = errors.New("unsupported timeline category")
)

// APIError is a non-2xx response from a backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mastodon: status %d: %s", e.StatusCode, e.Body)
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// Client is the REST client. Requests to one backend share a token-bucket
// limiter so paging bursts stay inside the server's rate limits.
type Client struct {
	Accounts *Accounts
	HTTP     *http.Client

	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient builds a Client. The transport is wrapped with otelhttp so every
// backend call shows up as a client span. rps <= 0 disables limiting.
func NewClient(accts *Accounts, rps float64, burst int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &Client{
		Accounts: accts,
		HTTP: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		rps:      limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *Client) limiter(backendURL string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[backendURL]
	if !ok {
		l = rate.NewLimiter(c.rps, c.burst)
		c.limiters[backendURL] = l
	}
	return l
}

// FetchStatuses fetches one page of a status timeline.
func (c *Client) FetchStatuses(ctx context.Context, backendURL string, req domain.PageRequest) ([]*domain.Status, error) {
	path, q, err := timelinePath(req)
	if err != nil {
		return nil, err
	}
	var out []*domain.Status
	if err := c.do(ctx, http.MethodGet, backendURL, path, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchNotifications fetches one page of notifications.
func (c *Client) FetchNotifications(ctx context.Context, backendURL string, req domain.PageRequest) ([]*domain.Notification, error) {
	q := pageQuery(req)
	var out []*domain.Notification
	if err := c.do(ctx, http.MethodGet, backendURL, "/api/v1/notifications", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetAction favourites, reblogs or bookmarks (or undoes it) a status and
// returns the status as the backend now reports it.
func (c *Client) SetAction(ctx context.Context, backendURL, id string, kind domain.ActionKind, value bool) (*domain.Status, error) {
	verb, err := actionVerb(kind, value)
	if err != nil {
		return nil, err
	}
	var st domain.Status
	path := "/api/v1/statuses/" + url.PathEscape(id) + "/" + verb
	if err := c.do(ctx, http.MethodPost, backendURL, path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func actionVerb(kind domain.ActionKind, value bool) (string, error) {
	var verb string
	switch kind {
	case domain.ActionFavourited:
		verb = "favourite"
	case domain.ActionReblogged:
		verb = "reblog"
	case domain.ActionBookmarked:
		verb = "bookmark"
	default:
		return "", fmt.Errorf("mastodon: unknown action %q", kind)
	}
	if !value {
		verb = "un" + verb
	}
	return verb, nil
}

func timelinePath(req domain.PageRequest) (string, url.Values, error) {
	q := pageQuery(req)
	switch req.Category {
	case domain.TimelineHome:
		return "/api/v1/timelines/home", q, nil
	case domain.TimelineLocal:
		q.Set("local", "true")
		return "/api/v1/timelines/public", q, nil
	case domain.TimelinePublic:
		return "/api/v1/timelines/public", q, nil
	case domain.TimelineTag:
		if req.Tag == "" {
			return "", nil, fmt.Errorf("%w: tag timeline without tag", ErrUnsupportedCategory)
		}
		return "/api/v1/timelines/tag/" + url.PathEscape(req.Tag), q, nil
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedCategory, req.Category)
	}
}

func pageQuery(req domain.PageRequest) url.Values {
	q := url.Values{}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.MaxID != "" {
		q.Set("max_id", req.MaxID)
	}
	// Home and notifications ignore only_media.
	if req.OnlyMedia && req.Category != domain.TimelineHome && req.Category != domain.TimelineNotification {
		q.Set("only_media", "true")
	}
	return q
}

func (c *Client) do(ctx context.Context, method, backendURL, path string, q url.Values, out any) error {
	acc, ok := c.Accounts.Get(backendURL)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, backendURL)
	}
	if err := c.limiter(backendURL).Wait(ctx); err != nil {
		return err
	}

	u := acc.BackendURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("mastodon: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if acc.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+acc.AccessToken)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("mastodon: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("mastodon: decode %s: %w", path, err)
	}
	return nil
}
