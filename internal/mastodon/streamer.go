package mastodon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
	"github.com/tbourn/fedi-timeline-sync/internal/stream"
)

// Streamer opens streaming API connections over WebSocket. It implements
// stream.Connector.
type Streamer struct {
	Accounts *Accounts
	Dialer   *websocket.Dialer
}

// NewStreamer builds a Streamer with a default dialer.
func NewStreamer(accts *Accounts) *Streamer {
	return &Streamer{
		Accounts: accts,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// message is the streaming envelope. Payload is itself JSON encoded as a
// string, except for delete where it is the bare status id.
type message struct {
	Stream  []string `json:"stream"`
	Event   string   `json:"event"`
	Payload string   `json:"payload"`
}

type wsConn struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

// Close cancels the dial or closes the socket. It does not wait for the
// read loop.
func (c *wsConn) Close() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.ws != nil {
		_ = c.ws.Close()
	}
}

// attach stores ws unless Close already ran.
func (c *wsConn) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.ws = ws
	return true
}

// Open dials the stream for key in the background.
func (s *Streamer) Open(ctx context.Context, key stream.Key, sink func(stream.Event)) stream.Conn {
	ctx, cancel := context.WithCancel(ctx)
	c := &wsConn{cancel: cancel}
	go s.run(ctx, c, key, sink)
	return c
}

func (s *Streamer) run(ctx context.Context, c *wsConn, key stream.Key, sink func(stream.Event)) {
	fail := func(err error) {
		if ctx.Err() == nil {
			sink(stream.Event{Type: stream.EventError, Err: err})
		}
	}

	acc, ok := s.Accounts.Get(key.BackendURL)
	if !ok {
		fail(fmt.Errorf("%w: %s", ErrUnknownAccount, key.BackendURL))
		return
	}
	endpoint, err := StreamURL(acc, key)
	if err != nil {
		fail(err)
		return
	}
	header := http.Header{}
	if acc.AccessToken != "" {
		header.Set("Authorization", "Bearer "+acc.AccessToken)
	}

	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("dial stream: status=%d: %w", resp.StatusCode, err)
		} else {
			err = fmt.Errorf("dial stream: %w", err)
		}
		fail(err)
		return
	}
	if !c.attach(ws) {
		_ = ws.Close()
		return
	}
	sink(stream.Event{Type: stream.EventConnect})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			fail(fmt.Errorf("read stream: %w", err))
			return
		}
		ev, ok := decodeEvent(data)
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		sink(ev)
	}
}

func decodeEvent(data []byte) (stream.Event, bool) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		log.Debug().Err(err).Msg("undecodable stream message")
		return stream.Event{}, false
	}
	switch stream.EventType(m.Event) {
	case stream.EventUpdate, stream.EventStatusUpdate:
		var st domain.Status
		if err := json.Unmarshal([]byte(m.Payload), &st); err != nil {
			log.Warn().Err(err).Str("event", m.Event).Msg("undecodable status payload")
			return stream.Event{}, false
		}
		return stream.Event{Type: stream.EventType(m.Event), Status: &st}, true
	case stream.EventNotification:
		var n domain.Notification
		if err := json.Unmarshal([]byte(m.Payload), &n); err != nil {
			log.Warn().Err(err).Msg("undecodable notification payload")
			return stream.Event{}, false
		}
		return stream.Event{Type: stream.EventNotification, Notification: &n}, true
	case stream.EventDelete:
		id := strings.TrimSpace(m.Payload)
		if id == "" {
			return stream.Event{}, false
		}
		return stream.Event{Type: stream.EventDelete, ID: id}, true
	default:
		// filters_changed, announcement, conversation, ...
		return stream.Event{}, false
	}
}

// StreamURL builds the streaming endpoint for key.
func StreamURL(acc Account, key stream.Key) (string, error) {
	base := acc.StreamingURL
	if base == "" {
		base = acc.BackendURL
	}
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("streaming url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("streaming url: unsupported scheme %q", u.Scheme)
	}
	u.Path += "/api/v1/streaming"

	q := url.Values{}
	switch key.Category {
	case stream.CategoryUser:
		q.Set("stream", "user")
	case domain.TimelineLocal:
		q.Set("stream", "public:local")
	case domain.TimelinePublic:
		q.Set("stream", "public")
	case domain.TimelineTag:
		q.Set("stream", "hashtag")
		q.Set("tag", key.Tag)
	default:
		return "", fmt.Errorf("streaming url: no stream for category %q", key.Category)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
