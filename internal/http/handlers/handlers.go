package handlers

import (
	"context"
	"time"

	"github.com/tbourn/fedi-timeline-sync/internal/domain"
	"github.com/tbourn/fedi-timeline-sync/internal/mastodon"
	"github.com/tbourn/fedi-timeline-sync/internal/services"
	"github.com/tbourn/fedi-timeline-sync/internal/stream"
	"github.com/tbourn/fedi-timeline-sync/internal/timeline"
)

// Engine is the sync engine as seen by the HTTP layer. *engine.Engine
// implements it; implementations must be safe for concurrent use and honor
// ctx.
type Engine interface {
	ListTimelines() []timeline.Config
	ApplyTimelines(ctx context.Context, cfgs []timeline.Config) ([]timeline.Config, error)
	Items(ctx context.Context, id string) (timeline.Config, []services.Item, error)
	Refresh(ctx context.Context, id string) (int, error)
	LoadMore(ctx context.Context, id string) (int, error)
	Watch(ctx context.Context, id string, fn func([]services.Item, error)) (func(), error)

	SetAction(ctx context.Context, backendURL, id string, kind domain.ActionKind, value bool) error

	ListAccounts() []mastodon.Account
	SetAccounts(ctx context.Context, accts []mastodon.Account) error
	StreamStatus() []stream.Status
	RetryStream(key stream.Key) error

	Sweep(ctx context.Context) (services.SweepReport, error)
	Stats(ctx context.Context) (services.RuntimeStats, error)
}

// DefaultHeartbeat is the comment interval on idle event streams.
const DefaultHeartbeat = 25 * time.Second

// Handlers groups the HTTP endpoints.
type Handlers struct {
	engine Engine

	// Heartbeat keeps idle event streams alive through proxies.
	Heartbeat time.Duration
}

// New constructs Handlers bound to eng.
func New(eng Engine) *Handlers {
	return &Handlers{engine: eng, Heartbeat: DefaultHeartbeat}
}
