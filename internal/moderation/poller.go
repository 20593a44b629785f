package moderation

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aguaportal/conversation-engine/pkg/logger"
)

// ErrThrottled is returned by Refresh when called again too soon.
var ErrThrottled = errors.New("moderation refresh throttled")

// Poller keeps a Filter in sync with a Source.
type Poller struct {
	filter   *Filter
	source   Source
	interval time.Duration
	limiter  *rate.Limiter
	logger   *logger.Logger
}

// NewPoller creates a poller. Manual refreshes are limited to one per minInterval.
func NewPoller(filter *Filter, source Source, interval, minInterval time.Duration, log *logger.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Poller{
		filter:   filter,
		source:   source,
		interval: interval,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.OrNop(log).Named("moderation"),
	}
}

// Refresh fetches the list now. On failure the cached list stays in use.
func (p *Poller) Refresh(ctx context.Context) error {
	if !p.limiter.Allow() {
		return ErrThrottled
	}
	return p.load(ctx)
}

func (p *Poller) load(ctx context.Context) error {
	terms, err := p.source.Terms(ctx)
	if err != nil {
		p.logger.Warn("failed to refresh excluded terms, keeping cached list",
			zap.Error(err),
			zap.Bool("loaded", p.filter.Loaded()),
		)
		return err
	}
	p.filter.Replace(terms)
	return nil
}

// Run loads the list immediately and then on every interval until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	p.limiter.Allow()
	_ = p.load(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.load(ctx)
		}
	}
}
