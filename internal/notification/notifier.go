package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fraudwatch/scoring-engine/internal/config"
	"github.com/fraudwatch/scoring-engine/internal/database"
	"github.com/fraudwatch/scoring-engine/internal/logging"
	"github.com/fraudwatch/scoring-engine/internal/metrics"
)

// policy holds the delivery settings of one channel
type policy struct {
	maxAttempts int
	retryDelay  time.Duration
	timeout     time.Duration
}

// Notifier fans alerts out to the configured channels. Delivery is
// synchronous: the worker dispatches only after the transaction outcome is
// committed, so a failed notification never changes pipeline state.
//
// Each channel keeps a process-local delivered set keyed by correlation id;
// at most one successful delivery happens per (channel, id) for the process
// lifetime.
type Notifier struct {
	logger  *slog.Logger
	metrics *metrics.Collector

	channels []Channel
	policies map[string]policy
	limiters map[string]*rate.Limiter

	mu        sync.Mutex
	delivered map[string]map[string]struct{}
}

// New creates a notifier with the channels enabled in config
func New(cfg config.NotificationsConfig, logger *slog.Logger, collector *metrics.Collector) *Notifier {
	n := &Notifier{
		logger:    logger,
		metrics:   collector,
		policies:  make(map[string]policy),
		limiters:  make(map[string]*rate.Limiter),
		delivered: make(map[string]map[string]struct{}),
	}

	if cfg.Chat.Enabled {
		n.register(NewChatChannel(cfg.Chat, logger), policy{
			maxAttempts: cfg.Chat.MaxRetries,
			retryDelay:  cfg.Chat.RetryDelay,
			timeout:     cfg.Chat.Timeout,
		}, cfg.Chat.RateLimitPerMin)
	}

	if cfg.Mail.Enabled {
		n.register(NewMailChannel(cfg.Mail, logger), policy{
			maxAttempts: cfg.Mail.MaxRetries,
			retryDelay:  cfg.Mail.RetryDelay,
			timeout:     cfg.Mail.Timeout,
		}, cfg.Mail.RateLimitPerMin)
	}

	return n
}

func (n *Notifier) register(ch Channel, pol policy, perMinute int) {
	if pol.maxAttempts < 1 {
		pol.maxAttempts = 1
	}

	n.channels = append(n.channels, ch)
	n.policies[ch.Name()] = pol
	n.delivered[ch.Name()] = make(map[string]struct{})

	if perMinute > 0 {
		n.limiters[ch.Name()] = rate.NewLimiter(rate.Limit(perMinute)/60, perMinute)
	}
}

// Channels returns the names of the registered channels
func (n *Notifier) Channels() []string {
	names := make([]string, 0, len(n.channels))
	for _, ch := range n.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Notify dispatches one fired reason to every registered channel
func (n *Notifier) Notify(ctx context.Context, tx *database.Transaction, reason string) {
	for _, ch := range n.channels {
		n.deliver(ctx, ch, tx, reason)
	}
}

func (n *Notifier) deliver(ctx context.Context, ch Channel, tx *database.Transaction, reason string) {
	name := ch.Name()

	if n.alreadyDelivered(name, tx.CorrelationID) {
		logging.Event(ctx, n.logger, slog.LevelInfo, logging.StageNotifySkipped, "notify", tx,
			"channel", name,
			"reason", "duplicate",
		)
		return
	}

	if limiter, ok := n.limiters[name]; ok {
		if err := limiter.Wait(ctx); err != nil {
			n.logger.Warn("Rate limiter wait aborted", "channel", name, "error", err)
			return
		}
	}

	pol := n.policies[name]
	for attempt := 1; attempt <= pol.maxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, pol.timeout)
		err := ch.Send(sendCtx, tx, reason)
		cancel()

		if err == nil {
			n.markDelivered(name, tx.CorrelationID)
			n.metrics.RecordNotificationSent(name)
			logging.Event(ctx, n.logger, slog.LevelInfo, logging.StageNotifySent, "notify", tx,
				"channel", name,
				"attempt", attempt,
			)
			return
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			n.metrics.RecordNotificationRetry(name)
			logging.Event(ctx, n.logger, slog.LevelWarn, logging.StageNotifyRetry, "notify", tx,
				"channel", name,
				"attempt", attempt,
				"status_code", statusErr.Code,
			)
		} else {
			n.metrics.RecordNotificationError(name)
			logging.Event(ctx, n.logger, slog.LevelError, logging.StageNotifyError, "notify", tx,
				"channel", name,
				"attempt", attempt,
				"error", err.Error(),
			)
		}

		if attempt < pol.maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pol.retryDelay):
			}
		}
	}
	// All attempts exhausted. The outcome is already committed, give up.
}

func (n *Notifier) alreadyDelivered(channel, correlationID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	_, ok := n.delivered[channel][correlationID]
	return ok
}

func (n *Notifier) markDelivered(channel, correlationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.delivered[channel][correlationID] = struct{}{}
}
