package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Broadcaster receives every dispatched alert for live subscribers.
type Broadcaster interface {
	BroadcastAlert(alert Alert)
}

// DispatcherOptions tune the push queue.
type DispatcherOptions struct {
	QueueSize int
	Timeout   time.Duration
}

type pushJob struct {
	notifier Notifier
	alert    Alert
}

// Dispatcher broadcasts alerts and hands external pushes to a bounded queue
// drained by Run, so the caller never waits on the transport.
type Dispatcher struct {
	broadcaster Broadcaster
	queue       chan pushJob
	timeout     time.Duration
	logger      zerolog.Logger
}

// NewDispatcher constructs a dispatcher. broadcaster may be nil.
func NewDispatcher(broadcaster Broadcaster, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		broadcaster: broadcaster,
		queue:       make(chan pushJob, opts.QueueSize),
		timeout:     opts.Timeout,
		logger:      logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch broadcasts the alert and, when the channel filter admits its
// source and a notifier is configured, queues the external push. It reports
// whether a push was queued.
func (d *Dispatcher) Dispatch(alert Alert, channel string, notifier Notifier) bool {
	if d.broadcaster != nil {
		d.broadcaster.BroadcastAlert(alert)
	}

	logger := d.logger.With().
		Str("source", string(alert.Source)).
		Str("category", string(alert.Category)).
		Logger()

	if !ChannelAllows(channel, alert.Source) {
		logger.Debug().Str("channel", channel).Msg("push suppressed by channel filter")
		return false
	}
	if notifier == nil {
		logger.Debug().Msg("no notification endpoint configured")
		return false
	}

	select {
	case d.queue <- pushJob{notifier: notifier, alert: alert}:
		logger.Info().Str("title", alert.Title).Msg("alert queued")
		return true
	default:
		logger.Warn().Str("title", alert.Title).Msg("notification queue full, push dropped")
		return false
	}
}

// Run drains the push queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-d.queue:
			d.send(ctx, job)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, job pushJob) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := job.notifier.Notify(ctx, job.alert.Notification()); err != nil {
		d.logger.Error().Err(err).
			Str("source", string(job.alert.Source)).
			Str("title", job.alert.Title).
			Msg("failed to dispatch alert")
	}
}

// Pending returns the number of queued pushes.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}
