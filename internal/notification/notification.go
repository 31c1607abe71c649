// Package notification delivers operator alerts through configured channels
// (Slack, generic webhooks).
//
// Alerts are queued and sent from a single background goroutine so the
// execution path never waits on a remote endpoint. Repeated alerts for the
// same key are suppressed for a cooldown period.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default queue depth. Alerts beyond it are dropped and logged.
const defaultQueueSize = 64

// Sender is the interface for a single notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("slack", "webhook").
	Type() string
	// Send delivers a message to the target described by ch.
	Send(ctx context.Context, ch *Channel, msg *Message) error
}

// Channel is a configured alert destination.
type Channel struct {
	Name   string
	Type   string
	Config map[string]string // Sender-specific: "url", "channel_id".
}

// Message is the payload sent through a channel.
type Message struct {
	Key      string            // Deduplication key; empty disables the cooldown.
	Subject  string            // Title line.
	Body     string            // Plain text body.
	Metadata map[string]string // Extra data (client_id, failure_rate, ...).
}

// Config configures a Dispatcher.
type Config struct {
	Channels  []Channel
	Cooldown  time.Duration // 0 = no suppression.
	Fallback  bool          // Stop at the first channel that succeeds.
	QueueSize int           // 0 = 64.
}

// Dispatcher routes messages to the Sender registered for each channel type.
type Dispatcher struct {
	cfg     Config
	senders map[string]Sender
	queue   chan *Message
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewDispatcher creates a notification dispatcher.
func NewDispatcher(cfg Config, logger *slog.Logger) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Dispatcher{
		cfg:      cfg,
		senders:  make(map[string]Sender),
		queue:    make(chan *Message, size),
		logger:   logger,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// RegisterSender adds a channel backend. Call at startup only.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.senders[s.Type()] = s
}

// Enqueue schedules msg for delivery. It never blocks; it returns false when
// the message is inside its cooldown or the queue is full.
func (d *Dispatcher) Enqueue(msg *Message) bool {
	if !d.claim(msg.Key) {
		return false
	}
	select {
	case d.queue <- msg:
		return true
	default:
		d.logger.Warn("notification queue full, dropping alert", slog.String("subject", msg.Subject))
		return false
	}
}

// Run delivers queued messages until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			var err error
			if d.cfg.Fallback {
				err = d.NotifyWithFallback(sendCtx, msg)
			} else {
				err = errors.Join(mapErrors(d.Notify(sendCtx, msg))...)
			}
			cancel()
			if err != nil {
				d.logger.Warn("alert delivery failed",
					slog.String("subject", msg.Subject),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Notify sends msg to every configured channel and returns per-channel errors (nil = success).
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) map[string]error {
	results := make(map[string]error, len(d.cfg.Channels))
	for i := range d.cfg.Channels {
		ch := &d.cfg.Channels[i]
		results[ch.Name] = d.send(ctx, ch, msg)
	}
	return results
}

// NotifyWithFallback tries channels in order and stops at the first success.
func (d *Dispatcher) NotifyWithFallback(ctx context.Context, msg *Message) error {
	if len(d.cfg.Channels) == 0 {
		return errors.New("no notification channels configured")
	}
	var lastErr error
	for i := range d.cfg.Channels {
		ch := &d.cfg.Channels[i]
		if err := d.send(ctx, ch, msg); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("all notification channels failed, last error: %w", lastErr)
}

func (d *Dispatcher) send(ctx context.Context, ch *Channel, msg *Message) error {
	sender, ok := d.senders[ch.Type]
	if !ok {
		return fmt.Errorf("no sender registered for channel type %q", ch.Type)
	}
	if err := sender.Send(ctx, ch, msg); err != nil {
		d.logger.WarnContext(ctx, "notification send failed",
			slog.String("channel", ch.Name),
			slog.String("type", ch.Type),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("channel %q: %w", ch.Name, err)
	}
	d.logger.InfoContext(ctx, "notification sent",
		slog.String("channel", ch.Name),
		slog.String("type", ch.Type),
	)
	return nil
}

// claim records a send for key and reports whether it is outside the cooldown.
func (d *Dispatcher) claim(key string) bool {
	if key == "" || d.cfg.Cooldown <= 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cfg.Cooldown {
		return false
	}
	d.lastSent[key] = now
	return true
}

// Prune forgets cooldown entries that have expired and returns how many were removed.
func (d *Dispatcher) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for key, last := range d.lastSent {
		if now.Sub(last) >= d.cfg.Cooldown {
			delete(d.lastSent, key)
			removed++
		}
	}
	return removed
}

func mapErrors(m map[string]error) []error {
	var errs []error
	for _, err := range m {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
