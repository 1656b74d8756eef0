// Package relay forwards derived events to the downstream pub/sub broadcaster.
package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trader-space/internal/config"
	"trader-space/internal/metrics"
)

const broadcastPath = "/broadcast"

// Message is the broadcaster wire format.
type Message struct {
	Channel string      `json:"channel"`
	Event   string      `json:"event"`
	Data    interface{} `json:"data"`
}

// PriceData is the payload of a price event. Price is emitted as a JSON number.
type PriceData struct {
	Price json.Number `json:"price"`
}

// Relay publishes messages asynchronously. Publish never blocks the caller; when
// the queue is full the message is dropped and counted.
type Relay struct {
	client  *resty.Client
	channel string
	event   string
	queue   chan Message
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates a Relay. An empty URL yields a disabled relay whose Publish is a no-op.
func New(cfg config.Relay, logger *zap.Logger, m *metrics.Metrics) *Relay {
	r := &Relay{
		channel: cfg.Channel,
		event:   cfg.Event,
		logger:  logger.Named("relay"),
		metrics: m,
	}
	if cfg.URL == "" {
		r.logger.Warn("Relay URL not configured, price events will not be forwarded")
		return r
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	r.queue = make(chan Message, size)
	r.client = resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.Timeout).
		SetJSONMarshaler(json.Marshal).
		SetHeader("Content-Type", "application/json")
	return r
}

// Enabled reports whether a broadcaster is configured.
func (r *Relay) Enabled() bool {
	return r.queue != nil
}

// PublishPrice enqueues the reference price event.
func (r *Relay) PublishPrice(price decimal.Decimal) bool {
	return r.Publish(r.channel, r.event, PriceData{Price: json.Number(price.String())})
}

// Publish enqueues data for event on channel.
func (r *Relay) Publish(channel, event string, data interface{}) bool {
	if !r.Enabled() {
		return false
	}
	msg := Message{Channel: channel, Event: event, Data: data}
	select {
	case r.queue <- msg:
		return true
	default:
		r.metrics.RelayPublish.WithLabelValues("dropped").Inc()
		r.logger.Warn("Relay queue full, dropping message",
			zap.String("channel", channel),
			zap.String("event", event),
		)
		return false
	}
}

// Run sends queued messages until ctx is canceled.
func (r *Relay) Run(ctx context.Context) {
	if !r.Enabled() {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.queue:
			if err := r.send(ctx, msg); err != nil {
				r.metrics.RelayPublish.WithLabelValues("failed").Inc()
				r.logger.Warn("Relay publish failed", zap.Error(err))
				continue
			}
			r.metrics.RelayPublish.WithLabelValues("sent").Inc()
		}
	}
}

func (r *Relay) send(ctx context.Context, msg Message) error {
	resp, err := r.client.R().SetContext(ctx).SetBody(msg).Post(broadcastPath)
	if err != nil {
		return fmt.Errorf("post %s: %w", broadcastPath, err)
	}
	if resp.IsError() {
		return fmt.Errorf("post %s: status %s", broadcastPath, resp.Status())
	}
	return nil
}
