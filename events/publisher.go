package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/zone"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured
const DefaultSubjectPrefix = "zones.events"

// Publisher sends a message on a subject. natsclient.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSPublisher publishes each notification as JSON on <prefix>.<kind>
type NATSPublisher struct {
	publisher Publisher
	prefix    string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewNATSPublisher creates an observer that publishes notifications
func NewNATSPublisher(publisher Publisher, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{
		publisher: publisher,
		prefix:    prefix,
		timeout:   2 * time.Second,
		logger:    logger.With("component", "events-publisher"),
	}
}

// Subject returns the subject used for kind
func (p *NATSPublisher) Subject(kind string) string {
	return p.prefix + "." + kind
}

// ZoneLoading implements Observer
func (p *NATSPublisher) ZoneLoading(name string, progress zone.Progress) {
	p.publish(NewEvent(KindLoading, name, progress))
}

// ZoneLoaded implements Observer
func (p *NATSPublisher) ZoneLoaded(name string) {
	p.publish(NewEvent(KindLoaded, name, nil))
}

// ZoneUnloaded implements Observer
func (p *NATSPublisher) ZoneUnloaded(name string) {
	p.publish(NewEvent(KindUnloaded, name, nil))
}

func (p *NATSPublisher) publish(e Event) {
	if err := p.Publish(e); err != nil {
		p.logger.Warn("Failed to publish zone event", "kind", e.Kind, "zone", e.Zone, "error", err)
	}
}

// Publish sends e and returns the delivery error
func (p *NATSPublisher) Publish(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.WrapInvalid(err, "NATSPublisher", "Publish", "marshal event")
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.publisher.Publish(ctx, p.Subject(e.Kind), data); err != nil {
		return errors.WrapTransient(err, "NATSPublisher", "Publish", "publish event")
	}
	return nil
}
