package natsworld

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/c360/zonestream/errors"
	"github.com/c360/zonestream/world"
)

// Subscriber registers a message handler. natsclient.Client satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, *nats.Msg)) error
}

// Host answers load and unload requests from a local backend
type Host struct {
	backend world.Backend
	logger  *slog.Logger
}

// NewHost creates a host serving backend
func NewHost(backend world.Backend, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{backend: backend, logger: logger.With("component", "natsworld-host")}
}

// Serve subscribes to <prefix>.load and <prefix>.unload. Handlers run until
// the subscriber is closed.
func (h *Host) Serve(ctx context.Context, sub Subscriber, prefix string) error {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	handlers := map[string]func(context.Context, []byte) []byte{
		prefix + ".load":   h.HandleLoad,
		prefix + ".unload": h.HandleUnload,
	}
	for subject, handle := range handlers {
		handle := handle
		err := sub.Subscribe(ctx, subject, func(msgCtx context.Context, msg *nats.Msg) {
			if err := msg.Respond(handle(msgCtx, msg.Data)); err != nil {
				h.logger.Warn("Failed to respond to world request", "subject", msg.Subject, "error", err)
			}
		})
		if err != nil {
			return errors.Wrap(err, "Host", "Serve", "subscribe "+subject)
		}
	}
	h.logger.Info("Serving world requests", "prefix", prefix)
	return nil
}

// HandleLoad decodes a Request, loads the zone and encodes the Reply
func (h *Host) HandleLoad(ctx context.Context, data []byte) []byte {
	req, reply := h.decode(data)
	if reply != nil {
		return encode(*reply)
	}
	root, err := h.backend.Load(ctx, req.Zone, nil)
	if err != nil {
		h.logger.Warn("World load failed", "zone", req.Zone, "error", err)
		return encode(Reply{Error: err.Error(), Code: codeFor(err)})
	}
	return encode(Reply{Root: root})
}

// HandleUnload decodes a Request, unloads the zone and encodes the Reply
func (h *Host) HandleUnload(ctx context.Context, data []byte) []byte {
	req, reply := h.decode(data)
	if reply != nil {
		return encode(*reply)
	}
	if err := h.backend.Unload(ctx, req.Zone); err != nil {
		h.logger.Warn("World unload failed", "zone", req.Zone, "error", err)
		return encode(Reply{Error: err.Error(), Code: codeFor(err)})
	}
	return encode(Reply{})
}

func (h *Host) decode(data []byte) (Request, *Reply) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return req, &Reply{Error: "malformed request: " + err.Error(), Code: CodeInvalid}
	}
	if req.Zone == "" {
		return req, &Reply{Error: errors.ErrEmptyZoneName.Error(), Code: CodeInvalid}
	}
	return req, nil
}

func encode(r Reply) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		data, _ = json.Marshal(Reply{Error: err.Error(), Code: CodeUnavailable})
	}
	return data
}
