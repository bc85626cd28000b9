package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/cloudcodex/cloudcodex/internal/common/logger"
	"github.com/cloudcodex/cloudcodex/internal/events"
	"github.com/cloudcodex/cloudcodex/internal/events/bus"
	"github.com/cloudcodex/cloudcodex/pkg/frames"
)

// Broadcaster subscribes to the registry's session subjects and forwards each
// event to the owning user's WebSocket connections.
type Broadcaster struct {
	hub           *Hub
	eventBus      bus.EventBus
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// NewBroadcaster creates a broadcaster and subscribes to all session event
// families.
func NewBroadcaster(hub *Hub, eventBus bus.EventBus, log *logger.Logger) (*Broadcaster, error) {
	b := &Broadcaster{
		hub:      hub,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "ws_broadcaster")),
	}

	routes := []struct {
		subject string
		forward func(event *bus.Event) (*frames.Frame, error)
	}{
		{events.BuildSessionEventWildcardSubject(), func(event *bus.Event) (*frames.Frame, error) {
			return frames.NewEvent(event.Data)
		}},
		{events.BuildSessionIRWildcardSubject(), func(event *bus.Event) (*frames.Frame, error) {
			return frames.NewIRUpdate(event.Data)
		}},
		{events.BuildSessionApprovalWildcardSubject(), func(event *bus.Event) (*frames.Frame, error) {
			return frames.NewApprovalRequest(event.Data)
		}},
		{events.BuildSessionErrorWildcardSubject(), func(event *bus.Event) (*frames.Frame, error) {
			return frames.New(frames.TypeError, event.Data, "")
		}},
		{events.BuildSessionExitWildcardSubject(), func(event *bus.Event) (*frames.Frame, error) {
			return frames.NewEvent(event.Data)
		}},
	}

	for _, route := range routes {
		forward := route.forward
		sub, err := eventBus.Subscribe(route.subject, func(ctx context.Context, event *bus.Event) error {
			b.deliver(event, forward)
			return nil
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.subscriptions = append(b.subscriptions, sub)
	}

	return b, nil
}

func (b *Broadcaster) deliver(event *bus.Event, forward func(*bus.Event) (*frames.Frame, error)) {
	userID, ok := event.Data["userId"].(string)
	if !ok || userID == "" {
		b.logger.Warn("session event without userId, dropping",
			zap.String("event_type", event.Type))
		return
	}

	frame, err := forward(event)
	if err != nil {
		b.logger.Error("failed to build frame",
			zap.String("event_type", event.Type),
			zap.Error(err))
		return
	}
	b.hub.SendToUser(userID, frame)
}

// Close unsubscribes from all subjects.
func (b *Broadcaster) Close() {
	for _, sub := range b.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	b.subscriptions = nil
}
