// Package wsgateway bridges the in-process events.Bus to the browser-facing
// websocket.Hub. It is a downstream subscriber of the bus, not the bus
// itself — dispatcher, hub, and enrollment publish typed Go values; this
// package translates each one into the JSON Message shape the GUI expects
// and republishes it onto the topic the GUI subscribed to.
package wsgateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/fleetmesh/server/internal/events"
	"github.com/fleetmesh/server/internal/websocket"
)

// AdminBroadcastTopic is the topic name clients subscribe to (via the `topics`
// query parameter on the WebSocket upgrade) to receive operational events
// that are not scoped to a single job or agent — enrollment decisions and
// fatal alerts.
const AdminBroadcastTopic = "admin:broadcast"

// subscriberBufferSize is the bus subscription channel capacity. The gateway
// is a single always-draining consumer, so this only needs to absorb bursts.
const subscriberBufferSize = 256

// Gateway drains typed events from a bus and republishes them as
// websocket.Message frames on the corresponding hub topic.
type Gateway struct {
	bus    *events.Bus
	hub    *websocket.Hub
	logger *zap.Logger
}

// New creates a Gateway. Call Run in a goroutine to start forwarding.
func New(bus *events.Bus, hub *websocket.Hub, logger *zap.Logger) *Gateway {
	return &Gateway{bus: bus, hub: hub, logger: logger.Named("wsgateway")}
}

// Run subscribes to every topic the gateway forwards and blocks until ctx is
// cancelled.
func (g *Gateway) Run(ctx context.Context) {
	sub := g.bus.Subscribe(subscriberBufferSize,
		events.TopicJobTransition,
		events.TopicJobProgress,
		events.TopicJobStream,
		events.TopicAgentStatus,
		events.TopicAgentMetrics,
		events.TopicEnrollment,
		events.TopicAlert,
	)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.C:
			if !ok {
				return
			}
			g.forward(payload)
		}
	}
}

func (g *Gateway) forward(payload any) {
	switch p := payload.(type) {
	case events.JobTransition:
		g.hub.Publish("job:"+p.JobID, websocket.Message{
			Type:  websocket.MsgJobStatus,
			Topic: "job:" + p.JobID,
			Payload: map[string]any{
				"status":  p.To,
				"from":    p.From,
				"trigger": p.Trigger,
			},
		})

	case events.JobProgress:
		g.hub.Publish("job:"+p.JobID, websocket.Message{
			Type:  websocket.MsgJobProgress,
			Topic: "job:" + p.JobID,
			Payload: map[string]any{
				"percent": p.Percent,
				"message": p.Message,
			},
		})

	case events.JobStreamChunk:
		g.hub.Publish("job:"+p.JobID, websocket.Message{
			Type:  websocket.MsgJobLog,
			Topic: "job:" + p.JobID,
			Payload: map[string]any{
				"sequence": p.Sequence,
				"payload":  string(p.Payload),
				"is_end":   p.IsEnd,
			},
		})

	case events.AgentStatusChanged:
		g.hub.Publish("agent:"+p.AgentID, websocket.Message{
			Type:  websocket.MsgAgentStatus,
			Topic: "agent:" + p.AgentID,
			Payload: map[string]any{
				"status": p.To,
				"from":   p.From,
			},
		})

	case events.AgentMetrics:
		g.hub.Publish("agent:"+p.AgentID, websocket.Message{
			Type:    websocket.MsgAgentMetrics,
			Topic:   "agent:" + p.AgentID,
			Payload: p.Metrics,
		})

	case events.EnrollmentDecision:
		g.hub.Publish(AdminBroadcastTopic, websocket.Message{
			Type:  websocket.MsgNotification,
			Topic: AdminBroadcastTopic,
			Payload: map[string]any{
				"kind":          "enrollment_decision",
				"enrollment_id": p.EnrollmentID,
				"node_id":       p.NodeID,
				"approved":      p.Approved,
				"reason":        p.Reason,
				"actor":         p.Actor,
			},
		})

	case events.Alert:
		g.hub.Publish(AdminBroadcastTopic, websocket.Message{
			Type:  websocket.MsgNotification,
			Topic: AdminBroadcastTopic,
			Payload: map[string]any{
				"kind":      "alert",
				"component": p.Component,
				"message":   p.Message,
			},
		})

	default:
		g.logger.Warn("wsgateway: unrecognized event payload type, dropping")
	}
}
