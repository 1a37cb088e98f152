package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetmesh/server/internal/db"
	"github.com/fleetmesh/server/internal/events"
	"github.com/fleetmesh/server/internal/repositories"
	"github.com/fleetmesh/server/internal/repository"
	"github.com/fleetmesh/server/internal/websocket"
)

// Service subscribes to the event bus and delivers operational alerts to
// admin users. It persists an in-app notification per admin, pushes it to
// any connected WebSocket client, and fans out to email/webhook.
//
// Unlike internal/wsgateway, which forwards every bus event to whatever
// topic a client already subscribed to, Service decides which events rise
// to the level of an admin notification, resolves the recipient list, and
// is the only writer of the notifications table.
type Service struct {
	bus *events.Bus

	notifRepo repositories.NotificationRepository
	userRepo  repository.UserRepository
	hub       *websocket.Hub
	email     *emailSender
	webhook   *webhookSender
	logger    *zap.Logger
}

// Config holds the dependencies required to build a Service.
type Config struct {
	Bus          *events.Bus
	NotifRepo    repositories.NotificationRepository
	UserRepo     repository.UserRepository
	SettingsRepo repositories.SettingsRepository
	Hub          *websocket.Hub
	Logger       *zap.Logger
}

// NewService creates a Service. Call Run in a goroutine to start delivering.
func NewService(cfg Config) *Service {
	svc := &Service{
		bus:       cfg.Bus,
		notifRepo: cfg.NotifRepo,
		userRepo:  cfg.UserRepo,
		hub:       cfg.Hub,
		logger:    cfg.Logger.Named("notification"),
	}

	// Config is reloaded on every send — no restart needed after a settings
	// change propagates through the admin API.
	svc.email = newEmailSender(func(ctx context.Context) (*SMTPConfig, error) {
		return loadSMTPConfig(ctx, cfg.SettingsRepo)
	})
	svc.webhook = newWebhookSender(func(ctx context.Context) (*WebhookConfig, error) {
		return loadWebhookConfig(ctx, cfg.SettingsRepo)
	})

	return svc
}

// Run subscribes to every bus topic that can produce an alert and blocks
// until ctx is cancelled. The subscription is buffered and drops under
// sustained backpressure (see events.Bus.Subscribe) — delivery here is
// best-effort, matching the "a Fatal error fires an alert" contract rather
// than a guaranteed-delivery queue.
func (s *Service) Run(ctx context.Context) {
	sub := s.bus.Subscribe(64,
		events.TopicAlert,
		events.TopicJobTransition,
		events.TopicAgentStatus,
		events.TopicEnrollment,
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
			if ev, deliverable := s.classify(payload); deliverable {
				if err := s.deliver(ctx, ev); err != nil {
					s.logger.Error("failed to deliver alert", zap.Error(err))
				}
			}
		}
	}
}

// event carries the data for a single alert before it is fanned out to
// recipients and delivery channels.
type event struct {
	notifType string
	title     string
	body      string
	payload   map[string]any
}

// classify decides whether a bus payload rises to the level of an admin
// notification and, if so, builds the event to deliver. Most job and agent
// transitions are routine and are left to internal/wsgateway's live UI feed
// instead of generating a persisted, emailed notification.
func (s *Service) classify(payload any) (event, bool) {
	switch p := payload.(type) {
	case events.Alert:
		return event{
			notifType: "alert",
			title:     fmt.Sprintf("Alert: %s", p.Component),
			body:      p.Message,
			payload:   map[string]any{"component": p.Component, "message": p.Message},
		}, true

	case events.JobTransition:
		if !p.DeadLettered {
			return event{}, false
		}
		return event{
			notifType: "job_dead_letter",
			title:     "Job exhausted retries",
			body:      fmt.Sprintf("Job %s exhausted its retries and was dead-lettered (status %s) at %s.", p.JobID, p.To, time.Now().UTC().Format(time.RFC3339)),
			payload:   map[string]any{"job_id": p.JobID, "status": p.To, "trigger": p.Trigger},
		}, true

	case events.AgentStatusChanged:
		if p.To != "disconnected" {
			return event{}, false
		}
		return event{
			notifType: "agent_offline",
			title:     "Agent disconnected",
			body:      fmt.Sprintf("Agent %s disconnected at %s.", p.AgentID, time.Now().UTC().Format(time.RFC3339)),
			payload:   map[string]any{"agent_id": p.AgentID},
		}, true

	case events.EnrollmentDecision:
		status := "approved"
		if !p.Approved {
			status = "rejected"
		}
		return event{
			notifType: "enrollment_decision",
			title:     fmt.Sprintf("Enrollment %s", status),
			body:      fmt.Sprintf("Node %s enrollment was %s by %s.", p.NodeID, status, p.Actor),
			payload:   map[string]any{"enrollment_id": p.EnrollmentID, "node_id": p.NodeID, "approved": p.Approved},
		}, true

	default:
		return event{}, false
	}
}

// deliver persists one notification per admin user, publishes it to the
// WebSocket Hub, and fans out to email/webhook. External channel errors are
// logged but not returned — the in-app notification has already been saved,
// which is the authoritative record.
func (s *Service) deliver(ctx context.Context, ev event) error {
	// Resolve all admin users — they are the recipients for every alert.
	// A large page size is used because the number of admins is expected to
	// be small (typically 1-3 in a self-hosted deployment).
	admins, _, err := s.userRepo.List(ctx, repository.ListOptions{Limit: 100, Offset: 0})
	if err != nil {
		return fmt.Errorf("notification: failed to list users: %w", err)
	}

	payloadJSON, err := json.Marshal(ev.payload)
	if err != nil {
		return fmt.Errorf("notification: failed to marshal payload: %w", err)
	}

	var emailRecipients []string

	for i := range admins {
		u := &admins[i]
		if u.Role != "admin" || !u.IsActive {
			continue
		}

		n := &db.Notification{
			UserID:  u.ID,
			Type:    ev.notifType,
			Title:   ev.title,
			Body:    ev.body,
			Payload: string(payloadJSON),
		}
		if err := s.notifRepo.Create(ctx, n); err != nil {
			s.logger.Error("failed to persist notification",
				zap.String("user_id", u.ID.String()),
				zap.String("type", ev.notifType),
				zap.Error(err),
			)
			continue
		}

		// Publish to the WebSocket Hub so any connected GUI tab receives the
		// notification instantly without polling.
		topic := fmt.Sprintf("notifications:%s", u.ID.String())
		s.hub.Publish(topic, websocket.Message{
			Type:  websocket.MsgNotification,
			Topic: topic,
			Payload: map[string]any{
				"id":         n.ID.String(),
				"type":       n.Type,
				"title":      n.Title,
				"body":       n.Body,
				"payload":    ev.payload,
				"created_at": n.CreatedAt.UTC().Format(time.RFC3339),
			},
		})

		emailRecipients = append(emailRecipients, u.Email)
	}

	// External channels: errors are logged but not propagated — the in-app
	// notification has already been saved, which is the authoritative channel.
	if err := s.email.Send(ctx, emailRecipients, ev.title, ev.body); err != nil {
		s.logger.Warn("email notification delivery failed", zap.String("type", ev.notifType), zap.Error(err))
	}

	if err := s.webhook.Send(ctx, ev.notifType, ev.title, ev.body, ev.payload); err != nil {
		s.logger.Warn("webhook notification delivery failed", zap.String("type", ev.notifType), zap.Error(err))
	}

	return nil
}
