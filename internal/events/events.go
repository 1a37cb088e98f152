// Package events is the in-process typed pub/sub bus. Subscribers register
// at wiring time and are invoked as each event is published — by the
// dispatcher on FSM transitions, the registry on status changes, and the
// enrollment service on admission decisions. Adapted from
// websocket.Hub single-writer event loop, generalized from `chan Message`
// (JSON, browser-bound) to `chan any` (typed Go values, in-process only).
// Browser/admin push (internal/wsgateway) is a downstream subscriber of this
// bus, not the bus itself.
package events

import "sync"

// Well-known topic names. Payload types are documented per constant. Topics
// are matched by exact name; there is no wildcard subscription.
const (
	TopicJobSubmitted  = "job.submitted"
	TopicJobTransition = "job.transition" // payload: JobTransition
	TopicJobProgress   = "job.progress"   // payload: JobProgress
	TopicJobStream     = "job.stream"     // payload: JobStreamChunk
	TopicAgentStatus   = "agent.status"   // payload: AgentStatusChanged
	TopicAgentMetrics  = "agent.metrics"  // payload: AgentMetrics
	TopicEnrollment    = "enrollment.decision" // payload: EnrollmentDecision
	TopicAlert         = "alert.fatal"         // payload: Alert
)

// JobTransition is published every time the dispatcher's FSM fires a
// transition — the single place Job.Status changes. DeadLettered mirrors
// db.Job.DeadLettered at the moment of publish: Failed/TimedOut with
// retries exhausted sets it true without changing To, since dead-letter
// membership is a separate flag, not a third terminal status value.
type JobTransition struct {
	JobID        string
	From         string
	To           string
	Trigger      string
	DeadLettered bool
}

// JobProgress is published on each ReportProgress — subscribers that missed
// earlier reports only need the latest.
type JobProgress struct {
	JobID   string
	Percent float64
	Message string
}

// JobStreamChunk is published once per persisted stream item, carrying the
// sequence and isEnd fields the lossy JobProgress payload drops — a
// subscriber needs both to detect gaps and to know when the stream is done
// rather than merely idle.
type JobStreamChunk struct {
	JobID    string
	Sequence uint64
	Payload  []byte
	IsEnd    bool
}

// AgentStatusChanged is published by the registry on any status mutation.
type AgentStatusChanged struct {
	AgentID string
	From    string
	To      string
}

// AgentMetrics is published on every agent heartbeat that carries a host
// resource snapshot, so subscribers can surface live gauges without polling.
type AgentMetrics struct {
	AgentID string
	Metrics map[string]float64
}

// Alert is published for Fatal-severity errors that should fire operational
// alerts — a dispatcher dead-letter, a credential verification failure, or
// any other condition an operator needs to be paged for.
type Alert struct {
	Component string
	Message   string
}

// EnrollmentDecision is published every time an admin approves or rejects a
// pending enrollment request.
type EnrollmentDecision struct {
	EnrollmentID string
	NodeID       string
	Approved     bool
	Reason       string
	Actor        string
}

type subscriber struct {
	ch     chan any
	topics map[string]struct{}
}

// Bus is the central typed pub/sub broker. Safe for concurrent use. The zero
// value is not usable — create instances with NewBus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	topics map[string]map[*subscriber]struct{}
}

// NewBus creates an idle Bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[*subscriber]struct{}),
		topics: make(map[string]map[*subscriber]struct{}),
	}
}

// Subscription is returned by Subscribe; call Unsubscribe to stop receiving
// and release the channel, or range over C directly.
type Subscription struct {
	C    <-chan any
	bus  *Bus
	sub  *subscriber
}

// Subscribe registers a new subscriber for the given topics with a buffered
// channel of the given capacity. A full channel causes the new event to be
// dropped for that subscriber rather than blocking Publish — matching the hub's
// slow-consumer-disconnect policy, adapted to "drop" instead of
// "disconnect" since there is no connection to tear down here.
func (b *Bus) Subscribe(capacity int, topics ...string) *Subscription {
	if capacity <= 0 {
		capacity = 32
	}
	sub := &subscriber{ch: make(chan any, capacity), topics: make(map[string]struct{}, len(topics))}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	for t := range sub.topics {
		if b.topics[t] == nil {
			b.topics[t] = make(map[*subscriber]struct{})
		}
		b.topics[t][sub] = struct{}{}
	}
	b.mu.Unlock()

	return &Subscription{C: sub.ch, bus: b, sub: sub}
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.sub]; !ok {
		return
	}
	delete(s.bus.subs, s.sub)
	for t := range s.sub.topics {
		delete(s.bus.topics[t], s.sub)
		if len(s.bus.topics[t]) == 0 {
			delete(s.bus.topics, t)
		}
	}
	close(s.sub.ch)
}

// Publish sends payload to every subscriber of topic. The target set is
// copied under a read lock and delivered outside it, so a slow subscriber
// cannot stall Publish for others — same shape as the websocket hub's Publish.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	targets := b.topics[topic]
	subs := make([]*subscriber, 0, len(targets))
	for s := range targets {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
			// Subscriber too slow to keep up with this topic; drop rather
			// than block other subscribers.
		}
	}
}
