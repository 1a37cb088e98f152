package events

import (
	"testing"
	"time"
)

func TestPublish_DeliversToMatchingTopicOnly(t *testing.T) {
	bus := NewBus()
	jobSub := bus.Subscribe(4, TopicJobTransition)
	defer jobSub.Unsubscribe()
	agentSub := bus.Subscribe(4, TopicAgentStatus)
	defer agentSub.Unsubscribe()

	bus.Publish(TopicJobTransition, JobTransition{JobID: "j1", From: "pending", To: "assigned"})

	select {
	case payload := <-jobSub.C:
		jt, ok := payload.(JobTransition)
		if !ok || jt.JobID != "j1" {
			t.Fatalf("unexpected payload on job subscriber: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job subscriber delivery")
	}

	select {
	case payload := <-agentSub.C:
		t.Fatalf("agent subscriber should not receive a job.transition event, got %+v", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_MultipleTopicsOnOneSubscription(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4, TopicJobTransition, TopicJobProgress)
	defer sub.Unsubscribe()

	bus.Publish(TopicJobProgress, JobProgress{JobID: "j1", Percent: 50})
	bus.Publish(TopicJobTransition, JobTransition{JobID: "j1", To: "running"})

	received := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case payload := <-sub.C:
			switch payload.(type) {
			case JobProgress:
				received["progress"] = true
			case JobTransition:
				received["transition"] = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	if !received["progress"] || !received["transition"] {
		t.Fatalf("expected both topics delivered, got %+v", received)
	}
}

func TestPublish_DropsOnFullSubscriberChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1, TopicAlert)
	defer sub.Unsubscribe()

	// Fill the single-slot buffer, then publish a second event that must be
	// dropped rather than blocking the publisher.
	bus.Publish(TopicAlert, Alert{Component: "first"})
	bus.Publish(TopicAlert, Alert{Component: "second"})

	payload := <-sub.C
	alert, ok := payload.(Alert)
	if !ok || alert.Component != "first" {
		t.Fatalf("expected only the first alert to have been buffered, got %+v", payload)
	}

	select {
	case extra := <-sub.C:
		t.Fatalf("expected the second alert to have been dropped, got %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe_ClosesChannelAndStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4, TopicEnrollment)
	sub.Unsubscribe()

	bus.Publish(TopicEnrollment, EnrollmentDecision{EnrollmentID: "e1", Approved: true})

	_, ok := <-sub.C
	if ok {
		t.Fatal("expected the subscriber channel to be closed after Unsubscribe")
	}
}

func TestUnsubscribe_IsIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4, TopicAgentMetrics)
	sub.Unsubscribe()
	sub.Unsubscribe() // must not panic on double-close
}

func TestPublish_NoSubscribersIsANoop(t *testing.T) {
	bus := NewBus()
	bus.Publish(TopicJobSubmitted, struct{}{}) // must not panic or block
}
