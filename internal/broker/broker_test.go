package broker

import (
	"testing"
	"time"

	"github.com/agentlens/daemon/internal/index"
	"github.com/agentlens/daemon/internal/trace"
)

func TestSubscribeReceivesSnapshotFirst(t *testing.T) {
	b := New(0)
	_, ch := b.Subscribe(SnapshotPayload{Overview: trace.OverviewStats{TraceCount: 3}})

	select {
	case env := <-ch:
		if env.Type != TypeSnapshot {
			t.Fatalf("first envelope type = %q, want snapshot", env.Type)
		}
		payload, ok := env.Payload.(SnapshotPayload)
		if !ok {
			t.Fatalf("payload type = %T, want SnapshotPayload", env.Payload)
		}
		if payload.Overview.TraceCount != 3 {
			t.Errorf("overview.traceCount = %d, want 3", payload.Overview.TraceCount)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot envelope")
	}
}

func TestPublishFansOutTraceAdded(t *testing.T) {
	b := New(0)
	_, ch := b.Subscribe(SnapshotPayload{})
	<-ch // drain snapshot

	summary := trace.TraceSummary{ID: "t1", Agent: trace.AgentCodex}
	b.Publish([]index.Update{{Kind: index.TraceAdded, TraceID: "t1", Summary: &summary}})

	select {
	case env := <-ch:
		if env.Type != TypeTraceAdded {
			t.Fatalf("type = %q, want trace_added", env.Type)
		}
		payload, ok := env.Payload.(TracePayload)
		if !ok {
			t.Fatalf("payload type = %T, want TracePayload", env.Payload)
		}
		if payload.Summary.ID != "t1" {
			t.Errorf("summary.id = %q, want t1", payload.Summary.ID)
		}
		if env.Version != 2 {
			t.Errorf("version = %d, want 2 (snapshot was 1)", env.Version)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for trace_added envelope")
	}
}

func TestPublishCoalescesRepeatedUpdatesToSameTrace(t *testing.T) {
	b := New(0)
	id, ch := b.Subscribe(SnapshotPayload{})
	<-ch // drain snapshot

	// Publish three updates to the same trace without draining in between:
	// only the latest should ever reach the channel for that key.
	s1 := trace.TraceSummary{ID: "t1", EventCount: 1}
	s2 := trace.TraceSummary{ID: "t1", EventCount: 2}
	s3 := trace.TraceSummary{ID: "t1", EventCount: 3}
	b.Publish([]index.Update{{Kind: index.TraceUpdated, TraceID: "t1", Summary: &s1}})
	b.Publish([]index.Update{{Kind: index.TraceUpdated, TraceID: "t1", Summary: &s2}})
	b.Publish([]index.Update{{Kind: index.TraceUpdated, TraceID: "t1", Summary: &s3}})

	b.Unsubscribe(id)

	var lastEventCount int
	count := 0
	for env := range ch {
		payload := env.Payload.(TracePayload)
		lastEventCount = payload.Summary.EventCount
		count++
	}
	if count == 0 {
		t.Fatal("expected at least one trace_updated envelope")
	}
	if lastEventCount != 3 {
		t.Errorf("last delivered eventCount = %d, want 3 (coalesced to latest)", lastEventCount)
	}
	// Coalescing means strictly fewer envelopes were delivered than updates
	// published, since all three updates targeted the same (type, traceId).
	if count >= 3 {
		t.Errorf("delivered %d envelopes for 3 updates to the same trace, expected coalescing", count)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(0)
	id, ch := b.Subscribe(SnapshotPayload{})
	b.Unsubscribe(id)

	drained := false
	for range ch {
		drained = true
	}
	_ = drained
	if b.SubscriberCount() != 0 {
		t.Errorf("subscriberCount = %d, want 0 after unsubscribe", b.SubscriberCount())
	}
}
