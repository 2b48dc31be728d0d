package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicNotifyUser)
	defer b.Unsubscribe(sub)

	b.Publish(TopicNotifyUser, UserNotification{Owner: "u1", Text: "hello"})

	select {
	case ev := <-sub.Ch():
		n, ok := ev.Payload.(UserNotification)
		if !ok || n.Owner != "u1" || n.Text != "hello" {
			t.Fatalf("unexpected payload: %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	agentSub := b.Subscribe("agent.")
	defer b.Unsubscribe(agentSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicAgentStatus, AgentStatusEvent{AgentID: "a1"})
	b.Publish(TopicTaskExecuted, TaskExecutedEvent{TaskID: "t1"})

	select {
	case ev := <-agentSub.Ch():
		if ev.Topic != TopicAgentStatus {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicAgentStatus)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for agent event")
	}
	select {
	case ev := <-agentSub.Ch():
		t.Fatalf("unexpected event on agent subscription: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for wildcard event")
		}
	}
}

func TestBus_NonBlockingWhenFull(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish("x", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(sub.Ch()) != defaultBufferSize {
		t.Fatalf("buffered = %d, want %d", len(sub.Ch()), defaultBufferSize)
	}
}

func TestBus_CloseClosesSubscriptions(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Close()
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel after Close")
	}
	late := b.Subscribe("")
	if _, ok := <-late.Ch(); ok {
		t.Fatal("expected subscription after Close to be closed")
	}
	b.Unsubscribe(sub) // no panic on double close
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(TopicPluginExecuted, PluginExecutedEvent{})
		}()
	}
	wg.Wait()
	if len(sub.Ch()) != 10 {
		t.Fatalf("received %d events, want 10", len(sub.Ch()))
	}
}
