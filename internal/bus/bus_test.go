package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Message, n int) []Message {
	t.Helper()
	out := make([]Message, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case m := <-ch:
			out = append(out, m)
		case <-timeout:
			t.Fatalf("timed out waiting for %d messages, got %d", n, len(out))
		}
	}
	return out
}

func TestPublishOrderPreservedPerChannel(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	got := make(chan Message, 16)
	cancel := b.Subscribe(context.Background(), TaskChannel("t1"), func(ctx context.Context, msg Message) error {
		got <- msg
		return nil
	})
	defer cancel()

	for seq := 1; seq <= 5; seq++ {
		b.Publish(TaskChannel("t1"), Message{TaskID: "t1", Seq: seq, ActionType: "step.completed"})
	}

	msgs := collect(t, got, 5)
	for i, m := range msgs {
		assert.Equal(t, i+1, m.Seq, "messages must arrive in publish order")
	}
}

func TestRedeliveryOnHandlerError(t *testing.T) {
	t.Parallel()

	b := New()
	b.backoff = time.Millisecond
	defer b.Close()

	var mu sync.Mutex
	var calls []int
	cancel := b.Subscribe(context.Background(), TaskChannel("t1"), func(ctx context.Context, msg Message) error {
		mu.Lock()
		calls = append(calls, msg.Seq)
		n := len(calls)
		mu.Unlock()
		if n == 1 {
			return errors.New("transient")
		}
		return nil
	})
	defer cancel()

	b.Publish(TaskChannel("t1"), Message{TaskID: "t1", Seq: 1, ActionType: "task.dispatch"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, 2*time.Second, 5*time.Millisecond, "failed delivery must be retried")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 1}, calls, "the same message is redelivered")
}

func TestChannelsAreIndependent(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	got1 := make(chan Message, 4)
	got2 := make(chan Message, 4)
	c1 := b.Subscribe(context.Background(), TaskChannel("t1"), func(ctx context.Context, msg Message) error {
		got1 <- msg
		return nil
	})
	defer c1()
	c2 := b.Subscribe(context.Background(), RegistryChannel, func(ctx context.Context, msg Message) error {
		got2 <- msg
		return nil
	})
	defer c2()

	b.Publish(TaskChannel("t1"), Message{TaskID: "t1", Seq: 1, ActionType: "step.completed"})
	b.Publish(RegistryChannel, Message{ActionType: "worker.dead"})

	m1 := collect(t, got1, 1)
	m2 := collect(t, got2, 1)
	assert.Equal(t, "step.completed", m1[0].ActionType)
	assert.Equal(t, "worker.dead", m2[0].ActionType)

	select {
	case m := <-got1:
		t.Fatalf("cross-channel leak: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowChannelDoesNotStallOtherPublishers(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	// Wedge the slow channel: the handler blocks, its queue fills, and a
	// publisher to that channel ends up waiting for a slot.
	gate := make(chan struct{})
	cSlow := b.Subscribe(context.Background(), TaskChannel("slow"), func(ctx context.Context, msg Message) error {
		<-gate
		return nil
	})
	defer cSlow()
	defer close(gate)

	go func() {
		for seq := 0; seq < subscriberBuffer+8; seq++ {
			b.Publish(TaskChannel("slow"), Message{TaskID: "slow", Seq: seq})
		}
	}()

	got := make(chan Message, 4)
	cFast := b.Subscribe(context.Background(), TaskChannel("fast"), func(ctx context.Context, msg Message) error {
		got <- msg
		return nil
	})
	defer cFast()

	done := make(chan struct{})
	go func() {
		b.Publish(TaskChannel("fast"), Message{TaskID: "fast", Seq: 1, ActionType: "step.completed"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish on an unrelated channel stalled behind a slow subscriber")
	}
	msgs := collect(t, got, 1)
	assert.Equal(t, "fast", msgs[0].TaskID)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	got := make(chan Message, 4)
	cancel := b.Subscribe(context.Background(), TaskChannel("t1"), func(ctx context.Context, msg Message) error {
		got <- msg
		return nil
	})
	cancel()
	cancel() // double cancel is safe

	b.Publish(TaskChannel("t1"), Message{TaskID: "t1", Seq: 1, ActionType: "step.completed"})

	select {
	case m := <-got:
		t.Fatalf("delivery after unsubscribe: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLateSubscriberSeesRecentMessages(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	b.Publish(TaskChannel("t1"), Message{TaskID: "t1", Seq: 1, ActionType: "task.dispatch"})

	got := make(chan Message, 4)
	cancel := b.Subscribe(context.Background(), TaskChannel("t1"), func(ctx context.Context, msg Message) error {
		got <- msg
		return nil
	})
	defer cancel()

	msgs := collect(t, got, 1)
	assert.Equal(t, "task.dispatch", msgs[0].ActionType)
}

func TestDedupeKeyStable(t *testing.T) {
	t.Parallel()

	m1 := Message{TaskID: "t1", Seq: 3, ActionType: "email.send", Payload: []byte(`{"to":"x"}`)}
	m2 := Message{TaskID: "t1", Seq: 3, ActionType: "email.send", Payload: []byte(`{"to":"x"}`)}
	m3 := Message{TaskID: "t1", Seq: 4, ActionType: "email.send", Payload: []byte(`{"to":"x"}`)}

	assert.Equal(t, m1.DedupeKey(), m2.DedupeKey())
	assert.NotEqual(t, m1.DedupeKey(), m3.DedupeKey())
}
