package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventDeployProgress, AppID: "foo", Progress: 50})

	for _, sub := range []Subscriber{sub1, sub2} {
		ev := receive(t, sub)
		assert.Equal(t, EventDeployProgress, ev.Type)
		assert.Equal(t, "foo", ev.AppID)
		assert.Equal(t, 50, ev.Progress)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open, "channel should be closed")

	// Second unsubscribe is a no-op
	b.Unsubscribe(sub)
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	b := NewBroker() // not started, so nothing drains the queue

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventExAppDeployed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "Publish blocked with a full queue")
	}

	assert.Positive(t, b.Dropped())

	b.Stop()
	b.Stop()
}

func TestBroker_Filter(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	all := b.Subscribe()
	foo := b.Subscribe(Filter{AppID: "foo"})
	deploys := b.Subscribe(Filter{TypePrefix: "exapp.deploy"})

	b.Publish(&Event{Type: EventExAppEnabled, AppID: "bar"})
	b.Publish(&Event{Type: EventDeployProgress, AppID: "foo", Progress: 10})

	assert.Equal(t, EventExAppEnabled, receive(t, all).Type)
	assert.Equal(t, EventDeployProgress, receive(t, all).Type)
	assert.Equal(t, EventDeployProgress, receive(t, foo).Type)
	assert.Equal(t, "foo", receive(t, deploys).AppID)

	select {
	case ev := <-foo:
		t.Fatalf("unexpected event for foo subscriber: %+v", ev)
	case ev := <-deploys:
		t.Fatalf("unexpected event for deploy subscriber: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilter_Match(t *testing.T) {
	ev := &Event{Type: EventDeployFailed, AppID: "foo"}
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero", Filter{}, true},
		{"same app", Filter{AppID: "foo"}, true},
		{"other app", Filter{AppID: "bar"}, false},
		{"family prefix", Filter{TypePrefix: "exapp.deploy"}, true},
		{"other family", Filter{TypePrefix: "daemon."}, false},
		{"both", Filter{AppID: "foo", TypePrefix: "exapp."}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(ev))
		})
	}
}
