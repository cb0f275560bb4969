package stream

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oduya/ebb/ebb/job"
)

func evt(tenant, jobID string, n int) *job.Event {
	return &job.Event{
		JobID:       jobID,
		ScopeTenant: tenant,
		Type:        job.EventProgress,
		Message:     fmt.Sprintf("event %d", n),
		OccurredAt:  time.Now(),
	}
}

func TestBroker_TenantTopicIsolation(t *testing.T) {
	b := NewBroker(zap.NewNop())
	defer b.Close()

	acme := b.Subscribe(TenantTopic("acme"))
	globex := b.Subscribe(TenantTopic("globex"))

	b.Publish(evt("acme", "j1", 1))
	b.Publish(evt("globex", "j2", 2))
	b.Publish(evt("acme", "j3", 3))

	got := drain(acme)
	require.Len(t, got, 2)
	assert.Equal(t, "j1", got[0].JobID)
	assert.Equal(t, "j3", got[1].JobID)

	got = drain(globex)
	require.Len(t, got, 1)
	assert.Equal(t, "j2", got[0].JobID)
}

func TestBroker_JobTopicAndFirehose(t *testing.T) {
	b := NewBroker(zap.NewNop())
	defer b.Close()

	one := b.Subscribe(JobTopic("j1"))
	all := b.Subscribe(TopicFirehose)

	b.Publish(evt("acme", "j1", 1))
	b.Publish(evt("acme", "j2", 2))

	assert.Len(t, drain(one), 1)
	assert.Len(t, drain(all), 2)
	assert.Equal(t, int64(2), b.Published())
}

func TestBroker_OverlappingTopicsDeliverOnce(t *testing.T) {
	b := NewBroker(zap.NewNop())
	defer b.Close()

	sub := b.Subscribe(TenantTopic("acme"), JobTopic("j1"), TopicFirehose)

	b.Publish(evt("acme", "j1", 1))

	assert.Len(t, drain(sub), 1, "one event even when topics overlap")
}

func TestSubscriber_SlowConsumerLosesOldestNotNewest(t *testing.T) {
	b := NewBroker(zap.NewNop(), WithBufferSize(4))
	defer b.Close()

	sub := b.Subscribe(TenantTopic("acme"))

	for i := 1; i <= 10; i++ {
		b.Publish(evt("acme", "j1", i))
	}

	got := drain(sub)
	require.Len(t, got, 4)
	assert.Equal(t, "event 7", got[0].Message)
	assert.Equal(t, "event 10", got[3].Message)
	assert.Equal(t, int64(6), sub.Dropped())
	assert.Equal(t, int64(6), b.Dropped())
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	b := NewBroker(zap.NewNop(), WithBufferSize(1))
	defer b.Close()

	b.Subscribe(TenantTopic("acme")) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(evt("acme", "j1", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}
}

func TestBroker_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := NewBroker(zap.NewNop(), WithBufferSize(16))
	defer b.Close()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.Publish(evt("acme", fmt.Sprintf("j%d", p), i))
			}
		}(p)
	}
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe(TenantTopic("acme"))
			defer sub.Close()
			deadline := time.After(100 * time.Millisecond)
			for {
				select {
				case _, ok := <-sub.C():
					if !ok {
						return
					}
				case <-deadline:
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(800), b.Published())
}

func TestSubscriber_CloseDetaches(t *testing.T) {
	b := NewBroker(zap.NewNop())
	defer b.Close()

	sub := b.Subscribe(TenantTopic("acme"))
	sub.Close()
	sub.Close() // idempotent

	b.Publish(evt("acme", "j1", 1))

	_, ok := <-sub.C()
	assert.False(t, ok, "channel must be closed")
}

func TestBroker_CloseTerminatesSubscribers(t *testing.T) {
	b := NewBroker(zap.NewNop())
	sub := b.Subscribe(TopicFirehose)

	b.Close()
	b.Publish(evt("acme", "j1", 1)) // no-op after close

	_, ok := <-sub.C()
	assert.False(t, ok)

	late := b.Subscribe(TopicFirehose)
	_, ok = <-late.C()
	assert.False(t, ok, "subscribing after close yields a closed channel")
}

func drain(s *Subscriber) []*job.Event {
	var out []*job.Event
	for {
		select {
		case e := <-s.C():
			if e == nil {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}
