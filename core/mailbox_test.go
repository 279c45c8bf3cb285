package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxDeliverAndReceive(t *testing.T) {
	reg := NewMailboxRegistry(4)
	events := reg.Register("req1")

	ok := reg.Deliver(ResultEvent{RequestID: "req1", Kind: EventCompleted})
	require.True(t, ok)

	ev := <-events
	assert.Equal(t, "req1", ev.RequestID)
	assert.Equal(t, EventCompleted, ev.Kind)
}

func TestMailboxDropUnregistered(t *testing.T) {
	reg := NewMailboxRegistry(4)
	assert.False(t, reg.Deliver(ResultEvent{RequestID: "ghost", Kind: EventError}))
}

func TestMailboxUnregisterUnblocksDelivery(t *testing.T) {
	reg := NewMailboxRegistry(1)
	reg.Register("req1")

	// Fill the buffer so the next delivery would block.
	require.True(t, reg.Deliver(ResultEvent{RequestID: "req1", Kind: EventStreamingStep}))

	delivered := make(chan bool, 1)
	go func() {
		delivered <- reg.Deliver(ResultEvent{RequestID: "req1", Kind: EventStreamingStep})
	}()

	// The blocked delivery must resolve to false once the consumer goes away.
	reg.Unregister("req1")
	select {
	case ok := <-delivered:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("delivery did not unblock after unregister")
	}
	assert.Equal(t, 0, reg.Len())
}

func TestMailboxReregisterReplaces(t *testing.T) {
	reg := NewMailboxRegistry(4)
	old := reg.Register("req1")
	fresh := reg.Register("req1")

	require.True(t, reg.Deliver(ResultEvent{RequestID: "req1", Kind: EventCompleted}))

	select {
	case <-fresh:
	case <-time.After(time.Second):
		t.Fatal("event did not arrive on the fresh mailbox")
	}
	select {
	case ev, ok := <-old:
		if ok {
			t.Fatalf("stale mailbox received event %v", ev)
		}
	default:
	}
	assert.Equal(t, 1, reg.Len())
}

func TestBatchKeyEquivalence(t *testing.T) {
	seed := int64(7)
	base := GenerationRequest{
		Width: 512, Height: 512, GuidanceScale: 5.0, Steps: 10,
		NumImages: 1, Stream: false, Seed: &seed,
	}

	same := base
	same.Prompt = "a completely different prompt"
	assert.Equal(t, base.Key(), same.Key(), "prompts must not affect the key")

	diffGuidance := base
	diffGuidance.GuidanceScale = 7.5
	assert.NotEqual(t, base.Key(), diffGuidance.Key())

	diffSeed := base
	other := int64(8)
	diffSeed.Seed = &other
	assert.NotEqual(t, base.Key(), diffSeed.Key())

	unseeded := base
	unseeded.Seed = nil
	assert.NotEqual(t, base.Key(), unseeded.Key())

	diffStream := base
	diffStream.Stream = true
	assert.NotEqual(t, base.Key(), diffStream.Key())
}

func TestGenerationRequestPixels(t *testing.T) {
	r := GenerationRequest{Width: 1024, Height: 1024, NumImages: 4}
	assert.Equal(t, 4*1024*1024, r.Pixels())
}
