package safety_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chillpanda/bamboo/internal/dispatch"
	"github.com/chillpanda/bamboo/internal/safety"
	"github.com/chillpanda/bamboo/pkg/provider/llm"
	"github.com/chillpanda/bamboo/pkg/provider/llm/mock"
)

const monitorSession = "2f1c9a7e-5b3d-4e8f-9a12-6c4d8e0b7f31"

func TestMonitor_PublishesCrisisOnConfirmedTranscript(t *testing.T) {
	t.Parallel()

	bus := dispatch.New()
	defer bus.Close()

	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "true"}}
	mon := safety.NewMonitor(monitorSession, safety.NewDetector(p), bus)

	crisis := bus.Subscribe(monitorSession, dispatch.CrisisDetected)
	defer crisis.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	// The first two transcripts must be absorbed without output; the third
	// confirms. Per-subscription delivery is FIFO, so once the crisis event
	// arrives the earlier transcripts have already been processed.
	bus.Broadcast(monitorSession, dispatch.FinalTranscript, dispatch.Token{Text: "wrong payload type"})
	bus.Broadcast(monitorSession, dispatch.FinalTranscript, dispatch.TranscriptText{Text: "what a lovely day"})
	bus.Broadcast(monitorSession, dispatch.FinalTranscript, dispatch.TranscriptText{Text: "I want to kill myself"})

	select {
	case ev := <-crisis.Events():
		c, ok := ev.Data.(dispatch.Crisis)
		if !ok {
			t.Fatalf("crisis payload is %T, want dispatch.Crisis", ev.Data)
		}
		if !c.Critical {
			t.Error("crisis event not marked critical")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no crisis event published")
	}

	if _, ok := crisis.TryNext(); ok {
		t.Error("unconfirmed transcripts must not publish crisis events")
	}
	if n := len(p.CompleteCalls); n != 1 {
		t.Fatalf("classifier called %d times, want 1", n)
	}
	if got := p.CompleteCalls[0].Req.Messages[0].Content; got != "I want to kill myself" {
		t.Errorf("classifier received %q", got)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop on context cancel")
	}
}

func TestMonitor_StopsWhenDispatcherCloses(t *testing.T) {
	t.Parallel()

	bus := dispatch.New()
	mon := safety.NewMonitor(monitorSession, safety.NewDetector(&mock.Provider{}), bus)

	done := make(chan error, 1)
	go func() { done <- mon.Run(context.Background()) }()

	bus.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after dispatcher shutdown, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop when the dispatcher closed")
	}
}
