package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "alpha")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{
		ProjectID: "alpha",
		EventType: RealtimeEventProjectUpdated,
		Added:     2,
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != RealtimeEventProjectUpdated {
			t.Fatalf("expected event type %s, got %s", RealtimeEventProjectUpdated, received.EventType)
		}
		if received.Added != 2 {
			t.Fatalf("expected 2 added commits, got %d", received.Added)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByProject(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alphaStream, alphaCleanup := dispatcher.Subscribe(ctx, "alpha")
	defer alphaCleanup()
	betaStream, betaCleanup := dispatcher.Subscribe(ctx, "beta")
	defer betaCleanup()

	dispatcher.Publish(RealtimeMessage{ProjectID: "beta", EventType: RealtimeEventProjectUpdated, Added: 1})

	select {
	case <-alphaStream:
		t.Fatal("did not expect realtime message for unrelated project")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-betaStream:
		if msg.ProjectID != "beta" {
			t.Fatalf("expected beta, received %s", msg.ProjectID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed project")
	}
}

func TestRealtimeDispatcherDropsMessagesForFullSubscribers(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slowStream, slowCleanup := dispatcher.Subscribe(ctx, "alpha")
	defer slowCleanup()

	published := make(chan struct{})
	go func() {
		for index := 0; index < dispatcher.bufferSize+4; index++ {
			dispatcher.Publish(RealtimeMessage{ProjectID: "alpha", EventType: RealtimeEventProjectUpdated, Added: index + 1})
		}
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a subscriber that never reads")
	}
	if len(slowStream) != dispatcher.bufferSize {
		t.Fatalf("expected a full buffer of %d, got %d", dispatcher.bufferSize, len(slowStream))
	}

	freshStream, freshCleanup := dispatcher.Subscribe(ctx, "alpha")
	defer freshCleanup()
	dispatcher.Publish(RealtimeMessage{ProjectID: "alpha", EventType: RealtimeEventProjectUpdated, Added: 99})
	select {
	case msg := <-freshStream:
		if msg.Added != 99 {
			t.Fatalf("expected the latest message, got %+v", msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected the new subscriber to receive messages")
	}
	if first := <-slowStream; first.Added != 1 {
		t.Fatalf("expected the slow subscriber to keep its oldest buffered message, got %+v", first)
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "alpha")
	if dispatcher.SubscriberCount("alpha") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("alpha") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cleanup()
}

func TestEventsStreamAnnouncesIngestedCommits(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.token(t, "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/projects/alpha/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamRequest.Header.Set("Authorization", "Bearer "+token)
	streamResp, err := env.httpClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = streamResp.Body.Close() })
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	lines := make(chan sseLine, 64)
	go func() {
		reader := bufio.NewReader(streamResp.Body)
		for {
			line, err := reader.ReadString('\n')
			lines <- sseLine{text: line, err: err}
			if err != nil {
				return
			}
		}
	}()

	// The initial heartbeat proves the subscription is registered before commits arrive.
	awaitEvent(t, lines, realtimeEventHeartbeat)

	response := env.do(t, http.MethodPost, "/api/projects/alpha/add-commits", token, authorCommits(t, "apple", "banana"))
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected add-commits status: %d", response.StatusCode)
	}

	data := awaitEvent(t, lines, RealtimeEventProjectUpdated)
	var payload realtimeEventPayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatalf("failed to decode event payload: %v", err)
	}
	if payload.ProjectID != "alpha" || payload.Added != 2 {
		t.Fatalf("unexpected event payload: %#v", payload)
	}
}

type sseLine struct {
	text string
	err  error
}

// awaitEvent reads server-sent event lines until an event of eventType arrives and returns its data.
func awaitEvent(t *testing.T, lines <-chan sseLine, eventType string) string {
	t.Helper()
	currentEventType := ""
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
		case result := <-lines:
			if result.err != nil {
				t.Fatalf("failed to read stream: %v", result.err)
			}
			line := strings.TrimSpace(result.text)
			switch {
			case strings.HasPrefix(line, "event:"):
				currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:") && currentEventType == eventType:
				return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}
}
