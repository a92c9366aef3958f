package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quorumtrade/biasboard/backend/internal/feed"
)

func TestStreamDeliversChangeEvents(t *testing.T) {
	server := newTestServer(t)
	token := server.tokenFor(t, "owner-1", "owner@example.com")
	roomID := server.createRoom(t, token)

	httpServer := httptest.NewServer(server.handler)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet,
		httpServer.URL+"/rooms/"+roomID+"/stream?access_token="+token, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); contentType != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", contentType)
	}

	// The subscription is registered before headers are written, so the
	// event published now is guaranteed to reach this client.
	server.dispatcher.Publish(feed.Event{
		Table:  feed.TableBiasRecords,
		Op:     feed.OperationInsert,
		RoomID: roomID,
		RowID:  "rec-1",
	})

	scanner := bufio.NewScanner(response.Body)
	var eventType, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			if eventType == "change" {
				break
			}
		}
	}
	if eventType != "change" {
		t.Fatalf("expected a change event, got %q", eventType)
	}
	var event feed.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		t.Fatalf("failed to decode event payload: %v", err)
	}
	if event.RoomID != roomID || event.RowID != "rec-1" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestStreamRejectsUnknownRoom(t *testing.T) {
	server := newTestServer(t)
	token := server.tokenFor(t, "owner-1", "owner@example.com")

	recorder := server.do(t, http.MethodGet, "/rooms/missing/stream?access_token="+token, "", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d", recorder.Code)
	}
}
