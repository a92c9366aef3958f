package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/quorumtrade/biasboard/backend/internal/bias"
)

func setBias(t *testing.T, server *testServer, token, roomID, timeFrame, direction string) bias.Record {
	t.Helper()
	recorder := server.do(t, http.MethodPut, "/rooms/"+roomID+"/bias", token, map[string]string{
		"time_frame": timeFrame,
		"direction":  direction,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("set bias failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var record bias.Record
	if err := json.Unmarshal(recorder.Body.Bytes(), &record); err != nil {
		t.Fatalf("failed to decode record: %v", err)
	}
	return record
}

func TestSetBiasEndpointValidation(t *testing.T) {
	server := newTestServer(t)
	token := server.tokenFor(t, "owner-1", "owner@example.com")
	roomID := server.createRoom(t, token)

	recorder := server.do(t, http.MethodPut, "/rooms/"+roomID+"/bias", token, map[string]string{
		"time_frame": "1h",
		"direction":  "sideways",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown direction, got %d", recorder.Code)
	}

	recorder = server.do(t, http.MethodPut, "/rooms/"+roomID+"/bias", token, map[string]string{
		"time_frame": "SYSTEM",
		"direction":  "long",
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for reserved time frame, got %d", recorder.Code)
	}
}

func TestSetBiasRejectsNonMembers(t *testing.T) {
	server := newTestServer(t)
	ownerToken := server.tokenFor(t, "owner-1", "owner@example.com")
	strangerToken := server.tokenFor(t, "stranger-1", "stranger@example.com")
	roomID := server.createRoom(t, ownerToken)

	recorder := server.do(t, http.MethodPut, "/rooms/"+roomID+"/bias", strangerToken, map[string]string{
		"time_frame": "1h",
		"direction":  "long",
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d", recorder.Code)
	}
}

func TestUpdateBiasDetailsEndpoint(t *testing.T) {
	server := newTestServer(t)
	token := server.tokenFor(t, "owner-1", "owner@example.com")
	roomID := server.createRoom(t, token)
	record := setBias(t, server, token, roomID, "1h", "long")

	recorder := server.do(t, http.MethodPatch, "/rooms/"+roomID+"/bias/"+record.ID, token, map[string]string{
		"rationale":              "weekly close above resistance",
		"invalidation_condition": "daily close back inside range",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("details update failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var updated bias.Record
	if err := json.Unmarshal(recorder.Body.Bytes(), &updated); err != nil {
		t.Fatalf("failed to decode record: %v", err)
	}
	if updated.Rationale != "weekly close above resistance" {
		t.Fatalf("unexpected rationale: %q", updated.Rationale)
	}

	recorder = server.do(t, http.MethodPatch, "/rooms/"+roomID+"/bias/missing", token, map[string]string{"rationale": "x"})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing record, got %d", recorder.Code)
	}
}

func TestResetEndpointPermissionsAndHistory(t *testing.T) {
	server := newTestServer(t)
	ownerToken := server.tokenFor(t, "owner-1", "owner@example.com")
	memberToken := server.tokenFor(t, "member-1", "member@example.com")
	roomID := server.createRoom(t, ownerToken)
	if recorder := server.do(t, http.MethodPost, "/rooms/"+roomID+"/join", memberToken, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("join failed with %d", recorder.Code)
	}

	setBias(t, server, memberToken, roomID, "1h", "long")
	setBias(t, server, ownerToken, roomID, "1D", "short")

	if recorder := server.do(t, http.MethodPost, "/rooms/"+roomID+"/reset", memberToken, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for member reset, got %d", recorder.Code)
	}
	recorder := server.do(t, http.MethodPost, "/rooms/"+roomID+"/reset", ownerToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("owner reset failed with %d", recorder.Code)
	}
	var marker bias.Record
	if err := json.Unmarshal(recorder.Body.Bytes(), &marker); err != nil {
		t.Fatalf("failed to decode marker: %v", err)
	}
	if marker.TimeFrame != bias.TimeFrameSystem || marker.Status != bias.StatusArchived {
		t.Fatalf("unexpected marker: %+v", marker)
	}

	recorder = server.do(t, http.MethodGet, "/rooms/"+roomID+"/history", ownerToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("history failed with %d", recorder.Code)
	}
	var history bias.HistoryPage
	if err := json.Unmarshal(recorder.Body.Bytes(), &history); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	if history.Total != 3 {
		t.Fatalf("expected two stances plus the marker in the ledger, got %d", history.Total)
	}
	if history.Records[0].TimeFrame != bias.TimeFrameSystem {
		t.Fatalf("expected the marker newest in history, got %+v", history.Records[0])
	}
}

func TestAggregateEndpointConsensus(t *testing.T) {
	server := newTestServer(t)
	ownerToken := server.tokenFor(t, "trader-a", "a@example.com")
	memberToken := server.tokenFor(t, "trader-b", "b@example.com")
	roomID := server.createRoom(t, ownerToken)
	if recorder := server.do(t, http.MethodPost, "/rooms/"+roomID+"/join", memberToken, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("join failed with %d", recorder.Code)
	}

	// Trader A leans long on two of three frames; trader B stays neutral.
	setBias(t, server, ownerToken, roomID, "5m", "long")
	setBias(t, server, ownerToken, roomID, "1h", "long")
	setBias(t, server, ownerToken, roomID, "1D", "short")

	recorder := server.do(t, http.MethodGet, "/rooms/"+roomID+"/aggregate", memberToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("aggregate failed with %d", recorder.Code)
	}
	var response struct {
		RoomAggregate bias.RoomAggregate              `json:"room_aggregate"`
		PerAuthor     map[string]bias.AuthorAggregate `json:"per_author"`
		MyAggregate   bias.AuthorAggregate            `json:"my_aggregate"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode aggregate: %v", err)
	}

	traderA := response.PerAuthor["trader-a"]
	if traderA.Overall != bias.DirectionLong {
		t.Fatalf("expected trader-a bullish overall, got %+v", traderA)
	}
	if response.MyAggregate.Overall != bias.DirectionNeutral {
		t.Fatalf("expected trader-b neutral overall, got %+v", response.MyAggregate)
	}
	if response.RoomAggregate.BullishCount != 1 || response.RoomAggregate.NeutralCount != 1 {
		t.Fatalf("unexpected room counts: %+v", response.RoomAggregate)
	}
	if response.RoomAggregate.OverallBias != bias.DirectionNeutral {
		t.Fatalf("expected neutral consensus for a 1-1 split, got %s", response.RoomAggregate.OverallBias)
	}
}

func TestSetBiasConflictlessRepeatKeepsLedgerFlat(t *testing.T) {
	server := newTestServer(t)
	token := server.tokenFor(t, "owner-1", "owner@example.com")
	roomID := server.createRoom(t, token)

	first := setBias(t, server, token, roomID, "1h", "long")
	repeat := setBias(t, server, token, roomID, "1h", "long")
	if repeat.ID != first.ID {
		t.Fatalf("expected the repeat to return the existing record")
	}

	recorder := server.do(t, http.MethodGet, "/rooms/"+roomID+"/history", token, nil)
	var history bias.HistoryPage
	if err := json.Unmarshal(recorder.Body.Bytes(), &history); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	if history.Total != 1 {
		t.Fatalf("expected a single ledger row, got %d", history.Total)
	}
}
