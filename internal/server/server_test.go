package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/quorumtrade/biasboard/backend/internal/auth"
	"github.com/quorumtrade/biasboard/backend/internal/bias"
	"github.com/quorumtrade/biasboard/backend/internal/feed"
	"github.com/quorumtrade/biasboard/backend/internal/rooms"
	"github.com/quorumtrade/biasboard/backend/internal/users"
	"gorm.io/gorm"
)

type counterIDs struct {
	next int
}

func (p *counterIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

type testServer struct {
	handler    http.Handler
	db         *gorm.DB
	dispatcher *feed.Dispatcher
	issuer     *auth.TokenIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(&rooms.Room{}, &rooms.CoOwner{}, &rooms.Member{}, &rooms.Template{}, &users.Profile{}, &bias.Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	dispatcher := feed.NewDispatcher()
	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	roomsService, err := rooms.NewService(rooms.ServiceConfig{
		Database:   db,
		IDProvider: &counterIDs{},
		Directory:  usersService,
		Events:     dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build rooms service: %v", err)
	}
	biasService, err := bias.NewService(bias.ServiceConfig{
		Database:   db,
		IDProvider: bias.NewUUIDProvider(),
		Events:     dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build bias service: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "biasboard-auth",
		Audience:      "biasboard-api",
		TokenTTL:      time.Hour,
	})
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: issuer,
		Rooms:        roomsService,
		Biases:       biasService,
		Users:        usersService,
		Feed:         dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testServer{handler: handler, db: db, dispatcher: dispatcher, issuer: issuer}
}

func (s *testServer) tokenFor(t *testing.T, userID, email string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"user_id":  userID,
		"email":    email,
		"username": userID,
	})
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	s.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("token issue failed with status %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	return response.AccessToken
}

func (s *testServer) do(t *testing.T, method, path, token string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testServer) createRoom(t *testing.T, token string) string {
	t.Helper()
	recorder := s.do(t, http.MethodPost, "/rooms", token, map[string]interface{}{
		"name":        "EURUSD desk",
		"instrument":  "EURUSD",
		"time_frames": []string{"5m", "1h", "1D"},
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("room create failed with status %d: %s", recorder.Code, recorder.Body.String())
	}
	var room rooms.Room
	if err := json.Unmarshal(recorder.Body.Bytes(), &room); err != nil {
		t.Fatalf("failed to decode room: %v", err)
	}
	return room.ID
}
