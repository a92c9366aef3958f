package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/quorumtrade/biasboard/backend/internal/auth"
	"github.com/quorumtrade/biasboard/backend/internal/bias"
	"github.com/quorumtrade/biasboard/backend/internal/feed"
	"github.com/quorumtrade/biasboard/backend/internal/rooms"
	"github.com/quorumtrade/biasboard/backend/internal/users"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const userIDContextKey = "biasboard_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingRoomService   = errors.New("room service dependency required")
	errMissingBiasService   = errors.New("bias service dependency required")
	errMissingUserService   = errors.New("user service dependency required")
	errMissingFeed          = errors.New("feed dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates backend session tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP layer to the domain services.
type Dependencies struct {
	TokenManager TokenManager
	Rooms        *rooms.Service
	Biases       *bias.Service
	Users        *users.Service
	Feed         *feed.Dispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Rooms == nil {
		return nil, errMissingRoomService
	}
	if deps.Biases == nil {
		return nil, errMissingBiasService
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Feed == nil {
		return nil, errMissingFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens: deps.TokenManager,
		rooms:  deps.Rooms,
		biases: deps.Biases,
		users:  deps.Users,
		feed:   deps.Feed,
		logger: logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/templates", handler.handleListTemplates)
	protected.POST("/rooms", handler.handleCreateRoom)
	protected.GET("/rooms", handler.handleListRooms)
	protected.GET("/rooms/:id", handler.handleGetRoom)
	protected.PATCH("/rooms/:id", handler.handleUpdateRoom)
	protected.DELETE("/rooms/:id", handler.handleDeleteRoom)
	protected.POST("/rooms/:id/join", handler.handleJoinRoom)
	protected.POST("/rooms/:id/leave", handler.handleLeaveRoom)
	protected.POST("/rooms/:id/co-owners", handler.handleAddCoOwner)
	protected.DELETE("/rooms/:id/co-owners/:userID", handler.handleRemoveCoOwner)
	protected.PUT("/rooms/:id/bias", handler.handleSetBias)
	protected.PATCH("/rooms/:id/bias/:recordID", handler.handleUpdateBiasDetails)
	protected.POST("/rooms/:id/reset", handler.handleResetAll)
	protected.GET("/rooms/:id/history", handler.handleHistory)
	protected.GET("/rooms/:id/aggregate", handler.handleAggregate)
	protected.GET("/rooms/:id/stream", handler.handleStream)

	return router, nil
}

type httpHandler struct {
	tokens TokenManager
	rooms  *rooms.Service
	biases *bias.Service
	users  *users.Service
	feed   *feed.Dispatcher
	logger *zap.Logger
}

type issueTokenPayload struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

// handleIssueToken is the boundary with the external identity provider: it
// exchanges an already-verified identity assertion for a backend token and
// ensures the profile row exists.
func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request issueTokenPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	profile, err := h.users.EnsureProfile(c.Request.Context(), users.ProfileInput{
		UserID:    request.UserID,
		Username:  request.Username,
		Email:     request.Email,
		AvatarURL: request.AvatarURL,
	})
	if err != nil {
		h.logger.Error("profile bootstrap failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), auth.Identity{
		UserID:    profile.UserID,
		Email:     profile.Email,
		Username:  profile.Username,
		AvatarURL: profile.AvatarURL,
	})
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"expires_in":   expiresIn,
		"token_type":   "Bearer",
	})
}

type createRoomPayload struct {
	Name         string   `json:"name"`
	Instrument   string   `json:"instrument"`
	Description  string   `json:"description"`
	TimeFrames   []string `json:"time_frames"`
	IsPublic     bool     `json:"is_public"`
	PriceMonthly string   `json:"price_monthly"`
	AssetClass   string   `json:"asset_class"`
	TradingStyle string   `json:"trading_style"`
	TemplateID   string   `json:"template_id"`
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	var request createRoomPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	price := decimal.Zero
	if strings.TrimSpace(request.PriceMonthly) != "" {
		parsed, err := decimal.NewFromString(request.PriceMonthly)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_price"})
			return
		}
		price = parsed
	}
	room, err := h.rooms.Create(c.Request.Context(), rooms.CreateInput{
		OwnerID:      c.GetString(userIDContextKey),
		Name:         request.Name,
		Instrument:   request.Instrument,
		Description:  request.Description,
		TimeFrames:   request.TimeFrames,
		IsPublic:     request.IsPublic,
		PriceMonthly: price,
		AssetClass:   request.AssetClass,
		TradingStyle: request.TradingStyle,
		TemplateID:   request.TemplateID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	ctx := c.Request.Context()
	if c.Query("public") == "1" {
		roomList, err := h.rooms.ListPublic(ctx)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"rooms": roomList})
		return
	}
	roomList, err := h.rooms.ListMine(ctx, c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": roomList})
}

func (h *httpHandler) handleGetRoom(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("id")
	room, err := h.rooms.Get(ctx, roomID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	coOwners, err := h.rooms.ListCoOwners(ctx, roomID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	members, err := h.rooms.ListMembers(ctx, roomID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "co_owners": coOwners, "members": members})
}

type updateRoomPayload struct {
	Name         *string   `json:"name"`
	Description  *string   `json:"description"`
	TimeFrames   *[]string `json:"time_frames"`
	IsPublic     *bool     `json:"is_public"`
	PriceMonthly *string   `json:"price_monthly"`
}

func (h *httpHandler) handleUpdateRoom(c *gin.Context) {
	var request updateRoomPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	input := rooms.UpdateInput{
		Name:        request.Name,
		Description: request.Description,
		TimeFrames:  request.TimeFrames,
		IsPublic:    request.IsPublic,
	}
	if request.PriceMonthly != nil {
		price, err := decimal.NewFromString(*request.PriceMonthly)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_price"})
			return
		}
		input.PriceMonthly = &price
	}
	room, err := h.rooms.Update(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *httpHandler) handleDeleteRoom(c *gin.Context) {
	ctx := c.Request.Context()
	actorID := c.GetString(userIDContextKey)
	roomID := c.Param("id")
	var err error
	if c.Query("hard") == "1" {
		err = h.rooms.HardDelete(ctx, actorID, roomID)
	} else {
		err = h.rooms.Deactivate(ctx, actorID, roomID)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleJoinRoom(c *gin.Context) {
	if err := h.rooms.Join(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLeaveRoom(c *gin.Context) {
	err := h.rooms.SetPresence(c.Request.Context(), c.Param("id"), c.GetString(userIDContextKey), false)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type addCoOwnerPayload struct {
	Email string `json:"email"`
}

func (h *httpHandler) handleAddCoOwner(c *gin.Context) {
	var request addCoOwnerPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	coOwner, err := h.rooms.AddCoOwner(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), request.Email)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, coOwner)
}

func (h *httpHandler) handleRemoveCoOwner(c *gin.Context) {
	err := h.rooms.RemoveCoOwner(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), c.Param("userID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type setBiasPayload struct {
	TimeFrame    string `json:"time_frame"`
	Direction    string `json:"direction"`
	Rationale    string `json:"rationale"`
	Invalidation string `json:"invalidation_condition"`
}

func (h *httpHandler) handleSetBias(c *gin.Context) {
	var request setBiasPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	direction, err := bias.ParseDirection(request.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_direction"})
		return
	}
	record, err := h.biases.SetBias(c.Request.Context(), bias.SetBiasInput{
		RoomID:       c.Param("id"),
		AuthorID:     c.GetString(userIDContextKey),
		TimeFrame:    request.TimeFrame,
		Direction:    direction,
		Rationale:    request.Rationale,
		Invalidation: request.Invalidation,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

type updateBiasDetailsPayload struct {
	Rationale    *string `json:"rationale"`
	Invalidation *string `json:"invalidation_condition"`
}

func (h *httpHandler) handleUpdateBiasDetails(c *gin.Context) {
	var request updateBiasDetailsPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.biases.UpdateDetails(c.Request.Context(), c.GetString(userIDContextKey), c.Param("recordID"), bias.DetailsInput{
		Rationale:    request.Rationale,
		Invalidation: request.Invalidation,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleResetAll(c *gin.Context) {
	marker, err := h.biases.ResetAll(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, marker)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "0"))
	historyPage, err := h.biases.ListHistory(c.Request.Context(), c.Param("id"), page, pageSize)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, historyPage)
}

func (h *httpHandler) handleAggregate(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := c.Param("id")
	room, err := h.rooms.Get(ctx, roomID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	members, err := h.rooms.ListMembers(ctx, roomID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	records, err := h.biases.ListActive(ctx, roomID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	byAuthor := make(map[string][]bias.Record)
	for _, record := range records {
		byAuthor[record.AuthorID] = append(byAuthor[record.AuthorID], record)
	}

	perAuthor := make(map[string]bias.AuthorAggregate, len(members))
	overalls := make([]bias.Direction, 0, len(members))
	for _, member := range members {
		aggregate := bias.AggregateAuthor(byAuthor[member.UserID], room.TimeFrames)
		perAuthor[member.UserID] = aggregate
		if member.IsOnline {
			overalls = append(overalls, aggregate.Overall)
		}
	}

	callerID := c.GetString(userIDContextKey)
	c.JSON(http.StatusOK, gin.H{
		"room_aggregate": bias.AggregateRoom(overalls),
		"per_author":     perAuthor,
		"my_aggregate":   bias.AggregateAuthor(byAuthor[callerID], room.TimeFrames),
	})
}

func (h *httpHandler) handleListTemplates(c *gin.Context) {
	templates, err := h.rooms.Templates(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
		// SSE clients cannot set headers; they pass the token in the query.
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, rooms.ErrUnauthorized) || errors.Is(err, bias.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, rooms.ErrNotFound) || errors.Is(err, bias.ErrRoomNotFound) ||
		errors.Is(err, bias.ErrRecordNotFound) || errors.Is(err, rooms.ErrUserNotFound) ||
		errors.Is(err, users.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, bias.ErrConflict) || errors.Is(err, rooms.ErrCoOwnerExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, rooms.ErrValidation) || errors.Is(err, bias.ErrValidation) ||
		errors.Is(err, bias.ErrInvalidDirection):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
