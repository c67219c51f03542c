package syncserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nestlog/nestlog/internal/docstore"
)

const userIDContextKey = "nestlog_user_id"

const heartbeatInterval = 15 * time.Second

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingStorage       = errors.New("storage dependency required")
	errMissingDispatcher    = errors.New("dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

var allowedCollections = map[string]bool{
	docstore.CollectionEvents:      true,
	docstore.CollectionSubjects:    true,
	docstore.CollectionInvitations: true,
	docstore.CollectionJoinRecords: true,
	docstore.CollectionGrowth:      true,
	docstore.CollectionMilestones:  true,
}

// TokenManager issues and validates device tokens.
type TokenManager interface {
	IssueDeviceToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the handler's collaborators.
type Dependencies struct {
	Tokens   TokenManager
	Storage  *Storage
	Realtime *Dispatcher
	Logger   *zap.Logger
}

// NewHTTPHandler builds the sync server's HTTP surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	if deps.Storage == nil {
		return nil, errMissingStorage
	}
	if deps.Realtime == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.Tokens,
		storage:  deps.Storage,
		realtime: deps.Realtime,
		logger:   logger,
	}

	router.POST("/v1/auth/token", handler.handleIssueToken)

	protected := router.Group("/v1/collections/:collection")
	protected.Use(handler.requireKnownCollection)
	protected.Use(handler.authorizeRequest)
	protected.POST("/documents", handler.handleAddDocument)
	protected.GET("/documents/:id", handler.handleGetDocument)
	protected.PATCH("/documents/:id", handler.handleUpdateDocument)
	protected.PUT("/documents/:id", handler.handleSetDocument)
	protected.DELETE("/documents/:id", handler.handleRemoveDocument)
	protected.POST("/query", handler.handleQuery)
	protected.GET("/stream", handler.handleStream)

	return router, nil
}

type httpHandler struct {
	tokens   TokenManager
	storage  *Storage
	realtime *Dispatcher
	logger   *zap.Logger
}

type tokenRequestPayload struct {
	UserID string `json:"user_id"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueDeviceToken(c.Request.Context(), strings.TrimSpace(request.UserID))
	if err != nil {
		h.logger.Error("failed to issue device token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type documentPayload struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

func (h *httpHandler) handleAddDocument(c *gin.Context) {
	collection := c.Param("collection")
	var data map[string]any
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	id, err := h.storage.Add(c.Request.Context(), collection, data)
	if err != nil {
		h.logger.Error("document add failed", zap.String("collection", collection), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
		return
	}
	h.publishChange(collection, id)
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	collection := c.Param("collection")
	id := c.Param("id")

	doc, err := h.storage.Get(c.Request.Context(), collection, id)
	if err != nil {
		h.respondStorageError(c, collection, err)
		return
	}
	c.JSON(http.StatusOK, documentPayload{ID: doc.ID, Data: doc.Data})
}

func (h *httpHandler) handleUpdateDocument(c *gin.Context) {
	h.mutateDocument(c, h.storage.Update)
}

func (h *httpHandler) handleSetDocument(c *gin.Context) {
	h.mutateDocument(c, h.storage.Set)
}

func (h *httpHandler) mutateDocument(c *gin.Context, write func(context.Context, string, string, map[string]any) error) {
	collection := c.Param("collection")
	id := c.Param("id")
	var data map[string]any
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := write(c.Request.Context(), collection, id, data); err != nil {
		h.respondStorageError(c, collection, err)
		return
	}
	h.publishChange(collection, id)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveDocument(c *gin.Context) {
	collection := c.Param("collection")
	id := c.Param("id")

	if err := h.storage.Remove(c.Request.Context(), collection, id); err != nil {
		h.respondStorageError(c, collection, err)
		return
	}
	h.publishChange(collection, id)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleQuery(c *gin.Context) {
	collection := c.Param("collection")
	var query docstore.Query
	if err := c.ShouldBindJSON(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	documents, err := h.storage.Query(c.Request.Context(), collection, query)
	if err != nil {
		h.respondStorageError(c, collection, err)
		return
	}
	payload := make([]documentPayload, 0, len(documents))
	for _, doc := range documents {
		payload = append(payload, documentPayload{ID: doc.ID, Data: doc.Data})
	}
	c.JSON(http.StatusOK, gin.H{"documents": payload})
}

type streamEventPayload struct {
	Collection string   `json:"collection"`
	DocIDs     []string `json:"docIds"`
}

func (h *httpHandler) handleStream(c *gin.Context) {
	collection := c.Param("collection")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	messages, cleanup := h.realtime.Subscribe(c.Request.Context(), collection)
	defer cleanup()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, "event: %s\ndata: {}\n\n", changeEventHeartbeat)
			c.Writer.Flush()
		case message, ok := <-messages:
			if !ok {
				return
			}
			encoded, err := json.Marshal(streamEventPayload{
				Collection: message.Collection,
				DocIDs:     message.DocIDs,
			})
			if err != nil {
				h.logger.Error("stream event encoding failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ChangeEventDocument, encoded)
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) publishChange(collection, docID string) {
	h.realtime.Publish(ChangeMessage{
		Collection: collection,
		DocIDs:     []string{docID},
		Timestamp:  time.Now(),
	})
}

func (h *httpHandler) respondStorageError(c *gin.Context, collection string, err error) {
	if errors.Is(err, docstore.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	h.logger.Error("storage operation failed", zap.String("collection", collection), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failed"})
}

func (h *httpHandler) requireKnownCollection(c *gin.Context) {
	if !allowedCollections[c.Param("collection")] {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_collection"})
		return
	}
	c.Next()
}

// authorizeRequest accepts a bearer token, or an access_token query
// parameter for the stream route, where EventSource cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
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
