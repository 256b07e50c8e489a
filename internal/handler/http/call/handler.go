package call

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/events"
	redisrepo "callbridge-backend/internal/repository/redis"
	callsvc "callbridge-backend/internal/service/call"
	apperrors "callbridge-backend/pkg/errors"
	"callbridge-backend/pkg/response"
)

// EventLog reads back recently published call events
type EventLog interface {
	RecentCallEvents(ctx context.Context, callID uuid.UUID, limit int) ([]*events.Event, error)
}

// Handler handles call lifecycle HTTP requests
type Handler struct {
	callService *callsvc.Service
	quality     *redisrepo.QualityRepository // nil when quality reporting is disabled
	eventLog    EventLog
}

// NewHandler creates a new call handler
func NewHandler(callService *callsvc.Service, quality *redisrepo.QualityRepository, eventLog EventLog) *Handler {
	return &Handler{
		callService: callService,
		quality:     quality,
		eventLog:    eventLog,
	}
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	CallType       string   `json:"call_type" binding:"required,oneof=voice video"`
	ConversationID string   `json:"conversation_id" binding:"omitempty,uuid"`
	InviteeIDs     []string `json:"invitee_ids" binding:"required,min=1"`
}

// InitiateCall starts a new call
// POST /v1/calls/initiate
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callerID, ok := currentUserID(c)
	if !ok {
		return
	}

	var conversationID *uuid.UUID
	if req.ConversationID != "" {
		id, err := uuid.Parse(req.ConversationID)
		if err != nil {
			response.ValidationError(c, "Invalid conversation ID")
			return
		}
		conversationID = &id
	}

	inviteeIDs := make([]uuid.UUID, len(req.InviteeIDs))
	for i, idStr := range req.InviteeIDs {
		id, err := uuid.Parse(idStr)
		if err != nil {
			response.ValidationError(c, "Invalid invitee ID: "+idStr)
			return
		}
		inviteeIDs[i] = id
	}

	call, err := h.callService.Initiate(c.Request.Context(), callerID, &callsvc.InitiateInput{
		Type:           domain.CallType(req.CallType),
		InviteeIDs:     inviteeIDs,
		ConversationID: conversationID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, call)
}

// GetCall returns an active call
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	call, err := h.callService.Get(c.Request.Context(), callID, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// EndCall terminates a call for everyone
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.callService.End(c.Request.Context(), callID, userID); err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call ended",
		"call_id": callID,
	})
}

// DeclineCall rejects a ringing call
// POST /v1/calls/:id/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.callService.Decline(c.Request.Context(), callID, userID); err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call declined",
		"call_id": callID,
	})
}

// ActiveCalls lists the requester's non-terminal calls
// GET /v1/calls/active
func (h *Handler) ActiveCalls(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	calls := h.callService.ListActiveForUser(c.Request.Context(), userID)
	response.Success(c, http.StatusOK, gin.H{
		"calls": calls,
		"count": len(calls),
	})
}

// History returns the requester's persisted call history
// GET /v1/calls/history
func (h *Handler) History(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	calls, err := h.callService.History(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls": calls,
		"count": len(calls),
	})
}

// Quality returns the latest reported quality sample for a participant
// GET /v1/calls/:id/quality/:user_id
func (h *Handler) Quality(c *gin.Context) {
	if h.quality == nil {
		response.Error(c, http.StatusServiceUnavailable, string(apperrors.ErrCodeServiceUnavail), "Quality reporting is not available")
		return
	}

	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	requesterID, ok := currentUserID(c)
	if !ok {
		return
	}

	participantID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}

	// membership check rides on Get
	if _, err := h.callService.Get(c.Request.Context(), callID, requesterID); err != nil {
		respondError(c, err)
		return
	}

	stats, err := h.quality.Latest(c.Request.Context(), callID, participantID)
	if err != nil {
		respondError(c, err)
		return
	}
	if stats == nil {
		response.NotFound(c, "No quality data for this participant")
		return
	}

	response.Success(c, http.StatusOK, stats)
}

// Events returns the recent event timeline of an active call
// GET /v1/calls/:id/events
func (h *Handler) Events(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	// membership check rides on Get
	if _, err := h.callService.Get(c.Request.Context(), callID, userID); err != nil {
		respondError(c, err)
		return
	}

	recent, err := h.eventLog.RecentCallEvents(c.Request.Context(), callID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"events": recent,
		"count":  len(recent),
	})
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

func callIDParam(c *gin.Context) (uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, false
	}
	return callID, true
}

func respondError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	response.Error(c, appErr.StatusCode, string(appErr.Code), appErr.Message)
}
