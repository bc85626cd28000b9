package websocket

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cloudcodex/cloudcodex/internal/common/logger"
	"github.com/cloudcodex/cloudcodex/internal/session"
	"github.com/cloudcodex/cloudcodex/pkg/codex"
	"github.com/cloudcodex/cloudcodex/pkg/frames"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SessionProvider is the registry surface the gateway depends on.
type SessionProvider interface {
	GetOrCreate(ctx context.Context, userID string) (*session.Session, error)
	Get(sessionID string) (*session.Session, bool)
	RespondApproval(ctx context.Context, sessionID, approvalID, decision string, acceptSettings any) error
}

// Handler upgrades connections and translates client frames into session
// operations.
type Handler struct {
	hub      *Hub
	registry SessionProvider
	logger   *logger.Logger
}

// NewHandler creates a handler.
func NewHandler(hub *Hub, registry SessionProvider, log *logger.Logger) *Handler {
	return &Handler{
		hub:      hub,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket, resolves the user's session,
// and starts the pumps. Identity is asserted by the boundary: userId comes
// from the query or the X-User-Id header.
func (h *Handler) HandleConnection(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		userID = c.GetHeader("X-User-Id")
	}
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	sess, err := h.registry.GetOrCreate(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to resolve session",
			zap.String("user_id", userID),
			zap.Error(err))
		frame := frames.NewError("failed to start session", err.Error(), "")
		if data, merr := json.Marshal(frame); merr == nil {
			_ = conn.WriteMessage(gorillaws.TextMessage, data)
		}
		conn.Close()
		return
	}

	client := NewClient(uuid.New().String(), userID, sess.ID, conn, h.hub, h.logger)
	client.dispatch = h.dispatch
	h.hub.Register(client)

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", client.ID),
		zap.String("session_id", sess.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	connected, _ := frames.NewResponse(&frames.ConnectedPayload{
		Status:    "connected",
		SessionID: sess.ID,
	}, "")
	client.SendFrame(connected)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// dispatch translates one client frame into a registry/supervisor call and
// returns the frame to send back, nil for none.
func (h *Handler) dispatch(ctx context.Context, client *Client, frame *frames.Frame) *frames.Frame {
	if !frames.IsClientVerb(frame.Type) {
		return frames.NewError("unknown frame type: "+frame.Type, "", frame.RequestID)
	}

	sess, ok := h.registry.Get(client.SessionID)
	if !ok {
		return frames.NewError("session closed", "", frame.RequestID)
	}
	sess.Touch()

	switch frame.Type {
	case frames.TypeThreadStart:
		var payload frames.ThreadStartPayload
		if err := unmarshalPayload(frame.Payload, &payload); err != nil {
			return frames.NewError("invalid payload", err.Error(), frame.RequestID)
		}
		result, err := sess.Agent().StartThread(ctx, &codex.ThreadStartParams{
			Model:          payload.Model,
			Cwd:            sess.WorkingDirectory,
			ApprovalPolicy: payload.ApprovalPolicy,
		})
		if err != nil {
			return frames.NewError("thread/start failed", err.Error(), frame.RequestID)
		}
		return mustResponse(result, frame.RequestID)

	case frames.TypeThreadResume:
		var payload frames.ThreadResumePayload
		if err := unmarshalPayload(frame.Payload, &payload); err != nil {
			return frames.NewError("invalid payload", err.Error(), frame.RequestID)
		}
		if payload.ThreadID == "" {
			return frames.NewError("threadId is required", "", frame.RequestID)
		}
		result, err := sess.Agent().ResumeThread(ctx, &codex.ThreadResumeParams{
			ThreadID: payload.ThreadID,
			Cwd:      sess.WorkingDirectory,
		})
		if err != nil {
			return frames.NewError("thread/resume failed", err.Error(), frame.RequestID)
		}
		return mustResponse(result, frame.RequestID)

	case frames.TypeTurnStart:
		var payload frames.TurnStartPayload
		if err := unmarshalPayload(frame.Payload, &payload); err != nil {
			return frames.NewError("invalid payload", err.Error(), frame.RequestID)
		}
		if payload.ThreadID == "" {
			return frames.NewError("threadId is required", "", frame.RequestID)
		}
		input := make([]codex.UserInput, 0, len(payload.Input))
		for _, item := range payload.Input {
			input = append(input, codex.UserInput{
				Type: item.Type,
				Text: item.Text,
				URL:  item.URL,
				Path: item.Path,
			})
		}
		result, err := sess.Agent().StartTurn(ctx, &codex.TurnStartParams{
			ThreadID: payload.ThreadID,
			Input:    input,
		})
		if err != nil {
			return frames.NewError("turn/start failed", err.Error(), frame.RequestID)
		}
		return rawResponse(result, frame.RequestID)

	case frames.TypeTurnInterrupt:
		var payload frames.TurnInterruptPayload
		if err := unmarshalPayload(frame.Payload, &payload); err != nil {
			return frames.NewError("invalid payload", err.Error(), frame.RequestID)
		}
		if payload.ThreadID == "" {
			return frames.NewError("threadId is required", "", frame.RequestID)
		}
		result, err := sess.Agent().InterruptTurn(ctx, &codex.TurnInterruptParams{
			ThreadID: payload.ThreadID,
			TurnID:   payload.TurnID,
		})
		if err != nil {
			return frames.NewError("turn/interrupt failed", err.Error(), frame.RequestID)
		}
		return rawResponse(result, frame.RequestID)

	case frames.TypeApprovalRespond:
		var payload frames.ApprovalRespondPayload
		if err := unmarshalPayload(frame.Payload, &payload); err != nil {
			return frames.NewError("invalid payload", err.Error(), frame.RequestID)
		}
		if payload.ApprovalID == "" {
			return frames.NewError("approvalId is required", "", frame.RequestID)
		}
		var acceptSettings any
		if len(payload.AcceptSettings) > 0 {
			acceptSettings = payload.AcceptSettings
		}
		if err := h.registry.RespondApproval(ctx, client.SessionID, payload.ApprovalID, payload.Decision, acceptSettings); err != nil {
			return frames.NewError("approval/respond failed", err.Error(), frame.RequestID)
		}
		return mustResponse(map[string]any{"status": "ok"}, frame.RequestID)
	}
	return nil
}

func unmarshalPayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func mustResponse(payload any, requestID string) *frames.Frame {
	frame, err := frames.NewResponse(payload, requestID)
	if err != nil {
		return frames.NewError("failed to encode response", err.Error(), requestID)
	}
	return frame
}

func rawResponse(result json.RawMessage, requestID string) *frames.Frame {
	return &frames.Frame{Type: frames.TypeResponse, Payload: result, RequestID: requestID}
}
