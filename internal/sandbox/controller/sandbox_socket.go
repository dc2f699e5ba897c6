package controller

import (
	"context"
	"net/http"
	"sync"
	"time"

	"codesandbox/internal/sandbox"
	"codesandbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Stream message types.
const (
	MessageExecute   = "execute"
	MessageCancel    = "cancel"
	MessageAccepted  = "accepted"
	MessageVerdict   = "verdict"
	MessageCancelled = "cancelled"
	MessageError     = "error"
)

const (
	streamWriteWait = 10 * time.Second
	streamMaxFrame  = 4 << 20
)

// StreamMessage is the envelope of every frame on the stream endpoint.
//
// Clients send "execute" with Request set, or "cancel" with SubmissionID set.
// The server answers each execute with "accepted", naming the submission id
// to cancel by, then one "verdict" carrying Data. Each cancel gets "cancelled".
type StreamMessage struct {
	Type         string            `json:"type"`
	SubmissionID string            `json:"submissionId,omitempty"`
	Request      *ExecuteRequest   `json:"request,omitempty"`
	Data         *sandbox.Response `json:"data,omitempty"`
	OK           bool              `json:"ok,omitempty"`
	Message      string            `json:"message,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Stream serves submissions over a WebSocket. Executions on one connection
// run concurrently; closing the connection cancels those still running.
func (h *SandboxController) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(streamMaxFrame)

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	s := &stream{conn: conn}
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var msg StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug(ctx, "websocket read ended", zap.Error(err))
			}
			cancel()
			return
		}
		switch msg.Type {
		case MessageExecute:
			if msg.Request == nil || msg.Request.Code == "" || msg.Request.Language == "" {
				s.send(ctx, StreamMessage{Type: MessageError, Message: "Invalid request parameters"})
				continue
			}
			req := msg.Request.submission()
			if req.SubmissionID == "" {
				req.SubmissionID = uuid.NewString()
			}
			s.send(ctx, StreamMessage{Type: MessageAccepted, SubmissionID: req.SubmissionID})
			wg.Add(1)
			go func() {
				defer wg.Done()
				resp := sandbox.NewResponse(h.exec.ExecuteSubmission(ctx, req))
				s.send(ctx, StreamMessage{Type: MessageVerdict, SubmissionID: req.SubmissionID, Data: &resp})
			}()
		case MessageCancel:
			ok := msg.SubmissionID != "" && h.exec.Cancel(msg.SubmissionID)
			s.send(ctx, StreamMessage{Type: MessageCancelled, SubmissionID: msg.SubmissionID, OK: ok})
		default:
			s.send(ctx, StreamMessage{Type: MessageError, Message: "unknown message type"})
		}
	}
}

// stream serializes writes; gorilla connections allow one concurrent writer.
type stream struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *stream) send(ctx context.Context, msg StreamMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		logger.Debug(ctx, "websocket write failed", zap.String("type", msg.Type), zap.Error(err))
	}
}
