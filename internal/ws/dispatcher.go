package ws

import (
	"log/slog"

	"github.com/whisper/relay/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes parsed client messages to handlers by type.
// Ping is answered internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   *slog.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(logger *slog.Logger) *MessageDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger.With("component", "dispatcher"),
	}
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the Server's message callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("parse error", "session_id", conn.ID, "error", err)
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeBadRequest,
			Message: err.Error(),
		})
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		d.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Warn("unsupported message type", "type", msgType, "session_id", conn.ID)
		d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeBadRequest,
			Message: "unsupported message type",
		})
		return
	}
	handler(conn, msg)
}

func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	if err := conn.Send(msgType, payload); err != nil {
		d.logger.Warn("reply failed", "type", msgType, "session_id", conn.ID, "error", err)
	}
}
