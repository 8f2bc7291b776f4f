package ws

import (
	"go.uber.org/zap"

	"github.com/whisper/video-relay/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.OfferMsg, protocol.ReportMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and answers malformed or unsupported messages with an error
// frame.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
	log      *zap.Logger
}

// NewMessageDispatcher creates a MessageDispatcher. The server may be nil and
// assigned later with SetServer, since NewServer needs the Dispatch callback.
func NewMessageDispatcher(server *Server, log *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
		log:      log,
	}
}

// SetServer assigns the Server used to send replies.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug("dispatch parse error", zap.String("session", conn.ID), zap.Error(err))
		d.sendError(conn, protocol.CodeBadMessage, "invalid message")
		return
	}

	if msgType == protocol.TypePing {
		d.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug("unsupported message type", zap.String("type", msgType), zap.String("session", conn.ID))
		d.sendError(conn, protocol.CodeBadMessage, "unsupported message type")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendError(conn *Connection, code, message string) {
	d.reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// reply queues a server message for conn. Failures are logged, not returned.
func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		d.log.Error("failed to build message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if d.server == nil {
		return
	}
	if err := d.server.Send(conn.ID, data); err != nil {
		d.log.Debug("reply not delivered", zap.String("session", conn.ID), zap.String("type", msgType), zap.Error(err))
	}
}
