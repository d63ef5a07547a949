package channel

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/angelfreak/peerlink/pkg/dispatcher"
	"github.com/angelfreak/peerlink/pkg/types"
)

// CodeInvalidRequest is sent for frames that do not decode as a Request
const CodeInvalidRequest = "INVALID_REQUEST"

// Handler runs one decoded call
type Handler interface {
	Handle(ctx context.Context, method string, rawArgs []byte) (any, error)
}

// Server accepts websocket clients on /ws. Each request runs in its own
// goroutine, so a disconnect can arrive while a connect is still waiting.
type Server struct {
	handler     Handler
	broadcaster *Broadcaster
	logger      types.Logger
	upgrader    websocket.Upgrader
}

// NewServer creates a server dispatching to handler
func NewServer(handler Handler, broadcaster *Broadcaster, logger types.Logger) *Server {
	s := &Server{
		handler:     handler,
		broadcaster: broadcaster,
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}
	return s
}

// SetupRoutes registers the websocket endpoint on mux
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.logger.Info("WebSocket client connected", "remote", r.RemoteAddr)
	c := s.broadcaster.AddClient(conn)

	// in-flight calls end with the connection
	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.broadcaster.RemoveClient(c)
		s.logger.Info("WebSocket client disconnected", "remote", r.RemoteAddr)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
			s.reply(c, Message{Type: MsgReply, ID: req.ID, Error: &ErrorPayload{
				Code:    CodeInvalidRequest,
				Message: "request must be {id, method, args}",
			}})
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.reply(c, s.call(ctx, req))
		}()
	}
}

// call runs req and builds its reply
func (s *Server) call(ctx context.Context, req Request) Message {
	msg := Message{Type: MsgReply, ID: req.ID}

	result, err := s.handler.Handle(ctx, req.Method, req.Args)
	if err != nil {
		var dErr *dispatcher.Error
		switch {
		case errors.Is(err, dispatcher.ErrNotImplemented):
			msg.NotImplemented = true
		case errors.As(err, &dErr):
			msg.Error = &ErrorPayload{Code: dErr.Code, Message: dErr.Message}
		default:
			msg.Error = &ErrorPayload{Code: dispatcher.CodeConnectionError, Message: err.Error()}
		}
		s.logger.Debug("Call rejected", "method", req.Method, "id", req.ID, "error", err)
		return msg
	}

	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			msg.Error = &ErrorPayload{Code: CodeInvalidRequest, Message: err.Error()}
			return msg
		}
		msg.Result = raw
	}
	return msg
}

func (s *Server) reply(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("Failed to encode reply", "id", msg.ID, "error", err)
		return
	}
	if !c.enqueue(data) {
		s.logger.Debug("Reply dropped, client gone", "id", msg.ID)
	}
}

// checkOrigin admits non-browser clients and pages served from loopback
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	host := parsed.Host
	if host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
