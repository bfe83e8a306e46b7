package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"ChatGateway/logger"
	"ChatGateway/service/security"
	"ChatGateway/service/storage"
	"ChatGateway/tools/errs"
	"ChatGateway/tools/ids"
	"ChatGateway/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const maxFrameSize = 64 * 1024

// HandleWS authenticates the handshake and upgrades to WebSocket. A bad or
// missing credential refuses the handshake outright: no registry entry, no
// partial connection.
func (s *Server) HandleWS(c *gin.Context) {
	token := bearerToken(c.Request)
	id, err := security.Verify(s.authOpts, token)
	if err != nil {
		if errors.Is(err, errs.ErrConfiguration) {
			// Server fault, not the client's. Logged loudly and apart
			// from ordinary auth rejections.
			logger.Errorf("[ws] handshake refused, configuration error: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
			return
		}
		logger.Infof("[ws] handshake refused: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "auth_error", "message": "invalid authentication token"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed: %v", err)
		return
	}

	client := NewClient(ids.GenerateString(), id, ws, s.conf.SendQueueSize)
	logger.Infof("[ws] user %s connected conn=%s", id.Username, client.ConnID)
	s.serveClient(client)
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// serveClient runs the connection: registration, membership restore,
// presence, then the read loop until the socket dies. Registry cleanup is
// unconditional on exit, whatever state the broker or handlers are in.
func (s *Server) serveClient(client *Client) {
	first := s.registry.Register(client)
	s.restoreGroups(client)

	safe.Go("write-pump-"+client.ConnID, func() {
		client.writePump(s.conf.PingInterval, s.conf.WriteTimeout)
	})

	if first {
		s.engine.PublishOnline(context.Background(), client.UserID())
	}

	defer func() {
		client.Close()
		_, last := s.registry.Unregister(client.ConnID)
		if last {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.engine.PublishOffline(ctx, client.UserID())
		}
		logger.Infof("[ws] user %s disconnected conn=%s", client.Identity.Username, client.ConnID)
	}()

	s.readLoop(client)
}

// restoreGroups joins the connection to the rooms the membership cache
// holds for its user. Cache trouble downgrades to an empty room set; the
// client can still join explicitly.
func (s *Server) restoreGroups(client *Client) {
	if !storage.Ready() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	groups, err := storage.UserGroups(ctx, client.UserID())
	if err != nil {
		logger.Warnf("[ws] membership restore failed user=%s err=%v", client.UserID(), err)
		return
	}
	for _, groupID := range groups {
		s.registry.AddRoom(client.UserID(), groupID)
	}
	if len(groups) > 0 {
		logger.Infof("[ws] user %s restored into %d groups", client.UserID(), len(groups))
	}
}

// readLoop processes client frames in arrival order. Per-event failures go
// back to this client only; nothing a single client sends can take the
// process down or disconnect anyone else.
func (s *Server) readLoop(client *Client) {
	ws := client.ws
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.conf.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.conf.PongTimeout))
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed conn=%s", client.ConnID)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout conn=%s", client.ConnID)
			} else {
				logger.Infof("[ws] read error conn=%s err=%v", client.ConnID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(client, "invalid JSON frame")
			continue
		}

		if err := s.disp.Dispatch(context.Background(), client, env); err != nil {
			logger.Infof("[ws] event rejected conn=%s type=%s err=%v", client.ConnID, env.Type, err)
			s.sendError(client, err.Error())
		}
	}
}

func (s *Server) sendError(client *Client, msg string) {
	frame, err := encodeEnvelope(EvtError, ErrorPayload{Message: msg})
	if err != nil {
		return
	}
	client.enqueue(frame)
}
