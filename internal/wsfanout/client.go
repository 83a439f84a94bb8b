package wsfanout

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dronefleet/broker/internal/livestate"
	"dronefleet/broker/internal/logging"
)

const (
	writeWait = 10 * time.Second
	// pongWait is the fixed read deadline held while waiting for a pong.
	// It is independent of pingInterval so a slow-ping configuration
	// doesn't quietly stretch how long a dead connection survives.
	pongWait = 60 * time.Second
)

// Always allow localhost for dev convenience, matching the teacher's checker.
var localHosts = map[string]struct{}{
	"127.0.0.1": {},
	"localhost": {},
	"::1":       {},
}

// Client is one authenticated WebSocket connection and its room memberships.
type Client struct {
	conn  *websocket.Conn
	send  chan []byte
	id    string
	orgID string
	log   *logging.Logger

	closeOnce sync.Once
	rooms     map[string]struct{}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Server upgrades HTTP requests to WebSocket connections, authenticates
// them, and wires each client into the Hub's room registry.
type Server struct {
	hub             *Hub
	auth            Authenticator
	upgrader        websocket.Upgrader
	maxPayloadBytes int64
	pingInterval    time.Duration
	log             *logging.Logger
}

// NewServer constructs a Server. pingInterval of 0 falls back to 25s.
func NewServer(hub *Hub, authenticator Authenticator, allowedOrigins []string, maxPayloadBytes int64, pingInterval time.Duration, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.L()
	}
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}
	return &Server{
		hub:             hub,
		auth:            authenticator,
		maxPayloadBytes: maxPayloadBytes,
		pingInterval:    pingInterval,
		log:             logger.With(logging.String("component", "wsfanout")),
		upgrader: websocket.Upgrader{
			CheckOrigin: buildOriginChecker(logger, allowedOrigins),
		},
	}
}

// ServeHTTP authenticates, upgrades, and registers a new client connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.log.With(logging.String("remote_addr", r.RemoteAddr))

	clientID := r.RemoteAddr
	orgID := ""
	if s.auth != nil {
		claims, err := s.auth.Authenticate(r)
		if err != nil {
			reqLogger.Warn("rejecting websocket connection: authentication failed", logging.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if strings.TrimSpace(claims.Subject) != "" {
			clientID = claims.Subject
		}
		orgID = claims.OrgID
	}

	if !s.hub.reserveSlot() {
		reqLogger.Warn("refusing websocket connection: client limit reached")
		http.Error(w, "service unavailable: client limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.releaseSlot()
		reqLogger.Error("websocket upgrade failed", logging.Error(err))
		return
	}

	client := &Client{
		conn:  conn,
		send:  make(chan []byte, 256),
		id:    clientID,
		orgID: orgID,
		log:   reqLogger.With(logging.String("client_id", clientID)),
		rooms: make(map[string]struct{}),
	}
	s.hub.registerClient(client)

	if orgID != "" {
		s.hub.joinRoom(r.Context(), client, orgRoom(orgID), "", nil)
	}

	if s.maxPayloadBytes > 0 {
		client.conn.SetReadLimit(s.maxPayloadBytes)
	}

	waitDuration := pongWait
	if err := client.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
		client.log.Error("failed to set initial read deadline", logging.Error(err))
		_ = client.conn.Close()
		return
	}
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	go s.readPump(client, waitDuration)
	go s.writePump(client)
}

func (s *Server) readPump(client *Client, waitDuration time.Duration) {
	defer func() {
		s.hub.deregisterClient(client)
		_ = client.conn.Close()
	}()
	for {
		messageType, msg, err := client.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				client.log.Warn("read deadline exceeded", logging.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				client.log.Warn("unexpected websocket close", logging.Error(err))
			} else {
				client.log.Debug("read error", logging.Error(err))
			}
			return
		}
		if err := client.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			client.log.Error("failed to extend read deadline", logging.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var envelope inboundEnvelope
		if err := json.Unmarshal(msg, &envelope); err != nil {
			client.log.Debug("dropping invalid JSON message", logging.Error(err))
			continue
		}
		s.handleInbound(client, envelope)
	}
}

func (s *Server) handleInbound(client *Client, envelope inboundEnvelope) {
	if envelope.ID == "" {
		return
	}
	ctx := context.Background()
	switch envelope.Type {
	case "subscribe:mission":
		room := missionRoom(envelope.ID)
		s.hub.joinRoom(ctx, client, room, livestate.MissionTelemetryChannel(envelope.ID), s.hub.roomChannelHandler(room, eventTelemetryUpdate))
	case "unsubscribe:mission":
		s.hub.leaveRoom(client, missionRoom(envelope.ID))
	case "subscribe:drone":
		room := droneRoom(envelope.ID)
		s.hub.joinRoom(ctx, client, room, livestate.DroneStatusChannel(envelope.ID), s.hub.roomChannelHandler(room, eventDroneStatus))
	case "unsubscribe:drone":
		s.hub.leaveRoom(client, droneRoom(envelope.ID))
	case "subscribe:site":
		s.hub.joinRoom(ctx, client, siteRoomName(envelope.ID), "", nil)
	case "unsubscribe:site":
		s.hub.leaveRoom(client, siteRoomName(envelope.ID))
	default:
		client.log.Debug("dropping unrecognised message type", logging.String("type", envelope.Type))
	}
}

func (s *Server) writePump(client *Client) {
	pingTicker := time.NewTicker(s.pingInterval)
	defer func() {
		pingTicker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				client.log.Error("failed to set write deadline", logging.Error(err))
				s.hub.deregisterClient(client)
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				client.log.Error("write error", logging.Error(err))
				s.hub.deregisterClient(client)
				return
			}
		case <-pingTicker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				client.log.Warn("ping failure", logging.Error(err))
				s.hub.deregisterClient(client)
				return
			}
		}
	}
}

func buildOriginChecker(logger *logging.Logger, allowlist []string) func(*http.Request) bool {
	if logger == nil {
		logger = logging.L()
	}
	if len(allowlist) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Warn("ignoring invalid allowed origin", logging.String("origin", origin), logging.Error(err))
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}

	return func(r *http.Request) bool {
		originHeader := r.Header.Get("Origin")
		if originHeader == "" {
			return false
		}
		originURL, err := url.Parse(originHeader)
		if err != nil || originURL.Host == "" {
			logger.Warn("rejecting request with invalid origin", logging.String("origin", originHeader), logging.Error(err))
			return false
		}
		if _, ok := localHosts[originURL.Hostname()]; ok {
			return true
		}
		if _, ok := allowed[strings.ToLower(originURL.Scheme+"://"+originURL.Host)]; ok {
			return true
		}
		logger.Warn("rejecting request from disallowed origin", logging.String("origin", originHeader))
		return false
	}
}
