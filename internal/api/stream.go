package api

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"copytrade/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	defaultMaxStreamClients = 32
)

// streamer upgrades operator connections onto the event hub
type streamer struct {
	hub            *events.Hub
	allowedOrigins []string
	connSemaphore  chan struct{}
	upgrader       websocket.Upgrader
	server         *Server
}

func newStreamer(s *Server, hub *events.Hub, allowedOrigins []string, maxClients int) *streamer {
	if maxClients <= 0 {
		maxClients = defaultMaxStreamClients
	}
	st := &streamer{
		hub:            hub,
		allowedOrigins: allowedOrigins,
		connSemaphore:  make(chan struct{}, maxClients),
		server:         s,
	}
	st.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     st.checkOrigin,
	}
	return st
}

// checkOrigin accepts non-browser clients, which send no Origin, and
// browsers from an allowed origin.
func (st *streamer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		events.StreamRejected.WithLabelValues("invalid_origin").Inc()
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host
	for _, allowed := range st.allowedOrigins {
		if allowed == "*" || allowed == originStr {
			return true
		}
	}
	st.server.logger.Warn("Rejected stream connection from unauthorized origin",
		"origin", origin,
		"remote_addr", r.RemoteAddr)
	events.StreamRejected.WithLabelValues("invalid_origin").Inc()
	return false
}

func (st *streamer) handle(c *gin.Context) {
	select {
	case st.connSemaphore <- struct{}{}:
		defer func() { <-st.connSemaphore }()
	default:
		events.StreamRejected.WithLabelValues("connection_limit").Inc()
		abort(c, http.StatusServiceUnavailable, "too many stream clients")
		return
	}

	conn, err := st.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		st.server.logger.Warn("Stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := events.NewClient(uuid.NewString())
	if !st.hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		return
	}
	st.server.logger.Info("Stream client connected", "client_id", client.ID(), "remote_addr", c.ClientIP())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		st.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		st.readPump(conn, client)
	}()
	wg.Wait()

	st.server.logger.Info("Stream client disconnected", "client_id", client.ID())
}

func (st *streamer) writePump(conn *websocket.Conn, client *events.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	// Closing the connection unblocks readPump
	defer conn.Close()

	for {
		select {
		case msg, ok := <-client.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				st.hub.Unregister(client)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				st.hub.Unregister(client)
				return
			}
		}
	}
}

// readPump only services control frames; operators never send data
func (st *streamer) readPump(conn *websocket.Conn, client *events.Client) {
	defer st.hub.Unregister(client)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				st.server.logger.Debug("Stream read error", "client_id", client.ID(), "error", err)
			}
			return
		}
	}
}
