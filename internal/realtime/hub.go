package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/siretech/backoffice-payments/internal/auth"
)

var ErrSubscriberClosed = errors.New("subscriber connection closed")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendQueueSize  = 16
)

// Hub upgrades HTTP requests to websocket connections and wires each
// connection's subscriptions into the registry.
type Hub struct {
	registry       *Registry
	logger         *slog.Logger
	upgrader       websocket.Upgrader
	allowedOrigins []string
}

func NewHub(registry *Registry, allowedOrigins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		registry:       registry,
		logger:         logger,
		allowedOrigins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.allowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range h.allowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeWS upgrades an authenticated request. It must run behind the Auth
// middleware; the caller's user id owns every subscription on the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	c := &Conn{
		hub:   h,
		ws:    ws,
		owner: userID.String(),
		send:  make(chan []byte, sendQueueSize),
		done:  make(chan struct{}),
	}
	h.logger.Debug("websocket connected", "remote_addr", r.RemoteAddr, "user_id", c.owner)

	go c.writePump()
	go c.readPump()
}

// Conn is one client websocket. It implements Subscriber.
type Conn struct {
	hub   *Hub
	ws    *websocket.Conn
	owner string
	send  chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (c *Conn) Deliver(ctx context.Context, ev Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("Deliver: marshal: %w", err)
	}

	select {
	case <-c.done:
		return fmt.Errorf("Deliver: %w", ErrSubscriberClosed)
	default:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("Deliver: %w", ctx.Err())
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("Deliver: send queue full: %w", ErrSubscriberClosed)
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		removed := c.hub.registry.RemoveSubscriber(c)
		c.ws.Close()
		c.hub.logger.Debug("websocket disconnected", "subscriptions_removed", removed)
	})
}

func (c *Conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg subscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event != eventSubscribe || strings.TrimSpace(msg.CheckoutRequestID) == "" {
			c.reply(Event{Event: EventError, Payload: map[string]string{"message": "expected {\"event\":\"subscribe\",\"checkoutRequestId\":...}"}})
			continue
		}

		if err := c.hub.registry.Register(msg.CheckoutRequestID, c.owner, c); err != nil {
			c.hub.logger.Warn("subscription refused",
				"checkout_request_id", msg.CheckoutRequestID, "user_id", c.owner, "error", err)
			c.reply(Event{Event: EventError, Payload: map[string]string{"message": "checkoutRequestId is already subscribed by another user"}})
			continue
		}
		c.hub.logger.Info("client subscribed to payment status",
			"checkout_request_id", msg.CheckoutRequestID, "user_id", c.owner)
		c.reply(Event{Event: EventSubscribed, Payload: map[string]string{"checkoutRequestId": msg.CheckoutRequestID}})
	}
}

func (c *Conn) reply(ev Event) {
	if err := c.Deliver(context.Background(), ev); err != nil {
		c.hub.logger.Debug("websocket reply dropped", "event", ev.Event, "error", err)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
