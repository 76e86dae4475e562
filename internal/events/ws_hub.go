package events

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"paylane-backend/internal/metrics"
	"paylane-backend/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The public API is CORS-gated at the router, not per socket.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSConnection is one subscriber. Owner filters the stream to a single EOA;
// an empty owner receives every receipt update.
type WSConnection struct {
	ID    string
	Owner string
	conn  *websocket.Conn
	send  chan []byte
}

// WSHub fans receipt updates out to websocket subscribers. It implements the
// same notifier surface as the NATS publisher so the transfer service never
// knows which transports are attached.
type WSHub struct {
	connections map[string]*WSConnection
	ownerConns  map[string][]*WSConnection
	broadcast   chan *ReceiptEvent
	register    chan *WSConnection
	unregister  chan *WSConnection
	mutex       sync.RWMutex
	logger      *logrus.Logger
}

// NewWSHub creates the hub and starts its dispatch loop.
func NewWSHub(logger *logrus.Logger) *WSHub {
	h := &WSHub{
		connections: make(map[string]*WSConnection),
		ownerConns:  make(map[string][]*WSConnection),
		broadcast:   make(chan *ReceiptEvent, 256),
		register:    make(chan *WSConnection),
		unregister:  make(chan *WSConnection),
		logger:      logger,
	}
	go h.run()
	return h
}

func (h *WSHub) run() {
	for {
		select {
		case conn := <-h.register:
			h.handleRegister(conn)
		case conn := <-h.unregister:
			h.handleUnregister(conn)
		case event := <-h.broadcast:
			h.handleBroadcast(event)
		}
	}
}

// NotifyReceipt queues the update for dispatch. Drops the event when the
// buffer is full rather than blocking the transfer path.
func (h *WSHub) NotifyReceipt(receipt *models.Receipt) {
	select {
	case h.broadcast <- NewReceiptEvent(receipt):
	default:
		h.logger.Warn("websocket broadcast buffer full, receipt event dropped")
	}
}

// ServeWS upgrades the request and subscribes it to receipt updates for the
// given owner address (empty for the full stream).
func (h *WSHub) ServeWS(w http.ResponseWriter, r *http.Request, owner string) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	conn := &WSConnection{
		ID:    uuid.New().String(),
		Owner: strings.ToLower(owner),
		conn:  ws,
		send:  make(chan []byte, 64),
	}
	h.register <- conn

	go conn.writePump(h)
	go conn.readPump(h)
	return nil
}

func (h *WSHub) handleRegister(conn *WSConnection) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.connections[conn.ID] = conn
	h.ownerConns[conn.Owner] = append(h.ownerConns[conn.Owner], conn)
	metrics.WebsocketClients.Inc()

	h.logger.WithFields(logrus.Fields{
		"conn_id": conn.ID,
		"owner":   conn.Owner,
	}).Info("websocket subscriber connected")
}

func (h *WSHub) handleUnregister(conn *WSConnection) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.connections[conn.ID]; !ok {
		return
	}
	delete(h.connections, conn.ID)

	conns := h.ownerConns[conn.Owner]
	for i, c := range conns {
		if c.ID == conn.ID {
			h.ownerConns[conn.Owner] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(h.ownerConns[conn.Owner]) == 0 {
		delete(h.ownerConns, conn.Owner)
	}

	close(conn.send)
	metrics.WebsocketClients.Dec()

	h.logger.WithField("conn_id", conn.ID).Info("websocket subscriber disconnected")
}

func (h *WSHub) handleBroadcast(event *ReceiptEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.WithError(err).Error("receipt event marshal failed")
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	targets := h.ownerConns[strings.ToLower(event.OwnerEoa)]
	targets = append(targets, h.ownerConns[""]...)
	for _, conn := range targets {
		select {
		case conn.send <- data:
		default:
			h.logger.WithField("conn_id", conn.ID).Warn("websocket send buffer full, dropping event")
		}
	}
}

func (c *WSConnection) writePump(h *WSHub) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSConnection) readPump(h *WSHub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Inbound frames are ignored; the socket is push-only.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
