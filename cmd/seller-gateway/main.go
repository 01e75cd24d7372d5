package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"bazaar/internal/pkg/bootstrap"
	"bazaar/internal/pkg/logger"
	"bazaar/internal/pkg/mq"
	"bazaar/internal/service/order/port"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
)

const (
	serviceName   = "seller-gateway"
	servicePort   = 8084
	consumerGroup = "seller-gateway-group"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub tracks the sellers connected to this gateway node, keyed by seller ID.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func newHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[c.sellerID]; ok {
		old.close()
	}
	h.clients[c.sellerID] = c
	logger.Logger().Info().Str("seller_id", c.sellerID).Msg("seller connected")
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[c.sellerID]; ok && current == c {
		delete(h.clients, c.sellerID)
	}
	logger.Logger().Info().Str("seller_id", c.sellerID).Msg("seller disconnected")
}

// push delivers a payload to the seller if connected on this node. A seller
// that is offline simply misses the push; the kafka record is the durable
// copy.
func (h *Hub) push(sellerID string, payload []byte) bool {
	h.mu.RLock()
	client, ok := h.clients[sellerID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case client.send <- payload:
		return true
	default:
		// Slow consumer; drop the connection rather than block the hub.
		client.close()
		return false
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.close()
	}
	h.clients = make(map[string]*Client)
}

// Client is one seller's websocket connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	sellerID string
	once     sync.Once
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	sellerID := r.URL.Query().Get("sellerId")
	if sellerID == "" {
		http.Error(w, "sellerId is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Logger().Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{hub: hub, conn: conn, send: make(chan []byte, 256), sellerID: sellerID}
	hub.register(client)
	go client.writePump()
	go client.readPump()
}

func consume(ctx context.Context, reader *kafka.Reader, hub *Hub, done chan<- struct{}) {
	defer close(done)
	log := logger.Logger()
	log.Info().Msg("routing seller notifications to websocket clients")

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("fetch message")
			continue
		}

		var notice port.SellerNotice
		if err := json.Unmarshal(msg.Value, &notice); err != nil {
			log.Error().Err(err).Msg("decode seller notice")
		} else if hub.push(notice.SellerID, msg.Value) {
			log.Debug().Str("seller_id", notice.SellerID).Str("kind", notice.Kind).Msg("pushed notice")
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("commit message")
		}
	}
}

func main() {
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			cfg := appCtx.Config
			hub := newHub()
			appCtx.Mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
				serveWs(hub, w, r)
			})

			reader := mq.NewKafkaReader(cfg.Infra.KafkaBrokers, cfg.Order.NotificationTopic, consumerGroup)
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go consume(ctx, reader, hub, done)

			appCtx.OnShutdown(func(shutdownCtx context.Context) {
				cancel()
				if err := reader.Close(); err != nil {
					logger.Logger().Warn().Err(err).Msg("close kafka reader")
				}
				<-done
				hub.closeAll()
			})
		},
	})
}
