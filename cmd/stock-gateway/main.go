// cmd/stock-gateway/main.go
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"atelier/internal/pkg/bootstrap"
	"atelier/internal/pkg/logger"
	"atelier/internal/pkg/metrics"
	"atelier/internal/pkg/mq"
	redispkg "atelier/internal/pkg/redis"
	"atelier/internal/pkg/session"
	"atelier/internal/service/reservation/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
)

const (
	serviceName = "stock-gateway"
	servicePort = 8088

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var (
	nodeID   = serviceName + "-" + uuid.New().String()[:8]
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// 店面页面与网关不同源，放开跨域
		CheckOrigin: func(r *http.Request) bool { return true },
	}
)

// Hub 维护所有活跃的连接，按变体频道做消息分发。
type Hub struct {
	// variantID -> 订阅该变体的客户端集合
	subscribers map[string]map[*Client]struct{}
	register    chan *Client
	unregister  chan *Client
	events      chan domain.StockEvent
	sessions    *session.Manager
	// done 在 run 退出时关闭，让挂在 unregister 上的连接协程解除阻塞
	done chan struct{}
	lock sync.RWMutex
}

func newHub(sessions *session.Manager) *Hub {
	return &Hub{
		subscribers: make(map[string]map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		events:      make(chan domain.StockEvent, 256),
		sessions:    sessions,
		done:        make(chan struct{}),
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.lock.Lock()
			if h.subscribers[client.variantID] == nil {
				h.subscribers[client.variantID] = make(map[*Client]struct{})
			}
			h.subscribers[client.variantID][client] = struct{}{}
			h.lock.Unlock()
			metrics.GatewayConnections.Inc()
			logger.Ctx(ctx).Info().
				Str("viewer_id", client.viewerID).
				Str("variant_id", client.variantID).
				Msgf("Client registered on node %s", nodeID)

		case client := <-h.unregister:
			h.lock.Lock()
			if set, ok := h.subscribers[client.variantID]; ok {
				if _, ok := set[client]; ok {
					delete(set, client)
					close(client.send)
					metrics.GatewayConnections.Dec()
				}
				if len(set) == 0 {
					delete(h.subscribers, client.variantID)
				}
			}
			h.lock.Unlock()
			if client.viewerID != "" {
				if err := h.sessions.DropViewerGateway(ctx, client.viewerID); err != nil {
					logger.Ctx(ctx).Warn().Err(err).Msg("failed to drop viewer gateway mapping")
				}
			}

		case event := <-h.events:
			h.dispatch(ctx, event)

		case <-ctx.Done():
			return
		}
	}
}

// dispatch 把一条库存事件推给该变体的所有订阅者，
// 跳过引发事件的持有者自己（同步响应已经告诉过他了）。
func (h *Hub) dispatch(ctx context.Context, event domain.StockEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("failed to marshal stock event")
		return
	}

	h.lock.RLock()
	defer h.lock.RUnlock()
	for client := range h.subscribers[event.VariantID] {
		if event.ExcludeHolder != "" && client.viewerID == event.ExcludeHolder {
			continue
		}
		select {
		case client.send <- payload:
		default:
			// 慢消费者：丢弃而不是阻塞，事件本来就只是刷新提示
		}
	}
}

// Client 是一个WebSocket连接的代表。
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	viewerID  string
	variantID string
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// detach 把连接交还给 Hub。Hub 已随关停退出时直接返回，不再阻塞。
func (c *Client) detach() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

func (c *Client) readPump() {
	defer func() {
		c.detach()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		// 浏览者不发业务消息，读循环只用于心跳和断连检测
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func serveWs(hub *Hub, sessionMgr *session.Manager, w http.ResponseWriter, r *http.Request) {
	variantID := r.URL.Query().Get("variantId")
	if variantID == "" {
		http.Error(w, "variantId is required", http.StatusBadRequest)
		return
	}
	// viewerId 可选：匿名浏览者收到全部事件，具名浏览者可被排除
	viewerID := r.URL.Query().Get("viewerId")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		viewerID:  viewerID,
		variantID: variantID,
	}
	client.hub.register <- client

	if viewerID != "" {
		if err := sessionMgr.SetViewerGateway(context.Background(), viewerID, nodeID); err != nil {
			logger.Ctx(r.Context()).Warn().Err(err).Msg("failed to record viewer gateway")
		}
	}

	go client.writePump()
	go client.readPump()
}

// consumeStockEvents 消费库存事件并注入 Hub。
// 每个网关节点使用独立的消费组，全量接收所有事件。
func consumeStockEvents(ctx context.Context, reader *kafka.Reader, hub *Hub) {
	logger.Ctx(ctx).Info().Msgf("✅ Stock event consumer started for topic '%s'", reader.Config().Topic)
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Ctx(ctx).Info().Msg("🛑 Stock event consumer shutting down")
				return
			}
			logger.Ctx(ctx).Error().Err(err).Msg("could not read stock event, retrying")
			time.Sleep(time.Second)
			continue
		}

		var event domain.StockEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal stock event, skipping")
		} else {
			eventCtx := mq.ExtractTraceContext(ctx, msg.Headers)
			select {
			case hub.events <- event:
			default:
				logger.Ctx(eventCtx).Warn().Msg("hub event buffer full, dropping stock event")
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("failed to commit stock event offset")
		}
	}
}

func main() {
	bootstrap.Init()
	logger.Init(serviceName)
	cfg := bootstrap.GetCurrentConfig()

	redisClient, err := redispkg.NewClient(context.Background(), cfg.Infra.Redis.Addr)
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("failed to connect to redis")
	}
	sessionMgr := session.NewManager(redisClient.GetClient())

	hub := newHub(sessionMgr)
	reader := mq.NewKafkaReader(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.StockEventTopic, nodeID)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
			appCtx.Mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
				serveWs(hub, sessionMgr, w, r)
			})
		},
		BackgroundTasks: []func(ctx context.Context){
			hub.run,
			func(ctx context.Context) {
				defer reader.Close()
				consumeStockEvents(ctx, reader, hub)
			},
		},
	})
}
