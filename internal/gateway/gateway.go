// Package gateway is the HTTP surface of the ledger engine: a JSON API
// over gin for the lifecycle operations and queries, and a WebSocket
// feed relaying the engine's NATS events to connected consumers.
package gateway

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/terminal-bench/cardledger/internal/engine"
	"github.com/terminal-bench/cardledger/pkg/messaging"
)

// RoleExecutor is the JWT role required for mutating operations.
const RoleExecutor = "executor"

// Config holds gateway configuration.
type Config struct {
	JWTSecret       []byte
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// Gateway is the HTTP and WebSocket front of the engine.
type Gateway struct {
	router *gin.Engine
	engine *engine.Engine
	msg    *messaging.Client
	log    *zap.Logger
	cfg    Config

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*wsClient

	rateLimiter *rateLimiter
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// NewGateway builds the gateway and its routes. msg may be nil when the
// event feed is not wired, for tests.
func NewGateway(cfg Config, eng *engine.Engine, msg *messaging.Client, log *zap.Logger) *Gateway {
	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}

	g := &Gateway{
		router:    gin.New(),
		engine:    eng,
		msg:       msg,
		log:       log,
		cfg:       cfg,
		wsClients: make(map[uuid.UUID]*wsClient),
		rateLimiter: &rateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}

	g.router.Use(gin.Recovery())
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.correlationMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		auth := g.authMiddleware()

		v1.POST("/payments", auth, g.makePayment)
		v1.GET("/payments/:id", auth, g.getPayment)
		v1.PUT("/payments/:id", auth, g.updatePayment)
		v1.POST("/payments/:id/clear", auth, g.clearPayment)
		v1.POST("/payments/:id/unclear", auth, g.unclearPayment)
		v1.POST("/payments/:id/confirm", auth, g.confirmPayment)
		v1.POST("/payments/:id/refund", auth, g.refundPayment)
		v1.POST("/payments/:id/reverse", auth, g.reversePayment)
		v1.POST("/payments/:id/revoke", auth, g.revokePayment)
		v1.POST("/payments/:id/merge", auth, g.mergePayments)

		v1.POST("/payments/clear", auth, g.clearPaymentsBatch)
		v1.POST("/payments/unclear", auth, g.unclearPaymentsBatch)
		v1.POST("/payments/confirm", auth, g.confirmPaymentsBatch)

		v1.POST("/accounts/:id/refund", auth, g.refundAccount)
		v1.GET("/balances/:class", auth, g.getTotalBalance)
		v1.GET("/balances/:class/:account", auth, g.getAccountBalance)
		v1.GET("/reversals/:ref", auth, g.getReversalFlag)
		v1.GET("/revocations/:ref", auth, g.getRevocationFlag)

		v1.GET("/ws", auth, g.handleWebSocket)
	}
}

// Handler exposes the router for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Start subscribes the event feed and serves HTTP on addr, blocking
// until the server stops.
func (g *Gateway) Start(addr string) error {
	if err := g.SubscribeEvents(); err != nil {
		return err
	}
	return g.router.Run(addr)
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if len(raw) < 8 || raw[:7] != "Bearer " {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		token, err := jwt.Parse(raw[7:], func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return g.cfg.JWTSecret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if role, _ := claims["role"].(string); role != RoleExecutor {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "executor role required"})
			return
		}

		if sub, _ := claims["sub"].(string); sub != "" {
			c.Set("subject", sub)
		}
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

func (g *Gateway) healthCheck(c *gin.Context) {
	status := gin.H{"status": "healthy"}
	if g.msg != nil {
		status["nats"] = g.msg.IsConnected()
	}
	c.JSON(http.StatusOK, status)
}

// Event feed

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SubscribeEvents relays every ledger event onto the WebSocket feed.
func (g *Gateway) SubscribeEvents() error {
	if g.msg == nil {
		return nil
	}
	for _, subject := range []string{"payment.>", "account.>", "cashback.>"} {
		if err := g.msg.Subscribe(subject, func(msg *nats.Msg) {
			g.broadcast(msg.Data)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.id] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *wsClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.id)
		g.wsMu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	// The feed is one way; reads only surface closes.
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}

func (g *Gateway) broadcast(message []byte) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		select {
		case client.send <- message:
		default:
			// A slow consumer drops events rather than blocking the feed.
		}
	}
}

type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func (rl *rateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.window)
	valid := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, time.Now())
	return true
}
