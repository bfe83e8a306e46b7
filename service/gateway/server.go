package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"ChatGateway/global"
	"ChatGateway/logger"
	"ChatGateway/service/broker"
	"ChatGateway/service/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Server composes the gateway: registry, fan-out engine, dispatcher and
// the HTTP/WebSocket surface. One Server per process.
type Server struct {
	conf     *global.Config
	registry *Registry
	fanout   *Fanout
	disp     *Dispatcher
	engine   *Engine
	bus      broker.Broker

	authOpts security.Options
	upgrader websocket.Upgrader

	httpSrv  *http.Server
	stopOnce sync.Once
}

func NewServer(conf *global.Config, bus broker.Broker) (*Server, error) {
	registry := NewRegistry()
	fanout := NewFanout(conf.FanoutWorkers, conf.FanoutQueue)
	engine := NewEngine(conf.GatewayID, registry, fanout, bus)

	disp := NewDispatcher()
	RegisterHandlers(disp, engine)

	// Subscriptions must be live before the first connection is accepted.
	if err := engine.BindBroker(); err != nil {
		return nil, err
	}

	s := &Server{
		conf:     conf,
		registry: registry,
		fanout:   fanout,
		disp:     disp,
		engine:   engine,
		bus:      bus,
		authOpts: security.Options{Secret: []byte(conf.JWTSecret), Alg: conf.JWTAlg},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	// Built here so Run and Shutdown, which race in main, only read it.
	s.httpSrv = &http.Server{Addr: conf.ListenAddr, Handler: s.Routes()}
	return s, nil
}

func (s *Server) Registry() *Registry { return s.registry }
func (s *Server) Engine() *Engine     { return s.engine }

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.conf.AllowedOrigin == "*" {
		return true
	}
	return origin == s.conf.AllowedOrigin
}

// Routes builds the gin engine: the WebSocket endpoint plus a plain HTTP
// health check that works independently of the socket transport.
func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", s.HandleWS)
	r.GET("/health", s.HandleHealth)
	return r
}

type healthStatus struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	Timestamp      string `json:"timestamp"`
	ConnectedUsers int    `json:"connectedUsers"`
	BrokerDegraded bool   `json:"brokerDegraded"`
}

// HandleHealth reports liveness. Degraded broker state is surfaced here
// rather than hidden: local-only operation looks identical to clients.
func (s *Server) HandleHealth(c *gin.Context) {
	status := "healthy"
	if s.engine.Degraded() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, healthStatus{
		Status:         status,
		Service:        "websocket-gateway",
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		ConnectedUsers: s.registry.UserCount(),
		BrokerDegraded: s.engine.Degraded(),
	})
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	logger.Infof("[gateway] %s listening on %s", s.conf.GatewayID, s.conf.ListenAddr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown: stop accepting, close every live connection, close the broker,
// then drain the fan-out workers. The broker close is awaited and comes
// before the fanout close: once the workers' channels are closed, no bus
// delivery may reach Broadcast.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		logger.Info("[gateway] shutting down")

		if herr := s.httpSrv.Shutdown(ctx); herr != nil {
			err = herr
		}

		// Closing the clients unblocks their read loops; each one runs
		// its normal teardown (unregister, presence-offline).
		for _, c := range s.registry.AllClients() {
			c.Close()
		}
		s.waitDrained(ctx)

		if berr := s.bus.Close(); berr != nil && err == nil {
			err = berr
		}

		s.fanout.Close()
		logger.Info("[gateway] shutdown complete")
	})
	return err
}

func (s *Server) waitDrained(ctx context.Context) {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		if s.registry.ConnCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			logger.Warnf("[gateway] shutdown with %d connections still draining", s.registry.ConnCount())
			return
		case <-t.C:
		}
	}
}
