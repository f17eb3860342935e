package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"rocket-groundstation/common"
)

// Peer - зритель, которому можно ответить напрямую
type Peer interface {
	Viewer
	common.Replier
}

// Handler обрабатывает жизненный цикл зрителей и их события
type Handler interface {
	ViewerJoined(p Peer)
	ViewerLeft(p Peer)
	HandleEvent(p Peer, event string, data json.RawMessage)
}

// Config - параметры websocket сервера
type Config struct {
	SendBuffer     int           `mapstructure:"send_buffer"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"` // Пусто - любой Origin
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		SendBuffer:   256,
		PingInterval: 30 * time.Second,
	}
}

// Server принимает websocket подключения зрителей
type Server struct {
	cfg      Config
	handler  Handler
	upgrader websocket.Upgrader
	logger   *slog.Logger
	seq      atomic.Uint64

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewServer создает сервер, события зрителей уходят в handler
func NewServer(cfg Config, handler Handler, logger *slog.Logger) *Server {
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "ws"),
		clients: make(map[*Client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.logger.Warn("websocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
	return false
}

// ServeHTTP переводит запрос в websocket и обслуживает зрителя до отключения
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	id := fmt.Sprintf("viewer-%d", s.seq.Add(1))
	c := newClient(id, conn, s.cfg.SendBuffer, s.logger)
	s.track(c, true)
	defer s.track(c, false)

	s.logger.Info("viewer connected", "viewer", id, "remote_addr", r.RemoteAddr)
	go c.writePump(s.cfg.PingInterval)

	s.handler.ViewerJoined(c)
	c.readPump(s.cfg.PingInterval, func(event string, data json.RawMessage) {
		s.handler.HandleEvent(c, event, data)
	})
	c.Close()
	s.handler.ViewerLeft(c)
	s.logger.Info("viewer disconnected", "viewer", id)
}

// Close отключает всех зрителей. Вызывается при остановке HTTP сервера,
// так как Shutdown не закрывает перехваченные соединения.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.Close()
	}
}

func (s *Server) track(c *Client, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.clients[c] = struct{}{}
	} else {
		delete(s.clients, c)
	}
}
