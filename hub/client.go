package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rocket-groundstation/common"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// inbound - конверт сообщения от зрителя
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client - зритель, подключенный по websocket
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan common.Event
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newClient(id string, conn *websocket.Conn, buffer int, logger *slog.Logger) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan common.Event, buffer),
		done:   make(chan struct{}),
		logger: logger.With("viewer", id),
	}
}

// ID реализует Viewer
func (c *Client) ID() string {
	return c.id
}

// Send реализует Viewer: ставит событие в очередь без ожидания
func (c *Client) Send(ev common.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// Reply отправляет событие только этому зрителю
func (c *Client) Reply(event string, payload any) {
	if !c.Send(common.Event{Name: event, Data: payload}) {
		c.logger.Warn("reply dropped", "event", event)
	}
}

// Close останавливает отправку; соединение закрывает writePump
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// writePump - единственный писатель в соединение
func (c *Client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("websocket write failed", "event", ev.Name, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

// readPump читает события зрителя до ошибки или закрытия соединения
func (c *Client) readPump(pingInterval time.Duration, dispatch func(event string, data json.RawMessage)) {
	readWait := 2 * pingInterval
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket closed unexpectedly", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			c.logger.Warn("malformed viewer message ignored", "size", len(data))
			continue
		}
		dispatch(msg.Event, msg.Data)
	}
}
