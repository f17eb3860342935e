// Package mqtt дублирует поток телеметрии в MQTT брокер и принимает
// команды для устройства из топика запросов.
package mqtt

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"

	"rocket-groundstation/common"
)

// Config представляет конфигурацию MQTT клиента
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`          // Адрес брокера, например "tcp://localhost:1883"
	Username       string        `mapstructure:"username"`        // Имя пользователя (опционально)
	Password       string        `mapstructure:"password"`        // Пароль (опционально)
	ClientID       string        `mapstructure:"client_id"`       // ID клиента (генерируется если пустой)
	DataTopic      string        `mapstructure:"data_topic"`      // Топик записей телеметрии
	CommandTopic   string        `mapstructure:"command_topic"`   // Базовый топик команд
	QoS            byte          `mapstructure:"qos"`             // Quality of Service (0, 1, 2)
	KeepAlive      time.Duration `mapstructure:"keep_alive"`      // Интервал keep alive
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"` // Таймаут подключения
	QueueSize      int           `mapstructure:"queue_size"`      // Очередь публикации
}

// generateClientID генерирует случайный ID клиента
func generateClientID() string {
	bytes := make([]byte, 4)
	rand.Read(bytes)
	return "groundstation-" + hex.EncodeToString(bytes)
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		DataTopic:      "rocket/telemetry",
		CommandTopic:   "rocket/command",
		QoS:            1,
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 10 * time.Second,
		QueueSize:      1024,
	}
}

// RawTopic возвращает топик сырых строк
func (c Config) RawTopic() string { return c.DataTopic + "/raw" }

// RequestTopic возвращает топик входящих команд
func (c Config) RequestTopic() string { return c.CommandTopic + "/request" }

// ResponseTopic возвращает топик ответов на команды
func (c Config) ResponseTopic() string { return c.CommandTopic + "/response" }

// Commander исполняет команду и отвечает через Replier
type Commander interface {
	SendCommand(r common.Replier, text string, raw bool)
}

// CommanderFunc позволяет использовать функцию как Commander
type CommanderFunc func(r common.Replier, text string, raw bool)

// SendCommand реализует Commander
func (f CommanderFunc) SendCommand(r common.Replier, text string, raw bool) {
	f(r, text, raw)
}

type message struct {
	topic   string
	payload []byte
}

// Client представляет MQTT клиента
type Client struct {
	config     Config
	mqttClient mqttLib.Client
	commander  Commander
	queue      chan message
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	logger     *slog.Logger
	clock      func() time.Time
}

// NewClient создает MQTT клиента; Start подключает его к брокеру
func NewClient(config Config, commander Commander, logger *slog.Logger) *Client {
	if config.ClientID == "" {
		config.ClientID = generateClientID()
	}
	c := newClient(config, commander, logger)

	opts := mqttLib.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetKeepAlive(config.KeepAlive)
	opts.SetConnectTimeout(config.ConnectTimeout)
	opts.SetAutoReconnect(true)

	// Аутентификация если задана
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
		c.logger.Info("mqtt authentication enabled", "username", config.Username)
	} else {
		c.logger.Info("mqtt authentication disabled (anonymous mode)")
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(func(_ mqttLib.Client, err error) {
		c.logger.Warn("mqtt connection lost", "error", err)
	})
	opts.SetReconnectingHandler(func(mqttLib.Client, *mqttLib.ClientOptions) {
		c.logger.Info("reconnecting to mqtt broker")
	})

	c.mqttClient = mqttLib.NewClient(opts)
	return c
}

func newClient(config Config, commander Commander, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = def.KeepAlive
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:    config,
		commander: commander,
		queue:     make(chan message, config.QueueSize),
		stopChan:  make(chan struct{}),
		logger:    logger.With("component", "mqtt", "broker", config.Broker),
		clock:     time.Now,
	}
}

// Start подключается к брокеру и запускает цикл публикации
func (c *Client) Start() error {
	c.logger.Info("starting mqtt client", "client_id", c.config.ClientID)

	token := c.mqttClient.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("connect to mqtt broker %s: timeout after %s", c.config.Broker, c.config.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt broker %s: %w", c.config.Broker, err)
	}

	c.wg.Add(1)
	go c.publishLoop()

	c.logger.Info("mqtt client started")
	return nil
}

// Stop останавливает цикл публикации и отключается от брокера
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("stopping mqtt client")
		close(c.stopChan)
		c.wg.Wait()

		if c.mqttClient != nil && c.mqttClient.IsConnected() {
			c.mqttClient.Disconnect(250)
			c.logger.Info("mqtt client disconnected")
		}
	})
}

// IsConnected возвращает true если клиент подключен к брокеру
func (c *Client) IsConnected() bool {
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}

// onConnectHandler подписывается на команды при каждом (пере)подключении
func (c *Client) onConnectHandler(client mqttLib.Client) {
	c.logger.Info("connected to mqtt broker")

	topic := c.config.RequestTopic()
	token := client.Subscribe(topic, c.config.QoS, c.onCommandReceived)
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		c.logger.Error("mqtt subscribe timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Error("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	c.logger.Info("subscribed to command topic", "topic", topic)
}

// onCommandReceived передает команду сессии, ответ уходит в топик ответов
func (c *Client) onCommandReceived(_ mqttLib.Client, msg mqttLib.Message) {
	var cmd common.CommandMessage
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		c.logger.Warn("invalid mqtt command payload", "topic", msg.Topic(), "error", err)
		return
	}

	r := &responder{client: c, correlationID: cmd.CorrelationID, command: cmd.Command}
	if cmd.Command == "" {
		r.respond("error", "empty command")
		return
	}

	c.logger.Info("mqtt command received", "command", cmd.Command, "correlation_id", cmd.CorrelationID, "raw", cmd.Raw)
	c.commander.SendCommand(r, cmd.Command, cmd.Raw)
}

// PublishRecord реализует session.Mirror
func (c *Client) PublishRecord(rec *common.Telemetry) {
	payload, err := json.Marshal(rec)
	if err != nil {
		c.logger.Error("marshal telemetry record", "error", err)
		return
	}
	c.enqueue(c.config.DataTopic, payload)
}

// PublishRaw реализует session.Mirror
func (c *Client) PublishRaw(line string) {
	c.enqueue(c.config.RawTopic(), []byte(line))
}

// enqueue не блокирует цикл сессии: при переполненной очереди сообщение теряется
func (c *Client) enqueue(topic string, payload []byte) {
	select {
	case c.queue <- message{topic: topic, payload: payload}:
	default:
		c.logger.Debug("mqtt queue full, message dropped", "topic", topic)
	}
}

// publishLoop публикует сообщения из очереди
func (c *Client) publishLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		case msg := <-c.queue:
			if err := c.publish(msg); err != nil {
				c.logger.Warn("mqtt publish failed", "topic", msg.topic, "error", err)
			}
		}
	}
}

func (c *Client) publish(msg message) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	token := c.mqttClient.Publish(msg.topic, c.config.QoS, false, msg.payload)
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("publish to %s: timeout", msg.topic)
	}
	return token.Error()
}

// responder превращает ответы сессии в CommandResponse
type responder struct {
	client        *Client
	correlationID string
	command       string
}

// Reply реализует common.Replier
func (r *responder) Reply(event string, payload any) {
	switch event {
	case common.EventCommandSent, common.EventRawCommandSent:
		r.respond("success", "")
	default:
		msg, _ := payload.(string)
		if msg == "" {
			msg = fmt.Sprint(payload)
		}
		r.respond("error", msg)
	}
}

func (r *responder) respond(status, errMsg string) {
	resp := common.CommandResponse{
		CorrelationID: r.correlationID,
		Status:        status,
		Command:       r.command,
		Error:         errMsg,
		Timestamp:     r.client.clock().UTC(),
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		r.client.logger.Error("marshal command response", "error", err)
		return
	}
	r.client.enqueue(r.client.config.ResponseTopic(), payload)
	r.client.logger.Info("command response queued", "correlation_id", r.correlationID, "status", status)
}
