// Package session владеет единственной сессией приема телеметрии:
// транспортом, буфером истории и CSV буфером. Все изменения состояния
// выполняются в одной горутине цикла событий.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"rocket-groundstation/common"
	"rocket-groundstation/history"
	"rocket-groundstation/hub"
	"rocket-groundstation/serial"
	"rocket-groundstation/telemetry"
)

var (
	// ErrNotConnected - команда пришла, когда транспорт не открыт
	ErrNotConnected = errors.New("serial port not connected")
	// ErrWriteFailed - транспорт не принял команду
	ErrWriteFailed = errors.New("serial write failed")
)

// notConnectedMessage отправляется зрителю без открытого порта
const notConnectedMessage = "Serial port not connected"

// State - состояние транспортной сессии
type State int32

const (
	Closed State = iota
	Opening
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Opening:
		return "opening"
	case Open:
		return "open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Sink - CSV буфер одной сессии
type Sink interface {
	Enqueue(rec *common.Telemetry) error
	Flush()
	Close() error
	Name() string
	Status() common.BufferStatus
}

// SinkFactory создает CSV буфер при открытии сессии
type SinkFactory func(started time.Time) (Sink, error)

// Viewers - реестр зрителей с рассылкой
type Viewers interface {
	hub.Broadcaster
	Add(v hub.Viewer)
	Remove(v hub.Viewer)
}

// Mirror дублирует поток во внешнюю систему (MQTT)
type Mirror interface {
	PublishRecord(rec *common.Telemetry)
	PublishRaw(line string)
}

// Stats получает счетчики сессии, реализуется пакетом metrics
type Stats interface {
	FrameDecoded(accepted bool, reason string)
	CommandSent(result string)
	SessionOpen(open bool)
}

type noopStats struct{}

func (noopStats) FrameDecoded(bool, string) {}
func (noopStats) CommandSent(string)        {}
func (noopStats) SessionOpen(bool)          {}

// Config - параметры сессии
type Config struct {
	Revision     telemetry.Revision
	DefaultBaud  int
	WriteTimeout time.Duration
	MaxLine      int
	HistorySize  int
}

// Deps - внешние зависимости сессии. Mirror и Stats необязательны.
type Deps struct {
	Opener  serial.Opener
	Lister  serial.Lister
	Sinks   SinkFactory
	Viewers Viewers
	Mirror  Mirror
	Stats   Stats
	Clock   func() time.Time
	Logger  *slog.Logger
}

// Session - сессия приема. Методы можно вызывать из любой горутины:
// они ставят задачу в цикл событий, запущенный Run.
type Session struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	decoder *telemetry.Decoder

	ops  chan func()
	done chan struct{}
	ctx  context.Context

	// Состояние цикла событий
	state State
	gen   uint64
	conn  *serial.Conn
	sink  Sink
	ring  *history.Ring

	// Копии для чтения вне цикла
	current atomic.Int32
	status  atomic.Pointer[common.SerialStatus]
}

// New создает сессию в состоянии Closed
func New(cfg Config, deps Deps) *Session {
	if !cfg.Revision.Valid() {
		cfg.Revision = telemetry.Extended
	}
	if cfg.DefaultBaud <= 0 {
		cfg.DefaultBaud = 9600
	}
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = serial.DefaultMaxLine
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = history.DefaultSize
	}
	if deps.Lister == nil {
		deps.Lister = serial.ListPorts
	}
	if deps.Stats == nil {
		deps.Stats = noopStats{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Session{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With("component", "session"),
		decoder: telemetry.NewDecoder(cfg.Revision, deps.Clock),
		ops:     make(chan func(), 64),
		done:    make(chan struct{}),
		ctx:     context.Background(),
		ring:    history.NewRing(cfg.HistorySize),
	}
	s.status.Store(&common.SerialStatus{})
	return s
}

// Run обрабатывает задачи до отмены ctx. При выходе открытая сессия
// закрывается с обязательным сбросом CSV буфера.
func (s *Session) Run(ctx context.Context) error {
	s.ctx = ctx
	defer close(s.done)

	s.logger.Info("session loop started", "revision", s.decoder.Revision().String(), "history", s.ring.Cap())
	for {
		select {
		case <-ctx.Done():
			s.closeConnection()
			s.logger.Info("session loop stopped")
			return nil
		case op := <-s.ops:
			op()
		}
	}
}

// State возвращает текущее состояние транспорта
func (s *Session) State() State {
	return State(s.current.Load())
}

// Status возвращает последнее опубликованное состояние порта
func (s *Session) Status() common.SerialStatus {
	return *s.status.Load()
}

// post ставит задачу в цикл; false, если цикл уже остановлен
func (s *Session) post(op func()) bool {
	select {
	case s.ops <- op:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) setState(state State) {
	s.state = state
	s.current.Store(int32(state))
}

// Connect открывает порт; открытая или открывающаяся сессия закрывается первой
func (s *Session) Connect(r common.Replier, path string, baudRate int) {
	s.post(func() { s.connect(r, path, baudRate) })
}

func (s *Session) connect(r common.Replier, path string, baudRate int) {
	if baudRate <= 0 {
		baudRate = s.cfg.DefaultBaud
	}
	if s.state != Closed {
		s.logger.Info("new connect request supersedes current session", "state", s.state.String(), "path", path)
		s.closeConnection()
	}

	s.gen++
	gen := s.gen
	s.setState(Opening)
	s.logger.Info("opening serial port", "path", path, "baud", baudRate)

	go func() {
		port, err := s.deps.Opener.Open(path, baudRate)
		delivered := s.post(func() { s.opened(r, gen, path, baudRate, port, err) })
		if !delivered && port != nil {
			port.Close()
		}
	}()
}

func (s *Session) opened(r common.Replier, gen uint64, path string, baudRate int, port serial.Port, err error) {
	if gen != s.gen || s.state != Opening {
		if port != nil {
			port.Close()
		}
		s.logger.Debug("stale open result discarded", "path", path)
		return
	}

	if err != nil {
		s.setState(Closed)
		s.logger.Error("serial open failed", "path", path, "error", err)
		r.Reply(common.EventSerialError, err.Error())
		return
	}

	sink, err := s.deps.Sinks(s.deps.Clock())
	if err != nil {
		port.Close()
		s.setState(Closed)
		s.logger.Error("csv sink creation failed, closing port", "path", path, "error", err)
		r.Reply(common.EventSerialError, fmt.Sprintf("CSV logging unavailable: %v", err))
		return
	}

	conn := serial.NewConn(port, path, baudRate, s.cfg.WriteTimeout)
	s.conn = conn
	s.sink = sink
	s.setState(Open)
	s.deps.Stats.SessionOpen(true)
	s.logger.Info("serial port opened", "path", conn.Path(), "baud", conn.BaudRate(), "csv", sink.Name())

	s.publishStatus(common.SerialStatus{Connected: true, Port: conn.Path(), BaudRate: conn.BaudRate()})
	s.deps.Viewers.Publish(common.EventCSVStatus, common.CSVStatus{Logging: true, Filename: sink.Name()})

	go s.readLoop(gen, conn)
}

// readLoop - единственный читатель порта; строки и ошибка уходят в цикл
func (s *Session) readLoop(gen uint64, conn *serial.Conn) {
	frames := serial.NewFrameReader(conn.Reader(), '\n', s.cfg.MaxLine)
	err := frames.Each(func(line string) {
		s.post(func() { s.onLine(gen, line) })
	})
	if dropped := frames.Dropped(); dropped > 0 {
		s.logger.Warn("over-long lines dropped", "path", conn.Path(), "dropped", dropped)
	}
	s.post(func() { s.onReadError(gen, err) })
}

func (s *Session) onLine(gen uint64, line string) {
	if gen != s.gen || s.state != Open {
		return
	}

	raw := strings.TrimSpace(line)
	s.deps.Viewers.Publish(common.EventRawData, raw)
	if s.deps.Mirror != nil {
		s.deps.Mirror.PublishRaw(raw)
	}

	res := s.decoder.Decode(line)
	if !res.Accepted() {
		s.deps.Stats.FrameDecoded(false, res.Rejection.Reason)
		s.logger.Debug("line rejected", "reason", res.Rejection.Reason, "fields", res.Rejection.Fields, "want", res.Rejection.Want)
		return
	}
	s.deps.Stats.FrameDecoded(true, "")

	rec := res.Record
	if t, ok := telemetry.DeviceTime(rec.Timestamp); ok {
		s.logger.Debug("record accepted", "mode", rec.ModeName, "device_time", t)
	}
	s.ring.Append(rec)
	s.deps.Viewers.Publish(common.EventTelemetryData, rec)
	if err := s.sink.Enqueue(rec); err != nil {
		s.logger.Error("csv enqueue failed", "error", err)
	}
	if s.deps.Mirror != nil {
		s.deps.Mirror.PublishRecord(rec)
	}
}

func (s *Session) onReadError(gen uint64, err error) {
	if gen != s.gen || s.state != Open {
		return
	}

	msg := "serial port closed"
	if err != nil && !errors.Is(err, io.EOF) {
		msg = err.Error()
	}
	s.logger.Warn("serial read ended, closing session", "path", s.conn.Path(), "error", err)
	s.deps.Viewers.Publish(common.EventSerialError, msg)
	s.closeConnection()
}

// closeConnection переводит сессию в Closed. Из Open: сначала финальный
// сброс CSV буфера, потом освобождение порта.
func (s *Session) closeConnection() {
	switch s.state {
	case Closed:
		return
	case Opening:
		s.logger.Info("pending open abandoned")
	case Open:
		path := s.conn.Path()
		if err := s.sink.Close(); err != nil {
			s.logger.Error("csv final flush failed", "file", s.sink.Name(), "error", err)
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("serial close failed", "path", path, "error", err)
		}
		s.sink = nil
		s.conn = nil
		s.deps.Stats.SessionOpen(false)
		s.logger.Info("serial port closed", "path", path)
		s.deps.Viewers.Publish(common.EventCSVStatus, common.CSVStatus{Logging: false})
	}

	s.gen++
	s.setState(Closed)
	s.publishStatus(common.SerialStatus{Connected: false})
}

func (s *Session) publishStatus(st common.SerialStatus) {
	s.status.Store(&st)
	s.deps.Viewers.Publish(common.EventSerialStatus, st)
}

// Disconnect закрывает текущую сессию
func (s *Session) Disconnect(r common.Replier) {
	s.post(func() {
		if s.state == Closed {
			r.Reply(common.EventSerialStatus, common.SerialStatus{Connected: false})
			return
		}
		s.closeConnection()
	})
}

// ListPorts отправляет запросившему список доступных портов
func (s *Session) ListPorts(r common.Replier) {
	go func() {
		ports, err := s.deps.Lister()
		if err != nil {
			s.logger.Error("port listing failed", "error", err)
			r.Reply(common.EventPortsError, err.Error())
			return
		}
		if ports == nil {
			ports = []serial.PortInfo{}
		}
		s.logger.Info("ports listed", "count", len(ports))
		r.Reply(common.EventPortsList, ports)
	}()
}

// Clear очищает буфер истории. CSV буфер не затрагивается.
func (s *Session) Clear(r common.Replier) {
	s.post(func() {
		n := s.ring.Len()
		s.ring.Clear()
		s.logger.Info("history cleared", "records", n)
		s.deps.Viewers.Publish(common.EventDataCleared, nil)
	})
}

// SendCommand пишет команду в порт; результат получает только r
func (s *Session) SendCommand(r common.Replier, text string, raw bool) {
	sentEvent, errEvent := common.EventCommandSent, common.EventCommandError
	if raw {
		sentEvent, errEvent = common.EventRawCommandSent, common.EventRawCommandError
	}

	s.post(func() {
		if s.state != Open {
			s.deps.Stats.CommandSent("not_connected")
			s.logger.Warn("command rejected, port not open", "command", text)
			r.Reply(errEvent, notConnectedMessage)
			return
		}

		conn, ctx := s.conn, s.ctx
		go func() {
			if err := s.write(ctx, conn, text); err != nil {
				s.logger.Warn("command failed", "command", text, "error", err)
				r.Reply(errEvent, commandErrorMessage(err))
				return
			}
			s.deps.Stats.CommandSent("success")
			s.logger.Info("command sent", "command", text, "raw", raw)
			r.Reply(sentEvent, common.CommandAck{Command: text, Timestamp: s.deps.Clock().UTC()})
		}()
	})
}

func (s *Session) write(ctx context.Context, conn *serial.Conn, text string) error {
	err := conn.WriteLine(ctx, text)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, serial.ErrNotConnected):
		s.deps.Stats.CommandSent("not_connected")
		return ErrNotConnected
	default:
		s.deps.Stats.CommandSent("failed")
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
}

func commandErrorMessage(err error) string {
	if errors.Is(err, ErrNotConnected) {
		return notConnectedMessage
	}
	return err.Error()
}
