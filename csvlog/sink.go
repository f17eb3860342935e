// Package csvlog пишет принятые кадры в CSV файл сессии пачками,
// не блокируя прием новых строк.
package csvlog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rocket-groundstation/common"
)

// ErrClosed возвращается Enqueue после Close
var ErrClosed = errors.New("csv sink closed")

// Финальный сброс при Close повторяется один раз после короткой паузы
const (
	finalFlushAttempts = 2
	finalRetryDelay    = 100 * time.Millisecond
)

// Config - политика сброса буфера
type Config struct {
	BatchSize     int           // Сброс при достижении размера
	FlushInterval time.Duration // Сброс, когда самая старая запись ждет столько
	MinDelay      time.Duration // Нижняя граница задержки таймера
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		BatchSize:     200,
		FlushInterval: 5 * time.Second,
		MinDelay:      time.Second,
	}
}

// Options - зависимости буфера; нулевые поля заменяются реальными реализациями
type Options struct {
	Scheduler Scheduler
	Executor  Executor
	Clock     func() time.Time
	Logger    *slog.Logger
	// OnStatus вызывается после каждого Enqueue и каждого успешного сброса
	OnStatus func(common.BufferStatus)
	// OnFlush вызывается после каждой попытки записи
	OnFlush func(records int, err error)
}

type entry struct {
	rec *common.Telemetry
	at  time.Time
}

// Sink накапливает записи и сбрасывает их в BatchWriter.
// Запись пачки удаляется из буфера только после успешной записи, при ошибке
// пачка остается и уходит при следующем сбросе. Одновременно идет не больше
// одной записи: новые записи в это время копятся в буфере.
type Sink struct {
	cfg    Config
	writer BatchWriter
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	idle      *sync.Cond
	pending   []entry
	writing   bool
	closed    bool
	timer     Timer
	timerSeq  uint64
	lastFlush time.Time
	written   int
}

// NewSink создает буфер для writer
func NewSink(cfg Config, writer BatchWriter, opts Options) *Sink {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = def.MinDelay
	}
	if opts.Scheduler == nil {
		opts.Scheduler = RealScheduler{}
	}
	if opts.Executor == nil {
		opts.Executor = GoExecutor{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Sink{
		cfg:       cfg,
		writer:    writer,
		opts:      opts,
		logger:    opts.Logger.With("component", "csvlog", "file", writer.Name()),
		lastFlush: opts.Clock(),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Name возвращает имя файла сессии
func (s *Sink) Name() string {
	return s.writer.Name()
}

// Enqueue добавляет запись в буфер и при необходимости запускает сброс
func (s *Sink) Enqueue(rec *common.Telemetry) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	now := s.opts.Clock()
	s.pending = append(s.pending, entry{rec: rec, at: now})
	due := len(s.pending) >= s.cfg.BatchSize || now.Sub(s.pending[0].at) >= s.cfg.FlushInterval
	if !due {
		s.armLocked(now)
	}
	status := s.statusLocked()
	s.mu.Unlock()

	s.emit(status)
	if due {
		s.Flush()
	}
	return nil
}

// Flush запускает асинхронную запись всего буфера.
// Если запись уже идет, ничего не делает: буфер уйдет следующей пачкой.
func (s *Sink) Flush() {
	s.mu.Lock()
	if s.closed || s.writing || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.batchLocked()
	s.writing = true
	s.stopTimerLocked()
	s.mu.Unlock()

	s.opts.Executor.Go(func() {
		err := s.writer.WriteBatch(batch)
		s.finish(len(batch), err)
	})
}

func (s *Sink) finish(n int, err error) {
	s.mu.Lock()
	s.writing = false
	now := s.opts.Clock()
	if err == nil {
		s.dropLocked(n)
		s.lastFlush = now
	}
	again := err == nil && !s.closed && len(s.pending) >= s.cfg.BatchSize
	if !s.closed && !again {
		s.armLocked(now)
	}
	status := s.statusLocked()
	s.idle.Broadcast()
	s.mu.Unlock()

	s.report(n, err)
	if err == nil {
		s.emit(status)
	}
	if again {
		s.Flush()
	}
}

// Close отменяет таймер, дожидается текущей записи и синхронно пишет остаток.
// Если финальная запись не удалась, возвращается ошибка с числом потерянных записей.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopTimerLocked()
	for s.writing {
		s.idle.Wait()
	}
	batch := s.batchLocked()
	s.writing = true
	s.mu.Unlock()

	var writeErr error
	for attempt := 1; len(batch) > 0 && attempt <= finalFlushAttempts; attempt++ {
		if attempt > 1 {
			s.logger.Warn("final flush failed, retrying", "records", len(batch), "error", writeErr)
			time.Sleep(finalRetryDelay)
		}
		writeErr = s.writer.WriteBatch(batch)
		s.report(len(batch), writeErr)
		if writeErr == nil {
			break
		}
	}

	s.mu.Lock()
	s.writing = false
	if writeErr == nil {
		s.dropLocked(len(batch))
		s.lastFlush = s.opts.Clock()
	}
	remaining := len(s.pending)
	status := s.statusLocked()
	s.idle.Broadcast()
	s.mu.Unlock()

	s.emit(status)
	closeErr := s.writer.Close()

	if writeErr != nil {
		s.logger.Error("final flush failed, records not persisted", "records", remaining, "error", writeErr)
		return fmt.Errorf("final flush of %d records: %w", remaining, writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", s.writer.Name(), closeErr)
	}
	s.logger.Info("csv sink closed", "written", s.Written())
	return nil
}

// Pending возвращает количество записей, ожидающих записи
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Written возвращает количество успешно записанных записей
func (s *Sink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Status возвращает текущую заполненность буфера
func (s *Sink) Status() common.BufferStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Sink) batchLocked() []*common.Telemetry {
	batch := make([]*common.Telemetry, len(s.pending))
	for i, e := range s.pending {
		batch[i] = e.rec
	}
	return batch
}

// dropLocked удаляет n записанных записей из начала буфера
func (s *Sink) dropLocked(n int) {
	rest := make([]entry, len(s.pending)-n)
	copy(rest, s.pending[n:])
	s.pending = rest
	s.written += n
}

// armLocked ставит таймер, если буфер не пуст и таймер еще не стоит.
// Задержка max(FlushInterval - возраст самой старой записи, MinDelay).
func (s *Sink) armLocked(now time.Time) {
	if s.timer != nil || len(s.pending) == 0 {
		return
	}
	delay := s.cfg.FlushInterval - now.Sub(s.pending[0].at)
	if delay < s.cfg.MinDelay {
		delay = s.cfg.MinDelay
	}
	s.timerSeq++
	seq := s.timerSeq
	s.timer = s.opts.Scheduler.AfterFunc(delay, func() { s.onTimer(seq) })
}

func (s *Sink) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// onTimer игнорирует срабатывание уже отмененного таймера
func (s *Sink) onTimer(seq uint64) {
	s.mu.Lock()
	if seq != s.timerSeq || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	s.Flush()
}

func (s *Sink) statusLocked() common.BufferStatus {
	return common.BufferStatus{
		BufferSize: len(s.pending),
		MaxSize:    s.cfg.BatchSize,
		LastFlush:  s.lastFlush.UnixMilli(),
	}
}

func (s *Sink) emit(status common.BufferStatus) {
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(status)
	}
}

func (s *Sink) report(n int, err error) {
	if err != nil {
		s.logger.Error("csv flush failed, batch retained", "records", n, "error", err)
	} else {
		s.logger.Debug("csv flush", "records", n)
	}
	if s.opts.OnFlush != nil {
		s.opts.OnFlush(n, err)
	}
}
