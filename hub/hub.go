// Package hub рассылает события всем подключенным зрителям.
// Доставка не гарантируется: зритель с переполненной очередью теряет событие.
package hub

import (
	"log/slog"
	"sync"

	"rocket-groundstation/common"
)

// Broadcaster публикует событие всем текущим зрителям
type Broadcaster interface {
	Publish(event string, payload any)
}

// Viewer - получатель событий. Send не блокируется и возвращает false,
// если событие не поставлено в очередь.
type Viewer interface {
	ID() string
	Send(ev common.Event) bool
}

// Stats получает счетчики рассылки, реализуется пакетом metrics
type Stats interface {
	EventDropped(event string)
	Viewers(n int)
}

type noopStats struct{}

func (noopStats) EventDropped(string) {}
func (noopStats) Viewers(int)         {}

// Hub - потокобезопасный реестр зрителей
type Hub struct {
	mu      sync.RWMutex
	viewers map[string]Viewer
	stats   Stats
	logger  *slog.Logger
}

// New создает пустой реестр. stats может быть nil.
func New(logger *slog.Logger, stats Stats) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = noopStats{}
	}
	return &Hub{
		viewers: make(map[string]Viewer),
		stats:   stats,
		logger:  logger.With("component", "hub"),
	}
}

// Add регистрирует зрителя, повторная регистрация заменяет прежнего
func (h *Hub) Add(v Viewer) {
	h.mu.Lock()
	h.viewers[v.ID()] = v
	n := len(h.viewers)
	h.mu.Unlock()

	h.stats.Viewers(n)
	h.logger.Info("viewer added", "viewer", v.ID(), "viewers", n)
}

// Remove снимает зрителя с рассылки
func (h *Hub) Remove(v Viewer) {
	h.mu.Lock()
	_, ok := h.viewers[v.ID()]
	delete(h.viewers, v.ID())
	n := len(h.viewers)
	h.mu.Unlock()

	if ok {
		h.stats.Viewers(n)
		h.logger.Info("viewer removed", "viewer", v.ID(), "viewers", n)
	}
}

// Count возвращает число зарегистрированных зрителей
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// Publish реализует Broadcaster
func (h *Hub) Publish(event string, payload any) {
	ev := common.Event{Name: event, Data: payload}

	h.mu.RLock()
	targets := make([]Viewer, 0, len(h.viewers))
	for _, v := range h.viewers {
		targets = append(targets, v)
	}
	h.mu.RUnlock()

	for _, v := range targets {
		if !v.Send(ev) {
			h.stats.EventDropped(event)
			h.logger.Warn("viewer queue full, event dropped", "viewer", v.ID(), "event", event)
		}
	}
}
