// Package history хранит последние принятые кадры для новых зрителей.
package history

import "rocket-groundstation/common"

// DefaultSize - сколько кадров показывается на графиках при подключении
const DefaultSize = 100

// Ring - кольцевой буфер последних N кадров в порядке прихода.
// Вытеснение только по размеру. Не потокобезопасен: используется из цикла сессии.
type Ring struct {
	buf   []*common.Telemetry
	start int
	size  int
}

// NewRing создает буфер емкостью capacity (DefaultSize, если capacity <= 0)
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultSize
	}
	return &Ring{buf: make([]*common.Telemetry, capacity)}
}

// Append добавляет запись, вытесняя самую старую при переполнении
func (r *Ring) Append(rec *common.Telemetry) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = rec
		r.size++
		return
	}
	r.buf[r.start] = rec
	r.start = (r.start + 1) % len(r.buf)
}

// Snapshot возвращает копию содержимого от старых к новым
func (r *Ring) Snapshot() []*common.Telemetry {
	out := make([]*common.Telemetry, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Clear очищает буфер
func (r *Ring) Clear() {
	for i := range r.buf {
		r.buf[i] = nil
	}
	r.start = 0
	r.size = 0
}

// Len возвращает количество записей
func (r *Ring) Len() int {
	return r.size
}

// Cap возвращает емкость
func (r *Ring) Cap() int {
	return len(r.buf)
}
