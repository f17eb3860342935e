package telemetry

import (
	"strconv"
	"strings"
	"time"
)

// epochThreshold - числа больше этого значения считаются миллисекундами Unix.
// Прошивка единицы не документирует, это только догадка для отображения.
const epochThreshold = 1_000_000_000

// DeviceTime пытается интерпретировать часы устройства как время.
// ok == false, если значение не похоже на эпоху в миллисекундах.
func DeviceTime(raw string) (t time.Time, ok bool) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v <= epochThreshold {
		return time.Time{}, false
	}
	return time.UnixMilli(v).UTC(), true
}
