package telemetry

import (
	"math"
	"strconv"
	"strings"
	"time"

	"rocket-groundstation/common"
)

// Telemetry представляет декодированный кадр (используем общий тип)
type Telemetry = common.Telemetry

// Clock возвращает текущее время, в тестах подменяется
type Clock func() time.Time

// Причины отклонения строки
const (
	ReasonFieldCount = "field-count"
	ReasonMarker     = "marker"
)

// Rejection описывает строку, которая не стала кадром телеметрии.
// Это не ошибка: строка все равно уходит зрителям как сырые данные.
type Rejection struct {
	Reason string
	Fields int // Сколько полей было в строке
	Want   int // Сколько полей ожидалось
}

// Result - итог декодирования: либо Record, либо Rejection
type Result struct {
	Record    *Telemetry
	Rejection *Rejection
}

// Accepted сообщает, что строка стала кадром
func (r Result) Accepted() bool {
	return r.Record != nil
}

// Decoder разбирает строки одной ревизии протокола.
// Не предназначен для одновременного использования из нескольких горутин.
type Decoder struct {
	revision Revision
	clock    Clock
	last     time.Time // Последняя выданная серверная метка
}

// NewDecoder создает декодер для ревизии. Если clock == nil, используется time.Now.
func NewDecoder(revision Revision, clock Clock) *Decoder {
	if clock == nil {
		clock = time.Now
	}
	return &Decoder{revision: revision, clock: clock}
}

// Revision возвращает ревизию декодера
func (d *Decoder) Revision() Revision {
	return d.revision
}

// Decode разбирает одну строку. Структура проверяется строго (ширина и маркер),
// содержимое полей - нет: нечисловое поле превращается в NaN.
func (d *Decoder) Decode(line string) Result {
	parts := strings.Split(strings.TrimSpace(line), ",")

	if len(parts) != d.revision.Fields() {
		return Result{Rejection: &Rejection{Reason: ReasonFieldCount, Fields: len(parts), Want: d.revision.Fields()}}
	}
	if parts[0] != Marker {
		return Result{Rejection: &Rejection{Reason: ReasonMarker, Fields: len(parts), Want: d.revision.Fields()}}
	}

	mode := parseMode(parts[2])
	rec := &Telemetry{
		Timestamp:        strings.TrimSpace(parts[1]),
		Mode:             mode,
		ModeName:         d.revision.ModeName(mode),
		Latitude:         parseFloat(parts[3]),
		Longitude:        parseFloat(parts[4]),
		AltitudeGPS:      parseFloat(parts[5]),
		AltitudePressure: parseFloat(parts[6]),
		Pressure:         parseFloat(parts[7]),
		GPSValid:         parseBool(parts[8]),
		PressureValid:    parseBool(parts[9]),
	}

	if d.revision.HasIMU() {
		rec.IMUBlock = &common.IMUBlock{
			AccelX:         parseFloat(parts[10]),
			AccelY:         parseFloat(parts[11]),
			AccelZ:         parseFloat(parts[12]),
			GyroX:          parseFloat(parts[13]),
			GyroY:          parseFloat(parts[14]),
			GyroZ:          parseFloat(parts[15]),
			MagX:           parseFloat(parts[16]),
			MagY:           parseFloat(parts[17]),
			MagZ:           parseFloat(parts[18]),
			IMUTemperature: parseFloat(parts[19]),
			IMUValid:       parseBool(parts[20]),
		}
		rec.PowerBlock = &common.PowerBlock{
			BusVoltage: parseFloat(parts[21]),
			Current:    parseFloat(parts[22]),
			PowerMW:    parseFloat(parts[23]),
			PowerValid: parseBool(parts[24]),
		}
	}

	// RSSI всегда последнее поле
	rec.RSSI = parseFloat(parts[len(parts)-1])
	rec.ServerTimestamp = d.stamp()

	return Result{Record: rec}
}

// stamp возвращает серверную метку в UTC. Если системные часы отступили
// назад, повторяется предыдущая метка: ServerTimestamp не убывает.
func (d *Decoder) stamp() time.Time {
	now := d.clock().UTC()
	if now.Before(d.last) {
		return d.last
	}
	d.last = now
	return now
}

func parseFloat(s string) common.Float {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return common.Float(math.NaN())
	}
	return common.Float(v)
}

// parseMode возвращает -1 для нечислового режима
func parseMode(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return -1
	}
	return v
}

func parseBool(s string) bool {
	s = strings.TrimSpace(s)
	return s == "1" || strings.EqualFold(s, "true")
}
