package common

import (
	"math"
	"strconv"
	"time"
)

// Float - число с плавающей точкой, которое сериализуется в JSON как null,
// если значение NaN или бесконечность (encoding/json такие значения не принимает)
type Float float64

// MarshalJSON реализует json.Marshaler
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'f', -1, 64), nil
}

// IsNaN сообщает, что поле не удалось разобрать
func (f Float) IsNaN() bool {
	return math.IsNaN(float64(f))
}

// IMUBlock - данные инерциального модуля (MPU9250), есть только в расширенной ревизии протокола
type IMUBlock struct {
	AccelX         Float `json:"accel_x"` // g
	AccelY         Float `json:"accel_y"`
	AccelZ         Float `json:"accel_z"`
	GyroX          Float `json:"gyro_x"` // deg/s
	GyroY          Float `json:"gyro_y"`
	GyroZ          Float `json:"gyro_z"`
	MagX           Float `json:"mag_x"` // µT
	MagY           Float `json:"mag_y"`
	MagZ           Float `json:"mag_z"`
	IMUTemperature Float `json:"imu_temperature"` // °C
	IMUValid       bool  `json:"imu_valid"`
}

// PowerBlock - данные датчика питания (INA260)
type PowerBlock struct {
	BusVoltage Float `json:"bus_voltage"` // V
	Current    Float `json:"current"`     // mA
	PowerMW    Float `json:"power"`       // mW
	PowerValid bool  `json:"power_valid"`
}

// Telemetry представляет один принятый кадр телеметрии.
// После создания декодером запись не изменяется; буфер истории, CSV буфер
// и рассылка держат ссылки на один и тот же экземпляр.
type Telemetry struct {
	Timestamp        string `json:"timestamp"` // Часы устройства, единицы не определены
	Mode             int    `json:"mode"`
	ModeName         string `json:"mode_name"`
	Latitude         Float  `json:"latitude"`
	Longitude        Float  `json:"longitude"`
	AltitudeGPS      Float  `json:"altitude_gps"`      // m
	AltitudePressure Float  `json:"altitude_pressure"` // m
	Pressure         Float  `json:"pressure"`          // Pa
	GPSValid         bool   `json:"gps_valid"`
	PressureValid    bool   `json:"pressure_valid"`
	*IMUBlock
	*PowerBlock
	RSSI Float `json:"rssi"` // dBm

	// ServerTimestamp ставится в момент приема, это основной ключ упорядочивания
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// Replier получает прямые ответы на запрос: зритель или MQTT ответчик
type Replier interface {
	Reply(event string, payload any)
}

// Event - сообщение для зрителей: имя события и полезная нагрузка
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Имена событий сервер -> зритель
const (
	EventTelemetryHistory = "telemetry-history"
	EventTelemetryData    = "telemetry-data"
	EventRawData          = "raw-data"
	EventDataCleared      = "data-cleared"
	EventSerialStatus     = "serial-status"
	EventSerialError      = "serial-error"
	EventCSVStatus        = "csv-status"
	EventCSVBufferStatus  = "csv-buffer-status"
	EventPortsList        = "ports-list"
	EventPortsError       = "ports-error"
	EventCommandSent      = "command-sent"
	EventCommandError     = "command-error"
	EventRawCommandSent   = "raw-command-sent"
	EventRawCommandError  = "raw-command-error"
)

// Имена событий зритель -> сервер
const (
	EventConnectSerial    = "connect-serial"
	EventDisconnectSerial = "disconnect-serial"
	EventGetPorts         = "get-ports"
	EventClearData        = "clear-data"
	EventSendCommand      = "send-command"
	EventSendRawCommand   = "send-raw-command"
)

// SerialStatus - состояние транспортной сессии
type SerialStatus struct {
	Connected bool   `json:"connected"`
	Port      string `json:"port,omitempty"`
	BaudRate  int    `json:"baudRate,omitempty"`
}

// CSVStatus - состояние записи в CSV файл
type CSVStatus struct {
	Logging  bool   `json:"logging"`
	Filename string `json:"filename,omitempty"`
}

// BufferStatus - заполненность CSV буфера
type BufferStatus struct {
	BufferSize int   `json:"bufferSize"`
	MaxSize    int   `json:"maxSize"`
	LastFlush  int64 `json:"lastFlush"` // Unix ms
}

// CommandAck подтверждает отправку команды запросившему
type CommandAck struct {
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandMessage представляет входящую команду из MQTT
type CommandMessage struct {
	Command       string `json:"command"`        // Текст команды для устройства
	CorrelationID string `json:"correlation_id"` // ID для сопоставления запроса и ответа
	Raw           bool   `json:"raw"`            // Команда из терминала
}

// CommandResponse представляет ответ на команду
type CommandResponse struct {
	CorrelationID string    `json:"correlation_id"`
	Status        string    `json:"status"` // "success", "error"
	Command       string    `json:"command"`
	Error         string    `json:"error,omitempty"` // Описание ошибки если статус "error"
	Timestamp     time.Time `json:"timestamp"`
}
