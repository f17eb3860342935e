package telemetry

import (
	"fmt"
	"strconv"
)

// Marker - первое поле каждого кадра телеметрии
const Marker = "TELEM"

// Revision - ревизия протокола. Ширина кадра в самом протоколе не передается,
// поэтому ревизия выбирается при открытии сессии и не угадывается по строке.
type Revision int

const (
	// Baseline - базовый кадр из 11 полей
	Baseline Revision = 11
	// Extended - кадр из 26 полей с блоками IMU и питания
	Extended Revision = 26
)

// ParseRevision разбирает ревизию из конфигурации ("11", "26", "baseline", "extended")
func ParseRevision(s string) (Revision, error) {
	switch s {
	case "11", "baseline":
		return Baseline, nil
	case "26", "extended":
		return Extended, nil
	}
	return 0, fmt.Errorf("unsupported protocol revision %q (allowed: 11, 26)", s)
}

// Valid проверяет, что ревизия поддерживается
func (r Revision) Valid() bool {
	return r == Baseline || r == Extended
}

// Fields возвращает точное количество полей кадра, включая маркер
func (r Revision) Fields() int {
	return int(r)
}

// HasIMU сообщает, содержит ли кадр блоки IMU и питания
func (r Revision) HasIMU() bool {
	return r == Extended
}

func (r Revision) String() string {
	switch r {
	case Baseline:
		return "baseline"
	case Extended:
		return "extended"
	}
	return "unknown(" + strconv.Itoa(int(r)) + ")"
}

// Таблицы режимов различаются между ревизиями прошивки
var modeNames = map[Revision]map[int]string{
	Baseline: {
		0: "SLEEP",
		1: "FLIGHT",
		2: "MAINTENANCE",
	},
	Extended: {
		0: "INIT",
		1: "PAD",
		2: "FLIGHT",
		3: "APOGEE",
		4: "DESCENT",
		5: "RECOVERY",
	},
}

// ModeName возвращает название режима для ревизии
func (r Revision) ModeName(mode int) string {
	if name, ok := modeNames[r][mode]; ok {
		return name
	}
	if mode < 0 {
		return "UNKNOWN"
	}
	return "MODE_" + strconv.Itoa(mode)
}
