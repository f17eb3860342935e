package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"rocket-groundstation/common"
	"rocket-groundstation/hub"
)

// baudValue принимает скорость числом или строкой ("115200" из выпадающего списка)
type baudValue int

func (b *baudValue) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*b = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid baud rate %q", s)
	}
	*b = baudValue(v)
	return nil
}

type connectRequest struct {
	Path     string    `json:"path"`
	BaudRate baudValue `json:"baudRate"`
}

// decodeCommand принимает строку или объект {"command": "..."}
func decodeCommand(data json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return text, nil
	}
	var obj struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("invalid command payload: %w", err)
	}
	return obj.Command, nil
}

// ViewerJoined реализует hub.Handler: новый зритель получает историю и
// текущие состояния (для открытой сессии и заполнение CSV буфера) до первого
// живого события.
func (s *Session) ViewerJoined(p hub.Peer) {
	s.post(func() {
		p.Reply(common.EventTelemetryHistory, s.ring.Snapshot())
		p.Reply(common.EventSerialStatus, s.Status())
		csv := common.CSVStatus{}
		if s.state == Open {
			csv = common.CSVStatus{Logging: true, Filename: s.sink.Name()}
		}
		p.Reply(common.EventCSVStatus, csv)
		if s.state == Open {
			p.Reply(common.EventCSVBufferStatus, s.sink.Status())
		}
		s.deps.Viewers.Add(p)
	})
}

// ViewerLeft реализует hub.Handler. Уход зрителя запускает страховочный сброс CSV.
func (s *Session) ViewerLeft(p hub.Peer) {
	left := s.post(func() {
		s.deps.Viewers.Remove(p)
		if s.state == Open {
			s.sink.Flush()
		}
	})
	if !left {
		s.deps.Viewers.Remove(p)
	}
}

// HandleEvent реализует hub.Handler
func (s *Session) HandleEvent(p hub.Peer, event string, data json.RawMessage) {
	switch event {
	case common.EventConnectSerial:
		var req connectRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Path == "" {
			s.logger.Warn("invalid connect request", "viewer", p.ID(), "error", err)
			p.Reply(common.EventSerialError, "port path is required")
			return
		}
		s.Connect(p, req.Path, int(req.BaudRate))

	case common.EventDisconnectSerial:
		s.Disconnect(p)

	case common.EventGetPorts:
		s.ListPorts(p)

	case common.EventClearData:
		s.Clear(p)

	case common.EventSendCommand, common.EventSendRawCommand:
		raw := event == common.EventSendRawCommand
		text, err := decodeCommand(data)
		if err != nil {
			s.logger.Warn("invalid command payload", "viewer", p.ID(), "error", err)
			errEvent := common.EventCommandError
			if raw {
				errEvent = common.EventRawCommandError
			}
			p.Reply(errEvent, err.Error())
			return
		}
		s.SendCommand(p, text, raw)

	default:
		s.logger.Warn("unknown viewer event ignored", "viewer", p.ID(), "event", event)
	}
}
