package codec

import (
	"encoding/binary"
	"fmt"
)

// EventType tags the payload of an event characteristic notification.
type EventType uint8

const (
	EventTypeTemperature EventType = 1
	EventTypeOrientation EventType = 2
	EventTypeFreeFall    EventType = 3
	EventTypeButton      EventType = 4
	EventTypeActivity    EventType = 5
)

func (t EventType) String() string {
	switch t {
	case EventTypeTemperature:
		return "temperature"
	case EventTypeOrientation:
		return "orientation"
	case EventTypeFreeFall:
		return "free_fall"
	case EventTypeButton:
		return "button"
	case EventTypeActivity:
		return "activity"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// Event is a decoded device event. Only the field matching Type is set.
type Event struct {
	Type EventType

	Temperature float64 // °C
	Orientation uint8
	Presses     uint8
	Activity    uint16
}

// payload sizes per event type, excluding the type tag.
var eventSizes = map[EventType]int{
	EventTypeTemperature: 2,
	EventTypeOrientation: 1,
	EventTypeFreeFall:    0,
	EventTypeButton:      1,
	EventTypeActivity:    2,
}

func (e *Event) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty event")
	}
	typ := EventType(data[0])
	size, ok := eventSizes[typ]
	if !ok {
		return fmt.Errorf("unknown event type: %#x", data[0])
	}
	payload := data[1:]
	if len(payload) < size {
		return fmt.Errorf("short %v event: %#x", typ, data)
	}
	ev := Event{Type: typ}
	switch typ {
	case EventTypeTemperature:
		ev.Temperature = float64(int16(binary.LittleEndian.Uint16(payload))) / 100
	case EventTypeOrientation:
		ev.Orientation = payload[0]
	case EventTypeButton:
		ev.Presses = payload[0]
	case EventTypeActivity:
		ev.Activity = binary.LittleEndian.Uint16(payload)
	}
	*e = ev
	return nil
}

// DecodeEvent decodes an event characteristic notification.
func DecodeEvent(raw []byte) (Event, error) {
	var ev Event
	err := ev.UnmarshalBinary(raw)
	return ev, err
}
