package gclog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// EventType tags one GC log event.
type EventType int32

const (
	EventCycleStart EventType = 1
	EventCycleEnd   EventType = 2
	EventPhase      EventType = 3
	EventRegion     EventType = 4
	EventStall      EventType = 5
	EventError      EventType = 6
)

func (t EventType) String() string {
	switch t {
	case EventCycleStart:
		return "cycle-start"
	case EventCycleEnd:
		return "cycle-end"
	case EventPhase:
		return "phase"
	case EventRegion:
		return "region"
	case EventStall:
		return "stall"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one GC log entry. Seq is assigned by the log on append.
type Event struct {
	Seq    uint64
	Type   EventType
	Time   int64 // unix nanos
	Cycle  uint64
	Detail string
}

// ErrCorruptEvent reports a payload that fails structural or checksum
// validation.
var ErrCorruptEvent = errors.New("gclog: corrupted event")

// encodeEvent packs an event into a frame payload.
func encodeEvent(ev *Event) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, ev.Seq)
	binary.Write(buf, binary.LittleEndian, int32(ev.Type))
	binary.Write(buf, binary.LittleEndian, ev.Time)
	binary.Write(buf, binary.LittleEndian, ev.Cycle)
	binary.Write(buf, binary.LittleEndian, uint32(len(ev.Detail)))
	buf.WriteString(ev.Detail)
	return buf.Bytes()
}

// decodeEvent unpacks a frame payload.
func decodeEvent(payload []byte) (*Event, error) {
	r := bytes.NewReader(payload)
	var ev Event
	var typ int32
	var detailLen uint32
	if err := binary.Read(r, binary.LittleEndian, &ev.Seq); err != nil {
		return nil, ErrCorruptEvent
	}
	if err := binary.Read(r, binary.LittleEndian, &typ); err != nil {
		return nil, ErrCorruptEvent
	}
	if err := binary.Read(r, binary.LittleEndian, &ev.Time); err != nil {
		return nil, ErrCorruptEvent
	}
	if err := binary.Read(r, binary.LittleEndian, &ev.Cycle); err != nil {
		return nil, ErrCorruptEvent
	}
	if err := binary.Read(r, binary.LittleEndian, &detailLen); err != nil {
		return nil, ErrCorruptEvent
	}
	detail := make([]byte, detailLen)
	if _, err := io.ReadFull(r, detail); err != nil {
		return nil, ErrCorruptEvent
	}
	ev.Type = EventType(typ)
	ev.Detail = string(detail)
	return &ev, nil
}
