package logging

import (
	"time"

	"github.com/eunmann/fwlog/pkg/humanfmt"
	"github.com/rs/zerolog"
)

// Event helps build consistent completion log events.
type Event struct {
	log       zerolog.Logger
	event     string
	component string
	elapsed   time.Duration
	fields    map[string]interface{}
}

// NewEvent creates a new event builder.
func NewEvent(log zerolog.Logger, event, component string, elapsed time.Duration) *Event {
	return &Event{
		log:       log,
		event:     event,
		component: component,
		elapsed:   elapsed,
		fields:    make(map[string]interface{}),
	}
}

// Str adds a string field.
func (e *Event) Str(key, val string) *Event {
	e.fields[key] = val
	return e
}

// Int adds an int field.
func (e *Event) Int(key string, val int) *Event {
	e.fields[key] = val
	return e
}

// Uint32 adds a uint32 field.
func (e *Event) Uint32(key string, val uint32) *Event {
	e.fields[key] = val
	return e
}

// Bool adds a bool field.
func (e *Event) Bool(key string, val bool) *Event {
	e.fields[key] = val
	return e
}

// Hex adds a uint32 field rendered as 0x-prefixed hex.
func (e *Event) Hex(key string, val uint32) *Event {
	e.fields[key] = hex32(val)
	return e
}

// Bytes adds byte count with optional human-readable companion.
func (e *Event) Bytes(key string, n int64) *Event {
	e.fields[key] = n
	if IsPrettyMode() {
		e.fields[key+"_h"] = humanfmt.Bytes(n)
	}
	return e
}

// Usage adds used/capacity fields and the fill percentage.
func (e *Event) Usage(used, capacity int) *Event {
	e.fields["used"] = used
	e.fields["capacity"] = capacity
	if capacity > 0 {
		e.fields["usage_pct"] = float64(used) * 100.0 / float64(capacity)
		if IsPrettyMode() {
			e.fields["usage_h"] = humanfmt.Percent(int64(used), int64(capacity))
		}
	}
	return e
}

// Log emits the event at info level.
func (e *Event) Log(msg string) {
	e.emit(e.log.Info(), msg)
}

// LogDebug emits the event at debug level.
func (e *Event) LogDebug(msg string) {
	e.emit(e.log.Debug(), msg)
}

func (e *Event) emit(ev *zerolog.Event, msg string) {
	ev = ev.Str("event", e.event).Str("component", e.component)
	if e.elapsed > 0 {
		ev = ev.Int64("duration_us", e.elapsed.Microseconds())
		if IsPrettyMode() {
			ev = ev.Str("duration_h", humanfmt.Duration(e.elapsed))
		}
	}
	for k, v := range e.fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// FlushCompleted starts a flush_completed event.
func FlushCompleted(log zerolog.Logger, elapsed time.Duration) *Event {
	return NewEvent(log, "flush_completed", "flush", elapsed)
}

// FlushFailed starts a flush_failed event.
func FlushFailed(log zerolog.Logger, elapsed time.Duration) *Event {
	return NewEvent(log, "flush_failed", "flush", elapsed)
}

// StorageReady starts a storage_ready event.
func StorageReady(log zerolog.Logger) *Event {
	return NewEvent(log, "storage_ready", "storage", 0)
}

// BufferInitialized starts a buffer_initialized event.
func BufferInitialized(log zerolog.Logger) *Event {
	return NewEvent(log, "buffer_initialized", "ringbuf", 0)
}

func hex32(v uint32) string {
	const digits = "0123456789abcdef"
	b := []byte("0x00000000")
	for i := 9; i >= 2; i-- {
		b[i] = digits[v&0xF]
		v >>= 4
	}
	return string(b)
}
