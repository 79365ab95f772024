package stream

import (
	"encoding/json"
	"log/slog"

	"github.com/papertrade/marketstream/internal/events"
	"github.com/papertrade/marketstream/internal/metrics"
)

// controlSink receives session-control records that the dispatcher cannot
// act on itself. Implemented by the client run loop.
type controlSink interface {
	onAuthenticated()
}

// dispatcher parses inbound frames and routes typed records to the bus.
//
// A frame is a JSON array of independently tagged records; the feed batches
// updates and never sends a bare record. Dispatch is synchronous and
// preserves record order within a frame. Malformed frames and records are
// logged and dropped without disturbing the connection or sibling records.
type dispatcher struct {
	bus     *events.Bus
	control controlSink
	logger  *slog.Logger
	metrics *metrics.StreamMetrics
	stats   *statsCounter
}

func newDispatcher(bus *events.Bus, control controlSink, logger *slog.Logger, m *metrics.StreamMetrics, stats *statsCounter) *dispatcher {
	return &dispatcher{
		bus:     bus,
		control: control,
		logger:  logger,
		metrics: m,
		stats:   stats,
	}
}

// dispatch routes every record in one frame.
func (d *dispatcher) dispatch(frame []byte) {
	var records []json.RawMessage
	if err := json.Unmarshal(frame, &records); err != nil {
		d.parseError("frame is not a record array", err)
		return
	}

	for _, raw := range records {
		d.dispatchRecord(raw)
	}
}

// dispatchRecord routes a single tagged record to exactly one named event.
func (d *dispatcher) dispatchRecord(raw json.RawMessage) {
	var env recordEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.parseError("record missing type tag", err)
		return
	}

	switch env.Type {
	case tagSuccess:
		var ctl controlRecord
		if err := json.Unmarshal(raw, &ctl); err != nil {
			d.parseError("malformed success record", err)
			return
		}
		if ctl.Msg == "authenticated" {
			d.control.onAuthenticated()
		}
		d.stats.update(func(s *ClientStats) { s.RecordsDispatched++ })
		d.metrics.RecordDispatched()

	case tagSubscription:
		emitRecord[SubscriptionAck](d, raw, EventSubscription)
	case tagError:
		emitRecord[StreamError](d, raw, EventError)
	case tagTrade:
		emitRecord[Trade](d, raw, EventTrade)
	case tagQuote:
		emitRecord[Quote](d, raw, EventQuote)
	case tagBar:
		emitRecord[Bar](d, raw, EventBar)
	case tagStatus:
		emitRecord[TradingStatus](d, raw, EventStatus)
	case tagLULD:
		emitRecord[LULD](d, raw, EventLULD)
	case tagCorrection:
		emitRecord[TradeCorrection](d, raw, EventCorrection)

	default:
		d.logger.Debug("skipping unknown record type", "type", env.Type)
	}
}

// emitRecord parses one record as T and emits it. A record that fails to
// parse is skipped; siblings in the same frame still dispatch.
func emitRecord[T any](d *dispatcher, raw json.RawMessage, event string) {
	var rec T
	if err := json.Unmarshal(raw, &rec); err != nil {
		d.parseError("malformed "+event+" record", err)
		return
	}
	d.stats.update(func(s *ClientStats) { s.RecordsDispatched++ })
	d.metrics.RecordDispatched()
	d.bus.Emit(event, rec)
}

func (d *dispatcher) parseError(msg string, err error) {
	d.stats.update(func(s *ClientStats) { s.ParseErrors++ })
	d.metrics.ParseError()
	d.logger.Warn(msg, "error", err)
}
