package analytics

import (
	"strconv"
	"time"
)

// measurement is the InfluxDB measurement all update events are written to.
const measurement = "ota_events"

// PointWriter is the subset of the InfluxDB client used by InfluxSink.
// Implementations must batch writes asynchronously.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time)
}

// InfluxSink writes events as points to InfluxDB.
type InfluxSink struct {
	writer PointWriter
	now    func() time.Time
}

// NewInfluxSink creates a sink over a non-blocking point writer.
func NewInfluxSink(w PointWriter) *InfluxSink {
	return &InfluxSink{writer: w, now: time.Now}
}

// Record implements Sink.
func (s *InfluxSink) Record(e Event) {
	ts := e.Time
	if ts.IsZero() {
		ts = s.now()
	}

	tags := map[string]string{
		"event":        string(e.Kind),
		"device_id":    e.DeviceID.String(),
		"product_type": string(e.ProductType),
	}
	fields := map[string]interface{}{
		"attempt": e.Attempt,
	}
	if e.Version != "" {
		fields["version"] = e.Version
	}
	if e.Kind == KindUpdateFinished {
		fields["success"] = e.Success
		tags["retry"] = strconv.FormatBool(e.Attempt > 0)
	}

	s.writer.WritePointWithTime(measurement, tags, fields, ts)
}
