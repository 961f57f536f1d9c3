package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePoint queues a point stamped now.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime queues a point at ts. Update events carry the moment
// they happened rather than the flush time. Points without fields, or
// written after Close, are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	if len(fields) == 0 || !c.IsConnected() {
		return
	}
	p := write.NewPointWithMeasurement(measurement).SetTime(ts)
	for k, v := range tags {
		p.AddTag(k, v)
	}
	for k, v := range fields {
		p.AddField(k, v)
	}
	c.writer.WritePoint(p)
}
