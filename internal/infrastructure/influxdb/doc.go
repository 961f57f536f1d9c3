// Package influxdb writes the update analytics stream to InfluxDB 2.x.
//
// Points are batched by the influxdb-client-go WriteAPI according to
// batch_size and flush_interval. internal/analytics decides what a point
// looks like; this package only moves them.
package influxdb
