package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const (
	DefaultMeasurement = "scooter_telemetry"
	influxPingTimeout  = 5 * time.Second
)

var ErrInfluxUnhealthy = errors.New("influxdb: server not healthy")

// InfluxConfig configures the InfluxDB mirror. An empty URL disables it.
type InfluxConfig struct {
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
	// FlushInterval is the batch flush interval.
	FlushInterval time.Duration `mapstructure:"flushInterval"`
}

// InfluxMirror copies committed telemetry to InfluxDB through the client's
// non-blocking, batching write API.
type InfluxMirror struct {
	client      influxdb2.Client
	writer      api.WriteAPI
	measurement string
}

// NewInfluxMirror connects to InfluxDB and verifies it with a ping.
func NewInfluxMirror(ctx context.Context, cfg InfluxConfig, logger *zap.Logger) (*InfluxMirror, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := influxdb2.DefaultOptions()
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	pingCtx, cancel := context.WithTimeout(ctx, influxPingTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb: ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, ErrInfluxUnhealthy
	}

	m := &InfluxMirror{
		client:      client,
		writer:      client.WriteAPI(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
	}
	if m.measurement == "" {
		m.measurement = DefaultMeasurement
	}

	// The channel is closed when the client closes.
	go func(errs <-chan error) {
		for err := range errs {
			logger.Warn("InfluxDB write failed", zap.Error(err))
		}
	}(m.writer.Errors())

	logger.Info("InfluxDB mirror enabled", zap.String("url", cfg.URL), zap.String("bucket", cfg.Bucket))
	return m, nil
}

// Write queues m for the next batch.
func (m *InfluxMirror) Write(msg Message) {
	m.writer.WritePoint(Point(m.measurement, msg))
}

// Close flushes pending points and closes the client.
func (m *InfluxMirror) Close() {
	m.writer.Flush()
	m.client.Close()
}

// Point converts msg to a single InfluxDB point stamped with its timestamp.
func Point(measurement string, msg Message) *write.Point {
	g, b, l := msg.General, msg.Battery, msg.Location
	return write.NewPoint(
		measurement,
		nil,
		map[string]any{
			"speed_kmh":            g.SpeedKmh,
			"trip_distance_m":      g.TripDistanceM,
			"uptime_sec":           g.UptimeSec,
			"total_distance_m":     g.TotalDistanceM,
			"est_distance_left_km": g.EstDistanceLeftKm,
			"frame_temp":           g.FrameTemp,
			"battery_capacity":     b.Capacity,
			"battery_percent":      b.Percent,
			"battery_voltage":      b.Voltage,
			"battery_current":      b.Current,
			"battery_power":        b.Power(),
			"battery_temp1":        b.Temp1,
			"battery_temp2":        b.Temp2,
			"longitude":            l.Longitude,
			"latitude":             l.Latitude,
			"altitude":             l.Altitude,
			"gps_speed":            l.GPSSpeed,
		},
		msg.Timestamp,
	)
}
