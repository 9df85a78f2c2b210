// Package telemetry ingests scooter telemetry published on the broker into
// PostgreSQL. Each message becomes one row in each of general_info,
// battery_info and location_info, written in a single transaction. The
// message timestamp is the natural key of all three tables, so redelivered
// messages are recognized and skipped.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var ErrInvalidTelemetry = errors.New("telemetry: invalid message")

// GeneralInfo holds ride statistics.
type GeneralInfo struct {
	SpeedKmh          float64 `json:"speed_kmh"`
	TripDistanceM     float64 `json:"trip_distance_m"`
	UptimeSec         int64   `json:"uptime_sec"`
	TotalDistanceM    float64 `json:"total_distance_m"`
	EstDistanceLeftKm float64 `json:"trip_distance_left_km"`
	FrameTemp         float64 `json:"frame_temp"`
}

// BatteryInfo holds the battery pack readings.
type BatteryInfo struct {
	Capacity int     `json:"capacity"`
	Percent  int     `json:"percent"`
	Voltage  float64 `json:"voltage"`
	Current  float64 `json:"current"`
	Temp1    int     `json:"temperature_1"`
	Temp2    int     `json:"temperature_2"`
}

// Power is the derived draw in watts. The database stores it as a generated
// column with the same definition.
func (b BatteryInfo) Power() float64 {
	return b.Voltage * b.Current
}

// LocationInfo is a GPS fix. Longitude and latitude are WGS 84 degrees.
type LocationInfo struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Altitude  float64 `json:"altitude"`
	GPSSpeed  float64 `json:"gps_speed"`
}

// Message is one decoded telemetry sample.
type Message struct {
	Timestamp time.Time
	General   GeneralInfo
	Battery   BatteryInfo
	Location  LocationInfo
}

// Wire fields are pointers so that absent and null values can be told apart
// from zero. Integer columns are read as numbers and rounded, since edge
// clients report uptime as a float.
type wireGeneral struct {
	SpeedKmh          *float64 `json:"speed_kmh"`
	TripDistanceM     *float64 `json:"trip_distance_m"`
	UptimeSec         *float64 `json:"uptime_sec"`
	TotalDistanceM    *float64 `json:"total_distance_m"`
	EstDistanceLeftKm *float64 `json:"trip_distance_left_km"`
	FrameTemp         *float64 `json:"frame_temp"`
}

type wireBattery struct {
	Capacity *float64 `json:"capacity"`
	Percent  *float64 `json:"percent"`
	Voltage  *float64 `json:"voltage"`
	Current  *float64 `json:"current"`
	Temp1    *float64 `json:"temperature_1"`
	Temp2    *float64 `json:"temperature_2"`
}

type wireLocation struct {
	Longitude *float64 `json:"longitude"`
	Latitude  *float64 `json:"latitude"`
	Altitude  *float64 `json:"altitude"`
	GPSSpeed  *float64 `json:"gps_speed"`
}

type wireMessage struct {
	Timestamp *time.Time `json:"timestamp"`
	wireGeneral
	Battery  *wireBattery  `json:"battery_info"`
	Location *wireLocation `json:"gpsinfo"`
}

// maxExactInt bounds integers that float64 represents exactly.
const maxExactInt = 1 << 53

// fields reads required wire values and collects the names of missing ones.
type fields struct {
	missing []string
	err     error
}

func (f *fields) float(name string, v *float64) float64 {
	if v == nil {
		f.missing = append(f.missing, name)
		return 0
	}
	return *v
}

func (f *fields) int(name string, v *float64) int64 {
	n := math.Round(f.float(name, v))
	if n < -maxExactInt || n > maxExactInt {
		if f.err == nil {
			f.err = fmt.Errorf("%w: %s %v out of range", ErrInvalidTelemetry, name, *v)
		}
		return 0
	}
	return int64(n)
}

// Decode parses and validates a telemetry payload. Every field is required;
// all failures wrap ErrInvalidTelemetry.
func Decode(payload []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(payload, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidTelemetry, err)
	}

	switch {
	case w.Timestamp == nil || w.Timestamp.IsZero():
		return Message{}, fmt.Errorf("%w: missing timestamp", ErrInvalidTelemetry)
	case w.Battery == nil:
		return Message{}, fmt.Errorf("%w: missing battery_info", ErrInvalidTelemetry)
	case w.Location == nil:
		return Message{}, fmt.Errorf("%w: missing gpsinfo", ErrInvalidTelemetry)
	}

	var f fields
	g, b, l := w.wireGeneral, w.Battery, w.Location
	m := Message{
		Timestamp: *w.Timestamp,
		General: GeneralInfo{
			SpeedKmh:          f.float("speed_kmh", g.SpeedKmh),
			TripDistanceM:     f.float("trip_distance_m", g.TripDistanceM),
			UptimeSec:         f.int("uptime_sec", g.UptimeSec),
			TotalDistanceM:    f.float("total_distance_m", g.TotalDistanceM),
			EstDistanceLeftKm: f.float("trip_distance_left_km", g.EstDistanceLeftKm),
			FrameTemp:         f.float("frame_temp", g.FrameTemp),
		},
		Battery: BatteryInfo{
			Capacity: int(f.int("battery_info.capacity", b.Capacity)),
			Percent:  int(f.int("battery_info.percent", b.Percent)),
			Voltage:  f.float("battery_info.voltage", b.Voltage),
			Current:  f.float("battery_info.current", b.Current),
			Temp1:    int(f.int("battery_info.temperature_1", b.Temp1)),
			Temp2:    int(f.int("battery_info.temperature_2", b.Temp2)),
		},
		Location: LocationInfo{
			Longitude: f.float("gpsinfo.longitude", l.Longitude),
			Latitude:  f.float("gpsinfo.latitude", l.Latitude),
			Altitude:  f.float("gpsinfo.altitude", l.Altitude),
			GPSSpeed:  f.float("gpsinfo.gps_speed", l.GPSSpeed),
		},
	}
	if len(f.missing) > 0 {
		return Message{}, fmt.Errorf("%w: missing %s", ErrInvalidTelemetry, strings.Join(f.missing, ", "))
	}
	if f.err != nil {
		return Message{}, f.err
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks value ranges that the database columns cannot hold.
func (m Message) Validate() error {
	l, b := m.Location, m.Battery
	switch {
	case math.IsNaN(l.Longitude) || l.Longitude < -180 || l.Longitude > 180:
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidTelemetry, l.Longitude)
	case math.IsNaN(l.Latitude) || l.Latitude < -90 || l.Latitude > 90:
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidTelemetry, l.Latitude)
	case b.Percent < 0 || b.Percent > 100:
		return fmt.Errorf("%w: battery percent %d out of range", ErrInvalidTelemetry, b.Percent)
	case b.Capacity < math.MinInt32 || b.Capacity > math.MaxInt32:
		return fmt.Errorf("%w: battery capacity %d out of range", ErrInvalidTelemetry, b.Capacity)
	case b.Temp1 < math.MinInt16 || b.Temp1 > math.MaxInt16:
		return fmt.Errorf("%w: battery temperature_1 %d out of range", ErrInvalidTelemetry, b.Temp1)
	case b.Temp2 < math.MinInt16 || b.Temp2 > math.MaxInt16:
		return fmt.Errorf("%w: battery temperature_2 %d out of range", ErrInvalidTelemetry, b.Temp2)
	}
	return nil
}

// MarshalJSON encodes m in the wire format accepted by Decode.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Timestamp time.Time `json:"timestamp"`
		GeneralInfo
		Battery  BatteryInfo  `json:"battery_info"`
		Location LocationInfo `json:"gpsinfo"`
	}{m.Timestamp, m.General, m.Battery, m.Location})
}
