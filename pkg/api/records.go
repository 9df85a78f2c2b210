package api

import (
	"fmt"
	"time"

	"github.com/edgeflare/scoot/pkg/db"
	"github.com/jackc/pgx/v5"
)

// Geometry is a GeoJSON geometry kept as raw JSON.
type Geometry []byte

func (g *Geometry) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*g = nil
	case string:
		*g = Geometry(v)
	case []byte:
		*g = append((*g)[:0], v...)
	default:
		return fmt.Errorf("cannot scan %T into Geometry", src)
	}
	return nil
}

func (g *Geometry) UnmarshalJSON(b []byte) error {
	*g = append((*g)[:0], b...)
	return nil
}

func (g Geometry) MarshalJSON() ([]byte, error) {
	if len(g) == 0 {
		return []byte("null"), nil
	}
	return g, nil
}

type GeneralRecord struct {
	Time              time.Time `json:"time" db:"time"`
	SpeedKmh          float64   `json:"speed_kmh" db:"speed_kmh"`
	TripDistanceM     float64   `json:"trip_distance_m" db:"trip_distance_m"`
	UptimeSec         int64     `json:"uptime_sec" db:"uptime_sec"`
	TotalDistanceM    float64   `json:"total_distance_m" db:"total_distance_m"`
	EstDistanceLeftKm float64   `json:"est_distance_left_km" db:"est_distance_left_km"`
	FrameTemp         float64   `json:"frame_temp" db:"frame_temp"`
}

type BatteryRecord struct {
	Time     time.Time `json:"time" db:"time"`
	Capacity int       `json:"capacity" db:"capacity"`
	Percent  int       `json:"percent" db:"percent"`
	Voltage  float64   `json:"voltage" db:"voltage"`
	Current  float64   `json:"current" db:"current"`
	Power    float64   `json:"power" db:"power"`
	Temp1    int       `json:"temp1" db:"temp1"`
	Temp2    int       `json:"temp2" db:"temp2"`
}

type LocationRecord struct {
	Time     time.Time `json:"time" db:"time"`
	GeoJSON  Geometry  `json:"geojson" db:"geojson"`
	Altitude float64   `json:"altitude" db:"altitude"`
	GPSSpeed float64   `json:"gps_speed" db:"gps_speed"`
}

// TelemetryRecord is one message joined across the three tables.
type TelemetryRecord struct {
	GeneralRecord
	Capacity int      `json:"capacity" db:"capacity"`
	Percent  int      `json:"percent" db:"percent"`
	Voltage  float64  `json:"voltage" db:"voltage"`
	Current  float64  `json:"current" db:"current"`
	Power    float64  `json:"power" db:"power"`
	Temp1    int      `json:"temp1" db:"temp1"`
	Temp2    int      `json:"temp2" db:"temp2"`
	GeoJSON  Geometry `json:"geojson" db:"geojson"`
	Altitude float64  `json:"altitude" db:"altitude"`
	GPSSpeed float64  `json:"gps_speed" db:"gps_speed"`
}

// Numeric columns are cast so they scan into float64.
var (
	generalColumns = []string{
		"time",
		"speed_kmh::float8 AS speed_kmh",
		"trip_distance_m::float8 AS trip_distance_m",
		"uptime_sec",
		"total_distance_m::float8 AS total_distance_m",
		"est_distance_left_km::float8 AS est_distance_left_km",
		"frame_temp::float8 AS frame_temp",
	}
	batteryColumns = []string{
		"time",
		"capacity",
		"percent::int AS percent",
		"voltage::float8 AS voltage",
		"current::float8 AS current",
		"power::float8 AS power",
		"temp1::int AS temp1",
		"temp2::int AS temp2",
	}
	locationColumns = []string{
		"time",
		"geojson",
		"altitude::float8 AS altitude",
		"gps_speed::float8 AS gps_speed",
	}
)

// Dataset is one readable table or view.
type Dataset struct {
	Table   string
	Columns []string
}

var (
	GeneralDataset   = Dataset{Table: "general_info", Columns: generalColumns}
	BatteryDataset   = Dataset{Table: "battery_info", Columns: batteryColumns}
	LocationDataset  = Dataset{Table: "location_info_geojson", Columns: locationColumns}
	TelemetryDataset = Dataset{
		Table: "telemetry",
		Columns: append(append(append([]string{}, generalColumns...),
			batteryColumns[1:]...), locationColumns[1:]...),
	}
)

// Query builds the range query for params.
func (d Dataset) Query(p Params) db.RangeQuery {
	return db.RangeQuery{
		Table:   d.Table,
		Columns: d.Columns,
		Start:   p.Start,
		End:     p.End,
		Order:   p.Order,
		Limit:   p.Size,
		Offset:  (p.Page - 1) * p.Size,
	}
}

var (
	scanGeneral   = pgx.RowToStructByName[GeneralRecord]
	scanBattery   = pgx.RowToStructByName[BatteryRecord]
	scanLocation  = pgx.RowToStructByName[LocationRecord]
	scanTelemetry = pgx.RowToStructByName[TelemetryRecord]
)
