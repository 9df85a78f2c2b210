package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/edgeflare/scoot/pkg/db"
	"github.com/edgeflare/scoot/pkg/metrics"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Ingestion outcomes, used as metric labels.
const (
	OutcomeStored     = "stored"
	OutcomeDuplicate  = "duplicate"
	OutcomeInvalid    = "invalid"
	OutcomeFailed     = "failed"
	OutcomeDeadLetter = "dead_letter"
)

const (
	insertGeneral = `INSERT INTO general_info (time, speed_kmh, trip_distance_m, uptime_sec, total_distance_m, est_distance_left_km, frame_temp)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	insertBattery = `INSERT INTO battery_info (time, capacity, percent, voltage, current, temp1, temp2)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	insertLocation = `INSERT INTO location_info (time, location, altitude, gps_speed)
VALUES ($1, ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography, $4, $5)`
)

// Mirror receives every committed message. Implementations must not block.
type Mirror interface {
	Write(m Message)
}

// Ingester stores telemetry messages.
type Ingester struct {
	db     db.Beginner
	logger *zap.Logger
	mirror Mirror
}

// NewIngester creates an Ingester writing through b. mirror may be nil.
func NewIngester(b db.Beginner, logger *zap.Logger, mirror Mirror) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{
		db:     b,
		logger: logger.With(zap.String("component", "ingest")),
		mirror: mirror,
	}
}

// Ingest decodes payload and stores it. A message whose timestamp is already
// stored is skipped and reported as success.
func (i *Ingester) Ingest(ctx context.Context, payload []byte) error {
	m, err := Decode(payload)
	if err != nil {
		metrics.TelemetryMessages.WithLabelValues(OutcomeInvalid).Inc()
		return err
	}
	return i.Store(ctx, m)
}

// Store writes the three rows of m in one transaction. Either all rows are
// committed or none are.
func (i *Ingester) Store(ctx context.Context, m Message) error {
	start := time.Now()
	err := i.store(ctx, m)
	metrics.IngestDuration.Observe(time.Since(start).Seconds())

	switch {
	case IsDuplicate(err):
		i.logger.Info("Telemetry already stored, skipping", zap.Time("timestamp", m.Timestamp))
		metrics.TelemetryMessages.WithLabelValues(OutcomeDuplicate).Inc()
		return nil
	case err != nil:
		metrics.TelemetryMessages.WithLabelValues(OutcomeFailed).Inc()
		return err
	}

	i.logger.Debug("Telemetry stored", zap.Time("timestamp", m.Timestamp))
	metrics.TelemetryMessages.WithLabelValues(OutcomeStored).Inc()
	if i.mirror != nil {
		i.mirror.Write(m)
	}
	return nil
}

func (i *Ingester) store(ctx context.Context, m Message) (err error) {
	tx, err := i.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		// Roll back even when ctx is already cancelled.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			i.logger.Error("Failed to roll back telemetry transaction", zap.Error(rbErr))
		}
	}()

	g, b, l := m.General, m.Battery, m.Location
	if _, err = tx.Exec(ctx, insertGeneral, m.Timestamp,
		g.SpeedKmh, g.TripDistanceM, g.UptimeSec, g.TotalDistanceM, g.EstDistanceLeftKm, g.FrameTemp); err != nil {
		return fmt.Errorf("failed to insert general_info: %w", err)
	}
	if _, err = tx.Exec(ctx, insertBattery, m.Timestamp,
		b.Capacity, b.Percent, b.Voltage, b.Current, b.Temp1, b.Temp2); err != nil {
		return fmt.Errorf("failed to insert battery_info: %w", err)
	}
	if _, err = tx.Exec(ctx, insertLocation, m.Timestamp,
		l.Longitude, l.Latitude, l.Altitude, l.GPSSpeed); err != nil {
		return fmt.Errorf("failed to insert location_info: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit telemetry: %w", err)
	}
	return nil
}
