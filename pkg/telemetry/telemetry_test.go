package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edgeflare/scoot/internal/testutil"
	"github.com/edgeflare/scoot/pkg/broker"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeTx records statements. Only the methods used by Ingester are
// implemented; calling any other method panics on the nil embedded Tx.
type fakeTx struct {
	pgx.Tx
	execErrs   map[int]error
	commitErr  error
	execs      []string
	committed  bool
	rolledBack bool
}

func (tx *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	n := len(tx.execs)
	tx.execs = append(tx.execs, sql)
	if err := tx.execErrs[n]; err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (tx *fakeTx) Commit(context.Context) error {
	if tx.commitErr != nil {
		return tx.commitErr
	}
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	if tx.committed {
		return pgx.ErrTxClosed
	}
	tx.rolledBack = true
	return nil
}

// fakeDB hands out a fresh fakeTx per Begin. beginErrs are returned, in
// order, by the first Begin calls.
type fakeDB struct {
	mu        sync.Mutex
	beginErrs []error
	newTx     func() *fakeTx
	begins    int
	txs       []*fakeTx
}

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.begins++
	if len(d.beginErrs) > 0 {
		err := d.beginErrs[0]
		d.beginErrs = d.beginErrs[1:]
		return nil, err
	}
	tx := &fakeTx{}
	if d.newTx != nil {
		tx = d.newTx()
	}
	d.txs = append(d.txs, tx)
	return tx, nil
}

func (d *fakeDB) lastTx(t *testing.T) *fakeTx {
	t.Helper()
	require.NotEmpty(t, d.txs)
	return d.txs[len(d.txs)-1]
}

type recordingMirror struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recordingMirror) Write(m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func samplePayload(t *testing.T) []byte {
	return testutil.Fixture(t, "telemetry.json")
}

func txFailingAt(n int, err error) func() *fakeTx {
	return func() *fakeTx { return &fakeTx{execErrs: map[int]error{n: err}} }
}

func TestDecode(t *testing.T) {
	m, err := Decode(samplePayload(t))
	require.NoError(t, err)

	assert.True(t, m.Timestamp.Equal(time.Date(2024, 5, 4, 8, 15, 30, 0, time.UTC)))
	assert.Equal(t, GeneralInfo{
		SpeedKmh:          18.5,
		TripDistanceM:     1250,
		UptimeSec:         3600,
		TotalDistanceM:    152340,
		EstDistanceLeftKm: 22.4,
		FrameTemp:         31,
	}, m.General)
	assert.Equal(t, BatteryInfo{Capacity: 12000, Percent: 76, Voltage: 48.2, Current: 3.5, Temp1: 29, Temp2: 30}, m.Battery)
	assert.InDelta(t, 168.7, m.Battery.Power(), 1e-9)
	assert.Equal(t, LocationInfo{Longitude: 24.9384, Latitude: 60.1699, Altitude: 12.5, GPSSpeed: 18.1}, m.Location)
}

func TestMarshalMatchesWireFormat(t *testing.T) {
	want, err := testutil.LoadJSON("telemetry.json")
	require.NoError(t, err)

	m, err := Decode(samplePayload(t))
	require.NoError(t, err)
	b, err := json.Marshal(m)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, want, got)
}

// payloadWith returns the sample payload after edit has changed its decoded
// form.
func payloadWith(t *testing.T, edit func(m map[string]any)) []byte {
	t.Helper()
	m, err := testutil.LoadJSON("telemetry.json")
	require.NoError(t, err)
	edit(m)
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func section(m map[string]any, name string) map[string]any {
	if name == "" {
		return m
	}
	return m[name].(map[string]any)
}

var requiredFields = []struct{ section, key string }{
	{"", "speed_kmh"},
	{"", "trip_distance_m"},
	{"", "uptime_sec"},
	{"", "total_distance_m"},
	{"", "trip_distance_left_km"},
	{"", "frame_temp"},
	{"battery_info", "capacity"},
	{"battery_info", "percent"},
	{"battery_info", "voltage"},
	{"battery_info", "current"},
	{"battery_info", "temperature_1"},
	{"battery_info", "temperature_2"},
	{"gpsinfo", "longitude"},
	{"gpsinfo", "latitude"},
	{"gpsinfo", "altitude"},
	{"gpsinfo", "gps_speed"},
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	for _, f := range requiredFields {
		name := strings.TrimPrefix(f.section+"."+f.key, ".")

		t.Run("missing "+name, func(t *testing.T) {
			_, err := Decode(payloadWith(t, func(m map[string]any) { delete(section(m, f.section), f.key) }))
			assert.ErrorIs(t, err, ErrInvalidTelemetry)
			assert.ErrorContains(t, err, name)
		})
		t.Run("null "+name, func(t *testing.T) {
			_, err := Decode(payloadWith(t, func(m map[string]any) { section(m, f.section)[f.key] = nil }))
			assert.ErrorIs(t, err, ErrInvalidTelemetry)
			assert.ErrorContains(t, err, name)
		})
	}

	_, err := Decode([]byte(`{"timestamp":"2024-01-01T00:00:00Z","battery_info":{},"gpsinfo":{}}`))
	assert.ErrorIs(t, err, ErrInvalidTelemetry)
	assert.ErrorContains(t, err, "gpsinfo.longitude")
}

func TestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name string
		edit func(m map[string]any)
	}{
		{"missing timestamp", func(m map[string]any) { delete(m, "timestamp") }},
		{"bad timestamp", func(m map[string]any) { m["timestamp"] = "yesterday" }},
		{"missing battery", func(m map[string]any) { delete(m, "battery_info") }},
		{"missing gps", func(m map[string]any) { delete(m, "gpsinfo") }},
		{"speed as text", func(m map[string]any) { m["speed_kmh"] = "fast" }},
		{"latitude out of range", func(m map[string]any) { section(m, "gpsinfo")["latitude"] = 91 }},
		{"longitude out of range", func(m map[string]any) { section(m, "gpsinfo")["longitude"] = -180.5 }},
		{"percent out of range", func(m map[string]any) { section(m, "battery_info")["percent"] = 101 }},
		{"temperature overflows smallint", func(m map[string]any) { section(m, "battery_info")["temperature_1"] = 40000 }},
		{"temperature underflows smallint", func(m map[string]any) { section(m, "battery_info")["temperature_2"] = -40000 }},
		{"capacity overflows integer", func(m map[string]any) { section(m, "battery_info")["capacity"] = 3e9 }},
		{"uptime beyond exact integers", func(m map[string]any) { m["uptime_sec"] = 1e300 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(payloadWith(t, tt.edit))
			assert.ErrorIs(t, err, ErrInvalidTelemetry)
		})
	}

	_, err := Decode([]byte(`{"timestamp":`))
	assert.ErrorIs(t, err, ErrInvalidTelemetry)
}

func TestDecodeEdgeClientPayload(t *testing.T) {
	// Shape produced by the scooter client: floats for uptime and
	// temperatures, local time with offset.
	payload := `{
		"timestamp": "2024-05-04T10:15:30.123456789+02:00",
		"speed_kmh": 17.3,
		"total_distance_m": 152340,
		"trip_distance_m": 1250,
		"trip_distance_left_km": 22.4,
		"uptime_sec": 1234.0,
		"frame_temp": 31.5,
		"battery_info": {"capacity": 12000, "percent": 76, "voltage": 48.2, "current": -1.25, "temperature_1": 29.0, "temperature_2": 30},
		"gpsinfo": {"latitude": 60.1699, "longitude": 24.9384, "altitude": 12.5, "gps_speed": 18.1}
	}`

	m, err := Decode([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(1234), m.General.UptimeSec)
	assert.Equal(t, 29, m.Battery.Temp1)
	assert.Equal(t, -1.25, m.Battery.Current)

	m, err = Decode(payloadWith(t, func(m map[string]any) { m["uptime_sec"] = 1234.6 }))
	require.NoError(t, err)
	assert.Equal(t, int64(1235), m.General.UptimeSec)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		duplicate bool
		permanent bool
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, true, false},
		{"wrapped unique violation", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true, false},
		{"check violation", &pgconn.PgError{Code: "23514"}, false, true},
		{"numeric out of range", &pgconn.PgError{Code: "22003"}, false, true},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, false, false},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, false, false},
		{"invalid payload", fmt.Errorf("%w: missing gpsinfo", ErrInvalidTelemetry), false, true},
		{"network", errors.New("connection reset by peer"), false, false},
		{"nil", nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.duplicate, IsDuplicate(tt.err))
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
		})
	}
}

func TestIngestCommitsAllRows(t *testing.T) {
	fdb := &fakeDB{}
	mirror := &recordingMirror{}
	ing := NewIngester(fdb, nil, mirror)

	require.NoError(t, ing.Ingest(context.Background(), samplePayload(t)))

	tx := fdb.lastTx(t)
	assert.Equal(t, []string{insertGeneral, insertBattery, insertLocation}, tx.execs)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	require.Len(t, mirror.msgs, 1)
	assert.Equal(t, 76, mirror.msgs[0].Battery.Percent)
}

func TestIngestDuplicateIsSuccess(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	fdb := &fakeDB{newTx: txFailingAt(0, &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint \"general_info_pkey\""})}
	mirror := &recordingMirror{}
	ing := NewIngester(fdb, zap.New(core), mirror)

	require.NoError(t, ing.Ingest(context.Background(), samplePayload(t)))

	tx := fdb.lastTx(t)
	assert.Len(t, tx.execs, 1)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
	assert.Empty(t, mirror.msgs)
	assert.Equal(t, 1, logs.FilterMessage("Telemetry already stored, skipping").Len())
}

func TestIngestRollsBackOnFailure(t *testing.T) {
	tests := []struct {
		name      string
		fdb       *fakeDB
		wantExecs int
		permanent bool
	}{
		{
			name:      "battery constraint violation",
			fdb:       &fakeDB{newTx: txFailingAt(1, &pgconn.PgError{Code: "23514"})},
			wantExecs: 2,
			permanent: true,
		},
		{
			name:      "location connection failure",
			fdb:       &fakeDB{newTx: txFailingAt(2, errors.New("conn closed"))},
			wantExecs: 3,
		},
		{
			name:      "commit failure",
			fdb:       &fakeDB{newTx: func() *fakeTx { return &fakeTx{commitErr: errors.New("serialization failure")} }},
			wantExecs: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mirror := &recordingMirror{}
			ing := NewIngester(tt.fdb, nil, mirror)

			err := ing.Ingest(context.Background(), samplePayload(t))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanent(err))

			tx := tt.fdb.lastTx(t)
			assert.Len(t, tx.execs, tt.wantExecs)
			assert.False(t, tx.committed)
			assert.True(t, tx.rolledBack)
			assert.Empty(t, mirror.msgs)
		})
	}
}

func TestIngestBeginFailure(t *testing.T) {
	fdb := &fakeDB{beginErrs: []error{errors.New("pool closed")}}
	err := NewIngester(fdb, nil, nil).Ingest(context.Background(), samplePayload(t))
	assert.ErrorContains(t, err, "pool closed")
}

func TestIngestInvalidPayloadTouchesNothing(t *testing.T) {
	fdb := &fakeDB{}
	err := NewIngester(fdb, nil, nil).Ingest(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidTelemetry)
	assert.Zero(t, fdb.begins)
}

func newBridge(fdb *fakeDB, tr broker.Transport, deadLetter string) *Bridge {
	return NewBridge(NewIngester(fdb, nil, nil), tr, BridgeOptions{
		Topic:                "scooter/telemetry",
		DeadLetterTopic:      deadLetter,
		RetryInitialInterval: time.Millisecond,
		RetryMaxElapsed:      200 * time.Millisecond,
	})
}

func TestBridgeRetriesTransientErrors(t *testing.T) {
	fdb := &fakeDB{beginErrs: []error{errors.New("connection refused"), errors.New("connection refused")}}
	b := newBridge(fdb, broker.NewMemory(), "")

	err := b.Handle(context.Background(), broker.Message{Topic: "scooter/telemetry", Payload: samplePayload(t)})
	require.NoError(t, err)
	assert.Equal(t, 3, fdb.begins)
	assert.True(t, fdb.lastTx(t).committed)
}

func TestBridgeLeavesMessageUnackedWhenRetriesExhausted(t *testing.T) {
	errs := make([]error, 10000)
	for i := range errs {
		errs[i] = errors.New("connection refused")
	}
	fdb := &fakeDB{beginErrs: errs}
	tr := broker.NewMemory()
	b := NewBridge(NewIngester(fdb, nil, nil), tr, BridgeOptions{
		Topic:                "scooter/telemetry",
		DeadLetterTopic:      "scooter/dead",
		RetryInitialInterval: time.Millisecond,
		RetryMaxElapsed:      20 * time.Millisecond,
	})

	err := b.Handle(context.Background(), broker.Message{Topic: "scooter/telemetry", Payload: samplePayload(t)})
	assert.ErrorContains(t, err, "connection refused")
	assert.Greater(t, fdb.begins, 1)
	assert.Empty(t, tr.PublishedOn("scooter/dead"))
}

func TestBridgeDeadLettersPermanentFailures(t *testing.T) {
	t.Run("invalid payload", func(t *testing.T) {
		fdb := &fakeDB{}
		tr := broker.NewMemory()
		b := newBridge(fdb, tr, "scooter/dead")

		require.NoError(t, b.Handle(context.Background(), broker.Message{Payload: []byte(`{"speed_kmh":1}`)}))
		assert.Zero(t, fdb.begins)
		dead := tr.PublishedOn("scooter/dead")
		require.Len(t, dead, 1)
		assert.Equal(t, `{"speed_kmh":1}`, string(dead[0].Payload))
	})

	t.Run("constraint violation is not retried", func(t *testing.T) {
		fdb := &fakeDB{newTx: txFailingAt(1, &pgconn.PgError{Code: "23514"})}
		tr := broker.NewMemory()
		b := newBridge(fdb, tr, "scooter/dead")

		require.NoError(t, b.Handle(context.Background(), broker.Message{Payload: samplePayload(t)}))
		assert.Equal(t, 1, fdb.begins)
		assert.Len(t, tr.PublishedOn("scooter/dead"), 1)
	})

	t.Run("value outside column range is not retried", func(t *testing.T) {
		fdb := &fakeDB{}
		tr := broker.NewMemory()
		b := newBridge(fdb, tr, "scooter/dead")
		payload := payloadWith(t, func(m map[string]any) { section(m, "battery_info")["temperature_1"] = 40000 })

		require.NoError(t, b.Handle(context.Background(), broker.Message{Payload: payload}))
		assert.Zero(t, fdb.begins)
		assert.Len(t, tr.PublishedOn("scooter/dead"), 1)
	})

	t.Run("dead letter disabled", func(t *testing.T) {
		tr := broker.NewMemory()
		b := newBridge(&fakeDB{}, tr, "")

		require.NoError(t, b.Handle(context.Background(), broker.Message{Payload: []byte(`[]`)}))
		assert.Empty(t, tr.Published)
	})
}

func TestBridgeSubscribesToTelemetryTopic(t *testing.T) {
	fdb := &fakeDB{}
	tr := broker.NewMemory()
	b := newBridge(fdb, tr, "")
	require.NoError(t, b.Start())

	require.NoError(t, tr.Publish(context.Background(), "scooter/telemetry", broker.QoSAtLeastOnce, samplePayload(t)))
	assert.Equal(t, 1, fdb.begins)
	assert.True(t, fdb.lastTx(t).committed)
}

func TestPoint(t *testing.T) {
	m, err := Decode(samplePayload(t))
	require.NoError(t, err)

	p := Point(DefaultMeasurement, m)
	assert.Equal(t, DefaultMeasurement, p.Name())
	assert.True(t, p.Time().Equal(m.Timestamp))

	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Len(t, fields, 17)
	assert.Equal(t, int64(76), fields["battery_percent"])
	assert.InDelta(t, 168.7, fields["battery_power"], 1e-9)
	assert.Equal(t, 60.1699, fields["latitude"])
}
