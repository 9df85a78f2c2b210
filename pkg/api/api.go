// Package api serves the HTTP read API over stored telemetry and the relay
// control endpoints.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/edgeflare/scoot/pkg/command"
	"github.com/edgeflare/scoot/pkg/db"
	"github.com/edgeflare/scoot/pkg/httputil"
	"github.com/edgeflare/scoot/pkg/httputil/middleware"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Commander sends a relay command and waits for its outcome.
type Commander interface {
	Send(ctx context.Context, intent command.Intent) (command.Response, error)
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// API holds the handler dependencies. Either may be nil, in which case the
// corresponding routes answer 503.
type API struct {
	db        db.Conn
	commander Commander
	logger    *zap.Logger
}

func New(conn db.Conn, commander Commander, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{db: conn, commander: commander, logger: logger}
}

// Register mounts every route on r.
func (a *API) Register(r *httputil.Router) {
	r.HandleFunc("GET /healthz", a.health)

	v1 := r.Group("/api/v1")
	v1.HandleFunc("GET /data", a.telemetry)
	v1.HandleFunc("GET /data/general", a.general)
	v1.HandleFunc("GET /data/battery", a.battery)
	v1.HandleFunc("GET /data/location", a.location)
	v1.HandleFunc("GET /command/relay_status", a.relayStatus)
	v1.HandleFunc("POST /command/set_power", a.setPower)
}

// Handler returns a router with the API routes behind request-id, access
// logging and CORS middleware. opts are applied after the logger option.
func (a *API) Handler(cors *middleware.CORSOptions, opts ...httputil.RouterOptions) *httputil.Router {
	r := httputil.NewRouter(append([]httputil.RouterOptions{httputil.WithLogger(a.logger)}, opts...)...)
	r.Use(middleware.RequestID,
		middleware.LoggerWithOptions(&middleware.LoggerOptions{Logger: a.logger}),
		middleware.CORSWithOptions(cors))
	a.Register(r)
	return r
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if p, ok := a.db.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			middleware.Logger(r.Context()).Warn("Database health check failed", zap.Error(err))
			httputil.Error(w, r, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	httputil.Text(w, http.StatusOK, "ok")
}

func (a *API) telemetry(w http.ResponseWriter, r *http.Request) {
	serveRange(a, w, r, TelemetryDataset, scanTelemetry)
}

func (a *API) general(w http.ResponseWriter, r *http.Request) {
	serveRange(a, w, r, GeneralDataset, scanGeneral)
}

func (a *API) battery(w http.ResponseWriter, r *http.Request) {
	serveRange(a, w, r, BatteryDataset, scanBattery)
}

func (a *API) location(w http.ResponseWriter, r *http.Request) {
	serveRange(a, w, r, LocationDataset, scanLocation)
}

func serveRange[T any](a *API, w http.ResponseWriter, r *http.Request, d Dataset, fn pgx.RowToFunc[T]) {
	params, err := ParseParams(r.URL.Query())
	if err != nil {
		httputil.Error(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if a.db == nil {
		httputil.Error(w, r, http.StatusServiceUnavailable, "database not configured")
		return
	}

	items, total, err := db.SelectPage(r.Context(), a.db, d.Query(params), fn)
	if err != nil {
		middleware.Logger(r.Context()).Error("Failed to read telemetry", zap.String("table", d.Table), zap.Error(err))
		httputil.Error(w, r, http.StatusInternalServerError, "failed to read data")
		return
	}
	httputil.JSON(w, http.StatusOK, newPage(items, total, params))
}

func (a *API) relayStatus(w http.ResponseWriter, r *http.Request) {
	a.sendCommand(w, r, command.IntentQuery)
}

func (a *API) setPower(w http.ResponseWriter, r *http.Request) {
	var intent command.Intent
	switch r.URL.Query().Get("mode") {
	case "open":
		intent = command.IntentOpen
	case "close":
		intent = command.IntentClose
	default:
		httputil.Error(w, r, http.StatusBadRequest, "mode must be open or close")
		return
	}
	a.sendCommand(w, r, intent)
}

// sendCommand maps the correlator outcome to a status code: 503 when the
// broker is down, 502 when the publish was not confirmed, 504 when the
// controller did not answer, 200 otherwise.
func (a *API) sendCommand(w http.ResponseWriter, r *http.Request, intent command.Intent) {
	if a.commander == nil {
		httputil.Error(w, r, http.StatusServiceUnavailable, "relay control not configured")
		return
	}

	resp, err := a.commander.Send(r.Context(), intent)
	switch {
	case errors.Is(err, command.ErrNotConnected):
		httputil.Error(w, r, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, command.ErrNotPublished):
		httputil.Error(w, r, http.StatusBadGateway, err.Error())
	case err != nil, resp.Status == command.StatusUnknown:
		httputil.JSON(w, http.StatusGatewayTimeout, resp)
	default:
		httputil.JSON(w, http.StatusOK, resp)
	}
}
