package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"golang.org/x/time/rate"

	"go-shot-diagnostics/internal/logging"
	"go-shot-diagnostics/internal/model"
)

// Influx layout: one bucket per source database, measurement "signal",
// tags "shot" and "channel", field "value". Sample time is stored as an
// offset from the Unix epoch so that X = _time - epoch in seconds.
const (
	influxMeasurement = "signal"
	influxField       = "value"
	influxRangeStart  = "1900-01-01T00:00:00Z"
)

// InfluxConfig configures the InfluxDB adapter.
type InfluxConfig struct {
	URL           string
	Token         string
	Org           string
	Buckets       map[string]string // database name -> bucket
	RatePerSecond float64
	Timeout       time.Duration
}

// Influx reads channels from InfluxDB 2.x.
type Influx struct {
	client  influxdb2.Client
	query   api.QueryAPI
	buckets map[string]string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewInflux creates the adapter. The client is shared by every connection.
func NewInflux(cfg InfluxConfig, logger *slog.Logger) *Influx {
	opts := influxdb2.DefaultOptions()
	if cfg.Timeout > 0 {
		opts.SetHTTPRequestTimeout(uint(cfg.Timeout / time.Second))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}

	return &Influx{
		client:  client,
		query:   client.QueryAPI(cfg.Org),
		buckets: cfg.Buckets,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logging.OrDefault(logger),
	}
}

// Close releases the HTTP client.
func (in *Influx) Close() {
	in.client.Close()
}

func (in *Influx) bucket(db string) (string, error) {
	b, ok := in.buckets[db]
	if !ok || b == "" {
		return "", fmt.Errorf("%w: database %s has no bucket", ErrNotFound, db)
	}
	return b, nil
}

func (in *Influx) Open(ctx context.Context, db string) (Conn, error) {
	bucket, err := in.bucket(db)
	if err != nil {
		return nil, err
	}
	if err := in.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ok, err := in.client.Ping(ctx)
	if err != nil {
		in.logger.Debug("influx ping failed", "db", db, "error", err)
		return nil, fmt.Errorf("%w: ping: %v", ErrTransport, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: influx not ready", ErrTransport)
	}
	return &influxConn{in: in, db: db, bucket: bucket}, nil
}

func (in *Influx) LatestShot(ctx context.Context, db string) (int, error) {
	bucket, err := in.bucket(db)
	if err != nil {
		return 0, err
	}
	flux := fmt.Sprintf(`import "influxdata/influxdb/schema"
schema.tagValues(bucket: %q, tag: "shot", start: %s)`, bucket, influxRangeStart)

	values, err := in.strings(ctx, flux)
	if err != nil {
		return 0, err
	}
	latest := 0
	for _, v := range values {
		if n, err := strconv.Atoi(v); err == nil && n > latest {
			latest = n
		}
	}
	if latest == 0 {
		return 0, fmt.Errorf("%w: no shots in %s", ErrNoData, db)
	}
	return latest, nil
}

// strings runs a query returning a single string column in _value.
func (in *Influx) strings(ctx context.Context, flux string) ([]string, error) {
	if err := in.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := in.query.Query(ctx, flux)
	if err != nil {
		return nil, classifyInflux(err)
	}
	defer result.Close()

	var out []string
	for result.Next() {
		if v, ok := result.Record().Value().(string); ok {
			out = append(out, v)
		}
	}
	if result.Err() != nil {
		return nil, classifyInflux(result.Err())
	}
	return out, nil
}

type influxConn struct {
	in     *Influx
	db     string
	bucket string
}

func (c *influxConn) ListChannels(ctx context.Context, shot int) ([]string, error) {
	flux := fmt.Sprintf(`import "influxdata/influxdb/schema"
schema.tagValues(bucket: %q, tag: "channel", predicate: (r) => r._measurement == %q and r.shot == %q, start: %s)`,
		c.bucket, influxMeasurement, strconv.Itoa(shot), influxRangeStart)

	channels, err := c.in.strings(ctx, flux)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: shot %d in %s", ErrNotFound, shot, c.db)
	}
	sort.Strings(channels)
	return channels, nil
}

func (c *influxConn) Fetch(ctx context.Context, shot int, channel string, window *model.Window) (model.Series, error) {
	start, stop := influxRangeStart, "now()"
	if window != nil {
		start = epochOffset(window.Start)
		stop = epochOffset(window.End)
	}
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r._field == %q)
  |> filter(fn: (r) => r.shot == %q and r.channel == %q)
  |> sort(columns: ["_time"])`,
		c.bucket, start, stop, influxMeasurement, influxField, strconv.Itoa(shot), channel)

	if err := c.in.limiter.Wait(ctx); err != nil {
		return model.Series{}, err
	}
	result, err := c.in.query.Query(ctx, flux)
	if err != nil {
		return model.Series{}, classifyInflux(err)
	}
	defer result.Close()

	var s model.Series
	epoch := time.Unix(0, 0).UTC()
	for result.Next() {
		rec := result.Record()
		y, ok := toFloat(rec.Value())
		if !ok {
			continue
		}
		s.X = append(s.X, rec.Time().Sub(epoch).Seconds())
		s.Y = append(s.Y, y)
	}
	if result.Err() != nil {
		return model.Series{}, classifyInflux(result.Err())
	}
	if s.Empty() {
		return model.Series{}, fmt.Errorf("%w: %s/%d/%s", ErrNoData, c.db, shot, channel)
	}
	return s, nil
}

func (c *influxConn) Close() error { return nil }

func epochOffset(seconds float64) string {
	t := time.Unix(0, 0).UTC().Add(time.Duration(seconds * float64(time.Second)))
	return t.Format(time.RFC3339Nano)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func classifyInflux(err error) error {
	var herr *ihttp.Error
	if errors.As(err, &herr) {
		switch {
		case herr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case herr.StatusCode == http.StatusBadRequest && strings.Contains(herr.Message, "not found"):
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
