// Package influx writes measurements to InfluxDB through the v1
// compatibility write endpoint, authenticating with username and password.
package influx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"

	"github.com/ericogr/bme680-to-influx/pkg/config"
	"github.com/ericogr/bme680-to-influx/pkg/tsdb"
)

type Writer struct {
	client influxdb2.Client
	api    api.WriteAPIBlocking
	bucket string
}

// New creates a writer for cfg. The bucket is "database" or
// "database/retention_policy".
func New(cfg config.DatabaseConfig) (*Writer, error) {
	if cfg.Address == "" {
		return nil, errors.New("influx: address is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("influx: database is required")
	}
	bucket := cfg.Database
	if cfg.RetentionPolicy != "" {
		bucket += "/" + cfg.RetentionPolicy
	}
	client := influxdb2.NewClient(cfg.Address, fmt.Sprintf("%s:%s", cfg.Username, cfg.Password))
	return &Writer{client: client, api: client.WriteAPIBlocking("", bucket), bucket: bucket}, nil
}

func (w *Writer) Write(ctx context.Context, m tsdb.Measurement) error {
	ts := m.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	p := influxdb2.NewPoint(m.Name, m.Tags, m.Fields, ts)
	if err := w.api.WritePoint(ctx, p); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &tsdb.WriteError{Kind: tsdb.KindTimeout, Err: err}
		}
		return classify(err)
	}
	return nil
}

func (w *Writer) Close() error {
	w.client.Close()
	return nil
}

func classify(err error) error {
	var he *ihttp.Error
	if errors.As(err, &he) && he.StatusCode > 0 {
		kind := tsdb.KindRejected
		switch he.StatusCode {
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			kind = tsdb.KindTimeout
		case http.StatusBadGateway, http.StatusServiceUnavailable:
			kind = tsdb.KindTransport
		}
		return &tsdb.WriteError{Kind: kind, Err: err}
	}
	return tsdb.Classify(err, tsdb.KindRejected)
}

var _ tsdb.Writer = (*Writer)(nil)
