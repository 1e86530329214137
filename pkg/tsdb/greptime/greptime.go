// Package greptime writes measurements to GreptimeDB through the gRPC
// ingester.
package greptime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	gpb "github.com/GreptimeTeam/greptime-proto/go/greptime/v1"
	greptime "github.com/GreptimeTeam/greptimedb-ingester-go"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ericogr/bme680-to-influx/pkg/config"
	"github.com/ericogr/bme680-to-influx/pkg/tsdb"
)

const (
	DefaultPort = 4001
	TimeIndex   = "ts"
)

type ingester interface {
	Write(ctx context.Context, tables ...*table.Table) (*gpb.GreptimeResponse, error)
}

// Writer inserts each measurement as one row of the table named after it.
type Writer struct {
	client ingester
}

func New(cfg config.DatabaseConfig) (*Writer, error) {
	host, port, err := splitAddress(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("greptime address: %w", err)
	}
	gcfg := greptime.NewConfig(host).
		WithPort(port).
		WithDatabase(cfg.Database).
		WithAuth(cfg.Username, cfg.Password)
	client, err := greptime.NewClient(gcfg)
	if err != nil {
		return nil, fmt.Errorf("greptime client: %w", err)
	}
	return &Writer{client: client}, nil
}

func (w *Writer) Write(ctx context.Context, m tsdb.Measurement) error {
	tbl, err := buildTable(m)
	if err != nil {
		return &tsdb.WriteError{Kind: tsdb.KindRejected, Err: err}
	}
	if _, err := w.client.Write(ctx, tbl); err != nil {
		return classify(err)
	}
	return nil
}

// buildTable lays out tag columns, then field columns, both sorted by name,
// then the time index.
func buildTable(m tsdb.Measurement) (*table.Table, error) {
	tbl, err := table.New(m.Name)
	if err != nil {
		return nil, err
	}

	tagKeys := sortedKeys(m.Tags)
	fieldKeys := sortedKeys(m.Fields)
	row := make([]any, 0, len(tagKeys)+len(fieldKeys)+1)

	for _, k := range tagKeys {
		if err := tbl.AddTagColumn(k, types.STRING); err != nil {
			return nil, err
		}
		row = append(row, m.Tags[k])
	}
	for _, k := range fieldKeys {
		v := m.Fields[k]
		var ct types.ColumnType
		switch v.(type) {
		case float64:
			ct = types.FLOAT
		case int64:
			ct = types.INT64
		case string:
			ct = types.STRING
		default:
			return nil, fmt.Errorf("field %s: unsupported type %T", k, v)
		}
		if err := tbl.AddFieldColumn(k, ct); err != nil {
			return nil, err
		}
		row = append(row, v)
	}

	if err := tbl.AddTimestampColumn(TimeIndex, types.TIMESTAMP_MILLISECOND); err != nil {
		return nil, err
	}
	ts := m.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	row = append(row, ts)

	if err := tbl.AddRow(row...); err != nil {
		return nil, err
	}
	return tbl, nil
}

func classify(err error) error {
	if st, ok := status.FromError(err); ok {
		kind := tsdb.KindRejected
		switch st.Code() {
		case codes.DeadlineExceeded:
			kind = tsdb.KindTimeout
		case codes.Unavailable, codes.Canceled, codes.Aborted:
			kind = tsdb.KindTransport
		}
		return &tsdb.WriteError{Kind: kind, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &tsdb.WriteError{Kind: tsdb.KindTimeout, Err: err}
	}
	return tsdb.Classify(err, tsdb.KindTransport)
}

// splitAddress accepts "host", "host:port" or a URL.
func splitAddress(addr string) (string, int, error) {
	if addr == "" {
		return "", 0, errors.New("empty address")
	}
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return "", 0, err
		}
		addr = u.Host
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, DefaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("port %q: %w", portStr, err)
	}
	return host, port, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ tsdb.Writer = (*Writer)(nil)
