package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hakro/netsentry/pkg/traffic"
)

// csvColumnAliases maps schema fields to common header spellings, checked in
// order. Matching is case-insensitive.
var csvColumnAliases = map[string][]string{
	"timestamp":    {"timestamp", "time", "date", "datetime", "ts"},
	"device_id":    {"device_id", "device", "deviceid", "host", "host_id"},
	"src_ip":       {"src_ip", "source_ip", "src", "source", "id.orig_h"},
	"dst_ip":       {"dst_ip", "destination_ip", "dest_ip", "dst", "destination", "id.resp_h"},
	"src_port":     {"src_port", "source_port", "sport", "id.orig_p"},
	"dst_port":     {"dst_port", "destination_port", "dest_port", "dport", "id.resp_p"},
	"protocol":     {"protocol", "proto", "prot"},
	"duration":     {"duration", "dur", "elapsed"},
	"orig_bytes":   {"orig_bytes", "bytes_out", "sent_bytes", "src_bytes"},
	"resp_bytes":   {"resp_bytes", "bytes_in", "received_bytes", "dst_bytes"},
	"packet_count": {"packet_count", "packets", "pkts", "total_pkts"},
	"service":      {"service", "svc", "app_protocol"},
	"conn_state":   {"conn_state", "state", "connection_state"},
	"label":        {"label", "class", "is_anomaly", "is_attack"},
}

// csvRequired are the columns a delimited source must provide; every other
// field has a documented sentinel default.
var csvRequired = []string{"src_ip", "dst_ip", "src_port", "dst_port", "protocol"}

// CSVAdapter normalizes delimited-text traffic exports. Column names are
// resolved through a mapping table; callers with exotic headers can supply
// their own mapping instead of relying on alias detection.
type CSVAdapter struct {
	mapping map[string]string // schema field -> source column
	comma   rune
}

// CSVOption configures a CSVAdapter.
type CSVOption func(*CSVAdapter)

// WithColumnMapping overrides alias detection with an explicit
// schema-field -> source-column mapping.
func WithColumnMapping(m map[string]string) CSVOption {
	return func(a *CSVAdapter) {
		a.mapping = m
	}
}

// WithComma sets the field delimiter (default ',').
func WithComma(c rune) CSVOption {
	return func(a *CSVAdapter) {
		a.comma = c
	}
}

// NewCSVAdapter creates a delimited-text adapter.
func NewCSVAdapter(opts ...CSVOption) *CSVAdapter {
	a := &CSVAdapter{comma: ','}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Format returns the adapter format tag.
func (a *CSVAdapter) Format() string { return FormatCSV }

// Parse reads a delimited file and normalizes each row. Rows that fail to
// parse are skipped and counted; a header missing a required column without
// a default is a schema mismatch for the whole source.
func (a *CSVAdapter) Parse(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv source: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = a.comma
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	mapping := a.mapping
	if mapping == nil {
		mapping = detectColumns(header)
	}
	colIdx, err := resolveColumns(header, mapping)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			res.Skip(i, err)
			continue
		}

		rec, err := recordFromRow(row, colIdx)
		if err != nil {
			res.Skip(i, err)
			continue
		}
		res.Add(rec)
	}
	return res, nil
}

// detectColumns resolves header names against the alias table.
func detectColumns(header []string) map[string]string {
	lower := make(map[string]string, len(header))
	for _, h := range header {
		lower[strings.ToLower(strings.TrimSpace(h))] = h
	}

	mapping := make(map[string]string)
	for field, aliases := range csvColumnAliases {
		for _, alias := range aliases {
			if col, ok := lower[alias]; ok {
				mapping[field] = col
				break
			}
		}
	}
	return mapping
}

// resolveColumns turns a field->column mapping into field->index and
// enforces the required set.
func resolveColumns(header []string, mapping map[string]string) (map[string]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}

	colIdx := make(map[string]int, len(mapping))
	for field, col := range mapping {
		if i, ok := pos[col]; ok {
			colIdx[field] = i
		}
	}

	var missing []string
	for _, field := range csvRequired {
		if _, ok := colIdx[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required columns %v", traffic.ErrSchemaMismatch, missing)
	}
	return colIdx, nil
}

func recordFromRow(row []string, colIdx map[string]int) (traffic.Record, error) {
	get := func(field string) string {
		if i, ok := colIdx[field]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var rec traffic.Record
	var err error

	rec.SourceIP = get("src_ip")
	rec.DestIP = get("dst_ip")
	if rec.SourceIP == "" || rec.DestIP == "" {
		return rec, fmt.Errorf("empty endpoint address")
	}

	if rec.SourcePort, err = parsePort(get("src_port")); err != nil {
		return rec, fmt.Errorf("src_port: %w", err)
	}
	if rec.DestPort, err = parsePort(get("dst_port")); err != nil {
		return rec, fmt.Errorf("dst_port: %w", err)
	}

	rec.Protocol = traffic.ParseProtocol(get("protocol"))
	rec.DeviceID = get("device_id")
	rec.Service = get("service")
	rec.ConnState = traffic.ParseConnState(get("conn_state"))
	rec.Label = traffic.ParseLabel(get("label"))

	if ts := get("timestamp"); ts != "" {
		rec.Timestamp, _ = parseTimestamp(ts) // absent timing is a sentinel, not an error
	}
	if v := get("duration"); v != "" && v != "-" {
		if rec.Duration, err = strconv.ParseFloat(v, 64); err != nil {
			return rec, fmt.Errorf("duration: %w", err)
		}
	}
	if rec.OrigBytes, err = parseCount(get("orig_bytes")); err != nil {
		return rec, fmt.Errorf("orig_bytes: %w", err)
	}
	if rec.RespBytes, err = parseCount(get("resp_bytes")); err != nil {
		return rec, fmt.Errorf("resp_bytes: %w", err)
	}
	if rec.PacketCount, err = parseCount(get("packet_count")); err != nil {
		return rec, fmt.Errorf("packet_count: %w", err)
	}

	if err := rec.Validate(); err != nil {
		return rec, err
	}
	return rec, nil
}

func parsePort(s string) (int, error) {
	if s == "" || s == "-" {
		return 0, nil
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return p, nil
}

func parseCount(s string) (int64, error) {
	if s == "" || s == "-" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// parseTimestamp accepts ISO-8601 variants and unix epoch seconds
// (optionally fractional, as Zeek writes them).
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if sec, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Unix(int64(sec), int64((sec-float64(int64(sec)))*1e9)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
