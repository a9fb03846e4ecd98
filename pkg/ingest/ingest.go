// Package ingest defines the adapter contract for turning heterogeneous
// traffic sources into normalized records, and the factory that selects an
// adapter for a source.
package ingest

import (
	"context"
	"errors"

	"github.com/hakro/netsentry/pkg/traffic"
)

// ErrUnsupportedFormat indicates no adapter matches the source and no
// explicit format override was given.
var ErrUnsupportedFormat = errors.New("unsupported source format")

// Format tags accepted as explicit adapter hints.
const (
	FormatCSV   = "csv"
	FormatJSON  = "json"
	FormatPCAP  = "pcap"
	FormatIoT23 = "iot23"
)

// Adapter parses one source format into normalized records.
//
// Per-record problems are skipped and counted in the Result; only
// container-level failures (unreadable file, corrupt capture header, missing
// required columns) return an error.
type Adapter interface {
	// Parse reads the source at path and returns normalized records plus an
	// ingestion summary. The context cancels long parses.
	Parse(ctx context.Context, path string) (*Result, error)

	// Format returns the adapter's format tag ("csv", "json", "pcap", "iot23").
	Format() string
}

// Result is the outcome of one ingestion run.
type Result struct {
	Records      []traffic.Record
	ParsedCount  int
	SkippedCount int
	Errors       []*traffic.RecordError
}

// Add appends a validated record to the result.
func (r *Result) Add(rec traffic.Record) {
	r.Records = append(r.Records, rec)
	r.ParsedCount++
}

// Skip counts a malformed record without failing the batch.
func (r *Result) Skip(index int, err error) {
	r.SkippedCount++
	r.Errors = append(r.Errors, &traffic.RecordError{Index: index, Err: err})
}
