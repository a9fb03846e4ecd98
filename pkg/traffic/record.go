// Package traffic defines the common record schema that all ingestion
// adapters normalize into and the feature extractor consumes.
package traffic

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSchemaMismatch indicates a source is missing a required field with no
// defined default. It is fatal for that source.
var ErrSchemaMismatch = errors.New("schema mismatch")

// Protocol is the transport protocol of a traffic record.
type Protocol string

const (
	ProtoTCP   Protocol = "tcp"
	ProtoUDP   Protocol = "udp"
	ProtoICMP  Protocol = "icmp"
	ProtoOther Protocol = "other"
)

// ParseProtocol maps free-form protocol names and IP protocol numbers onto
// the enumerated set. Unknown values fold into ProtoOther.
func ParseProtocol(s string) Protocol {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp", "6":
		return ProtoTCP
	case "udp", "17":
		return ProtoUDP
	case "icmp", "icmp4", "icmp6", "1", "58":
		return ProtoICMP
	default:
		return ProtoOther
	}
}

// ConnState is a Zeek-style connection state tag.
type ConnState string

const (
	StateSF      ConnState = "SF"  // normal establishment and termination
	StateS0      ConnState = "S0"  // attempt seen, no reply
	StateREJ     ConnState = "REJ" // rejected
	StateRST     ConnState = "RST" // reset by either side
	StateOther   ConnState = "OTH"
	StateUnknown ConnState = "unknown"
)

// ParseConnState folds the full Zeek state vocabulary into the enumerated
// set used by the feature schema.
func ParseConnState(s string) ConnState {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SF", "S1", "S2", "S3":
		return StateSF
	case "S0":
		return StateS0
	case "REJ":
		return StateREJ
	case "RSTO", "RSTR", "RSTOS0", "RSTRH", "RST":
		return StateRST
	case "OTH", "SH", "SHR":
		return StateOther
	case "", "-":
		return StateUnknown
	default:
		return StateOther
	}
}

// Label is an optional ground-truth tag carried by labeled datasets.
type Label string

const (
	LabelBenign    Label = "benign"
	LabelMalicious Label = "malicious"
	LabelUnlabeled Label = "unlabeled"
)

// ParseLabel maps dataset label strings onto the ground-truth enum.
func ParseLabel(s string) Label {
	l := strings.ToLower(strings.TrimSpace(s))
	switch {
	case l == "" || l == "-" || l == "unlabeled":
		return LabelUnlabeled
	case strings.Contains(l, "benign") || l == "normal" || l == "0":
		return LabelBenign
	default:
		// IoT-23 uses "Malicious  <family>" detail strings.
		return LabelMalicious
	}
}

// Record is the normalized form of one traffic observation. Every adapter
// must populate all fields, using the documented sentinels when the source
// cannot know a value: empty DeviceID, zero Timestamp, "unknown" service,
// zero counters.
type Record struct {
	DeviceID  string
	Timestamp time.Time // zero when the source has no timing information

	SourceIP   string
	DestIP     string
	SourcePort int
	DestPort   int

	Protocol  Protocol
	Service   string // "unknown" when not derivable
	ConnState ConnState

	Duration    float64 // seconds, >= 0
	OrigBytes   int64
	RespBytes   int64
	PacketCount int64 // total packets both directions, 0 when unknown

	Label Label
}

// HasTimestamp reports whether the record carries timing information.
func (r *Record) HasTimestamp() bool { return !r.Timestamp.IsZero() }

// Validate checks field ranges. A failing record is a per-record error to be
// counted by the adapter, not a batch failure.
func (r *Record) Validate() error {
	if r.SourcePort < 0 || r.SourcePort > 65535 {
		return fmt.Errorf("source port %d out of range", r.SourcePort)
	}
	if r.DestPort < 0 || r.DestPort > 65535 {
		return fmt.Errorf("dest port %d out of range", r.DestPort)
	}
	if r.Duration < 0 {
		return fmt.Errorf("negative duration %v", r.Duration)
	}
	if r.OrigBytes < 0 || r.RespBytes < 0 {
		return errors.New("negative byte counter")
	}
	if r.PacketCount < 0 {
		return errors.New("negative packet count")
	}
	if r.Protocol == "" {
		r.Protocol = ProtoOther
	}
	if r.Service == "" {
		r.Service = "unknown"
	}
	if r.ConnState == "" {
		r.ConnState = StateUnknown
	}
	if r.Label == "" {
		r.Label = LabelUnlabeled
	}
	return nil
}

// RecordError ties a recoverable per-record failure to its position in the
// source. Adapters aggregate these instead of aborting the batch.
type RecordError struct {
	Index int // zero-based record position within the source
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }
