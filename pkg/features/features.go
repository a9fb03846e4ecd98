// Package features derives fixed-order numeric feature vectors from
// normalized traffic records. Extraction is a pure function of the record
// and the fixed vocabulary tables below; the layout is versioned so a
// trained model is only ever applied to vectors built the same way.
package features

import (
	"math"

	"github.com/hakro/netsentry/pkg/traffic"
)

// SchemaVersion tags the vector layout. Any change to feature order,
// vocabulary, or transforms must bump it.
const SchemaVersion = 1

// durationFloor replaces zero durations in rate denominators.
const durationFloor = 1e-3

// Feature indices, in vector order.
const (
	idxBytesRatio = iota
	idxByteRate
	idxPacketRate
	idxLogDuration
	idxLogOrigBytes
	idxLogRespBytes
	idxLogTotalBytes
	idxSrcPortWellKnown
	idxSrcPortRegistered
	idxSrcPortDynamic
	idxDstPortWellKnown
	idxDstPortRegistered
	idxDstPortDynamic
	idxProtoTCP
	idxProtoUDP
	idxProtoICMP
	idxProtoOther
	idxHourSin
	idxHourCos
	idxDaySin
	idxDayCos
	idxHasTimestamp
	idxServiceWeb
	idxServiceDNS
	idxServiceMail
	idxServiceFile
	idxServiceIoT
	idxServiceOther
	idxStateSF
	idxStateS0
	idxStateREJ
	idxStateRST
	idxStateOther

	// Dim is the fixed vector length for SchemaVersion 1.
	Dim
)

var featureNames = [Dim]string{
	"bytes_ratio", "byte_rate", "packet_rate",
	"log_duration", "log_orig_bytes", "log_resp_bytes", "log_total_bytes",
	"src_port_well_known", "src_port_registered", "src_port_dynamic",
	"dst_port_well_known", "dst_port_registered", "dst_port_dynamic",
	"proto_tcp", "proto_udp", "proto_icmp", "proto_other",
	"hour_sin", "hour_cos", "day_sin", "day_cos", "has_timestamp",
	"service_web", "service_dns", "service_mail", "service_file", "service_iot", "service_other",
	"state_sf", "state_s0", "state_rej", "state_rst", "state_oth",
}

// Names returns the feature names in vector order.
func Names() []string {
	out := make([]string, Dim)
	copy(out[:], featureNames[:])
	return out
}

// serviceBuckets is the fixed service vocabulary. Services not listed fall
// into the other bucket rather than failing.
var serviceBuckets = map[string]int{
	"http": idxServiceWeb, "https": idxServiceWeb, "ssl": idxServiceWeb, "tls": idxServiceWeb, "web": idxServiceWeb,
	"dns":  idxServiceDNS,
	"smtp": idxServiceMail, "pop3": idxServiceMail, "imap": idxServiceMail,
	"ftp": idxServiceFile, "sftp": idxServiceFile, "tftp": idxServiceFile, "smb": idxServiceFile,
	"mqtt": idxServiceIoT, "coap": idxServiceIoT,
}

// Extract maps a normalized record to its feature vector. It is
// deterministic and never produces NaN or Inf: zero durations use a floor in
// rate denominators and a zero response side uses a floor of one byte in the
// ratio.
func Extract(rec *traffic.Record) []float64 {
	v := make([]float64, Dim)

	respFloor := float64(rec.RespBytes)
	if respFloor < 1 {
		respFloor = 1
	}
	dur := rec.Duration
	if dur < durationFloor {
		dur = durationFloor
	}
	total := float64(rec.OrigBytes + rec.RespBytes)

	v[idxBytesRatio] = float64(rec.OrigBytes) / respFloor
	v[idxByteRate] = total / dur
	v[idxPacketRate] = float64(rec.PacketCount) / dur

	// Log transforms compress the heavy-tailed byte and duration
	// distributions so splits are not dominated by raw magnitude.
	v[idxLogDuration] = math.Log1p(rec.Duration)
	v[idxLogOrigBytes] = math.Log1p(float64(rec.OrigBytes))
	v[idxLogRespBytes] = math.Log1p(float64(rec.RespBytes))
	v[idxLogTotalBytes] = math.Log1p(total)

	v[idxSrcPortWellKnown+portCategory(rec.SourcePort)] = 1
	v[idxDstPortWellKnown+portCategory(rec.DestPort)] = 1

	switch rec.Protocol {
	case traffic.ProtoTCP:
		v[idxProtoTCP] = 1
	case traffic.ProtoUDP:
		v[idxProtoUDP] = 1
	case traffic.ProtoICMP:
		v[idxProtoICMP] = 1
	default:
		v[idxProtoOther] = 1
	}

	// Cyclical encoding keeps hour 23 adjacent to hour 0; a raw integer
	// would put them maximally far apart.
	if rec.HasTimestamp() {
		ts := rec.Timestamp.UTC()
		hour := float64(ts.Hour())
		day := float64(ts.Weekday())
		v[idxHourSin] = math.Sin(2 * math.Pi * hour / 24)
		v[idxHourCos] = math.Cos(2 * math.Pi * hour / 24)
		v[idxDaySin] = math.Sin(2 * math.Pi * day / 7)
		v[idxDayCos] = math.Cos(2 * math.Pi * day / 7)
		v[idxHasTimestamp] = 1
	}

	if idx, ok := serviceBuckets[rec.Service]; ok {
		v[idx] = 1
	} else {
		v[idxServiceOther] = 1
	}

	switch rec.ConnState {
	case traffic.StateSF:
		v[idxStateSF] = 1
	case traffic.StateS0:
		v[idxStateS0] = 1
	case traffic.StateREJ:
		v[idxStateREJ] = 1
	case traffic.StateRST:
		v[idxStateRST] = 1
	default:
		v[idxStateOther] = 1
	}

	return v
}

// ExtractAll maps a batch of records to feature vectors in input order.
func ExtractAll(records []traffic.Record) [][]float64 {
	out := make([][]float64, len(records))
	for i := range records {
		out[i] = Extract(&records[i])
	}
	return out
}

// portCategory buckets a port by operational semantics: 0 well-known
// (<1024), 1 registered (1024-49151), 2 dynamic/ephemeral (>=49152).
func portCategory(port int) int {
	switch {
	case port < 1024:
		return 0
	case port < 49152:
		return 1
	default:
		return 2
	}
}
