package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakro/netsentry/pkg/traffic"
)

func sampleRecord() traffic.Record {
	return traffic.Record{
		DeviceID:    "cam-1",
		Timestamp:   time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC),
		SourceIP:    "10.0.0.1",
		DestIP:      "10.0.0.2",
		SourcePort:  51000,
		DestPort:    443,
		Protocol:    traffic.ProtoTCP,
		Service:     "https",
		ConnState:   traffic.StateSF,
		Duration:    2.5,
		OrigBytes:   1200,
		RespBytes:   4800,
		PacketCount: 14,
	}
}

func TestExtractDimensionAndNames(t *testing.T) {
	rec := sampleRecord()
	v := Extract(&rec)
	assert.Len(t, v, Dim)
	assert.Len(t, Names(), Dim)
}

func TestExtractDeterministic(t *testing.T) {
	rec := sampleRecord()
	assert.Equal(t, Extract(&rec), Extract(&rec))
}

func TestExtractAlwaysFinite(t *testing.T) {
	tests := []struct {
		name string
		rec  traffic.Record
	}{
		{"zero record", traffic.Record{}},
		{"zero duration with traffic", traffic.Record{Duration: 0, OrigBytes: 5000, PacketCount: 40}},
		{"zero response bytes", traffic.Record{OrigBytes: 9000, RespBytes: 0, Duration: 0.5}},
		{"huge counters", traffic.Record{OrigBytes: 1 << 40, RespBytes: 1 << 40, PacketCount: 1 << 30, Duration: 86400}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, x := range Extract(&tt.rec) {
				assert.Falsef(t, math.IsNaN(x) || math.IsInf(x, 0), "feature %d (%s) = %v", i, featureNames[i], x)
			}
		})
	}
}

func TestExtractPortBuckets(t *testing.T) {
	tests := []struct {
		port string
		rec  traffic.Record
		want int
	}{
		{"well-known 80", traffic.Record{DestPort: 80}, idxDstPortWellKnown},
		{"registered 8080", traffic.Record{DestPort: 8080}, idxDstPortRegistered},
		{"dynamic 55000", traffic.Record{DestPort: 55000}, idxDstPortDynamic},
	}
	for _, tt := range tests {
		t.Run(tt.port, func(t *testing.T) {
			v := Extract(&tt.rec)
			assert.Equal(t, float64(1), v[tt.want])
			// Exactly one destination-port bucket fires.
			sum := v[idxDstPortWellKnown] + v[idxDstPortRegistered] + v[idxDstPortDynamic]
			assert.Equal(t, float64(1), sum)
		})
	}
}

func TestExtractCyclicalHours(t *testing.T) {
	late := sampleRecord()
	late.Timestamp = time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)
	early := sampleRecord()
	early.Timestamp = time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	noon := sampleRecord()
	noon.Timestamp = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	vLate, vEarly, vNoon := Extract(&late), Extract(&early), Extract(&noon)

	dist := func(a, b []float64) float64 {
		return math.Hypot(a[idxHourSin]-b[idxHourSin], a[idxHourCos]-b[idxHourCos])
	}
	// Hour 23 sits next to hour 0 on the circle, far from hour 12.
	assert.Less(t, dist(vLate, vEarly), dist(vLate, vNoon))
}

func TestExtractMissingTimestamp(t *testing.T) {
	rec := sampleRecord()
	rec.Timestamp = time.Time{}
	v := Extract(&rec)

	assert.Equal(t, float64(0), v[idxHasTimestamp])
	assert.Equal(t, float64(0), v[idxHourSin])
	assert.Equal(t, float64(0), v[idxHourCos])
}

func TestExtractServiceBuckets(t *testing.T) {
	tests := []struct {
		service string
		want    int
	}{
		{"http", idxServiceWeb},
		{"https", idxServiceWeb},
		{"dns", idxServiceDNS},
		{"smtp", idxServiceMail},
		{"ftp", idxServiceFile},
		{"mqtt", idxServiceIoT},
		{"gopher", idxServiceOther},
		{"unknown", idxServiceOther},
	}
	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			rec := sampleRecord()
			rec.Service = tt.service
			assert.Equal(t, float64(1), Extract(&rec)[tt.want])
		})
	}
}

func TestExtractRates(t *testing.T) {
	rec := traffic.Record{OrigBytes: 1000, RespBytes: 500, PacketCount: 30, Duration: 3}
	v := Extract(&rec)

	assert.InDelta(t, 2.0, v[idxBytesRatio], 1e-9)
	assert.InDelta(t, 500.0, v[idxByteRate], 1e-9)
	assert.InDelta(t, 10.0, v[idxPacketRate], 1e-9)
}

func TestExtractAllPreservesOrder(t *testing.T) {
	recs := []traffic.Record{
		{OrigBytes: 100, RespBytes: 1},
		{OrigBytes: 200, RespBytes: 1},
	}
	vs := ExtractAll(recs)
	require.Len(t, vs, 2)
	assert.Less(t, vs[0][idxLogOrigBytes], vs[1][idxLogOrigBytes])
}
