package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakro/netsentry/pkg/traffic"
)

func TestJSONParseArray(t *testing.T) {
	content := `[
		{"src_ip": "10.0.0.1", "dst_ip": "10.0.0.2", "src_port": 50000, "dst_port": 443, "protocol": "tcp", "orig_bytes": 900, "resp_bytes": 4500, "duration": 2.5, "device_id": "cam-1"},
		{"src_ip": "10.0.0.3", "dst_ip": "10.0.0.4", "src_port": 40000, "dst_port": 53, "protocol": "udp", "orig_bytes": 60, "resp_bytes": 120, "duration": 0.02}
	]`
	path := writeFile(t, "flows.json", content)

	res, err := NewJSONAdapter().Parse(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 2, res.ParsedCount)
	assert.Equal(t, "cam-1", res.Records[0].DeviceID)
	assert.Equal(t, traffic.ProtoUDP, res.Records[1].Protocol)
	assert.Equal(t, int64(4500), res.Records[0].RespBytes)
}

func TestJSONParseNestedShape(t *testing.T) {
	content := `[{"device": "sensor-7", "network": {"src_ip": "10.1.0.1", "dst_ip": "10.1.0.2", "src_port": 1883, "dst_port": 50200, "protocol": "tcp"}, "metrics": {"orig_bytes": 40, "resp_bytes": 10}}]`
	path := writeFile(t, "nested.json", content)

	res, err := NewJSONAdapter().Parse(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 1, res.ParsedCount)

	rec := res.Records[0]
	assert.Equal(t, "sensor-7", rec.DeviceID)
	assert.Equal(t, "10.1.0.1", rec.SourceIP)
	assert.Equal(t, 50200, rec.DestPort)
	assert.Equal(t, int64(40), rec.OrigBytes)
}

func TestJSONParseWrapperWithPath(t *testing.T) {
	content := `{"data": {"flows": [{"src_ip": "10.0.0.1", "dst_ip": "10.0.0.2", "src_port": 1, "dst_port": 2, "protocol": "tcp"}]}}`
	path := writeFile(t, "wrapped.json", content)

	res, err := NewJSONAdapter(WithDocumentPath("data.flows")).Parse(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ParsedCount)
}

func TestJSONParseLines(t *testing.T) {
	content := `{"src_ip": "10.0.0.1", "dst_ip": "10.0.0.2", "src_port": 1, "dst_port": 2, "protocol": "tcp"}
{"src_ip": "10.0.0.3", "dst_ip": "10.0.0.4", "src_port": 3, "dst_port": 4, "protocol": "udp"}
`
	path := writeFile(t, "flows.jsonl", content)

	res, err := NewJSONAdapter().Parse(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ParsedCount)
}

func TestJSONParseSkipsUnrecognizedShapes(t *testing.T) {
	content := `[
		{"src_ip": "10.0.0.1", "dst_ip": "10.0.0.2", "src_port": 1, "dst_port": 2, "protocol": "tcp"},
		{"foo": "bar"},
		{"src_ip": "10.0.0.5", "dst_ip": "10.0.0.6"}
	]`
	path := writeFile(t, "partial.json", content)

	res, err := NewJSONAdapter().Parse(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 1, res.ParsedCount)
	assert.Equal(t, 2, res.SkippedCount)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, 1, res.Errors[0].Index)
}

func TestJSONParseUndecodable(t *testing.T) {
	path := writeFile(t, "broken.json", "{not json at all")

	_, err := NewJSONAdapter().Parse(context.Background(), path)
	assert.Error(t, err)
}

func TestJSONParseEpochTimestamp(t *testing.T) {
	content := `[{"src_ip": "10.0.0.1", "dst_ip": "10.0.0.2", "src_port": 1, "dst_port": 2, "protocol": "tcp", "timestamp": 1714558200}]`
	path := writeFile(t, "epoch.json", content)

	res, err := NewJSONAdapter().Parse(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 1, res.ParsedCount)
	assert.True(t, res.Records[0].HasTimestamp())
	assert.Equal(t, 2024, res.Records[0].Timestamp.UTC().Year())
}
