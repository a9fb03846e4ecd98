package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectByExtension(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"traffic.csv", FormatCSV},
		{"/data/export.TSV", FormatIoT23},
		{"flows.json", FormatJSON},
		{"flows.jsonl", FormatJSON},
		{"capture.pcap", FormatPCAP},
		{"capture.pcapng", FormatPCAP},
		{"capture.cap", FormatPCAP},
		{"conn.log", FormatIoT23},
		{"CTU-IoT-Malware-Capture-1-1.conn.log.labeled.log", FormatIoT23},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			adapter, err := Select(tt.path, "")
			require.NoError(t, err)
			assert.Equal(t, tt.want, adapter.Format())
		})
	}
}

func TestSelectHintOverridesExtension(t *testing.T) {
	adapter, err := Select("export.csv", "pcap")
	require.NoError(t, err)
	assert.Equal(t, FormatPCAP, adapter.Format())

	adapter, err = Select("anything.bin", "  JSON ")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, adapter.Format())
}

func TestSelectUnsupported(t *testing.T) {
	_, err := Select("report.xlsx", "")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Select("system.log", "")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Select("traffic.csv", "parquet")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
