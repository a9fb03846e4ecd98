package traffic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseProtocol(t *testing.T) {
	tests := []struct {
		in   string
		want Protocol
	}{
		{"tcp", ProtoTCP},
		{"TCP", ProtoTCP},
		{"6", ProtoTCP},
		{"udp", ProtoUDP},
		{"17", ProtoUDP},
		{"icmp", ProtoICMP},
		{"1", ProtoICMP},
		{"gre", ProtoOther},
		{"", ProtoOther},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseProtocol(tt.in))
		})
	}
}

func TestParseConnState(t *testing.T) {
	tests := []struct {
		in   string
		want ConnState
	}{
		{"SF", StateSF},
		{"S1", StateSF},
		{"S0", StateS0},
		{"REJ", StateREJ},
		{"RSTO", StateRST},
		{"RSTR", StateRST},
		{"OTH", StateOther},
		{"-", StateUnknown},
		{"", StateUnknown},
		{"weird", StateOther},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseConnState(tt.in))
		})
	}
}

func TestParseLabel(t *testing.T) {
	tests := []struct {
		in   string
		want Label
	}{
		{"Benign", LabelBenign},
		{"normal", LabelBenign},
		{"Malicious   C&C", LabelMalicious},
		{"PartOfAHorizontalPortScan", LabelMalicious},
		{"-", LabelUnlabeled},
		{"", LabelUnlabeled},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLabel(tt.in))
		})
	}
}

func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     Record
		wantErr bool
	}{
		{
			name: "valid with sentinels filled",
			rec:  Record{SourceIP: "10.0.0.1", DestIP: "10.0.0.2", SourcePort: 443, DestPort: 51000},
		},
		{
			name:    "port out of range",
			rec:     Record{SourcePort: 70000},
			wantErr: true,
		},
		{
			name:    "negative duration",
			rec:     Record{Duration: -1},
			wantErr: true,
		},
		{
			name:    "negative bytes",
			rec:     Record{OrigBytes: -5},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, ProtoOther, tt.rec.Protocol)
			assert.Equal(t, "unknown", tt.rec.Service)
			assert.Equal(t, StateUnknown, tt.rec.ConnState)
			assert.Equal(t, LabelUnlabeled, tt.rec.Label)
		})
	}
}

func TestHasTimestamp(t *testing.T) {
	var rec Record
	assert.False(t, rec.HasTimestamp())

	rec.Timestamp = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, rec.HasTimestamp())
}
