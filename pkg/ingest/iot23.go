package ingest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hakro/netsentry/pkg/traffic"
)

// iot23Columns is the fixed conn.log column layout of the IoT-23 dataset
// (Zeek conn.log plus the appended label pair).
var iot23Columns = []string{
	"ts", "uid", "id.orig_h", "id.orig_p", "id.resp_h", "id.resp_p",
	"proto", "service", "duration", "orig_bytes", "resp_bytes",
	"conn_state", "local_orig", "local_resp", "missed_bytes",
	"history", "orig_pkts", "orig_ip_bytes", "resp_pkts",
	"resp_ip_bytes", "tunnel_parents", "label", "detailed_label",
}

const (
	iotTS = iota
	iotUID
	iotOrigHost
	iotOrigPort
	iotRespHost
	iotRespPort
	iotProto
	iotService
	iotDuration
	iotOrigBytes
	iotRespBytes
	iotConnState
	iotLocalOrig
	iotLocalResp
	iotMissedBytes
	iotHistory
	iotOrigPkts
	iotOrigIPBytes
	iotRespPkts
	iotRespIPBytes
	iotTunnel
	iotLabel
	iotDetailedLabel
)

// IoT23Adapter parses the labeled IoT-23 intrusion dataset, preserving the
// ground-truth label so training workflows can calibrate contamination.
type IoT23Adapter struct{}

// NewIoT23Adapter creates a labeled-dataset adapter.
func NewIoT23Adapter() *IoT23Adapter { return &IoT23Adapter{} }

// Format returns the adapter format tag.
func (a *IoT23Adapter) Format() string { return FormatIoT23 }

// Parse reads a tab-separated conn.log file. Zeek comment lines (#) are
// passed over; short or unparsable lines are skipped and counted.
func (a *IoT23Adapter) Parse(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	res := &Result{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	i := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rec, err := recordFromConnLine(line)
		if err != nil {
			res.Skip(i, err)
		} else {
			res.Add(rec)
		}
		i++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return res, nil
}

func recordFromConnLine(line string) (traffic.Record, error) {
	var rec traffic.Record

	// Some IoT-23 captures separate the label columns with runs of spaces.
	fields := strings.Fields(line)
	if tabs := strings.Split(line, "\t"); len(tabs) >= len(iot23Columns)-2 {
		fields = tabs
	}
	if len(fields) < iotRespPkts+1 {
		return rec, fmt.Errorf("short line: %d fields", len(fields))
	}

	get := func(i int) string {
		if i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}

	var err error
	if ts := get(iotTS); ts != "" && ts != "-" {
		if rec.Timestamp, err = parseTimestamp(ts); err != nil {
			return rec, fmt.Errorf("ts: %w", err)
		}
	}

	rec.SourceIP = get(iotOrigHost)
	rec.DestIP = get(iotRespHost)
	if rec.SourceIP == "" || rec.DestIP == "" {
		return rec, fmt.Errorf("missing endpoint address")
	}
	if rec.SourcePort, err = parsePort(get(iotOrigPort)); err != nil {
		return rec, fmt.Errorf("orig_p: %w", err)
	}
	if rec.DestPort, err = parsePort(get(iotRespPort)); err != nil {
		return rec, fmt.Errorf("resp_p: %w", err)
	}

	rec.Protocol = traffic.ParseProtocol(get(iotProto))
	rec.Service = zeekValue(get(iotService))
	rec.ConnState = traffic.ParseConnState(get(iotConnState))

	if v := get(iotDuration); v != "" && v != "-" {
		if rec.Duration, err = strconv.ParseFloat(v, 64); err != nil {
			return rec, fmt.Errorf("duration: %w", err)
		}
	}
	if rec.OrigBytes, err = parseCount(get(iotOrigBytes)); err != nil {
		return rec, fmt.Errorf("orig_bytes: %w", err)
	}
	if rec.RespBytes, err = parseCount(get(iotRespBytes)); err != nil {
		return rec, fmt.Errorf("resp_bytes: %w", err)
	}

	origPkts, err := parseCount(get(iotOrigPkts))
	if err != nil {
		return rec, fmt.Errorf("orig_pkts: %w", err)
	}
	respPkts, err := parseCount(get(iotRespPkts))
	if err != nil {
		return rec, fmt.Errorf("resp_pkts: %w", err)
	}
	rec.PacketCount = origPkts + respPkts

	rec.DeviceID = deviceFromIP(rec.SourceIP)

	label := get(iotLabel)
	if d := get(iotDetailedLabel); d != "" && d != "-" && label != "" {
		label = label + " " + d
	}
	rec.Label = traffic.ParseLabel(label)

	if err := rec.Validate(); err != nil {
		return rec, err
	}
	return rec, nil
}

func zeekValue(s string) string {
	if s == "" || s == "-" || s == "(empty)" {
		return "unknown"
	}
	return s
}

// deviceFromIP derives a stable device identifier from the source address,
// matching how the dataset attributes traffic to lab devices.
func deviceFromIP(ip string) string {
	if idx := strings.LastIndex(ip, "."); idx >= 0 && idx < len(ip)-1 {
		if _, err := strconv.Atoi(ip[idx+1:]); err == nil {
			return "device-" + ip[idx+1:]
		}
	}
	return ip
}
