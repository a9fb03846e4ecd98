package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hakro/netsentry/pkg/traffic"
)

// jsonFieldAliases maps schema fields to key spellings seen in structured
// exports, including the camelCase variants of flow collectors.
var jsonFieldAliases = map[string][]string{
	"timestamp":    {"timestamp", "time", "datetime", "ts", "start_time", "starttime"},
	"device_id":    {"device_id", "deviceid", "device", "host", "host_id", "source_id"},
	"src_ip":       {"src_ip", "source_ip", "srcip", "sourceip", "src", "ipv4_src_addr"},
	"dst_ip":       {"dst_ip", "destination_ip", "dest_ip", "dstip", "destinationip", "dst", "ipv4_dst_addr"},
	"src_port":     {"src_port", "source_port", "srcport", "sourceport", "sport", "l4_src_port"},
	"dst_port":     {"dst_port", "destination_port", "dest_port", "dstport", "destinationport", "dport", "l4_dst_port"},
	"protocol":     {"protocol", "proto", "protocol_name", "l4_proto"},
	"duration":     {"duration", "dur", "flow_duration", "flowduration", "elapsed"},
	"orig_bytes":   {"orig_bytes", "origbytes", "bytes_out", "bytesout", "out_bytes", "sent_bytes"},
	"resp_bytes":   {"resp_bytes", "respbytes", "bytes_in", "bytesin", "in_bytes", "received_bytes"},
	"packet_count": {"packet_count", "packets", "pkts", "in_pkts", "packetcount"},
	"service":      {"service", "app_protocol", "application"},
	"conn_state":   {"conn_state", "state", "connection_state"},
	"label":        {"label", "class", "is_anomaly"},
}

// JSONAdapter normalizes structured-document traffic exports: a top-level
// array of objects, newline-delimited objects, or a single object. Nested
// objects are flattened with dotted keys before field matching, so shapes
// like {"network": {"src_ip": ...}} resolve without configuration.
type JSONAdapter struct {
	docPath string // dotted path to the record array inside a wrapper object
}

// JSONOption configures a JSONAdapter.
type JSONOption func(*JSONAdapter)

// WithDocumentPath points the adapter at a nested array inside a wrapper
// object, e.g. "data.flows".
func WithDocumentPath(path string) JSONOption {
	return func(a *JSONAdapter) {
		a.docPath = path
	}
}

// NewJSONAdapter creates a structured-document adapter.
func NewJSONAdapter(opts ...JSONOption) *JSONAdapter {
	a := &JSONAdapter{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Format returns the adapter format tag.
func (a *JSONAdapter) Format() string { return FormatJSON }

// Parse reads a JSON or JSONL file and normalizes each object. Objects that
// resolve to no usable fields are skipped and counted.
func (a *JSONAdapter) Parse(ctx context.Context, path string) (*Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open json source: %w", err)
	}

	docs, err := a.decode(raw)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := recordFromDocument(doc)
		if err != nil {
			res.Skip(i, err)
			continue
		}
		res.Add(rec)
	}
	return res, nil
}

// decode accepts an array, a wrapper object (optionally navigated by
// docPath), or newline-delimited objects.
func (a *JSONAdapter) decode(raw []byte) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("empty json source")
	}

	var arr []map[string]any
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if a.docPath != "" {
			nested, ok := navigate(obj, a.docPath)
			if !ok {
				return nil, fmt.Errorf("document path %q not found", a.docPath)
			}
			return nested, nil
		}
		// A wrapper holding exactly one array of objects is unambiguous.
		for _, v := range obj {
			if list, ok := asObjectList(v); ok {
				return list, nil
			}
		}
		return []map[string]any{obj}, nil
	}

	// Fall back to newline-delimited objects.
	var docs []map[string]any
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			return nil, fmt.Errorf("undecodable json source: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func navigate(obj map[string]any, path string) ([]map[string]any, bool) {
	cur := any(obj)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return asObjectList(cur)
}

func asObjectList(v any) ([]map[string]any, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		out = append(out, obj)
	}
	return out, len(out) > 0
}

// flatten lowers nested objects into dotted lowercase keys. The leaf key
// alone is also registered so {"network":{"src_ip":...}} matches "src_ip".
func flatten(doc map[string]any, prefix string, out map[string]any) {
	for k, v := range doc {
		key := strings.ToLower(k)
		if nested, ok := v.(map[string]any); ok {
			flatten(nested, prefix+key+".", out)
			continue
		}
		out[prefix+key] = v
		if _, exists := out[key]; !exists {
			out[key] = v
		}
	}
}

func recordFromDocument(doc map[string]any) (traffic.Record, error) {
	flat := make(map[string]any)
	flatten(doc, "", flat)

	get := func(field string) (any, bool) {
		for _, alias := range jsonFieldAliases[field] {
			if v, ok := flat[alias]; ok {
				return v, true
			}
		}
		return nil, false
	}

	var rec traffic.Record
	matched := 0

	if v, ok := get("src_ip"); ok {
		rec.SourceIP, _ = v.(string)
		matched++
	}
	if v, ok := get("dst_ip"); ok {
		rec.DestIP, _ = v.(string)
		matched++
	}
	if rec.SourceIP == "" || rec.DestIP == "" {
		return rec, fmt.Errorf("no endpoint addresses resolved")
	}

	var err error
	if v, ok := get("src_port"); ok {
		if rec.SourcePort, err = asInt(v); err != nil {
			return rec, fmt.Errorf("src_port: %w", err)
		}
		matched++
	}
	if v, ok := get("dst_port"); ok {
		if rec.DestPort, err = asInt(v); err != nil {
			return rec, fmt.Errorf("dst_port: %w", err)
		}
		matched++
	}
	if v, ok := get("protocol"); ok {
		rec.Protocol = traffic.ParseProtocol(fmt.Sprint(v))
		matched++
	}
	if v, ok := get("duration"); ok {
		if rec.Duration, err = asFloat(v); err != nil {
			return rec, fmt.Errorf("duration: %w", err)
		}
	}
	if v, ok := get("orig_bytes"); ok {
		n, err := asInt(v)
		if err != nil {
			return rec, fmt.Errorf("orig_bytes: %w", err)
		}
		rec.OrigBytes = int64(n)
	}
	if v, ok := get("resp_bytes"); ok {
		n, err := asInt(v)
		if err != nil {
			return rec, fmt.Errorf("resp_bytes: %w", err)
		}
		rec.RespBytes = int64(n)
	}
	if v, ok := get("packet_count"); ok {
		n, err := asInt(v)
		if err != nil {
			return rec, fmt.Errorf("packet_count: %w", err)
		}
		rec.PacketCount = int64(n)
	}
	if v, ok := get("device_id"); ok {
		rec.DeviceID = fmt.Sprint(v)
	}
	if v, ok := get("service"); ok {
		rec.Service, _ = v.(string)
	}
	if v, ok := get("conn_state"); ok {
		rec.ConnState = traffic.ParseConnState(fmt.Sprint(v))
	}
	if v, ok := get("label"); ok {
		rec.Label = traffic.ParseLabel(fmt.Sprint(v))
	}
	if v, ok := get("timestamp"); ok {
		switch t := v.(type) {
		case string:
			rec.Timestamp, _ = parseTimestamp(t)
		case float64:
			rec.Timestamp, _ = parseTimestamp(strconv.FormatFloat(t, 'f', -1, 64))
		}
	}

	// Best-effort key matching failed outright: nothing beyond addresses.
	if matched < 3 {
		return rec, fmt.Errorf("document shape not recognized (%d fields matched)", matched)
	}

	if err := rec.Validate(); err != nil {
		return rec, err
	}
	return rec, nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
