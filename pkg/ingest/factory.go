package ingest

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Select picks an adapter for the source. An explicit hint overrides
// extension sniffing; with neither a hint nor a recognized extension the
// source is rejected with ErrUnsupportedFormat.
func Select(path, hint string) (Adapter, error) {
	if hint != "" {
		return byFormat(strings.ToLower(strings.TrimSpace(hint)))
	}

	name := strings.ToLower(filepath.Base(path))
	switch filepath.Ext(name) {
	case ".csv":
		return NewCSVAdapter(), nil
	case ".tsv":
		return NewIoT23Adapter(), nil
	case ".json", ".jsonl":
		return NewJSONAdapter(), nil
	case ".pcap", ".pcapng", ".cap":
		return NewPCAPAdapter(), nil
	case ".log":
		// Zeek writes conn.log; other .log files are not ours to guess at.
		if strings.Contains(name, "conn") || strings.Contains(name, "labeled") {
			return NewIoT23Adapter(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
}

func byFormat(format string) (Adapter, error) {
	switch format {
	case FormatCSV:
		return NewCSVAdapter(), nil
	case FormatJSON:
		return NewJSONAdapter(), nil
	case FormatPCAP:
		return NewPCAPAdapter(), nil
	case FormatIoT23:
		return NewIoT23Adapter(), nil
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrUnsupportedFormat, format)
	}
}
