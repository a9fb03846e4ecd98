package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/hakro/netsentry/pkg/traffic"
)

// DefaultSessionTimeout bounds how long a flow stays open without traffic
// before it is emitted and a new flow starts for the same tuple. The default
// matches Zeek's TCP inactivity timeout; it is an operational tuning knob,
// not a protocol constant.
const DefaultSessionTimeout = 5 * time.Minute

// PCAPAdapter reads capture files and reconstructs bidirectional flows over
// the (src_ip, dst_ip, src_port, dst_port, protocol) tuple, emitting one
// normalized record per completed flow.
type PCAPAdapter struct {
	sessionTimeout time.Duration
}

// PCAPOption configures a PCAPAdapter.
type PCAPOption func(*PCAPAdapter)

// WithSessionTimeout sets the flow inactivity window.
func WithSessionTimeout(d time.Duration) PCAPOption {
	return func(a *PCAPAdapter) {
		if d > 0 {
			a.sessionTimeout = d
		}
	}
}

// NewPCAPAdapter creates a packet-capture adapter.
func NewPCAPAdapter(opts ...PCAPOption) *PCAPAdapter {
	a := &PCAPAdapter{sessionTimeout: DefaultSessionTimeout}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Format returns the adapter format tag.
func (a *PCAPAdapter) Format() string { return FormatPCAP }

// Parse reads the capture at path. An unreadable capture header is fatal;
// packets without an IP layer are skipped and counted.
func (a *PCAPAdapter) Parse(ctx context.Context, path string) (*Result, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	defer handle.Close()

	table := newFlowTable(a.sessionTimeout)
	res := &Result{}
	source := gopacket.NewPacketSource(handle, handle.LinkType())

	i := 0
	for packet := range source.Packets() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pkt, err := decodePacket(packet)
		if err != nil {
			res.Skip(i, err)
			i++
			continue
		}
		table.add(pkt)
		i++
	}

	flows := table.drain()
	sort.Slice(flows, func(i, j int) bool { return flows[i].first.Before(flows[j].first) })
	for _, fl := range flows {
		res.Add(fl.record())
	}
	return res, nil
}

// packetInfo is the decoded subset of a packet the flow table needs.
// Keeping it plain makes flow reconstruction testable without capture files.
type packetInfo struct {
	ts       time.Time
	srcIP    string
	dstIP    string
	srcPort  int
	dstPort  int
	protocol traffic.Protocol
	size     int
}

func decodePacket(packet gopacket.Packet) (packetInfo, error) {
	var pkt packetInfo

	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return pkt, fmt.Errorf("no IPv4 layer")
	}
	ip := ipLayer.(*layers.IPv4)
	pkt.srcIP = ip.SrcIP.String()
	pkt.dstIP = ip.DstIP.String()
	pkt.size = len(packet.Data())

	if md := packet.Metadata(); md != nil {
		pkt.ts = md.Timestamp
	}

	switch {
	case packet.Layer(layers.LayerTypeTCP) != nil:
		tcp := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		pkt.protocol = traffic.ProtoTCP
		pkt.srcPort = int(tcp.SrcPort)
		pkt.dstPort = int(tcp.DstPort)
	case packet.Layer(layers.LayerTypeUDP) != nil:
		udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		pkt.protocol = traffic.ProtoUDP
		pkt.srcPort = int(udp.SrcPort)
		pkt.dstPort = int(udp.DstPort)
	case packet.Layer(layers.LayerTypeICMPv4) != nil:
		pkt.protocol = traffic.ProtoICMP
	default:
		pkt.protocol = traffic.ProtoOther
	}
	return pkt, nil
}

// flowKey identifies one direction of a flow.
type flowKey struct {
	srcIP, dstIP     string
	srcPort, dstPort int
	protocol         traffic.Protocol
}

func (k flowKey) reversed() flowKey {
	return flowKey{
		srcIP: k.dstIP, dstIP: k.srcIP,
		srcPort: k.dstPort, dstPort: k.srcPort,
		protocol: k.protocol,
	}
}

// flow accumulates both directions of one session.
type flow struct {
	key         flowKey
	first, last time.Time
	origBytes   int64
	respBytes   int64
	packets     int64
}

func (f *flow) record() traffic.Record {
	return traffic.Record{
		Timestamp:   f.first,
		SourceIP:    f.key.srcIP,
		DestIP:      f.key.dstIP,
		SourcePort:  f.key.srcPort,
		DestPort:    f.key.dstPort,
		Protocol:    f.key.protocol,
		Service:     serviceForPort(f.key.dstPort, f.key.protocol),
		ConnState:   traffic.StateUnknown,
		Duration:    f.last.Sub(f.first).Seconds(),
		OrigBytes:   f.origBytes,
		RespBytes:   f.respBytes,
		PacketCount: f.packets,
		Label:       traffic.LabelUnlabeled,
	}
}

// flowTable groups packets into flows with an inactivity window. A packet
// whose reversed tuple matches an open flow joins it as response traffic.
type flowTable struct {
	timeout time.Duration
	open    map[flowKey]*flow
	done    []*flow
}

func newFlowTable(timeout time.Duration) *flowTable {
	return &flowTable{
		timeout: timeout,
		open:    make(map[flowKey]*flow),
	}
}

func (t *flowTable) add(pkt packetInfo) {
	key := flowKey{
		srcIP: pkt.srcIP, dstIP: pkt.dstIP,
		srcPort: pkt.srcPort, dstPort: pkt.dstPort,
		protocol: pkt.protocol,
	}

	if fl, ok := t.open[key]; ok {
		if t.expired(fl, pkt.ts) {
			t.close(key, fl)
		} else {
			fl.origBytes += int64(pkt.size)
			fl.packets++
			fl.last = pkt.ts
			return
		}
	} else if fl, ok := t.open[key.reversed()]; ok {
		if t.expired(fl, pkt.ts) {
			t.close(key.reversed(), fl)
		} else {
			fl.respBytes += int64(pkt.size)
			fl.packets++
			fl.last = pkt.ts
			return
		}
	}

	t.open[key] = &flow{
		key:       key,
		first:     pkt.ts,
		last:      pkt.ts,
		origBytes: int64(pkt.size),
		packets:   1,
	}
}

func (t *flowTable) expired(fl *flow, now time.Time) bool {
	return t.timeout > 0 && !now.IsZero() && now.Sub(fl.last) > t.timeout
}

func (t *flowTable) close(key flowKey, fl *flow) {
	delete(t.open, key)
	t.done = append(t.done, fl)
}

// drain emits every flow, completed and still open.
func (t *flowTable) drain() []*flow {
	flows := t.done
	for key, fl := range t.open {
		delete(t.open, key)
		flows = append(flows, fl)
	}
	t.done = nil
	return flows
}

// serviceForPort gives a coarse service guess from the destination port.
// Anything unrecognized stays "unknown" for the extractor's other bucket.
func serviceForPort(port int, proto traffic.Protocol) string {
	if proto == traffic.ProtoICMP {
		return "unknown"
	}
	switch port {
	case 80, 8080:
		return "http"
	case 443, 8443:
		return "https"
	case 53:
		return "dns"
	case 25, 587:
		return "smtp"
	case 110:
		return "pop3"
	case 143:
		return "imap"
	case 21:
		return "ftp"
	case 22:
		return "ssh"
	case 1883, 8883:
		return "mqtt"
	case 5683:
		return "coap"
	default:
		return "unknown"
	}
}
