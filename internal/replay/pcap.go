// Package replay records OSC position datagrams to pcap files and plays them
// back to the tracking ports with their original timing.
package replay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 65536

// Packet is one captured UDP datagram.
type Packet struct {
	Time    time.Time
	SrcPort int
	DstPort int
	Payload []byte
}

// Reader yields the UDP datagrams of a pcap stream, optionally restricted to
// a set of destination ports.
type Reader struct {
	r     *pcapgo.Reader
	ports map[int]bool

	// Skipped counts packets that were not UDP or were filtered out.
	Skipped int
}

// NewReader reads a pcap stream from r. With no ports every UDP datagram is
// returned.
func NewReader(r io.Reader, ports ...int) (*Reader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	rd := &Reader{r: pr}
	if len(ports) > 0 {
		rd.ports = make(map[int]bool, len(ports))
		for _, p := range ports {
			rd.ports[p] = true
		}
	}
	return rd, nil
}

// Next returns the next matching datagram, or io.EOF at the end of the stream.
func (r *Reader) Next() (Packet, error) {
	for {
		data, ci, err := r.r.ReadPacketData()
		if err != nil {
			return Packet{}, err
		}
		packet := gopacket.NewPacket(data, r.r.LinkType(), gopacket.NoCopy)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			r.Skipped++
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			r.Skipped++
			continue
		}
		dst := int(udp.DstPort)
		if r.ports != nil && !r.ports[dst] {
			r.Skipped++
			continue
		}
		return Packet{
			Time:    ci.Timestamp,
			SrcPort: int(udp.SrcPort),
			DstPort: dst,
			Payload: append([]byte(nil), udp.Payload...),
		}, nil
	}
}

// ReadAll drains r.
func (r *Reader) ReadAll() ([]Packet, error) {
	var out []Packet
	for {
		p, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
}

// Writer encodes datagrams as loopback Ethernet/IPv4/UDP frames.
type Writer struct {
	w *pcapgo.Writer
}

var (
	loopbackIP  = net.IPv4(127, 0, 0, 1)
	loopbackMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}
)

// NewWriter writes a pcap file header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{w: pw}, nil
}

// WritePacket appends p.
func (w *Writer) WritePacket(p Packet) error {
	eth := &layers.Ethernet{
		SrcMAC:       loopbackMAC,
		DstMAC:       loopbackMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    loopbackIP,
		DstIP:    loopbackIP,
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(p.SrcPort), DstPort: layers.UDPPort(p.DstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(p.Payload)); err != nil {
		return fmt.Errorf("failed to encode packet: %w", err)
	}
	data := buf.Bytes()
	return w.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     p.Time,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}
