package pemi

//
// IPv4/IPv6 + UDP dissection and re-serialization.
//
// Adapted from the teacher's dissect.go. The teacher's DissectedPacket
// also carries a TCP layer and TTL/reflection helpers for its DPI rules
// (spoofed RST injection, SNI sniffing over TCP); PEMI only ever forwards
// and injects QUIC/UDP traffic, so this version drops the TCP branch and
// the RST-reflection helper entirely, and adds the one thing the teacher
// never needed: rebuilding a datagram around a *different* payload with a
// fresh IP Identification field, which is how an injected retransmission
// is made indistinguishable from a freshly-forwarded packet (spec §4.1).
//

import (
	"errors"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrDissectShortPacket indicates the packet is too short to parse.
var ErrDissectShortPacket = errors.New("pemi: dissect: packet too short")

// ErrDissectNetwork indicates an unsupported network-layer protocol.
var ErrDissectNetwork = errors.New("pemi: dissect: unsupported network protocol")

// ErrDissectTransport indicates the datagram is not UDP.
var ErrDissectTransport = errors.New("pemi: dissect: unsupported transport protocol")

// DissectedDatagram is a parsed IPv4-or-IPv6-over-UDP datagram, optionally
// carried inside an Ethernet frame.
type DissectedDatagram struct {
	packet gopacket.Packet
	eth    *layers.Ethernet
	ip     gopacket.NetworkLayer
	udp    *layers.UDP
}

// DissectUDPDatagram parses a captured frame and requires it to carry a UDP
// datagram over IPv4 or IPv6; any other shape is reported as
// [ErrDissectNetwork] or [ErrDissectTransport]. It never panics on malformed
// input.
//
// Live capture on an Ethernet-backed interface hands every frame over with
// its Ethernet header still attached (DLT_EN10MB), while a raw/tunnel
// interface or an offline trace hands over bare IP (DLT_RAW); both shapes
// reach here, so a raw IP parse is tried first and an Ethernet-framed parse
// is tried on failure rather than requiring the caller to know which
// capture mode fed it (mirroring the teacher's dissect.go, which also never
// assumed a single fixed link layer across its pcap sources).
func DissectUDPDatagram(raw []byte) (*DissectedDatagram, error) {
	if len(raw) < 1 {
		return nil, ErrDissectShortPacket
	}
	if dd, err := dissectRawIP(raw); err == nil {
		return dd, nil
	}
	return dissectEthernetFrame(raw)
}

func dissectRawIP(raw []byte) (*DissectedDatagram, error) {
	dd := &DissectedDatagram{}
	version := raw[0] >> 4
	switch version {
	case 4:
		dd.packet = gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Lazy)
		layer := dd.packet.Layer(layers.LayerTypeIPv4)
		if layer == nil {
			return nil, ErrDissectNetwork
		}
		dd.ip = layer.(*layers.IPv4)
	case 6:
		dd.packet = gopacket.NewPacket(raw, layers.LayerTypeIPv6, gopacket.Lazy)
		layer := dd.packet.Layer(layers.LayerTypeIPv6)
		if layer == nil {
			return nil, ErrDissectNetwork
		}
		dd.ip = layer.(*layers.IPv6)
	default:
		return nil, ErrDissectNetwork
	}

	udpLayer := dd.packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, ErrDissectTransport
	}
	dd.udp = udpLayer.(*layers.UDP)
	return dd, nil
}

func dissectEthernetFrame(raw []byte) (*DissectedDatagram, error) {
	if len(raw) < 14 {
		return nil, ErrDissectShortPacket
	}
	packet := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.Lazy)
	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil, ErrDissectNetwork
	}
	dd := &DissectedDatagram{packet: packet, eth: ethLayer.(*layers.Ethernet)}

	switch {
	case packet.Layer(layers.LayerTypeIPv4) != nil:
		dd.ip = packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	case packet.Layer(layers.LayerTypeIPv6) != nil:
		dd.ip = packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	default:
		return nil, ErrDissectNetwork
	}

	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, ErrDissectTransport
	}
	dd.udp = udpLayer.(*layers.UDP)
	return dd, nil
}

// SourceIP returns the packet's source IP address as a string.
func (dd *DissectedDatagram) SourceIP() string {
	switch v := dd.ip.(type) {
	case *layers.IPv4:
		return v.SrcIP.String()
	case *layers.IPv6:
		return v.SrcIP.String()
	default:
		return ""
	}
}

// DestIP returns the packet's destination IP address as a string.
func (dd *DissectedDatagram) DestIP() string {
	switch v := dd.ip.(type) {
	case *layers.IPv4:
		return v.DstIP.String()
	case *layers.IPv6:
		return v.DstIP.String()
	default:
		return ""
	}
}

// SourcePort returns the UDP source port.
func (dd *DissectedDatagram) SourcePort() uint16 {
	return uint16(dd.udp.SrcPort)
}

// DestPort returns the UDP destination port.
func (dd *DissectedDatagram) DestPort() uint16 {
	return uint16(dd.udp.DstPort)
}

// Payload returns the UDP payload bytes (the QUIC datagram).
func (dd *DissectedDatagram) Payload() []byte {
	return dd.udp.Payload
}

// isIPv6 reports whether the underlying network layer is IPv6.
func (dd *DissectedDatagram) isIPv6() bool {
	_, ok := dd.ip.(*layers.IPv6)
	return ok
}

// datagramTemplate is the minimal addressing state needed to rebuild a UDP
// datagram around a new payload: enough to reconstruct an injected
// retransmission that is indistinguishable, at the IP layer, from a
// freshly-forwarded packet (spec §4.1).
type datagramTemplate struct {
	srcIP   string
	dstIP   string
	srcPort uint16
	dstPort uint16
	ipv6    bool

	// hasEthernet records whether the original frame carried an Ethernet
	// header, so an injected copy on the same egress interface carries one
	// too — and is therefore emitted as an equally valid frame, not one the
	// NIC driver silently discards.
	hasEthernet bool
	srcMAC      net.HardwareAddr
	dstMAC      net.HardwareAddr
}

// templateFromDatagram captures a [datagramTemplate] from a dissected
// datagram.
func templateFromDatagram(dd *DissectedDatagram) datagramTemplate {
	tpl := datagramTemplate{
		srcIP:   dd.SourceIP(),
		dstIP:   dd.DestIP(),
		srcPort: dd.SourcePort(),
		dstPort: dd.DestPort(),
		ipv6:    dd.isIPv6(),
	}
	if dd.eth != nil {
		tpl.hasEthernet = true
		tpl.srcMAC = dd.eth.SrcMAC
		tpl.dstMAC = dd.eth.DstMAC
	}
	return tpl
}

// buildDatagram serializes a fresh IPv4-or-IPv6/UDP datagram carrying
// payload, with header checksums and (for IPv4) the Identification field
// recomputed, exactly as spec §4.1 requires for injected copies. When tpl
// was captured from an Ethernet-framed capture, the same Ethernet addressing
// is replayed so the result is a complete, egress-ready frame rather than a
// bare IP packet the NIC driver has no link-layer header to send.
func buildDatagram(tpl datagramTemplate, payload []byte, ipID uint16) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(tpl.srcPort),
		DstPort: layers.UDPPort(tpl.dstPort),
	}

	var ip gopacket.SerializableLayer
	ethType := layers.EthernetTypeIPv4
	if tpl.ipv6 {
		ethType = layers.EthernetTypeIPv6
		v6 := &layers.IPv6{
			Version:    6,
			NextHeader: layers.IPProtocolUDP,
			HopLimit:   64,
			SrcIP:      net.ParseIP(tpl.srcIP),
			DstIP:      net.ParseIP(tpl.dstIP),
		}
		udp.SetNetworkLayerForChecksum(v6)
		ip = v6
	} else {
		v4 := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Id:       ipID,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.ParseIP(tpl.srcIP),
			DstIP:    net.ParseIP(tpl.dstIP),
		}
		udp.SetNetworkLayerForChecksum(v4)
		ip = v4
	}

	toSerialize := make([]gopacket.SerializableLayer, 0, 3)
	if tpl.hasEthernet {
		toSerialize = append(toSerialize, &layers.Ethernet{
			SrcMAC:       tpl.srcMAC,
			DstMAC:       tpl.dstMAC,
			EthernetType: ethType,
		})
	}
	toSerialize = append(toSerialize, ip, udp, gopacket.Payload(payload))

	if err := gopacket.SerializeLayers(buf, opts, toSerialize...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
