package pemi

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func buildRawIPv4UDP(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Id: 1,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize raw IPv4/UDP: %v", err)
	}
	return buf.Bytes()
}

func buildEthernetIPv4UDP(t *testing.T, srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Id: 1,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize Ethernet/IPv4/UDP: %v", err)
	}
	return buf.Bytes()
}

func TestDissectUDPDatagramRawIP(t *testing.T) {
	raw := buildRawIPv4UDP(t, "9.9.9.9", "10.0.0.2", 443, 51000, []byte("hello"))

	dd, err := DissectUDPDatagram(raw)
	if err != nil {
		t.Fatalf("DissectUDPDatagram: %v", err)
	}
	if dd.SourceIP() != "9.9.9.9" || dd.DestIP() != "10.0.0.2" {
		t.Errorf("addresses = %s -> %s, want 9.9.9.9 -> 10.0.0.2", dd.SourceIP(), dd.DestIP())
	}
	if !bytes.Equal(dd.Payload(), []byte("hello")) {
		t.Errorf("payload = %q, want %q", dd.Payload(), "hello")
	}
}

// A live capture off an Ethernet-backed interface (DLT_EN10MB) hands frames
// over with their link-layer header still attached; DissectUDPDatagram must
// see through it the same way it sees a bare-IP capture.
func TestDissectUDPDatagramEthernetFramed(t *testing.T) {
	srcMAC := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	dstMAC := net.HardwareAddr{0x00, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	raw := buildEthernetIPv4UDP(t, srcMAC, dstMAC, "9.9.9.9", "10.0.0.2", 443, 51000, []byte("hello"))

	dd, err := DissectUDPDatagram(raw)
	if err != nil {
		t.Fatalf("DissectUDPDatagram: %v", err)
	}
	if dd.SourceIP() != "9.9.9.9" || dd.DestIP() != "10.0.0.2" {
		t.Errorf("addresses = %s -> %s, want 9.9.9.9 -> 10.0.0.2", dd.SourceIP(), dd.DestIP())
	}
	if dd.eth == nil {
		t.Fatal("expected an Ethernet layer to be captured")
	}

	tpl := templateFromDatagram(dd)
	if !tpl.hasEthernet {
		t.Fatal("datagramTemplate should record hasEthernet for an Ethernet-framed capture")
	}

	rebuilt, err := buildDatagram(tpl, []byte("retransmit"), 42)
	if err != nil {
		t.Fatalf("buildDatagram: %v", err)
	}

	rdd, err := DissectUDPDatagram(rebuilt)
	if err != nil {
		t.Fatalf("DissectUDPDatagram(rebuilt): %v", err)
	}
	if rdd.eth == nil {
		t.Fatal("rebuilt datagram should still carry an Ethernet header")
	}
	if !bytes.Equal(rdd.eth.SrcMAC, srcMAC) || !bytes.Equal(rdd.eth.DstMAC, dstMAC) {
		t.Errorf("rebuilt Ethernet addressing = %s -> %s, want %s -> %s", rdd.eth.SrcMAC, rdd.eth.DstMAC, srcMAC, dstMAC)
	}
	if !bytes.Equal(rdd.Payload(), []byte("retransmit")) {
		t.Errorf("rebuilt payload = %q, want %q", rdd.Payload(), "retransmit")
	}
}

func TestDissectUDPDatagramShortPacket(t *testing.T) {
	if _, err := DissectUDPDatagram(nil); err != ErrDissectShortPacket {
		t.Fatalf("DissectUDPDatagram(nil) = %v, want ErrDissectShortPacket", err)
	}
}
