package pemi

//
// QUIC short-header parser (spec §4.2).
//
// Grounded on the teacher's quicparse.go: the same byte-cursor parsing
// style (golang.org/x/crypto/cryptobyte backing a bytes.Reader, quicvarint
// for variable-length integers) is reused here, but retargeted at the
// fields observable WITHOUT keys. The teacher's UnmarshalLongHeaderPacket
// decrypts the Initial packet to extract the SNI; PEMI's long-header path
// stops the instant it has read the Source Connection ID, and its
// short-header path never attempts header-protection removal or AEAD
// decryption at all (an explicit Non-goal, spec §1).
//

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/crypto/cryptobyte"
)

// defaultDCIDLen is the middlebox-convention DCID length used when
// parseShortHeaderPacket is given a non-positive length. Short headers are
// always parsed with the configured dcid_len; the DCID length is not learned
// per flow from long-header packets.
const defaultDCIDLen = 8

// longHeaderInfo is what PEMI extracts from a long-header (handshake)
// packet: just enough to learn the active DCID/SCID pair (spec §3
// lifecycle: "Long-header packets are recorded only to learn the active
// DCID").
type longHeaderInfo struct {
	Version uint32
	DCID    []byte
	SCID    []byte
}

// parsePacket classifies and parses a raw UDP payload. It returns either a
// [PacketObservation] (short header) or a [*longHeaderInfo] (long header),
// or [ErrSkip] if the datagram is not a QUIC packet
// PEMI tracks. Per spec §4.2/§7 it never returns any other error and never
// panics on malformed input.
func parsePacket(payload []byte, side Side, arrival time.Time, dcidLen int) (obs *PacketObservation, lh *longHeaderInfo, err error) {
	defer func() {
		// Parsing walks attacker/network-controlled bytes with raw slice
		// arithmetic; turn any out-of-range panic into ErrSkip instead of
		// taking the whole engine down (spec §7: malformed input is never
		// fatal).
		if r := recover(); r != nil {
			obs, lh, err = nil, nil, ErrSkip
		}
	}()

	if len(payload) < 1 {
		return nil, nil, ErrSkip
	}
	firstByte := payload[0]

	// Header Form is the top bit of the first byte (RFC 9000 §17.2/17.3).
	if firstByte&0x80 != 0 {
		info, perr := parseLongHeader(payload)
		if perr != nil {
			return nil, nil, ErrSkip
		}
		return nil, info, nil
	}

	obs, perr := parseShortHeaderPacket(payload, side, arrival, dcidLen)
	if perr != nil {
		return nil, nil, ErrSkip
	}
	return obs, nil, nil
}

// parseLongHeader reads just enough of a long-header packet to learn the
// Destination and Source Connection IDs.
func parseLongHeader(payload []byte) (*longHeaderInfo, error) {
	cursor := bytes.NewReader(cryptobyte.String(payload))
	if _, err := cursor.ReadByte(); err != nil {
		return nil, newErrQUICParse("long header: cannot read first byte")
	}

	versionBytes := make([]byte, 4)
	if _, err := cursor.Read(versionBytes); err != nil {
		return nil, newErrQUICParse("long header: cannot read version")
	}
	version := binary.BigEndian.Uint32(versionBytes)

	lendid, err := cursor.ReadByte()
	if err != nil {
		return nil, newErrQUICParse("long header: cannot read DCID length")
	}
	dcid := make([]byte, int(lendid))
	if _, err := cursor.Read(dcid); err != nil {
		return nil, newErrQUICParse("long header: cannot read DCID")
	}

	lensid, err := cursor.ReadByte()
	if err != nil {
		return nil, newErrQUICParse("long header: cannot read SCID length")
	}
	scid := make([]byte, int(lensid))
	if _, err := cursor.Read(scid); err != nil {
		return nil, newErrQUICParse("long header: cannot read SCID")
	}

	return &longHeaderInfo{Version: version, DCID: dcid, SCID: scid}, nil
}

// skipVarintFields consumes a sequence of quicvarint-encoded fields; kept
// as a building block for future coalesced-datagram handling (spec §9 open
// question b chooses NOT to use this today: PEMI parses only the outermost
// header and fingerprints the whole datagram).
func skipVarintFields(cursor *bytes.Reader, count int) error {
	for i := 0; i < count; i++ {
		if _, err := quicvarint.Read(cursor); err != nil {
			return newErrQUICParse("cannot read varint field")
		}
	}
	return nil
}

// parseShortHeaderPacket parses a short-header (1-RTT) packet's observable
// fields: the DCID (using the configured dcid_len) and a fingerprint
// of the ciphertext immediately following it.
func parseShortHeaderPacket(payload []byte, side Side, arrival time.Time, dcidLen int) (*PacketObservation, error) {
	if dcidLen <= 0 {
		dcidLen = defaultDCIDLen
	}
	if len(payload) < 1+dcidLen {
		return nil, newErrQUICParse("short header: packet shorter than DCID")
	}

	dcid := make([]byte, dcidLen)
	copy(dcid, payload[1:1+dcidLen])

	// PNOffset is the parsed location where the (still header-protected)
	// packet number would begin; PEMI never removes header protection, so
	// this is a location, not a decoded length (spec §4.2).
	pnOffset := 1 + dcidLen

	obs := &PacketObservation{
		Arrival:    arrival,
		Side:       side,
		Payload:    payload,
		DCID:       dcid,
		HeaderForm: HeaderShort,
		PNOffset:   pnOffset,
		Length:     len(payload),
	}
	obs.Fingerprint = fingerprintPayload(payload, pnOffset)
	return obs, nil
}

// fingerprintPayload hashes the FingerprintSize ciphertext bytes starting
// at offset (spec §4.2: "hash(payload[1+dcid_len .. 1+dcid_len+16])"). If
// fewer bytes are available it hashes whatever remains, which only widens
// (never narrows) the probabilistic identity space — acceptable per the
// design note on fingerprinting trade-offs (spec §9).
func fingerprintPayload(payload []byte, offset int) Fingerprint {
	var window []byte
	switch {
	case offset >= len(payload):
		window = nil
	case offset+FingerprintSize > len(payload):
		window = payload[offset:]
	default:
		window = payload[offset : offset+FingerprintSize]
	}
	sum := xxhash.Sum64(window)
	var fp Fingerprint
	binary.BigEndian.PutUint64(fp[:], sum)
	return fp
}
