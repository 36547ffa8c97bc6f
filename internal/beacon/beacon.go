// Package beacon recognizes vendor beacon overlays (iBeacon, Eddystone,
// AltBeacon, Apple Continuity, Google Fast Pair, Microsoft Swift Pair)
// layered inside manufacturer-specific or service data already decoded by
// internal/advdata.
package beacon

import (
	"fmt"

	"github.com/srgg/blesense/internal/advdata"
)

// Kind tags which overlay a detected beacon carries.
type Kind int

const (
	KindIBeacon Kind = iota
	KindEddystoneUID
	KindEddystoneURL
	KindEddystoneTLM
	KindEddystoneEID
	KindAltBeacon
	KindContinuityHandoff
	KindContinuityAirDrop
	KindContinuityNearby
	KindFastPair
	KindSwiftPair
)

func (k Kind) String() string {
	switch k {
	case KindIBeacon:
		return "IBeacon"
	case KindEddystoneUID:
		return "EddystoneUID"
	case KindEddystoneURL:
		return "EddystoneURL"
	case KindEddystoneTLM:
		return "EddystoneTLM"
	case KindEddystoneEID:
		return "EddystoneEID"
	case KindAltBeacon:
		return "AltBeacon"
	case KindContinuityHandoff:
		return "ContinuityHandoff"
	case KindContinuityAirDrop:
		return "ContinuityAirDrop"
	case KindContinuityNearby:
		return "ContinuityNearby"
	case KindFastPair:
		return "FastPair"
	case KindSwiftPair:
		return "SwiftPair"
	default:
		return "Unknown"
	}
}

// Overlay is a single detected vendor protocol, with kind-specific payload
// in one of the pointer fields.
type Overlay struct {
	Kind Kind

	IBeacon    *IBeaconData
	Eddystone  *EddystoneData
	AltBeacon  *AltBeaconData
	Continuity *ContinuityData
	FastPair   *FastPairData
	SwiftPair  *SwiftPairData
}

// IBeaconData is Apple's iBeacon proximity format.
type IBeaconData struct {
	UUID    string
	Major   uint16
	Minor   uint16
	TxPower int8
}

// EddystoneData is Google's Eddystone beacon family.
type EddystoneData struct {
	NamespaceID [10]byte // UID
	InstanceID  [6]byte  // UID
	URL         string   // URL
	Version     byte     // TLM
	BatteryMv   uint16   // TLM
	TempC       int8     // TLM
	PDUCount    uint32   // TLM
	UptimeMs    uint32   // TLM
	EID         [8]byte  // EID
	TxPower     int8
}

// AltBeaconData is the open AltBeacon format.
type AltBeaconData struct {
	ManufacturerID uint16
	UUID           string
	Major          uint16
	Minor          uint16
	TxPower        int8
	Reserved       byte
}

// ContinuitySubtype distinguishes the three recognized Apple Continuity
// message types.
type ContinuitySubtype int

const (
	ContinuityHandoff ContinuitySubtype = iota
	ContinuityAirDrop
	ContinuityNearby
)

// ContinuityData is Apple's proprietary Continuity protocol payload.
type ContinuityData struct {
	Subtype  ContinuitySubtype
	Sequence uint32 // Handoff
	AuthTag  uint32 // Handoff
	Action   byte   // Nearby
	Hash     []byte // AirDrop, Nearby
}

// FastPairData is Google's Fast Pair simplified-pairing payload.
type FastPairData struct {
	ModelID          uint32
	Flags            byte
	Battery          *byte
	ShowUIIndication bool
}

// SwiftPairData is Microsoft's Swift Pair simplified-pairing payload.
type SwiftPairData struct {
	Version byte
	TLVs    []TLV
}

// TLV is a single Swift Pair type-length-value entry.
type TLV struct {
	Type  byte
	Value []byte
}

// Detect runs all detection rules against a parsed advertisement and
// returns every overlay found, in the fixed rule order required by
// spec.md §4.2 so test expectations are stable: iBeacon, Eddystone,
// AltBeacon, Continuity, FastPair, SwiftPair.
func Detect(p *advdata.ParsedAdvertisement) []Overlay {
	var out []Overlay

	ibeacon, isIBeacon := detectIBeacon(p)
	if isIBeacon {
		out = append(out, Overlay{Kind: KindIBeacon, IBeacon: ibeacon})
	}

	if ov, ok := detectEddystone(p); ok {
		out = append(out, ov)
	}

	if ov, ok := detectAltBeacon(p); ok {
		out = append(out, ov)
	}

	// The iBeacon and Continuity rules share manufacturer id 0x004C. Per
	// spec.md §9, emit both only when the subtype bytes differ from the
	// iBeacon signature; when uncertain, prefer the more specific iBeacon
	// overlay only.
	if ov, ok := detectContinuity(p, isIBeacon); ok {
		out = append(out, ov)
	}

	if ov, ok := detectFastPair(p); ok {
		out = append(out, ov)
	}

	if ov, ok := detectSwiftPair(p); ok {
		out = append(out, ov)
	}

	return out
}

func detectIBeacon(p *advdata.ParsedAdvertisement) (*IBeaconData, bool) {
	data, ok := p.ManufacturerData.Get(0x004C)
	if !ok || len(data) < 23 || data[0] != 0x02 || data[1] != 0x15 {
		return nil, false
	}
	return &IBeaconData{
		UUID:    uuid128BE(data[2:18]),
		Major:   be16(data[18:20]),
		Minor:   be16(data[20:22]),
		TxPower: int8(data[22]),
	}, true
}

func detectEddystone(p *advdata.ParsedAdvertisement) (Overlay, bool) {
	data, ok := p.ServiceData16.Get(0xAAFE)
	if !ok || len(data) < 1 {
		return Overlay{}, false
	}

	switch data[0] {
	case 0x00: // UID
		if len(data) < 18 {
			return Overlay{}, false
		}
		ed := &EddystoneData{TxPower: int8(data[1])}
		copy(ed.NamespaceID[:], data[2:12])
		copy(ed.InstanceID[:], data[12:18])
		return Overlay{Kind: KindEddystoneUID, Eddystone: ed}, true
	case 0x10: // URL
		if len(data) < 3 {
			return Overlay{}, false
		}
		url := decodeEddystoneURL(data[2], data[3:])
		return Overlay{Kind: KindEddystoneURL, Eddystone: &EddystoneData{TxPower: int8(data[1]), URL: url}}, true
	case 0x20: // TLM
		if len(data) < 14 {
			return Overlay{}, false
		}
		ed := &EddystoneData{
			Version:   data[1],
			BatteryMv: be16(data[2:4]),
			TempC:     int8(data[4]),
			PDUCount:  be32(data[5:9]),
			UptimeMs:  be32(data[9:13]),
		}
		return Overlay{Kind: KindEddystoneTLM, Eddystone: ed}, true
	case 0x30: // EID
		if len(data) < 10 {
			return Overlay{}, false
		}
		ed := &EddystoneData{TxPower: int8(data[1])}
		copy(ed.EID[:], data[2:10])
		return Overlay{Kind: KindEddystoneEID, Eddystone: ed}, true
	default:
		return Overlay{}, false
	}
}

func detectAltBeacon(p *advdata.ParsedAdvertisement) (Overlay, bool) {
	for pair := p.ManufacturerData.Oldest(); pair != nil; pair = pair.Next() {
		data := pair.Value
		if len(data) >= 24 && data[0] == 0xBE && data[1] == 0xAC {
			ab := &AltBeaconData{
				ManufacturerID: pair.Key,
				UUID:           uuid128BE(data[2:18]),
				Major:          be16(data[18:20]),
				Minor:          be16(data[20:22]),
				TxPower:        int8(data[22]),
				Reserved:       data[23],
			}
			return Overlay{Kind: KindAltBeacon, AltBeacon: ab}, true
		}
	}
	return Overlay{}, false
}

func detectContinuity(p *advdata.ParsedAdvertisement, isIBeacon bool) (Overlay, bool) {
	data, ok := p.ManufacturerData.Get(0x004C)
	if !ok || len(data) < 2 {
		return Overlay{}, false
	}

	subtypeByte := data[0]
	// iBeacon's signature is bytes[0..2] == {0x02, 0x15}; only suppress
	// Continuity when the subtype byte actually matches that signature.
	if isIBeacon && subtypeByte == 0x02 {
		return Overlay{}, false
	}

	switch subtypeByte {
	case 0x00, 0x01:
		if len(data) < 10 {
			return Overlay{}, false
		}
		cd := &ContinuityData{
			Subtype:  ContinuityHandoff,
			Sequence: be32(data[1:5]),
			AuthTag:  be32(data[5:9]),
		}
		return Overlay{Kind: KindContinuityHandoff, Continuity: cd}, true
	case 0x05:
		cd := &ContinuityData{Subtype: ContinuityAirDrop, Hash: append([]byte(nil), data[1:]...)}
		return Overlay{Kind: KindContinuityAirDrop, Continuity: cd}, true
	case 0x08, 0x0C:
		cd := &ContinuityData{Subtype: ContinuityNearby, Action: data[1], Hash: append([]byte(nil), data[2:]...)}
		return Overlay{Kind: KindContinuityNearby, Continuity: cd}, true
	default:
		return Overlay{}, false
	}
}

func detectFastPair(p *advdata.ParsedAdvertisement) (Overlay, bool) {
	data, ok := p.ServiceData16.Get(0xFE2C)
	if !ok || len(data) < 3 {
		return Overlay{}, false
	}

	flags := data[0]
	modelID := uint32(data[1]) | uint32(data[2])<<8
	if len(data) > 3 {
		modelID |= uint32(data[3]&0x0F) << 16
	}

	fp := &FastPairData{
		ModelID:          modelID,
		Flags:            flags,
		ShowUIIndication: flags&0x01 != 0,
	}
	if len(data) > 4 {
		b := data[4]
		fp.Battery = &b
	}
	return Overlay{Kind: KindFastPair, FastPair: fp}, true
}

func detectSwiftPair(p *advdata.ParsedAdvertisement) (Overlay, bool) {
	data, ok := p.ManufacturerData.Get(0x006F)
	if !ok || len(data) < 2 {
		return Overlay{}, false
	}

	sp := &SwiftPairData{Version: data[0]}
	pos := 1
	for pos+2 <= len(data) {
		tlvType := data[pos]
		length := int(data[pos+1])
		if pos+2+length > len(data) {
			break
		}
		sp.TLVs = append(sp.TLVs, TLV{Type: tlvType, Value: append([]byte(nil), data[pos+2:pos+2+length]...)})
		pos += 2 + length
	}
	return Overlay{Kind: KindSwiftPair, SwiftPair: sp}, true
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// uuid128BE renders 16 big-endian bytes (as iBeacon/AltBeacon carry them on
// the wire) in standard 8-4-4-4-12 textual UUID form.
func uuid128BE(b []byte) string {
	return fmt.Sprintf(
		"%02x%02x%02x%02x-%02x%02x-%02x%02x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		b[0], b[1], b[2], b[3],
		b[4], b[5],
		b[6], b[7],
		b[8], b[9],
		b[10], b[11], b[12], b[13], b[14], b[15],
	)
}

var eddystoneURLSchemes = []string{"http://www.", "https://www.", "http://", "https://"}

var eddystoneURLExpansions = []string{
	".com/", ".org/", ".edu/", ".net/", ".info/", ".biz/", ".gov/", "",
	".com", ".org", ".edu", ".net", ".info", ".biz", ".gov",
}

func decodeEddystoneURL(scheme byte, data []byte) string {
	var b []byte
	if int(scheme) < len(eddystoneURLSchemes) {
		b = append(b, eddystoneURLSchemes[scheme]...)
	}
	for _, c := range data {
		switch {
		case int(c) < len(eddystoneURLExpansions) && c != 0x07:
			b = append(b, eddystoneURLExpansions[c]...)
		case c >= 0x20 && c <= 0x7E:
			b = append(b, c)
		}
	}
	return string(b)
}
