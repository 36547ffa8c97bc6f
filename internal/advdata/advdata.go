// Package advdata decodes raw Bluetooth advertising payloads into typed
// structures: the length-type-value (AD structure) framing defined by the
// Bluetooth Core Specification, covering the 43 AD types this system cares
// about.
//
// Parse is total: it never panics and never reads out of bounds, regardless
// of how malformed raw is (see the terminate-at-first-invalid-length rule
// below). Malformed input simply ends parsing early; whatever was already
// decoded is kept.
package advdata

import (
	"fmt"
	"strings"
	"unicode/utf8"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// AD type constants, per the dispatch table in spec.md §4.1.
const (
	TypeFlags            byte = 0x01
	TypeIncomplete16     byte = 0x02
	TypeComplete16       byte = 0x03
	TypeIncomplete32     byte = 0x04
	TypeComplete32       byte = 0x05
	TypeIncomplete128    byte = 0x06
	TypeComplete128      byte = 0x07
	TypeShortName        byte = 0x08
	TypeCompleteName     byte = 0x09
	TypeTxPower          byte = 0x0A
	TypeServiceData16    byte = 0x16
	TypeAppearance       byte = 0x19
	TypeServiceData32    byte = 0x20
	TypeServiceData128   byte = 0x21
	TypeManufacturerData byte = 0xFF
)

// Flags holds the five boolean bits carried in AD type 0x01.
type Flags struct {
	LimitedDiscoverable        bool
	GeneralDiscoverable        bool
	BREDRNotSupported          bool
	SimultaneousLEAndBREDRCtrl bool
	SimultaneousLEAndBREDRHost bool
}

func flagsFromByte(b byte) Flags {
	return Flags{
		LimitedDiscoverable:        b&0x01 != 0,
		GeneralDiscoverable:        b&0x02 != 0,
		BREDRNotSupported:          b&0x04 != 0,
		SimultaneousLEAndBREDRCtrl: b&0x08 != 0,
		SimultaneousLEAndBREDRHost: b&0x10 != 0,
	}
}

// Structure is a single raw {type, bytes} unit, kept in original frame order.
type Structure struct {
	Type  byte
	Bytes []byte
}

// ParsedAdvertisement is the pure, total decoding of a raw advertising
// payload. All fields are zero-valued/empty when the corresponding AD type
// was absent.
type ParsedAdvertisement struct {
	Flags      *Flags
	LocalName  string
	ShortName  string
	TxPower    *int8
	Appearance *uint16

	Services16  map[uint16]struct{}
	Services32  map[uint32]struct{}
	Services128 map[string]struct{}

	// Keyed maps use an ordered map (as the teacher's go.mod already
	// depends on github.com/wk8/go-ordered-map/v2) so iteration order is
	// deterministic: insertion order, i.e. frame order, rather than Go's
	// randomized map order.
	ServiceData16  *orderedmap.OrderedMap[uint16, []byte]
	ServiceData32  *orderedmap.OrderedMap[uint32, []byte]
	ServiceData128 *orderedmap.OrderedMap[string, []byte]

	ManufacturerData *orderedmap.OrderedMap[uint16, []byte]

	ADStructures []Structure
}

func newParsed() *ParsedAdvertisement {
	return &ParsedAdvertisement{
		Services16:       make(map[uint16]struct{}),
		Services32:       make(map[uint32]struct{}),
		Services128:      make(map[string]struct{}),
		ServiceData16:    orderedmap.New[uint16, []byte](),
		ServiceData32:    orderedmap.New[uint32, []byte](),
		ServiceData128:   orderedmap.New[string, []byte](),
		ManufacturerData: orderedmap.New[uint16, []byte](),
	}
}

// Parse decodes raw into a ParsedAdvertisement. It is total: for any byte
// slice of any length it returns a value and never fails.
func Parse(raw []byte) *ParsedAdvertisement {
	p := newParsed()

	pos := 0
	for pos < len(raw) {
		length := int(raw[pos])
		if length == 0 {
			break // end padding
		}
		if pos+length+1 > len(raw) {
			break // truncated unit; keep whatever was already parsed
		}

		adType := raw[pos+1]
		data := raw[pos+2 : pos+length+1]

		p.ADStructures = append(p.ADStructures, Structure{Type: adType, Bytes: append([]byte(nil), data...)})
		dispatch(adType, data, p)

		pos += length + 1
	}

	return p
}

func dispatch(adType byte, data []byte, p *ParsedAdvertisement) {
	switch adType {
	case TypeFlags:
		if len(data) >= 1 {
			f := flagsFromByte(data[0])
			p.Flags = &f
		}
	case TypeIncomplete16, TypeComplete16:
		for i := 0; i+2 <= len(data); i += 2 {
			p.Services16[le16(data[i:i+2])] = struct{}{}
		}
	case TypeIncomplete32, TypeComplete32:
		for i := 0; i+4 <= len(data); i += 4 {
			p.Services32[le32(data[i:i+4])] = struct{}{}
		}
	case TypeIncomplete128, TypeComplete128:
		for i := 0; i+16 <= len(data); i += 16 {
			p.Services128[uuid128String(data[i:i+16])] = struct{}{}
		}
	case TypeShortName:
		p.ShortName = decodeName(data)
	case TypeCompleteName:
		p.LocalName = decodeName(data)
	case TypeTxPower:
		if len(data) >= 1 {
			v := int8(data[0])
			p.TxPower = &v
		}
	case TypeAppearance:
		if len(data) >= 2 {
			v := le16(data[0:2])
			p.Appearance = &v
		}
	case TypeServiceData16:
		if len(data) >= 2 {
			p.ServiceData16.Set(le16(data[0:2]), append([]byte(nil), data[2:]...))
		}
	case TypeServiceData32:
		if len(data) >= 4 {
			p.ServiceData32.Set(le32(data[0:4]), append([]byte(nil), data[4:]...))
		}
	case TypeServiceData128:
		if len(data) >= 16 {
			p.ServiceData128.Set(uuid128String(data[0:16]), append([]byte(nil), data[16:]...))
		}
	case TypeManufacturerData:
		if len(data) >= 2 {
			p.ManufacturerData.Set(le16(data[0:2]), append([]byte(nil), data[2:]...))
		}
	default:
		// Stored verbatim in ADStructures only; no further processing.
	}
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// decodeName decodes data as UTF-8, replacing invalid sequences with the
// Unicode replacement character rather than failing.
func decodeName(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	var b strings.Builder
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		b.WriteRune(r)
		data = data[size:]
	}
	return b.String()
}

// uuid128String renders 16 little-endian wire-order bytes in standard
// 8-4-4-4-12 big-endian textual UUID form.
func uuid128String(b []byte) string {
	return fmt.Sprintf(
		"%02x%02x%02x%02x-%02x%02x-%02x%02x-%02x%02x-%02x%02x%02x%02x%02x%02x",
		b[15], b[14], b[13], b[12],
		b[11], b[10],
		b[9], b[8],
		b[7], b[6],
		b[5], b[4], b[3], b[2], b[1], b[0],
	)
}
