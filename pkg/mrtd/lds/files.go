// Package lds decodes the files of the ICAO 9303 Logical Data Structure:
// EF.CardAccess, the data groups this reader consumes (DG1, DG2, DG7, DG11,
// DG14) and the Document Security Object.
//
// Each Parse function takes the complete file as read from the chip and
// fails if the outer tag or its declared length does not match.
package lds

// Elementary file identifiers
const (
	FIDCardAccess uint16 = 0x011C
	FIDCOM        uint16 = 0x011E
	FIDSOD        uint16 = 0x011D
	FIDDG1        uint16 = 0x0101
	FIDDG2        uint16 = 0x0102
	FIDDG7        uint16 = 0x0107
	FIDDG11       uint16 = 0x010B
	FIDDG14       uint16 = 0x010E
)

// Outer LDS tags
const (
	TagCOM  uint32 = 0x60
	TagDG1  uint32 = 0x61
	TagDG2  uint32 = 0x75
	TagDG7  uint32 = 0x67
	TagDG11 uint32 = 0x6B
	TagDG14 uint32 = 0x6E
	TagSOD  uint32 = 0x77
)

// FIDForDataGroup maps a data group number to its file identifier.
func FIDForDataGroup(dg int) (uint16, bool) {
	if dg < 1 || dg > 16 {
		return 0, false
	}
	return 0x0100 | uint16(dg), true
}
