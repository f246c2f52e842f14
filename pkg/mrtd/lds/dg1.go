package lds

import (
	"fmt"
	"strings"

	"github.com/jlutukai/passport-nfc-reader/internal/tlv"
)

// MRZ layouts by total character count
const (
	lenTD1 = 90 // ID cards, 3 lines of 30
	lenTD2 = 72 // 2 lines of 36
	lenTD3 = 88 // passports, 2 lines of 44
)

// MRZ holds the fields of the machine readable zone. Names keep their
// MRZ spelling except that filler characters become spaces.
type MRZ struct {
	Raw                 string
	DocumentCode        string
	IssuingState        string
	DocumentNumber      string
	PrimaryIdentifier   string
	SecondaryIdentifier string
	Nationality         string
	DateOfBirth         string
	Gender              string
	DateOfExpiry        string
	OptionalData        string
	DocumentNumberCheck byte
	DateOfBirthCheck    byte
	DateOfExpiryCheck   byte
}

// DG1 is the MRZ data group.
type DG1 struct {
	MRZ MRZ
}

// ParseDG1 decodes tag 61 holding a 5F1F MRZ string.
func ParseDG1(b []byte) (*DG1, error) {
	outer, err := tlv.DecodeExact(b, TagDG1)
	if err != nil {
		return nil, fmt.Errorf("DG1: %w", err)
	}
	children, err := outer.Children()
	if err != nil {
		return nil, fmt.Errorf("DG1: %w", err)
	}
	mrzObj, ok := children.Get(0x5F1F)
	if !ok {
		return nil, fmt.Errorf("DG1: MRZ tag 5F1F missing")
	}
	mrz, err := ParseMRZ(string(mrzObj.Value))
	if err != nil {
		return nil, fmt.Errorf("DG1: %w", err)
	}
	return &DG1{MRZ: mrz}, nil
}

// ParseMRZ splits an MRZ string into fields according to its length.
func ParseMRZ(raw string) (MRZ, error) {
	raw = strings.NewReplacer("\n", "", "\r", "").Replace(raw)
	m := MRZ{Raw: raw}
	switch len(raw) {
	case lenTD3:
		m.DocumentCode = clean(raw[0:2])
		m.IssuingState = clean(raw[2:5])
		m.PrimaryIdentifier, m.SecondaryIdentifier = splitName(raw[5:44])
		l2 := raw[44:]
		m.DocumentNumber = clean(l2[0:9])
		m.DocumentNumberCheck = l2[9]
		m.Nationality = clean(l2[10:13])
		m.DateOfBirth = l2[13:19]
		m.DateOfBirthCheck = l2[19]
		m.Gender = gender(l2[20])
		m.DateOfExpiry = l2[21:27]
		m.DateOfExpiryCheck = l2[27]
		m.OptionalData = clean(l2[28:42])
	case lenTD2:
		m.DocumentCode = clean(raw[0:2])
		m.IssuingState = clean(raw[2:5])
		m.PrimaryIdentifier, m.SecondaryIdentifier = splitName(raw[5:36])
		l2 := raw[36:]
		m.DocumentNumber = clean(l2[0:9])
		m.DocumentNumberCheck = l2[9]
		m.Nationality = clean(l2[10:13])
		m.DateOfBirth = l2[13:19]
		m.DateOfBirthCheck = l2[19]
		m.Gender = gender(l2[20])
		m.DateOfExpiry = l2[21:27]
		m.DateOfExpiryCheck = l2[27]
		m.OptionalData = clean(l2[28:35])
	case lenTD1:
		m.DocumentCode = clean(raw[0:2])
		m.IssuingState = clean(raw[2:5])
		m.DocumentNumber = clean(raw[5:14])
		m.DocumentNumberCheck = raw[14]
		m.OptionalData = clean(raw[15:30])
		l2 := raw[30:60]
		m.DateOfBirth = l2[0:6]
		m.DateOfBirthCheck = l2[6]
		m.Gender = gender(l2[7])
		m.DateOfExpiry = l2[8:14]
		m.DateOfExpiryCheck = l2[14]
		m.Nationality = clean(l2[15:18])
		m.PrimaryIdentifier, m.SecondaryIdentifier = splitName(raw[60:90])
	default:
		return MRZ{}, fmt.Errorf("MRZ length %d matches no document format", len(raw))
	}
	return m, nil
}

// splitName separates primary and secondary identifiers at the first "<<".
func splitName(field string) (primary, secondary string) {
	p, s, _ := strings.Cut(field, "<<")
	return clean(p), clean(s)
}

// clean turns filler characters into single spaces and trims.
func clean(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool { return r == '<' || r == ' ' }), " ")
}

func gender(c byte) string {
	switch c {
	case 'M':
		return "MALE"
	case 'F':
		return "FEMALE"
	case '<', 'X':
		return "UNSPECIFIED"
	default:
		return "UNKNOWN"
	}
}
