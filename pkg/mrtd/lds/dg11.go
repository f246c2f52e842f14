package lds

import (
	"fmt"
	"strings"

	"github.com/jlutukai/passport-nfc-reader/internal/tlv"
)

// DG11 tags
const (
	tagFullName           = 0x5F0E
	tagOtherName          = 0x5F0F
	tagPersonalNumber     = 0x5F10
	tagPlaceOfBirth       = 0x5F11
	tagTelephone          = 0x5F12
	tagProfession         = 0x5F13
	tagTitle              = 0x5F14
	tagPersonalSummary    = 0x5F15
	tagProofOfCitizenship = 0x5F16
	tagOtherTDNumbers     = 0x5F17
	tagCustodyInformation = 0x5F18
	tagFullDateOfBirth    = 0x5F2B
	tagPermanentAddress   = 0x5F42
	tagOtherNames         = 0xA0
)

// DG11 holds additional personal details. Multi-part fields such as the
// address are joined with ", ".
type DG11 struct {
	FullName           string
	OtherNames         []string
	PersonalNumber     string
	FullDateOfBirth    string
	PlaceOfBirth       string
	Address            string
	Telephone          string
	Profession         string
	Title              string
	PersonalSummary    string
	CustodyInformation string
	OtherTDNumbers     []string
}

// ParseDG11 decodes tag 6B. Absent fields are left empty.
func ParseDG11(b []byte) (*DG11, error) {
	outer, err := tlv.DecodeExact(b, TagDG11)
	if err != nil {
		return nil, fmt.Errorf("DG11: %w", err)
	}
	children, err := outer.Children()
	if err != nil {
		return nil, fmt.Errorf("DG11: %w", err)
	}

	dg := &DG11{}
	for _, o := range children {
		v := string(o.Value)
		switch o.Tag {
		case tagFullName:
			dg.FullName = clean(v)
		case tagOtherName:
			dg.OtherNames = append(dg.OtherNames, clean(v))
		case tagOtherNames:
			names, err := o.Children()
			if err != nil {
				return nil, fmt.Errorf("DG11: other names: %w", err)
			}
			for _, n := range names.All(tagOtherName) {
				dg.OtherNames = append(dg.OtherNames, clean(string(n.Value)))
			}
		case tagPersonalNumber:
			dg.PersonalNumber = clean(v)
		case tagFullDateOfBirth:
			dg.FullDateOfBirth = fullDate(o.Value)
		case tagPlaceOfBirth:
			dg.PlaceOfBirth = joinParts(v)
		case tagPermanentAddress:
			dg.Address = joinParts(v)
		case tagTelephone:
			dg.Telephone = clean(v)
		case tagProfession:
			dg.Profession = clean(v)
		case tagTitle:
			dg.Title = clean(v)
		case tagPersonalSummary:
			dg.PersonalSummary = clean(v)
		case tagCustodyInformation:
			dg.CustodyInformation = clean(v)
		case tagOtherTDNumbers:
			for _, n := range strings.Split(v, "<") {
				if n != "" {
					dg.OtherTDNumbers = append(dg.OtherTDNumbers, n)
				}
			}
		}
	}
	return dg, nil
}

// joinParts splits a '<' separated field into its non-empty parts.
func joinParts(v string) string {
	var parts []string
	for _, p := range strings.Split(v, "<") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// fullDate accepts the 8-character YYYYMMDD form and the 4-byte BCD form.
func fullDate(b []byte) string {
	if len(b) == 4 {
		return fmt.Sprintf("%02X%02X%02X%02X", b[0], b[1], b[2], b[3])
	}
	return strings.TrimSpace(string(b))
}

// DG14 carries the chip authentication SecurityInfos.
type DG14 struct {
	SecurityInfos *SecurityInfos
}

// ParseDG14 decodes tag 6E wrapping a DER SET OF SecurityInfo.
func ParseDG14(b []byte) (*DG14, error) {
	outer, err := tlv.DecodeExact(b, TagDG14)
	if err != nil {
		return nil, fmt.Errorf("DG14: %w", err)
	}
	infos, err := ParseSecurityInfos(outer.Value)
	if err != nil {
		return nil, fmt.Errorf("DG14: %w", err)
	}
	return &DG14{SecurityInfos: infos}, nil
}
