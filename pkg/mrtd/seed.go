package mrtd

import (
	"crypto/sha1"
	"fmt"
	"strings"
	"time"
)

// BACSeed holds the three printed MRZ fields that key both BAC and PACE
// (as the MRZ password). Dates are YYMMDD.
type BACSeed struct {
	DocumentNumber string
	DateOfBirth    string
	DateOfExpiry   string
}

// NewBACSeed normalizes and validates the access key fields.
func NewBACSeed(documentNumber, dateOfBirth, dateOfExpiry string) (BACSeed, error) {
	s := BACSeed{
		DocumentNumber: strings.ToUpper(strings.TrimSpace(documentNumber)),
		DateOfBirth:    strings.TrimSpace(dateOfBirth),
		DateOfExpiry:   strings.TrimSpace(dateOfExpiry),
	}
	if err := s.Validate(); err != nil {
		return BACSeed{}, err
	}
	return s, nil
}

// Validate checks the field formats.
func (s BACSeed) Validate() error {
	if s.DocumentNumber == "" {
		return fmt.Errorf("document number is required")
	}
	if len(s.DocumentNumber) > 22 {
		return fmt.Errorf("document number too long: %d characters", len(s.DocumentNumber))
	}
	for _, r := range s.DocumentNumber {
		if !isMRZChar(r) {
			return fmt.Errorf("document number contains %q", r)
		}
	}
	if err := validateMRZDate(s.DateOfBirth); err != nil {
		return fmt.Errorf("date of birth: %w", err)
	}
	if err := validateMRZDate(s.DateOfExpiry); err != nil {
		return fmt.Errorf("date of expiry: %w", err)
	}
	return nil
}

func isMRZChar(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '<'
}

func validateMRZDate(d string) error {
	if len(d) != 6 {
		return fmt.Errorf("want YYMMDD, got %q", d)
	}
	for _, r := range d {
		if r < '0' || r > '9' {
			return fmt.Errorf("want YYMMDD, got %q", d)
		}
	}
	month := int(d[2]-'0')*10 + int(d[3]-'0')
	day := int(d[4]-'0')*10 + int(d[5]-'0')
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return fmt.Errorf("invalid date %q", d)
	}
	return nil
}

// MRZInformation is document number, date of birth and date of expiry, each
// followed by its check digit. Numbers shorter than nine characters are
// padded with '<'.
func (s BACSeed) MRZInformation() string {
	doc := s.DocumentNumber
	if len(doc) < 9 {
		doc += strings.Repeat("<", 9-len(doc))
	}
	var b strings.Builder
	b.WriteString(doc)
	b.WriteByte(CheckDigit(doc))
	b.WriteString(s.DateOfBirth)
	b.WriteByte(CheckDigit(s.DateOfBirth))
	b.WriteString(s.DateOfExpiry)
	b.WriteByte(CheckDigit(s.DateOfExpiry))
	return b.String()
}

// KeySeed is K_seed: the first 16 bytes of SHA-1 over the MRZ information.
func (s BACSeed) KeySeed() []byte {
	sum := sha1.Sum([]byte(s.MRZInformation()))
	return append([]byte(nil), sum[:16]...)
}

// password is the PACE MRZ password: the full SHA-1 over the MRZ information.
func (s BACSeed) password() []byte {
	sum := sha1.Sum([]byte(s.MRZInformation()))
	return sum[:]
}

// CheckDigit computes the 7-3-1 weighted MRZ check digit as an ASCII digit.
func CheckDigit(field string) byte {
	weights := [3]int{7, 3, 1}
	sum := 0
	for i := 0; i < len(field); i++ {
		c := field[i]
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'A' && c <= 'Z':
			v = int(c-'A') + 10
		default:
			v = 0
		}
		sum += v * weights[i%3]
	}
	return byte('0' + sum%10)
}

// ConvertDate turns a YYYY-MM-DD date into the YYMMDD form printed in the MRZ.
func ConvertDate(iso string) (string, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(iso))
	if err != nil {
		return "", fmt.Errorf("date %q: %w", iso, err)
	}
	return t.Format("060102"), nil
}
