package mrtd

import (
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

// PassportRecord is the identity read from a document. ChipAuthSucceeded and
// PassiveAuthSuccess are independent; a record is returned whether or not
// either check passed.
type PassportRecord struct {
	DocumentCode   string `json:"document_code"`
	DocumentNumber string `json:"document_number"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Gender         string `json:"gender"`
	IssuingState   string `json:"issuing_state"`
	Nationality    string `json:"nationality"`
	DateOfBirth    string `json:"date_of_birth"`
	DateOfExpiry   string `json:"date_of_expiry"`
	OptionalData   string `json:"optional_data,omitempty"`

	FullName        string   `json:"full_name,omitempty"`
	OtherNames      []string `json:"other_names,omitempty"`
	PersonalNumber  string   `json:"personal_number,omitempty"`
	FullDateOfBirth string   `json:"full_date_of_birth,omitempty"`
	PlaceOfBirth    string   `json:"place_of_birth,omitempty"`
	Residence       string   `json:"residence,omitempty"`
	PhoneNumber     string   `json:"phone_number,omitempty"`
	Profession      string   `json:"profession,omitempty"`
	Title           string   `json:"title,omitempty"`
	PersonalSummary string   `json:"personal_summary,omitempty"`

	AccessProtocol     string `json:"access_protocol,omitempty"`
	ChipAuthSucceeded  bool   `json:"chip_auth_succeeded"`
	PassiveAuthSuccess bool   `json:"passive_auth_success"`

	FaceImage      *lds.Image `json:"face_image,omitempty"`
	SignatureImage *lds.Image `json:"signature_image,omitempty"`
}

// RecordInput is what AssembleRecord combines. Only DG1 is required.
type RecordInput struct {
	DG1                *lds.DG1
	DG2                *lds.DG2
	DG7                *lds.DG7
	DG11               *lds.DG11
	AccessProtocol     Protocol
	ChipAuthSucceeded  bool
	PassiveAuthSuccess bool
}

// AssembleRecord builds a record from decoded data groups. It performs no
// checks of its own. The first face and the first signature image are used.
func AssembleRecord(in RecordInput) *PassportRecord {
	rec := &PassportRecord{
		ChipAuthSucceeded:  in.ChipAuthSucceeded,
		PassiveAuthSuccess: in.PassiveAuthSuccess,
	}
	if in.AccessProtocol != 0 {
		rec.AccessProtocol = in.AccessProtocol.String()
	}
	if in.DG1 != nil {
		m := in.DG1.MRZ
		rec.DocumentCode = m.DocumentCode
		rec.DocumentNumber = m.DocumentNumber
		rec.FirstName = m.SecondaryIdentifier
		rec.LastName = m.PrimaryIdentifier
		rec.Gender = m.Gender
		rec.IssuingState = m.IssuingState
		rec.Nationality = m.Nationality
		rec.DateOfBirth = m.DateOfBirth
		rec.DateOfExpiry = m.DateOfExpiry
		rec.OptionalData = m.OptionalData
	}
	if dg := in.DG11; dg != nil {
		rec.FullName = dg.FullName
		rec.OtherNames = dg.OtherNames
		rec.PersonalNumber = dg.PersonalNumber
		rec.FullDateOfBirth = dg.FullDateOfBirth
		rec.PlaceOfBirth = dg.PlaceOfBirth
		rec.Residence = dg.Address
		rec.PhoneNumber = dg.Telephone
		rec.Profession = dg.Profession
		rec.Title = dg.Title
		rec.PersonalSummary = dg.PersonalSummary
	}
	if in.DG2 != nil && len(in.DG2.Faces) > 0 {
		face := in.DG2.Faces[0]
		rec.FaceImage = &face
	}
	if in.DG7 != nil && len(in.DG7.Images) > 0 {
		sig := in.DG7.Images[0]
		rec.SignatureImage = &sig
	}
	return rec
}
