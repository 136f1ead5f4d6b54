// Package protocol builds the command packets written to the Omron user
// control point and record access control point, and parses the short
// responses the scale notifies back on them.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// DefaultConsentCode is the shared secret this device family accepts for
// per-user operations.
const DefaultConsentCode uint16 = 0x020E

// MaxWriteSize is the largest packet written in one GATT write.
const MaxWriteSize = 16

// User control point opcodes.
const (
	OpRegisterNewUser byte = 0x01
	OpConsent         byte = 0x02
)

// Record access control point opcodes and operands.
const (
	OpReportStoredRecords         byte = 0x01
	OpReportNumberOfStoredRecords byte = 0x04
	OpNumberOfStoredRecords       byte = 0x05
	OpResponseCode                byte = 0x06
	OpVendorFinish                byte = 0x10

	OperatorAllRecords         byte = 0x01
	OperatorGreaterThanOrEqual byte = 0x03

	FilterSequenceNumber byte = 0x01
)

// ReportCountAll asks for the number of stored records for the consented
// user.
func ReportCountAll() []byte {
	return []byte{OpReportNumberOfStoredRecords, OperatorAllRecords}
}

// ReportRecordsAll asks for every stored record of the consented user.
func ReportRecordsAll() []byte {
	return []byte{OpReportStoredRecords, OperatorAllRecords}
}

// Finish closes a registration or transfer exchange.
func Finish() []byte {
	return []byte{OpVendorFinish, 0x00}
}

// RegisterUser builds the register-new-user packet. The scale assigns the
// index itself, so userIndex is not part of the packet.
func RegisterUser(userIndex uint8) []byte {
	pkt := make([]byte, 3)
	pkt[0] = OpRegisterNewUser
	binary.LittleEndian.PutUint16(pkt[1:], DefaultConsentCode)
	return pkt
}

// Consent builds the consent packet that authorizes subsequent record
// access for userIndex.
func Consent(userIndex uint8) []byte {
	pkt := make([]byte, 4)
	pkt[0] = OpConsent
	pkt[1] = userIndex
	binary.LittleEndian.PutUint16(pkt[2:], DefaultConsentCode)
	return pkt
}

// RecordFilter builds a record access request for records with a sequence
// number >= seq. countOnly asks for the number of matching records instead
// of the records themselves.
func RecordFilter(seq uint16, countOnly bool) []byte {
	pkt := make([]byte, 5)
	if countOnly {
		pkt[0] = OpReportNumberOfStoredRecords
	} else {
		pkt[0] = OpReportStoredRecords
	}
	pkt[1] = OperatorGreaterThanOrEqual
	pkt[2] = FilterSequenceNumber
	binary.LittleEndian.PutUint16(pkt[3:], seq)
	return pkt
}

// Truncate clips pkt to limit bytes.
func Truncate(pkt []byte, limit int) []byte {
	if limit > 0 && len(pkt) > limit {
		return pkt[:limit]
	}
	return pkt
}

// RACPResponse is a decoded record access control point notification.
type RACPResponse struct {
	Opcode byte
	// Count is set for OpNumberOfStoredRecords.
	Count uint16
	// RequestOpcode and Result are set for OpResponseCode.
	RequestOpcode byte
	Result        byte
}

// ParseRACPResponse decodes the notifications the scale sends on the record
// access control point.
func ParseRACPResponse(data []byte) (*RACPResponse, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("protocol: empty RACP response")
	}
	resp := &RACPResponse{Opcode: data[0]}
	switch data[0] {
	case OpNumberOfStoredRecords:
		if len(data) < 4 {
			return nil, fmt.Errorf("protocol: record count response is %d bytes, want 4", len(data))
		}
		resp.Count = binary.LittleEndian.Uint16(data[2:4])
	case OpResponseCode:
		if len(data) < 4 {
			return nil, fmt.Errorf("protocol: response code is %d bytes, want 4", len(data))
		}
		resp.RequestOpcode = data[2]
		resp.Result = data[3]
	}
	return resp, nil
}
