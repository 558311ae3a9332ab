package dimse

import "fmt"

// DIMSE command field values (PS3.7 Annex E).
const (
	CStoreRQ       uint16 = 0x0001
	CStoreRSP      uint16 = 0x8001
	CGetRQ         uint16 = 0x0010
	CGetRSP        uint16 = 0x8010
	CFindRQ        uint16 = 0x0020
	CFindRSP       uint16 = 0x8020
	CMoveRQ        uint16 = 0x0021
	CMoveRSP       uint16 = 0x8021
	CEchoRQ        uint16 = 0x0030
	CEchoRSP       uint16 = 0x8030
	NEventReportRQ uint16 = 0x0100
	NEventReportRS uint16 = 0x8100
	NGetRQ         uint16 = 0x0110
	NGetRSP        uint16 = 0x8110
	NSetRQ         uint16 = 0x0120
	NSetRSP        uint16 = 0x8120
	NActionRQ      uint16 = 0x0130
	NActionRSP     uint16 = 0x8130
	NCreateRQ      uint16 = 0x0140
	NCreateRSP     uint16 = 0x8140
	NDeleteRQ      uint16 = 0x0150
	NDeleteRSP     uint16 = 0x8150
	CCancelRQ      uint16 = 0x0FFF
)

// DIMSE status codes (PS3.7 Annex C).
const (
	StatusSuccess                uint16 = 0x0000
	StatusCancel                 uint16 = 0xFE00
	StatusPending                uint16 = 0xFF00
	StatusPendingWarning         uint16 = 0xFF01
	StatusInvalidAttributeValue  uint16 = 0x0106
	StatusProcessingFailure      uint16 = 0x0110
	StatusDuplicateSOPInstance   uint16 = 0x0111
	StatusNoSuchObjectInstance   uint16 = 0x0112
	StatusOutOfResources         uint16 = 0xA700
	StatusMoveDestinationUnknown uint16 = 0xA801
	StatusIdentifierMismatch     uint16 = 0xA900
	StatusUnableToProcess        uint16 = 0xC000
)

// CommandDataSetType values.
const (
	DataSetPresent uint16 = 0x0000
	DataSetNull    uint16 = 0x0101
)

// ResponseCommandFor maps a request command field to its response counterpart.
func ResponseCommandFor(request uint16) uint16 {
	return request | 0x8000
}

// IsPendingStatus reports whether status indicates more responses will follow.
func IsPendingStatus(status uint16) bool {
	return status == StatusPending || status == StatusPendingWarning
}

// IsWarningStatus reports whether status is in the warning class. Coercion and
// elision warnings from a sub-operation C-STORE are not counted as failures.
func IsWarningStatus(status uint16) bool {
	return status == 0xB000 || status == 0xB006 || status == 0xB007
}

// IsFailureStatus reports whether status is in the failure class. A duplicate
// SOP instance is a conflict, not a failure.
func IsFailureStatus(status uint16) bool {
	if status == StatusSuccess || IsPendingStatus(status) || IsWarningStatus(status) {
		return false
	}
	return status != StatusCancel && status != StatusDuplicateSOPInstance
}

// StatusError wraps a non-success DIMSE status for callers that surface
// protocol failures as Go errors.
type StatusError struct {
	Operation string
	Status    uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status 0x%04X", e.Operation, e.Status)
}
