package dimse

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Message is a parsed DIMSE command set. Command sets are always encoded with
// implicit VR little endian regardless of the presentation context syntax.
type Message struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
	RequestedSOPClassUID      string
	RequestedSOPInstanceUID   string
	Priority                  uint16
	CommandDataSetType        uint16
	Status                    uint16
	MoveDestination           string
	MoveOriginatorAETitle     string
	MoveOriginatorMessageID   uint16
	ActionTypeID              uint16
	EventTypeID               uint16

	// C-MOVE/C-GET sub-operation counters; nil when absent.
	Remaining *uint16
	Completed *uint16
	Failed    *uint16
	Warning   *uint16
}

// HasDataSet reports whether a dataset follows this command set.
func (m *Message) HasDataSet() bool {
	return m.CommandDataSetType != DataSetNull
}

// Command group element tags (group 0000).
const (
	cmdAffectedSOPClassUID    = 0x0002
	cmdRequestedSOPClassUID   = 0x0003
	cmdCommandField           = 0x0100
	cmdMessageID              = 0x0110
	cmdMessageIDResponded     = 0x0120
	cmdMoveDestination        = 0x0600
	cmdPriority               = 0x0700
	cmdCommandDataSetType     = 0x0800
	cmdStatus                 = 0x0900
	cmdAffectedSOPInstanceUID = 0x1000
	cmdRequestedSOPInstance   = 0x1001
	cmdEventTypeID            = 0x1002
	cmdActionTypeID           = 0x1008
	cmdRemaining              = 0x1020
	cmdCompleted              = 0x1021
	cmdFailed                 = 0x1022
	cmdWarning                = 0x1023
	cmdMoveOriginatorAETitle  = 0x1030
	cmdMoveOriginatorMsgID    = 0x1031
)

// ParseCommand decodes a command set from raw bytes.
func ParseCommand(data []byte) (*Message, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("command set too short: %d bytes", len(data))
	}
	msg := &Message{CommandDataSetType: DataSetNull}

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		valueStart := offset + 8
		valueEnd := valueStart + int(length)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("command element (%04X,%04X) exceeds buffer", group, element)
		}
		value := data[valueStart:valueEnd]

		if group == 0x0000 {
			switch element {
			case cmdCommandField:
				msg.CommandField = readUint16(value)
			case cmdMessageID:
				msg.MessageID = readUint16(value)
			case cmdMessageIDResponded:
				msg.MessageIDBeingRespondedTo = readUint16(value)
			case cmdPriority:
				msg.Priority = readUint16(value)
			case cmdCommandDataSetType:
				msg.CommandDataSetType = readUint16(value)
			case cmdStatus:
				msg.Status = readUint16(value)
			case cmdAffectedSOPClassUID:
				msg.AffectedSOPClassUID = readUID(value)
			case cmdRequestedSOPClassUID:
				msg.RequestedSOPClassUID = readUID(value)
			case cmdAffectedSOPInstanceUID:
				msg.AffectedSOPInstanceUID = readUID(value)
			case cmdRequestedSOPInstance:
				msg.RequestedSOPInstanceUID = readUID(value)
			case cmdMoveDestination:
				msg.MoveDestination = readUID(value)
			case cmdMoveOriginatorAETitle:
				msg.MoveOriginatorAETitle = readUID(value)
			case cmdMoveOriginatorMsgID:
				msg.MoveOriginatorMessageID = readUint16(value)
			case cmdActionTypeID:
				msg.ActionTypeID = readUint16(value)
			case cmdEventTypeID:
				msg.EventTypeID = readUint16(value)
			case cmdRemaining:
				msg.Remaining = uint16Ptr(readUint16(value))
			case cmdCompleted:
				msg.Completed = uint16Ptr(readUint16(value))
			case cmdFailed:
				msg.Failed = uint16Ptr(readUint16(value))
			case cmdWarning:
				msg.Warning = uint16Ptr(readUint16(value))
			}
		}

		offset = valueEnd
		if length%2 == 1 {
			offset++
		}
	}

	if msg.CommandField == 0 {
		return nil, fmt.Errorf("command set missing command field")
	}
	return msg, nil
}

// EncodeCommand serializes a command set, prefixed with its group length.
func EncodeCommand(msg *Message) []byte {
	var body []byte
	body = appendUIDElement(body, cmdAffectedSOPClassUID, msg.AffectedSOPClassUID)
	body = appendUIDElement(body, cmdRequestedSOPClassUID, msg.RequestedSOPClassUID)
	body = appendUint16Element(body, cmdCommandField, msg.CommandField)
	if msg.MessageID != 0 {
		body = appendUint16Element(body, cmdMessageID, msg.MessageID)
	}
	if msg.MessageIDBeingRespondedTo != 0 {
		body = appendUint16Element(body, cmdMessageIDResponded, msg.MessageIDBeingRespondedTo)
	}
	body = appendUIDElement(body, cmdMoveDestination, msg.MoveDestination)
	if isRequestCommand(msg.CommandField) {
		body = appendUint16Element(body, cmdPriority, msg.Priority)
	}
	body = appendUint16Element(body, cmdCommandDataSetType, msg.CommandDataSetType)
	if !isRequestCommand(msg.CommandField) {
		body = appendUint16Element(body, cmdStatus, msg.Status)
	}
	body = appendUIDElement(body, cmdAffectedSOPInstanceUID, msg.AffectedSOPInstanceUID)
	body = appendUIDElement(body, cmdRequestedSOPInstance, msg.RequestedSOPInstanceUID)
	if msg.EventTypeID != 0 {
		body = appendUint16Element(body, cmdEventTypeID, msg.EventTypeID)
	}
	if msg.ActionTypeID != 0 {
		body = appendUint16Element(body, cmdActionTypeID, msg.ActionTypeID)
	}
	if msg.Remaining != nil {
		body = appendUint16Element(body, cmdRemaining, *msg.Remaining)
	}
	if msg.Completed != nil {
		body = appendUint16Element(body, cmdCompleted, *msg.Completed)
	}
	if msg.Failed != nil {
		body = appendUint16Element(body, cmdFailed, *msg.Failed)
	}
	if msg.Warning != nil {
		body = appendUint16Element(body, cmdWarning, *msg.Warning)
	}
	body = appendUIDElement(body, cmdMoveOriginatorAETitle, msg.MoveOriginatorAETitle)
	if msg.MoveOriginatorMessageID != 0 {
		body = appendUint16Element(body, cmdMoveOriginatorMsgID, msg.MoveOriginatorMessageID)
	}

	out := make([]byte, 0, len(body)+12)
	out = append(out, 0x00, 0x00, 0x00, 0x00) // group length tag
	out = append(out, 0x04, 0x00, 0x00, 0x00)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	out = append(out, lenBuf[:]...)
	return append(out, body...)
}

func isRequestCommand(field uint16) bool {
	return field&0x8000 == 0
}

func readUint16(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value)
}

func readUID(value []byte) string {
	s := string(value)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func uint16Ptr(v uint16) *uint16 { return &v }

func appendUint16Element(out []byte, element uint16, value uint16) []byte {
	out = append(out, 0x00, 0x00, byte(element), byte(element>>8))
	out = append(out, 0x02, 0x00, 0x00, 0x00)
	return append(out, byte(value), byte(value>>8))
}

func appendUIDElement(out []byte, element uint16, value string) []byte {
	if value == "" {
		return out
	}
	if len(value)%2 == 1 {
		value += "\x00"
	}
	out = append(out, 0x00, 0x00, byte(element), byte(element>>8))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(value)))
	out = append(out, lenBuf[:]...)
	return append(out, value...)
}
