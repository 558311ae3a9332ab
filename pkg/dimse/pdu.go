package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDU types (PS3.8 9.3).
const (
	PDUAssociateRQ byte = 0x01
	PDUAssociateAC byte = 0x02
	PDUAssociateRJ byte = 0x03
	PDUDataTF      byte = 0x04
	PDUReleaseRQ   byte = 0x05
	PDUReleaseRP   byte = 0x06
	PDUAbort       byte = 0x07
)

// Presentation context results (PS3.8 9.3.3.2).
const (
	PCAcceptance             byte = 0x00
	PCUserRejection          byte = 0x01
	PCAbstractSyntaxRejected byte = 0x03
	PCTransferSyntaxRejected byte = 0x04
)

// Association rejection codes (PS3.8 9.3.4).
const (
	RejectPermanent            byte = 0x01
	RejectSourceServiceUser    byte = 0x01
	RejectReasonCallingAETitle byte = 0x03
	RejectReasonCalledAETitle  byte = 0x07
	RejectReasonNoReasonGiven  byte = 0x01
)

const (
	// DefaultMaxPDULength is advertised when the peer does not negotiate one.
	DefaultMaxPDULength uint32 = 16384

	implementationClassUID  = "1.2.826.0.1.3680043.10.1453.1"
	implementationVersion   = "DICOMSCP_GO_1.0"
	maxInboundPDULength     = 16 << 20
	associateFixedFieldsLen = 68
)

// PDU is one raw protocol data unit.
type PDU struct {
	Type byte
	Data []byte
}

// ReadPDU reads one complete PDU from r.
func ReadPDU(r io.Reader) (*PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxInboundPDULength {
		return nil, fmt.Errorf("pdu length %d exceeds limit", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read pdu body: %w", err)
	}
	return &PDU{Type: header[0], Data: data}, nil
}

// WritePDU writes one PDU to w.
func WritePDU(w io.Writer, pduType byte, data []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:6], uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// PresentationContext is one proposed or negotiated (abstract syntax,
// transfer syntax) pairing.
type PresentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string // proposed (RQ side)
	Result           byte
	TransferSyntax   string // accepted syntax (AC side)
}

// Accepted reports whether the context was accepted during negotiation.
func (pc *PresentationContext) Accepted() bool {
	return pc.Result == PCAcceptance
}

// AssociateRequest carries the negotiable content of an A-ASSOCIATE-RQ.
type AssociateRequest struct {
	CalledAETitle  string
	CallingAETitle string
	MaxPDULength   uint32
	Contexts       []*PresentationContext
}

func padAETitle(title string) []byte {
	buf := []byte(fmt.Sprintf("%-16s", title))
	return buf[:16]
}

func trimAETitle(raw []byte) string {
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(value)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, value...)
}

func userInformationItem(maxPDULength uint32) []byte {
	var body []byte
	maxLen := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLen, maxPDULength)
	body = appendItem(body, 0x51, maxLen)
	body = appendItem(body, 0x52, []byte(implementationClassUID))
	body = appendItem(body, 0x55, []byte(implementationVersion))

	var out []byte
	return appendItem(out, 0x50, body)
}

// EncodeAssociateRQ builds the body of an A-ASSOCIATE-RQ PDU.
func EncodeAssociateRQ(req *AssociateRequest) []byte {
	buf := make([]byte, 0, 512)
	buf = append(buf, 0x00, 0x01) // protocol version
	buf = append(buf, 0x00, 0x00)
	buf = append(buf, padAETitle(req.CalledAETitle)...)
	buf = append(buf, padAETitle(req.CallingAETitle)...)
	buf = append(buf, make([]byte, 32)...)

	buf = appendItem(buf, 0x10, []byte(ApplicationContextUID))

	for _, pc := range req.Contexts {
		var body []byte
		body = append(body, pc.ID, 0x00, 0x00, 0x00)
		body = appendItem(body, 0x30, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			body = appendItem(body, 0x40, []byte(ts))
		}
		buf = appendItem(buf, 0x20, body)
	}

	maxPDU := req.MaxPDULength
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}
	return append(buf, userInformationItem(maxPDU)...)
}

// ParseAssociateRQ parses the body of an A-ASSOCIATE-RQ PDU.
func ParseAssociateRQ(data []byte) (*AssociateRequest, error) {
	if len(data) < associateFixedFieldsLen {
		return nil, fmt.Errorf("associate request too short: %d bytes", len(data))
	}
	req := &AssociateRequest{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
		MaxPDULength:   DefaultMaxPDULength,
	}

	offset := associateFixedFieldsLen
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLen := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLen)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("associate item 0x%02X exceeds pdu", itemType)
		}
		value := data[valueStart:valueEnd]

		switch itemType {
		case 0x20:
			pc, err := parseProposedContext(value)
			if err != nil {
				return nil, err
			}
			req.Contexts = append(req.Contexts, pc)
		case 0x50:
			if maxPDU := parseMaxPDULength(value); maxPDU > 0 {
				req.MaxPDULength = maxPDU
			}
		}
		offset = valueEnd
	}
	return req, nil
}

func parseProposedContext(data []byte) (*PresentationContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context item too short")
	}
	pc := &PresentationContext{ID: data[0]}
	offset := 4
	for offset+4 <= len(data) {
		subType := data[offset]
		subLen := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subLen)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("presentation context %d sub-item exceeds item", pc.ID)
		}
		value := strings.TrimRight(string(data[valueStart:valueEnd]), "\x00 ")
		switch subType {
		case 0x30:
			pc.AbstractSyntax = value
		case 0x40:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, value)
		}
		offset = valueEnd
	}
	if pc.AbstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d missing abstract syntax", pc.ID)
	}
	return pc, nil
}

func parseMaxPDULength(data []byte) uint32 {
	offset := 0
	for offset+4 <= len(data) {
		subType := data[offset]
		subLen := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subLen)
		if valueEnd > len(data) {
			return 0
		}
		if subType == 0x51 && subLen == 4 {
			return binary.BigEndian.Uint32(data[valueStart:valueEnd])
		}
		offset = valueEnd
	}
	return 0
}

// EncodeAssociateAC builds the body of an A-ASSOCIATE-AC answering req with the
// negotiated contexts. Every proposed context is echoed with its result; only
// accepted contexts carry a transfer syntax sub-item.
func EncodeAssociateAC(req *AssociateRequest, contexts []*PresentationContext, maxPDULength uint32) []byte {
	buf := make([]byte, 0, 512)
	buf = append(buf, 0x00, 0x01)
	buf = append(buf, 0x00, 0x00)
	buf = append(buf, padAETitle(req.CalledAETitle)...)
	buf = append(buf, padAETitle(req.CallingAETitle)...)
	buf = append(buf, make([]byte, 32)...)

	buf = appendItem(buf, 0x10, []byte(ApplicationContextUID))

	for _, pc := range contexts {
		var body []byte
		body = append(body, pc.ID, 0x00, pc.Result, 0x00)
		if pc.Accepted() {
			body = appendItem(body, 0x40, []byte(pc.TransferSyntax))
		}
		buf = appendItem(buf, 0x21, body)
	}

	if maxPDULength == 0 {
		maxPDULength = DefaultMaxPDULength
	}
	return append(buf, userInformationItem(maxPDULength)...)
}

// ParseAssociateAC applies the AC results onto the proposed contexts, keyed by
// context ID, and returns the peer's max PDU length.
func ParseAssociateAC(data []byte, proposed map[byte]*PresentationContext) (uint32, error) {
	if len(data) < associateFixedFieldsLen {
		return 0, fmt.Errorf("associate accept too short: %d bytes", len(data))
	}
	maxPDU := DefaultMaxPDULength

	offset := associateFixedFieldsLen
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLen := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLen)
		if valueEnd > len(data) {
			return 0, fmt.Errorf("associate accept item 0x%02X exceeds pdu", itemType)
		}
		value := data[valueStart:valueEnd]

		switch itemType {
		case 0x21:
			if len(value) < 4 {
				break
			}
			pc, ok := proposed[value[0]]
			if !ok {
				break
			}
			pc.Result = value[2]
			subOffset := 4
			for subOffset+4 <= len(value) {
				subType := value[subOffset]
				subLen := binary.BigEndian.Uint16(value[subOffset+2 : subOffset+4])
				subEnd := subOffset + 4 + int(subLen)
				if subEnd > len(value) {
					break
				}
				if subType == 0x40 {
					pc.TransferSyntax = strings.TrimRight(string(value[subOffset+4:subEnd]), "\x00 ")
				}
				subOffset = subEnd
			}
		case 0x50:
			if peerMax := parseMaxPDULength(value); peerMax > 0 {
				maxPDU = peerMax
			}
		}
		offset = valueEnd
	}
	return maxPDU, nil
}

// EncodeAssociateRJ builds the body of an A-ASSOCIATE-RJ PDU.
func EncodeAssociateRJ(result, source, reason byte) []byte {
	return []byte{0x00, result, source, reason}
}

// ParseAssociateRJ decodes a rejection body into (result, source, reason).
func ParseAssociateRJ(data []byte) (byte, byte, byte, error) {
	if len(data) < 4 {
		return 0, 0, 0, fmt.Errorf("associate reject too short")
	}
	return data[1], data[2], data[3], nil
}

// ReleaseBody is the 4-byte reserved body shared by A-RELEASE-RQ/RP.
func ReleaseBody() []byte {
	return []byte{0x00, 0x00, 0x00, 0x00}
}

// AbortBody builds the body of an A-ABORT PDU.
func AbortBody(source, reason byte) []byte {
	return []byte{0x00, 0x00, source, reason}
}

// PDV message control header bits.
const (
	pdvCommand      byte = 0x01
	pdvLastFragment byte = 0x02
)

// PDV is one presentation data value within a P-DATA-TF PDU.
type PDV struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

// ParsePDVs extracts every PDV from a P-DATA-TF body.
func ParsePDVs(data []byte) ([]PDV, error) {
	var pdvs []PDV
	offset := 0
	for offset+6 <= len(data) {
		length := binary.BigEndian.Uint32(data[offset : offset+4])
		if length < 2 || offset+4+int(length) > len(data) {
			return nil, fmt.Errorf("pdv exceeds pdu body")
		}
		ctrl := data[offset+5]
		pdvs = append(pdvs, PDV{
			ContextID: data[offset+4],
			Command:   ctrl&pdvCommand != 0,
			Last:      ctrl&pdvLastFragment != 0,
			Data:      data[offset+6 : offset+4+int(length)],
		})
		offset += 4 + int(length)
	}
	return pdvs, nil
}

// EncodePDataTF fragments a command or dataset payload into P-DATA-TF PDU
// bodies respecting the peer's max PDU length.
func EncodePDataTF(contextID byte, command bool, payload []byte, maxPDULength uint32) [][]byte {
	if maxPDULength == 0 {
		maxPDULength = DefaultMaxPDULength
	}
	chunkSize := int(maxPDULength) - 6
	if chunkSize < 1 {
		chunkSize = int(DefaultMaxPDULength) - 6
	}

	var pdus [][]byte
	for start := 0; ; start += chunkSize {
		end := start + chunkSize
		last := end >= len(payload)
		if last {
			end = len(payload)
		}
		chunk := payload[start:end]

		ctrl := byte(0)
		if command {
			ctrl |= pdvCommand
		}
		if last {
			ctrl |= pdvLastFragment
		}

		body := make([]byte, 0, len(chunk)+6)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(chunk)+2))
		body = append(body, lenBuf[:]...)
		body = append(body, contextID, ctrl)
		body = append(body, chunk...)
		pdus = append(pdus, body)

		if last {
			break
		}
	}
	return pdus
}

// Assembler accumulates PDV fragments into complete DIMSE messages. One
// assembler serves one association; DIMSE guarantees messages do not
// interleave within an association.
type Assembler struct {
	contextID byte
	msg       *Message
	dataset   []byte
	command   []byte
}

// Feed consumes one PDV. When a message is complete it returns the parsed
// command, the accompanying dataset bytes (nil when absent) and true.
func (a *Assembler) Feed(pdv PDV) (*Message, byte, []byte, bool, error) {
	if pdv.Command {
		a.contextID = pdv.ContextID
		a.command = append(a.command, pdv.Data...)
		if !pdv.Last {
			return nil, 0, nil, false, nil
		}
		msg, err := ParseCommand(a.command)
		a.command = nil
		if err != nil {
			return nil, 0, nil, false, err
		}
		a.msg = msg
		if !msg.HasDataSet() {
			a.msg = nil
			return msg, pdv.ContextID, nil, true, nil
		}
		return nil, 0, nil, false, nil
	}

	if a.msg == nil {
		return nil, 0, nil, false, fmt.Errorf("dataset pdv without preceding command")
	}
	a.dataset = append(a.dataset, pdv.Data...)
	if !pdv.Last {
		return nil, 0, nil, false, nil
	}
	msg, dataset, contextID := a.msg, a.dataset, a.contextID
	a.msg, a.dataset = nil, nil
	return msg, contextID, dataset, true, nil
}
