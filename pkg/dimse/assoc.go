package dimse

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// AssociationConfig holds the parameters for an outbound association.
type AssociationConfig struct {
	Host           string
	Port           int
	CallingAETitle string
	CalledAETitle  string
	MaxPDULength   uint32
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// Contexts proposed during negotiation. Each entry must carry an odd,
	// unique ID and at least one transfer syntax.
	Contexts []*PresentationContext
}

// Association is a client-side (SCU) DICOM association.
type Association struct {
	conn         net.Conn
	config       AssociationConfig
	contexts     map[byte]*PresentationContext
	peerMaxPDU   uint32
	readTimeout  time.Duration
	writeTimeout time.Duration

	mu        sync.Mutex
	messageID uint16
	released  bool
	assembler Assembler
}

// ProposeContext builds a presentation context proposal for config.Contexts.
func ProposeContext(id byte, abstractSyntax string, transferSyntaxes ...string) *PresentationContext {
	if len(transferSyntaxes) == 0 {
		transferSyntaxes = BaselineTransferSyntaxes
	}
	return &PresentationContext{
		ID:               id,
		AbstractSyntax:   abstractSyntax,
		TransferSyntaxes: transferSyntaxes,
	}
}

// Connect dials the remote node and negotiates an association.
func Connect(ctx context.Context, config AssociationConfig) (*Association, error) {
	if config.MaxPDULength == 0 {
		config.MaxPDULength = DefaultMaxPDULength
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 60 * time.Second
	}
	if len(config.Contexts) == 0 {
		return nil, fmt.Errorf("association requires at least one presentation context")
	}

	dialer := &net.Dialer{Timeout: config.ConnectTimeout}
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	assoc := &Association{
		conn:         conn,
		config:       config,
		contexts:     make(map[byte]*PresentationContext, len(config.Contexts)),
		peerMaxPDU:   DefaultMaxPDULength,
		readTimeout:  config.ReadTimeout,
		writeTimeout: config.WriteTimeout,
	}
	for _, pc := range config.Contexts {
		assoc.contexts[pc.ID] = pc
	}

	req := &AssociateRequest{
		CalledAETitle:  config.CalledAETitle,
		CallingAETitle: config.CallingAETitle,
		MaxPDULength:   config.MaxPDULength,
		Contexts:       config.Contexts,
	}
	if err := assoc.writePDU(PDUAssociateRQ, EncodeAssociateRQ(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send A-ASSOCIATE-RQ: %w", err)
	}

	pdu, err := assoc.readPDU()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read association response: %w", err)
	}
	switch pdu.Type {
	case PDUAssociateAC:
		maxPDU, err := ParseAssociateAC(pdu.Data, assoc.contexts)
		if err != nil {
			conn.Close()
			return nil, err
		}
		assoc.peerMaxPDU = maxPDU
	case PDUAssociateRJ:
		conn.Close()
		result, source, reason, _ := ParseAssociateRJ(pdu.Data)
		return nil, fmt.Errorf("association rejected: result=%d source=%d reason=%d", result, source, reason)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected PDU type 0x%02X during negotiation", pdu.Type)
	}

	return assoc, nil
}

// ContextFor returns an accepted presentation context for the abstract syntax.
func (a *Association) ContextFor(abstractSyntax string) (*PresentationContext, error) {
	for _, pc := range a.contexts {
		if pc.AbstractSyntax == abstractSyntax && pc.Accepted() {
			return pc, nil
		}
	}
	return nil, fmt.Errorf("no accepted presentation context for %s", abstractSyntax)
}

// NextMessageID returns a fresh message ID for this association.
func (a *Association) NextMessageID() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messageID++
	return a.messageID
}

// SetReadTimeout overrides the per-read deadline for subsequent receives.
func (a *Association) SetReadTimeout(d time.Duration) {
	a.readTimeout = d
}

// Send transmits a DIMSE command with an optional dataset on the given
// presentation context.
func (a *Association) Send(pc *PresentationContext, msg *Message, ds *DataSet) error {
	command := EncodeCommand(msg)
	for _, body := range EncodePDataTF(pc.ID, true, command, a.peerMaxPDU) {
		if err := a.writePDU(PDUDataTF, body); err != nil {
			return fmt.Errorf("failed to send command: %w", err)
		}
	}
	if ds == nil {
		return nil
	}
	payload := EncodeDataSet(ds, pc.TransferSyntax)
	for _, body := range EncodePDataTF(pc.ID, false, payload, a.peerMaxPDU) {
		if err := a.writePDU(PDUDataTF, body); err != nil {
			return fmt.Errorf("failed to send dataset: %w", err)
		}
	}
	return nil
}

// SendRaw transmits a DIMSE command with a pre-encoded dataset payload.
func (a *Association) SendRaw(pc *PresentationContext, msg *Message, payload []byte) error {
	command := EncodeCommand(msg)
	for _, body := range EncodePDataTF(pc.ID, true, command, a.peerMaxPDU) {
		if err := a.writePDU(PDUDataTF, body); err != nil {
			return fmt.Errorf("failed to send command: %w", err)
		}
	}
	if len(payload) == 0 {
		return nil
	}
	for _, body := range EncodePDataTF(pc.ID, false, payload, a.peerMaxPDU) {
		if err := a.writePDU(PDUDataTF, body); err != nil {
			return fmt.Errorf("failed to send dataset: %w", err)
		}
	}
	return nil
}

// Receive blocks until one complete DIMSE message arrives. The returned bytes
// are the raw dataset payload, nil when the message carries none.
func (a *Association) Receive() (*Message, []byte, error) {
	for {
		pdu, err := a.readPDU()
		if err != nil {
			return nil, nil, err
		}
		switch pdu.Type {
		case PDUDataTF:
			pdvs, err := ParsePDVs(pdu.Data)
			if err != nil {
				return nil, nil, err
			}
			for _, pdv := range pdvs {
				msg, _, dataset, done, err := a.assembler.Feed(pdv)
				if err != nil {
					return nil, nil, err
				}
				if done {
					return msg, dataset, nil
				}
			}
		case PDUAbort:
			return nil, nil, fmt.Errorf("association aborted by peer")
		case PDUReleaseRQ:
			_ = a.writePDU(PDUReleaseRP, ReleaseBody())
			return nil, nil, io.EOF
		default:
			return nil, nil, fmt.Errorf("unexpected PDU type 0x%02X", pdu.Type)
		}
	}
}

// TransferSyntaxFor returns the negotiated syntax of an accepted context ID.
func (a *Association) TransferSyntaxFor(contextID byte) (string, error) {
	pc, ok := a.contexts[contextID]
	if !ok || !pc.Accepted() {
		return "", fmt.Errorf("presentation context %d not negotiated", contextID)
	}
	return pc.TransferSyntax, nil
}

// Release performs the graceful A-RELEASE handshake and closes the socket.
func (a *Association) Release() error {
	a.mu.Lock()
	released := a.released
	a.released = true
	a.mu.Unlock()
	if released {
		return nil
	}
	if err := a.writePDU(PDUReleaseRQ, ReleaseBody()); err != nil {
		a.conn.Close()
		return err
	}
	// Best effort: wait briefly for A-RELEASE-RP.
	a.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if pdu, err := ReadPDU(a.conn); err == nil && pdu.Type != PDUReleaseRP {
		a.conn.Close()
		return fmt.Errorf("unexpected PDU type 0x%02X during release", pdu.Type)
	}
	return a.conn.Close()
}

// Abort sends A-ABORT and closes the socket without a release handshake.
func (a *Association) Abort() error {
	a.mu.Lock()
	a.released = true
	a.mu.Unlock()
	_ = a.writePDU(PDUAbort, AbortBody(0x00, 0x00))
	return a.conn.Close()
}

// Echo performs a C-ECHO round trip.
func (a *Association) Echo(ctx context.Context) error {
	pc, err := a.ContextFor(VerificationSOPClass)
	if err != nil {
		return err
	}
	req := &Message{
		CommandField:        CEchoRQ,
		MessageID:           a.NextMessageID(),
		AffectedSOPClassUID: VerificationSOPClass,
		CommandDataSetType:  DataSetNull,
	}
	if err := a.Send(pc, req, nil); err != nil {
		return err
	}
	rsp, _, err := a.Receive()
	if err != nil {
		return err
	}
	if rsp.Status != StatusSuccess {
		return &StatusError{Operation: "C-ECHO", Status: rsp.Status}
	}
	return nil
}

// Store issues one C-STORE request with a pre-encoded dataset payload and
// returns the response status.
func (a *Association) Store(sopClassUID, sopInstanceUID string, payload []byte) (uint16, error) {
	pc, err := a.ContextFor(sopClassUID)
	if err != nil {
		return 0, err
	}
	req := &Message{
		CommandField:           CStoreRQ,
		MessageID:              a.NextMessageID(),
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		CommandDataSetType:     DataSetPresent,
	}
	if err := a.SendRaw(pc, req, payload); err != nil {
		return 0, err
	}
	rsp, _, err := a.Receive()
	if err != nil {
		return 0, err
	}
	return rsp.Status, nil
}

// Find issues a C-FIND and invokes onMatch for every pending identifier. The
// terminal status is returned once the SCP finishes.
func (a *Association) Find(sopClassUID string, identifier *DataSet, onMatch func(*DataSet) error) (uint16, error) {
	pc, err := a.ContextFor(sopClassUID)
	if err != nil {
		return 0, err
	}
	req := &Message{
		CommandField:        CFindRQ,
		MessageID:           a.NextMessageID(),
		AffectedSOPClassUID: sopClassUID,
		CommandDataSetType:  DataSetPresent,
	}
	if err := a.Send(pc, req, identifier); err != nil {
		return 0, err
	}
	for {
		rsp, payload, err := a.Receive()
		if err != nil {
			return 0, err
		}
		if IsPendingStatus(rsp.Status) {
			match, err := DecodeDataSet(payload, pc.TransferSyntax)
			if err != nil {
				return 0, fmt.Errorf("failed to decode C-FIND match: %w", err)
			}
			if onMatch != nil {
				if err := onMatch(match); err != nil {
					return rsp.Status, err
				}
			}
			continue
		}
		return rsp.Status, nil
	}
}

// Move issues a C-MOVE toward destinationAE and invokes onProgress for every
// pending response. Returns the terminal response.
func (a *Association) Move(sopClassUID, destinationAE string, identifier *DataSet, onProgress func(*Message)) (*Message, error) {
	pc, err := a.ContextFor(sopClassUID)
	if err != nil {
		return nil, err
	}
	req := &Message{
		CommandField:        CMoveRQ,
		MessageID:           a.NextMessageID(),
		AffectedSOPClassUID: sopClassUID,
		CommandDataSetType:  DataSetPresent,
		MoveDestination:     destinationAE,
	}
	if err := a.Send(pc, req, identifier); err != nil {
		return nil, err
	}
	for {
		rsp, _, err := a.Receive()
		if err != nil {
			return nil, err
		}
		if IsPendingStatus(rsp.Status) {
			if onProgress != nil {
				onProgress(rsp)
			}
			continue
		}
		return rsp, nil
	}
}

// NRequest performs one N-CREATE/N-SET/N-ACTION/N-DELETE round trip and
// returns the response message and decoded attribute list (may be nil).
func (a *Association) NRequest(contextSOPClass string, req *Message, attrs *DataSet) (*Message, *DataSet, error) {
	pc, err := a.ContextFor(contextSOPClass)
	if err != nil {
		return nil, nil, err
	}
	if req.MessageID == 0 {
		req.MessageID = a.NextMessageID()
	}
	if attrs != nil {
		req.CommandDataSetType = DataSetPresent
	} else {
		req.CommandDataSetType = DataSetNull
	}
	if err := a.Send(pc, req, attrs); err != nil {
		return nil, nil, err
	}
	rsp, payload, err := a.Receive()
	if err != nil {
		return nil, nil, err
	}
	var rspAttrs *DataSet
	if len(payload) > 0 {
		rspAttrs, err = DecodeDataSet(payload, pc.TransferSyntax)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decode attribute list: %w", err)
		}
	}
	return rsp, rspAttrs, nil
}

func (a *Association) readPDU() (*PDU, error) {
	if a.readTimeout > 0 {
		if err := a.conn.SetReadDeadline(time.Now().Add(a.readTimeout)); err != nil {
			return nil, err
		}
	}
	return ReadPDU(a.conn)
}

func (a *Association) writePDU(pduType byte, data []byte) error {
	if a.writeTimeout > 0 {
		if err := a.conn.SetWriteDeadline(time.Now().Add(a.writeTimeout)); err != nil {
			return err
		}
	}
	return WritePDU(a.conn, pduType, data)
}
