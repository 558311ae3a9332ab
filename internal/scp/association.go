package scp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/masroore/dicomscp/internal/metrics"
	"github.com/masroore/dicomscp/pkg/dimse"
	"github.com/masroore/dicomscp/pkg/logger"
	"github.com/rs/zerolog"
)

// inbound is one fully assembled DIMSE message.
type inbound struct {
	msg       *dimse.Message
	contextID byte
	payload   []byte
}

// association is the SCP side of one accepted association. The reader
// goroutine assembles messages; run dispatches them one at a time.
type association struct {
	srv  *Server
	conn net.Conn
	log  zerolog.Logger
	peer Peer

	contexts map[byte]*dimse.PresentationContext
	peerMax  uint32

	writeMu sync.Mutex

	incoming chan inbound
	readErr  chan error
	released chan struct{}

	// queued holds non-cancel messages drained while polling for C-CANCEL.
	queued       []inbound
	cancelled    bool
	subMessageID uint16
}

func newAssociation(srv *Server, conn net.Conn) *association {
	return &association{
		srv:      srv,
		conn:     conn,
		contexts: make(map[byte]*dimse.PresentationContext),
		peerMax:  dimse.DefaultMaxPDULength,
		incoming: make(chan inbound),
		readErr:  make(chan error, 1),
		released: make(chan struct{}),
		// Sub-operation message IDs live above the range modalities use.
		subMessageID: 0x7000,
	}
}

// negotiate runs the association establishment phase.
func (a *association) negotiate() error {
	a.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	pdu, err := dimse.ReadPDU(a.conn)
	if err != nil {
		return fmt.Errorf("failed to read first pdu: %w", err)
	}
	if pdu.Type != dimse.PDUAssociateRQ {
		a.writePDU(dimse.PDUAbort, dimse.AbortBody(0x02, 0x02))
		return fmt.Errorf("unexpected first pdu type 0x%02X", pdu.Type)
	}

	req, err := dimse.ParseAssociateRQ(pdu.Data)
	if err != nil {
		a.writePDU(dimse.PDUAbort, dimse.AbortBody(0x02, 0x06))
		return err
	}

	a.peer = Peer{
		CallingAETitle: req.CallingAETitle,
		CalledAETitle:  req.CalledAETitle,
		RemoteAddress:  a.conn.RemoteAddr().String(),
	}
	a.log = logger.Association(req.CallingAETitle, req.CalledAETitle, a.peer.RemoteAddress)

	if rej := a.srv.policy.Screen(req); rej != nil {
		metrics.AssociationsTotal.WithLabelValues(a.srv.name, metrics.OutcomeRejected).Inc()
		a.writePDU(dimse.PDUAssociateRJ, dimse.EncodeAssociateRJ(rej.Result, rej.Source, rej.Reason))
		return fmt.Errorf("association rejected for %s", req.CallingAETitle)
	}

	negotiated := a.srv.policy.Negotiate(req)
	accepted := 0
	for _, pc := range negotiated {
		a.contexts[pc.ID] = pc
		if pc.Accepted() {
			accepted++
		}
	}
	a.peerMax = req.MaxPDULength

	if err := a.writePDU(dimse.PDUAssociateAC, dimse.EncodeAssociateAC(req, negotiated, a.srv.cfg.MaxPDULength)); err != nil {
		return fmt.Errorf("failed to send associate accept: %w", err)
	}

	metrics.AssociationsTotal.WithLabelValues(a.srv.name, metrics.OutcomeSuccess).Inc()
	a.log.Info().Int("accepted_contexts", accepted).Int("proposed_contexts", len(req.Contexts)).
		Msg("association established")
	return nil
}

// run processes DIMSE messages until release, abort or error.
func (a *association) run(ctx context.Context) {
	go a.readLoop()

	for {
		in, ok := a.nextInbound(ctx)
		if !ok {
			return
		}
		if in.msg.CommandField == dimse.CCancelRQ {
			continue // no operation in flight
		}
		a.cancelled = false
		a.dispatch(ctx, in)
	}
}

func (a *association) readLoop() {
	var asm dimse.Assembler
	for {
		if a.srv.cfg.AssociationTimeout > 0 {
			a.conn.SetReadDeadline(time.Now().Add(a.srv.cfg.AssociationTimeout))
		}
		pdu, err := dimse.ReadPDU(a.conn)
		if err != nil {
			a.readErr <- err
			return
		}
		switch pdu.Type {
		case dimse.PDUDataTF:
			pdvs, err := dimse.ParsePDVs(pdu.Data)
			if err != nil {
				a.readErr <- err
				return
			}
			for _, pdv := range pdvs {
				msg, contextID, payload, done, err := asm.Feed(pdv)
				if err != nil {
					a.readErr <- err
					return
				}
				if done {
					a.incoming <- inbound{msg: msg, contextID: contextID, payload: payload}
				}
			}
		case dimse.PDUReleaseRQ:
			a.writePDU(dimse.PDUReleaseRP, dimse.ReleaseBody())
			close(a.released)
			return
		case dimse.PDUAbort:
			a.readErr <- fmt.Errorf("association aborted by peer")
			return
		default:
			a.readErr <- fmt.Errorf("unexpected pdu type 0x%02X", pdu.Type)
			return
		}
	}
}

// nextInbound returns the next message, draining any queued first.
func (a *association) nextInbound(ctx context.Context) (inbound, bool) {
	if len(a.queued) > 0 {
		in := a.queued[0]
		a.queued = a.queued[1:]
		return in, true
	}
	select {
	case in := <-a.incoming:
		return in, true
	case err := <-a.readErr:
		a.log.Debug().Err(err).Msg("association closed")
		return inbound{}, false
	case <-a.released:
		a.log.Info().Msg("association released")
		return inbound{}, false
	case <-ctx.Done():
		a.writePDU(dimse.PDUAbort, dimse.AbortBody(0x02, 0x00))
		return inbound{}, false
	}
}

// checkCancel polls for a C-CANCEL without blocking. Other messages arriving
// mid-operation are queued for the dispatch loop.
func (a *association) checkCancel() bool {
	if a.cancelled {
		return true
	}
	select {
	case in := <-a.incoming:
		if in.msg.CommandField == dimse.CCancelRQ {
			a.cancelled = true
		} else {
			a.queued = append(a.queued, in)
		}
	default:
	}
	return a.cancelled
}

func (a *association) writePDU(pduType byte, data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	return dimse.WritePDU(a.conn, pduType, data)
}

// sendMessage writes one DIMSE command, with an optional raw dataset payload,
// on the given presentation context.
func (a *association) sendMessage(contextID byte, msg *dimse.Message, payload []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))

	for _, body := range dimse.EncodePDataTF(contextID, true, dimse.EncodeCommand(msg), a.peerMax) {
		if err := dimse.WritePDU(a.conn, dimse.PDUDataTF, body); err != nil {
			return err
		}
	}
	if msg.HasDataSet() && payload != nil {
		for _, body := range dimse.EncodePDataTF(contextID, false, payload, a.peerMax) {
			if err := dimse.WritePDU(a.conn, dimse.PDUDataTF, body); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *association) contextByID(id byte) (*dimse.PresentationContext, bool) {
	pc, ok := a.contexts[id]
	if !ok || !pc.Accepted() {
		return nil, false
	}
	return pc, true
}

// contextForAbstract finds an accepted context negotiating abstractSyntax,
// preferring one whose transfer syntax equals preferredTS.
func (a *association) contextForAbstract(abstractSyntax, preferredTS string) *dimse.PresentationContext {
	var fallback *dimse.PresentationContext
	for _, pc := range a.contexts {
		if !pc.Accepted() || pc.AbstractSyntax != abstractSyntax {
			continue
		}
		if pc.TransferSyntax == preferredTS {
			return pc
		}
		if fallback == nil {
			fallback = pc
		}
	}
	return fallback
}

func (a *association) dispatch(ctx context.Context, in inbound) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().
				Interface("panic", r).
				Uint16("message_id", in.msg.MessageID).
				Msg("handler panicked")
			if pc, ok := a.contextByID(in.contextID); ok {
				a.sendMessage(pc.ID, &dimse.Message{
					CommandField:              in.msg.CommandField | 0x8000,
					MessageIDBeingRespondedTo: in.msg.MessageID,
					AffectedSOPClassUID:       in.msg.AffectedSOPClassUID,
					CommandDataSetType:        dimse.DataSetNull,
					Status:                    dimse.StatusProcessingFailure,
				}, nil)
			}
		}
	}()

	pc, ok := a.contextByID(in.contextID)
	if !ok {
		a.log.Warn().Uint8("context_id", in.contextID).Msg("message on unaccepted presentation context")
		a.writePDU(dimse.PDUAbort, dimse.AbortBody(0x02, 0x00))
		return
	}

	switch in.msg.CommandField {
	case dimse.CEchoRQ:
		a.handleEcho(pc, in.msg)
	case dimse.CStoreRQ:
		a.handleStore(ctx, pc, in)
	case dimse.CFindRQ:
		a.handleFind(ctx, pc, in)
	case dimse.CMoveRQ:
		a.handleMove(ctx, pc, in)
	case dimse.CGetRQ:
		a.handleGet(ctx, pc, in)
	case dimse.NCreateRQ, dimse.NSetRQ, dimse.NActionRQ, dimse.NDeleteRQ, dimse.NGetRQ:
		a.handlePrint(ctx, pc, in)
	default:
		a.log.Warn().Uint16("command", uint16(in.msg.CommandField)).Msg("unsupported command field")
		a.writePDU(dimse.PDUAbort, dimse.AbortBody(0x02, 0x00))
	}
}

func (a *association) handleEcho(pc *dimse.PresentationContext, msg *dimse.Message) {
	a.log.Debug().Msg("C-ECHO")
	a.sendMessage(pc.ID, &dimse.Message{
		CommandField:              dimse.CEchoRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		CommandDataSetType:        dimse.DataSetNull,
		Status:                    dimse.StatusSuccess,
	}, nil)
}

func (a *association) handleStore(ctx context.Context, pc *dimse.PresentationContext, in inbound) {
	status := dimse.StatusProcessingFailure
	if a.srv.services.Storage != nil {
		status = a.srv.services.Storage.Store(ctx, &StoreRequest{
			Peer:           a.peer,
			SOPClassUID:    in.msg.AffectedSOPClassUID,
			SOPInstanceUID: in.msg.AffectedSOPInstanceUID,
			TransferSyntax: pc.TransferSyntax,
			Payload:        in.payload,
		})
	}

	a.sendMessage(pc.ID, &dimse.Message{
		CommandField:              dimse.CStoreRSP,
		MessageIDBeingRespondedTo: in.msg.MessageID,
		AffectedSOPClassUID:       in.msg.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    in.msg.AffectedSOPInstanceUID,
		CommandDataSetType:        dimse.DataSetNull,
		Status:                    status,
	}, nil)
}

func (a *association) handleFind(ctx context.Context, pc *dimse.PresentationContext, in inbound) {
	identifier, err := dimse.DecodeDataSet(in.payload, pc.TransferSyntax)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to decode C-FIND identifier")
		a.sendFindFinal(pc, in.msg, dimse.StatusInvalidAttributeValue)
		return
	}

	req := &FindRequest{
		Peer:        a.peer,
		SOPClassUID: in.msg.AffectedSOPClassUID,
		Identifier:  identifier,
		Cancelled:   a.checkCancel,
	}

	emit := func(match *dimse.DataSet) error {
		return a.sendMessage(pc.ID, &dimse.Message{
			CommandField:              dimse.CFindRSP,
			MessageIDBeingRespondedTo: in.msg.MessageID,
			AffectedSOPClassUID:       in.msg.AffectedSOPClassUID,
			CommandDataSetType:        dimse.DataSetPresent,
			Status:                    dimse.StatusPending,
		}, dimse.EncodeDataSet(match, pc.TransferSyntax))
	}

	var status uint16 = dimse.StatusProcessingFailure
	switch {
	case pc.AbstractSyntax == dimse.ModalityWorklistFind && a.srv.services.Worklist != nil:
		status = a.srv.services.Worklist.Find(ctx, req, emit)
	case a.srv.services.Query != nil:
		status = a.srv.services.Query.Find(ctx, req, emit)
	}
	a.sendFindFinal(pc, in.msg, status)
}

func (a *association) sendFindFinal(pc *dimse.PresentationContext, msg *dimse.Message, status uint16) {
	a.sendMessage(pc.ID, &dimse.Message{
		CommandField:              dimse.CFindRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		CommandDataSetType:        dimse.DataSetNull,
		Status:                    status,
	}, nil)
}

func (a *association) handleMove(ctx context.Context, pc *dimse.PresentationContext, in inbound) {
	identifier, err := dimse.DecodeDataSet(in.payload, pc.TransferSyntax)
	if err != nil {
		a.sendRetrieveFinal(pc, in.msg, dimse.CMoveRSP, RetrieveResult{Status: dimse.StatusInvalidAttributeValue})
		return
	}
	if a.srv.services.Move == nil {
		a.sendRetrieveFinal(pc, in.msg, dimse.CMoveRSP, RetrieveResult{Status: dimse.StatusProcessingFailure})
		return
	}

	req := &RetrieveRequest{
		Peer:        a.peer,
		SOPClassUID: in.msg.AffectedSOPClassUID,
		Identifier:  identifier,
		Destination: in.msg.MoveDestination,
		MessageID:   in.msg.MessageID,
		Cancelled:   a.checkCancel,
	}
	progress := a.retrieveProgress(pc, in.msg, dimse.CMoveRSP)

	result := a.srv.services.Move.Move(ctx, req, progress)
	a.sendRetrieveFinal(pc, in.msg, dimse.CMoveRSP, result)
}

func (a *association) handleGet(ctx context.Context, pc *dimse.PresentationContext, in inbound) {
	identifier, err := dimse.DecodeDataSet(in.payload, pc.TransferSyntax)
	if err != nil {
		a.sendRetrieveFinal(pc, in.msg, dimse.CGetRSP, RetrieveResult{Status: dimse.StatusInvalidAttributeValue})
		return
	}
	if a.srv.services.Get == nil {
		a.sendRetrieveFinal(pc, in.msg, dimse.CGetRSP, RetrieveResult{Status: dimse.StatusProcessingFailure})
		return
	}

	req := &RetrieveRequest{
		Peer:        a.peer,
		SOPClassUID: in.msg.AffectedSOPClassUID,
		Identifier:  identifier,
		MessageID:   in.msg.MessageID,
		Cancelled:   a.checkCancel,
	}
	progress := a.retrieveProgress(pc, in.msg, dimse.CGetRSP)

	result := a.srv.services.Get.Get(ctx, req, a.subStore, progress)
	a.sendRetrieveFinal(pc, in.msg, dimse.CGetRSP, result)
}

// retrieveProgress emits one pending response with sub-operation counters.
func (a *association) retrieveProgress(pc *dimse.PresentationContext, msg *dimse.Message, rspField uint16) ProgressFunc {
	return func(remaining, completed, failed, warnings uint16) {
		a.sendMessage(pc.ID, &dimse.Message{
			CommandField:              rspField,
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			CommandDataSetType:        dimse.DataSetNull,
			Status:                    dimse.StatusPending,
			Remaining:                 &remaining,
			Completed:                 &completed,
			Failed:                    &failed,
			Warning:                   &warnings,
		}, nil)
	}
}

func (a *association) sendRetrieveFinal(pc *dimse.PresentationContext, msg *dimse.Message, rspField uint16, result RetrieveResult) {
	a.sendMessage(pc.ID, &dimse.Message{
		CommandField:              rspField,
		MessageIDBeingRespondedTo: msg.MessageID,
		AffectedSOPClassUID:       msg.AffectedSOPClassUID,
		CommandDataSetType:        dimse.DataSetNull,
		Status:                    result.Status,
		Completed:                 &result.Completed,
		Failed:                    &result.Failed,
		Warning:                   &result.Warnings,
	}, nil)
}

// subStore sends one C-STORE-RQ back over this association (C-GET) and waits
// for the response. A C-CANCEL arriving meanwhile is recorded, not lost.
func (a *association) subStore(sopClassUID, sopInstanceUID, transferSyntax string, payload []byte) (uint16, error) {
	pc := a.contextForAbstract(sopClassUID, transferSyntax)
	if pc == nil {
		return 0, fmt.Errorf("no accepted presentation context for %s", sopClassUID)
	}
	if pc.TransferSyntax != transferSyntax {
		return 0, fmt.Errorf("negotiated syntax %s does not match stored syntax %s", pc.TransferSyntax, transferSyntax)
	}

	err := a.sendMessage(pc.ID, &dimse.Message{
		CommandField:           dimse.CStoreRQ,
		MessageID:              a.nextSubMessageID(),
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		CommandDataSetType:     dimse.DataSetPresent,
	}, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to send sub-operation store: %w", err)
	}

	timeout := a.srv.cfg.SubOperationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case in := <-a.incoming:
			switch in.msg.CommandField {
			case dimse.CStoreRSP:
				return in.msg.Status, nil
			case dimse.CCancelRQ:
				a.cancelled = true
			default:
				a.queued = append(a.queued, in)
			}
		case err := <-a.readErr:
			return 0, err
		case <-a.released:
			return 0, fmt.Errorf("association released during sub-operation")
		case <-deadline.C:
			return 0, fmt.Errorf("sub-operation store timed out after %s", timeout)
		}
	}
}

func (a *association) nextSubMessageID() uint16 {
	a.subMessageID++
	return a.subMessageID
}

func (a *association) handlePrint(ctx context.Context, pc *dimse.PresentationContext, in inbound) {
	rsp := PrintResponse{Status: dimse.StatusProcessingFailure}
	if a.srv.services.Print != nil {
		var attrs *dimse.DataSet
		if len(in.payload) > 0 {
			var err error
			attrs, err = dimse.DecodeDataSet(in.payload, pc.TransferSyntax)
			if err != nil {
				a.log.Warn().Err(err).Msg("failed to decode print attribute list")
				attrs = nil
			}
		}
		rsp = a.srv.services.Print.Handle(ctx, &PrintRequest{
			Peer:       a.peer,
			Command:    in.msg,
			Attributes: attrs,
		})
	}

	sopClass := in.msg.AffectedSOPClassUID
	if sopClass == "" {
		sopClass = in.msg.RequestedSOPClassUID
	}
	sopInstance := rsp.SOPInstanceUID
	if sopInstance == "" {
		sopInstance = in.msg.RequestedSOPInstanceUID
	}

	out := &dimse.Message{
		CommandField:              dimse.ResponseCommandFor(in.msg.CommandField),
		MessageIDBeingRespondedTo: in.msg.MessageID,
		AffectedSOPClassUID:       sopClass,
		AffectedSOPInstanceUID:    sopInstance,
		CommandDataSetType:        dimse.DataSetNull,
		Status:                    rsp.Status,
		ActionTypeID:              in.msg.ActionTypeID,
	}
	var payload []byte
	if rsp.Attributes != nil {
		out.CommandDataSetType = dimse.DataSetPresent
		payload = dimse.EncodeDataSet(rsp.Attributes, pc.TransferSyntax)
	}
	a.sendMessage(pc.ID, out, payload)
}
