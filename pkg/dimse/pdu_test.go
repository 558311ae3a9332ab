package dimse

import (
	"bytes"
	"testing"
)

func TestPDURoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte{0x01, 0x02, 0x03}
	if err := WritePDU(&buf, PDUDataTF, body); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	pdu, err := ReadPDU(&buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if pdu.Type != PDUDataTF {
		t.Errorf("type = 0x%02X, want 0x%02X", pdu.Type, PDUDataTF)
	}
	if !bytes.Equal(pdu.Data, body) {
		t.Errorf("data = %v, want %v", pdu.Data, body)
	}
}

func TestAssociateRQRoundTrip(t *testing.T) {
	req := &AssociateRequest{
		CalledAETitle:  "STORESCP",
		CallingAETitle: "MODALITY",
		MaxPDULength:   32768,
		Contexts: []*PresentationContext{
			ProposeContext(1, VerificationSOPClass),
			ProposeContext(3, CTImageStorage, ImageTransferSyntaxes...),
		},
	}

	parsed, err := ParseAssociateRQ(EncodeAssociateRQ(req))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.CalledAETitle != "STORESCP" {
		t.Errorf("called AE = %q, want STORESCP", parsed.CalledAETitle)
	}
	if parsed.CallingAETitle != "MODALITY" {
		t.Errorf("calling AE = %q, want MODALITY", parsed.CallingAETitle)
	}
	if parsed.MaxPDULength != 32768 {
		t.Errorf("max pdu = %d, want 32768", parsed.MaxPDULength)
	}
	if len(parsed.Contexts) != 2 {
		t.Fatalf("got %d contexts, want 2", len(parsed.Contexts))
	}
	if parsed.Contexts[0].AbstractSyntax != VerificationSOPClass {
		t.Errorf("context 1 abstract syntax = %q", parsed.Contexts[0].AbstractSyntax)
	}
	if parsed.Contexts[1].ID != 3 {
		t.Errorf("context ID = %d, want 3", parsed.Contexts[1].ID)
	}
	if len(parsed.Contexts[1].TransferSyntaxes) != len(ImageTransferSyntaxes) {
		t.Errorf("got %d transfer syntaxes, want %d",
			len(parsed.Contexts[1].TransferSyntaxes), len(ImageTransferSyntaxes))
	}
}

func TestAssociateACNegotiation(t *testing.T) {
	req := &AssociateRequest{
		CalledAETitle:  "QRSCP",
		CallingAETitle: "VIEWER",
		Contexts: []*PresentationContext{
			ProposeContext(1, StudyRootQueryRetrieveFind),
			ProposeContext(3, PatientRootQueryRetrieveFind),
		},
	}

	negotiated := []*PresentationContext{
		{ID: 1, AbstractSyntax: StudyRootQueryRetrieveFind, Result: PCAcceptance, TransferSyntax: ExplicitVRLittleEndian},
		{ID: 3, AbstractSyntax: PatientRootQueryRetrieveFind, Result: PCAbstractSyntaxRejected},
	}
	ac := EncodeAssociateAC(req, negotiated, 65536)

	proposed := map[byte]*PresentationContext{
		1: req.Contexts[0],
		3: req.Contexts[1],
	}
	maxPDU, err := ParseAssociateAC(ac, proposed)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if maxPDU != 65536 {
		t.Errorf("peer max pdu = %d, want 65536", maxPDU)
	}
	if !proposed[1].Accepted() {
		t.Error("context 1 should be accepted")
	}
	if proposed[1].TransferSyntax != ExplicitVRLittleEndian {
		t.Errorf("context 1 transfer syntax = %q", proposed[1].TransferSyntax)
	}
	if proposed[3].Accepted() {
		t.Error("context 3 should be rejected")
	}
}

func TestAssociateRJRoundTrip(t *testing.T) {
	body := EncodeAssociateRJ(RejectPermanent, RejectSourceServiceUser, RejectReasonCallingAETitle)
	result, source, reason, err := ParseAssociateRJ(body)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if result != RejectPermanent || source != RejectSourceServiceUser || reason != RejectReasonCallingAETitle {
		t.Errorf("got (%d,%d,%d)", result, source, reason)
	}
}

func TestPDataFragmentation(t *testing.T) {
	payload := make([]byte, 40000)
	for i := range payload {
		payload[i] = byte(i)
	}

	pdus := EncodePDataTF(5, false, payload, DefaultMaxPDULength)
	if len(pdus) < 3 {
		t.Fatalf("got %d fragments, want at least 3", len(pdus))
	}

	var reassembled []byte
	for i, body := range pdus {
		if len(body) > int(DefaultMaxPDULength) {
			t.Errorf("fragment %d length %d exceeds max pdu", i, len(body))
		}
		pdvs, err := ParsePDVs(body)
		if err != nil {
			t.Fatalf("fragment %d: %v", i, err)
		}
		if len(pdvs) != 1 {
			t.Fatalf("fragment %d: got %d pdvs", i, len(pdvs))
		}
		pdv := pdvs[0]
		if pdv.ContextID != 5 {
			t.Errorf("fragment %d context = %d, want 5", i, pdv.ContextID)
		}
		if pdv.Command {
			t.Errorf("fragment %d marked as command", i)
		}
		wantLast := i == len(pdus)-1
		if pdv.Last != wantLast {
			t.Errorf("fragment %d last = %v, want %v", i, pdv.Last, wantLast)
		}
		reassembled = append(reassembled, pdv.Data...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Error("reassembled payload differs from original")
	}
}

func TestAssemblerCommandWithDataset(t *testing.T) {
	cmd := EncodeCommand(&Message{
		CommandField:        CFindRQ,
		MessageID:           1,
		AffectedSOPClassUID: StudyRootQueryRetrieveFind,
		CommandDataSetType:  DataSetPresent,
	})
	ds := NewDataSet()
	ds.PutString(TagQueryRetrieveLevel, "STUDY")
	payload := EncodeDataSet(ds, ImplicitVRLittleEndian)

	var asm Assembler
	var feed []PDV
	for _, body := range EncodePDataTF(1, true, cmd, 64) {
		pdvs, err := ParsePDVs(body)
		if err != nil {
			t.Fatalf("parse pdvs: %v", err)
		}
		feed = append(feed, pdvs...)
	}
	for _, body := range EncodePDataTF(1, false, payload, 64) {
		pdvs, err := ParsePDVs(body)
		if err != nil {
			t.Fatalf("parse pdvs: %v", err)
		}
		feed = append(feed, pdvs...)
	}

	var done bool
	for _, pdv := range feed {
		msg, contextID, dataset, complete, err := asm.Feed(pdv)
		if err != nil {
			t.Fatalf("feed failed: %v", err)
		}
		if complete {
			done = true
			if msg.CommandField != CFindRQ {
				t.Errorf("command field = 0x%04X", msg.CommandField)
			}
			if contextID != 1 {
				t.Errorf("context id = %d, want 1", contextID)
			}
			decoded, err := DecodeDataSet(dataset, ImplicitVRLittleEndian)
			if err != nil {
				t.Fatalf("decode dataset: %v", err)
			}
			if got := decoded.String(TagQueryRetrieveLevel); got != "STUDY" {
				t.Errorf("level = %q, want STUDY", got)
			}
		}
	}
	if !done {
		t.Error("assembler never completed the message")
	}
}

func TestAssemblerCommandOnly(t *testing.T) {
	cmd := EncodeCommand(&Message{
		CommandField:        CEchoRQ,
		MessageID:           9,
		AffectedSOPClassUID: VerificationSOPClass,
		CommandDataSetType:  DataSetNull,
	})

	var asm Assembler
	msg, _, dataset, complete, err := asm.Feed(PDV{ContextID: 1, Command: true, Last: true, Data: cmd})
	if err != nil {
		t.Fatalf("feed failed: %v", err)
	}
	if !complete {
		t.Fatal("command-only message should complete immediately")
	}
	if msg.CommandField != CEchoRQ {
		t.Errorf("command field = 0x%04X", msg.CommandField)
	}
	if dataset != nil {
		t.Error("echo must not carry a dataset")
	}
}

func TestAssemblerRejectsOrphanDataset(t *testing.T) {
	var asm Assembler
	if _, _, _, _, err := asm.Feed(PDV{ContextID: 1, Last: true, Data: []byte{0x00}}); err == nil {
		t.Error("expected error for dataset pdv without command")
	}
}
