package dimse

import (
	"testing"
)

func TestCommandRoundTripCStoreRequest(t *testing.T) {
	req := &Message{
		CommandField:           CStoreRQ,
		MessageID:              7,
		AffectedSOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
		AffectedSOPInstanceUID: "1.2.3.4.5",
		CommandDataSetType:     DataSetPresent,
	}

	parsed, err := ParseCommand(EncodeCommand(req))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.CommandField != CStoreRQ {
		t.Errorf("command field = 0x%04X, want 0x%04X", parsed.CommandField, CStoreRQ)
	}
	if parsed.MessageID != 7 {
		t.Errorf("message id = %d, want 7", parsed.MessageID)
	}
	if parsed.AffectedSOPClassUID != req.AffectedSOPClassUID {
		t.Errorf("sop class = %q", parsed.AffectedSOPClassUID)
	}
	if parsed.AffectedSOPInstanceUID != req.AffectedSOPInstanceUID {
		t.Errorf("sop instance = %q", parsed.AffectedSOPInstanceUID)
	}
	if !parsed.HasDataSet() {
		t.Error("C-STORE-RQ must carry a dataset")
	}
}

func TestCommandRoundTripMoveResponseCounters(t *testing.T) {
	rsp := &Message{
		CommandField:              CMoveRSP,
		MessageIDBeingRespondedTo: 3,
		AffectedSOPClassUID:       StudyRootQueryRetrieveMove,
		CommandDataSetType:        DataSetNull,
		Status:                    StatusPending,
		Remaining:                 uint16Ptr(4),
		Completed:                 uint16Ptr(5),
		Failed:                    uint16Ptr(1),
		Warning:                   uint16Ptr(0),
	}

	parsed, err := ParseCommand(EncodeCommand(rsp))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Status != StatusPending {
		t.Errorf("status = 0x%04X, want pending", parsed.Status)
	}
	if parsed.Remaining == nil || *parsed.Remaining != 4 {
		t.Errorf("remaining = %v, want 4", parsed.Remaining)
	}
	if parsed.Completed == nil || *parsed.Completed != 5 {
		t.Errorf("completed = %v, want 5", parsed.Completed)
	}
	if parsed.Failed == nil || *parsed.Failed != 1 {
		t.Errorf("failed = %v, want 1", parsed.Failed)
	}
	if parsed.Warning == nil || *parsed.Warning != 0 {
		t.Errorf("warning = %v, want 0", parsed.Warning)
	}
	if parsed.HasDataSet() {
		t.Error("response with null dataset type must not expect a dataset")
	}
}

func TestCommandRoundTripMoveRequest(t *testing.T) {
	req := &Message{
		CommandField:        CMoveRQ,
		MessageID:           11,
		AffectedSOPClassUID: StudyRootQueryRetrieveMove,
		CommandDataSetType:  DataSetPresent,
		MoveDestination:     "DEST_AE",
	}

	parsed, err := ParseCommand(EncodeCommand(req))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.MoveDestination != "DEST_AE" {
		t.Errorf("move destination = %q, want DEST_AE", parsed.MoveDestination)
	}
}

func TestCommandRoundTripNAction(t *testing.T) {
	req := &Message{
		CommandField:            NActionRQ,
		MessageID:               2,
		RequestedSOPClassUID:    BasicFilmSession,
		RequestedSOPInstanceUID: "1.2.3.9",
		ActionTypeID:            1,
		CommandDataSetType:      DataSetNull,
	}

	parsed, err := ParseCommand(EncodeCommand(req))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.RequestedSOPClassUID != BasicFilmSession {
		t.Errorf("requested sop class = %q", parsed.RequestedSOPClassUID)
	}
	if parsed.RequestedSOPInstanceUID != "1.2.3.9" {
		t.Errorf("requested sop instance = %q", parsed.RequestedSOPInstanceUID)
	}
	if parsed.ActionTypeID != 1 {
		t.Errorf("action type = %d, want 1", parsed.ActionTypeID)
	}
}

func TestParseCommandRejectsTruncated(t *testing.T) {
	if _, err := ParseCommand([]byte{0x00, 0x00}); err == nil {
		t.Error("expected error for truncated command set")
	}
}

func TestResponseCommandFor(t *testing.T) {
	cases := map[uint16]uint16{
		CEchoRQ:   CEchoRSP,
		CStoreRQ:  CStoreRSP,
		CFindRQ:   CFindRSP,
		CMoveRQ:   CMoveRSP,
		CGetRQ:    CGetRSP,
		NCreateRQ: NCreateRSP,
		NSetRQ:    NSetRSP,
	}
	for rq, want := range cases {
		if got := ResponseCommandFor(rq); got != want {
			t.Errorf("ResponseCommandFor(0x%04X) = 0x%04X, want 0x%04X", rq, got, want)
		}
	}
}

func TestStatusClassification(t *testing.T) {
	if !IsPendingStatus(StatusPending) || !IsPendingStatus(StatusPendingWarning) {
		t.Error("pending statuses misclassified")
	}
	if !IsWarningStatus(0xB000) || !IsWarningStatus(0xB007) {
		t.Error("warning statuses misclassified")
	}
	if IsFailureStatus(StatusSuccess) || IsFailureStatus(StatusCancel) || IsFailureStatus(0xB006) {
		t.Error("non-failure statuses classified as failure")
	}
	if IsFailureStatus(StatusDuplicateSOPInstance) {
		t.Error("duplicate SOP instance classified as failure")
	}
	if !IsFailureStatus(StatusProcessingFailure) || !IsFailureStatus(StatusIdentifierMismatch) {
		t.Error("failure statuses not classified as failure")
	}
}
