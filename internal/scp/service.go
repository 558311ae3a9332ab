package scp

import (
	"context"

	"github.com/masroore/dicomscp/pkg/dimse"
)

// Peer identifies the remote application entity of an association.
type Peer struct {
	CallingAETitle string
	CalledAETitle  string
	RemoteAddress  string
}

// StoreRequest is one inbound C-STORE operation.
type StoreRequest struct {
	Peer           Peer
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	// Payload is the dataset exactly as received, still encoded with
	// TransferSyntax.
	Payload []byte
}

// FindRequest is one inbound C-FIND operation.
type FindRequest struct {
	Peer        Peer
	SOPClassUID string
	Identifier  *dimse.DataSet
	// Cancelled reports whether the SCU issued C-CANCEL. Checked between
	// pending responses.
	Cancelled func() bool
}

// RetrieveRequest is one inbound C-MOVE or C-GET operation.
type RetrieveRequest struct {
	Peer        Peer
	SOPClassUID string
	Identifier  *dimse.DataSet
	// Destination is the move destination AE title; empty for C-GET.
	Destination string
	MessageID   uint16
	Cancelled   func() bool
}

// RetrieveResult is the terminal outcome of a retrieve operation.
type RetrieveResult struct {
	Status    uint16
	Completed uint16
	Failed    uint16
	Warnings  uint16
	// FailedSOPInstanceUIDs lists the instances that could not be sent.
	FailedSOPInstanceUIDs []string
}

// ProgressFunc emits one pending retrieve response. remaining counts the
// sub-operations not yet attempted.
type ProgressFunc func(remaining, completed, failed, warnings uint16)

// SubStoreFunc performs one C-STORE sub-operation on the requesting
// association (C-GET). It blocks until the SCU answers and returns the
// C-STORE response status.
type SubStoreFunc func(sopClassUID, sopInstanceUID, transferSyntax string, payload []byte) (uint16, error)

// StorageService handles C-STORE as an SCP.
type StorageService interface {
	Store(ctx context.Context, req *StoreRequest) uint16
}

// QueryService handles C-FIND against the archive index.
type QueryService interface {
	// Find emits each match through emit and returns the terminal status.
	Find(ctx context.Context, req *FindRequest, emit func(*dimse.DataSet) error) uint16
}

// MoveService handles C-MOVE by pushing instances to a destination AE.
type MoveService interface {
	Move(ctx context.Context, req *RetrieveRequest, progress ProgressFunc) RetrieveResult
}

// GetService handles C-GET by storing instances back over the same
// association.
type GetService interface {
	Get(ctx context.Context, req *RetrieveRequest, store SubStoreFunc, progress ProgressFunc) RetrieveResult
}

// WorklistService handles modality worklist C-FIND.
type WorklistService interface {
	Find(ctx context.Context, req *FindRequest, emit func(*dimse.DataSet) error) uint16
}

// PrintRequest is one inbound N-CREATE/N-SET/N-ACTION/N-DELETE/N-GET.
type PrintRequest struct {
	Peer       Peer
	Command    *dimse.Message
	Attributes *dimse.DataSet
}

// PrintResponse carries the DIMSE status and optional attribute list of a
// print operation.
type PrintResponse struct {
	Status         uint16
	SOPInstanceUID string
	Attributes     *dimse.DataSet
}

// PrintService handles the basic print management SOP classes.
type PrintService interface {
	Handle(ctx context.Context, req *PrintRequest) PrintResponse
}

// Services bundles everything one listener can dispatch to. Nil fields make
// the corresponding operations fail with 0x0110.
type Services struct {
	Storage  StorageService
	Query    QueryService
	Move     MoveService
	Get      GetService
	Worklist WorklistService
	Print    PrintService
}
