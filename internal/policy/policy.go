package policy

import (
	"github.com/masroore/dicomscp/internal/config"
	"github.com/masroore/dicomscp/pkg/dimse"
	"github.com/masroore/dicomscp/pkg/logger"
	"github.com/rs/zerolog"
)

// Role selects which abstract syntaxes a listener serves.
type Role string

const (
	// RoleArchive serves verification, storage, query/retrieve and print.
	RoleArchive Role = "archive"
	// RoleWorklist serves verification and modality worklist only.
	RoleWorklist Role = "worklist"
)

// Rejection carries an A-ASSOCIATE-RJ triple.
type Rejection struct {
	Result byte
	Source byte
	Reason byte
}

// Policy decides whether associations are admitted and which presentation
// contexts get accepted.
type Policy struct {
	cfg  config.DICOMConfig
	role Role
	log  zerolog.Logger

	printEnabled bool
}

// New builds a policy for one listener role.
func New(cfg config.DICOMConfig, printEnabled bool, role Role) *Policy {
	return &Policy{
		cfg:          cfg,
		role:         role,
		log:          logger.Service("policy"),
		printEnabled: printEnabled,
	}
}

// Screen validates the association-level identity fields. A non-nil rejection
// refuses the whole association before context negotiation.
func (p *Policy) Screen(req *dimse.AssociateRequest) *Rejection {
	if req.CalledAETitle != p.cfg.AETitle {
		p.log.Warn().
			Str("called_ae", req.CalledAETitle).
			Str("expected", p.cfg.AETitle).
			Msg("rejecting association: called AE title mismatch")
		return &Rejection{
			Result: dimse.RejectPermanent,
			Source: dimse.RejectSourceServiceUser,
			Reason: dimse.RejectReasonCalledAETitle,
		}
	}
	if !p.cfg.CallingAEAllowed(req.CallingAETitle) {
		p.log.Warn().
			Str("calling_ae", req.CallingAETitle).
			Msg("rejecting association: calling AE title not in allow-list")
		return &Rejection{
			Result: dimse.RejectPermanent,
			Source: dimse.RejectSourceServiceUser,
			Reason: dimse.RejectReasonCallingAETitle,
		}
	}
	return nil
}

// Negotiate resolves every proposed context to an accepted or rejected result.
// Unknown abstract syntaxes and disabled services reject the single context,
// never the association.
func (p *Policy) Negotiate(req *dimse.AssociateRequest) []*dimse.PresentationContext {
	out := make([]*dimse.PresentationContext, 0, len(req.Contexts))
	for _, proposed := range req.Contexts {
		negotiated := &dimse.PresentationContext{
			ID:             proposed.ID,
			AbstractSyntax: proposed.AbstractSyntax,
		}

		if !p.supports(proposed.AbstractSyntax) {
			negotiated.Result = dimse.PCAbstractSyntaxRejected
			p.log.Debug().
				Str("abstract_syntax", proposed.AbstractSyntax).
				Uint8("context_id", proposed.ID).
				Msg("rejecting presentation context")
			out = append(out, negotiated)
			continue
		}

		ts := selectTransferSyntax(proposed)
		if ts == "" {
			negotiated.Result = dimse.PCTransferSyntaxRejected
			out = append(out, negotiated)
			continue
		}

		negotiated.Result = dimse.PCAcceptance
		negotiated.TransferSyntax = ts
		out = append(out, negotiated)
	}
	return out
}

func (p *Policy) supports(abstractSyntax string) bool {
	if abstractSyntax == dimse.VerificationSOPClass {
		return true
	}
	switch p.role {
	case RoleWorklist:
		return abstractSyntax == dimse.ModalityWorklistFind
	case RoleArchive:
		switch {
		case dimse.IsStorageClass(abstractSyntax):
			return true
		case dimse.IsQueryRetrieveFind(abstractSyntax):
			return true
		case dimse.IsQueryRetrieveMove(abstractSyntax):
			return p.cfg.EnableCMove
		case dimse.IsQueryRetrieveGet(abstractSyntax):
			return p.cfg.EnableCGet
		case dimse.IsPrintClass(abstractSyntax):
			return p.printEnabled
		}
	}
	return false
}

// selectTransferSyntax picks the negotiated syntax for one context. Image
// storage classes may keep their compressed encoding; everything else is
// pinned to the baseline uncompressed syntaxes.
func selectTransferSyntax(proposed *dimse.PresentationContext) string {
	supported := dimse.BaselineTransferSyntaxes
	if dimse.IsImageStorageClass(proposed.AbstractSyntax) {
		supported = dimse.ImageTransferSyntaxes
	}
	for _, want := range supported {
		for _, ts := range proposed.TransferSyntaxes {
			if ts == want {
				return ts
			}
		}
	}
	return ""
}
