package policy

import (
	"testing"

	"github.com/masroore/dicomscp/internal/config"
	"github.com/masroore/dicomscp/pkg/dimse"
)

func archiveConfig() config.DICOMConfig {
	return config.DICOMConfig{
		AETitle:     "STORESCP",
		EnableCGet:  true,
		EnableCMove: true,
	}
}

func TestScreenAcceptsKnownCaller(t *testing.T) {
	cfg := archiveConfig()
	cfg.AllowedCallingAETitles = []string{"CT01"}
	p := New(cfg, true, RoleArchive)

	req := &dimse.AssociateRequest{CalledAETitle: "STORESCP", CallingAETitle: "CT01"}
	if rej := p.Screen(req); rej != nil {
		t.Errorf("expected acceptance, got rejection %+v", rej)
	}
}

func TestScreenRejectsUnknownCaller(t *testing.T) {
	cfg := archiveConfig()
	cfg.AllowedCallingAETitles = []string{"CT01"}
	p := New(cfg, true, RoleArchive)

	req := &dimse.AssociateRequest{CalledAETitle: "STORESCP", CallingAETitle: "ROGUE"}
	rej := p.Screen(req)
	if rej == nil {
		t.Fatal("expected rejection for unlisted calling AE")
	}
	if rej.Reason != dimse.RejectReasonCallingAETitle {
		t.Errorf("reason = %d, want calling-AE reason", rej.Reason)
	}
}

func TestScreenRejectsWrongCalledAE(t *testing.T) {
	p := New(archiveConfig(), true, RoleArchive)

	req := &dimse.AssociateRequest{CalledAETitle: "OTHER", CallingAETitle: "CT01"}
	rej := p.Screen(req)
	if rej == nil {
		t.Fatal("expected rejection for wrong called AE")
	}
	if rej.Reason != dimse.RejectReasonCalledAETitle {
		t.Errorf("reason = %d, want called-AE reason", rej.Reason)
	}
}

func TestNegotiateArchiveContexts(t *testing.T) {
	p := New(archiveConfig(), true, RoleArchive)

	req := &dimse.AssociateRequest{
		Contexts: []*dimse.PresentationContext{
			dimse.ProposeContext(1, dimse.VerificationSOPClass),
			dimse.ProposeContext(3, dimse.CTImageStorage, dimse.JPEG2000Lossless, dimse.ExplicitVRLittleEndian),
			dimse.ProposeContext(5, dimse.StudyRootQueryRetrieveFind),
			dimse.ProposeContext(7, dimse.ModalityWorklistFind),
		},
	}

	contexts := p.Negotiate(req)
	if len(contexts) != 4 {
		t.Fatalf("got %d contexts, want 4", len(contexts))
	}
	if !contexts[0].Accepted() || !contexts[1].Accepted() || !contexts[2].Accepted() {
		t.Error("verification, storage and find contexts should be accepted")
	}
	if contexts[3].Accepted() {
		t.Error("worklist context must be rejected on the archive listener")
	}
}

func TestNegotiateRespectsFeatureGates(t *testing.T) {
	cfg := archiveConfig()
	cfg.EnableCGet = false
	cfg.EnableCMove = false
	p := New(cfg, false, RoleArchive)

	req := &dimse.AssociateRequest{
		Contexts: []*dimse.PresentationContext{
			dimse.ProposeContext(1, dimse.StudyRootQueryRetrieveMove),
			dimse.ProposeContext(3, dimse.StudyRootQueryRetrieveGet),
			dimse.ProposeContext(5, dimse.BasicGrayscalePrintMgmt),
			dimse.ProposeContext(7, dimse.StudyRootQueryRetrieveFind),
		},
	}

	contexts := p.Negotiate(req)
	for i, want := range []bool{false, false, false, true} {
		if contexts[i].Accepted() != want {
			t.Errorf("context %d accepted = %v, want %v", contexts[i].ID, contexts[i].Accepted(), want)
		}
	}
}

func TestNegotiateWorklistRole(t *testing.T) {
	p := New(archiveConfig(), true, RoleWorklist)

	req := &dimse.AssociateRequest{
		Contexts: []*dimse.PresentationContext{
			dimse.ProposeContext(1, dimse.ModalityWorklistFind),
			dimse.ProposeContext(3, dimse.CTImageStorage),
			dimse.ProposeContext(5, dimse.VerificationSOPClass),
		},
	}

	contexts := p.Negotiate(req)
	if !contexts[0].Accepted() || !contexts[2].Accepted() {
		t.Error("worklist and verification must be accepted on the worklist listener")
	}
	if contexts[1].Accepted() {
		t.Error("storage must be rejected on the worklist listener")
	}
}

func TestNegotiateTransferSyntaxSelection(t *testing.T) {
	p := New(archiveConfig(), true, RoleArchive)

	// Compressed-only proposal on an image class keeps the compressed syntax.
	req := &dimse.AssociateRequest{
		Contexts: []*dimse.PresentationContext{
			dimse.ProposeContext(1, dimse.CTImageStorage, dimse.JPEGLSLossless),
			dimse.ProposeContext(3, dimse.StudyRootQueryRetrieveFind, dimse.JPEGLSLossless),
		},
	}

	contexts := p.Negotiate(req)
	if !contexts[0].Accepted() || contexts[0].TransferSyntax != dimse.JPEGLSLossless {
		t.Errorf("image context = %+v, want accepted with JPEG-LS", contexts[0])
	}
	if contexts[1].Accepted() {
		t.Error("find context must reject compressed-only proposals")
	}
	if contexts[1].Result != dimse.PCTransferSyntaxRejected {
		t.Errorf("find context result = %d, want transfer syntax rejection", contexts[1].Result)
	}
}
