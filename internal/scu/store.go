package scu

import (
	"context"
	"fmt"
	"os"

	"github.com/masroore/dicomscp/pkg/dimse"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// outboundFile is one parsed instance queued for transmission.
type outboundFile struct {
	path           string
	sopClassUID    string
	sopInstanceUID string
	transferSyntax string
	payload        []byte
}

// FileError records why one file of a batch could not be sent.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// StoreResult summarizes one C-STORE batch.
type StoreResult struct {
	Sent     int
	Warnings int
	Failed   []FileError
}

// StoreFiles sends the given DICOM files to the target over one association.
// Files that fail to parse or are refused by the SCP are collected in the
// result; duplicates count as warnings, not failures. The returned error is
// non-nil when the association broke or any file failed.
func (c *Client) StoreFiles(ctx context.Context, target Target, paths []string) (*StoreResult, error) {
	result := &StoreResult{}

	var files []outboundFile
	for _, path := range paths {
		f, err := c.parseFile(path)
		if err != nil {
			result.Failed = append(result.Failed, FileError{Path: path, Err: err})
			continue
		}
		files = append(files, f)
	}
	if len(files) == 0 {
		return result, fmt.Errorf("no sendable files in batch of %d", len(paths))
	}

	assoc, err := c.dial(ctx, target, storeContexts(files))
	if err != nil {
		return result, err
	}
	defer assoc.Release()

	for _, f := range files {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		status, err := assoc.Store(f.sopClassUID, f.sopInstanceUID, f.payload)
		switch {
		case err != nil:
			result.Failed = append(result.Failed, FileError{Path: f.path, Err: err})
			// Transport errors kill the association for good.
			return result, fmt.Errorf("association to %s broke mid-batch: %w", target.AETitle, err)
		case status == dimse.StatusDuplicateSOPInstance || dimse.IsWarningStatus(status):
			result.Warnings++
			result.Sent++
			c.log.Warn().Str("file", f.path).Uint16("status", status).Msg("store accepted with warning")
		case dimse.IsFailureStatus(status):
			result.Failed = append(result.Failed, FileError{Path: f.path, Err: &dimse.StatusError{Operation: "C-STORE", Status: status}})
		default:
			result.Sent++
		}
	}

	c.log.Info().
		Str("remote_ae", target.AETitle).
		Int("sent", result.Sent).
		Int("failed", len(result.Failed)).
		Msg("store batch finished")
	if len(result.Failed) > 0 {
		return result, fmt.Errorf("%d of %d files failed to store", len(result.Failed), len(paths))
	}
	return result, nil
}

// parseFile validates the file and extracts the identifiers needed on the
// wire. The payload is the encoded dataset without the part 10 envelope.
func (c *Client) parseFile(path string) (outboundFile, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return outboundFile{}, fmt.Errorf("could not parse DICOM: %w", err)
	}
	f := outboundFile{
		path:           path,
		sopClassUID:    elementString(ds, tag.MediaStorageSOPClassUID),
		sopInstanceUID: elementString(ds, tag.MediaStorageSOPInstanceUID),
		transferSyntax: elementString(ds, tag.TransferSyntaxUID),
	}
	if f.sopClassUID == "" {
		f.sopClassUID = elementString(ds, tag.SOPClassUID)
	}
	if f.sopInstanceUID == "" {
		f.sopInstanceUID = elementString(ds, tag.SOPInstanceUID)
	}
	if f.sopClassUID == "" || f.sopInstanceUID == "" || f.transferSyntax == "" {
		return outboundFile{}, fmt.Errorf("file meta lacks SOP identifiers")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return outboundFile{}, fmt.Errorf("could not read file: %w", err)
	}
	_, payload, err := dimse.DecodePart10(raw)
	if err != nil {
		return outboundFile{}, fmt.Errorf("could not strip file envelope: %w", err)
	}
	f.payload = payload
	return f, nil
}

// storeContexts proposes one presentation context per storage class in the
// batch, each restricted to the transfer syntaxes the batch actually uses.
func storeContexts(files []outboundFile) []*dimse.PresentationContext {
	syntaxes := make(map[string][]string)
	var order []string
	for _, f := range files {
		if _, seen := syntaxes[f.sopClassUID]; !seen {
			order = append(order, f.sopClassUID)
		}
		if !containsString(syntaxes[f.sopClassUID], f.transferSyntax) {
			syntaxes[f.sopClassUID] = append(syntaxes[f.sopClassUID], f.transferSyntax)
		}
	}

	contexts := make([]*dimse.PresentationContext, 0, len(order))
	id := byte(1)
	for _, class := range order {
		contexts = append(contexts, dimse.ProposeContext(id, class, syntaxes[class]...))
		id += 2
	}
	return contexts
}

func elementString(ds dicom.Dataset, t tag.Tag) string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem.Value == nil {
		return ""
	}
	switch v := elem.Value.GetValue().(type) {
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	case string:
		return v
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
