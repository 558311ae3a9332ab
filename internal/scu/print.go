package scu

import (
	"context"
	"fmt"
	"strconv"

	"github.com/masroore/dicomscp/pkg/dimse"
)

// PrintPage is one 8-bit grayscale page to print.
type PrintPage struct {
	Rows    int
	Columns int
	Pixels  []byte
}

// PrintOptions configure one film session.
type PrintOptions struct {
	Copies     int
	Priority   string
	MediumType string
	FilmSizeID string
}

// Print sends the pages to a remote print SCP: one film session, then per page
// a film box N-CREATE, an image box N-SET and a print N-ACTION. The first
// refused operation aborts the chain.
func (c *Client) Print(ctx context.Context, target Target, pages []PrintPage, opts PrintOptions) error {
	if len(pages) == 0 {
		return fmt.Errorf("nothing to print")
	}
	for i, p := range pages {
		if p.Rows <= 0 || p.Columns <= 0 || len(p.Pixels) != p.Rows*p.Columns {
			return fmt.Errorf("page %d: pixel buffer does not match %dx%d", i+1, p.Rows, p.Columns)
		}
	}

	assoc, err := c.dial(ctx, target, []*dimse.PresentationContext{
		dimse.ProposeContext(1, dimse.BasicGrayscalePrintMgmt),
	})
	if err != nil {
		return err
	}
	defer assoc.Release()

	sessionUID, err := c.createFilmSession(assoc, opts)
	if err != nil {
		return err
	}

	for i, page := range pages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.printPage(assoc, sessionUID, page, i+1); err != nil {
			return err
		}
	}

	// Tear the session down; the printer keeps the queued job.
	_, _, err = assoc.NRequest(dimse.BasicGrayscalePrintMgmt, &dimse.Message{
		CommandField:            dimse.NDeleteRQ,
		RequestedSOPClassUID:    dimse.BasicFilmSession,
		RequestedSOPInstanceUID: sessionUID,
	}, nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("film session delete failed")
	}

	c.log.Info().Str("remote_ae", target.AETitle).Int("pages", len(pages)).Msg("print job submitted")
	return nil
}

func (c *Client) createFilmSession(assoc *dimse.Association, opts PrintOptions) (string, error) {
	attrs := dimse.NewDataSet()
	copies := opts.Copies
	if copies <= 0 {
		copies = 1
	}
	attrs.PutString(dimse.TagNumberOfCopies, strconv.Itoa(copies))
	if opts.Priority != "" {
		attrs.PutString(dimse.TagPrintPriority, opts.Priority)
	}
	if opts.MediumType != "" {
		attrs.PutString(dimse.TagMediumType, opts.MediumType)
	}

	rsp, _, err := assoc.NRequest(dimse.BasicGrayscalePrintMgmt, &dimse.Message{
		CommandField:        dimse.NCreateRQ,
		AffectedSOPClassUID: dimse.BasicFilmSession,
	}, attrs)
	if err != nil {
		return "", fmt.Errorf("film session N-CREATE failed: %w", err)
	}
	if rsp.Status != dimse.StatusSuccess {
		return "", &dimse.StatusError{Operation: "N-CREATE FilmSession", Status: rsp.Status}
	}
	if rsp.AffectedSOPInstanceUID == "" {
		return "", fmt.Errorf("printer returned no film session UID")
	}
	return rsp.AffectedSOPInstanceUID, nil
}

func (c *Client) printPage(assoc *dimse.Association, sessionUID string, page PrintPage, number int) error {
	ref := dimse.NewDataSet()
	ref.PutString(dimse.TagReferencedSOPClassUID, dimse.BasicFilmSession)
	ref.PutString(dimse.TagReferencedSOPInstanceUID, sessionUID)
	boxAttrs := dimse.NewDataSet()
	boxAttrs.PutString(dimse.TagImageDisplayFormat, "STANDARD\\1,1")
	boxAttrs.PutSequence(dimse.TagReferencedFilmBoxSeq, []*dimse.DataSet{ref})

	rsp, rspAttrs, err := assoc.NRequest(dimse.BasicGrayscalePrintMgmt, &dimse.Message{
		CommandField:        dimse.NCreateRQ,
		AffectedSOPClassUID: dimse.BasicFilmBox,
	}, boxAttrs)
	if err != nil {
		return fmt.Errorf("film box N-CREATE failed: %w", err)
	}
	if rsp.Status != dimse.StatusSuccess {
		return &dimse.StatusError{Operation: "N-CREATE FilmBox", Status: rsp.Status}
	}
	filmBoxUID := rsp.AffectedSOPInstanceUID

	imageBoxUID := ""
	if rspAttrs != nil {
		if items := rspAttrs.Sequence(dimse.TagReferencedImageBoxSeq); len(items) > 0 {
			imageBoxUID = items[0].String(dimse.TagReferencedSOPInstanceUID)
		}
	}
	if imageBoxUID == "" {
		return fmt.Errorf("printer returned no image box for page %d", number)
	}

	image := dimse.NewDataSet()
	image.PutString(dimse.TagSamplesPerPixel, "1")
	image.PutString(dimse.TagPhotometricInterp, "MONOCHROME2")
	image.PutString(dimse.TagRows, strconv.Itoa(page.Rows))
	image.PutString(dimse.TagColumns, strconv.Itoa(page.Columns))
	image.PutString(dimse.TagBitsAllocated, "8")
	image.PutString(dimse.TagBitsStored, "8")
	image.PutString(dimse.TagHighBit, "7")
	image.PutString(dimse.TagPixelRepresentation, "0")
	image.PutBytes(dimse.TagPixelData, "OW", page.Pixels)
	setAttrs := dimse.NewDataSet()
	setAttrs.PutString(dimse.TagImageBoxPosition, "1")
	setAttrs.PutSequence(dimse.TagBasicGrayscaleImageSeq, []*dimse.DataSet{image})

	rsp, _, err = assoc.NRequest(dimse.BasicGrayscalePrintMgmt, &dimse.Message{
		CommandField:            dimse.NSetRQ,
		RequestedSOPClassUID:    dimse.BasicGrayscaleImageBox,
		RequestedSOPInstanceUID: imageBoxUID,
	}, setAttrs)
	if err != nil {
		return fmt.Errorf("image box N-SET failed: %w", err)
	}
	if rsp.Status != dimse.StatusSuccess {
		return &dimse.StatusError{Operation: "N-SET ImageBox", Status: rsp.Status}
	}

	rsp, _, err = assoc.NRequest(dimse.BasicGrayscalePrintMgmt, &dimse.Message{
		CommandField:            dimse.NActionRQ,
		RequestedSOPClassUID:    dimse.BasicFilmBox,
		RequestedSOPInstanceUID: filmBoxUID,
		ActionTypeID:            1,
	}, nil)
	if err != nil {
		return fmt.Errorf("film box N-ACTION failed: %w", err)
	}
	if rsp.Status != dimse.StatusSuccess && !dimse.IsWarningStatus(rsp.Status) {
		return &dimse.StatusError{Operation: "N-ACTION FilmBox", Status: rsp.Status}
	}

	// Free the film box before the next page.
	_, _, err = assoc.NRequest(dimse.BasicGrayscalePrintMgmt, &dimse.Message{
		CommandField:            dimse.NDeleteRQ,
		RequestedSOPClassUID:    dimse.BasicFilmBox,
		RequestedSOPInstanceUID: filmBoxUID,
	}, nil)
	if err != nil {
		return fmt.Errorf("film box N-DELETE failed: %w", err)
	}
	return nil
}

// GrayscalePage converts interleaved 8-bit RGB samples into a luminance page
// suitable for grayscale printing.
func GrayscalePage(rows, columns int, rgb []byte) (PrintPage, error) {
	if len(rgb) != rows*columns*3 {
		return PrintPage{}, fmt.Errorf("rgb buffer does not match %dx%d", rows, columns)
	}
	pixels := make([]byte, rows*columns)
	for i := range pixels {
		r := float64(rgb[i*3])
		g := float64(rgb[i*3+1])
		b := float64(rgb[i*3+2])
		pixels[i] = byte(0.299*r + 0.587*g + 0.114*b)
	}
	return PrintPage{Rows: rows, Columns: columns, Pixels: pixels}, nil
}
