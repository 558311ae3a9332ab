package dimse

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Tag identifies a DICOM data element by (group, element).
type Tag struct {
	Group   uint16
	Element uint16
}

func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

// Tags used throughout the services. VRs come from the built-in dictionary.
var (
	TagSpecificCharacterSet    = Tag{0x0008, 0x0005}
	TagSOPClassUID             = Tag{0x0008, 0x0016}
	TagSOPInstanceUID          = Tag{0x0008, 0x0018}
	TagStudyDate               = Tag{0x0008, 0x0020}
	TagStudyTime               = Tag{0x0008, 0x0030}
	TagAccessionNumber         = Tag{0x0008, 0x0050}
	TagQueryRetrieveLevel      = Tag{0x0008, 0x0052}
	TagRetrieveAETitle         = Tag{0x0008, 0x0054}
	TagModality                = Tag{0x0008, 0x0060}
	TagInstitutionName         = Tag{0x0008, 0x0080}
	TagReferringPhysicianName  = Tag{0x0008, 0x0090}
	TagStudyDescription        = Tag{0x0008, 0x1030}
	TagSeriesDescription       = Tag{0x0008, 0x103E}
	TagPatientName             = Tag{0x0010, 0x0010}
	TagPatientID               = Tag{0x0010, 0x0020}
	TagPatientBirthDate        = Tag{0x0010, 0x0030}
	TagPatientSex              = Tag{0x0010, 0x0040}
	TagPatientAge              = Tag{0x0010, 0x1010}
	TagBodyPartExamined        = Tag{0x0018, 0x0015}
	TagStudyInstanceUID        = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID       = Tag{0x0020, 0x000E}
	TagStudyID                 = Tag{0x0020, 0x0010}
	TagSeriesNumber            = Tag{0x0020, 0x0011}
	TagInstanceNumber          = Tag{0x0020, 0x0013}
	TagNumberOfStudySeries     = Tag{0x0020, 0x1206}
	TagNumberOfStudyInstances  = Tag{0x0020, 0x1208}
	TagNumberOfSeriesInstances = Tag{0x0020, 0x1209}
	TagSamplesPerPixel         = Tag{0x0028, 0x0002}
	TagPhotometricInterp       = Tag{0x0028, 0x0004}
	TagRows                    = Tag{0x0028, 0x0010}
	TagColumns                 = Tag{0x0028, 0x0011}
	TagBitsAllocated           = Tag{0x0028, 0x0100}
	TagBitsStored              = Tag{0x0028, 0x0101}
	TagHighBit                 = Tag{0x0028, 0x0102}
	TagPixelRepresentation     = Tag{0x0028, 0x0103}
	TagRequestedProcedureDesc  = Tag{0x0032, 0x1060}
	TagPerformingPhysician     = Tag{0x0040, 0x0006}
	TagSchedProcStepSequence   = Tag{0x0040, 0x0100}
	TagSchedStationAETitle     = Tag{0x0040, 0x0001}
	TagSchedProcStepStartDate  = Tag{0x0040, 0x0002}
	TagSchedProcStepStartTime  = Tag{0x0040, 0x0003}
	TagSchedProcStepDesc       = Tag{0x0040, 0x0007}
	TagSchedProcStepID         = Tag{0x0040, 0x0009}
	TagRequestedProcedureID    = Tag{0x0040, 0x1001}

	TagReferencedSOPClassUID    = Tag{0x0008, 0x1150}
	TagReferencedSOPInstanceUID = Tag{0x0008, 0x1155}

	TagNumberOfCopies         = Tag{0x2000, 0x0010}
	TagPrintPriority          = Tag{0x2000, 0x0020}
	TagMediumType             = Tag{0x2000, 0x0030}
	TagFilmDestination        = Tag{0x2000, 0x0040}
	TagFilmSessionLabel       = Tag{0x2000, 0x0050}
	TagReferencedFilmBoxSeq   = Tag{0x2000, 0x0500}
	TagImageDisplayFormat     = Tag{0x2010, 0x0010}
	TagFilmOrientation        = Tag{0x2010, 0x0040}
	TagFilmSizeID             = Tag{0x2010, 0x0050}
	TagReferencedImageBoxSeq  = Tag{0x2010, 0x0510}
	TagImageBoxPosition       = Tag{0x2020, 0x0010}
	TagBasicGrayscaleImageSeq = Tag{0x2020, 0x0110}
	TagBasicColorImageSeq     = Tag{0x2020, 0x0111}
	TagPrinterStatus          = Tag{0x2110, 0x0010}
	TagPrinterStatusInfo      = Tag{0x2110, 0x0020}
	TagPrinterName            = Tag{0x2110, 0x0030}

	TagPixelData = Tag{0x7FE0, 0x0010}
)

// Element is one data element: tag, VR and a decoded value. Values are strings
// for text VRs, []byte for bulk VRs, and []*DataSet for SQ.
type Element struct {
	Tag   Tag
	VR    string
	Value interface{}
}

// DataSet is an ordered-by-tag collection of elements.
type DataSet struct {
	Elements map[Tag]*Element
}

// NewDataSet returns an empty dataset.
func NewDataSet() *DataSet {
	return &DataSet{Elements: make(map[Tag]*Element)}
}

// PutString stores a string element, deriving the VR from the dictionary.
func (d *DataSet) PutString(tag Tag, value string) {
	d.Elements[tag] = &Element{Tag: tag, VR: dictionaryVR(tag), Value: value}
}

// PutBytes stores a bulk element (OB/OW).
func (d *DataSet) PutBytes(tag Tag, vr string, value []byte) {
	d.Elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
}

// PutSequence stores a sequence element.
func (d *DataSet) PutSequence(tag Tag, items []*DataSet) {
	d.Elements[tag] = &Element{Tag: tag, VR: "SQ", Value: items}
}

// Get returns the element for tag, if present.
func (d *DataSet) Get(tag Tag) (*Element, bool) {
	e, ok := d.Elements[tag]
	return e, ok
}

// Has reports whether the dataset carries a value (even empty) for tag.
func (d *DataSet) Has(tag Tag) bool {
	_, ok := d.Elements[tag]
	return ok
}

// String returns the trimmed string value for tag, or "".
func (d *DataSet) String(tag Tag) string {
	if e, ok := d.Elements[tag]; ok {
		if s, ok := e.Value.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// Strings splits a multi-valued string element on the DICOM value separator.
func (d *DataSet) Strings(tag Tag) []string {
	raw := d.String(tag)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, "\\")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Bytes returns the raw bytes of a bulk element, or nil.
func (d *DataSet) Bytes(tag Tag) []byte {
	if e, ok := d.Elements[tag]; ok {
		if b, ok := e.Value.([]byte); ok {
			return b
		}
	}
	return nil
}

// Sequence returns the items of a SQ element, or nil.
func (d *DataSet) Sequence(tag Tag) []*DataSet {
	if e, ok := d.Elements[tag]; ok {
		if items, ok := e.Value.([]*DataSet); ok {
			return items
		}
	}
	return nil
}

// SortedTags returns the dataset's tags in ascending (group, element) order.
func (d *DataSet) SortedTags() []Tag {
	tags := make([]Tag, 0, len(d.Elements))
	for tag := range d.Elements {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Group != tags[j].Group {
			return tags[i].Group < tags[j].Group
		}
		return tags[i].Element < tags[j].Element
	})
	return tags
}

const (
	itemTag          = 0xFFFEE000
	itemDelimiter    = 0xFFFEE00D
	sqDelimiter      = 0xFFFEE0DD
	undefinedLength  = 0xFFFFFFFF
	maxElementLength = 256 << 20
)

func isLongVR(vr string) bool {
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "SQ", "UC", "UN", "UR", "UT", "SV", "UV":
		return true
	}
	return false
}

func isBulkVR(vr string) bool {
	switch vr {
	case "OB", "OW", "UN":
		return true
	}
	return false
}

func byteOrderFor(transferSyntax string) binary.ByteOrder {
	if transferSyntax == ExplicitVRBigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// DecodeDataSet decodes a dataset encoded with the given transfer syntax.
// Compressed syntaxes use explicit VR little endian element encoding, so any
// syntax other than the implicit/big-endian ones decodes as explicit VR LE.
func DecodeDataSet(data []byte, transferSyntax string) (*DataSet, error) {
	switch transferSyntax {
	case ImplicitVRLittleEndian:
		return decode(data, binary.LittleEndian, false)
	case ExplicitVRBigEndian:
		return decode(data, binary.BigEndian, true)
	default:
		return decode(data, binary.LittleEndian, true)
	}
}

func decode(data []byte, order binary.ByteOrder, explicit bool) (*DataSet, error) {
	ds := NewDataSet()
	offset := 0
	for offset+8 <= len(data) {
		group := order.Uint16(data[offset : offset+2])
		element := order.Uint16(data[offset+2 : offset+4])
		tag := Tag{group, element}

		var vr string
		var length uint32
		var valueStart int

		if explicit && group != 0xFFFE {
			vr = string(data[offset+4 : offset+6])
			if isLongVR(vr) {
				if offset+12 > len(data) {
					return ds, fmt.Errorf("truncated long-VR header at %s", tag)
				}
				length = order.Uint32(data[offset+8 : offset+12])
				valueStart = offset + 12
			} else {
				length = uint32(order.Uint16(data[offset+6 : offset+8]))
				valueStart = offset + 8
			}
		} else {
			vr = dictionaryVR(tag)
			length = order.Uint32(data[offset+4 : offset+8])
			valueStart = offset + 8
		}

		if vr == "SQ" || (length == undefinedLength && group != 0xFFFE) {
			items, next, err := decodeSequence(data, valueStart, length, order, explicit)
			if err != nil {
				return ds, err
			}
			ds.PutSequence(tag, items)
			offset = next
			continue
		}

		if length > maxElementLength {
			return ds, fmt.Errorf("element %s length %d exceeds limit", tag, length)
		}
		if valueStart+int(length) > len(data) {
			return ds, fmt.Errorf("element %s value exceeds dataset length", tag)
		}

		value := data[valueStart : valueStart+int(length)]
		switch {
		case isBulkVR(vr):
			buf := make([]byte, len(value))
			copy(buf, value)
			ds.PutBytes(tag, vr, buf)
		case vr == "US" && len(value) == 2:
			ds.Elements[tag] = &Element{Tag: tag, VR: vr, Value: fmt.Sprintf("%d", order.Uint16(value))}
		case vr == "UL" && len(value) == 4:
			ds.Elements[tag] = &Element{Tag: tag, VR: vr, Value: fmt.Sprintf("%d", order.Uint32(value))}
		default:
			ds.Elements[tag] = &Element{Tag: tag, VR: vr, Value: decodeText(value)}
		}

		offset = valueStart + int(length)
	}
	return ds, nil
}

func decodeText(value []byte) string {
	s := string(value)
	s = strings.TrimRight(s, "\x00")
	return strings.TrimSpace(s)
}

// decodeSequence parses SQ items, both defined and undefined length, and
// returns the offset of the element that follows the sequence.
func decodeSequence(data []byte, offset int, length uint32, order binary.ByteOrder, explicit bool) ([]*DataSet, int, error) {
	var items []*DataSet
	end := len(data)
	if length != undefinedLength {
		end = offset + int(length)
		if end > len(data) {
			return nil, 0, fmt.Errorf("sequence exceeds dataset length")
		}
	}

	for offset+8 <= end {
		marker := uint32(order.Uint16(data[offset:offset+2]))<<16 | uint32(order.Uint16(data[offset+2:offset+4]))
		itemLen := order.Uint32(data[offset+4 : offset+8])
		offset += 8

		switch marker {
		case sqDelimiter:
			return items, offset, nil
		case itemTag:
			itemEnd := end
			if itemLen != undefinedLength {
				itemEnd = offset + int(itemLen)
				if itemEnd > len(data) {
					return nil, 0, fmt.Errorf("sequence item exceeds dataset length")
				}
			} else {
				// Scan for the item delimiter.
				itemEnd = findItemDelimiter(data, offset, order)
			}
			item, err := decode(data[offset:itemEnd], order, explicit)
			if err != nil {
				return nil, 0, err
			}
			items = append(items, item)
			offset = itemEnd
			if itemLen == undefinedLength {
				offset += 8 // skip the delimiter element
			}
		default:
			return nil, 0, fmt.Errorf("unexpected marker 0x%08X in sequence", marker)
		}
	}
	return items, end, nil
}

func findItemDelimiter(data []byte, offset int, order binary.ByteOrder) int {
	for i := offset; i+8 <= len(data); i += 2 {
		marker := uint32(order.Uint16(data[i:i+2]))<<16 | uint32(order.Uint16(data[i+2:i+4]))
		if marker == itemDelimiter {
			return i
		}
	}
	return len(data)
}

// EncodeDataSet encodes a dataset with the given transfer syntax. Elements are
// written in ascending tag order as DICOM requires.
func EncodeDataSet(ds *DataSet, transferSyntax string) []byte {
	if ds == nil {
		return nil
	}
	switch transferSyntax {
	case ImplicitVRLittleEndian:
		return encode(ds, binary.LittleEndian, false)
	case ExplicitVRBigEndian:
		return encode(ds, binary.BigEndian, true)
	default:
		return encode(ds, binary.LittleEndian, true)
	}
}

func encode(ds *DataSet, order binary.ByteOrder, explicit bool) []byte {
	var out []byte
	for _, tag := range ds.SortedTags() {
		e := ds.Elements[tag]
		if items, ok := e.Value.([]*DataSet); ok {
			out = appendSequence(out, tag, items, order, explicit)
			continue
		}
		value := encodeValue(e, order)
		if len(value)%2 == 1 {
			if e.VR == "UI" {
				value = append(value, 0x00)
			} else {
				value = append(value, 0x20)
			}
		}
		out = appendElementHeader(out, tag, e.VR, uint32(len(value)), order, explicit)
		out = append(out, value...)
	}
	return out
}

func appendElementHeader(out []byte, tag Tag, vr string, length uint32, order binary.ByteOrder, explicit bool) []byte {
	var tagBuf [4]byte
	order.PutUint16(tagBuf[0:2], tag.Group)
	order.PutUint16(tagBuf[2:4], tag.Element)
	out = append(out, tagBuf[:]...)

	var lenBuf [4]byte
	if explicit {
		if vr == "" {
			vr = "UN"
		}
		out = append(out, vr...)
		if isLongVR(vr) {
			out = append(out, 0x00, 0x00)
			order.PutUint32(lenBuf[:], length)
			out = append(out, lenBuf[:]...)
		} else {
			order.PutUint16(lenBuf[0:2], uint16(length))
			out = append(out, lenBuf[0:2]...)
		}
	} else {
		order.PutUint32(lenBuf[:], length)
		out = append(out, lenBuf[:]...)
	}
	return out
}

func appendSequence(out []byte, tag Tag, items []*DataSet, order binary.ByteOrder, explicit bool) []byte {
	var body []byte
	for _, item := range items {
		encoded := encode(item, order, explicit)
		var hdr [8]byte
		order.PutUint16(hdr[0:2], 0xFFFE)
		order.PutUint16(hdr[2:4], 0xE000)
		order.PutUint32(hdr[4:8], uint32(len(encoded)))
		body = append(body, hdr[:]...)
		body = append(body, encoded...)
	}
	out = appendElementHeader(out, tag, "SQ", uint32(len(body)), order, explicit)
	return append(out, body...)
}

func encodeValue(e *Element, order binary.ByteOrder) []byte {
	switch v := e.Value.(type) {
	case string:
		if e.VR == "US" || e.VR == "UL" {
			return encodeBinaryNumber(v, e.VR, order)
		}
		return []byte(strings.TrimRight(v, "\x00"))
	case []string:
		return []byte(strings.Join(v, "\\"))
	case []byte:
		return v
	case int:
		return []byte(fmt.Sprintf("%d", v))
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}

func encodeBinaryNumber(v, vr string, order binary.ByteOrder) []byte {
	var n uint64
	fmt.Sscanf(strings.TrimSpace(v), "%d", &n)
	if vr == "US" {
		buf := make([]byte, 2)
		order.PutUint16(buf, uint16(n))
		return buf
	}
	buf := make([]byte, 4)
	order.PutUint32(buf, uint32(n))
	return buf
}

// dictionaryVR maps the tags this engine touches to their VR; everything else
// decodes as UN.
func dictionaryVR(tag Tag) string {
	switch tag {
	case TagSpecificCharacterSet, TagQueryRetrieveLevel, TagModality, TagPatientSex,
		TagBodyPartExamined, TagPhotometricInterp:
		return "CS"
	case TagSOPClassUID, TagSOPInstanceUID, TagStudyInstanceUID, TagSeriesInstanceUID:
		return "UI"
	case TagStudyDate, TagPatientBirthDate, TagSchedProcStepStartDate:
		return "DA"
	case TagStudyTime, TagSchedProcStepStartTime:
		return "TM"
	case TagAccessionNumber, TagStudyID, TagSchedProcStepID, TagRequestedProcedureID:
		return "SH"
	case TagRetrieveAETitle, TagSchedStationAETitle:
		return "AE"
	case TagReferringPhysicianName, TagPatientName, TagPerformingPhysician:
		return "PN"
	case TagInstitutionName, TagStudyDescription, TagSeriesDescription, TagPatientID,
		TagSchedProcStepDesc, TagRequestedProcedureDesc:
		return "LO"
	case TagPatientAge:
		return "AS"
	case TagSeriesNumber, TagInstanceNumber, TagNumberOfStudySeries,
		TagNumberOfStudyInstances, TagNumberOfSeriesInstances:
		return "IS"
	case TagSamplesPerPixel, TagRows, TagColumns, TagBitsAllocated, TagBitsStored, TagHighBit, TagPixelRepresentation:
		return "US"
	case TagSchedProcStepSequence, TagReferencedFilmBoxSeq, TagReferencedImageBoxSeq,
		TagBasicGrayscaleImageSeq, TagBasicColorImageSeq:
		return "SQ"
	case TagReferencedSOPClassUID, TagReferencedSOPInstanceUID:
		return "UI"
	case TagNumberOfCopies, TagImageBoxPosition:
		return "IS"
	case TagPrintPriority, TagMediumType, TagFilmDestination, TagFilmOrientation,
		TagFilmSizeID, TagPrinterStatus, TagPrinterStatusInfo:
		return "CS"
	case TagFilmSessionLabel, TagPrinterName:
		return "LO"
	case TagImageDisplayFormat:
		return "ST"
	case TagPixelData:
		return "OW"
	}
	return "UN"
}
