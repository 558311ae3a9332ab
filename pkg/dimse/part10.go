package dimse

import (
	"encoding/binary"
	"fmt"
	"os"
)

// File meta information tags (group 0002, PS3.10).
var (
	tagFileMetaVersion      = Tag{0x0002, 0x0001}
	tagMediaSOPClassUID     = Tag{0x0002, 0x0002}
	tagMediaSOPInstanceUID  = Tag{0x0002, 0x0003}
	tagTransferSyntaxUID    = Tag{0x0002, 0x0010}
	tagImplementationClass  = Tag{0x0002, 0x0012}
	tagImplementationVerStr = Tag{0x0002, 0x0013}
)

// FileMeta is the parsed file meta information of a part 10 file.
type FileMeta struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
}

// EncodePart10 wraps an already-encoded dataset payload in a part 10 envelope:
// 128-byte preamble, "DICM" magic and the group 0002 file meta information.
// The payload must be encoded with the transfer syntax named in meta.
func EncodePart10(meta FileMeta, payload []byte) []byte {
	metaBody := encodeMetaElement(tagFileMetaVersion, "OB", []byte{0x00, 0x01})
	metaBody = append(metaBody, encodeMetaElement(tagMediaSOPClassUID, "UI", padUID(meta.SOPClassUID))...)
	metaBody = append(metaBody, encodeMetaElement(tagMediaSOPInstanceUID, "UI", padUID(meta.SOPInstanceUID))...)
	metaBody = append(metaBody, encodeMetaElement(tagTransferSyntaxUID, "UI", padUID(meta.TransferSyntax))...)
	metaBody = append(metaBody, encodeMetaElement(tagImplementationClass, "UI", padUID(implementationClassUID))...)
	metaBody = append(metaBody, encodeMetaElement(tagImplementationVerStr, "SH", padText(implementationVersion))...)

	out := make([]byte, 0, 132+12+len(metaBody)+len(payload))
	out = append(out, make([]byte, 128)...)
	out = append(out, 'D', 'I', 'C', 'M')

	// Group length (0002,0000) covers everything after itself.
	out = append(out, 0x02, 0x00, 0x00, 0x00, 'U', 'L', 0x04, 0x00)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(metaBody)))
	out = append(out, lenBuf[:]...)
	out = append(out, metaBody...)
	return append(out, payload...)
}

// DecodePart10 splits a part 10 file into its meta information and the raw
// dataset payload. Files without a preamble are rejected.
func DecodePart10(data []byte) (FileMeta, []byte, error) {
	var meta FileMeta
	if len(data) < 132 || string(data[128:132]) != "DICM" {
		return meta, nil, fmt.Errorf("missing DICM magic")
	}

	offset := 132
	metaEnd := len(data)
	for offset+8 <= metaEnd {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		if group != 0x0002 {
			break
		}
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		vr := string(data[offset+4 : offset+6])
		var length uint32
		var valueStart int
		if isLongVR(vr) {
			if offset+12 > len(data) {
				return meta, nil, fmt.Errorf("truncated file meta element")
			}
			length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
			valueStart = offset + 12
		} else {
			length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueStart = offset + 8
		}
		valueEnd := valueStart + int(length)
		if valueEnd > len(data) {
			return meta, nil, fmt.Errorf("file meta element (0002,%04X) exceeds file", element)
		}
		value := data[valueStart:valueEnd]

		switch (Tag{0x0002, element}) {
		case Tag{0x0002, 0x0000}:
			if length == 4 {
				metaEnd = valueEnd + int(binary.LittleEndian.Uint32(value))
			}
		case tagMediaSOPClassUID:
			meta.SOPClassUID = decodeText(value)
		case tagMediaSOPInstanceUID:
			meta.SOPInstanceUID = decodeText(value)
		case tagTransferSyntaxUID:
			meta.TransferSyntax = decodeText(value)
		}
		offset = valueEnd
	}

	if meta.TransferSyntax == "" {
		return meta, nil, fmt.Errorf("file meta missing transfer syntax")
	}
	return meta, data[offset:], nil
}

// ReadPart10File reads and splits a .dcm file from disk.
func ReadPart10File(path string) (FileMeta, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileMeta{}, nil, err
	}
	meta, payload, err := DecodePart10(data)
	if err != nil {
		return FileMeta{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	return meta, payload, nil
}

func encodeMetaElement(tag Tag, vr string, value []byte) []byte {
	out := make([]byte, 0, 12+len(value))
	out = append(out, byte(tag.Group), byte(tag.Group>>8), byte(tag.Element), byte(tag.Element>>8))
	out = append(out, vr...)
	if isLongVR(vr) {
		out = append(out, 0x00, 0x00)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(value)))
		out = append(out, lenBuf[:]...)
	} else {
		out = append(out, byte(len(value)), byte(len(value)>>8))
	}
	return append(out, value...)
}

func padUID(s string) []byte {
	if len(s)%2 == 1 {
		s += "\x00"
	}
	return []byte(s)
}

func padText(s string) []byte {
	if len(s)%2 == 1 {
		s += " "
	}
	return []byte(s)
}
