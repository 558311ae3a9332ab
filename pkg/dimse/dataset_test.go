package dimse

import (
	"testing"
)

func TestDataSetRoundTripExplicitLE(t *testing.T) {
	ds := NewDataSet()
	ds.PutString(TagPatientName, "DOE^JOHN")
	ds.PutString(TagPatientID, "PID001")
	ds.PutString(TagStudyInstanceUID, "1.2.3.4.5")
	ds.PutString(TagQueryRetrieveLevel, "STUDY")
	ds.PutString(TagRows, "512")
	ds.PutString(TagBitsAllocated, "16")

	encoded := EncodeDataSet(ds, ExplicitVRLittleEndian)
	decoded, err := DecodeDataSet(encoded, ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got := decoded.String(TagPatientName); got != "DOE^JOHN" {
		t.Errorf("patient name = %q, want DOE^JOHN", got)
	}
	if got := decoded.String(TagStudyInstanceUID); got != "1.2.3.4.5" {
		t.Errorf("study uid = %q, want 1.2.3.4.5", got)
	}
	if got := decoded.String(TagRows); got != "512" {
		t.Errorf("rows = %q, want 512", got)
	}
	if got := decoded.String(TagBitsAllocated); got != "16" {
		t.Errorf("bits allocated = %q, want 16", got)
	}
}

func TestDataSetRoundTripImplicitLE(t *testing.T) {
	ds := NewDataSet()
	ds.PutString(TagSOPClassUID, "1.2.840.10008.5.1.4.1.1.2")
	ds.PutString(TagSOPInstanceUID, "1.2.3.4.5.6.7")
	ds.PutString(TagModality, "CT")

	encoded := EncodeDataSet(ds, ImplicitVRLittleEndian)
	decoded, err := DecodeDataSet(encoded, ImplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got := decoded.String(TagSOPClassUID); got != "1.2.840.10008.5.1.4.1.1.2" {
		t.Errorf("sop class = %q", got)
	}
	if got := decoded.String(TagModality); got != "CT" {
		t.Errorf("modality = %q, want CT", got)
	}
}

func TestDataSetRoundTripBigEndian(t *testing.T) {
	ds := NewDataSet()
	ds.PutString(TagPatientID, "BE001")
	ds.PutString(TagColumns, "1024")

	encoded := EncodeDataSet(ds, ExplicitVRBigEndian)
	decoded, err := DecodeDataSet(encoded, ExplicitVRBigEndian)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got := decoded.String(TagPatientID); got != "BE001" {
		t.Errorf("patient id = %q, want BE001", got)
	}
	if got := decoded.String(TagColumns); got != "1024" {
		t.Errorf("columns = %q, want 1024", got)
	}
}

func TestDataSetSequenceRoundTrip(t *testing.T) {
	item := NewDataSet()
	item.PutString(TagModality, "MR")
	item.PutString(TagSchedStationAETitle, "MR01")
	item.PutString(TagSchedProcStepStartDate, "20260115")

	ds := NewDataSet()
	ds.PutString(TagPatientName, "ZHANG^SAN")
	ds.PutSequence(TagSchedProcStepSequence, []*DataSet{item})

	for _, syntax := range []string{ImplicitVRLittleEndian, ExplicitVRLittleEndian} {
		encoded := EncodeDataSet(ds, syntax)
		decoded, err := DecodeDataSet(encoded, syntax)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", syntax, err)
		}
		items := decoded.Sequence(TagSchedProcStepSequence)
		if len(items) != 1 {
			t.Fatalf("%s: got %d sequence items, want 1", syntax, len(items))
		}
		if got := items[0].String(TagModality); got != "MR" {
			t.Errorf("%s: item modality = %q, want MR", syntax, got)
		}
		if got := items[0].String(TagSchedStationAETitle); got != "MR01" {
			t.Errorf("%s: station AE = %q, want MR01", syntax, got)
		}
	}
}

func TestDataSetUndefinedLengthSequence(t *testing.T) {
	// Hand-built implicit VR sequence with undefined length and an
	// undefined-length item, the way many modalities encode worklist queries.
	var buf []byte
	appendLE16 := func(v uint16) { buf = append(buf, byte(v), byte(v>>8)) }
	appendLE32 := func(v uint32) { buf = append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24)) }

	appendLE16(0x0040)
	appendLE16(0x0100)
	appendLE32(0xFFFFFFFF) // undefined length SQ
	appendLE16(0xFFFE)
	appendLE16(0xE000)
	appendLE32(0xFFFFFFFF) // undefined length item
	appendLE16(0x0008)     // (0008,0060) Modality = "US"
	appendLE16(0x0060)
	appendLE32(2)
	buf = append(buf, 'U', 'S')
	appendLE16(0xFFFE) // item delimiter
	appendLE16(0xE00D)
	appendLE32(0)
	appendLE16(0xFFFE) // sequence delimiter
	appendLE16(0xE0DD)
	appendLE32(0)

	ds, err := DecodeDataSet(buf, ImplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	items := ds.Sequence(TagSchedProcStepSequence)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if got := items[0].String(TagModality); got != "US" {
		t.Errorf("modality = %q, want US", got)
	}
}

func TestDataSetMultiValue(t *testing.T) {
	ds := NewDataSet()
	ds.PutString(TagModality, "CT\\MR\\US")

	values := ds.Strings(TagModality)
	if len(values) != 3 || values[0] != "CT" || values[2] != "US" {
		t.Errorf("Strings = %v, want [CT MR US]", values)
	}
}

func TestDataSetOddLengthPadding(t *testing.T) {
	ds := NewDataSet()
	ds.PutString(TagStudyInstanceUID, "1.2.3") // odd length, UI pads with NUL
	ds.PutString(TagPatientName, "LEE")        // odd length, PN pads with space

	encoded := EncodeDataSet(ds, ExplicitVRLittleEndian)
	if len(encoded)%2 != 0 {
		t.Fatalf("encoded length %d is odd", len(encoded))
	}
	decoded, err := DecodeDataSet(encoded, ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got := decoded.String(TagStudyInstanceUID); got != "1.2.3" {
		t.Errorf("uid = %q, want 1.2.3", got)
	}
	if got := decoded.String(TagPatientName); got != "LEE" {
		t.Errorf("name = %q, want LEE", got)
	}
}

func TestDataSetEmptyElementRetained(t *testing.T) {
	ds := NewDataSet()
	ds.PutString(TagAccessionNumber, "")

	encoded := EncodeDataSet(ds, ExplicitVRLittleEndian)
	decoded, err := DecodeDataSet(encoded, ExplicitVRLittleEndian)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !decoded.Has(TagAccessionNumber) {
		t.Error("empty accession number element was dropped")
	}
}
