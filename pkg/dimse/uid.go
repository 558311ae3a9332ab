package dimse

import "strings"

// ApplicationContextUID identifies the DICOM application context (PS3.8 7.1.1.2).
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Verification
const (
	VerificationSOPClass = "1.2.840.10008.1.1"
)

// Image storage SOP classes
const (
	ComputedRadiographyImageStorage = "1.2.840.10008.5.1.4.1.1.1"
	DigitalXRayImageStorage         = "1.2.840.10008.5.1.4.1.1.1.1"
	DigitalMammographyImageStorage  = "1.2.840.10008.5.1.4.1.1.1.2"
	CTImageStorage                  = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage          = "1.2.840.10008.5.1.4.1.1.2.1"
	UltrasoundMultiFrameStorage     = "1.2.840.10008.5.1.4.1.1.3.1"
	MRImageStorage                  = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage          = "1.2.840.10008.5.1.4.1.1.4.1"
	UltrasoundImageStorage          = "1.2.840.10008.5.1.4.1.1.6.1"
	SecondaryCaptureImageStorage    = "1.2.840.10008.5.1.4.1.1.7"
	XRayAngiographicImageStorage    = "1.2.840.10008.5.1.4.1.1.12.1"
	XRayRadiofluoroscopicStorage    = "1.2.840.10008.5.1.4.1.1.12.2"
	NuclearMedicineImageStorage     = "1.2.840.10008.5.1.4.1.1.20"
	VLEndoscopicImageStorage        = "1.2.840.10008.5.1.4.1.1.77.1.1"
	VLPhotographicImageStorage      = "1.2.840.10008.5.1.4.1.1.77.1.4"
	PETImageStorage                 = "1.2.840.10008.5.1.4.1.1.128"
	RTImageStorage                  = "1.2.840.10008.5.1.4.1.1.481.1"
)

// Non-image storage SOP classes
const (
	BasicTextSRStorage           = "1.2.840.10008.5.1.4.1.1.88.11"
	EnhancedSRStorage            = "1.2.840.10008.5.1.4.1.1.88.22"
	EncapsulatedPDFStorage       = "1.2.840.10008.5.1.4.1.1.104.1"
	GrayscaleSoftcopyPSStorage   = "1.2.840.10008.5.1.4.1.1.11.1"
	KeyObjectSelectionStorage    = "1.2.840.10008.5.1.4.1.1.88.59"
	RawDataStorage               = "1.2.840.10008.5.1.4.1.1.66"
	RTDoseStorage                = "1.2.840.10008.5.1.4.1.1.481.2"
	RTStructureSetStorage        = "1.2.840.10008.5.1.4.1.1.481.3"
	RTPlanStorage                = "1.2.840.10008.5.1.4.1.1.481.5"
	TwelveLeadECGWaveformStorage = "1.2.840.10008.5.1.4.1.1.9.1.1"
)

// Query/Retrieve SOP classes
const (
	StudyRootQueryRetrieveFind   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveMove   = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootQueryRetrieveGet    = "1.2.840.10008.5.1.4.1.2.2.3"
	PatientRootQueryRetrieveFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootQueryRetrieveMove = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootQueryRetrieveGet  = "1.2.840.10008.5.1.4.1.2.1.3"
)

// Modality Worklist
const (
	ModalityWorklistFind = "1.2.840.10008.5.1.4.31"
)

// Print Management SOP classes
const (
	BasicFilmSession          = "1.2.840.10008.5.1.1.1"
	BasicFilmBox              = "1.2.840.10008.5.1.1.2"
	BasicGrayscaleImageBox    = "1.2.840.10008.5.1.1.4"
	BasicColorImageBox        = "1.2.840.10008.5.1.1.4.1"
	BasicGrayscalePrintMgmt   = "1.2.840.10008.5.1.1.9"
	BasicColorPrintManagement = "1.2.840.10008.5.1.1.18"
	Printer                   = "1.2.840.10008.5.1.1.16"
	PrintJobSOPClass          = "1.2.840.10008.5.1.1.14"
)

// Transfer syntaxes
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
	JPEGBaseline8Bit       = "1.2.840.10008.1.2.4.50"
	JPEGExtended12Bit      = "1.2.840.10008.1.2.4.51"
	JPEGLosslessSV1        = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless         = "1.2.840.10008.1.2.4.80"
	JPEG2000Lossless       = "1.2.840.10008.1.2.4.90"
	JPEG2000               = "1.2.840.10008.1.2.4.91"
	RLELossless            = "1.2.840.10008.1.2.5"
)

// BaselineTransferSyntaxes is the uncompressed set advertised for every
// accepted abstract syntax.
var BaselineTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
	ExplicitVRBigEndian,
}

// ImageTransferSyntaxes extends the baseline set with the compressed encodings
// accepted for image storage abstract syntaxes.
var ImageTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
	ExplicitVRBigEndian,
	JPEGLSLossless,
	JPEG2000Lossless,
	JPEG2000,
	RLELossless,
	JPEGBaseline8Bit,
	JPEGExtended12Bit,
	JPEGLosslessSV1,
}

var imageStorageClasses = map[string]bool{
	ComputedRadiographyImageStorage: true,
	DigitalXRayImageStorage:         true,
	DigitalMammographyImageStorage:  true,
	CTImageStorage:                  true,
	EnhancedCTImageStorage:          true,
	UltrasoundMultiFrameStorage:     true,
	MRImageStorage:                  true,
	EnhancedMRImageStorage:          true,
	UltrasoundImageStorage:          true,
	SecondaryCaptureImageStorage:    true,
	XRayAngiographicImageStorage:    true,
	XRayRadiofluoroscopicStorage:    true,
	NuclearMedicineImageStorage:     true,
	VLEndoscopicImageStorage:        true,
	VLPhotographicImageStorage:      true,
	PETImageStorage:                 true,
	RTImageStorage:                  true,
}

var nonImageStorageClasses = map[string]bool{
	BasicTextSRStorage:           true,
	EnhancedSRStorage:            true,
	EncapsulatedPDFStorage:       true,
	GrayscaleSoftcopyPSStorage:   true,
	KeyObjectSelectionStorage:    true,
	RawDataStorage:               true,
	RTDoseStorage:                true,
	RTStructureSetStorage:        true,
	RTPlanStorage:                true,
	TwelveLeadECGWaveformStorage: true,
}

// IsImageStorageClass reports whether uid names an image storage SOP class.
func IsImageStorageClass(uid string) bool {
	return imageStorageClasses[uid]
}

// IsStorageClass reports whether uid names a storage SOP class, image or not.
// The "1.2.840.10008.5.1.4.1.1." prefix covers storage classes not listed
// explicitly above.
func IsStorageClass(uid string) bool {
	if imageStorageClasses[uid] || nonImageStorageClasses[uid] {
		return true
	}
	return strings.HasPrefix(uid, "1.2.840.10008.5.1.4.1.1.")
}

// IsQueryRetrieveFind reports whether uid is a C-FIND query model.
func IsQueryRetrieveFind(uid string) bool {
	return uid == StudyRootQueryRetrieveFind || uid == PatientRootQueryRetrieveFind
}

// IsQueryRetrieveMove reports whether uid is a C-MOVE query model.
func IsQueryRetrieveMove(uid string) bool {
	return uid == StudyRootQueryRetrieveMove || uid == PatientRootQueryRetrieveMove
}

// IsQueryRetrieveGet reports whether uid is a C-GET query model.
func IsQueryRetrieveGet(uid string) bool {
	return uid == StudyRootQueryRetrieveGet || uid == PatientRootQueryRetrieveGet
}

// IsPrintClass reports whether uid belongs to the Basic Print Management model.
func IsPrintClass(uid string) bool {
	switch uid {
	case BasicFilmSession, BasicFilmBox, BasicGrayscaleImageBox, BasicColorImageBox,
		BasicGrayscalePrintMgmt, BasicColorPrintManagement, Printer, PrintJobSOPClass:
		return true
	}
	return false
}
