package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/masroore/dicomscp/internal/config"
	"github.com/masroore/dicomscp/internal/models"
	"github.com/masroore/dicomscp/internal/scp"
	"github.com/masroore/dicomscp/pkg/dimse"
)

type fakeQueryIndex struct {
	studies   []models.Study
	series    map[string][]models.Series
	byStudy   map[string][]models.Instance
	bySeries  map[string][]models.Instance
	instances map[string]*models.Instance
}

func (f *fakeQueryIndex) GetStudies(ctx context.Context, q models.StudyQuery) ([]models.Study, error) {
	return f.studies, nil
}

func (f *fakeQueryIndex) GetSeriesByStudyUID(ctx context.Context, studyUID string) ([]models.Series, error) {
	return f.series[studyUID], nil
}

func (f *fakeQueryIndex) GetInstancesByStudyUID(ctx context.Context, studyUID string) ([]models.Instance, error) {
	return f.byStudy[studyUID], nil
}

func (f *fakeQueryIndex) GetInstancesBySeriesUID(ctx context.Context, seriesUID string) ([]models.Instance, error) {
	return f.bySeries[seriesUID], nil
}

func (f *fakeQueryIndex) GetInstance(ctx context.Context, sopInstanceUID string) (*models.Instance, error) {
	return f.instances[sopInstanceUID], nil
}

type fakeResolver struct {
	nodes map[string]string
}

func (f *fakeResolver) Resolve(ctx context.Context, aeTitle string) (string, int, bool) {
	if _, ok := f.nodes[aeTitle]; !ok {
		return "", 0, false
	}
	return f.nodes[aeTitle], 11112, true
}

func qrConfig() config.DICOMConfig {
	return config.DICOMConfig{AETitle: "ARCHIVE", MaxPDULength: 16384}
}

func fakeReader(payloads map[string][]byte) InstanceReader {
	return func(path string) (dimse.FileMeta, []byte, error) {
		payload, ok := payloads[path]
		if !ok {
			return dimse.FileMeta{}, nil, fmt.Errorf("no file at %s", path)
		}
		return dimse.FileMeta{
			SOPClassUID:    dimse.CTImageStorage,
			SOPInstanceUID: path,
			TransferSyntax: dimse.ExplicitVRLittleEndian,
		}, payload, nil
	}
}

func TestFindStudyLevel(t *testing.T) {
	index := &fakeQueryIndex{
		studies: []models.Study{
			{StudyInstanceUID: "1.2.3", PatientID: "P1", PatientName: "DOE^JOHN", StudyDate: "20250810", NumberOfSeries: 2, NumberOfInstances: 10},
			{StudyInstanceUID: "1.2.4", PatientID: "P2", PatientName: "ROE^JANE", StudyDate: "20250811"},
		},
	}
	svc := NewQueryRetrieveService(qrConfig(), index, &fakeResolver{}, nil)

	id := dimse.NewDataSet()
	id.PutString(dimse.TagQueryRetrieveLevel, "STUDY")
	id.PutString(dimse.TagPatientName, "")
	id.PutString(dimse.TagStudyInstanceUID, "")
	id.PutString(dimse.TagStudyDate, "20250801-20250831")
	id.PutString(dimse.TagNumberOfStudySeries, "")
	id.PutString(dimse.TagNumberOfStudyInstances, "")

	var emitted []*dimse.DataSet
	status := svc.Find(context.Background(), &scp.FindRequest{Identifier: id}, func(ds *dimse.DataSet) error {
		emitted = append(emitted, ds)
		return nil
	})
	if status != dimse.StatusSuccess {
		t.Fatalf("status = 0x%04X, want success", status)
	}
	if len(emitted) != 2 {
		t.Fatalf("emitted %d matches, want 2", len(emitted))
	}
	first := emitted[0]
	if first.String(dimse.TagStudyInstanceUID) != "1.2.3" {
		t.Errorf("study UID = %q", first.String(dimse.TagStudyInstanceUID))
	}
	if first.String(dimse.TagPatientName) != "DOE^JOHN" {
		t.Errorf("patient name = %q", first.String(dimse.TagPatientName))
	}
	if first.String(dimse.TagRetrieveAETitle) != "ARCHIVE" {
		t.Errorf("retrieve AE = %q", first.String(dimse.TagRetrieveAETitle))
	}
	if first.String(dimse.TagQueryRetrieveLevel) != "STUDY" {
		t.Errorf("level = %q", first.String(dimse.TagQueryRetrieveLevel))
	}
	if first.String(dimse.TagNumberOfStudySeries) != "2" {
		t.Errorf("series count = %q, want 2", first.String(dimse.TagNumberOfStudySeries))
	}
	if first.String(dimse.TagNumberOfStudyInstances) != "10" {
		t.Errorf("instance count = %q, want 10", first.String(dimse.TagNumberOfStudyInstances))
	}
}

func TestFindPatientLevelRejected(t *testing.T) {
	svc := NewQueryRetrieveService(qrConfig(), &fakeQueryIndex{}, &fakeResolver{}, nil)

	id := dimse.NewDataSet()
	id.PutString(dimse.TagQueryRetrieveLevel, "PATIENT")
	status := svc.Find(context.Background(), &scp.FindRequest{Identifier: id}, func(*dimse.DataSet) error { return nil })
	if status != dimse.StatusIdentifierMismatch {
		t.Errorf("status = 0x%04X, want identifier mismatch", status)
	}
}

func TestFindSeriesRequiresStudyUID(t *testing.T) {
	svc := NewQueryRetrieveService(qrConfig(), &fakeQueryIndex{}, &fakeResolver{}, nil)

	id := dimse.NewDataSet()
	id.PutString(dimse.TagQueryRetrieveLevel, "SERIES")
	status := svc.Find(context.Background(), &scp.FindRequest{Identifier: id}, func(*dimse.DataSet) error { return nil })
	if status != dimse.StatusProcessingFailure {
		t.Errorf("status = 0x%04X, want processing failure", status)
	}
}

func TestFindSeriesModalityFilter(t *testing.T) {
	index := &fakeQueryIndex{
		series: map[string][]models.Series{
			"1.2.3": {
				{SeriesInstanceUID: "1.2.3.1", StudyInstanceUID: "1.2.3", Modality: "CT"},
				{SeriesInstanceUID: "1.2.3.2", StudyInstanceUID: "1.2.3", Modality: "SR"},
			},
		},
	}
	svc := NewQueryRetrieveService(qrConfig(), index, &fakeResolver{}, nil)

	id := dimse.NewDataSet()
	id.PutString(dimse.TagQueryRetrieveLevel, "SERIES")
	id.PutString(dimse.TagStudyInstanceUID, "1.2.3")
	id.PutString(dimse.TagModality, "CT")

	var emitted []*dimse.DataSet
	status := svc.Find(context.Background(), &scp.FindRequest{Identifier: id}, func(ds *dimse.DataSet) error {
		emitted = append(emitted, ds)
		return nil
	})
	if status != dimse.StatusSuccess {
		t.Fatalf("status = 0x%04X", status)
	}
	if len(emitted) != 1 || emitted[0].String(dimse.TagSeriesInstanceUID) != "1.2.3.1" {
		t.Errorf("modality filter failed: %d matches", len(emitted))
	}
}

func TestFindCancelled(t *testing.T) {
	index := &fakeQueryIndex{
		studies: []models.Study{{StudyInstanceUID: "1.2.3"}, {StudyInstanceUID: "1.2.4"}},
	}
	svc := NewQueryRetrieveService(qrConfig(), index, &fakeResolver{}, nil)

	id := dimse.NewDataSet()
	id.PutString(dimse.TagQueryRetrieveLevel, "STUDY")
	status := svc.Find(context.Background(), &scp.FindRequest{
		Identifier: id,
		Cancelled:  func() bool { return true },
	}, func(*dimse.DataSet) error { return nil })
	if status != dimse.StatusCancel {
		t.Errorf("status = 0x%04X, want cancel", status)
	}
}

func TestMoveUnknownDestination(t *testing.T) {
	svc := NewQueryRetrieveService(qrConfig(), &fakeQueryIndex{}, &fakeResolver{}, nil)

	id := dimse.NewDataSet()
	id.PutString(dimse.TagQueryRetrieveLevel, "STUDY")
	id.PutString(dimse.TagStudyInstanceUID, "1.2.3")
	result := svc.Move(context.Background(), &scp.RetrieveRequest{
		Identifier:  id,
		Destination: "NOWHERE",
	}, nil)
	if result.Status != dimse.StatusMoveDestinationUnknown {
		t.Errorf("status = 0x%04X, want move destination unknown", result.Status)
	}
}

type progressRecord struct {
	remaining, completed, failed, warnings uint16
}

func TestGetSubOperationCounters(t *testing.T) {
	instances := []models.Instance{
		{SOPInstanceUID: "1.1", FilePath: "a", StudyInstanceUID: "1.2.3"},
		{SOPInstanceUID: "1.2", FilePath: "b", StudyInstanceUID: "1.2.3"},
		{SOPInstanceUID: "1.3", FilePath: "c", StudyInstanceUID: "1.2.3"},
	}
	index := &fakeQueryIndex{byStudy: map[string][]models.Instance{"1.2.3": instances}}
	read := fakeReader(map[string][]byte{"a": {1}, "b": {2}, "c": {3}})
	svc := NewQueryRetrieveService(qrConfig(), index, &fakeResolver{}, read)

	// Second sub-operation is rejected, third succeeds with a warning.
	statuses := map[string]uint16{"a": dimse.StatusSuccess, "b": dimse.StatusOutOfResources, "c": 0xB000}
	store := func(sopClassUID, sopInstanceUID, transferSyntax string, payload []byte) (uint16, error) {
		return statuses[sopInstanceUID], nil
	}

	id := dimse.NewDataSet()
	id.PutString(dimse.TagQueryRetrieveLevel, "STUDY")
	id.PutString(dimse.TagStudyInstanceUID, "1.2.3")

	var progress []progressRecord
	result := svc.Get(context.Background(), &scp.RetrieveRequest{Identifier: id}, store, func(remaining, completed, failed, warnings uint16) {
		progress = append(progress, progressRecord{remaining, completed, failed, warnings})
	})

	if result.Status != dimse.StatusCancel {
		t.Errorf("status = 0x%04X, want cancel for partial failure", result.Status)
	}
	if result.Completed != 1 || result.Failed != 1 || result.Warnings != 1 {
		t.Errorf("counters = %d/%d/%d, want 1/1/1", result.Completed, result.Failed, result.Warnings)
	}
	if len(result.FailedSOPInstanceUIDs) != 1 || result.FailedSOPInstanceUIDs[0] != "b" {
		t.Errorf("failed UIDs = %v", result.FailedSOPInstanceUIDs)
	}

	if len(progress) != 3 {
		t.Fatalf("got %d progress updates, want 3", len(progress))
	}
	total := uint16(len(instances))
	prevRemaining := total
	for i, p := range progress {
		if sum := p.remaining + p.completed + p.failed + p.warnings; sum != total {
			t.Errorf("update %d: counters sum to %d, want %d", i, sum, total)
		}
		if p.remaining >= prevRemaining {
			t.Errorf("update %d: remaining %d did not decrease from %d", i, p.remaining, prevRemaining)
		}
		prevRemaining = p.remaining
	}
	if progress[2].remaining != 0 {
		t.Errorf("final remaining = %d", progress[2].remaining)
	}
}

func TestGetDuplicateSubOperationIsWarning(t *testing.T) {
	instances := []models.Instance{
		{SOPInstanceUID: "1.1", FilePath: "a", StudyInstanceUID: "1.2.3"},
		{SOPInstanceUID: "1.2", FilePath: "b", StudyInstanceUID: "1.2.3"},
	}
	index := &fakeQueryIndex{byStudy: map[string][]models.Instance{"1.2.3": instances}}
	read := fakeReader(map[string][]byte{"a": {1}, "b": {2}})
	svc := NewQueryRetrieveService(qrConfig(), index, &fakeResolver{}, read)

	statuses := map[string]uint16{"a": dimse.StatusSuccess, "b": dimse.StatusDuplicateSOPInstance}
	store := func(sopClassUID, sopInstanceUID, transferSyntax string, payload []byte) (uint16, error) {
		return statuses[sopInstanceUID], nil
	}

	id := dimse.NewDataSet()
	id.PutString(dimse.TagQueryRetrieveLevel, "STUDY")
	id.PutString(dimse.TagStudyInstanceUID, "1.2.3")

	result := svc.Get(context.Background(), &scp.RetrieveRequest{Identifier: id}, store, nil)
	if result.Status != dimse.StatusSuccess {
		t.Errorf("status = 0x%04X, want success", result.Status)
	}
	if result.Completed != 1 || result.Failed != 0 || result.Warnings != 1 {
		t.Errorf("counters = %d/%d/%d, want 1/0/1", result.Completed, result.Failed, result.Warnings)
	}
	if len(result.FailedSOPInstanceUIDs) != 0 {
		t.Errorf("failed UIDs = %v, want none", result.FailedSOPInstanceUIDs)
	}
}

func TestGetAllSucceed(t *testing.T) {
	instances := []models.Instance{
		{SOPInstanceUID: "1.1", FilePath: "a", SeriesInstanceUID: "1.2.3.1"},
		{SOPInstanceUID: "1.2", FilePath: "b", SeriesInstanceUID: "1.2.3.1"},
	}
	index := &fakeQueryIndex{bySeries: map[string][]models.Instance{"1.2.3.1": instances}}
	read := fakeReader(map[string][]byte{"a": {1}, "b": {2}})
	svc := NewQueryRetrieveService(qrConfig(), index, &fakeResolver{}, read)

	store := func(sopClassUID, sopInstanceUID, transferSyntax string, payload []byte) (uint16, error) {
		return dimse.StatusSuccess, nil
	}

	id := dimse.NewDataSet()
	id.PutString(dimse.TagQueryRetrieveLevel, "SERIES")
	id.PutString(dimse.TagSeriesInstanceUID, "1.2.3.1")

	result := svc.Get(context.Background(), &scp.RetrieveRequest{Identifier: id}, store, nil)
	if result.Status != dimse.StatusSuccess {
		t.Errorf("status = 0x%04X, want success", result.Status)
	}
	if result.Completed != 2 || result.Failed != 0 {
		t.Errorf("counters = %d/%d", result.Completed, result.Failed)
	}
}

func TestGetCancelled(t *testing.T) {
	instances := []models.Instance{
		{SOPInstanceUID: "1.1", FilePath: "a", StudyInstanceUID: "1.2.3"},
		{SOPInstanceUID: "1.2", FilePath: "b", StudyInstanceUID: "1.2.3"},
	}
	index := &fakeQueryIndex{byStudy: map[string][]models.Instance{"1.2.3": instances}}
	read := fakeReader(map[string][]byte{"a": {1}, "b": {2}})
	svc := NewQueryRetrieveService(qrConfig(), index, &fakeResolver{}, read)

	sent := 0
	store := func(sopClassUID, sopInstanceUID, transferSyntax string, payload []byte) (uint16, error) {
		sent++
		return dimse.StatusSuccess, nil
	}

	id := dimse.NewDataSet()
	id.PutString(dimse.TagQueryRetrieveLevel, "STUDY")
	id.PutString(dimse.TagStudyInstanceUID, "1.2.3")

	result := svc.Get(context.Background(), &scp.RetrieveRequest{
		Identifier: id,
		Cancelled:  func() bool { return sent >= 1 },
	}, store, nil)
	if result.Status != dimse.StatusCancel {
		t.Errorf("status = 0x%04X, want cancel", result.Status)
	}
	if sent != 1 {
		t.Errorf("sent %d sub-operations before cancel, want 1", sent)
	}
}

func TestGetUnreadableInstanceCountsAsFailed(t *testing.T) {
	instances := []models.Instance{{SOPInstanceUID: "1.1", FilePath: "missing", StudyInstanceUID: "1.2.3"}}
	index := &fakeQueryIndex{byStudy: map[string][]models.Instance{"1.2.3": instances}}
	svc := NewQueryRetrieveService(qrConfig(), index, &fakeResolver{}, fakeReader(nil))

	store := func(sopClassUID, sopInstanceUID, transferSyntax string, payload []byte) (uint16, error) {
		t.Fatal("store should not be called for an unreadable instance")
		return 0, nil
	}

	id := dimse.NewDataSet()
	id.PutString(dimse.TagQueryRetrieveLevel, "STUDY")
	id.PutString(dimse.TagStudyInstanceUID, "1.2.3")

	result := svc.Get(context.Background(), &scp.RetrieveRequest{Identifier: id}, store, nil)
	if result.Status != dimse.StatusProcessingFailure {
		t.Errorf("status = 0x%04X, want processing failure", result.Status)
	}
	if result.Failed != 1 {
		t.Errorf("failed = %d, want 1", result.Failed)
	}
}

func TestParseDateRange(t *testing.T) {
	cases := []struct {
		in       string
		from, to string
	}{
		{"", "", ""},
		{"20250810", "20250810", "20250810"},
		{"20250801-20250831", "20250801", "20250831"},
		{"20250801-", "20250801", ""},
		{"-20250831", "", "20250831"},
	}
	for _, c := range cases {
		from, to := parseDateRange(c.in)
		if from != c.from || to != c.to {
			t.Errorf("parseDateRange(%q) = (%q, %q), want (%q, %q)", c.in, from, to, c.from, c.to)
		}
	}
}
