package services

import (
	"context"
	"testing"
	"time"

	"github.com/masroore/dicomscp/internal/config"
	"github.com/masroore/dicomscp/internal/models"
	"github.com/masroore/dicomscp/internal/scp"
	"github.com/masroore/dicomscp/pkg/dimse"
)

type fakeWorklistIndex struct {
	lastQuery models.WorklistQuery
	items     []models.WorklistItem
}

func (f *fakeWorklistIndex) GetWorklistItems(ctx context.Context, q models.WorklistQuery) ([]models.WorklistItem, error) {
	f.lastQuery = q
	return f.items, nil
}

func worklistService(index *fakeWorklistIndex, now time.Time) *WorklistService {
	svc := NewWorklistService(config.DICOMConfig{AETitle: "WORKLIST"}, index)
	svc.now = func() time.Time { return now }
	return svc
}

func scheduledItem() models.WorklistItem {
	return models.WorklistItem{
		PatientID:          "P100",
		PatientName:        "DOE^JOHN",
		PatientBirthDate:   "19800115",
		PatientSex:         "M",
		AccessionNumber:    "ACC001",
		Modality:           "CT",
		ScheduledStationAE: "CT01",
		ScheduledDateTime:  time.Date(2025, 8, 12, 9, 30, 0, 0, time.UTC),
		ScheduledStepID:    "STEP1",
	}
}

func TestWorklistDefaultDateWindow(t *testing.T) {
	index := &fakeWorklistIndex{}
	now := time.Date(2025, 8, 12, 10, 0, 0, 0, time.UTC)
	svc := worklistService(index, now)

	id := dimse.NewDataSet()
	id.PutString(dimse.TagPatientName, "")
	status := svc.Find(context.Background(), &scp.FindRequest{Identifier: id}, func(*dimse.DataSet) error { return nil })
	if status != dimse.StatusSuccess {
		t.Fatalf("status = 0x%04X", status)
	}

	today := now.Truncate(24 * time.Hour)
	wantFrom := today.AddDate(0, 0, -30)
	wantTo := today.AddDate(0, 0, 31)
	if !index.lastQuery.StartDateFrom.Equal(wantFrom) {
		t.Errorf("from = %v, want %v", index.lastQuery.StartDateFrom, wantFrom)
	}
	if !index.lastQuery.StartDateTo.Equal(wantTo) {
		t.Errorf("to = %v, want %v", index.lastQuery.StartDateTo, wantTo)
	}
}

func TestWorklistExactDate(t *testing.T) {
	index := &fakeWorklistIndex{}
	svc := worklistService(index, time.Date(2025, 8, 12, 10, 0, 0, 0, time.UTC))

	sps := dimse.NewDataSet()
	sps.PutString(dimse.TagModality, "MR")
	sps.PutString(dimse.TagSchedStationAETitle, "MR01")
	sps.PutString(dimse.TagSchedProcStepStartDate, "20250805")
	id := dimse.NewDataSet()
	id.PutSequence(dimse.TagSchedProcStepSequence, []*dimse.DataSet{sps})

	svc.Find(context.Background(), &scp.FindRequest{Identifier: id}, func(*dimse.DataSet) error { return nil })

	q := index.lastQuery
	if q.Modality != "MR" || q.ScheduledStationAE != "MR01" {
		t.Errorf("modality/station = %q/%q", q.Modality, q.ScheduledStationAE)
	}
	day := time.Date(2025, 8, 5, 0, 0, 0, 0, time.UTC)
	if !q.StartDateFrom.Equal(day) {
		t.Errorf("from = %v, want %v", q.StartDateFrom, day)
	}
	if !q.StartDateTo.Equal(time.Date(2025, 8, 12, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("to = %v, want query time", q.StartDateTo)
	}
}

func TestWorklistDateRangeKeys(t *testing.T) {
	index := &fakeWorklistIndex{}
	now := time.Date(2025, 8, 12, 10, 0, 0, 0, time.UTC)
	svc := worklistService(index, now)
	today := now.Truncate(24 * time.Hour)

	cases := []struct {
		name     string
		key      string
		wantFrom time.Time
		wantTo   time.Time
	}{
		{"range uses earliest date", "20250810-20250820", time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC), now},
		{"open range", "20250810-", time.Date(2025, 8, 10, 0, 0, 0, 0, time.UTC), now},
		{"invalid date collapses to today", "2025081x", today, today.AddDate(0, 0, 1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sps := dimse.NewDataSet()
			sps.PutString(dimse.TagSchedProcStepStartDate, tc.key)
			id := dimse.NewDataSet()
			id.PutSequence(dimse.TagSchedProcStepSequence, []*dimse.DataSet{sps})

			svc.Find(context.Background(), &scp.FindRequest{Identifier: id}, func(*dimse.DataSet) error { return nil })

			q := index.lastQuery
			if !q.StartDateFrom.Equal(tc.wantFrom) {
				t.Errorf("from = %v, want %v", q.StartDateFrom, tc.wantFrom)
			}
			if !q.StartDateTo.Equal(tc.wantTo) {
				t.Errorf("to = %v, want %v", q.StartDateTo, tc.wantTo)
			}
		})
	}
}

func TestWorklistTransliteratesWithoutCharset(t *testing.T) {
	item := scheduledItem()
	item.PatientName = "张伟"
	index := &fakeWorklistIndex{items: []models.WorklistItem{item}}
	svc := worklistService(index, time.Date(2025, 8, 12, 10, 0, 0, 0, time.UTC))

	id := dimse.NewDataSet()
	id.PutString(dimse.TagPatientName, "")

	var matches []*dimse.DataSet
	status := svc.Find(context.Background(), &scp.FindRequest{Identifier: id}, func(ds *dimse.DataSet) error {
		matches = append(matches, ds)
		return nil
	})
	if status != dimse.StatusSuccess || len(matches) != 1 {
		t.Fatalf("status = 0x%04X, matches = %d", status, len(matches))
	}
	if got := matches[0].String(dimse.TagPatientName); got != "Zhang^wei" {
		t.Errorf("patient name = %q, want transliterated", got)
	}
	if got := matches[0].String(dimse.TagSpecificCharacterSet); got != "ISO_IR 100" {
		t.Errorf("charset = %q, want ISO_IR 100", got)
	}
}

func TestWorklistKeepsNativeNameWithCharset(t *testing.T) {
	item := scheduledItem()
	item.PatientName = "张伟"
	index := &fakeWorklistIndex{items: []models.WorklistItem{item}}
	svc := worklistService(index, time.Date(2025, 8, 12, 10, 0, 0, 0, time.UTC))

	id := dimse.NewDataSet()
	id.PutString(dimse.TagSpecificCharacterSet, "GB18030")
	id.PutString(dimse.TagPatientName, "")

	var matches []*dimse.DataSet
	svc.Find(context.Background(), &scp.FindRequest{Identifier: id}, func(ds *dimse.DataSet) error {
		matches = append(matches, ds)
		return nil
	})
	if len(matches) != 1 {
		t.Fatalf("matches = %d", len(matches))
	}
	if got := matches[0].String(dimse.TagPatientName); got != "张伟" {
		t.Errorf("patient name = %q, want native", got)
	}
	if got := matches[0].String(dimse.TagSpecificCharacterSet); got != "GB18030" {
		t.Errorf("charset = %q", got)
	}
}

func TestWorklistResponseAttributes(t *testing.T) {
	index := &fakeWorklistIndex{items: []models.WorklistItem{scheduledItem()}}
	svc := worklistService(index, time.Date(2025, 8, 12, 10, 0, 0, 0, time.UTC))

	id := dimse.NewDataSet()
	id.PutString(dimse.TagPatientName, "")
	id.PutString(dimse.TagAccessionNumber, "")

	var matches []*dimse.DataSet
	svc.Find(context.Background(), &scp.FindRequest{Identifier: id}, func(ds *dimse.DataSet) error {
		matches = append(matches, ds)
		return nil
	})
	if len(matches) != 1 {
		t.Fatalf("matches = %d", len(matches))
	}
	m := matches[0]
	if m.String(dimse.TagAccessionNumber) != "ACC001" {
		t.Errorf("accession = %q", m.String(dimse.TagAccessionNumber))
	}
	if m.String(dimse.TagPatientAge) != "045Y" {
		t.Errorf("age = %q", m.String(dimse.TagPatientAge))
	}
	sps := m.Sequence(dimse.TagSchedProcStepSequence)
	if len(sps) != 1 {
		t.Fatalf("sps items = %d", len(sps))
	}
	if sps[0].String(dimse.TagSchedProcStepStartDate) != "20250812" {
		t.Errorf("start date = %q", sps[0].String(dimse.TagSchedProcStepStartDate))
	}
	if sps[0].String(dimse.TagSchedProcStepStartTime) != "093000" {
		t.Errorf("start time = %q", sps[0].String(dimse.TagSchedProcStepStartTime))
	}
}

func TestWorklistSkipsBrokenItems(t *testing.T) {
	broken := scheduledItem()
	broken.PatientID = ""
	index := &fakeWorklistIndex{items: []models.WorklistItem{broken, scheduledItem()}}
	svc := worklistService(index, time.Date(2025, 8, 12, 10, 0, 0, 0, time.UTC))

	id := dimse.NewDataSet()
	emitted := 0
	status := svc.Find(context.Background(), &scp.FindRequest{Identifier: id}, func(*dimse.DataSet) error {
		emitted++
		return nil
	})
	if status != dimse.StatusSuccess {
		t.Errorf("status = 0x%04X", status)
	}
	if emitted != 1 {
		t.Errorf("emitted = %d, want 1", emitted)
	}
}

func TestWorklistAllItemsBrokenFails(t *testing.T) {
	broken := scheduledItem()
	broken.PatientName = ""
	index := &fakeWorklistIndex{items: []models.WorklistItem{broken}}
	svc := worklistService(index, time.Date(2025, 8, 12, 10, 0, 0, 0, time.UTC))

	status := svc.Find(context.Background(), &scp.FindRequest{Identifier: dimse.NewDataSet()}, func(*dimse.DataSet) error { return nil })
	if status != dimse.StatusProcessingFailure {
		t.Errorf("status = 0x%04X, want processing failure", status)
	}
}

func TestWorklistCancelled(t *testing.T) {
	index := &fakeWorklistIndex{items: []models.WorklistItem{scheduledItem()}}
	svc := worklistService(index, time.Date(2025, 8, 12, 10, 0, 0, 0, time.UTC))

	status := svc.Find(context.Background(), &scp.FindRequest{
		Identifier: dimse.NewDataSet(),
		Cancelled:  func() bool { return true },
	}, func(*dimse.DataSet) error { return nil })
	if status != dimse.StatusCancel {
		t.Errorf("status = 0x%04X, want cancel", status)
	}
}

func TestDeriveAge(t *testing.T) {
	now := time.Date(2025, 8, 12, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		birth string
		want  string
	}{
		{"19800115", "045Y"},
		{"19801231", "044Y"},
		{"2025", ""},
		{"", ""},
		{"notadate", ""},
	}
	for _, c := range cases {
		if got := deriveAge(c.birth, now); got != c.want {
			t.Errorf("deriveAge(%q) = %q, want %q", c.birth, got, c.want)
		}
	}
}

func TestCSValue(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  ct ", "CT"},
		{"MR_01", "MR_01"},
		{"x-ray!", "XRAY"},
		{"", ""},
	}
	for _, c := range cases {
		if got := csValue(c.in); got != c.want {
			t.Errorf("csValue(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeDate(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"19800115", "19800115"},
		{"1980-01-15", "19800115"},
		{"1980", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := normalizeDate(c.in); got != c.want {
			t.Errorf("normalizeDate(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
