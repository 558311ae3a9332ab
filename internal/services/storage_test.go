package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/masroore/dicomscp/internal/config"
	"github.com/masroore/dicomscp/internal/models"
	"github.com/masroore/dicomscp/internal/scp"
	"github.com/masroore/dicomscp/pkg/dimse"
)

type fakeArchiveIndex struct {
	mu        sync.Mutex
	instances map[string]*models.Instance
	failIndex bool

	// gate, when set, blocks GetInstance until released. Used to observe
	// the concurrency bound.
	entered chan struct{}
	release chan struct{}
}

func newFakeArchiveIndex() *fakeArchiveIndex {
	return &fakeArchiveIndex{instances: make(map[string]*models.Instance)}
}

func (f *fakeArchiveIndex) GetInstance(ctx context.Context, uid string) (*models.Instance, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instances[uid], nil
}

func (f *fakeArchiveIndex) IndexInstance(ctx context.Context, study *models.Study, series *models.Series, instance *models.Instance) error {
	if f.failIndex {
		return fmt.Errorf("index unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[instance.SOPInstanceUID] = instance
	return nil
}

func storePayload(sopInstanceUID string) []byte {
	ds := dimse.NewDataSet()
	ds.PutString(dimse.TagSOPClassUID, dimse.CTImageStorage)
	ds.PutString(dimse.TagSOPInstanceUID, sopInstanceUID)
	ds.PutString(dimse.TagStudyInstanceUID, "1.2.3.100")
	ds.PutString(dimse.TagSeriesInstanceUID, "1.2.3.100.1")
	ds.PutString(dimse.TagPatientID, "PID001")
	ds.PutString(dimse.TagModality, "CT")
	return dimse.EncodeDataSet(ds, dimse.ExplicitVRLittleEndian)
}

func storageConfig(t *testing.T) config.StorageConfig {
	root := t.TempDir()
	return config.StorageConfig{
		Path:     root,
		TempPath: filepath.Join(root, "tmp"),
	}
}

func storeRequest(sopInstanceUID string) *scp.StoreRequest {
	return &scp.StoreRequest{
		Peer:           scp.Peer{CallingAETitle: "CT01", CalledAETitle: "STORESCP"},
		SOPClassUID:    dimse.CTImageStorage,
		SOPInstanceUID: sopInstanceUID,
		TransferSyntax: dimse.ExplicitVRLittleEndian,
		Payload:        storePayload(sopInstanceUID),
	}
}

func TestStoreSuccess(t *testing.T) {
	cfg := storageConfig(t)
	index := newFakeArchiveIndex()
	svc := NewStorageService(cfg, index, nil)

	status := svc.Store(context.Background(), storeRequest("1.2.3.100.1.1"))
	if status != dimse.StatusSuccess {
		t.Fatalf("status = 0x%04X, want success", status)
	}

	wantPath := filepath.Join(cfg.Path, "1.2.3.100", "1.2.3.100.1", "1.2.3.100.1.1.dcm")
	data, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	meta, _, err := dimse.DecodePart10(data)
	if err != nil {
		t.Fatalf("stored file is not valid part 10: %v", err)
	}
	if meta.SOPInstanceUID != "1.2.3.100.1.1" {
		t.Errorf("file meta sop instance = %q", meta.SOPInstanceUID)
	}
	if index.instances["1.2.3.100.1.1"] == nil {
		t.Error("instance was not indexed")
	}

	// Temp dir must hold no leftovers.
	entries, _ := os.ReadDir(cfg.TempPath)
	if len(entries) != 0 {
		t.Errorf("temp dir holds %d leftover files", len(entries))
	}
}

func TestStoreDuplicateReturnsStatusNotError(t *testing.T) {
	cfg := storageConfig(t)
	index := newFakeArchiveIndex()
	index.instances["1.2.3.100.1.2"] = &models.Instance{SOPInstanceUID: "1.2.3.100.1.2"}
	svc := NewStorageService(cfg, index, nil)

	status := svc.Store(context.Background(), storeRequest("1.2.3.100.1.2"))
	if status != dimse.StatusDuplicateSOPInstance {
		t.Errorf("status = 0x%04X, want duplicate", status)
	}
}

func TestStoreMissingAttributes(t *testing.T) {
	cfg := storageConfig(t)
	svc := NewStorageService(cfg, newFakeArchiveIndex(), nil)

	ds := dimse.NewDataSet()
	ds.PutString(dimse.TagSOPClassUID, dimse.CTImageStorage)
	ds.PutString(dimse.TagSOPInstanceUID, "1.2.3.4")
	// No study or series UID.
	req := &scp.StoreRequest{
		SOPClassUID:    dimse.CTImageStorage,
		SOPInstanceUID: "1.2.3.4",
		TransferSyntax: dimse.ExplicitVRLittleEndian,
		Payload:        dimse.EncodeDataSet(ds, dimse.ExplicitVRLittleEndian),
	}
	if status := svc.Store(context.Background(), req); status != dimse.StatusInvalidAttributeValue {
		t.Errorf("status = 0x%04X, want invalid attribute value", status)
	}
}

func TestStoreMissingPatientID(t *testing.T) {
	cfg := storageConfig(t)
	svc := NewStorageService(cfg, newFakeArchiveIndex(), nil)

	ds := dimse.NewDataSet()
	ds.PutString(dimse.TagSOPClassUID, dimse.CTImageStorage)
	ds.PutString(dimse.TagSOPInstanceUID, "1.2.3.5")
	ds.PutString(dimse.TagStudyInstanceUID, "1.2.3.100")
	ds.PutString(dimse.TagSeriesInstanceUID, "1.2.3.100.1")
	req := &scp.StoreRequest{
		SOPClassUID:    dimse.CTImageStorage,
		SOPInstanceUID: "1.2.3.5",
		TransferSyntax: dimse.ExplicitVRLittleEndian,
		Payload:        dimse.EncodeDataSet(ds, dimse.ExplicitVRLittleEndian),
	}
	if status := svc.Store(context.Background(), req); status != dimse.StatusInvalidAttributeValue {
		t.Errorf("status = 0x%04X, want invalid attribute value", status)
	}
}

func TestStoreWriteFailure(t *testing.T) {
	cfg := storageConfig(t)
	// A regular file where the temp dir should go makes every write fail.
	blocker := filepath.Join(cfg.Path, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.TempPath = filepath.Join(blocker, "tmp")
	svc := NewStorageService(cfg, newFakeArchiveIndex(), nil)

	status := svc.Store(context.Background(), storeRequest("1.2.3.100.1.5"))
	if status != dimse.StatusProcessingFailure {
		t.Errorf("status = 0x%04X, want processing failure", status)
	}
}

func TestStoreUIDMismatch(t *testing.T) {
	cfg := storageConfig(t)
	svc := NewStorageService(cfg, newFakeArchiveIndex(), nil)

	req := storeRequest("1.2.3.100.1.3")
	req.SOPInstanceUID = "9.9.9" // command disagrees with dataset
	if status := svc.Store(context.Background(), req); status != dimse.StatusInvalidAttributeValue {
		t.Errorf("status = 0x%04X, want invalid attribute value", status)
	}
}

func TestStoreIndexFailureCleansUp(t *testing.T) {
	cfg := storageConfig(t)
	index := newFakeArchiveIndex()
	index.failIndex = true
	svc := NewStorageService(cfg, index, nil)

	status := svc.Store(context.Background(), storeRequest("1.2.3.100.1.4"))
	if status != dimse.StatusProcessingFailure {
		t.Fatalf("status = 0x%04X, want processing failure", status)
	}
	wantPath := filepath.Join(cfg.Path, "1.2.3.100", "1.2.3.100.1", "1.2.3.100.1.4.dcm")
	if _, err := os.Stat(wantPath); !os.IsNotExist(err) {
		t.Error("file should be removed after index failure")
	}
}

func TestStoreConcurrencyBound(t *testing.T) {
	cfg := storageConfig(t)
	cfg.MaxConcurrentStores = 2
	index := newFakeArchiveIndex()
	index.entered = make(chan struct{}, 10)
	index.release = make(chan struct{})
	svc := NewStorageService(cfg, index, nil)

	const workers = 5
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc.Store(context.Background(), storeRequest(fmt.Sprintf("1.2.3.100.1.%d", 10+i)))
		}(i)
	}

	// Exactly the bound may enter the critical section.
	inFlight := 0
	timeout := time.After(2 * time.Second)
	for inFlight < 2 {
		select {
		case <-index.entered:
			inFlight++
		case <-timeout:
			t.Fatalf("only %d stores entered, want 2", inFlight)
		}
	}
	select {
	case <-index.entered:
		t.Fatal("third store entered despite bound of 2")
	case <-time.After(100 * time.Millisecond):
	}

	close(index.release)
	wg.Wait()
}
