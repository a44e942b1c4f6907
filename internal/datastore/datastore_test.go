package datastore_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/coordination-fabric/internal/datastore"
	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
)

func TestNewDataStoreRejectsNonPositiveRetention(t *testing.T) {
	_, err := datastore.NewDataStore(zap.NewNop(), t.TempDir(), 0)
	if err == nil {
		t.Fatal("expected a non-positive retention to be rejected")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	ds, err := datastore.NewDataStore(zap.NewNop(), t.TempDir(), 30)
	if err != nil {
		t.Fatalf("NewDataStore failed: %v", err)
	}

	point := fabric.LearningDataPoint{Timestamp: "2026-01-01T00:00:00Z", Winner: "strategy_a"}
	if !ds.SaveDataPoint(point) {
		t.Fatal("expected SaveDataPoint to succeed")
	}

	loaded, err := ds.LoadHistoricalData("", "", 0)
	if err != nil {
		t.Fatalf("LoadHistoricalData failed: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Winner != "strategy_a" {
		t.Errorf("expected the saved point to round-trip, got %+v", loaded)
	}
}

func TestLoadHistoricalDataSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	ds, err := datastore.NewDataStore(zap.NewNop(), dir, 30)
	if err != nil {
		t.Fatalf("NewDataStore failed: %v", err)
	}
	ds.SaveDataPoint(fabric.LearningDataPoint{Winner: "strategy_b"})

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one data file, got %d", len(entries))
	}
	path := filepath.Join(dir, entries[0].Name())
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := f.WriteString("{not valid json\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	f.Close()

	loaded, err := ds.LoadHistoricalData("", "", 0)
	if err != nil {
		t.Fatalf("LoadHistoricalData failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Errorf("expected the corrupt line to be skipped, got %d points", len(loaded))
	}
}

func TestCleanupOldDataDeletesOutsideRetention(t *testing.T) {
	dir := t.TempDir()
	ds, err := datastore.NewDataStore(zap.NewNop(), dir, 30)
	if err != nil {
		t.Fatalf("NewDataStore failed: %v", err)
	}

	stalePath := filepath.Join(dir, "risk_control_learning_2000-01.jsonl")
	if err := os.WriteFile(stalePath, []byte(`{"winner":"strategy_a"}`+"\n"), 0o644); err != nil {
		t.Fatalf("failed to seed a stale data file: %v", err)
	}

	deleted := ds.CleanupOldData()
	if deleted != 1 {
		t.Errorf("expected 1 stale file to be deleted, got %d", deleted)
	}
	if _, err := os.Stat(stalePath); !os.IsNotExist(err) {
		t.Error("expected the stale file to have been removed")
	}
}

// TestSaveDataPointRotatesAndArchivesOnMonthBoundary drives the clock
// across a simulated month boundary via NewDataStoreWithClock: saves a
// record in January, advances the fake clock into February, saves another
// record, and verifies the January file was gzip-archived rather than
// still sitting around as a live .jsonl.
func TestSaveDataPointRotatesAndArchivesOnMonthBoundary(t *testing.T) {
	dir := t.TempDir()
	fakeNow := time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC)
	ds, err := datastore.NewDataStoreWithClock(zap.NewNop(), dir, 30, func() time.Time { return fakeNow })
	if err != nil {
		t.Fatalf("NewDataStoreWithClock failed: %v", err)
	}

	if !ds.SaveDataPoint(fabric.LearningDataPoint{Winner: "strategy_a"}) {
		t.Fatal("expected the January save to succeed")
	}

	januaryPath := filepath.Join(dir, "risk_control_learning_2026-01.jsonl")
	if _, err := os.Stat(januaryPath); err != nil {
		t.Fatalf("expected a live January file before the month rolls over: %v", err)
	}

	fakeNow = time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)
	if !ds.SaveDataPoint(fabric.LearningDataPoint{Winner: "strategy_b"}) {
		t.Fatal("expected the February save to succeed")
	}

	if _, err := os.Stat(januaryPath); !os.IsNotExist(err) {
		t.Error("expected the January file to be archived away once February's save rotated past it")
	}
	archivedPath := januaryPath + ".gz"
	if _, err := os.Stat(archivedPath); err != nil {
		t.Fatalf("expected January's data to be archived to %s: %v", archivedPath, err)
	}
	februaryPath := filepath.Join(dir, "risk_control_learning_2026-02.jsonl")
	if _, err := os.Stat(februaryPath); err != nil {
		t.Fatalf("expected a live February file after rotation: %v", err)
	}

	loaded, err := ds.LoadHistoricalData("", "", 0)
	if err != nil {
		t.Fatalf("LoadHistoricalData failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected both the archived January record and the live February record to load, got %d", len(loaded))
	}

	stats := ds.Statistics()
	if stats.TotalArchived != 1 {
		t.Errorf("expected total_archived=1 after the rollover, got %d", stats.TotalArchived)
	}
	if stats.CompressedCount != 1 {
		t.Errorf("expected 1 compressed file counted in statistics, got %d", stats.CompressedCount)
	}
}

func TestStatisticsCountsFiles(t *testing.T) {
	ds, err := datastore.NewDataStore(zap.NewNop(), t.TempDir(), 30)
	if err != nil {
		t.Fatalf("NewDataStore failed: %v", err)
	}
	ds.SaveDataPoint(fabric.LearningDataPoint{Winner: "strategy_a"})

	stats := ds.Statistics()
	if stats.FileCount != 1 {
		t.Errorf("expected 1 data file, got %d", stats.FileCount)
	}
	if stats.TotalSaved != 1 {
		t.Errorf("expected total_saved=1, got %d", stats.TotalSaved)
	}
}
