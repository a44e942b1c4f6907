// Package datastore implements the learning data store (C8): an
// append-only, month-partitioned JSONL archive of LearningDataPoints
// with gzip archival and retention-based cleanup.
package datastore

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
)

const filePrefix = "risk_control_learning_"

type stats struct {
	mu           sync.Mutex
	totalSaved   int64
	totalLoaded  int64
	totalArchived int64
	totalDeleted int64
}

// DataStore is the learning data store described in spec.md §4.8.
type DataStore struct {
	logger        *zap.Logger
	dataDir       string
	retentionDays int

	fileMu      sync.Mutex
	currentFile string

	stats stats

	nowFn func() time.Time
}

// NewDataStore constructs a DataStore rooted at dataDir, creating it if
// necessary. retentionDays must be positive, matching
// LearningDataStore.__init__'s validation.
func NewDataStore(logger *zap.Logger, dataDir string, retentionDays int) (*DataStore, error) {
	return NewDataStoreWithClock(logger, dataDir, retentionDays, time.Now)
}

// NewDataStoreWithClock is NewDataStore with an injectable clock, so month
// rotation and retention cutoffs can be driven deterministically in tests
// without waiting on a real month boundary.
func NewDataStoreWithClock(logger *zap.Logger, dataDir string, retentionDays int, nowFn func() time.Time) (*DataStore, error) {
	if retentionDays <= 0 {
		return nil, fabric.ErrInvalidArgument.WithMessage("datastore: retention_days must be > 0")
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("datastore: create data dir: %w", err)
	}

	ds := &DataStore{
		logger:        logger.With(zap.String("component", "learning_data_store")),
		dataDir:       dataDir,
		retentionDays: retentionDays,
		nowFn:         nowFn,
	}
	ds.currentFile = ds.currentFilePath()
	return ds, nil
}

func (d *DataStore) currentFilePath() string {
	return filepath.Join(d.dataDir, fmt.Sprintf("%s%s.jsonl", filePrefix, d.nowFn().Format("2006-01")))
}

// SaveDataPoint appends point as one JSON line to the current month's
// file, archiving the prior month's file first if the month has rolled
// over since the last save (spec.md §4.8). Returns false on any I/O
// failure rather than raising.
func (d *DataStore) SaveDataPoint(point fabric.LearningDataPoint) bool {
	d.fileMu.Lock()
	defer d.fileMu.Unlock()

	latest := d.currentFilePath()
	if latest != d.currentFile {
		d.archiveFileLocked(d.currentFile)
		d.currentFile = latest
	}

	payload, err := json.Marshal(point)
	if err != nil {
		d.logger.Error("marshal learning sample failed", zap.Error(err))
		return false
	}

	f, err := os.OpenFile(d.currentFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		d.logger.Error("open learning file failed", zap.Error(err))
		return false
	}
	defer f.Close()

	if _, err := f.Write(append(payload, '\n')); err != nil {
		d.logger.Error("write learning sample failed", zap.Error(err))
		return false
	}

	d.stats.mu.Lock()
	d.stats.totalSaved++
	d.stats.mu.Unlock()
	return true
}

// LoadHistoricalData scans the data directory for files within the
// inclusive [start, end] YYYY-MM range (either bound may be empty to
// leave it open), reading plain .jsonl files directly and .jsonl.gz
// through a gzip reader, stopping early once maxSamples is reached
// (0 means unbounded).
func (d *DataStore) LoadHistoricalData(start, end string, maxSamples int) ([]fabric.LearningDataPoint, error) {
	files, err := d.dataFiles(start, end)
	if err != nil {
		d.logger.Error("list learning files failed", zap.Error(err))
		return nil, nil
	}

	var all []fabric.LearningDataPoint
	for _, path := range files {
		var points []fabric.LearningDataPoint
		var err error
		if strings.HasSuffix(path, ".jsonl.gz") {
			points, err = loadCompressedFile(path)
		} else {
			points, err = loadPlainFile(path)
		}
		if err != nil {
			d.logger.Warn("failed to read learning file, skipping", zap.String("path", path), zap.Error(err))
			continue
		}
		all = append(all, points...)
		if maxSamples > 0 && len(all) >= maxSamples {
			all = all[:maxSamples]
			break
		}
	}

	d.stats.mu.Lock()
	d.stats.totalLoaded += int64(len(all))
	d.stats.mu.Unlock()

	return all, nil
}

func loadPlainFile(path string) ([]fabric.LearningDataPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeLines(f)
}

func loadCompressedFile(path string) ([]fabric.LearningDataPoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return decodeLines(gz)
}

// decodeLines parses one LearningDataPoint per non-blank line, skipping
// (and not aborting on) a malformed line — spec.md §7's
// CorruptLearningRecord handling: "skip the line; continue loading".
func decodeLines(r io.Reader) ([]fabric.LearningDataPoint, error) {
	var out []fabric.LearningDataPoint
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var point fabric.LearningDataPoint
		if err := json.Unmarshal([]byte(line), &point); err != nil {
			continue
		}
		out = append(out, point)
	}
	return out, scanner.Err()
}

// dataFiles lists risk_control_learning_*.jsonl and *.jsonl.gz files in
// dataDir, optionally filtered to the inclusive [start, end] YYYY-MM
// range, sorted lexicographically (equivalently chronologically given
// the naming scheme).
func (d *DataStore) dataFiles(start, end string) ([]string, error) {
	entries, err := os.ReadDir(d.dataDir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) {
			continue
		}
		if !strings.HasSuffix(name, ".jsonl") && !strings.HasSuffix(name, ".jsonl.gz") {
			continue
		}
		month, ok := monthFromFilename(name)
		if !ok {
			continue
		}
		if start != "" && month < start {
			continue
		}
		if end != "" && month > end {
			continue
		}
		files = append(files, filepath.Join(d.dataDir, name))
	}
	sort.Strings(files)
	return files, nil
}

// monthFromFilename extracts the YYYY-MM segment from a
// risk_control_learning_YYYY-MM.jsonl[.gz] filename.
func monthFromFilename(name string) (string, bool) {
	trimmed := strings.TrimPrefix(name, filePrefix)
	trimmed = strings.TrimSuffix(trimmed, ".gz")
	trimmed = strings.TrimSuffix(trimmed, ".jsonl")
	if len(trimmed) != 7 || trimmed[4] != '-' {
		return "", false
	}
	return trimmed, true
}

// archiveFileLocked gzip-compresses path into path+".gz" and deletes the
// original on success. Caller must hold fileMu. A missing path is not an
// error (spec.md §4.8).
func (d *DataStore) archiveFileLocked(path string) bool {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false
	}

	in, err := os.Open(path)
	if err != nil {
		d.logger.Warn("archive: open failed", zap.String("path", path), zap.Error(err))
		return false
	}
	defer in.Close()

	compressedPath := strings.TrimSuffix(path, ".jsonl") + ".jsonl.gz"
	out, err := os.Create(compressedPath)
	if err != nil {
		d.logger.Warn("archive: create compressed file failed", zap.Error(err))
		return false
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		d.logger.Warn("archive: compress failed", zap.Error(err))
		return false
	}
	if err := gz.Close(); err != nil {
		out.Close()
		d.logger.Warn("archive: finalize compressed file failed", zap.Error(err))
		return false
	}
	if err := out.Close(); err != nil {
		d.logger.Warn("archive: close compressed file failed", zap.Error(err))
		return false
	}

	if err := os.Remove(path); err != nil {
		d.logger.Warn("archive: remove original failed", zap.Error(err))
		return false
	}

	d.stats.mu.Lock()
	d.stats.totalArchived++
	d.stats.mu.Unlock()
	return true
}

// CleanupOldData deletes every data file whose month is older than
// now - retentionDays, returning the count deleted (spec.md §4.8).
func (d *DataStore) CleanupOldData() int {
	cutoff := d.nowFn().AddDate(0, 0, -d.retentionDays).Format("2006-01")

	files, err := d.dataFiles("", "")
	if err != nil {
		d.logger.Error("cleanup: list files failed", zap.Error(err))
		return 0
	}

	deleted := 0
	for _, path := range files {
		month, ok := monthFromFilename(filepath.Base(path))
		if !ok || month >= cutoff {
			continue
		}
		if err := os.Remove(path); err != nil {
			d.logger.Warn("cleanup: remove failed", zap.String("path", path), zap.Error(err))
			continue
		}
		deleted++
	}

	d.stats.mu.Lock()
	d.stats.totalDeleted += int64(deleted)
	d.stats.mu.Unlock()
	return deleted
}

// Statistics is the get_statistics()-equivalent snapshot, carrying over
// learning_data_store.py's file/byte accounting per SPEC_FULL's
// Supplemented Features.
type Statistics struct {
	TotalSaved      int64   `json:"total_saved"`
	TotalLoaded     int64   `json:"total_loaded"`
	TotalArchived   int64   `json:"total_archived"`
	TotalDeleted    int64   `json:"total_deleted"`
	FileCount       int     `json:"file_count"`
	CompressedCount int     `json:"compressed_count"`
	TotalSizeBytes  int64   `json:"total_size_bytes"`
	TotalSizeMB     float64 `json:"total_size_mb"`
}

// Statistics returns file/byte accounting plus running counters.
func (d *DataStore) Statistics() Statistics {
	d.stats.mu.Lock()
	s := Statistics{
		TotalSaved:    d.stats.totalSaved,
		TotalLoaded:   d.stats.totalLoaded,
		TotalArchived: d.stats.totalArchived,
		TotalDeleted:  d.stats.totalDeleted,
	}
	d.stats.mu.Unlock()

	entries, err := os.ReadDir(d.dataDir)
	if err != nil {
		return s
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.FileCount++
		s.TotalSizeBytes += info.Size()
		if strings.HasSuffix(e.Name(), ".gz") {
			s.CompressedCount++
		}
	}
	s.TotalSizeMB = float64(int(float64(s.TotalSizeBytes)/(1024*1024)*100)) / 100
	return s
}
