// Package wal implements the segmented, append-only write-ahead log:
// LSN assignment, segment rotation, replay on open, and the
// compaction/reset operations used by both the Store adapter and
// follower catch-up.
//
// Records are appended once and never modified in place. Whole segments
// are removed by ClearAll and DeleteOldSegments; ClearUpTo copies the
// retained tail into a fresh segment 0 and removes the rest.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Op identifies the kind of mutation a Record represents.
type Op int

const (
	OpSet Op = iota
	OpDelete
)

func (o Op) String() string {
	if o == OpSet {
		return "SET"
	}
	return "DELETE"
}

func opFromString(s string) (Op, error) {
	switch s {
	case "SET":
		return OpSet, nil
	case "DELETE":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("%w: unknown op %q", ErrCorruptRecord, s)
	}
}

// Record is one WAL entry: an LSN, an operation, a key, and (for SET) a
// value.
type Record struct {
	LSN   uint64
	Op    Op
	Key   string
	Value string
}

// ErrWriteFailed is returned when an append could not be durably
// flushed; the caller must not advance its LSN allocator.
var ErrWriteFailed = errors.New("wal: write failed")

// ErrCorruptRecord marks a line that could not be parsed; such lines
// are skipped during recovery rather than treated as fatal.
var ErrCorruptRecord = errors.New("wal: corrupt record")

// SegmentMaxBytes is the default rotation threshold (spec default: 5 MiB).
const SegmentMaxBytes = 5 * 1024 * 1024

const fieldSep = "\t"

// WAL is a segmented append-only log rooted at a directory, named
// "<db>_<segment>.log" per segment, segments numbered from 0.
type WAL struct {
	mu sync.Mutex

	dir          string
	dbName       string
	segmentMax   int64
	log          zerolog.Logger

	currentSeq   uint64
	activeSeg    int
	activeSize   int64
	activeFile   *os.File
	activeWriter *bufio.Writer
}

// Open opens (creating if needed) the WAL rooted at dir for database
// dbName, recovering currentSeq from the last record of the
// highest-numbered non-empty segment.
func Open(dir, dbName string, segmentMax int64, log zerolog.Logger) (*WAL, error) {
	if segmentMax <= 0 {
		segmentMax = SegmentMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: creating dir %s: %w", dir, err)
	}
	w := &WAL{
		dir:        dir,
		dbName:     dbName,
		segmentMax: segmentMax,
		log:        log.With().Str("component", "wal").Str("db", dbName).Logger(),
	}
	if err := w.recover(); err != nil {
		return nil, err
	}
	if err := w.openActiveForAppend(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) segmentPath(n int) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%d.log", w.dbName, n))
}

func (w *WAL) listSegmentNumbers() ([]int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("wal: listing %s: %w", w.dir, err)
	}
	prefix := w.dbName + "_"
	var nums []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		mid := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".log")
		n, err := strconv.Atoi(mid)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

// recover scans the directory, picks the highest-numbered segment as
// active, and sets currentSeq from the last well-formed line of the
// highest-numbered segment that has one (0 if none does).
func (w *WAL) recover() error {
	nums, err := w.listSegmentNumbers()
	if err != nil {
		return err
	}
	if len(nums) == 0 {
		w.activeSeg = 0
		w.currentSeq = 0
		return nil
	}
	w.activeSeg = nums[len(nums)-1]
	var lastLSN uint64
	for _, n := range nums {
		recs, size, err := w.readSegment(n)
		if err != nil {
			return err
		}
		if n == w.activeSeg {
			w.activeSize = size
		}
		if len(recs) > 0 {
			lastLSN = recs[len(recs)-1].LSN
		}
	}
	w.currentSeq = lastLSN
	return nil
}

func (w *WAL) readSegment(n int) ([]Record, int64, error) {
	path := w.segmentPath(n)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("wal: opening segment %s: %w", path, err)
	}
	defer f.Close()

	var recs []Record
	var size int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		size += int64(len(line)) + 1
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			w.log.Warn().Str("segment", path).Str("line", line).Err(err).Msg("skipping corrupt WAL line")
			continue
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("wal: scanning segment %s: %w", path, err)
	}
	return recs, size, nil
}

func parseLine(line string) (Record, error) {
	fields := strings.Split(line, fieldSep)
	if len(fields) < 3 {
		return Record{}, ErrCorruptRecord
	}
	lsn, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Record{}, ErrCorruptRecord
	}
	op, err := opFromString(fields[1])
	if err != nil {
		return Record{}, err
	}
	key := fields[2]
	value := ""
	if len(fields) > 3 {
		value = strings.Join(fields[3:], fieldSep)
	}
	return Record{LSN: lsn, Op: op, Key: key, Value: value}, nil
}

func formatLine(r Record) string {
	if r.Op == OpDelete {
		return fmt.Sprintf("%d%s%s%s%s", r.LSN, fieldSep, r.Op, fieldSep, r.Key)
	}
	return fmt.Sprintf("%d%s%s%s%s%s%s", r.LSN, fieldSep, r.Op, fieldSep, r.Key, fieldSep, r.Value)
}

func (w *WAL) openActiveForAppend() error {
	path := w.segmentPath(w.activeSeg)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: opening active segment %s: %w", path, err)
	}
	w.activeFile = f
	w.activeWriter = bufio.NewWriter(f)
	return nil
}

func (w *WAL) closeActive() error {
	if w.activeFile == nil {
		return nil
	}
	if err := w.activeWriter.Flush(); err != nil {
		return err
	}
	err := w.activeFile.Close()
	w.activeFile = nil
	w.activeWriter = nil
	return err
}

// rotateIfNeeded closes the active segment and opens the next one if
// the size threshold has been crossed. Must be called with mu held.
func (w *WAL) rotateIfNeeded() error {
	if w.activeSize < w.segmentMax {
		return nil
	}
	if err := w.closeActive(); err != nil {
		return fmt.Errorf("wal: closing segment %d before rotation: %w", w.activeSeg, err)
	}
	w.activeSeg++
	w.activeSize = 0
	return w.openActiveForAppend()
}

func (w *WAL) append(op Op, key, value string) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	lsn := w.currentSeq + 1
	rec := Record{LSN: lsn, Op: op, Key: key, Value: value}
	line := formatLine(rec) + "\n"

	if _, err := w.activeWriter.WriteString(line); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := w.activeWriter.Flush(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := w.activeFile.Sync(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	w.activeSize += int64(len(line))
	w.currentSeq = lsn
	return lsn, nil
}

// LogSet appends a SET record, assigning the next LSN.
func (w *WAL) LogSet(key, value string) (uint64, error) {
	return w.append(OpSet, key, value)
}

// LogDelete appends a DELETE record, assigning the next LSN.
func (w *WAL) LogDelete(key string) (uint64, error) {
	return w.append(OpDelete, key, "")
}

// AppendReplicated appends a record carrying an LSN assigned by the
// leader (used on followers applying replication frames). It does not
// allocate a new LSN; it advances currentSeq to max(currentSeq, lsn).
func (w *WAL) AppendReplicated(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	line := formatLine(rec) + "\n"
	if _, err := w.activeWriter.WriteString(line); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := w.activeWriter.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := w.activeFile.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	w.activeSize += int64(len(line))
	if rec.LSN > w.currentSeq {
		w.currentSeq = rec.LSN
	}
	return nil
}

// CurrentSeq returns the last LSN assigned (the WAL's own high-water
// mark, independent of the Store's applied_lsn).
func (w *WAL) CurrentSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentSeq
}

// ReadAll concatenates every segment in ascending numeric order.
func (w *WAL) ReadAll() ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readAllLocked()
}

func (w *WAL) readAllLocked() ([]Record, error) {
	nums, err := w.listSegmentNumbers()
	if err != nil {
		return nil, err
	}
	var all []Record
	for _, n := range nums {
		recs, _, err := w.readSegment(n)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	return all, nil
}

// ReadFrom returns every record with LSN strictly greater than lsn, in
// write order.
func (w *WAL) ReadFrom(lsn uint64) ([]Record, error) {
	all, err := w.ReadAll()
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, r := range all {
		if r.LSN > lsn {
			out = append(out, r)
		}
	}
	return out, nil
}

// ClearAll removes every segment, resets currentSeq and the segment
// counter to 0, and reopens an empty active segment. Used on RESET_WAL.
func (w *WAL) ClearAll() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	nums, err := w.listSegmentNumbers()
	if err != nil {
		return err
	}
	if err := w.closeActive(); err != nil {
		return fmt.Errorf("wal: closing active segment during clear_all: %w", err)
	}
	for _, n := range nums {
		if err := os.Remove(w.segmentPath(n)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wal: removing segment %d: %w", n, err)
		}
	}
	w.activeSeg = 0
	w.activeSize = 0
	w.currentSeq = 0
	return w.openActiveForAppend()
}

// ClearUpTo removes all records with LSN <= lsn, rewriting the tail
// into a fresh segment 0 and removing the old segments. A crash
// mid-compaction leaves either the pre- or post-compaction state
// intact: the new segment is written and synced under a temp name and
// renamed into place before the old segments are removed.
func (w *WAL) ClearUpTo(lsn uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	nums, err := w.listSegmentNumbers()
	if err != nil {
		return err
	}
	all, err := w.readAllLocked()
	if err != nil {
		return err
	}
	if err := w.closeActive(); err != nil {
		return fmt.Errorf("wal: closing active segment during clear_up_to: %w", err)
	}

	var tail []Record
	for _, r := range all {
		if r.LSN > lsn {
			tail = append(tail, r)
		}
	}

	tmpPath := w.segmentPath(0) + ".compact"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: creating compaction temp file: %w", err)
	}
	bw := bufio.NewWriter(f)
	var size int64
	for _, r := range tail {
		line := formatLine(r) + "\n"
		if _, err := bw.WriteString(line); err != nil {
			f.Close()
			return fmt.Errorf("wal: writing compacted segment: %w", err)
		}
		size += int64(len(line))
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("wal: flushing compacted segment: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("wal: syncing compacted segment: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("wal: closing compacted segment: %w", err)
	}

	if err := os.Rename(tmpPath, w.segmentPath(0)); err != nil {
		return fmt.Errorf("wal: renaming compacted segment into place: %w", err)
	}
	for _, n := range nums {
		if n == 0 {
			continue
		}
		if err := os.Remove(w.segmentPath(n)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("wal: removing stale segment %d: %w", n, err)
		}
	}

	w.activeSeg = 0
	w.activeSize = size
	return w.openActiveForAppend()
}

// DeleteOldSegments removes every whole segment numbered strictly less
// than before. The active segment is never removed by this call.
func (w *WAL) DeleteOldSegments(before int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	nums, err := w.listSegmentNumbers()
	if err != nil {
		return err
	}
	for _, n := range nums {
		if n < before && n != w.activeSeg {
			if err := os.Remove(w.segmentPath(n)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("wal: removing segment %d: %w", n, err)
			}
		}
	}
	return nil
}

// Close flushes and closes the active segment file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeActive()
}
