// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package jlog

import (
	"os"
	"path/filepath"

	"github.com/ichernetsky/jlog/jlogfile"
)

// repairBlockSize is the stride repairDatafile advances by, past a
// corrupt point, while probing for a later run of records that still
// parses cleanly through to the end of the file.
const repairBlockSize = 4096

// repairDatafile scans log's data file from the start, validating record
// framing, and truncates at the first offset it cannot parse cleanly. If
// an offset a whole number of repairBlockSize strides past that point
// still parses as a clean run of records
// through to the end of the file, the intervening corrupt region is
// compacted out by copying that surviving suffix down over the gap
// instead of discarding it outright. It returns the file's length after
// repair.
func (c *Ctx) repairDatafile(log uint32) (int64, error) {
	path := segDataPath(c.dir, log)
	f, err := jlogfile.Open(path, os.O_RDWR, c.fileMode)
	if err != nil {
		return 0, newError(KindFileOpen, err)
	}
	defer f.Close()

	if err := f.Lock(); err != nil {
		return 0, newError(KindLock, err)
	}
	defer f.Unlock()

	size, err := f.Size()
	if err != nil {
		return 0, newError(KindFileSeek, err)
	}

	meta := c.meta.get()

	good := int64(0)
	for good < size {
		hdr, ok, err := readHeaderAt(f, good, size, meta.hdrMagic)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		next := good + int64(headerSize) + int64(hdr.mlen)
		if next > size {
			break
		}
		good = next
	}

	if good == size {
		c.logger.Info().Uint32("segment", log).Msg("repair: datafile already clean")
		return size, nil
	}

	if recovered := scanForRecoveryPoint(f, good, size, meta.hdrMagic); recovered > good {
		n := size - recovered
		buf := make([]byte, n)
		if _, err := f.Pread(buf, recovered); err != nil {
			return 0, newError(KindFileRead, err)
		}
		if _, err := f.Pwrite(buf, good); err != nil {
			return 0, newError(KindFileWrite, err)
		}
		good += n
	}

	if err := f.Truncate(good); err != nil {
		return 0, newError(KindFileWrite, err)
	}
	if meta.safety == SafetySynced {
		if err := f.Sync(); err != nil {
			return 0, newError(KindFileWrite, err)
		}
	}

	c.logger.Warn().Uint32("segment", log).Int64("truncated_to", good).Msg("repair: datafile compacted")
	return good, nil
}

// scanForRecoveryPoint probes forward from a corrupt offset in
// repairBlockSize strides looking for a position from which every record
// parses cleanly through to the end of the file. It returns from
// unchanged if no such position exists.
func scanForRecoveryPoint(f *jlogfile.File, from, size int64, magic uint32) int64 {
	for probe := from + repairBlockSize; probe < size; probe += repairBlockSize {
		if validChainFrom(f, probe, size, magic) {
			return probe
		}
	}
	return from
}

func validChainFrom(f *jlogfile.File, off, size int64, magic uint32) bool {
	for off < size {
		hdr, ok, err := readHeaderAt(f, off, size, magic)
		if err != nil || !ok {
			return false
		}
		off += int64(headerSize) + int64(hdr.mlen)
	}
	return off == size
}

// RepairSegment runs datafile repair on segment log directly, regardless
// of whether it is still the writer's current segment. This is the
// explicit admin operation; the index engine's own retry path (see
// resync) invokes the unexported form automatically, but only ever for
// immutable segments.
func (c *Ctx) RepairSegment(log uint32) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.repairDatafile(log)
}

// RepairMetastore verifies the metastore against
// (latest_segment_id, default_unit_limit, safety=synced, default_magic)
// per §4.7, recreating it from those values if it is missing, too short
// to be a legal 12- or 16-byte record, or holds any other value.
// latest_segment_id is the highest segment id currently present on disk,
// not 0, so an already-rotated-past segment is never made writable again.
func (c *Ctx) RepairMetastore() error {
	size, err := c.meta.file.Size()
	if err != nil {
		return newError(KindMetaOpen, err)
	}

	logs, err := listSegments(c.dir)
	if err != nil {
		return err
	}
	var latest uint32
	for _, l := range logs {
		if l > latest {
			latest = l
		}
	}

	want := metastoreFields{
		storageLog: latest,
		unitLimit:  DefaultUnitLimit,
		safety:     SafetySynced,
		hdrMagic:   DefaultHdrMagic,
	}

	if size >= metastoreSizeLegacy && c.meta.get() == want {
		return nil
	}

	c.logger.Warn().Uint32("storage_log", latest).Msg("repair: metastore reset")
	return c.meta.initialize(want)
}

// RepairCheckpoint rewrites a checkpoint file for subscriber name back to
// a safe value, (earliest_segment_id, 0), whenever its stored contents
// are not exactly that pair, per §4.7 ("if its two 32-bit words are not
// (earliest_segment_id, 0), rewrite them"); a checkpoint that is not even
// 8 bytes is always rewritten on that basis alone.
func (c *Ctx) RepairCheckpoint(name string) error {
	path := checkpointPath(c.dir, name)
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return newError(KindCheckpoint, err)
	}

	first, err := firstLogID(c.dir)
	if err != nil {
		return err
	}
	want := ID{Log: first, Marker: 0}

	if fi.Size() == checkpointSize {
		got, err := readCheckpoint(path)
		if err != nil {
			return err
		}
		if got == want {
			return nil
		}
	}

	c.logger.Warn().Str("subscriber", name).Msg("repair: checkpoint reset")
	return writeCheckpoint(path, want, c.fileMode)
}

// RepairDirectory repairs the metastore, every immutable (non-writer)
// segment's datafile and index, and every checkpoint. If that
// non-aggressive pass fails and aggressive is true, it falls back to
// §4.7's literal last-resort: unlink every file in the directory and
// rmdir the directory itself. Failures during that wipe are reported but
// not partially rolled back — it keeps trying every remaining entry
// rather than leaving some files deleted and others not based on where
// the first error happened.
func (c *Ctx) RepairDirectory(aggressive bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.repairDirectoryBestEffort(); err != nil {
		if !aggressive {
			return err
		}
		c.logger.Error().Err(err).Msg("repair: non-aggressive repair failed, wiping directory")
		return c.wipeDirectory()
	}
	return nil
}

func (c *Ctx) repairDirectoryBestEffort() error {
	if err := c.RepairMetastore(); err != nil {
		return err
	}

	meta := c.meta.get()
	logs, err := listSegments(c.dir)
	if err != nil {
		return err
	}

	for _, l := range logs {
		if l >= meta.storageLog {
			continue // current or future writer segment: never touched by repair
		}
		if _, err := c.repairDatafile(l); err != nil {
			return err
		}
		if _, err := c.resync(l); err != nil {
			return err
		}
	}

	subs, err := c.ListSubscribers()
	if err != nil {
		return err
	}
	for name := range subs {
		if err := c.RepairCheckpoint(name); err != nil {
			return err
		}
	}

	return nil
}

// wipeDirectory unlinks every entry in the journal directory and then the
// directory itself, per §4.7's aggressive directory repair.
func (c *Ctx) wipeDirectory() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return newError(KindOpen, err)
	}

	var firstErr error
	for _, e := range entries {
		if rerr := os.Remove(filepath.Join(c.dir, e.Name())); rerr != nil && firstErr == nil {
			firstErr = newError(KindFileWrite, rerr)
		}
	}
	if rerr := os.Remove(c.dir); rerr != nil && firstErr == nil {
		firstErr = newError(KindFileWrite, rerr)
	}
	return firstErr
}
