// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package jlog

import (
	"encoding/binary"
)

// resyncResult is the outcome of extending a segment's index up to the
// last committed record.
type resyncResult struct {
	last   ID
	closed bool
}

// resync builds or extends the index for segment log by scanning the data
// file from the last indexed offset forward. It holds the index file's
// advisory lock for the duration, and on detected corruption either
// retries locally (if the writer might still extend the segment) or
// invokes datafile repair (if the segment is immutable), up to four
// attempts total.
func (c *Ctx) resync(log uint32) (resyncResult, error) {
	idxFile, err := c.ensureIndexOpen(log)
	if err != nil {
		return resyncResult{}, err
	}

	if err := idxFile.Lock(); err != nil {
		return resyncResult{}, newError(KindLock, err)
	}
	defer func() { _ = idxFile.Unlock() }()

	// Per spec.md §4.3 Retry: a mutable segment (the writer might still
	// extend it) gets truncated-and-retried exactly once; an immutable
	// segment gets datafile repair and a fresh resync, up to four attempts
	// total. mutableRetries tracks how many of those retries have already
	// been spent while the segment looked mutable.
	mutableRetries := 0
	for attempt := 0; attempt < 4; attempt++ {
		immutable := log < c.meta.get().storageLog
		if !immutable && mutableRetries >= 1 {
			break
		}

		res, retry, err := c.resyncOnce(log)
		if err == nil {
			return res, nil
		}
		if !retry {
			return resyncResult{}, err
		}
		if !immutable {
			mutableRetries++
		}
		// resyncOnce already truncated the index to a safe boundary (or,
		// for an immutable segment, ran datafile repair) before returning
		// retry=true; loop around and try again.
	}

	return resyncResult{}, newError(KindIdxCorrupt, nil)
}

// resyncOnce runs the scan-and-extend protocol a single time. retry is
// true when the caller should truncate/repair and try again rather than
// surface err to the application.
func (c *Ctx) resyncOnce(log uint32) (res resyncResult, retry bool, err error) {
	meta := c.meta.get()
	immutable := log < meta.storageLog

	if log > meta.storageLog && !segmentExists(c.dir, log) {
		return resyncResult{}, false, newError(KindIllegalLogID, nil)
	}

	dataFile, err := c.ensureDataOpenForWrite(log)
	if err != nil {
		return resyncResult{}, false, err
	}

	dataLen, err := dataFile.Size()
	if err != nil {
		return resyncResult{}, false, newError(KindFileSeek, err)
	}

	idxFile := c.indexFile
	indexOff, err := idxFile.Size()
	if err != nil {
		return resyncResult{}, false, newError(KindIdxSeek, err)
	}

	if indexOff%indexEntrySize != 0 {
		return c.restartIndex(log, immutable, indexOff)
	}

	var dataOff int64
	if indexOff > indexEntrySize {
		lastEntry, err := readIndexEntry(idxFile, indexOff-indexEntrySize)
		if err != nil {
			return resyncResult{}, false, newError(KindIdxRead, err)
		}

		if lastEntry == 0 {
			// Sealed: trailing zero marker already written.
			marker := uint32(indexOff/indexEntrySize) - 1
			return resyncResult{last: ID{Log: log, Marker: marker}, closed: true}, false, nil
		}

		if int64(lastEntry) > dataLen {
			return c.restartIndex(log, immutable, indexOff)
		}
		dataOff = int64(lastEntry)
	}

	if indexOff > 0 {
		hdr, ok, err := readHeaderAt(dataFile, dataOff, dataLen, meta.hdrMagic)
		if err != nil {
			return resyncResult{}, false, err
		}
		if !ok {
			return c.restartIndex(log, immutable, indexOff)
		}
		dataOff += int64(headerSize) + int64(hdr.mlen)
		if dataOff > dataLen {
			return c.restartIndex(log, immutable, indexOff)
		}
	}

	marker := uint32(indexOff / indexEntrySize)
	buf := make([]uint64, 0, maxFlushBatch)
	flushBase := indexOff

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := writeIndexEntries(idxFile, flushBase, buf); err != nil {
			return newError(KindIdxWrite, err)
		}
		flushBase += int64(len(buf)) * indexEntrySize
		buf = buf[:0]
		return nil
	}

	for {
		hdr, ok, err := readHeaderAt(dataFile, dataOff, dataLen, meta.hdrMagic)
		if err != nil {
			return resyncResult{}, false, err
		}
		if !ok {
			// Header claims magic mismatch: corrupt.
			if flushErr := flush(); flushErr != nil {
				return resyncResult{}, false, flushErr
			}
			if hdr.magicChecked && !hdr.magicOK {
				return resyncResult{}, false, newError(KindFileCorrupt, nil)
			}
			// Doesn't fit in data_len: stop scanning, not an error.
			break
		}

		if dataOff+int64(headerSize)+int64(hdr.mlen) > dataLen {
			if err := flush(); err != nil {
				return resyncResult{}, false, err
			}
			break
		}

		buf = append(buf, uint64(dataOff))
		marker++
		dataOff += int64(headerSize) + int64(hdr.mlen)

		if len(buf) >= maxFlushBatch {
			if err := flush(); err != nil {
				return resyncResult{}, false, err
			}
		}
	}

	if err := flush(); err != nil {
		return resyncResult{}, false, err
	}

	sealed := false
	if immutable && dataOff == dataLen {
		// Refuse to seal an empty index: offset 0 would be ambiguous with
		// "offset 0, record 1".
		finalOff, err := idxFile.Size()
		if err != nil {
			return resyncResult{}, false, newError(KindIdxSeek, err)
		}
		if finalOff > 0 {
			if err := writeIndexEntries(idxFile, finalOff, []uint64{0}); err != nil {
				return resyncResult{}, false, newError(KindIdxWrite, err)
			}
			sealed = true
		}
	}

	return resyncResult{last: ID{Log: log, Marker: marker}, closed: sealed}, false, nil
}

// restartIndex truncates the index to the last known good boundary (for a
// segment the writer might still extend) or runs datafile repair and
// truncates to zero (for an immutable segment), then tells the caller to
// retry.
func (c *Ctx) restartIndex(log uint32, immutable bool, badOff int64) (resyncResult, bool, error) {
	if !immutable {
		// Drop a partial trailing entry, or else the last whole entry, whose
		// record failed validation.
		safeOff := (badOff / indexEntrySize) * indexEntrySize
		if safeOff == badOff && safeOff > 0 {
			safeOff -= indexEntrySize
		}
		if err := c.indexFile.Truncate(safeOff); err != nil {
			return resyncResult{}, false, newError(KindIdxWrite, err)
		}
		return resyncResult{}, true, nil
	}

	if _, err := c.repairDatafile(log); err != nil {
		return resyncResult{}, false, err
	}
	if err := c.indexFile.Truncate(0); err != nil {
		return resyncResult{}, false, newError(KindIdxWrite, err)
	}
	return resyncResult{}, true, nil
}

type recordHeader struct {
	magic        uint32
	tvSec        uint32
	tvUsec       uint32
	mlen         uint32
	magicChecked bool
	magicOK      bool
}

// readHeaderAt reads and validates the header at off against expectedMagic.
// ok is false either when the header doesn't fit within dataLen (caller
// should stop, not fail) or when it fits but the magic doesn't match
// (caller should treat as corruption); magicChecked/magicOK distinguish
// the two cases.
func readHeaderAt(dataFile dataReaderAt, off, dataLen int64, expectedMagic uint32) (recordHeader, bool, error) {
	if off+int64(headerSize) > dataLen {
		return recordHeader{}, false, nil
	}

	buf := make([]byte, headerSize)
	if _, err := dataFile.Pread(buf, off); err != nil {
		return recordHeader{}, false, newError(KindFileRead, err)
	}

	hdr := decodeHeader(buf)
	hdr.magicChecked = true
	hdr.magicOK = hdr.magic == expectedMagic
	if !hdr.magicOK {
		return hdr, false, nil
	}

	return hdr, true, nil
}

// dataReaderAt is satisfied by *jlogfile.File and by readerAtBytes
// (verify.go), so readHeaderAt can read through a file handle or an
// already-mapped segment.
type dataReaderAt interface {
	Pread(b []byte, off int64) (int, error)
}

func decodeHeader(b []byte) recordHeader {
	return recordHeader{
		magic:  byteOrder.Uint32(b[0:4]),
		tvSec:  byteOrder.Uint32(b[4:8]),
		tvUsec: byteOrder.Uint32(b[8:12]),
		mlen:   byteOrder.Uint32(b[12:16]),
	}
}

func encodeHeader(b []byte, hdr recordHeader) {
	byteOrder.PutUint32(b[0:4], hdr.magic)
	byteOrder.PutUint32(b[4:8], hdr.tvSec)
	byteOrder.PutUint32(b[8:12], hdr.tvUsec)
	byteOrder.PutUint32(b[12:16], hdr.mlen)
}

func readIndexEntry(f fileReaderAt, off int64) (uint64, error) {
	buf := make([]byte, indexEntrySize)
	if _, err := f.Pread(buf, off); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func writeIndexEntries(f fileWriterAt, off int64, entries []uint64) error {
	buf := make([]byte, len(entries)*indexEntrySize)
	for i, e := range entries {
		binary.LittleEndian.PutUint64(buf[i*indexEntrySize:], e)
	}
	_, err := f.Pwrite(buf, off)
	return err
}

type fileReaderAt interface {
	Pread(b []byte, off int64) (int, error)
}

type fileWriterAt interface {
	Pwrite(b []byte, off int64) (int, error)
}
