// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package jlog

import (
	"errors"
	"os"
	"time"

	"github.com/ichernetsky/jlog/jlogfile"
)

// Write appends payload as a new record and returns its assigned ID. ts
// defaults to time.Now() when omitted; at most one value is honored.
//
// storage_log is only ever resolved under a brief metastore lock (§4.1
// step 1); the size-check/append itself serializes under the data
// segment's own advisory lock (§4.1 step 2, §5 "Writers ... serialize
// appends under the data file lock"), so an unrelated metastore-only
// operation such as AlterJournalSize never blocks behind a record's I/O.
// A single oversized record is never split across segments: the limit is
// only consulted before a write begins.
func (c *Ctx) Write(payload []byte, ts ...time.Time) (ID, error) {
	if c.mode != ModeAppend {
		return ID{}, newError(KindIllegalWrite, nil)
	}

	when := time.Now()
	if len(ts) > 0 {
		when = ts[0]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		seg, err := c.resolveStorageLog()
		if err != nil {
			return ID{}, err
		}

		dataFile, err := c.ensureDataOpenForWrite(seg)
		if err != nil {
			return ID{}, err
		}
		if err := dataFile.Lock(); err != nil {
			return ID{}, newError(KindLock, err)
		}

		id, rotated, err := c.writeLocked(dataFile, seg, payload, when)
		if uerr := dataFile.Unlock(); uerr != nil && err == nil {
			err = newError(KindLock, uerr)
		}
		if err != nil {
			return ID{}, err
		}
		if rotated {
			continue
		}
		return id, nil
	}
}

// resolveStorageLog reads the metastore's current storage_log under its
// own brief lock, per §4.1 step 1.
func (c *Ctx) resolveStorageLog() (uint32, error) {
	if err := c.meta.lock(); err != nil {
		return 0, err
	}
	defer c.meta.unlock()
	return c.meta.get().storageLog, nil
}

// writeLocked performs the size-check, rotate-or-append decision and the
// append itself for segment seg, with the data file's advisory lock
// already held by the caller. rotated is true when the caller must
// release the lock, re-resolve storage_log, and restart.
func (c *Ctx) writeLocked(dataFile *jlogfile.File, seg uint32, payload []byte, when time.Time) (ID, bool, error) {
	if !c.writerReady || c.writerLog != seg {
		marker, err := c.countRecords(seg)
		if err != nil {
			return ID{}, false, err
		}
		c.writerLog = seg
		c.writerMarker = marker
		c.writerReady = true
	}

	size, err := dataFile.Size()
	if err != nil {
		return ID{}, false, newError(KindFileSeek, err)
	}

	meta := c.meta.get()
	if size > 0 && size >= int64(meta.unitLimit) {
		if _, err := c.rotate(seg); err != nil {
			return ID{}, false, err
		}
		return ID{}, true, nil
	}

	hdr := recordHeader{
		magic:  meta.hdrMagic,
		tvSec:  uint32(when.Unix()),
		tvUsec: uint32(when.Nanosecond() / 1000),
		mlen:   uint32(len(payload)),
	}
	buf := make([]byte, headerSize+len(payload))
	encodeHeader(buf, hdr)
	copy(buf[headerSize:], payload)

	if _, err := dataFile.Pwrite(buf, size); err != nil {
		return ID{}, false, newError(KindFileWrite, err)
	}
	if meta.safety == SafetySynced {
		if err := dataFile.Sync(); err != nil {
			return ID{}, false, newError(KindFileWrite, err)
		}
	}

	c.writerMarker++
	c.logger.Debug().Uint32("segment", seg).Uint32("marker", c.writerMarker).Int("bytes", len(payload)).Msg("record written")
	return ID{Log: seg, Marker: c.writerMarker}, false, nil
}

// rotate creates the next segment and compare-and-increments storage_log
// in the metastore, taking the metastore lock itself (§4.1 "atomic
// increment"): re-read the metastore; if storage_log still equals
// current, increment it and persist; otherwise adopt the already-advanced
// value with no increment. Either way the writer's cached bookkeeping is
// reset by the caller on its next loop iteration.
func (c *Ctx) rotate(current uint32) (uint32, error) {
	if err := c.meta.lock(); err != nil {
		return 0, err
	}
	defer c.meta.unlock()

	meta := c.meta.get()
	if meta.storageLog != current {
		return meta.storageLog, nil
	}

	next := current + 1
	if err := createSegment(c.dir, next, c.fileMode); err != nil {
		var je *Error
		if !errors.As(err, &je) || !errors.Is(je.Errno, os.ErrExist) {
			return 0, err
		}
	}

	meta.storageLog = next
	if err := c.meta.set(meta); err != nil {
		return 0, err
	}
	c.logger.Info().Uint32("segment", next).Msg("writer rotated segment")
	return next, nil
}

// countRecords resyncs log's index and returns how many records it
// already holds, reusing the same resync path a reader uses to catch the
// index up after a restart.
func (c *Ctx) countRecords(log uint32) (uint32, error) {
	res, err := c.resync(log)
	if err != nil {
		return 0, err
	}
	return res.last.Marker, nil
}

// AlterJournalSize changes the soft per-segment size cap applied to
// future rotations. It does not affect segments already written.
func (c *Ctx) AlterJournalSize(limit uint32) error {
	if err := c.meta.lock(); err != nil {
		return err
	}
	defer c.meta.unlock()

	meta := c.meta.get()
	meta.unitLimit = limit
	return c.meta.set(meta)
}

// AlterSafety changes the durability mode applied to future writes.
func (c *Ctx) AlterSafety(s Safety) error {
	if err := c.meta.lock(); err != nil {
		return err
	}
	defer c.meta.unlock()

	meta := c.meta.get()
	meta.safety = s
	return c.meta.set(meta)
}
