// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package jlog

import (
	"errors"
	"time"
)

// Record is a single message returned by ReadInterval: its assigned ID,
// payload, and the timestamp it was written with.
type Record struct {
	ID        ID
	Payload   []byte
	Timestamp time.Time
}

// FirstLogID returns the position immediately before the oldest record
// still retained, i.e. Marker 0 in the oldest segment present on disk.
func (c *Ctx) FirstLogID() (ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	first, err := firstLogID(c.dir)
	if err != nil {
		return ID{}, err
	}
	return ID{Log: first, Marker: 0}, nil
}

// LastLogID returns the id of the most recently written record, resyncing
// the current writer segment's index if needed to find it.
func (c *Ctx) LastLogID() (ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta := c.meta.get()
	res, err := c.resync(meta.storageLog)
	if err != nil {
		return ID{}, err
	}
	return res.last, nil
}

// ReadMessage resolves id to its payload and original write timestamp.
// Marker 0 is never a valid argument (it only ever denotes "before the
// first record" in a checkpoint). Addressing the sealed-marker slot of a
// closed segment returns ErrCloseLogID; the caller should resolve the
// next id with FindFirstLogAfter and retry there instead of treating it
// as a hard failure.
func (c *Ctx) ReadMessage(id ID) ([]byte, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readMessageLocked(id)
}

func (c *Ctx) readMessageLocked(id ID) ([]byte, time.Time, error) {
	if id.Marker == 0 {
		return nil, time.Time{}, newError(KindIllegalLogID, nil)
	}

	res, err := c.resync(id.Log)
	if err != nil {
		return nil, time.Time{}, err
	}

	if id.Marker > res.last.Marker {
		if res.closed && id.Marker == res.last.Marker+1 {
			return nil, time.Time{}, ErrCloseLogID
		}
		return nil, time.Time{}, newError(KindIllegalLogID, nil)
	}

	idxFile := c.indexFile
	offEntry, err := readIndexEntry(idxFile, int64(id.Marker-1)*indexEntrySize)
	if err != nil {
		return nil, time.Time{}, newError(KindIdxRead, err)
	}

	mm, size, err := c.ensureDataOpenForRead(id.Log)
	if err != nil {
		return nil, time.Time{}, err
	}

	off := int64(offEntry)
	if off+int64(headerSize) > size {
		return nil, time.Time{}, newError(KindFileCorrupt, nil)
	}

	data := mm.Bytes()
	hdr := decodeHeader(data[off : off+int64(headerSize)])
	meta := c.meta.get()
	if hdr.magic != meta.hdrMagic {
		return nil, time.Time{}, newError(KindFileCorrupt, nil)
	}

	end := off + int64(headerSize) + int64(hdr.mlen)
	if end > size {
		return nil, time.Time{}, newError(KindFileCorrupt, nil)
	}

	payload := make([]byte, hdr.mlen)
	copy(payload, data[off+int64(headerSize):end])
	ts := time.Unix(int64(hdr.tvSec), int64(hdr.tvUsec)*1000)
	return payload, ts, nil
}

// FindFirstLogAfter returns the first readable id strictly after id. ok is
// false when nothing newer has been written yet. It walks across a
// sealed segment boundary when id's segment has been fully consumed and
// closed, continuing past however many consecutive empty segments behind
// the writer's segment it finds (repair can leave one behind; an empty
// segment is never sealed).
func (c *Ctx) FindFirstLogAfter(id ID) (ID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findFirstLogAfterLocked(id)
}

func (c *Ctx) findFirstLogAfterLocked(id ID) (ID, bool, error) {
	cur := id
	for {
		res, err := c.resync(cur.Log)
		if err != nil {
			return ID{}, false, err
		}

		next := cur.Marker + 1
		if next <= res.last.Marker {
			return ID{Log: cur.Log, Marker: next}, true, nil
		}
		if !res.closed && (res.last.Marker != 0 || cur.Log >= c.meta.get().storageLog) {
			return ID{}, false, nil
		}

		nextLog, ok, err := c.nextSegmentAfter(cur.Log)
		if err != nil {
			return ID{}, false, err
		}
		if !ok {
			return ID{}, false, nil
		}
		cur = ID{Log: nextLog, Marker: 0}
	}
}

// nextSegmentAfter returns the smallest segment id strictly greater than
// log that currently exists on disk.
func (c *Ctx) nextSegmentAfter(log uint32) (uint32, bool, error) {
	logs, err := listSegments(c.dir)
	if err != nil {
		return 0, false, err
	}
	for _, l := range logs {
		if l > log {
			return l, true, nil
		}
	}
	return 0, false, nil
}

// ReadInterval returns up to limit records strictly after start and up to
// and including finish (a zero-value finish means "no upper bound";
// reading stops at the current write position instead). start is
// ordinarily the subscriber's own stored checkpoint (ReadCheckpoint).
//
// Per §4.5 step 3, whenever the resolved read position crosses into a new
// segment the advanced checkpoint (that segment, Marker 0) is persisted
// immediately, via the same path SetCheckpoint uses, including its
// retention sweep: a crash before the caller gets around to acknowledging
// consumed records still leaves the durable checkpoint past any segment
// already fully walked, instead of forcing a full re-resync of it next
// time this subscriber opens.
func (c *Ctx) ReadInterval(start, finish ID, limit int) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bounded := finish != (ID{})

	out := make([]Record, 0, limit)
	cur := start
	persistedLog := start.Log
	for len(out) < limit {
		next, ok, err := c.findFirstLogAfterLocked(cur)
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		if bounded && finish.Less(next) {
			break
		}

		if next.Log != persistedLog {
			if err := c.SetCheckpoint(ID{Log: next.Log, Marker: 0}); err != nil {
				return out, err
			}
			persistedLog = next.Log
		}

		payload, ts, err := c.readMessageLocked(next)
		if err != nil {
			if errors.Is(err, ErrCloseLogID) {
				cur = next
				continue
			}
			return out, err
		}

		out = append(out, Record{ID: next, Payload: payload, Timestamp: ts})
		cur = next

		if bounded && next == finish {
			break
		}
	}
	return out, nil
}
