// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package jlog

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ichernetsky/jlog/jlogfile"
)

// NewSubscriberName generates a random name suitable for an ephemeral
// subscriber that doesn't need a stable identity across process restarts
// (e.g. a one-off tail command).
func NewSubscriberName() string {
	return uuid.NewString()
}

const checkpointSize = 8 // log(u32) | marker(u32)

const checkpointPrefix = "cp."

func hexEncode(name string) string {
	return hex.EncodeToString([]byte(name))
}

func hexDecode(enc string) (string, bool) {
	b, err := hex.DecodeString(enc)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func readCheckpoint(path string) (ID, error) {
	f, err := jlogfile.Open(path, os.O_RDONLY, 0)
	if err != nil {
		return ID{}, newError(KindCheckpoint, err)
	}
	defer f.Close()

	if err := f.Lock(); err != nil {
		return ID{}, newError(KindLock, err)
	}
	defer f.Unlock()

	buf := make([]byte, checkpointSize)
	n, err := f.Pread(buf, 0)
	if err != nil && n != checkpointSize {
		return ID{}, newError(KindCheckpoint, err)
	}

	return ID{
		Log:    byteOrder.Uint32(buf[0:4]),
		Marker: byteOrder.Uint32(buf[4:8]),
	}, nil
}

func writeCheckpoint(path string, id ID, mode os.FileMode) error {
	buf := make([]byte, checkpointSize)
	byteOrder.PutUint32(buf[0:4], id.Log)
	byteOrder.PutUint32(buf[4:8], id.Marker)

	f, err := jlogfile.Open(path, os.O_RDWR|os.O_CREATE, mode)
	if err != nil {
		return newError(KindCheckpoint, err)
	}
	defer f.Close()

	if err := f.Lock(); err == nil {
		defer f.Unlock()
	}

	if _, err := f.Pwrite(buf, 0); err != nil {
		return newError(KindCheckpoint, err)
	}
	return nil
}

// Whence selects where a newly registered subscriber's checkpoint starts.
type Whence int

const (
	// WhenceBegin starts the subscriber at the oldest retained segment.
	WhenceBegin Whence = iota
	// WhenceEnd starts the subscriber at the current write tail, so it
	// only observes records written after registration.
	WhenceEnd
)

// AddSubscriber registers a new named subscriber. WhenceBegin starts it
// at the oldest retained segment; WhenceEnd starts it at the current
// write tail. It fails if the subscriber already exists.
func (c *Ctx) AddSubscriber(name string, whence Whence) error {
	path := checkpointPath(c.dir, name)
	if _, err := os.Stat(path); err == nil {
		return newError(KindSubscriberExists, nil)
	}

	var start ID
	switch whence {
	case WhenceBegin:
		first, err := firstLogID(c.dir)
		if err != nil {
			return err
		}
		start = ID{Log: first, Marker: 0}
	case WhenceEnd:
		c.mu.Lock()
		meta := c.meta.get()
		res, err := c.resync(meta.storageLog)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		start = res.last
	default:
		return newError(KindInvalidSubscriber, nil)
	}

	return writeCheckpoint(path, start, c.fileMode)
}

// AddSubscriberCopyCheckpoint registers newName starting from src's
// current checkpoint, the same operation the original implementation
// calls jlog_ctx_add_subscriber_copy_checkpoint: useful for splitting one
// subscriber's backlog into two independently-advancing readers.
func (c *Ctx) AddSubscriberCopyCheckpoint(newName, src string) error {
	path := checkpointPath(c.dir, newName)
	if _, err := os.Stat(path); err == nil {
		return newError(KindSubscriberExists, nil)
	}

	id, err := readCheckpoint(checkpointPath(c.dir, src))
	if err != nil {
		return err
	}
	return writeCheckpoint(path, id, c.fileMode)
}

// RemoveSubscriber deletes a subscriber's checkpoint. It does not itself
// unlink any segment; the next retention sweep will do that once the
// remaining subscribers no longer need them.
func (c *Ctx) RemoveSubscriber(name string) error {
	path := checkpointPath(c.dir, name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return newError(KindInvalidSubscriber, err)
		}
		return newError(KindCheckpoint, err)
	}
	return nil
}

// ListSubscribers returns every registered subscriber name and its
// current checkpoint.
func (c *Ctx) ListSubscribers() (map[string]ID, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, newError(KindOpen, err)
	}

	out := make(map[string]ID)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), checkpointPrefix) {
			continue
		}
		enc := strings.TrimPrefix(e.Name(), checkpointPrefix)
		name, ok := hexDecode(enc)
		if !ok {
			continue
		}
		id, err := readCheckpoint(filepath.Join(c.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, nil
}

// ReadCheckpoint returns the subscriber's current position.
func (c *Ctx) ReadCheckpoint() (ID, error) {
	return readCheckpoint(checkpointPath(c.dir, c.subscriber))
}

// SetCheckpoint advances the subscriber's durable position to id and then
// runs a retention sweep: any segment strictly older than the minimum
// checkpoint across every subscriber, and older than the writer's current
// segment, is unlinked.
func (c *Ctx) SetCheckpoint(id ID) error {
	if c.mode != ModeRead {
		return newError(KindIllegalCheckpoint, nil)
	}

	f, err := c.ensureCheckpointOpen(c.subscriber)
	if err != nil {
		return err
	}
	if err := f.Lock(); err != nil {
		return newError(KindLock, err)
	}
	defer f.Unlock()

	buf := make([]byte, checkpointSize)
	byteOrder.PutUint32(buf[0:4], id.Log)
	byteOrder.PutUint32(buf[4:8], id.Marker)
	if _, err := f.Pwrite(buf, 0); err != nil {
		return newError(KindCheckpoint, err)
	}
	if c.meta.get().safety == SafetySynced {
		if err := f.Sync(); err != nil {
			return newError(KindCheckpoint, err)
		}
	}

	return c.sweepRetention()
}

// PendingReaders returns the minimum checkpoint across every subscriber,
// i.e. the oldest segment still needed by any reader. It returns ok=false
// if there are no subscribers at all, in which case nothing is retained
// on their account.
func (c *Ctx) PendingReaders() (ID, bool, error) {
	subs, err := c.ListSubscribers()
	if err != nil {
		return ID{}, false, err
	}
	if len(subs) == 0 {
		return ID{}, false, nil
	}

	var min ID
	first := true
	for _, id := range subs {
		if first || id.Less(min) {
			min = id
			first = false
		}
	}
	return min, true, nil
}

// sweepRetention deletes every segment older than the slowest subscriber's
// checkpoint, whether or not its index was ever sealed. The current writer
// segment is never removed, and a segment at exactly the minimum
// checkpoint's Log is kept (it may still be the segment that checkpoint's
// Marker points into).
func (c *Ctx) sweepRetention() error {
	min, ok, err := c.PendingReaders()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	logs, err := listSegments(c.dir)
	if err != nil {
		return err
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i] < logs[j] })

	storageLog := c.meta.get().storageLog
	for _, l := range logs {
		if l >= min.Log || l >= storageLog {
			break
		}
		if err := deleteSegment(c.dir, l); err != nil {
			return err
		}
		c.logger.Info().Uint32("segment", l).Msg("retention: segment unlinked")
	}
	return nil
}
