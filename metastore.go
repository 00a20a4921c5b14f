// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package jlog

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/ichernetsky/jlog/jlogfile"
)

// Safety selects how aggressively writes are flushed to durable storage.
type Safety uint32

const (
	// SafetyFast relies on the OS page cache; no explicit fsync/msync.
	SafetyFast Safety = 0
	// SafetySynced fsyncs the data file and metastore, and MS_SYNCs the
	// metastore mapping, after every mutation.
	SafetySynced Safety = 1
)

const (
	// DefaultUnitLimit is the default soft size cap per segment, 4 MiB.
	DefaultUnitLimit = 4 * 1024 * 1024
	// DefaultSafety is the default durability mode.
	DefaultSafety = SafetySynced
	// DefaultHdrMagic is the fixed constant every record header must carry
	// to be considered valid; implementers must preserve it for
	// cross-version compatibility.
	DefaultHdrMagic = 0x3a4d4a4c // "LJM:" read little-endian

	metastoreName       = "metastore"
	metastoreSizeLegacy = 12
	metastoreSize       = 16
)

var byteOrder = binary.LittleEndian

// metastore is the directory-wide control record: the current writer
// segment id, the soft per-segment size cap, the durability mode, and the
// magic value every record header must carry. It is memory-mapped
// read-write so every process sharing the directory observes the same
// storage_log without an extra IPC channel.
type metastore struct {
	file *jlogfile.File
	mm   *jlogfile.Mapping
}

type metastoreFields struct {
	storageLog uint32
	unitLimit  uint32
	safety     Safety
	hdrMagic   uint32
}

// openMetastore opens the metastore file at dir (creating it if absent
// and create is true) and maps it read-write. If create is true and the file is new, it is
// initialized with the given defaults; otherwise legacy 12-byte files are
// upgraded in place by appending a zero word, matching the original
// format's handling of pre-magic metastores.
func openMetastore(dir string, mode os.FileMode, create bool, defaults metastoreFields) (*metastore, error) {
	path := filepath.Join(dir, metastoreName)

	flag := os.O_RDWR
	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)
	if create {
		flag |= os.O_CREATE
	}

	f, err := jlogfile.Open(path, flag, mode)
	if err != nil {
		return nil, newError(KindMetaOpen, err)
	}

	ms := &metastore{file: f}

	if isNew {
		if err := ms.initialize(defaults); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	if err := ms.ensureMapped(); err != nil {
		_ = f.Close()
		return nil, err
	}

	if err := ms.upgradeIfLegacy(); err != nil {
		return nil, err
	}

	return ms, nil
}

func (ms *metastore) initialize(defaults metastoreFields) error {
	buf := make([]byte, metastoreSize)
	putMetastore(buf, defaults)
	if _, err := ms.file.Pwrite(buf, 0); err != nil {
		return newError(KindCreateMeta, err)
	}
	return nil
}

func (ms *metastore) ensureMapped() error {
	if ms.mm != nil {
		return nil
	}

	size, err := ms.file.Size()
	if err != nil {
		return newError(KindMetaOpen, err)
	}

	// Anything shorter than the 12-byte legacy layout is not a metastore.
	// A 12-byte legacy file is mapped as is; upgradeIfLegacy grows it.
	if size < metastoreSizeLegacy {
		return newError(KindFileCorrupt, nil)
	}

	mm, err := ms.file.MapReadWrite()
	if err != nil {
		return newError(KindMetaOpen, err)
	}

	ms.mm = mm
	return nil
}

// upgradeIfLegacy detects a 12-byte metastore (no hdr_magic field) and
// appends a zero word in place, the same upgrade the original format
// performs: pre-magic journals had no concept of a header magic check, so
// the appended word is zero rather than DefaultHdrMagic.
func (ms *metastore) upgradeIfLegacy() error {
	size, err := ms.file.Size()
	if err != nil {
		return newError(KindMetaOpen, err)
	}

	if size != metastoreSizeLegacy {
		return nil
	}

	if err := ms.mm.Unmap(); err != nil {
		return newError(KindMetaOpen, err)
	}
	ms.mm = nil

	zero := make([]byte, 4)
	if _, err := ms.file.Pwrite(zero, metastoreSizeLegacy); err != nil {
		return newError(KindCreateMeta, err)
	}

	return ms.ensureMapped()
}

func putMetastore(b []byte, f metastoreFields) {
	byteOrder.PutUint32(b[0:4], f.storageLog)
	byteOrder.PutUint32(b[4:8], f.unitLimit)
	byteOrder.PutUint32(b[8:12], uint32(f.safety))
	byteOrder.PutUint32(b[12:16], f.hdrMagic)
}

func getMetastore(b []byte) metastoreFields {
	var f metastoreFields
	f.storageLog = byteOrder.Uint32(b[0:4])
	f.unitLimit = byteOrder.Uint32(b[4:8])
	f.safety = Safety(byteOrder.Uint32(b[8:12]))
	if len(b) >= 16 {
		f.hdrMagic = byteOrder.Uint32(b[12:16])
	}
	return f
}

// get returns a snapshot of the current fields. Callers must hold the
// metastore lock for any read that needs to be consistent with a
// subsequent write (e.g. the rotation compare-and-increment).
func (ms *metastore) get() metastoreFields {
	return getMetastore(ms.mm.Bytes())
}

// set writes new fields into the mapping and, for synced safety, flushes
// them to durable storage immediately.
func (ms *metastore) set(f metastoreFields) error {
	putMetastore(ms.mm.Bytes(), f)
	if f.safety == SafetySynced {
		if err := ms.mm.Sync(); err != nil {
			return newError(KindCreateMeta, err)
		}
		if err := ms.file.Sync(); err != nil {
			return newError(KindCreateMeta, err)
		}
	}
	return nil
}

func (ms *metastore) lock() error {
	if err := ms.file.Lock(); err != nil {
		return newError(KindLock, err)
	}
	return nil
}

func (ms *metastore) unlock() error {
	if err := ms.file.Unlock(); err != nil {
		return newError(KindLock, err)
	}
	return nil
}

func (ms *metastore) close() error {
	if ms.mm != nil {
		if err := ms.mm.Unmap(); err != nil {
			return err
		}
		ms.mm = nil
	}
	return ms.file.Close()
}
