// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package jlogfile is the file primitive the rest of the journal is built
// on: an opaque handle over a single path offering pread/pwrite, a
// whole-file advisory lock, size/truncate/fsync, and read-only or
// read-write memory mapping. The journal engine treats every other
// component (segments, metastore, checkpoints) as a consumer of this
// primitive and never opens a path with the raw os/syscall packages
// directly.
package jlogfile

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// File wraps a single on-disk path with the operations the journal needs.
// It is not safe for concurrent use by multiple goroutines; callers that
// need that must serialize with their own mutex, same as the rest of this
// package's single-slot-handle-per-context model.
type File struct {
	f    *os.File
	path string
}

// Open opens path with the given flags and creation mode. The file is
// created if os.O_CREATE is set in flag.
func Open(path string, flag int, mode os.FileMode) (*File, error) {
	f, err := os.OpenFile(path, flag, mode)
	if err != nil {
		return nil, err
	}
	return &File{f: f, path: path}, nil
}

// Create opens path for read-write, creating it exclusively. It fails if
// the path already exists, matching the exclusive-create semantics used by
// segment allocation.
func Create(path string, mode os.FileMode) (*File, error) {
	return Open(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, mode)
}

// Path returns the path the handle was opened with.
func (f *File) Path() string {
	return f.path
}

// Pread reads len(b) bytes starting at off, same semantics as io.ReaderAt.
func (f *File) Pread(b []byte, off int64) (int, error) {
	return f.f.ReadAt(b, off)
}

// Pwrite writes b starting at off, same semantics as io.WriterAt.
func (f *File) Pwrite(b []byte, off int64) (int, error) {
	return f.f.WriteAt(b, off)
}

// Size returns the current size of the file.
func (f *File) Size() (int64, error) {
	fi, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Truncate sets the file's size, growing or shrinking it.
func (f *File) Truncate(size int64) error {
	return f.f.Truncate(size)
}

// Sync fsyncs the file's data to durable storage.
func (f *File) Sync() error {
	return f.f.Sync()
}

// Close releases the underlying descriptor.
func (f *File) Close() error {
	return f.f.Close()
}

// Lock takes a blocking, whole-file, exclusive advisory lock. It is
// released by Unlock. Locks are per-descriptor: a process holding the lock
// through one File can take it again through another File on the same
// path only after the first is released.
func (f *File) Lock() error {
	return unix.Flock(int(f.f.Fd()), unix.LOCK_EX)
}

// Unlock releases a lock taken with Lock.
func (f *File) Unlock() error {
	return unix.Flock(int(f.f.Fd()), unix.LOCK_UN)
}

// Mapping is a memory-mapped view over a File's current contents. The
// view does not grow automatically when the file grows; callers must
// Unmap and remap to see an extended length.
type Mapping struct {
	mm mmap.MMap
}

// MapReadOnly maps the entire file read-only.
func (f *File) MapReadOnly() (*Mapping, error) {
	mm, err := mmap.Map(f.f, mmap.RDONLY, 0)
	if err != nil {
		return nil, err
	}
	return &Mapping{mm: mm}, nil
}

// MapReadWrite maps the entire file read-write. Writes through the
// returned slice are visible to every other process with the same file
// mapped, which is how the metastore's storage_log is shared without an
// explicit IPC channel.
func (f *File) MapReadWrite() (*Mapping, error) {
	mm, err := mmap.Map(f.f, mmap.RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Mapping{mm: mm}, nil
}

// Bytes returns the mapped region. Every read or write through it must be
// bounds-checked by the caller; a wild offset faults the process instead
// of returning an error.
func (m *Mapping) Bytes() []byte {
	return m.mm
}

// Sync flushes the mapping's dirty pages back to the file. msync is
// synchronous; there is no async variant exposed since every caller in
// this package already knows whether it wants synced durability.
func (m *Mapping) Sync() error {
	return m.mm.Flush()
}

// Unmap releases the mapping. The Mapping must not be used afterwards.
func (m *Mapping) Unmap() error {
	return m.mm.Unmap()
}
