// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package jlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/ichernetsky/jlog/jlogfile"
)

const (
	// headerSize is the on-disk size of a record header:
	// magic(u32) | tv_sec(u32) | tv_usec(u32) | mlen(u32).
	headerSize = 16
	// indexEntrySize is the width of a single packed index entry: one u64
	// byte offset into the data segment.
	indexEntrySize = 8
	// indexExt is the suffix appended to a segment's data filename to
	// produce its sibling index filename.
	indexExt = ".idx"
	// maxFlushBatch bounds how many freshly-scanned index entries resync
	// buffers before flushing them to the index file.
	maxFlushBatch = 1024
)

func segName(log uint32) string {
	return fmt.Sprintf("%08x", log)
}

func segDataPath(dir string, log uint32) string {
	return filepath.Join(dir, segName(log))
}

func segIndexPath(dir string, log uint32) string {
	return segDataPath(dir, log) + indexExt
}

// parseSegName parses an 8-lowercase-hex segment filename, rejecting
// anything that isn't exactly that (in particular, skipping sibling .idx
// files, the metastore, and cp.* checkpoint files during a directory
// scan).
func parseSegName(name string) (uint32, bool) {
	if len(name) != 8 {
		return 0, false
	}
	v, err := strconv.ParseUint(name, 16, 32)
	if err != nil || segName(uint32(v)) != name {
		return 0, false
	}
	return uint32(v), true
}

// createSegment creates a new, empty data file for log, failing if it
// already exists. It does not create the sibling index file: the index is
// created lazily on first read/resync of that segment. Data files are
// created by init (segment 0) and by the writer on rotation.
func createSegment(dir string, log uint32, mode os.FileMode) error {
	df, err := jlogfile.Create(segDataPath(dir, log), mode)
	if err != nil {
		return newError(KindFileOpen, err)
	}
	if err := df.Close(); err != nil {
		return newError(KindFileOpen, err)
	}
	return nil
}

// listSegments returns the sorted ids of every data segment file present
// in dir (siblings with the .idx suffix and other control files are
// ignored).
func listSegments(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, newError(KindOpen, err)
	}

	var logs []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if log, ok := parseSegName(e.Name()); ok {
			logs = append(logs, log)
		}
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i] < logs[j] })
	return logs, nil
}

// firstLogID scans the directory for the smallest valid hex segment name,
// returning 0 if none exist.
func firstLogID(dir string) (uint32, error) {
	logs, err := listSegments(dir)
	if err != nil {
		return 0, err
	}
	if len(logs) == 0 {
		return 0, nil
	}
	return logs[0], nil
}

// segmentExists reports whether a data file for log is present in dir.
func segmentExists(dir string, log uint32) bool {
	_, err := os.Stat(segDataPath(dir, log))
	return err == nil
}

// deleteSegment removes both the data and index files for log. Missing
// files are not an error: retention may be asked to remove a segment
// whose index was never created.
func deleteSegment(dir string, log uint32) error {
	if err := os.Remove(segDataPath(dir, log)); err != nil && !os.IsNotExist(err) {
		return newError(KindFileWrite, err)
	}
	if err := os.Remove(segIndexPath(dir, log)); err != nil && !os.IsNotExist(err) {
		return newError(KindIdxWrite, err)
	}
	return nil
}
