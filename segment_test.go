// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package jlog

import (
	"os"
	"testing"
)

func TestSegName(t *testing.T) {
	if got, want := segName(0xdeadbeef), "deadbeef"; got != want {
		t.Fatalf("segName = %q, want %q", got, want)
	}
}

func TestParseSegName(t *testing.T) {
	log, ok := parseSegName("0000000a")
	if !ok || log != 10 {
		t.Fatalf("parseSegName(%q) = (%d, %v), want (10, true)", "0000000a", log, ok)
	}

	if _, ok := parseSegName("0000000a.idx"); ok {
		t.Fatalf("parseSegName should reject sibling index filenames")
	}
	if _, ok := parseSegName("metastore"); ok {
		t.Fatalf("parseSegName should reject the metastore filename")
	}
	if _, ok := parseSegName("cp.737562"); ok {
		t.Fatalf("parseSegName should reject checkpoint filenames")
	}
}

func TestListSegments(t *testing.T) {
	dir := t.TempDir()

	for _, log := range []uint32{2, 0, 1} {
		if err := createSegment(dir, log, 0o640); err != nil {
			t.Fatalf("createSegment(%d): %s", log, err)
		}
	}

	logs, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments: %s", err)
	}
	want := []uint32{0, 1, 2}
	if len(logs) != len(want) {
		t.Fatalf("listSegments = %v, want %v", logs, want)
	}
	for i := range want {
		if logs[i] != want[i] {
			t.Fatalf("listSegments = %v, want %v", logs, want)
		}
	}
}

func TestFirstLogIDEmpty(t *testing.T) {
	dir := t.TempDir()
	first, err := firstLogID(dir)
	if err != nil {
		t.Fatalf("firstLogID: %s", err)
	}
	if first != 0 {
		t.Fatalf("firstLogID on empty dir = %d, want 0", first)
	}
}

func TestDeleteSegmentTolerant(t *testing.T) {
	dir := t.TempDir()
	if err := deleteSegment(dir, 99); err != nil {
		t.Fatalf("deleteSegment on missing files should not error, got %s", err)
	}

	if err := createSegment(dir, 1, 0o640); err != nil {
		t.Fatalf("createSegment: %s", err)
	}
	if err := deleteSegment(dir, 1); err != nil {
		t.Fatalf("deleteSegment: %s", err)
	}
	if _, err := os.Stat(segDataPath(dir, 1)); !os.IsNotExist(err) {
		t.Fatalf("expected data file to be removed")
	}
}
