// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package jlog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMetastoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	ms, err := openMetastore(dir, 0o640, true, metastoreFields{
		storageLog: 0,
		unitLimit:  DefaultUnitLimit,
		safety:     DefaultSafety,
		hdrMagic:   DefaultHdrMagic,
	})
	if err != nil {
		t.Fatalf("openMetastore: %s", err)
	}
	defer ms.close()

	got := ms.get()
	if got.unitLimit != DefaultUnitLimit || got.safety != DefaultSafety || got.hdrMagic != DefaultHdrMagic {
		t.Fatalf("get() = %+v, want defaults", got)
	}

	if err := ms.lock(); err != nil {
		t.Fatalf("lock: %s", err)
	}
	got.storageLog = 7
	if err := ms.set(got); err != nil {
		t.Fatalf("set: %s", err)
	}
	if err := ms.unlock(); err != nil {
		t.Fatalf("unlock: %s", err)
	}

	if ms.get().storageLog != 7 {
		t.Fatalf("storageLog after set = %d, want 7", ms.get().storageLog)
	}
}

func TestMetastoreLegacyUpgrade(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, metastoreName)

	legacy := make([]byte, metastoreSizeLegacy)
	byteOrder.PutUint32(legacy[0:4], 3)
	byteOrder.PutUint32(legacy[4:8], DefaultUnitLimit)
	byteOrder.PutUint32(legacy[8:12], uint32(SafetySynced))
	if err := os.WriteFile(path, legacy, 0o640); err != nil {
		t.Fatalf("seed legacy metastore: %s", err)
	}

	ms, err := openMetastore(dir, 0o640, false, metastoreFields{})
	if err != nil {
		t.Fatalf("openMetastore: %s", err)
	}
	defer ms.close()

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %s", err)
	}
	if fi.Size() != metastoreSize {
		t.Fatalf("legacy metastore not upgraded: size = %d, want %d", fi.Size(), metastoreSize)
	}

	got := ms.get()
	if got.storageLog != 3 || got.hdrMagic != 0 {
		t.Fatalf("get() after upgrade = %+v, want storageLog=3 hdrMagic=0", got)
	}
}
