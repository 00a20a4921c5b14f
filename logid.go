// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package jlog

import "fmt"

// ID identifies a single record: Log is the 32-bit segment id it lives in,
// Marker is its 1-based ordinal within that segment. Marker 0 means "before
// the first record" and is only ever valid as a checkpoint value, never as
// an argument to ReadMessage.
type ID struct {
	Log    uint32
	Marker uint32
}

// String renders the canonical "%08x:%08x" display form.
func (id ID) String() string {
	return fmt.Sprintf("%08x:%08x", id.Log, id.Marker)
}

// Less reports whether id sorts strictly before other.
func (id ID) Less(other ID) bool {
	if id.Log != other.Log {
		return id.Log < other.Log
	}
	return id.Marker < other.Marker
}

// Before is an alias of Less kept for readability at call sites that read
// like "cur.Before(finish)".
func (id ID) Before(other ID) bool {
	return id.Less(other)
}

// ParseID parses the canonical "%08x:%08x" display form.
func ParseID(s string) (ID, error) {
	var id ID
	_, err := fmt.Sscanf(s, "%08x:%08x", &id.Log, &id.Marker)
	if err != nil {
		return ID{}, err
	}
	return id, nil
}
