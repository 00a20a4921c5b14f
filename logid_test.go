// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package jlog

import "testing"

func TestIDString(t *testing.T) {
	id := ID{Log: 1, Marker: 2}
	if got, want := id.String(), "00000001:00000002"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestParseID(t *testing.T) {
	id, err := ParseID("0000000a:0000001e")
	if err != nil {
		t.Fatalf("ParseID returned error: %s", err)
	}
	if id.Log != 10 || id.Marker != 30 {
		t.Fatalf("ParseID = %+v, want {Log:10 Marker:30}", id)
	}
}

func TestIDLess(t *testing.T) {
	cases := []struct {
		a, b ID
		want bool
	}{
		{ID{0, 1}, ID{0, 2}, true},
		{ID{0, 2}, ID{0, 1}, false},
		{ID{0, 5}, ID{1, 0}, true},
		{ID{1, 0}, ID{0, 5}, false},
		{ID{1, 1}, ID{1, 1}, false},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.want {
			t.Errorf("%v.Less(%v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
