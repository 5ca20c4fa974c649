// Copyright 2026 The KDBX Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package keepass

import (
	"testing"
	"time"
)

func TestTimeFormatRoundTrip(t *testing.T) {
	times := []time.Time{
		time.Date(2024, time.March, 15, 12, 34, 56, 0, time.UTC),
		time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(1932, time.June, 1, 8, 0, 1, 0, time.UTC),
		time.Date(2999, time.December, 28, 23, 59, 59, 0, time.UTC),
	}
	for _, want := range times {
		got, err := parseTime(formatTime(want))
		if err != nil {
			t.Errorf("%v: parseTime: %v", want, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("round trip %v = %v", want, got)
		}
	}
}

func TestParseTimeISO8601(t *testing.T) {
	got, err := parseTime("2020-02-29T23:59:01Z")
	if err != nil {
		t.Fatal("parseTime:", err)
	}
	want := time.Date(2020, time.February, 29, 23, 59, 1, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("parseTime = %v; want %v", got, want)
	}
}

func TestParseTimeRejectsGarbage(t *testing.T) {
	if _, err := parseTime("not a timestamp at all!"); err == nil {
		t.Error("garbage timestamp accepted")
	}
	// Valid base64 but too short to hold a second count.
	if _, err := parseTime("AAAA"); err == nil {
		t.Error("short base64 timestamp accepted")
	}
}

func TestKnownEncoding(t *testing.T) {
	// 0001-01-01T00:00:00 encodes as zero seconds.
	if got := formatTime(kdbxEpoch); got != "AAAAAAAAAAA=" {
		t.Errorf("epoch encodes as %q", got)
	}
}

func TestTouch(t *testing.T) {
	var ti Times
	ti.Touch()
	if ti.LastModification.IsZero() || ti.LastAccess.IsZero() {
		t.Error("Touch did not stamp modification/access times")
	}
	if !ti.Creation.IsZero() {
		t.Error("Touch must not alter the creation time")
	}
}
