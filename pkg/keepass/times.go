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
	"encoding/base64"
	"encoding/binary"
	"time"
)

// Times holds the temporal data of a group or entry.  Timestamps have
// second precision; the codecs convert between the on-disk encodings
// (ISO-8601 text in KDBX3, seconds-from-year-1 in KDBX4) at the
// boundary.
type Times struct {
	Creation         time.Time
	LastModification time.Time
	LastAccess       time.Time
	Expiry           time.Time
	LocationChanged  time.Time
	Expires          bool
	UsageCount       uint64
}

// NewTimes stamps every timestamp with the current wall-clock time.
func NewTimes() Times {
	now := Now()
	return Times{
		Creation:         now,
		LastModification: now,
		LastAccess:       now,
		Expiry:           now,
		LocationChanged:  now,
	}
}

// Now returns the current time truncated to second precision in UTC,
// the granularity the formats can represent.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Touch updates the last-modification and last-access timestamps.
func (t *Times) Touch() {
	now := Now()
	t.LastModification = now
	t.LastAccess = now
}

// kdbxEpoch is 0001-01-01 00:00:00 UTC, the zero point of KDBX4
// timestamp serialization.
var kdbxEpoch = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)

// formatTime renders a timestamp the KDBX4 way: base64 of the
// little-endian signed second count since year 1.
func formatTime(t time.Time) string {
	secs := t.Unix() - kdbxEpoch.Unix()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(secs))
	return base64.StdEncoding.EncodeToString(buf[:])
}

// parseTime accepts both timestamp encodings: ISO-8601 text (KDBX3 and
// earlier) and the KDBX4 base64 form.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02T15:04:05Z", s); err == nil {
		return t, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(raw) < 8 {
		if err == nil {
			err = errShortTimestamp{}
		}
		return time.Time{}, err
	}
	secs := int64(binary.LittleEndian.Uint64(raw))
	return time.Unix(kdbxEpoch.Unix()+secs, 0).UTC(), nil
}

type errShortTimestamp struct{}

func (errShortTimestamp) Error() string {
	return "keepass: timestamp shorter than 8 bytes"
}
