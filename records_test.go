//go:build linux

/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package devmapper

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// appendNameListRecord builds one dm_name_list record the way the
// kernel lays it out, returning the buffer with the record appended.
// last controls the next offset: zero for the final record, the record
// size otherwise.
func appendNameListRecord(buf []byte, dev Device, name string, eventNr uint32, withEvent, last bool) []byte {
	recSize := alignTo(12+uint64(len(name))+1, 8)
	if withEvent {
		recSize += 8
	}
	next := uint32(recSize)
	if last {
		next = 0
	}

	rec := make([]byte, recSize)
	packed, ok := dev.KdevT()
	if !ok {
		panic("test device not representable as kdev_t")
	}
	binary.NativeEndian.PutUint64(rec[0:8], uint64(packed))
	binary.NativeEndian.PutUint32(rec[8:12], next)
	copy(rec[12:], name)
	if withEvent {
		binary.NativeEndian.PutUint32(rec[alignTo(12+uint64(len(name))+1, 8):], eventNr)
	}
	return append(buf, rec...)
}

func TestParseNameList(t *testing.T) {
	var buf []byte
	buf = appendNameListRecord(buf, Device{Major: 254, Minor: 0}, "alpha", 7, true, false)
	buf = appendNameListRecord(buf, Device{Major: 254, Minor: 1}, "beta", 9, true, true)

	entries, err := parseNameList(buf, true)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, DeviceName("alpha"), entries[0].Name)
	assert.Equal(t, Device{Major: 254, Minor: 0}, entries[0].Dev)
	assert.True(t, entries[0].EventNumberValid)
	assert.EqualValues(t, 7, entries[0].EventNumber)

	assert.Equal(t, DeviceName("beta"), entries[1].Name)
	assert.Equal(t, Device{Major: 254, Minor: 1}, entries[1].Dev)
	assert.True(t, entries[1].EventNumberValid)
	assert.EqualValues(t, 9, entries[1].EventNumber)
}

func TestParseNameListWithoutEventNumbers(t *testing.T) {
	// Pre-4.37 kernels do not emit the event number field; the decoder
	// must not read past the name.
	var buf []byte
	buf = appendNameListRecord(buf, Device{Major: 254, Minor: 0}, "alpha", 0, false, false)
	buf = appendNameListRecord(buf, Device{Major: 254, Minor: 1}, "beta", 0, false, true)

	entries, err := parseNameList(buf, false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.False(t, entries[0].EventNumberValid)
	assert.False(t, entries[1].EventNumberValid)
}

func TestParseNameListEmpty(t *testing.T) {
	entries, err := parseNameList(nil, true)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestParseNameListMalformed(t *testing.T) {
	t.Run("next offset out of range", func(t *testing.T) {
		var buf []byte
		buf = appendNameListRecord(buf, Device{Major: 254, Minor: 0}, "alpha", 0, false, false)
		binary.NativeEndian.PutUint32(buf[8:12], 1<<30)

		_, err := parseNameList(buf, false)
		assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
	})

	t.Run("missing name terminator", func(t *testing.T) {
		buf := make([]byte, 12)
		buf = append(buf, "unterminated"...)

		_, err := parseNameList(buf, false)
		assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
	})

	t.Run("event number truncated", func(t *testing.T) {
		var buf []byte
		buf = appendNameListRecord(buf, Device{Major: 254, Minor: 0}, "alpha", 0, false, true)

		_, err := parseNameList(buf, true)
		assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
	})

	t.Run("unusable device name", func(t *testing.T) {
		var buf []byte
		buf = appendNameListRecord(buf, Device{Major: 254, Minor: 0}, strings.Repeat("x", 200), 0, false, true)

		_, err := parseNameList(buf, false)
		assert.ErrorIs(t, err, ErrDeviceIDTooLong)
	})
}

// appendVersionRecord builds one dm_target_versions record.
func appendVersionRecord(buf []byte, name string, version Version, last bool) []byte {
	recSize := alignTo(16+uint64(len(name))+1, 8)
	next := uint32(recSize)
	if last {
		next = 0
	}

	rec := make([]byte, recSize)
	binary.NativeEndian.PutUint32(rec[0:4], next)
	binary.NativeEndian.PutUint32(rec[4:8], version.Major)
	binary.NativeEndian.PutUint32(rec[8:12], version.Minor)
	binary.NativeEndian.PutUint32(rec[12:16], version.Patch)
	copy(rec[16:], name)
	return append(buf, rec...)
}

func TestParseVersionList(t *testing.T) {
	var buf []byte
	buf = appendVersionRecord(buf, "linear", Version{1, 4, 0}, false)
	buf = appendVersionRecord(buf, "thin-pool", Version{1, 23, 0}, true)

	versions, err := parseVersionList(buf)
	require.NoError(t, err)
	require.Len(t, versions, 2)

	assert.Equal(t, TargetVersion{Name: "linear", Version: Version{1, 4, 0}}, versions[0])
	assert.Equal(t, TargetVersion{Name: "thin-pool", Version: Version{1, 23, 0}}, versions[1])
}

func TestParseVersionListMalformed(t *testing.T) {
	_, err := parseVersionList([]byte{1, 2, 3})
	assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)

	var buf []byte
	buf = appendVersionRecord(buf, "linear", Version{1, 4, 0}, false)
	binary.NativeEndian.PutUint32(buf[0:4], 1<<30)
	_, err = parseVersionList(buf)
	assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
}

func TestTableEncodeDecodeRoundTrip(t *testing.T) {
	// The status decoder walks the same record layout the load encoder
	// produces, modulo trailing-whitespace canonicalization of params.
	targets := []Target{
		{Start: 0, Length: 32768, Type: "linear", Params: "/dev/sdb1 2048"},
		{Start: 32768, Length: 4096, Type: "error", Params: "   "},
	}

	encoded, err := encodeTable(targets)
	require.NoError(t, err)

	decoded, err := parseTableStatus(uint32(len(targets)), encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 2)

	assert.Equal(t, Target{Start: 0, Length: 32768, Type: "linear", Params: "/dev/sdb1 2048"}, decoded[0])
	assert.Equal(t, Target{Start: 32768, Length: 4096, Type: "error", Params: ""}, decoded[1])
}

func TestEncodeTableLayout(t *testing.T) {
	encoded, err := encodeTable([]Target{
		{Start: 5, Length: 100, Type: "linear", Params: "/dev/sda 0"},
	})
	require.NoError(t, err)

	// One 40-byte spec plus "/dev/sda 0" padded (10+1 -> 16 bytes).
	require.Len(t, encoded, targetSpecSize+16)
	assert.EqualValues(t, 5, binary.NativeEndian.Uint64(encoded[0:8]))
	assert.EqualValues(t, 100, binary.NativeEndian.Uint64(encoded[8:16]))
	assert.EqualValues(t, targetSpecSize+16, binary.NativeEndian.Uint32(encoded[20:24]))
	assert.Equal(t, "linear", string(bytes.TrimRight(encoded[24:40], "\x00")))
	assert.Equal(t, "/dev/sda 0", string(bytes.TrimRight(encoded[40:], "\x00")))
}

func TestEncodeTableRejectsLongTargetType(t *testing.T) {
	// 15 bytes fits the 16-byte field with its terminator, 16 does not.
	_, err := encodeTable([]Target{{Type: strings.Repeat("t", 15), Params: "x"}})
	assert.NoError(t, err)

	_, err = encodeTable([]Target{{Type: strings.Repeat("t", 16), Params: "x"}})
	assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
}

func TestEncodeTableRejectsEmbeddedNUL(t *testing.T) {
	_, err := encodeTable([]Target{{Type: "linear", Params: "a\x00b"}})
	assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
}

func TestParseTableStatusEmpty(t *testing.T) {
	targets, err := parseTableStatus(3, nil)
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestParseTableStatusMalformed(t *testing.T) {
	t.Run("spec truncated", func(t *testing.T) {
		_, err := parseTableStatus(1, make([]byte, targetSpecSize-1))
		assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
	})

	t.Run("target type unterminated", func(t *testing.T) {
		buf := make([]byte, targetSpecSize+8)
		copy(buf[24:40], strings.Repeat("x", targetTypeLen))
		_, err := parseTableStatus(1, buf)
		assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
	})

	t.Run("params unterminated", func(t *testing.T) {
		buf := make([]byte, targetSpecSize)
		copy(buf[24:], "linear")
		buf = append(buf, "no terminator here"...)
		_, err := parseTableStatus(1, buf)
		assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
	})
}

func TestParseDeps(t *testing.T) {
	deps := []Device{
		{Major: 254, Minor: 0},
		{Major: 8, Minor: 32},
	}

	buf := make([]byte, 8+8*len(deps))
	binary.NativeEndian.PutUint32(buf[0:4], uint32(len(deps)))
	for i, dev := range deps {
		packed, ok := dev.KdevT()
		require.True(t, ok)
		binary.NativeEndian.PutUint64(buf[8+8*i:], uint64(packed))
	}

	parsed, err := parseDeps(buf)
	require.NoError(t, err)
	assert.Equal(t, deps, parsed)
}

func TestParseDepsEmpty(t *testing.T) {
	parsed, err := parseDeps(nil)
	require.NoError(t, err)
	assert.Empty(t, parsed)
}

func TestParseDepsMalformed(t *testing.T) {
	// Declared count larger than the payload can hold.
	buf := make([]byte, 16)
	binary.NativeEndian.PutUint32(buf[0:4], 100)

	_, err := parseDeps(buf)
	assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
}

func TestEncodeMessage(t *testing.T) {
	buf, err := encodeMessage(42, "create_thin 0")
	require.NoError(t, err)

	assert.EqualValues(t, 42, binary.NativeEndian.Uint64(buf[0:8]))
	assert.Equal(t, "create_thin 0\x00", string(buf[8:]))
}

func TestEncodeMessageRejectsNUL(t *testing.T) {
	_, err := encodeMessage(0, "bad\x00message")
	assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
}

func TestDecodeMessageOutput(t *testing.T) {
	out, err := decodeMessageOutput([]byte("some status\x00"))
	require.NoError(t, err)
	assert.Equal(t, "some status", out)

	out, err = decodeMessageOutput(nil)
	require.NoError(t, err)
	assert.Equal(t, "", out)

	_, err = decodeMessageOutput([]byte{0xff, 0xfe, 0x00})
	assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
}

func TestCString(t *testing.T) {
	data := []byte("hello\x00world")

	s, err := cString(data, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	_, err = cString(data, 6)
	assert.True(t, errdefs.IsInvalidArgument(err), "expected missing terminator error, got %v", err)

	_, err = cString(data, 100)
	assert.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
}
