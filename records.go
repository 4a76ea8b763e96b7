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
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/containerd/errdefs"
)

// Response payloads are sequences of variable-length records linked by
// offsets the kernel computed. Offsets, counts and string terminators
// are all untrusted input: every access below goes through a
// bounds-checked view and a malformed buffer yields an invalid-argument
// error, never an out-of-range slice.

// Target is one row of a device's mapping table: a target type applied
// over a range of 512-byte sectors, with an opaque parameter string
// whose grammar belongs to the target type.
type Target struct {
	// Start is the first sector the target maps.
	Start uint64
	// Length is the number of sectors mapped.
	Length uint64
	// Type names the target type, e.g. "linear" or "thin-pool".
	Type string
	// Params is the target's parameter or status string.
	Params string
}

// DeviceEntry is one result of ListDevices.
type DeviceEntry struct {
	// Name is the device's name.
	Name DeviceName
	// Dev is the device's major and minor numbers.
	Dev Device
	// EventNumber is the device's event counter; valid only when
	// EventNumberValid is set (kernels at 4.37 and later report it).
	EventNumber uint32
	// EventNumberValid reports whether the kernel supplied EventNumber.
	EventNumberValid bool
}

// TargetVersion is one result of ListVersions.
type TargetVersion struct {
	// Name is the target type name.
	Name string
	// Version is the loaded target's version.
	Version Version
}

// targetSpec is struct dm_target_spec, the fixed prefix of one table
// row on the wire. The parameter string follows it, NUL-padded to an
// 8-byte boundary; Next locates the following row.
type targetSpec struct {
	SectorStart uint64
	Length      uint64
	Status      int32
	Next        uint32
	TargetType  [targetTypeLen]byte
}

const (
	// targetSpecSize is the wire size of struct dm_target_spec.
	targetSpecSize = 40

	// targetTypeLen is the size of the target type field, including the
	// C-string terminator.
	targetTypeLen = 16

	// specAlign is the alignment of records within a table payload: the
	// size of the largest member of struct dm_target_spec.
	specAlign = 8
)

func init() {
	if sz := binary.Size(targetSpec{}); sz != targetSpecSize {
		panic(fmt.Sprintf("devmapper: struct dm_target_spec encodes to %d bytes, want %d", sz, targetSpecSize))
	}
}

func invalidResponse(format string, args ...interface{}) error {
	return fmt.Errorf("devmapper: %s: %w", fmt.Sprintf(format, args...), errdefs.ErrInvalidArgument)
}

// view returns n bytes of data at off, or an error if the range is not
// entirely within data.
func view(data []byte, off, n uint64) ([]byte, error) {
	if off+n > uint64(len(data)) {
		return nil, invalidResponse("record at offset %d+%d overruns %d-byte payload", off, n, len(data))
	}
	return data[off : off+n], nil
}

// cString extracts the NUL-terminated string starting at off.
func cString(data []byte, off uint64) (string, error) {
	if off > uint64(len(data)) {
		return "", invalidResponse("string at offset %d overruns %d-byte payload", off, len(data))
	}
	rest := data[off:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return "", invalidResponse("string at offset %d is missing its NUL terminator", off)
	}
	s := rest[:i]
	if !utf8.Valid(s) {
		return "", invalidResponse("string at offset %d is not valid UTF-8", off)
	}
	return string(s), nil
}

// alignTo rounds n up to the next multiple of align (a power of two).
func alignTo(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// parseNameList walks the dm_name_list records of a DM_LIST_DEVICES
// response. Each record is a device number, a relative offset to the
// next record (zero terminates the list) and an inline name. Kernels at
// 4.37 and later append the device's event number after the name,
// aligned to 8 bytes; withEventNumber selects that layout.
func parseNameList(data []byte, withEventNumber bool) ([]DeviceEntry, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var (
		entries []DeviceEntry
		base    uint64
	)
	for {
		fixed, err := view(data, base, 12)
		if err != nil {
			return nil, err
		}
		dev := binary.NativeEndian.Uint64(fixed[0:8])
		next := binary.NativeEndian.Uint32(fixed[8:12])

		rawName, err := cString(data, base+12)
		if err != nil {
			return nil, err
		}
		name, err := NewDeviceName(rawName)
		if err != nil {
			return nil, fmt.Errorf("devmapper: kernel reported unusable device name %q: %w", rawName, err)
		}

		entry := DeviceEntry{
			Name: name,
			Dev:  DeviceFromKdevT(dev),
		}
		if withEventNumber {
			// Matches the offset computation in the kernel's
			// drivers/md/dm-ioctl.c:list_devices.
			evOff := base + alignTo(12+uint64(len(rawName))+1, specAlign)
			ev, err := view(data, evOff, 4)
			if err != nil {
				return nil, err
			}
			entry.EventNumber = binary.NativeEndian.Uint32(ev)
			entry.EventNumberValid = true
		}
		entries = append(entries, entry)

		if next == 0 {
			return entries, nil
		}
		base += uint64(next)
	}
}

// parseVersionList walks the dm_target_versions records of a
// DM_LIST_VERSIONS response: a relative next offset, a version triple
// and an inline name per record.
func parseVersionList(data []byte) ([]TargetVersion, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var (
		versions []TargetVersion
		base     uint64
	)
	for {
		fixed, err := view(data, base, 16)
		if err != nil {
			return nil, err
		}
		next := binary.NativeEndian.Uint32(fixed[0:4])

		name, err := cString(data, base+16)
		if err != nil {
			return nil, err
		}

		versions = append(versions, TargetVersion{
			Name: name,
			Version: Version{
				Major: binary.NativeEndian.Uint32(fixed[4:8]),
				Minor: binary.NativeEndian.Uint32(fixed[8:12]),
				Patch: binary.NativeEndian.Uint32(fixed[12:16]),
			},
		})

		if next == 0 {
			return versions, nil
		}
		base += uint64(next)
	}
}

// parseTableStatus reads count dm_target_spec records out of a status,
// table-status or wait response. Unlike the relative offsets used
// elsewhere (and on the load path), the kernel emits Next here as an
// absolute offset from the start of the payload. Trailing white space
// is trimmed from each parameter string so that tables compare
// canonically.
func parseTableStatus(count uint32, data []byte) ([]Target, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var (
		targets []Target
		off     uint64
	)
	for i := uint32(0); i < count; i++ {
		raw, err := view(data, off, targetSpecSize)
		if err != nil {
			return nil, err
		}
		var spec targetSpec
		if err := binary.Read(bytes.NewReader(raw), binary.NativeEndian, &spec); err != nil {
			return nil, invalidResponse("bad target spec at offset %d: %v", off, err)
		}

		targetType, err := fixedCString(spec.TargetType[:])
		if err != nil {
			return nil, invalidResponse("bad target type at offset %d: %v", off, err)
		}
		params, err := cString(data, off+targetSpecSize)
		if err != nil {
			return nil, err
		}

		targets = append(targets, Target{
			Start:  spec.SectorStart,
			Length: spec.Length,
			Type:   targetType,
			Params: strings.TrimRightFunc(params, unicode.IsSpace),
		})

		off = uint64(spec.Next)
	}
	return targets, nil
}

// parseDeps reads the dm_target_deps payload: a count-prefixed array of
// packed device numbers. The kernel reserves 64 bits per entry but only
// the low 32 bits carry the huge kdev_t encoding.
func parseDeps(data []byte) ([]Device, error) {
	if len(data) == 0 {
		return nil, nil
	}

	fixed, err := view(data, 0, 8)
	if err != nil {
		return nil, err
	}
	count := uint64(binary.NativeEndian.Uint32(fixed[0:4]))

	entries, err := view(data, 8, count*8)
	if err != nil {
		return nil, err
	}

	deps := make([]Device, 0, count)
	for i := uint64(0); i < count; i++ {
		packed := binary.NativeEndian.Uint64(entries[i*8 : i*8+8])
		deps = append(deps, DeviceFromKdevT(uint64(uint32(packed))))
	}
	return deps, nil
}

// encodeTable serializes table rows for DM_TABLE_LOAD. Each row is a
// dm_target_spec followed by its parameter string, NUL-padded to an
// 8-byte boundary; Next holds the padded size of the row so the status
// decoder can walk the same layout.
func encodeTable(targets []Target) ([]byte, error) {
	buf := &bytes.Buffer{}
	for _, t := range targets {
		if len(t.Type) > targetTypeLen-1 {
			return nil, fmt.Errorf("devmapper: target type %q exceeds %d bytes: %w", t.Type, targetTypeLen-1, errdefs.ErrInvalidArgument)
		}
		if strings.ContainsRune(t.Type, 0) || strings.ContainsRune(t.Params, 0) {
			return nil, fmt.Errorf("devmapper: target fields must not contain NUL bytes: %w", errdefs.ErrInvalidArgument)
		}

		paddedParams := alignTo(uint64(len(t.Params))+1, specAlign)
		spec := targetSpec{
			SectorStart: t.Start,
			Length:      t.Length,
			Next:        uint32(targetSpecSize + paddedParams),
		}
		copy(spec.TargetType[:targetTypeLen-1], t.Type)

		if err := binary.Write(buf, binary.NativeEndian, &spec); err != nil {
			return nil, fmt.Errorf("devmapper: failed to serialize target spec: %w", err)
		}
		buf.WriteString(t.Params)
		buf.Write(make([]byte, paddedParams-uint64(len(t.Params))))
	}
	return buf.Bytes(), nil
}

// encodeMessage serializes a dm_target_msg: the addressed sector
// followed by the NUL-terminated message text.
func encodeMessage(sector uint64, message string) ([]byte, error) {
	if strings.ContainsRune(message, 0) {
		return nil, fmt.Errorf("devmapper: message must not contain NUL bytes: %w", errdefs.ErrInvalidArgument)
	}

	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.NativeEndian, sector); err != nil {
		return nil, fmt.Errorf("devmapper: failed to serialize target message: %w", err)
	}
	buf.WriteString(message)
	buf.WriteByte(0)
	return buf.Bytes(), nil
}

// decodeMessageOutput extracts the response text of a target message.
// The kernel appends a terminator which is not part of the text.
func decodeMessageOutput(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	text := data[:len(data)-1]
	if !utf8.Valid(text) {
		return "", invalidResponse("message output is not valid UTF-8")
	}
	return string(text), nil
}
