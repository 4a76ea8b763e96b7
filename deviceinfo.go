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
	"fmt"
)

// Version is a device-mapper interface or target version triple.
type Version struct {
	Major uint32
	Minor uint32
	Patch uint32
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// AtLeast reports whether v is at least version o.
func (v Version) AtLeast(o Version) bool {
	if v.Major != o.Major {
		return v.Major > o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor > o.Minor
	}
	return v.Patch >= o.Patch
}

// DeviceInfo is the decoded response header returned by every
// device-mapper command. It is a snapshot: the kernel fills it per
// request and later calls do not update earlier values.
type DeviceInfo struct {
	// Version is the ioctl interface version the kernel replied with.
	Version Version

	// DataSize is the total number of bytes the kernel used in the
	// response buffer, header included.
	DataSize uint32

	// DataStart is the offset of the response payload from the start of
	// the header.
	DataStart uint32

	// TargetCount is the number of targets in the table the response
	// describes.
	TargetCount uint32

	// OpenCount is the reference count of opens on the device.
	OpenCount int32

	// Flags holds the response flag bits (the "Out" bits of Flags).
	Flags Flags

	// EventNumber is the device's event sequence counter.
	EventNumber uint32

	// Dev is the device's major and minor numbers.
	Dev Device

	// Name is the device name, empty if the kernel did not report one.
	Name string

	// UUID is the device uuid, empty if the device has none.
	UUID string
}

// newDeviceInfo decodes the response header fields into exported form.
// The name and uuid fields are NUL-terminated within their fixed-size
// fields; an unterminated field means a corrupt response.
func newDeviceInfo(hdr *ioctlHeader) (*DeviceInfo, error) {
	name, err := fixedCString(hdr.Name[:])
	if err != nil {
		return nil, fmt.Errorf("devmapper: bad name field in response header: %w", err)
	}
	uuid, err := fixedCString(hdr.UUID[:])
	if err != nil {
		return nil, fmt.Errorf("devmapper: bad uuid field in response header: %w", err)
	}

	return &DeviceInfo{
		Version:     Version{hdr.Version[0], hdr.Version[1], hdr.Version[2]},
		DataSize:    hdr.DataSize,
		DataStart:   hdr.DataStart,
		TargetCount: hdr.TargetCount,
		OpenCount:   hdr.OpenCount,
		Flags:       Flags(hdr.Flags),
		EventNumber: hdr.EventNumber,
		Dev:         DeviceFromKdevT(hdr.Dev),
		Name:        name,
		UUID:        uuid,
	}, nil
}

// fixedCString extracts a NUL-terminated string from a fixed-size field.
func fixedCString(field []byte) (string, error) {
	i := bytes.IndexByte(field, 0)
	if i < 0 {
		return "", fmt.Errorf("missing NUL terminator in %d-byte field", len(field))
	}
	return string(field[:i]), nil
}
