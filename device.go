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
	"fmt"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// Device is a block device identified by major and minor numbers.
//
// The kernel's kdev_t packs the two numbers into a single integer. For
// compatibility with kernels where kdev_t was 16 bits, the packing is
// not contiguous: a 32-bit kdev_t holds hex digits "mnoM NOpq" where
// mnopq is the minor number and MNO the major. The C library widened
// this to 64 bits with 32 bits for each number ("MNOP Qmno pqrR STst");
// the 64-bit dev fields of the device-mapper ABI follow the widened
// layout, with the high 32 bits reserved, should-be-zero in practice.
//
// DeviceFromKdevT and Rdev/DeviceFromRdev decode and encode the widened
// 64-bit layout and are total. KdevT encodes the strict 32-bit legacy
// layout and fails for major numbers over 12 bits or minor numbers over
// 20 bits. The two encodings are not interchangeable.
type Device struct {
	// Major is the device major number.
	Major uint32
	// Minor is the device minor number.
	Minor uint32
}

// DeviceFromKdevT decodes a 64-bit extended kdev_t as passed to user
// space in the dev fields of the device-mapper ABI.
func DeviceFromKdevT(val uint64) Device {
	major := uint32((val&0x000f_ff00)>>8) | uint32((val&0xffff_f000_0000_0000)>>32)
	minor := uint32(val&0xff) | uint32((val&0x0000_0fff_fff0_0000)>>12)

	return Device{Major: major, Minor: minor}
}

// KdevT encodes the device as a 32-bit legacy kdev_t. It reports false
// if the major or minor number does not fit the legacy layout.
func (d Device) KdevT() (uint32, bool) {
	if d.Major > 0xfff || d.Minor > 0xf_ffff {
		return 0, false
	}

	major := d.Major << 8
	minor := (d.Minor & 0xff) | ((d.Minor & 0xf_ff00) << 12)
	return major | minor, true
}

// DeviceFromRdev decodes a 64-bit device number in the C library's
// layout, as found in the Rdev field of a stat result.
func DeviceFromRdev(rdev uint64) Device {
	return Device{Major: unix.Major(rdev), Minor: unix.Minor(rdev)}
}

// Rdev encodes the device as a 64-bit device number in the C library's
// layout. Unlike KdevT this is total: every major/minor pair fits.
func (d Device) Rdev() uint64 {
	return unix.Mkdev(d.Major, d.Minor)
}

// String formats the device as "major:minor".
func (d Device) String() string {
	return fmt.Sprintf("%d:%d", d.Major, d.Minor)
}

// ParseDevice parses the "major:minor" form produced by String.
func ParseDevice(s string) (Device, error) {
	fields := strings.Split(s, ":")
	if len(fields) != 2 {
		return Device{}, fmt.Errorf("devmapper: device %q is not in major:minor form: %w", s, errdefs.ErrInvalidArgument)
	}

	major, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return Device{}, fmt.Errorf("devmapper: bad major number in %q: %w", s, errdefs.ErrInvalidArgument)
	}
	minor, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Device{}, fmt.Errorf("devmapper: bad minor number in %q: %w", s, errdefs.ErrInvalidArgument)
	}

	return Device{Major: uint32(major), Minor: uint32(minor)}, nil
}
