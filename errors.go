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
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDeviceIDEmpty is returned when an empty string is supplied where
	// a device name or uuid is expected.
	ErrDeviceIDEmpty = errors.New("devmapper: device ID is empty")

	// ErrDeviceIDTooLong is returned when a device name or uuid exceeds
	// the kernel's length limit. The wrapping error carries the limit and
	// the actual length.
	ErrDeviceIDTooLong = errors.New("devmapper: device ID too long")

	// ErrDeviceIDBadChars is returned when a device name or uuid contains
	// a NUL byte or a non-ASCII byte.
	ErrDeviceIDBadChars = errors.New("devmapper: device ID contains invalid characters")

	// ErrResultTooLarge is returned when the kernel keeps reporting
	// DM_BUFFER_FULL after the response buffer has grown to the largest
	// size expressible in the header's 32-bit data_size field.
	ErrResultTooLarge = fmt.Errorf("devmapper: ioctl result too large for maximum buffer size of %d bytes", uint32(math.MaxUint32))
)

// IoctlError is returned when the DM_IOCTL syscall itself fails. It
// carries the command, the request header as it was submitted and, when
// the kernel wrote back a parseable header, the response header, for
// diagnosing version or argument mismatches.
type IoctlError struct {
	Cmd      Command
	Request  *DeviceInfo
	Response *DeviceInfo
	Err      error
}

func (e *IoctlError) Error() string {
	return fmt.Sprintf("devmapper: %s ioctl failed: %v", e.Cmd, e.Err)
}

func (e *IoctlError) Unwrap() error {
	return e.Err
}
