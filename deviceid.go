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

import "fmt"

// A device-mapper device is identified to the kernel by a short "name"
// and, optionally, a longer "uuid". Both live in fixed-size C-string
// fields of struct dm_ioctl, so both must be non-empty ASCII strings at
// least one byte shorter than their field (the terminator is reserved).
// Note that a device-mapper uuid is not required to be a well-formed
// RFC 4122 UUID; the kernel treats it as an opaque identifier.
//
// DeviceName and DeviceUUID values are only produced by NewDeviceName
// and NewDeviceUUID, so holding one implies it already passed
// validation; nothing re-checks them on use.

const (
	// deviceNameLen is the size of the name field of struct dm_ioctl,
	// including the C-string terminator.
	deviceNameLen = 128

	// deviceUUIDLen is the size of the uuid field of struct dm_ioctl,
	// including the C-string terminator.
	deviceUUIDLen = 129
)

// DeviceName is a validated device-mapper device name.
type DeviceName string

// DeviceUUID is a validated device-mapper device uuid.
type DeviceUUID string

// DeviceID is a device identifier accepted by methods that address an
// existing device: either a DeviceName or a DeviceUUID.
type DeviceID interface {
	fmt.Stringer

	// stamp writes the identifier into the appropriate header field.
	stamp(hdr *ioctlHeader)
}

// checkDeviceID validates a prospective device identifier against the
// length limit of its header field (which includes the terminator).
func checkDeviceID(value string, limit int) error {
	if value == "" {
		return ErrDeviceIDEmpty
	}
	if len(value) > limit-1 {
		return fmt.Errorf("%w: limit is %d bytes, got %d", ErrDeviceIDTooLong, limit-1, len(value))
	}
	for i := 0; i < len(value); i++ {
		if value[i] == 0 || value[i] > 127 {
			return ErrDeviceIDBadChars
		}
	}
	return nil
}

// NewDeviceName validates value as a device-mapper device name.
func NewDeviceName(value string) (DeviceName, error) {
	if err := checkDeviceID(value, deviceNameLen); err != nil {
		return "", err
	}
	return DeviceName(value), nil
}

// NewDeviceUUID validates value as a device-mapper device uuid.
func NewDeviceUUID(value string) (DeviceUUID, error) {
	if err := checkDeviceID(value, deviceUUIDLen); err != nil {
		return "", err
	}
	return DeviceUUID(value), nil
}

func (n DeviceName) String() string { return string(n) }

func (n DeviceName) stamp(hdr *ioctlHeader) {
	copy(hdr.Name[:len(hdr.Name)-1], n)
}

func (u DeviceUUID) String() string { return string(u) }

func (u DeviceUUID) stamp(hdr *ioctlHeader) {
	copy(hdr.UUID[:len(hdr.UUID)-1], u)
}
