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
)

// Command identifies one device-mapper ioctl operation.
type Command uint8

const (
	// CmdVersion reports the version of the ioctl interface.
	CmdVersion Command = iota

	// CmdRemoveAll removes all devices and destroys all tables. Only
	// really useful for debugging.
	CmdRemoveAll

	// CmdListDevices lists all device names.
	CmdListDevices

	// CmdDevCreate creates a device with empty active and inactive table
	// slots. The device starts out suspended; I/O issued to it errors
	// until a table is loaded and the device resumed.
	CmdDevCreate

	// CmdDevRemove removes a device and destroys its tables.
	CmdDevRemove

	// CmdDevRename renames a device, or sets its uuid if none was
	// previously supplied.
	CmdDevRename

	// CmdDevSuspend suspends or resumes a device depending on the
	// suspend flag. Suspension does not return until pending I/O has
	// completed; resume promotes the inactive table slot to active,
	// destroying the old active table.
	CmdDevSuspend

	// CmdDevStatus retrieves the status header for a device.
	CmdDevStatus

	// CmdDevWait blocks until a significant event occurs on the device,
	// triggered either by a target of the active table or by a table
	// change.
	CmdDevWait

	// CmdTableLoad loads a table into the inactive slot. The device does
	// not need to be suspended first.
	CmdTableLoad

	// CmdTableClear destroys any table in the inactive slot.
	CmdTableClear

	// CmdTableDeps reports the devices referenced by the active table.
	CmdTableDeps

	// CmdTableStatus reports per-target status for the active table.
	CmdTableStatus

	// CmdListVersions lists the loaded target types and their versions.
	CmdListVersions

	// CmdTargetMsg passes a message string to the target at a given
	// sector of a device.
	CmdTargetMsg

	// CmdDevSetGeometry sets the obsolete CHS geometry of a device from
	// a "cylinders heads sectors_per_track start_sector" string.
	CmdDevSetGeometry

	// CmdDevArmPoll rearms event polling on the control device; once the
	// control fd reports readiness it keeps doing so until rearmed.
	CmdDevArmPoll

	// CmdGetTargetVersion reports the version of a single named target
	// type.
	CmdGetTargetVersion
)

var commandNames = map[Command]string{
	CmdVersion:          "DM_VERSION",
	CmdRemoveAll:        "DM_REMOVE_ALL",
	CmdListDevices:      "DM_LIST_DEVICES",
	CmdDevCreate:        "DM_DEV_CREATE",
	CmdDevRemove:        "DM_DEV_REMOVE",
	CmdDevRename:        "DM_DEV_RENAME",
	CmdDevSuspend:       "DM_DEV_SUSPEND",
	CmdDevStatus:        "DM_DEV_STATUS",
	CmdDevWait:          "DM_DEV_WAIT",
	CmdTableLoad:        "DM_TABLE_LOAD",
	CmdTableClear:       "DM_TABLE_CLEAR",
	CmdTableDeps:        "DM_TABLE_DEPS",
	CmdTableStatus:      "DM_TABLE_STATUS",
	CmdListVersions:     "DM_LIST_VERSIONS",
	CmdTargetMsg:        "DM_TARGET_MSG",
	CmdDevSetGeometry:   "DM_DEV_SET_GEOMETRY",
	CmdDevArmPoll:       "DM_DEV_ARM_POLL",
	CmdGetTargetVersion: "DM_GET_TARGET_VERSION",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("DM_CMD_%d", uint8(c))
}

// commandVersions maps each command to the minimum ioctl interface
// version that supports it. Requests are stamped with this version, not
// the running kernel's, so an older driver rejects them cleanly.
var commandVersions = map[Command]Version{
	CmdVersion:        {4, 0, 0},
	CmdRemoveAll:      {4, 0, 0},
	CmdListDevices:    {4, 0, 0},
	CmdDevCreate:      {4, 0, 0},
	CmdDevRemove:      {4, 0, 0},
	CmdDevRename:      {4, 0, 0},
	CmdDevSuspend:     {4, 0, 0},
	CmdDevStatus:      {4, 0, 0},
	CmdDevWait:        {4, 0, 0},
	CmdTableLoad:      {4, 0, 0},
	CmdTableClear:     {4, 0, 0},
	CmdTableDeps:      {4, 0, 0},
	CmdTableStatus:    {4, 0, 0},
	CmdListVersions:   {4, 1, 0},
	CmdTargetMsg:      {4, 2, 0},
	CmdDevSetGeometry: {4, 6, 0},
	// libdevmapper claims 4.36.0 for ARM_POLL, but the command was
	// merged after the 4.36.0 bump; 4.37 is the first version where it
	// is reliably present.
	CmdDevArmPoll:       {4, 37, 0},
	CmdGetTargetVersion: {4, 41, 0},
}

// minVersion returns the minimum interface version for the command.
func (c Command) minVersion() Version {
	return commandVersions[c]
}

// dmIoctlGroup is the _IOC type byte shared by all device-mapper ioctls.
const dmIoctlGroup = 0xfd

// requestCode computes _IOWR(dmIoctlGroup, c, struct dm_ioctl): two
// direction bits, fourteen size bits, the group byte and the command
// byte, per include/uapi/asm-generic/ioctl.h.
func (c Command) requestCode() uintptr {
	const (
		iocWrite = 1
		iocRead  = 2
	)
	return uintptr(uint32(iocRead|iocWrite)<<30 | uint32(ioctlHeaderSize)<<16 | uint32(dmIoctlGroup)<<8 | uint32(c))
}

// ioctlHeader is struct dm_ioctl from the v4 kernel ABI. Every request
// starts with one and every response overwrites it in place. The layout
// must match the kernel bit for bit; field widths and padding below are
// the portability-critical part of this package.
type ioctlHeader struct {
	Version     [3]uint32
	DataSize    uint32 // total bytes in the buffer, header included
	DataStart   uint32 // offset of the payload area from the header start
	TargetCount uint32
	OpenCount   int32
	Flags       uint32
	EventNumber uint32
	_           uint32
	Dev         uint64
	Name        [deviceNameLen]byte
	UUID        [deviceUUIDLen]byte
	_           [7]byte // pad to an 8-byte boundary
}

// ioctlHeaderSize is the wire size of struct dm_ioctl.
const ioctlHeaderSize = 312

func init() {
	if sz := binary.Size(ioctlHeader{}); sz != ioctlHeaderSize {
		panic(fmt.Sprintf("devmapper: struct dm_ioctl encodes to %d bytes, want %d", sz, ioctlHeaderSize))
	}
}

// marshalHeader writes the header into the front of buf. The device
// ABI is host-endian; binary.NativeEndian keeps the codec explicit and
// byte-for-byte testable where unsafe casts would not be.
func marshalHeader(hdr *ioctlHeader, buf []byte) error {
	w := bytes.NewBuffer(buf[:0])
	if err := binary.Write(w, binary.NativeEndian, hdr); err != nil {
		return fmt.Errorf("devmapper: failed to marshal request header: %w", err)
	}
	return nil
}

// unmarshalHeader decodes a response header from the front of buf.
func unmarshalHeader(buf []byte) (*ioctlHeader, error) {
	if len(buf) < ioctlHeaderSize {
		return nil, fmt.Errorf("devmapper: buffer of %d bytes too short for response header", len(buf))
	}
	hdr := &ioctlHeader{}
	if err := binary.Read(bytes.NewReader(buf[:ioctlHeaderSize]), binary.NativeEndian, hdr); err != nil {
		return nil, fmt.Errorf("devmapper: failed to unmarshal response header: %w", err)
	}
	return hdr, nil
}
