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

// Package devmapper talks to the Linux device-mapper driver through its
// /dev/mapper/control ioctl interface, without shelling out to
// dmsetup(8) or linking libdevmapper.
//
// The package is a transport: it frames requests, grows the response
// buffer when the kernel asks for more room, and decodes the kernel's
// packed binary records. Target types and their parameter strings are
// opaque text at this layer; formatting a thin-pool or crypt table line
// is the caller's business.
//
// Every method issues one blocking syscall (or several, when the
// buffer grows) on the shared control file descriptor. The descriptor
// may be used from multiple goroutines for independent calls, but
// multi-step sequences such as create/load/resume are not atomic:
// other processes can observe and change device state in between.
package devmapper

import (
	"math"
	"os"
	"runtime"
	"unsafe"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ControlPath is the device node user space passes device-mapper
// ioctls through.
const ControlPath = "/dev/mapper/control"

// minBufferSize is the initial request/response buffer size. Start
// large so that buffer-full retries are rare; libdevmapper does the
// same.
const minBufferSize = 16 * 1024

// ioctlFunc issues one DM_IOCTL syscall over buf. It is a seam for
// tests; production code always uses rawIoctl.
type ioctlFunc func(f *os.File, request uintptr, buf []byte) unix.Errno

func rawIoctl(f *os.File, request uintptr, buf []byte) unix.Errno {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), request, uintptr(unsafe.Pointer(&buf[0])))
	runtime.KeepAlive(buf)
	return errno
}

// DM is a handle to the device-mapper driver.
type DM struct {
	file  *os.File
	ioctl ioctlFunc

	// maxBufferSize bounds response buffer growth. The header's
	// data_size field is 32 bits, so this is math.MaxUint32 outside of
	// tests.
	maxBufferSize uint64
}

// New opens the device-mapper control device. Absence of the device
// node or missing privileges surface here, not on later calls.
func New() (*DM, error) {
	f, err := os.Open(ControlPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to initialize device-mapper context at %s", ControlPath)
	}

	return &DM{
		file:          f,
		ioctl:         rawIoctl,
		maxBufferSize: math.MaxUint32,
	}, nil
}

// Close releases the control device handle.
func (dm *DM) Close() error {
	return dm.file.Close()
}

// File returns the open control device, typically to poll(2) for
// device events. See ArmPoll.
func (dm *DM) File() *os.File {
	return dm.file
}

// newRequestHeader assembles a request header. Caller flags are masked
// against the allow-list of flags meaningful for the command; flags
// outside it are silently dropped, as a safety net against misuse
// rather than an error. The device identifier, when present, lands in
// the name or uuid field.
func newRequestHeader(flags, allowed Flags, id DeviceID) *ioctlHeader {
	hdr := &ioctlHeader{
		DataStart: ioctlHeaderSize,
		Flags:     uint32(flags & allowed),
	}
	if id != nil {
		id.stamp(hdr)
	}
	return hdr
}

// doIoctl runs the buffer-growth protocol for one command: frame the
// header and payload, issue the syscall, and retry with a doubled
// buffer for as long as the kernel reports DM_BUFFER_FULL. The header
// version is stamped with the command's minimum interface version so
// that an older driver rejects the request cleanly.
func (dm *DM) doIoctl(cmd Command, hdr *ioctlHeader, payload []byte) (*DeviceInfo, []byte, error) {
	ver := cmd.minVersion()
	hdr.Version = [3]uint32{ver.Major, ver.Minor, ver.Patch}

	size := uint64(minBufferSize)
	if need := uint64(ioctlHeaderSize + len(payload)); need > size {
		size = need
	}

	buf := make([]byte, size)
	for {
		hdr.DataSize = uint32(len(buf))
		if err := marshalHeader(hdr, buf); err != nil {
			return nil, nil, err
		}
		copy(buf[ioctlHeaderSize:], payload)

		if errno := dm.ioctl(dm.file, cmd.requestCode(), buf); errno != 0 {
			ioctlErr := &IoctlError{Cmd: cmd, Err: errno}
			if info, err := newDeviceInfo(hdr); err == nil {
				ioctlErr.Request = info
			}
			// The kernel may have written a partial response header
			// before failing; decode it for diagnostics if possible.
			if respHdr, err := unmarshalHeader(buf); err == nil {
				if info, err := newDeviceInfo(respHdr); err == nil {
					ioctlErr.Response = info
				}
			}
			return nil, nil, ioctlErr
		}

		respHdr, err := unmarshalHeader(buf)
		if err != nil {
			return nil, nil, err
		}

		if Flags(respHdr.Flags)&FlagBufferFull != 0 {
			if uint64(len(buf)) >= dm.maxBufferSize {
				return nil, nil, ErrResultTooLarge
			}
			next := uint64(len(buf)) * 2
			if next > dm.maxBufferSize {
				next = dm.maxBufferSize
			}
			log.L.WithField("cmd", cmd.String()).Debugf("devmapper: response did not fit, growing buffer to %d bytes", next)
			buf = make([]byte, next)
			continue
		}

		info, err := newDeviceInfo(respHdr)
		if err != nil {
			return nil, nil, err
		}

		start := uint64(respHdr.DataStart)
		end := uint64(respHdr.DataSize)
		if end < start {
			end = start
		}
		if end > uint64(len(buf)) {
			return nil, nil, invalidResponse("declared payload [%d, %d) overruns %d-byte buffer", start, end, len(buf))
		}
		return info, buf[start:end], nil
	}
}

// Version reports the version of the kernel's ioctl interface.
func (dm *DM) Version() (Version, error) {
	hdr := newRequestHeader(0, 0, nil)

	info, _, err := dm.doIoctl(CmdVersion, hdr, nil)
	if err != nil {
		return Version{}, err
	}
	return info.Version, nil
}

// RemoveAll removes all devices and destroys all tables. Use
// discouraged other than for debugging.
//
// With FlagDeferredRemove, in-use devices are removed once released.
//
// Valid flags: FlagDeferredRemove
func (dm *DM) RemoveAll(flags Flags) error {
	hdr := newRequestHeader(flags, FlagDeferredRemove, nil)

	_, _, err := dm.doIoctl(CmdRemoveAll, hdr, nil)
	return err
}

// ListDevices lists every device's name and device number; on kernels
// at 4.37 and later the entries also carry each device's event number.
func (dm *DM) ListDevices() ([]DeviceEntry, error) {
	hdr := newRequestHeader(0, 0, nil)

	info, data, err := dm.doIoctl(CmdListDevices, hdr, nil)
	if err != nil {
		return nil, err
	}
	return parseNameList(data, info.Version.AtLeast(Version{4, 37, 0}))
}

// CreateDevice creates a device with empty table slots. It starts out
// suspended. Pass an empty uuid to create the device without one.
//
// Valid flags: FlagReadOnly, FlagPersistentDev
func (dm *DM) CreateDevice(name DeviceName, uuid DeviceUUID, flags Flags) (*DeviceInfo, error) {
	hdr := newRequestHeader(flags, FlagReadOnly|FlagPersistentDev, name)
	if uuid != "" {
		uuid.stamp(hdr)
	}

	info, _, err := dm.doIoctl(CmdDevCreate, hdr, nil)
	return info, err
}

// RemoveDevice removes a device and destroys its tables.
//
// With FlagDeferredRemove, the request succeeds for an in-use device,
// which is then removed once no longer used.
//
// Valid flags: FlagDeferredRemove
func (dm *DM) RemoveDevice(id DeviceID, flags Flags) (*DeviceInfo, error) {
	hdr := newRequestHeader(flags, FlagDeferredRemove, id)

	info, _, err := dm.doIoctl(CmdDevRemove, hdr, nil)
	return info, err
}

// RenameDevice changes a device's name, or sets its uuid for the first
// time when newID is a DeviceUUID (the kernel refuses to change an
// existing uuid). The returned info carries the previous name or uuid,
// not the newly set one.
func (dm *DM) RenameDevice(oldName DeviceName, newID DeviceID) (*DeviceInfo, error) {
	var flags Flags
	if _, isUUID := newID.(DeviceUUID); isUUID {
		flags = FlagUUID
	}

	hdr := newRequestHeader(flags, FlagUUID, oldName)
	payload := append([]byte(newID.String()), 0)

	info, _, err := dm.doIoctl(CmdDevRename, hdr, payload)
	return info, err
}

// SuspendDevice suspends the device when FlagSuspend is set and
// resumes it otherwise. Resuming moves a table loaded into the
// inactive slot by LoadTable into the active slot.
//
// Suspension blocks until pending I/O completes unless FlagNoFlush is
// given, and freezes any backing filesystem unless FlagSkipLockFS is
// given; I/O to a suspended device is held until it resumes. There is
// no timeout at this layer.
//
// Valid flags: FlagSuspend, FlagNoFlush, FlagSkipLockFS
func (dm *DM) SuspendDevice(id DeviceID, flags Flags) (*DeviceInfo, error) {
	hdr := newRequestHeader(flags, FlagSuspend|FlagNoFlush|FlagSkipLockFS, id)

	info, _, err := dm.doIoctl(CmdDevSuspend, hdr, nil)
	return info, err
}

// DeviceStatus retrieves the response header for a device. Other
// methods return the same information; this one exists for when only
// the header is wanted.
func (dm *DM) DeviceStatus(id DeviceID) (*DeviceInfo, error) {
	hdr := newRequestHeader(0, 0, id)

	info, _, err := dm.doIoctl(CmdDevStatus, hdr, nil)
	return info, err
}

// WaitDevice blocks until an event occurs on the device, then reports
// target status like TableStatus. Waiting on many devices this way
// scales poorly; consider uevents instead.
//
// Valid flags: FlagQueryInactiveTable
func (dm *DM) WaitDevice(id DeviceID, flags Flags) (*DeviceInfo, []Target, error) {
	hdr := newRequestHeader(flags, FlagQueryInactiveTable, id)

	info, data, err := dm.doIoctl(CmdDevWait, hdr, nil)
	if err != nil {
		return nil, nil, err
	}

	targets, err := parseTableStatus(info.TargetCount, data)
	if err != nil {
		return nil, nil, err
	}
	return info, targets, nil
}

// LoadTable loads targets into the device's inactive table slot. The
// device need not be suspended. No ioctl is issued if any row fails to
// encode.
//
// Valid flags: FlagReadOnly, FlagSecureData
func (dm *DM) LoadTable(id DeviceID, targets []Target, flags Flags) (*DeviceInfo, error) {
	// Encode the rows first; the header needs their count and the
	// request must not reach the kernel half-built.
	payload, err := encodeTable(targets)
	if err != nil {
		return nil, err
	}

	hdr := newRequestHeader(flags, FlagReadOnly|FlagSecureData, id)
	hdr.TargetCount = uint32(len(targets))

	info, _, err := dm.doIoctl(CmdTableLoad, hdr, payload)
	return info, err
}

// ClearTable destroys any table in the device's inactive slot.
func (dm *DM) ClearTable(id DeviceID) (*DeviceInfo, error) {
	hdr := newRequestHeader(0, 0, id)

	info, _, err := dm.doIoctl(CmdTableClear, hdr, nil)
	return info, err
}

// TableDeps reports the devices referenced by the device's active
// table, or by the inactive table with FlagQueryInactiveTable.
//
// Valid flags: FlagQueryInactiveTable
func (dm *DM) TableDeps(id DeviceID, flags Flags) ([]Device, error) {
	hdr := newRequestHeader(flags, FlagQueryInactiveTable, id)

	_, data, err := dm.doIoctl(CmdTableDeps, hdr, nil)
	if err != nil {
		return nil, err
	}
	return parseDeps(data)
}

// TableStatus reports per-target status for the device's active table.
// With FlagStatusTable the table contents are returned instead of
// status; with FlagNoFlush, status queries on targets with metadata do
// not force a metadata write; with FlagQueryInactiveTable the inactive
// table is queried.
//
// Valid flags: FlagNoFlush, FlagStatusTable, FlagQueryInactiveTable
func (dm *DM) TableStatus(id DeviceID, flags Flags) (*DeviceInfo, []Target, error) {
	hdr := newRequestHeader(flags, FlagNoFlush|FlagStatusTable|FlagQueryInactiveTable, id)

	info, data, err := dm.doIoctl(CmdTableStatus, hdr, nil)
	if err != nil {
		return nil, nil, err
	}

	targets, err := parseTableStatus(info.TargetCount, data)
	if err != nil {
		return nil, nil, err
	}
	return info, targets, nil
}

// ListVersions lists every loaded target type with its version.
func (dm *DM) ListVersions() ([]TargetVersion, error) {
	hdr := newRequestHeader(0, 0, nil)

	_, data, err := dm.doIoctl(CmdListVersions, hdr, nil)
	if err != nil {
		return nil, err
	}
	return parseVersionList(data)
}

// TargetMessage sends a message to the target responsible for the
// given sector of the device; sector 0 addresses targets that span the
// whole device, such as a thin pool. The returned string is the
// message's output and is meaningful only when the response has
// FlagDataOut set.
func (dm *DM) TargetMessage(id DeviceID, sector uint64, message string) (*DeviceInfo, string, error) {
	payload, err := encodeMessage(sector, message)
	if err != nil {
		return nil, "", err
	}

	hdr := newRequestHeader(0, 0, id)

	info, data, err := dm.doIoctl(CmdTargetMsg, hdr, payload)
	if err != nil {
		return nil, "", err
	}

	var output string
	if info.Flags&FlagDataOut != 0 {
		if output, err = decodeMessageOutput(data); err != nil {
			return nil, "", err
		}
	}
	return info, output, nil
}

// ArmPoll rearms event polling on the control device. Once the control
// fd reports readiness it keeps doing so until rearmed.
func (dm *DM) ArmPoll() (*DeviceInfo, error) {
	hdr := newRequestHeader(0, 0, nil)

	info, _, err := dm.doIoctl(CmdDevArmPoll, hdr, nil)
	return info, err
}
