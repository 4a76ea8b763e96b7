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

// Flags is the bitmask carried in the flags field of struct dm_ioctl.
// Bits documented "In" are meaningful on requests, bits documented "Out"
// are set by the kernel on responses. Each DM method masks its input
// flags against the subset meaningful for that command and silently
// drops the rest; this matches the kernel's own input sanitization.
type Flags uint32

const (
	// FlagReadOnly - In: make the device read-only.
	// Out: device is currently read-only.
	FlagReadOnly Flags = 1 << 0

	// FlagSuspend - In: suspend the device; if cleared, resume it.
	// Out: device is currently suspended.
	FlagSuspend Flags = 1 << 1

	// Bit 1<<2 is unused in the kernel ABI.

	// FlagPersistentDev - In: use the minor number passed in the header's
	// dev field instead of allocating a new one.
	FlagPersistentDev Flags = 1 << 3

	// FlagStatusTable - In: for table status, return the table contents
	// rather than target-specific status.
	FlagStatusTable Flags = 1 << 4

	// FlagActivePresent - Out: an active table is present.
	FlagActivePresent Flags = 1 << 5

	// FlagInactivePresent - Out: an inactive table is present.
	FlagInactivePresent Flags = 1 << 6

	// FlagBufferFull - Out: the supplied buffer was too small for the
	// response; grow it and reissue the identical request.
	FlagBufferFull Flags = 1 << 8

	// FlagSkipBDGet - In: obsolete, ignored by current kernels.
	FlagSkipBDGet Flags = 1 << 9

	// FlagSkipLockFS - In: when suspending, do not attempt to freeze any
	// filesystem backed by the device.
	FlagSkipLockFS Flags = 1 << 10

	// FlagNoFlush - In: when suspending, do not flush queued I/O first.
	// Also suppresses metadata flushes for some status queries.
	FlagNoFlush Flags = 1 << 11

	// FlagQueryInactiveTable - In: query the inactive table rather than
	// the active one. Check FlagInactivePresent on the response before
	// trusting the returned data.
	FlagQueryInactiveTable Flags = 1 << 12

	// FlagUeventGenerated - Out: a uevent was generated for this request.
	FlagUeventGenerated Flags = 1 << 13

	// FlagUUID - In: for rename, change the uuid field (permitted only if
	// no uuid was previously set) instead of the name.
	FlagUUID Flags = 1 << 14

	// FlagSecureData - In: wipe all kernel-internal buffers for this
	// request before returning; use when passing encryption keys.
	FlagSecureData Flags = 1 << 15

	// FlagDataOut - Out: a target message generated output data.
	FlagDataOut Flags = 1 << 16

	// FlagDeferredRemove - In: for remove and remove-all, schedule in-use
	// devices for removal once their last user closes them.
	// Out: the device is scheduled for deferred removal.
	FlagDeferredRemove Flags = 1 << 17

	// FlagInternalSuspend - Out: the device is suspended internally.
	FlagInternalSuspend Flags = 1 << 18

	// FlagIMAMeasurement - In: return the raw table information that
	// would be measured by the IMA subsystem on state change.
	FlagIMAMeasurement Flags = 1 << 19
)
