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

// dmctl is a small dmsetup-alike built on the native ioctl transport,
// mainly useful for poking at the device-mapper driver and as a usage
// example for the library.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/containerd/log"
	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"

	devmapper "github.com/containerd/go-devmapper"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "dmctl: %s\n", err)
		os.Exit(1)
	}
}

func app() *cli.App {
	app := cli.NewApp()
	app.Name = "dmctl"
	app.Usage = "control the Linux device-mapper driver"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Aliases: []string{"l"},
			Usage:   "Set the logging level [trace, debug, info, warn, error, fatal, panic]",
			Value:   "info",
		},
	}
	app.Before = func(cliCtx *cli.Context) error {
		return log.SetLevel(cliCtx.String("log-level"))
	}
	app.Commands = []*cli.Command{
		versionCommand,
		targetsCommand,
		listCommand,
		createCommand,
		removeCommand,
		removeAllCommand,
		renameCommand,
		suspendCommand,
		resumeCommand,
		infoCommand,
		tableCommand,
		statusCommand,
		depsCommand,
		loadCommand,
		clearCommand,
		messageCommand,
		waitCommand,
		armPollCommand,
	}
	return app
}

// withDM opens the control device for the duration of one command.
func withDM(fn func(dm *devmapper.DM, cliCtx *cli.Context) error) cli.ActionFunc {
	return func(cliCtx *cli.Context) error {
		dm, err := devmapper.New()
		if err != nil {
			return err
		}
		defer dm.Close()
		return fn(dm, cliCtx)
	}
}

// deviceID builds the device identifier from the command's first
// argument, treating it as a uuid when --uuid is given.
func deviceID(cliCtx *cli.Context) (devmapper.DeviceID, error) {
	arg := cliCtx.Args().First()
	if cliCtx.Bool("uuid") {
		return devmapper.NewDeviceUUID(arg)
	}
	return devmapper.NewDeviceName(arg)
}

var uuidFlag = &cli.BoolFlag{
	Name:  "uuid",
	Usage: "Address the device by uuid instead of name",
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Print the driver's ioctl interface version",
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		version, err := dm.Version()
		if err != nil {
			return err
		}
		fmt.Printf("driver version: %s\n", version)
		return nil
	}),
}

var targetsCommand = &cli.Command{
	Name:  "targets",
	Usage: "List loaded target types and their versions",
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		targets, err := dm.ListVersions()
		if err != nil {
			return err
		}
		for _, target := range targets {
			fmt.Printf("%-16s v%s\n", target.Name, target.Version)
		}
		return nil
	}),
}

var listCommand = &cli.Command{
	Name:    "ls",
	Aliases: []string{"list"},
	Usage:   "List devices",
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		devices, err := dm.ListDevices()
		if err != nil {
			return err
		}
		for _, dev := range devices {
			if dev.EventNumberValid {
				fmt.Printf("%s\t(%s)\tevent %d\n", dev.Name, dev.Dev, dev.EventNumber)
			} else {
				fmt.Printf("%s\t(%s)\n", dev.Name, dev.Dev)
			}
		}
		return nil
	}),
}

var createCommand = &cli.Command{
	Name:      "create",
	Usage:     "Create a device with empty table slots",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "set-uuid",
			Usage: "Set the device uuid at creation time",
		},
		&cli.BoolFlag{
			Name:  "read-only",
			Usage: "Create the device read-only",
		},
	},
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		name, err := devmapper.NewDeviceName(cliCtx.Args().First())
		if err != nil {
			return err
		}

		var uuid devmapper.DeviceUUID
		if s := cliCtx.String("set-uuid"); s != "" {
			if uuid, err = devmapper.NewDeviceUUID(s); err != nil {
				return err
			}
		}

		var flags devmapper.Flags
		if cliCtx.Bool("read-only") {
			flags |= devmapper.FlagReadOnly
		}

		info, err := dm.CreateDevice(name, uuid, flags)
		if err != nil {
			return err
		}
		log.G(cliCtx.Context).Debugf("created device %s (%s)", info.Name, info.Dev)
		fmt.Printf("%s\t(%s)\n", info.Name, info.Dev)
		return nil
	}),
}

var removeCommand = &cli.Command{
	Name:      "remove",
	Usage:     "Remove a device and destroy its tables",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		uuidFlag,
		&cli.BoolFlag{
			Name:  "deferred",
			Usage: "Remove an in-use device once its last user closes it",
		},
	},
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		id, err := deviceID(cliCtx)
		if err != nil {
			return err
		}

		var flags devmapper.Flags
		if cliCtx.Bool("deferred") {
			flags |= devmapper.FlagDeferredRemove
		}

		_, err = dm.RemoveDevice(id, flags)
		return err
	}),
}

var removeAllCommand = &cli.Command{
	Name:  "remove-all",
	Usage: "Remove all devices and destroy all tables (debugging aid)",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "deferred",
			Usage: "Remove in-use devices once their last users close them",
		},
	},
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		var flags devmapper.Flags
		if cliCtx.Bool("deferred") {
			flags |= devmapper.FlagDeferredRemove
		}
		return dm.RemoveAll(flags)
	}),
}

var renameCommand = &cli.Command{
	Name:      "rename",
	Usage:     "Rename a device, or set its uuid for the first time",
	ArgsUsage: "<name> <new-name|new-uuid>",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "set-uuid",
			Usage: "Treat the second argument as the uuid to set",
		},
	},
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		oldName, err := devmapper.NewDeviceName(cliCtx.Args().Get(0))
		if err != nil {
			return err
		}

		var newID devmapper.DeviceID
		if cliCtx.Bool("set-uuid") {
			newID, err = devmapper.NewDeviceUUID(cliCtx.Args().Get(1))
		} else {
			newID, err = devmapper.NewDeviceName(cliCtx.Args().Get(1))
		}
		if err != nil {
			return err
		}

		_, err = dm.RenameDevice(oldName, newID)
		return err
	}),
}

var suspendCommand = &cli.Command{
	Name:      "suspend",
	Usage:     "Suspend a device, holding further I/O until resume",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		uuidFlag,
		&cli.BoolFlag{
			Name:  "noflush",
			Usage: "Do not flush queued I/O first",
		},
		&cli.BoolFlag{
			Name:  "nolockfs",
			Usage: "Do not attempt to freeze the backing filesystem",
		},
	},
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		id, err := deviceID(cliCtx)
		if err != nil {
			return err
		}

		flags := devmapper.FlagSuspend
		if cliCtx.Bool("noflush") {
			flags |= devmapper.FlagNoFlush
		}
		if cliCtx.Bool("nolockfs") {
			flags |= devmapper.FlagSkipLockFS
		}

		_, err = dm.SuspendDevice(id, flags)
		return err
	}),
}

var resumeCommand = &cli.Command{
	Name:      "resume",
	Usage:     "Resume a device, promoting any staged inactive table",
	ArgsUsage: "<name>",
	Flags:     []cli.Flag{uuidFlag},
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		id, err := deviceID(cliCtx)
		if err != nil {
			return err
		}

		_, err = dm.SuspendDevice(id, 0)
		return err
	}),
}

var infoCommand = &cli.Command{
	Name:      "info",
	Usage:     "Show a device's status header",
	ArgsUsage: "<name>",
	Flags:     []cli.Flag{uuidFlag},
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		id, err := deviceID(cliCtx)
		if err != nil {
			return err
		}

		info, err := dm.DeviceStatus(id)
		if err != nil {
			return err
		}

		fmt.Printf("Name:        %s\n", info.Name)
		fmt.Printf("UUID:        %s\n", info.UUID)
		fmt.Printf("Device:      %s\n", info.Dev)
		fmt.Printf("Open count:  %d\n", info.OpenCount)
		fmt.Printf("Targets:     %d\n", info.TargetCount)
		fmt.Printf("Event:       %d\n", info.EventNumber)
		fmt.Printf("Suspended:   %v\n", info.Flags&devmapper.FlagSuspend != 0)
		fmt.Printf("Read-only:   %v\n", info.Flags&devmapper.FlagReadOnly != 0)
		fmt.Printf("Live table:  %v\n", info.Flags&devmapper.FlagActivePresent != 0)
		fmt.Printf("Inactive:    %v\n", info.Flags&devmapper.FlagInactivePresent != 0)
		return nil
	}),
}

func printTargets(targets []devmapper.Target, sizes bool) {
	for _, t := range targets {
		if sizes {
			size := units.HumanSize(float64(t.Length) * 512)
			fmt.Printf("%d %d %s %s\t# %s\n", t.Start, t.Length, t.Type, t.Params, size)
		} else {
			fmt.Printf("%d %d %s %s\n", t.Start, t.Length, t.Type, t.Params)
		}
	}
}

var tableCommand = &cli.Command{
	Name:      "table",
	Usage:     "Show the table of a device's active slot",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		uuidFlag,
		&cli.BoolFlag{
			Name:  "inactive",
			Usage: "Show the inactive table instead",
		},
	},
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		id, err := deviceID(cliCtx)
		if err != nil {
			return err
		}

		flags := devmapper.FlagStatusTable
		if cliCtx.Bool("inactive") {
			flags |= devmapper.FlagQueryInactiveTable
		}

		_, targets, err := dm.TableStatus(id, flags)
		if err != nil {
			return err
		}
		printTargets(targets, false)
		return nil
	}),
}

var statusCommand = &cli.Command{
	Name:      "status",
	Usage:     "Show per-target status for a device's active table",
	ArgsUsage: "<name>",
	Flags: []cli.Flag{
		uuidFlag,
		&cli.BoolFlag{
			Name:  "noflush",
			Usage: "Do not force a metadata write on targets with metadata",
		},
	},
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		id, err := deviceID(cliCtx)
		if err != nil {
			return err
		}

		var flags devmapper.Flags
		if cliCtx.Bool("noflush") {
			flags |= devmapper.FlagNoFlush
		}

		_, targets, err := dm.TableStatus(id, flags)
		if err != nil {
			return err
		}
		printTargets(targets, true)
		return nil
	}),
}

var depsCommand = &cli.Command{
	Name:      "deps",
	Usage:     "List the devices the active table depends on",
	ArgsUsage: "<name>",
	Flags:     []cli.Flag{uuidFlag},
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		id, err := deviceID(cliCtx)
		if err != nil {
			return err
		}

		deps, err := dm.TableDeps(id, 0)
		if err != nil {
			return err
		}
		for _, dep := range deps {
			fmt.Printf("%s\n", dep)
		}
		return nil
	}),
}

var loadCommand = &cli.Command{
	Name:      "load",
	Usage:     "Load a table into a device's inactive slot from stdin",
	ArgsUsage: "<name>   (rows: <start> <length> <type> <params...>)",
	Flags: []cli.Flag{
		uuidFlag,
		&cli.BoolFlag{
			Name:  "read-only",
			Usage: "Load the table read-only",
		},
	},
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		id, err := deviceID(cliCtx)
		if err != nil {
			return err
		}

		targets, err := readTable(os.Stdin)
		if err != nil {
			return err
		}

		var flags devmapper.Flags
		if cliCtx.Bool("read-only") {
			flags |= devmapper.FlagReadOnly
		}

		if _, err := dm.LoadTable(id, targets, flags); err != nil {
			return err
		}
		log.G(cliCtx.Context).Debugf("loaded %d targets into inactive slot of %s", len(targets), id)
		return nil
	}),
}

var clearCommand = &cli.Command{
	Name:      "clear",
	Usage:     "Destroy any table in a device's inactive slot",
	ArgsUsage: "<name>",
	Flags:     []cli.Flag{uuidFlag},
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		id, err := deviceID(cliCtx)
		if err != nil {
			return err
		}

		_, err = dm.ClearTable(id)
		return err
	}),
}

var messageCommand = &cli.Command{
	Name:      "message",
	Usage:     "Send a message to the target at a sector of a device",
	ArgsUsage: "<name> <message...>",
	Flags: []cli.Flag{
		uuidFlag,
		&cli.Uint64Flag{
			Name:  "sector",
			Usage: "Sector addressing the target (0 for whole-device targets)",
		},
	},
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		id, err := deviceID(cliCtx)
		if err != nil {
			return err
		}

		message := strings.Join(cliCtx.Args().Tail(), " ")
		info, output, err := dm.TargetMessage(id, cliCtx.Uint64("sector"), message)
		if err != nil {
			return err
		}
		if info.Flags&devmapper.FlagDataOut != 0 {
			fmt.Println(output)
		}
		return nil
	}),
}

var waitCommand = &cli.Command{
	Name:      "wait",
	Usage:     "Wait for an event on a device, then show target status",
	ArgsUsage: "<name>",
	Flags:     []cli.Flag{uuidFlag},
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		id, err := deviceID(cliCtx)
		if err != nil {
			return err
		}

		info, targets, err := dm.WaitDevice(id, 0)
		if err != nil {
			return err
		}
		fmt.Printf("event %d\n", info.EventNumber)
		printTargets(targets, false)
		return nil
	}),
}

var armPollCommand = &cli.Command{
	Name:  "arm-poll",
	Usage: "Rearm event polling on the control device",
	Action: withDM(func(dm *devmapper.DM, cliCtx *cli.Context) error {
		_, err := dm.ArmPoll()
		return err
	}),
}

// readTable parses table rows in dmsetup's textual form, one target
// per line: start and length in sectors, the target type and its
// parameter string.
func readTable(r *os.File) ([]devmapper.Target, error) {
	var targets []devmapper.Target

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.SplitN(line, " ", 4)
		if len(fields) < 3 {
			return nil, fmt.Errorf("table row %q needs at least start, length and type", line)
		}

		start, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad start sector in row %q: %w", line, err)
		}
		length, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad length in row %q: %w", line, err)
		}

		target := devmapper.Target{
			Start:  start,
			Length: length,
			Type:   fields[2],
		}
		if len(fields) == 4 {
			target.Params = fields[3]
		}
		targets = append(targets, target)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return targets, nil
}
