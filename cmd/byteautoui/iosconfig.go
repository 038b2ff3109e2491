package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/ByteTrue/byteautoui/driver/ios"
	"github.com/ByteTrue/byteautoui/iosconfig"
)

// runIOSConfig manages the per-device WDA settings store without needing a
// running server.
func runIOSConfig(arguments []string) error {
	if len(arguments) == 0 {
		iosConfigUsage(os.Stderr)
		return fmt.Errorf("ios-config: a subcommand is required")
	}

	store, err := iosconfig.NewDefault()
	if err != nil {
		return err
	}

	subcommand, rest := arguments[0], arguments[1:]
	switch subcommand {
	case "list-devices":
		return iosListDevices()

	case "show":
		if len(rest) != 1 {
			return fmt.Errorf("usage: %s ios-config show <udid>", applicationName)
		}
		printDeviceConfig(rest[0], store.Get(rest[0]))
		return nil

	case "show-all":
		all := store.All()
		if len(all) == 0 {
			fmt.Println("no device configurations found")
			return nil
		}
		for udid, config := range all {
			printDeviceConfig(udid, config)
		}
		fmt.Printf("config file: %s\n", store.Path())
		return nil

	case "set-bundle-id":
		if len(rest) != 2 {
			return fmt.Errorf("usage: %s ios-config set-bundle-id <udid> <bundle-id>", applicationName)
		}
		if err := store.SetBundleID(rest[0], rest[1]); err != nil {
			return err
		}
		fmt.Printf("WDA bundle id saved for %s\n", rest[0])
		return nil

	case "set-port":
		if len(rest) != 2 {
			return fmt.Errorf("usage: %s ios-config set-port <udid> <port>", applicationName)
		}
		port, err := strconv.Atoi(rest[1])
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %q", rest[1])
		}
		if err := store.SetPort(rest[0], port); err != nil {
			return err
		}
		fmt.Printf("WDA port saved for %s\n", rest[0])
		return nil

	case "clear":
		if len(rest) != 1 {
			return fmt.Errorf("usage: %s ios-config clear <udid>", applicationName)
		}
		if err := store.Clear(rest[0]); err != nil {
			return err
		}
		fmt.Printf("config cleared for %s\n", rest[0])
		return nil

	default:
		iosConfigUsage(os.Stderr)
		return fmt.Errorf("ios-config: unknown subcommand %q", subcommand)
	}
}

func iosListDevices() error {
	devices, err := ios.ListDevices("")
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no iOS devices found")
		return nil
	}
	for _, device := range devices {
		fmt.Printf("%s\tmodel=%s\tname=%s\n", device.Serial, orUnknown(device.Model), orUnknown(device.Name))
	}
	return nil
}

func printDeviceConfig(udid string, config iosconfig.DeviceConfig) {
	bundleID := config.BundleID
	if bundleID == "" {
		bundleID = iosconfig.DefaultBundleID
	}
	port := config.Port
	if port == 0 {
		port = iosconfig.DefaultPort
	}
	fmt.Printf("%s\n  wda_bundle_id: %s\n  wda_port: %d\n", udid, bundleID, port)
}

func orUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

func iosConfigUsage(w *os.File) {
	fmt.Fprintf(w, `usage: %s ios-config <subcommand>

subcommands:
  list-devices                 list attached iOS devices
  show <udid>                  show one device's WDA settings
  show-all                     show every stored configuration
  set-bundle-id <udid> <id>    set the WDA runner bundle id
  set-port <udid> <port>       set the WDA control port
  clear <udid>                 remove a device's stored settings
`, applicationName)
}
