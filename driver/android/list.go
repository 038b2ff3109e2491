package android

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/uierr"
)

// ListDevices enumerates attached devices via `adb devices -l`.  Devices in
// a non-ready state (offline, unauthorized) are reported disabled.
func ListDevices(executable string) ([]driver.DeviceInfo, error) {
	if executable == "" {
		executable = DefaultExecutable
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, executable, "devices", "-l").Output()
	if err != nil {
		return nil, uierr.Wrap(uierr.KindHelperSpawnFailure, err, "bridge device listing")
	}
	return parseDeviceList(string(output)), nil
}

func parseDeviceList(output string) []driver.DeviceInfo {
	var devices []driver.DeviceInfo
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		info := driver.DeviceInfo{
			Serial:  fields[0],
			Status:  fields[1],
			Enabled: fields[1] == "device",
		}
		for _, field := range fields[2:] {
			key, value, ok := strings.Cut(field, ":")
			if !ok {
				continue
			}
			switch key {
			case "device":
				info.Name = value
			case "model":
				info.Model = value
			case "product":
				info.Product = value
			}
		}
		devices = append(devices, info)
	}
	return devices
}
