package ios

import (
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/tunnel"
	"github.com/ByteTrue/byteautoui/uierr"
)

// ListDevices enumerates attached iOS devices via the go-ios CLI.
func ListDevices(executable string) ([]driver.DeviceInfo, error) {
	if executable == "" {
		executable = tunnel.DefaultExecutable
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, executable, "list").Output()
	if err != nil {
		return nil, uierr.Wrap(uierr.KindHelperSpawnFailure, err, "ios device listing")
	}
	return parseDeviceList(output)
}

func parseDeviceList(output []byte) ([]driver.DeviceInfo, error) {
	var listing struct {
		DeviceList []string `json:"deviceList"`
	}
	if err := json.Unmarshal(output, &listing); err != nil {
		return nil, uierr.Wrap(uierr.KindParseError, err, "ios list output")
	}

	devices := make([]driver.DeviceInfo, 0, len(listing.DeviceList))
	for _, udid := range listing.DeviceList {
		devices = append(devices, driver.DeviceInfo{
			Serial:  udid,
			Status:  "device",
			Enabled: true,
		})
	}
	return devices, nil
}
