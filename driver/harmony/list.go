package harmony

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/uierr"
)

// ListDevices enumerates attached HarmonyOS devices via `hdc list targets`.
func ListDevices(executable string) ([]driver.DeviceInfo, error) {
	if executable == "" {
		executable = DefaultExecutable
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, executable, "list", "targets").Output()
	if err != nil {
		return nil, uierr.Wrap(uierr.KindHelperSpawnFailure, err, "hdc device listing")
	}
	return parseTargetList(string(output)), nil
}

func parseTargetList(output string) []driver.DeviceInfo {
	var devices []driver.DeviceInfo
	for _, line := range strings.Split(output, "\n") {
		serial := strings.TrimSpace(line)
		if serial == "" || strings.HasPrefix(serial, "[Empty]") {
			continue
		}
		devices = append(devices, driver.DeviceInfo{
			Serial:  serial,
			Status:  "device",
			Enabled: true,
		})
	}
	return devices
}

func tempDir(override string) string {
	if override != "" {
		return override
	}
	return os.TempDir()
}
