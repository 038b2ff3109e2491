package android

import (
	"os"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cast"

	"github.com/ByteTrue/byteautoui/logging"
)

// Environment overrides for the bridge and agent timeouts.  Values are
// seconds, float, and must be positive; anything else falls back silently to
// the default after a warning.
const (
	ScreenshotTimeoutEnv = "UIAUTODEV_ANDROID_SCREENSHOT_TIMEOUT"
	HierarchyTimeoutEnv  = "UIAUTODEV_ANDROID_HIERARCHY_TIMEOUT"
	RPCTimeoutEnv        = "UIAUTODEV_ANDROID_U2_RPC_TIMEOUT"
	UseBridgeDriverEnv   = "UIAUTODEV_USE_ADB_DRIVER"

	defaultScreenshotTimeout = 15 * time.Second
	defaultHierarchyTimeout  = 20 * time.Second
	defaultRPCTimeout        = 15 * time.Second
)

func envSeconds(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}

	seconds, err := cast.ToFloat64E(raw)
	if err != nil || seconds <= 0 {
		logging.DefaultLogger().Log(level.Key(), level.WarnValue(),
			logging.MessageKey(), "invalid timeout override, using default",
			"env", name, "value", raw, "default", fallback.String())
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

func screenshotTimeout() time.Duration {
	return envSeconds(ScreenshotTimeoutEnv, defaultScreenshotTimeout)
}

func hierarchyTimeout() time.Duration {
	return envSeconds(HierarchyTimeoutEnv, defaultHierarchyTimeout)
}

func rpcTimeout() time.Duration {
	return envSeconds(RPCTimeoutEnv, defaultRPCTimeout)
}

// UseBridgeDriver reports whether the environment forces the plain bridge
// driver over the agent driver.
func UseBridgeDriver() bool {
	switch os.Getenv(UseBridgeDriverEnv) {
	case "1", "true", "True":
		return true
	}
	return false
}
