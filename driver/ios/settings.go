package ios

// WDA's built-in MJPEG server tuning knobs, applied at session creation.
const (
	SettingFramerate         = "mjpegServerFramerate"
	SettingScreenshotQuality = "mjpegServerScreenshotQuality"
	SettingScalingFactor     = "mjpegScalingFactor"
)

// DefaultMJPEGSettings returns the stock tuning: 30 fps at half quality and
// half scale, which keeps the stream responsive on USB without saturating it.
func DefaultMJPEGSettings() map[string]int {
	return map[string]int{
		SettingFramerate:         30,
		SettingScreenshotQuality: 50,
		SettingScalingFactor:     50,
	}
}

// BuildMJPEGSettings merges overrides into the defaults.  A nil override
// value removes that field from the emitted settings entirely; a non-nil one
// replaces it.
func BuildMJPEGSettings(overrides map[string]*int) map[string]int {
	merged := DefaultMJPEGSettings()
	for key, value := range overrides {
		if value == nil {
			delete(merged, key)
			continue
		}
		merged[key] = *value
	}
	return merged
}
