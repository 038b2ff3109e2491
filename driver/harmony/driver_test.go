package harmony

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/hierarchy"
	"github.com/ByteTrue/byteautoui/uierr"
)

const harmonyLayoutXML = `<?xml version="1.0" encoding="UTF-8"?>
<hierarchy rotation="0">
  <node index="0" text="" id="" type="RootContainer" bounds="[0,0][1260,2720]">
    <node index="0" text="Settings" id="settings_title" type="Text" bounds="[40,100][400,180]"/>
  </node>
</hierarchy>`

// writeHdcScript fakes the hdc CLI; body receives args after "-t <serial>".
func writeHdcScript(t *testing.T, body string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "hdc")
	script := "#!/bin/sh\nshift 2\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestParseTargetList(t *testing.T) {
	var (
		assert = assert.New(t)
	)

	devices := parseTargetList("FMR0224C13000649\n8KE0224C17000312\n")
	require.Len(t, devices, 2)
	assert.Equal("FMR0224C13000649", devices[0].Serial)
	assert.True(devices[0].Enabled)

	assert.Empty(parseTargetList("[Empty]\n"))
}

func TestWindowSize(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
	)

	hdc := writeHdcScript(t, `echo "activeScreenId=0 physical screen resolution: 1260x2720"`)
	d := NewDriver("serial-1", WithExecutable(hdc))

	size, err := d.WindowSize()
	require.NoError(err)
	assert.Equal(1260, size.Width)
	assert.Equal(2720, size.Height)
}

func TestDumpHierarchy(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
		dir     = t.TempDir()
	)

	layoutFile := filepath.Join(dir, "layout.xml")
	require.NoError(os.WriteFile(layoutFile, []byte(harmonyLayoutXML), 0o644))

	// `file recv` copies the canned layout into the requested local path
	hdc := writeHdcScript(t, fmt.Sprintf(`case "$1" in
file) cp %s "$4" ;;
shell)
  case "$2" in
  *dumpLayout*) echo "DumpLayout saved" ;;
  *hidumper*) echo "resolution: 1260x2720" ;;
  esac ;;
esac`, layoutFile))
	d := NewDriver("serial-1", WithExecutable(hdc), WithTempDir(t.TempDir()))

	source, root, err := d.DumpHierarchy()
	require.NoError(err)
	assert.Contains(source, "settings_title")
	require.NotNil(root)
	assert.Equal(3, root.Count())

	// harmony uses id/type; the alias table maps resourceId accordingly
	raw, ok := hierarchy.AttributeAlias("harmony", "resourceId")
	assert.True(ok)
	assert.Equal("id", raw)
}

func TestAppCurrent(t *testing.T) {
	var (
		assert  = assert.New(t)
		require = require.New(t)
	)

	hdc := writeHdcScript(t, `echo "  Mission ID #42  mission name #[#com.huawei.hmos.settings:entry:EntryAbility]  lockedState #0  mission affinity #[]"
echo "  bundle name [com.huawei.hmos.settings]"`)
	d := NewDriver("serial-1", WithExecutable(hdc))

	current, err := d.AppCurrent()
	require.NoError(err)
	assert.Equal("com.huawei.hmos.settings", current.Package)
}

func TestPressKey(t *testing.T) {
	assert := assert.New(t)

	d := NewDriver("serial-1", WithExecutable(writeHdcScript(t, "echo ok")))
	assert.NoError(d.PressKey(driver.KeyHome))
	assert.NoError(d.PressKey(driver.KeyVolumeUp))
	assert.NoError(d.PressKey(driver.KeyWakeUp))
	assert.True(uierr.Is(d.PressKey(driver.KeyAppSwitch), uierr.KindNotImplemented))
	assert.True(uierr.Is(d.PressKey(driver.Key("turbo")), uierr.KindInvalidArgument))
}
