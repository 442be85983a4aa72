//go:build darwin

package hotkeys

import "golang.design/x/hotkey"

func init() {
	sysMods["alt"] = hotkey.ModOption
	sysMods["cmd"] = hotkey.ModCmd
}
