package hotkeys

import (
	"fmt"

	"golang.design/x/hotkey"
)

// sysMods maps portable modifier names to OS registrations. Platform files
// extend this with the modifiers that exist there.
var sysMods = map[string]hotkey.Modifier{
	"ctrl":  hotkey.ModCtrl,
	"shift": hotkey.ModShift,
}

var sysKeys = map[string]hotkey.Key{
	"a": hotkey.KeyA, "b": hotkey.KeyB, "c": hotkey.KeyC, "d": hotkey.KeyD,
	"e": hotkey.KeyE, "f": hotkey.KeyF, "g": hotkey.KeyG, "h": hotkey.KeyH,
	"i": hotkey.KeyI, "j": hotkey.KeyJ, "k": hotkey.KeyK, "l": hotkey.KeyL,
	"m": hotkey.KeyM, "n": hotkey.KeyN, "o": hotkey.KeyO, "p": hotkey.KeyP,
	"q": hotkey.KeyQ, "r": hotkey.KeyR, "s": hotkey.KeyS, "t": hotkey.KeyT,
	"u": hotkey.KeyU, "v": hotkey.KeyV, "w": hotkey.KeyW, "x": hotkey.KeyX,
	"y": hotkey.KeyY, "z": hotkey.KeyZ,
	"0": hotkey.Key0, "1": hotkey.Key1, "2": hotkey.Key2, "3": hotkey.Key3,
	"4": hotkey.Key4, "5": hotkey.Key5, "6": hotkey.Key6, "7": hotkey.Key7,
	"8": hotkey.Key8, "9": hotkey.Key9,
	"space": hotkey.KeySpace,
	"enter": hotkey.KeyReturn,
	"tab":   hotkey.KeyTab,
	"esc":   hotkey.KeyEscape,
}

// SystemRegistrar installs real OS-level global shortcuts.
type SystemRegistrar struct{}

func (SystemRegistrar) Register(combo Combo, fire func()) (func(), error) {
	var mods []hotkey.Modifier
	for _, m := range combo.Mods {
		sm, ok := sysMods[m]
		if !ok {
			return nil, fmt.Errorf("modifier %q is not supported on this platform", m)
		}
		mods = append(mods, sm)
	}
	key, ok := sysKeys[combo.Key]
	if !ok {
		return nil, fmt.Errorf("key %q cannot be registered", combo.Key)
	}

	hk := hotkey.New(mods, key)
	if err := hk.Register(); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-hk.Keydown():
				fire()
			}
		}
	}()

	return func() {
		close(done)
		hk.Unregister()
	}, nil
}
