// Package hotkeys binds global keyboard shortcuts to engine triggers.
package hotkeys

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	snagerrors "github.com/snagtools/snag/internal/errors"
)

// Combo is a parsed shortcut: one or more modifiers plus a key.
type Combo struct {
	Mods []string
	Key  string
}

func (c Combo) String() string {
	return strings.Join(append(append([]string(nil), c.Mods...), c.Key), "+")
}

var modAliases = map[string]string{
	"ctrl":    "ctrl",
	"control": "ctrl",
	"shift":   "shift",
	"alt":     "alt",
	"opt":     "alt",
	"option":  "alt",
	"cmd":     "cmd",
	"command": "cmd",
	"meta":    "cmd",
}

// Modifier sort order for a stable String().
var modRank = map[string]int{"ctrl": 0, "alt": 1, "shift": 2, "cmd": 3}

var namedKeys = map[string]bool{
	"space": true, "enter": true, "tab": true, "esc": true,
}

// ParseCombo parses a config string like "ctrl+shift+s". Global shortcuts
// need at least one modifier; a bare key would shadow normal typing.
func ParseCombo(s string) (Combo, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "+")
	if len(parts) < 2 {
		return Combo{}, snagerrors.NewInvalidRequest(
			fmt.Sprintf("hotkey %q needs at least one modifier", s))
	}

	key := strings.TrimSpace(parts[len(parts)-1])
	if !validKey(key) {
		return Combo{}, snagerrors.NewInvalidRequest(
			fmt.Sprintf("hotkey %q has unrecognized key %q", s, key))
	}

	seen := make(map[string]bool)
	var mods []string
	for _, p := range parts[:len(parts)-1] {
		mod, ok := modAliases[strings.TrimSpace(p)]
		if !ok {
			return Combo{}, snagerrors.NewInvalidRequest(
				fmt.Sprintf("hotkey %q has unrecognized modifier %q", s, p))
		}
		if seen[mod] {
			continue
		}
		seen[mod] = true
		mods = append(mods, mod)
	}
	sort.Slice(mods, func(i, j int) bool { return modRank[mods[i]] < modRank[mods[j]] })

	return Combo{Mods: mods, Key: key}, nil
}

func validKey(key string) bool {
	if namedKeys[key] {
		return true
	}
	if len(key) != 1 {
		return false
	}
	c := key[0]
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// Registrar installs one OS-level global shortcut. The returned function
// removes it again.
type Registrar interface {
	Register(combo Combo, fire func()) (unregister func(), err error)
}

type binding struct {
	combo      Combo
	fire       func()
	unregister func()
}

// Coordinator owns the action-to-shortcut bindings. A shortcut the OS
// refuses (usually because another app holds it) leaves that one action
// disabled; the rest keep working.
type Coordinator struct {
	reg Registrar
	log *log.Logger

	mu       sync.Mutex
	bindings map[string]*binding
	disabled map[string]string // action -> combo that failed
}

func NewCoordinator(reg Registrar, logger *log.Logger) *Coordinator {
	return &Coordinator{
		reg:      reg,
		log:      logger,
		bindings: make(map[string]*binding),
		disabled: make(map[string]string),
	}
}

// Bind registers a shortcut for an action. On failure the action is recorded
// as disabled and a HOTKEY_CONFLICT error is returned.
func (c *Coordinator) Bind(action, comboStr string, fire func()) error {
	combo, err := ParseCombo(comboStr)
	if err != nil {
		c.markDisabled(action, comboStr)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bindLocked(action, combo, fire)
}

// Rebind swaps an action's shortcut. The old registration is removed before
// the new one is attempted, so remapping to a combo that differs only in
// modifiers never conflicts with itself.
func (c *Coordinator) Rebind(action, comboStr string) error {
	combo, err := ParseCombo(comboStr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.bindings[action]
	if !ok {
		return snagerrors.NewNotFound("hotkey binding", action)
	}
	old.unregister()
	delete(c.bindings, action)

	return c.bindLocked(action, combo, old.fire)
}

func (c *Coordinator) bindLocked(action string, combo Combo, fire func()) error {
	unregister, err := c.reg.Register(combo, fire)
	if err != nil {
		c.disabled[action] = combo.String()
		if c.log != nil {
			c.log.Warn("hotkey unavailable, action disabled",
				"action", action, "combo", combo.String(), "error", err)
		}
		return snagerrors.NewHotkeyConflict(action, combo.String(), err)
	}
	c.bindings[action] = &binding{combo: combo, fire: fire, unregister: unregister}
	delete(c.disabled, action)
	if c.log != nil {
		c.log.Debug("hotkey bound", "action", action, "combo", combo.String())
	}
	return nil
}

// Disabled returns the actions whose shortcuts could not be registered,
// mapped to the combo that failed.
func (c *Coordinator) Disabled() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.disabled))
	for k, v := range c.disabled {
		out[k] = v
	}
	return out
}

// Combo returns the active shortcut for an action, if bound.
func (c *Coordinator) Combo(action string) (Combo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bindings[action]
	if !ok {
		return Combo{}, false
	}
	return b.combo, true
}

// Close removes every registered shortcut.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for action, b := range c.bindings {
		b.unregister()
		delete(c.bindings, action)
	}
}

func (c *Coordinator) markDisabled(action, combo string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled[action] = combo
}
