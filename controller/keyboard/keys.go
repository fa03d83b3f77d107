package keyboard

import "strings"

// Modifier bits of the first report byte.
const (
	ModLeftCtrl   = 0x01
	ModLeftShift  = 0x02
	ModLeftAlt    = 0x04
	ModLeftGUI    = 0x08 // Windows/Command key
	ModRightCtrl  = 0x10
	ModRightShift = 0x20
	ModRightAlt   = 0x40
	ModRightGUI   = 0x80
)

// LED bits of the host's output report.
const (
	LEDNumLock    = 0x01
	LEDCapsLock   = 0x02
	LEDScrollLock = 0x04
	LEDCompose    = 0x08
	LEDKana       = 0x10
)

// HID usage codes (Keyboard/Keypad page) the typing helpers produce.
const (
	KeyA = 0x04
	KeyZ = 0x1D
	Key1 = 0x1E
	Key0 = 0x27

	KeyEnter      = 0x28
	KeyEscape     = 0x29
	KeyBackspace  = 0x2A
	KeyTab        = 0x2B
	KeySpace      = 0x2C
	KeyMinus      = 0x2D
	KeyEqual      = 0x2E
	KeyLeftBrace  = 0x2F
	KeyRightBrace = 0x30
	KeyBackslash  = 0x31
	KeySemicolon  = 0x33
	KeyApostrophe = 0x34
	KeyGrave      = 0x35
	KeyComma      = 0x36
	KeyPeriod     = 0x37
	KeySlash      = 0x38
	KeyCapsLock   = 0x39
	KeyF1         = 0x3A
	KeyF12        = 0x45
	KeyDelete     = 0x4C
	KeyRight      = 0x4F
	KeyLeft       = 0x50
	KeyDown       = 0x51
	KeyUp         = 0x52
	KeyMenu       = 0x65
)

// symbols maps punctuation to its key; the second value is the shifted
// character on the same key.
var symbols = map[byte]struct {
	key     uint8
	shifted byte
}{
	'-': {KeyMinus, '_'}, '=': {KeyEqual, '+'}, '[': {KeyLeftBrace, '{'},
	']': {KeyRightBrace, '}'}, '\\': {KeyBackslash, '|'}, ';': {KeySemicolon, ':'},
	'\'': {KeyApostrophe, '"'}, '`': {KeyGrave, '~'}, ',': {KeyComma, '<'},
	'.': {KeyPeriod, '>'}, '/': {KeySlash, '?'},
}

const shiftedDigits = ")!@#$%^&*("

// CharToKey returns the key and modifiers that type c on a US layout.
func CharToKey(c byte) (key uint8, mods uint8, ok bool) {
	switch {
	case c >= 'a' && c <= 'z':
		return KeyA + (c - 'a'), 0, true
	case c >= 'A' && c <= 'Z':
		return KeyA + (c - 'A'), ModLeftShift, true
	case c == '0':
		return Key0, 0, true
	case c >= '1' && c <= '9':
		return Key1 + (c - '1'), 0, true
	case c == ' ':
		return KeySpace, 0, true
	case c == '\n' || c == '\r':
		return KeyEnter, 0, true
	case c == '\t':
		return KeyTab, 0, true
	}
	if i := strings.IndexByte(shiftedDigits, c); i >= 0 {
		if i == 0 {
			return Key0, ModLeftShift, true
		}
		return Key1 + uint8(i-1), ModLeftShift, true
	}
	if s, found := symbols[c]; found {
		return s.key, 0, true
	}
	for _, s := range symbols {
		if s.shifted == c {
			return s.key, ModLeftShift, true
		}
	}
	return 0, 0, false
}

var namedKeys = map[string]uint8{
	"enter": KeyEnter, "return": KeyEnter, "esc": KeyEscape, "escape": KeyEscape,
	"backspace": KeyBackspace, "tab": KeyTab, "space": KeySpace, "capslock": KeyCapsLock,
	"delete": KeyDelete, "right": KeyRight, "left": KeyLeft, "down": KeyDown, "up": KeyUp,
	"menu": KeyMenu,
}

var namedMods = map[string]uint8{
	"ctrl": ModLeftCtrl, "shift": ModLeftShift, "alt": ModLeftAlt, "gui": ModLeftGUI,
	"win": ModLeftGUI, "cmd": ModLeftGUI, "rctrl": ModRightCtrl, "rshift": ModRightShift,
	"ralt": ModRightAlt, "rgui": ModRightGUI,
}

// ParseCombo parses a key combination such as "ctrl+alt+delete" or "gui+r".
func ParseCombo(s string) (mods uint8, keys []uint8, ok bool) {
	for part := range strings.SplitSeq(strings.ToLower(s), "+") {
		part = strings.TrimSpace(part)
		if m, found := namedMods[part]; found {
			mods |= m
			continue
		}
		if k, found := namedKeys[part]; found {
			keys = append(keys, k)
			continue
		}
		if len(part) == 2 && part[0] == 'f' && part[1] >= '1' && part[1] <= '9' {
			keys = append(keys, KeyF1+(part[1]-'1'))
			continue
		}
		if len(part) == 3 && part[0] == 'f' && part[1] == '1' && part[2] >= '0' && part[2] <= '2' {
			keys = append(keys, KeyF1+9+(part[2]-'0'))
			continue
		}
		if len(part) == 1 {
			if k, m, found := CharToKey(part[0]); found {
				keys = append(keys, k)
				mods |= m
				continue
			}
		}
		return 0, nil, false
	}
	return mods, keys, true
}
