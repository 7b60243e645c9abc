// Package event merges keyboard input, timer ticks and cancellation into a
// single ordered stream for the engine loop.
package event

import (
	"fmt"
	"time"
)

// Kind discriminates events.
type Kind uint8

const (
	KindInput Kind = iota + 1
	KindTick
	KindCancel
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindTick:
		return "tick"
	case KindCancel:
		return "cancel"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event is one item on the bus. Key is set only for KindInput.
type Event struct {
	Kind Kind
	Key  Key
	At   time.Time
}

// Input wraps a keystroke.
func Input(k Key) Event {
	return Event{Kind: KindInput, Key: k, At: time.Now()}
}

// Tick marks one scheduled poll.
func Tick(at time.Time) Event {
	return Event{Kind: KindTick, At: at}
}

// Cancel requests shutdown.
func Cancel() Event {
	return Event{Kind: KindCancel, At: time.Now()}
}

// KeyCode identifies non-printable keys.
type KeyCode uint8

const (
	KeyRune KeyCode = iota
	KeyUp
	KeyDown
	KeyLeft
	KeyRight
	KeyEnter
	KeyEsc
	KeyTab
	KeyBackspace
	KeyCtrlC
	KeyHome
	KeyEnd
	KeyPageUp
	KeyPageDown
)

var keyNames = map[KeyCode]string{
	KeyUp:        "up",
	KeyDown:      "down",
	KeyLeft:      "left",
	KeyRight:     "right",
	KeyEnter:     "enter",
	KeyEsc:       "esc",
	KeyTab:       "tab",
	KeyBackspace: "backspace",
	KeyCtrlC:     "ctrl+c",
	KeyHome:      "home",
	KeyEnd:       "end",
	KeyPageUp:    "pgup",
	KeyPageDown:  "pgdn",
}

// Key is a decoded keystroke. Rune is set only for KeyRune.
type Key struct {
	Code KeyCode
	Rune rune
}

// Char returns the key for a printable rune.
func Char(r rune) Key {
	return Key{Code: KeyRune, Rune: r}
}

// Special returns the key for a non-printable code.
func Special(code KeyCode) Key {
	return Key{Code: code}
}

func (k Key) String() string {
	if k.Code == KeyRune {
		return string(k.Rune)
	}
	if name, ok := keyNames[k.Code]; ok {
		return name
	}
	return fmt.Sprintf("key(%d)", uint8(k.Code))
}

// IsQuit reports whether k terminates the session. Ctrl+C always does since
// raw mode stops the terminal from turning it into a signal.
func IsQuit(k Key, quit rune) bool {
	return k.Code == KeyCtrlC || (k.Code == KeyRune && k.Rune == quit)
}
