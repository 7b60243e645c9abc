package event

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"
	"unicode/utf8"
)

// Keyboard turns raw terminal input into Input events. It stops after
// sending the quit key.
type Keyboard struct {
	Input io.Reader
	Quit  rune
}

// Run implements Producer. A blocked read cannot be interrupted, so Run may
// outlive the bus until the input yields another byte or is closed.
func (k Keyboard) Run(ctx context.Context, bus *Bus) error {
	r := bufio.NewReader(k.Input)
	for {
		key, err := ReadKey(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: input closed", ErrProducerStopped)
			}
			return fmt.Errorf("%w: %w", ErrProducerStopped, err)
		}
		if err := bus.Send(ctx, Input(key)); err != nil {
			return err
		}
		if IsQuit(key, k.Quit) {
			return nil
		}
	}
}

// ReadKey decodes one keystroke. Escape sequences are recognised only when
// they arrive in one read; a lone ESC is reported as KeyEsc.
func ReadKey(r *bufio.Reader) (Key, error) {
	b, err := r.ReadByte()
	if err != nil {
		return Key{}, err
	}

	switch b {
	case 0x1b:
		if r.Buffered() == 0 {
			return Special(KeyEsc), nil
		}
		return readEscape(r)
	case '\r', '\n':
		return Special(KeyEnter), nil
	case '\t':
		return Special(KeyTab), nil
	case 0x7f, 0x08:
		return Special(KeyBackspace), nil
	case 0x03:
		return Special(KeyCtrlC), nil
	}

	if b < utf8.RuneSelf {
		return Char(rune(b)), nil
	}
	if err := r.UnreadByte(); err != nil {
		return Key{}, err
	}
	ch, _, err := r.ReadRune()
	if err != nil {
		return Key{}, err
	}
	return Char(ch), nil
}

func readEscape(r *bufio.Reader) (Key, error) {
	intro, err := r.ReadByte()
	if err != nil {
		return Key{}, err
	}
	if intro != '[' && intro != 'O' {
		// Alt+key; report the key itself.
		return Char(rune(intro)), nil
	}

	b, err := r.ReadByte()
	if err != nil {
		return Key{}, err
	}

	// CSI parameter bytes, e.g. "1;5" in ESC [ 1 ; 5 C (Ctrl+Right).
	var param []byte
	for b >= 0x30 && b <= 0x3f {
		param = append(param, b)
		if r.Buffered() == 0 {
			return Special(KeyEsc), nil
		}
		if b, err = r.ReadByte(); err != nil {
			return Key{}, err
		}
	}

	switch b {
	case 'A':
		return Special(KeyUp), nil
	case 'B':
		return Special(KeyDown), nil
	case 'C':
		return Special(KeyRight), nil
	case 'D':
		return Special(KeyLeft), nil
	case 'H':
		return Special(KeyHome), nil
	case 'F':
		return Special(KeyEnd), nil
	case '~':
		code, _, _ := strings.Cut(string(param), ";")
		switch code {
		case "1", "7":
			return Special(KeyHome), nil
		case "4", "8":
			return Special(KeyEnd), nil
		case "5":
			return Special(KeyPageUp), nil
		case "6":
			return Special(KeyPageDown), nil
		}
	}
	return Special(KeyEsc), nil
}

// Ticker emits a Tick every Interval. The schedule does not wait for the
// consumer: when processing falls behind, ticks queue up in the bus.
type Ticker struct {
	Interval time.Duration
}

// Run implements Producer. The first tick is sent immediately.
func (t Ticker) Run(ctx context.Context, bus *Bus) error {
	if t.Interval <= 0 {
		return fmt.Errorf("%w: non-positive interval %s", ErrProducerStopped, t.Interval)
	}

	next := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		if err := bus.Send(ctx, Tick(next)); err != nil {
			return err
		}

		next = next.Add(t.Interval)
		timer.Reset(time.Until(next))
		select {
		case <-timer.C:
		case <-bus.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Signal sends a single Cancel when one of Signals arrives and then stops
// listening.
type Signal struct {
	Signals []os.Signal

	notify func(c chan<- os.Signal, sig ...os.Signal)
	stop   func(c chan<- os.Signal)
}

// Run implements Producer.
func (s Signal) Run(ctx context.Context, bus *Bus) error {
	notify, stop := s.notify, s.stop
	if notify == nil {
		notify = signal.Notify
	}
	if stop == nil {
		stop = signal.Stop
	}
	if len(s.Signals) == 0 {
		return fmt.Errorf("%w: no signals to listen for", ErrProducerStopped)
	}

	ch := make(chan os.Signal, 1)
	notify(ch, s.Signals...)
	defer stop(ch)

	select {
	case <-ch:
	case <-bus.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	return bus.Send(ctx, Cancel())
}
