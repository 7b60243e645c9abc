package event

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, bus *Bus) Event {
	t.Helper()
	select {
	case ev := <-bus.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBusPreservesPerProducerOrder(t *testing.T) {
	t.Parallel()

	const producers, perProducer = 4, 200
	bus := NewBus(8)
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				// Rune encodes the producer, At the sequence number.
				ev := Event{Kind: KindInput, Key: Char(rune('a' + p)), At: time.Unix(int64(i), 0)}
				assert.NoError(t, bus.Send(ctx, ev))
			}
		}()
	}

	last := map[rune]int64{}
	for n := 0; n < producers*perProducer; n++ {
		ev := receive(t, bus)
		seq := ev.At.Unix()
		if prev, ok := last[ev.Key.Rune]; ok {
			assert.Greater(t, seq, prev, "producer %c out of order", ev.Key.Rune)
		}
		last[ev.Key.Rune] = seq
	}
	wg.Wait()
	assert.Len(t, last, producers)
}

func TestBusCloseReleasesBlockedSenders(t *testing.T) {
	t.Parallel()

	bus := NewBus(1)
	require.NoError(t, bus.Send(context.Background(), Tick(time.Now())))

	errCh := make(chan error, 1)
	go func() { errCh <- bus.Send(context.Background(), Tick(time.Now())) }()

	bus.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrBusClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("sender not released")
	}

	assert.ErrorIs(t, bus.Send(context.Background(), Cancel()), ErrBusClosed)
	bus.Close()
}

func TestReadKey(t *testing.T) {
	t.Parallel()

	r := bufio.NewReader(strings.NewReader("q\x1b[A\x1b[B\x1b[C\x1b[D\x1b[5~\r\tж\x03"))
	want := []Key{
		Char('q'),
		Special(KeyUp),
		Special(KeyDown),
		Special(KeyRight),
		Special(KeyLeft),
		Special(KeyPageUp),
		Special(KeyEnter),
		Special(KeyTab),
		Char('ж'),
		Special(KeyCtrlC),
	}
	for _, w := range want {
		got, err := ReadKey(r)
		require.NoError(t, err)
		assert.Equal(t, w, got)
	}
	_, err := ReadKey(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadKeyModifiedSequences(t *testing.T) {
	t.Parallel()

	// Ctrl+Right, Shift+Up, Ctrl+End, Ctrl+PageDown, then a plain key.
	r := bufio.NewReader(strings.NewReader("\x1b[1;5C\x1b[1;2A\x1b[4;5~\x1b[6;5~x"))
	want := []Key{
		Special(KeyRight),
		Special(KeyUp),
		Special(KeyEnd),
		Special(KeyPageDown),
		Char('x'),
	}
	for _, w := range want {
		got, err := ReadKey(r)
		require.NoError(t, err)
		assert.Equal(t, w, got)
	}
	_, err := ReadKey(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadKeyLoneEscape(t *testing.T) {
	t.Parallel()

	got, err := ReadKey(bufio.NewReader(strings.NewReader("\x1b")))
	require.NoError(t, err)
	assert.Equal(t, Special(KeyEsc), got)
}

func TestKeyboardStopsAfterQuit(t *testing.T) {
	t.Parallel()

	bus := NewBus(16)
	kb := Keyboard{Input: strings.NewReader("ab\x1b[Bqzz"), Quit: 'q'}
	require.NoError(t, kb.Run(context.Background(), bus))

	var keys []string
	for n := 0; n < 4; n++ {
		keys = append(keys, receive(t, bus).Key.String())
	}
	assert.Equal(t, []string{"a", "b", "down", "q"}, keys)
	assert.Empty(t, bus.Events())
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("bad fd") }

func TestKeyboardInputFailureStopsProducer(t *testing.T) {
	t.Parallel()

	bus := NewBus(4)
	err := Keyboard{Input: failingReader{}, Quit: 'q'}.Run(context.Background(), bus)
	require.ErrorIs(t, err, ErrProducerStopped)

	err = Keyboard{Input: strings.NewReader("x"), Quit: 'q'}.Run(context.Background(), bus)
	require.ErrorIs(t, err, ErrProducerStopped)
	assert.Equal(t, Char('x'), receive(t, bus).Key)
}

func TestTickerQueuesTicks(t *testing.T) {
	t.Parallel()

	bus := NewBus(64)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Ticker{Interval: 5 * time.Millisecond}.Run(ctx, bus) }()

	// Nobody consumes for a while; ticks must accumulate, not be dropped.
	time.Sleep(60 * time.Millisecond)
	assert.GreaterOrEqual(t, len(bus.Events()), 5)

	var prev time.Time
	for n := 0; n < 5; n++ {
		ev := receive(t, bus)
		assert.Equal(t, KindTick, ev.Kind)
		assert.True(t, ev.At.After(prev))
		prev = ev.At
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not stop")
	}
}

func TestTickerStopsWhenBusCloses(t *testing.T) {
	t.Parallel()

	bus := NewBus(1)
	done := make(chan error, 1)
	go func() { done <- Ticker{Interval: time.Millisecond}.Run(context.Background(), bus) }()

	time.Sleep(10 * time.Millisecond)
	bus.Close()
	select {
	case err := <-done:
		if err != nil {
			assert.ErrorIs(t, err, ErrBusClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not stop")
	}
}

func TestSignalSendsSingleCancel(t *testing.T) {
	t.Parallel()

	var (
		registered = make(chan chan<- os.Signal, 1)
		stopped    = make(chan struct{})
	)
	s := Signal{
		Signals: []os.Signal{syscall.SIGINT},
		notify:  func(c chan<- os.Signal, _ ...os.Signal) { registered <- c },
		stop:    func(chan<- os.Signal) { close(stopped) },
	}

	bus := NewBus(4)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), bus) }()

	ch := <-registered
	ch <- syscall.SIGINT

	require.NoError(t, <-done)
	<-stopped

	assert.Equal(t, KindCancel, receive(t, bus).Kind)
	assert.Empty(t, bus.Events())
}

type stubProducer struct {
	err error
	ran chan struct{}
}

func (p stubProducer) Run(context.Context, *Bus) error {
	close(p.ran)
	return p.err
}

func TestStartRunsAllProducersDespiteFailure(t *testing.T) {
	t.Parallel()

	failing := stubProducer{err: ErrProducerStopped, ran: make(chan struct{})}
	healthy := stubProducer{ran: make(chan struct{})}

	wait := Start(context.Background(), NewBus(1), slog.New(slog.NewTextHandler(io.Discard, nil)), failing, healthy)
	wait()

	for _, p := range []stubProducer{failing, healthy} {
		select {
		case <-p.ran:
		default:
			t.Fatal("producer did not run")
		}
	}
}
