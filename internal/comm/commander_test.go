package comm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"scpigw/internal/block"
)

const samplePort = "someport"

type fakeClockDeadline struct {
	time time.Time
	ch   chan time.Time
}

type fakeClock struct {
	sync.Mutex
	time      time.Time
	deadlines []fakeClockDeadline
}

func newFakeClock() *fakeClock {
	return &fakeClock{time: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.time
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Lock()
	defer c.Unlock()
	t := c.time.Add(d)
	ch := make(chan time.Time)
	c.deadlines = append(c.deadlines, fakeClockDeadline{t, ch})
	return ch
}

func (c *fakeClock) awaitDeadline(t *testing.T) {
	for i := 0; i < 5000; i++ {
		c.Lock()
		n := len(c.deadlines)
		c.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a clock deadline")
}

func (c *fakeClock) elapse(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.time = c.time.Add(d)
	deadlines := c.deadlines
	c.deadlines = []fakeClockDeadline{}
	for _, d := range deadlines {
		if !d.time.After(c.time) {
			close(d.ch)
		} else {
			c.deadlines = append(c.deadlines, d)
		}
	}
}

type fakeConnection struct {
	io.Reader
	io.Writer
	io.Closer
	deadline, readTime time.Time
	pendingError       error
	closed             bool
}

func (fc *fakeConnection) SetDeadline(time time.Time) error {
	fc.deadline = time
	return nil
}

func (fc *fakeConnection) Write(p []byte) (n int, err error) {
	if fc.pendingError != nil {
		err = fc.pendingError
		fc.pendingError = nil
		return
	}
	return fc.Writer.Write(p)
}

func (fc *fakeConnection) Read(p []byte) (n int, err error) {
	if fc.pendingError != nil {
		err = fc.pendingError
		fc.pendingError = nil
		return
	}
	if fc.readTime.After(fc.deadline) {
		return 0, ErrTimeout
	}
	return fc.Reader.Read(p)
}

func (fc *fakeConnection) Close() error {
	if err := fc.Closer.Close(); err != nil {
		return err
	}
	fc.closed = true
	return nil
}

type cmdTester struct {
	*fakeClock
	t              *testing.T
	ourInnerReader *io.PipeReader
	ourReader      *bufio.Reader
	ourWriter      *io.PipeWriter
	fc             *fakeConnection
	connectCount   int
	connectPort    string
	connectCh      chan struct{}
	lineEnding     string
}

func newCmdTester(t *testing.T, connectPort string) *cmdTester {
	return &cmdTester{
		fakeClock:   newFakeClock(),
		t:           t,
		connectPort: connectPort,
		connectCh:   make(chan struct{}, 100),
		lineEnding:  "\r\n",
	}
}

func (tester *cmdTester) expectCommand(cmd string) {
	var l string
	errCh := make(chan error)
	go func() {
		var err error
		lastCh := tester.lineEnding[len(tester.lineEnding)-1]
		l, err = tester.ourReader.ReadString(lastCh)
		errCh <- err
	}()
	select {
	case <-time.After(30 * time.Second):
		tester.t.Fatalf("timed out waiting for command: %v", cmd)
	case err := <-errCh:
		if err != nil {
			tester.t.Fatalf("failed to read the command, expected: %v", cmd)
		}
	}
	if l != cmd+tester.lineEnding {
		tester.t.Fatalf("invalid command: %#v (expected %#v)", l, cmd)
	}
}

func (tester *cmdTester) writeResponse(response string) {
	if _, err := tester.ourWriter.Write([]byte(response + tester.lineEnding)); err != nil {
		tester.t.Fatalf("Write failed: %v", err)
	}
}

func (tester *cmdTester) writeRaw(response []byte) {
	if _, err := tester.ourWriter.Write(response); err != nil {
		tester.t.Fatalf("Write failed: %v", err)
	}
}

func (tester *cmdTester) chat(cmd, response string, thunk func() (string, error)) {
	ch := make(chan string)
	go func() {
		if r, err := thunk(); err != nil {
			log.Panicf("failed to invoke command: %v", err)
		} else {
			ch <- r
		}
	}()
	tester.expectCommand(cmd)
	if response != "" {
		tester.writeResponse(response)
		result := <-ch
		if result != response {
			tester.t.Fatalf("bad result: %#v instead of %#v", result, response)
		}
	}
}

func (tester *cmdTester) connect(port string) (io.ReadWriteCloser, error) {
	if port != tester.connectPort {
		log.Panicf("bad connect() port: %q instead of %q", port, tester.connectPort)
	}
	ourInnerReader, theirWriter := io.Pipe()
	theirReader, ourWriter := io.Pipe()
	tester.ourInnerReader = ourInnerReader
	tester.ourReader = bufio.NewReader(ourInnerReader)
	tester.ourWriter = ourWriter
	tester.fc = &fakeConnection{
		Reader: theirReader,
		Writer: theirWriter,
		Closer: theirWriter,
	}
	tester.connectCount++
	tester.connectCh <- struct{}{}

	return tester.fc, nil
}

func (tester *cmdTester) verifyConnectCount(expectedCount int) {
	if tester.connectCount != expectedCount {
		tester.t.Errorf("Invalid connect count, expected %d but got %d", expectedCount, tester.connectCount)
	}
}

func newTestCommander(tester *cmdTester, settings *PortSettings) *DeviceCommander {
	return NewCommander(tester.connect, settings, zerolog.Nop())
}

func TestCommander(t *testing.T) {
	tester := newCmdTester(t, samplePort)
	commander := newTestCommander(tester, &PortSettings{Port: samplePort})
	commander.Connect()
	<-commander.Ready()
	commander.SetClock(tester)
	tester.chat("*IDN?", "IZNAKURNOZH", func() (string, error) {
		return commander.Query("*IDN?", 0)
	})
	tester.chat("CURR?", "3.500", func() (string, error) {
		return commander.Query("CURR?", 0)
	})
	tester.chat("CURR 3.4; *OPC?", "1", func() (string, error) {
		return commander.Query("CURR 3.4; *OPC?", 0)
	})
	// make sure setting the value didn't break DeviceCommander
	tester.chat("CURR?", "3.400", func() (string, error) {
		return commander.Query("CURR?", 0)
	})

	tester.fc.readTime = tester.time.Add(10 * time.Second)
	errCh := make(chan error)
	go func() {
		_, err := commander.Query("CURR?", 0)
		errCh <- err
	}()
	if _, err := tester.ourReader.ReadString('\n'); err != nil {
		t.Fatalf("failed to read the command: %v", err)
	}
	if err := <-errCh; err != ErrTimeout {
		t.Errorf("unexpected error value: %#v (expected ErrTimeout)", err)
	}

	tester.fc.readTime = tester.time

	// make sure things didn't break, again
	tester.chat("CURR?", "3.400", func() (string, error) {
		return commander.Query("CURR?", 0)
	})
}

func TestCommandRateLimit(t *testing.T) {
	tester := newCmdTester(t, samplePort)
	commander := newTestCommander(tester, &PortSettings{Port: samplePort, CommandRateHz: 1})
	commander.SetClock(tester)
	commander.Connect()
	<-commander.Ready()

	// the first command has a token available and goes out immediately
	tester.chat("*IDN?", "IZNAKURNOZH", func() (string, error) {
		return commander.Query("*IDN?", 0)
	})

	// the second one is held until the pacing interval elapses
	ch := make(chan string)
	go func() {
		r, err := commander.Query("CURR?", 0)
		if err != nil {
			log.Panicf("Query(): %v", err)
		}
		ch <- r
	}()
	tester.awaitDeadline(t)
	tester.elapse(time.Second)
	tester.expectCommand("CURR?")
	tester.writeResponse("3.500")
	if r := <-ch; r != "3.500" {
		t.Errorf("bad command response: %q", r)
	}
}

func TestCommanderSetup(t *testing.T) {
	tester := newCmdTester(t, samplePort)
	commander := newTestCommander(tester, &PortSettings{
		Port: samplePort,
		Setup: []*SetupItem{
			{
				Command: ":SYST:REM",
			},
			{
				Command:  "WHATEVER",
				Response: "ORLY",
			},
		},
	})
	commander.SetClock(tester)
	commander.Connect()
	<-tester.connectCh
	tester.expectCommand(":SYST:REM")
	tester.expectCommand("WHATEVER")
	tester.writeResponse("ORLY")
	<-commander.Ready()
	tester.chat("*IDN?", "IZNAKURNOZH", func() (string, error) {
		return commander.Query("*IDN?", 0)
	})
}

func TestReconnect(t *testing.T) {
	tester := newCmdTester(t, samplePort)
	commander := newTestCommander(tester, &PortSettings{Port: samplePort})
	commander.SetClock(tester)
	commander.Connect()
	readyCh := commander.Ready()
	<-readyCh
	tester.verifyConnectCount(1)
	oldFc := tester.fc
	tester.chat("*IDN?", "IZNAKURNOZH", func() (string, error) {
		return commander.Query("*IDN?", 0)
	})
	tester.fc.pendingError = errors.New("oops")
	if _, err := commander.Query("*IDN?", 0); err == nil {
		t.Errorf("Query() didn't return the expected error")
	}

	tester.elapse(10 * time.Second)
	newReadyCh := commander.Ready()
	if newReadyCh == readyCh {
		t.Fatalf("readyCh didn't change")
	}
	<-newReadyCh
	tester.verifyConnectCount(2)
	if !oldFc.closed {
		t.Errorf("The old connection was not closed")
	}
	tester.chat("*IDN?", "IZNAKURNOZH", func() (string, error) {
		return commander.Query("*IDN?", 0)
	})
}

func TestAltLineEnding(t *testing.T) {
	tester := newCmdTester(t, samplePort)
	tester.lineEnding = "\r"
	commander := newTestCommander(tester, &PortSettings{Port: samplePort, LineEnding: "cr"})
	commander.Connect()
	<-commander.Ready()
	commander.SetClock(tester)
	tester.chat("*IDN?", "IZNAKURNOZH", func() (string, error) {
		return commander.Query("*IDN?", 0)
	})
}

func TestFixedSizeResponse(t *testing.T) {
	tester := newCmdTester(t, samplePort)
	commander := newTestCommander(tester, &PortSettings{Port: samplePort})
	commander.Connect()
	<-commander.Ready()
	commander.SetClock(tester)

	ch := make(chan string)
	go func() {
		if r, err := commander.Query("FOOBAR", 8); err != nil {
			log.Panicf("failed to invoke command: %v", err)
		} else {
			ch <- r
		}
	}()
	tester.expectCommand("FOOBAR")
	// exactly 8 bytes, no line ending after them
	tester.writeRaw([]byte("WHATEVER"))
	if resp := <-ch; resp != "WHATEVER" {
		t.Errorf("bad command response: %q", resp)
	}

	// the command queue must survive a fixed-size exchange
	tester.chat("*IDN?", "IZNAKURNOZH", func() (string, error) {
		return commander.Query("*IDN?", 0)
	})
}

func TestQueryBlock(t *testing.T) {
	tester := newCmdTester(t, samplePort)
	commander := newTestCommander(tester, &PortSettings{Port: samplePort})
	commander.Connect()
	<-commander.Ready()
	commander.SetClock(tester)

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	opts := block.Options{ExpectTerminator: true}

	ch := make(chan *block.Block)
	go func() {
		b, err := commander.QueryBlock("CURV?", opts)
		if err != nil {
			log.Panicf("QueryBlock(): %v", err)
		}
		ch <- b
	}()
	tester.expectCommand("CURV?")
	tester.writeRaw(block.Encode(payload, opts))
	b := <-ch
	if !bytes.Equal(b.Payload, payload) {
		t.Errorf("bad block payload: %d bytes", len(b.Payload))
	}

	tester.chat("*IDN?", "IZNAKURNOZH", func() (string, error) {
		return commander.Query("*IDN?", 0)
	})
}

func TestResponseEncoding(t *testing.T) {
	tester := newCmdTester(t, samplePort)
	commander := newTestCommander(tester, &PortSettings{
		Port:     samplePort,
		Encoding: "windows-1251",
	})
	commander.Connect()
	<-commander.Ready()
	commander.SetClock(tester)

	ch := make(chan string)
	go func() {
		r, err := commander.Query("*IDN?", 0)
		if err != nil {
			log.Panicf("Query(): %v", err)
		}
		ch <- r
	}()
	tester.expectCommand("*IDN?")
	tester.writeResponse("\xc8\xcf\xd1-1200-220")
	if r := <-ch; r != "ИПС-1200-220" {
		t.Errorf("bad decoded response %q", r)
	}
}
