package comm

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"
	"golang.org/x/time/rate"

	"scpigw/internal/block"
)

const reconnectDelay = 3 * time.Second

// Commander owns one instrument port and runs a strict request/response
// discipline over it: one in-flight command at a time, a write followed by
// at most one matching read.
type Commander interface {
	Connect()
	Ready() <-chan struct{}
	Query(query string, fixedResponseSize int) (string, error)
	QueryBlock(query string, opts block.Options) (*block.Block, error)
	Close()
}

type commandItem struct {
	command    string
	fixedSize  int
	binary     bool
	blockOpts  block.Options
	errCh      chan error
	responseCh chan string
	blockCh    chan *block.Block
}

type commanderState interface {
	Enter(dc *DeviceCommander) commanderState
	Timeout(dc *DeviceCommander) commanderState
	Connect(dc *DeviceCommander) commanderState
	Disconnect(dc *DeviceCommander) commanderState
	CommandFailed(dc *DeviceCommander) commanderState
	Connected(dc *DeviceCommander, c *connectionWrapper) commanderState
	ConnectFailed(dc *DeviceCommander) commanderState
	Command(dc *DeviceCommander, item *commandItem) commanderState
	CommandFinished(dc *DeviceCommander) commanderState
}

type commanderStateBase struct{}

var _ commanderState = &commanderStateBase{}

func (s *commanderStateBase) Enter(dc *DeviceCommander) commanderState         { return nil }
func (s *commanderStateBase) Timeout(dc *DeviceCommander) commanderState       { return nil }
func (s *commanderStateBase) Connect(dc *DeviceCommander) commanderState       { return nil }
func (s *commanderStateBase) Disconnect(dc *DeviceCommander) commanderState    { return nil }
func (s *commanderStateBase) CommandFailed(dc *DeviceCommander) commanderState { return nil }
func (s *commanderStateBase) Connected(dc *DeviceCommander, c *connectionWrapper) commanderState {
	c.Close()
	return nil
}
func (s *commanderStateBase) ConnectFailed(dc *DeviceCommander) commanderState { return nil }
func (s *commanderStateBase) Command(dc *DeviceCommander, item *commandItem) commanderState {
	go func() {
		item.errCh <- errors.New("not connected")
	}()
	return nil
}
func (s *commanderStateBase) CommandFinished(dc *DeviceCommander) commanderState { return nil }

type commanderStateOffline struct{ commanderStateBase }

func (s *commanderStateOffline) Connect(dc *DeviceCommander) commanderState {
	return &commanderStateConnecting{}
}

type commanderStateConnecting struct {
	commanderStateBase
	stopCh chan struct{}
	doneCh chan struct{}
}

func (s *commanderStateConnecting) Enter(dc *DeviceCommander) commanderState {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go func() {
		defer close(s.doneCh)
		dc.logger.Debug().Str("port", dc.settings.Port).Msg("connecting")
		connCh := make(chan io.ReadWriteCloser)
		errCh := make(chan error)
		go func() {
			conn, err := dc.connector(dc.settings.Port)
			if err != nil {
				errCh <- err
			} else {
				connCh <- conn
			}
		}()
		var conn io.ReadWriteCloser
		select {
		case <-s.stopCh:
			select {
			case conn := <-connCh:
				conn.Close()
			case <-errCh:
			}
			return
		case err := <-errCh:
			dc.logger.Warn().Err(err).Str("port", dc.settings.Port).Msg("error connecting")
			dc.stateAction(func(s commanderState) commanderState { return s.ConnectFailed(dc) })
			return
		case conn = <-connCh:
		}

		dc.logger.Debug().Str("port", dc.settings.Port).Msg("connected")
		if dc.settings.TranslateCR {
			conn = newCRTranslatingConn(conn)
		}
		wrapper := newConnectionWrapper(conn, dc.encoding)
		go func() {
			errCh <- dc.setup(wrapper)
		}()
		select {
		case <-s.stopCh:
			<-errCh
			wrapper.Close()
			return
		case err := <-errCh:
			if err != nil {
				dc.logger.Warn().Err(err).Str("port", dc.settings.Port).Msg("setup failed")
				wrapper.Close()
				dc.stateAction(func(s commanderState) commanderState {
					return s.ConnectFailed(dc)
				})
				return
			}
		}
		dc.logger.Debug().Str("port", dc.settings.Port).Msg("setup done")
		dc.stateAction(func(s commanderState) commanderState {
			return s.Connected(dc, wrapper)
		})
	}()

	return nil
}

func (s *commanderStateConnecting) Connected(dc *DeviceCommander, c *connectionWrapper) commanderState {
	dc.c = c
	return &commanderStateOnline{}
}

func (s *commanderStateConnecting) ConnectFailed(dc *DeviceCommander) commanderState {
	return &commanderStateReconnect{}
}

func (s *commanderStateConnecting) Disconnect(dc *DeviceCommander) commanderState {
	close(s.stopCh)
	<-s.doneCh
	return &commanderStateOffline{}
}

type commanderStateReconnect struct {
	commanderStateBase
	stopCh chan struct{}
}

func (s *commanderStateReconnect) Enter(dc *DeviceCommander) commanderState {
	// acquire delay channel synchronously because this makes the tests easier
	s.stopCh = make(chan struct{})
	afterCh := dc.clock.After(reconnectDelay)
	go func() {
		select {
		case <-s.stopCh:
		case <-afterCh:
			dc.stateAction(func(s commanderState) commanderState {
				return s.Timeout(dc)
			})
		}
	}()
	return nil
}

func (s *commanderStateReconnect) Timeout(dc *DeviceCommander) commanderState {
	return &commanderStateConnecting{}
}

func (s *commanderStateReconnect) Disconnect(dc *DeviceCommander) commanderState {
	close(s.stopCh)
	return &commanderStateOffline{}
}

type commanderStateOnline struct {
	commanderStateBase
}

func (s *commanderStateOnline) Enter(dc *DeviceCommander) commanderState {
	for _, ch := range dc.readyChs {
		close(ch)
	}
	dc.readyChs = nil
	return nil
}

func (s *commanderStateOnline) Command(dc *DeviceCommander, item *commandItem) commanderState {
	return &commanderStateBusy{queue: []*commandItem{item}}
}

func (s *commanderStateOnline) Disconnect(dc *DeviceCommander) commanderState {
	if err := dc.c.Close(); err != nil {
		dc.logger.Error().Err(err).Msg("error closing the connection")
	}
	dc.c = nil
	return &commanderStateOffline{}
}

type commanderStateBusy struct {
	commanderStateBase
	queue  []*commandItem
	stopCh chan struct{}
	doneCh chan struct{}
}

func (s *commanderStateBusy) send(dc *DeviceCommander) commanderState {
	item := s.queue[0]
	c := dc.c
	go func() {
		defer close(s.doneCh)
		errCh := make(chan error)
		respCh := make(chan string)
		blockCh := make(chan *block.Block)
		go func() {
			command := dc.settings.Prefix + item.command
			now := dc.clock.Now()
			timeout := dc.settings.Timeout()
			dc.logger.Debug().Str("command", command).Msg("send")
			switch {
			case item.binary:
				b, err := c.sendBlock(command, dc.lineEnding(), item.blockOpts, now, timeout)
				if err != nil {
					errCh <- err
				} else {
					blockCh <- b
				}
			case item.fixedSize > 0:
				resp, err := c.sendFixed(command, dc.lineEnding(), item.fixedSize, now, timeout)
				if err != nil {
					errCh <- err
				} else {
					respCh <- resp
				}
			default:
				resp, err := c.sendCommand(command, dc.lineEnding(), true, now, timeout)
				if err != nil {
					errCh <- err
				} else {
					respCh <- resp
				}
			}
		}()
		select {
		case <-s.stopCh:
			item.errCh <- errors.New("disconnect requested")
			return
		case resp := <-respCh:
			item.responseCh <- resp
			dc.stateAction(func(s commanderState) commanderState {
				return s.CommandFinished(dc)
			})
		case b := <-blockCh:
			item.blockCh <- b
			dc.stateAction(func(s commanderState) commanderState {
				return s.CommandFinished(dc)
			})
		case err := <-errCh:
			dc.logger.Error().Err(err).Msg("error executing the command")
			// let the following happen after s.doneCh is closed
			go func() {
				if err == ErrTimeout {
					dc.stateAction(func(s commanderState) commanderState {
						return s.CommandFinished(dc)
					})
				} else {
					dc.stateAction(func(s commanderState) commanderState {
						return s.CommandFailed(dc)
					})
				}
				item.errCh <- err
			}()
			return
		}
	}()
	return nil
}

func (s *commanderStateBusy) Enter(dc *DeviceCommander) commanderState {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	if dc.limiter != nil {
		// reserve against the injectable clock, and acquire the delay
		// channel synchronously like the reconnect state does
		now := dc.clock.Now()
		if delay := dc.limiter.ReserveN(now, 1).DelayFrom(now); delay > 0 {
			afterCh := dc.clock.After(delay)
			go func() {
				select {
				case <-afterCh:
					s.send(dc)
				case <-s.stopCh:
					close(s.doneCh)
				}
			}()
			return nil
		}
	}
	s.send(dc)
	return nil
}

func (s *commanderStateBusy) Disconnect(dc *DeviceCommander) commanderState {
	close(s.stopCh)
	<-s.doneCh
	if err := dc.c.Close(); err != nil {
		dc.logger.Error().Err(err).Msg("error closing the connection")
	}
	dc.c = nil
	return &commanderStateOffline{}
}

func (s *commanderStateBusy) Command(dc *DeviceCommander, item *commandItem) commanderState {
	s.queue = append(s.queue, item)
	return nil
}

func (s *commanderStateBusy) CommandFinished(dc *DeviceCommander) commanderState {
	if len(s.queue) == 1 {
		return &commanderStateOnline{}
	}
	return &commanderStateBusy{queue: s.queue[1:]}
}

func (s *commanderStateBusy) CommandFailed(dc *DeviceCommander) commanderState {
	close(s.stopCh)
	<-s.doneCh
	if err := dc.c.Close(); err != nil {
		dc.logger.Error().Err(err).Msg("error closing the connection")
	}
	dc.c = nil
	return &commanderStateReconnect{}
}

type DeviceCommander struct {
	sync.Mutex
	settings  *PortSettings
	connector Connector
	readyChs  []chan struct{}
	c         *connectionWrapper
	clock     Clock
	state     commanderState
	logger    zerolog.Logger
	limiter   *rate.Limiter
	encoding  encoding.Encoding
}

var _ Commander = &DeviceCommander{}

func NewCommander(connector Connector, settings *PortSettings, logger zerolog.Logger) *DeviceCommander {
	dc := &DeviceCommander{
		settings:  settings,
		connector: connector,
		clock:     defaultClock,
		logger:    logger.With().Str("port", settings.Name).Logger(),
	}
	if settings.CommandRateHz > 0 {
		dc.limiter = rate.NewLimiter(rate.Limit(settings.CommandRateHz), 1)
	}
	enc, err := CharsetByName(settings.Encoding)
	if err != nil {
		// config validation rejects unknown encodings before we get here
		dc.logger.Error().Err(err).Msg("ignoring response encoding")
	}
	dc.encoding = enc
	dc.enterState(&commanderStateOffline{})
	return dc
}

func (dc *DeviceCommander) enterState(state commanderState) {
	for state != nil {
		dc.logger.Debug().Msgf("enterState(): %T -> %T", dc.state, state)
		dc.state = state
		state = state.Enter(dc)
	}
}

func (dc *DeviceCommander) stateAction(thunk func(state commanderState) commanderState) {
	dc.Lock()
	defer dc.Unlock()
	dc.enterState(thunk(dc.state))
}

func (dc *DeviceCommander) setup(c *connectionWrapper) error {
	for _, si := range dc.settings.Setup {
		resp, err := c.sendCommand(dc.settings.Prefix+si.Command, dc.lineEnding(), si.Response != "", dc.clock.Now(), dc.settings.Timeout())
		if err != nil {
			return err
		}
		if si.Response != "" && resp != si.Response {
			return fmt.Errorf("invalid response to %q: %q", si.Command, resp)
		}
	}
	return nil
}

func (dc *DeviceCommander) lineEnding() string {
	switch dc.settings.LineEnding {
	case "cr":
		return "\r"
	case "lf":
		return "\n"
	case "", "crlf":
		return "\r\n"
	default:
		panic("bad line ending spec: " + dc.settings.LineEnding)
	}
}

func (dc *DeviceCommander) Connect() {
	dc.stateAction(func(s commanderState) commanderState { return s.Connect(dc) })
}

func (dc *DeviceCommander) Ready() <-chan struct{} {
	dc.Lock()
	defer dc.Unlock()
	ch := make(chan struct{})
	if dc.c == nil {
		dc.readyChs = append(dc.readyChs, ch)
	} else {
		close(ch)
	}
	return ch
}

func (dc *DeviceCommander) SetClock(clock Clock) {
	dc.clock = clock
}

func (dc *DeviceCommander) run(item *commandItem) {
	dc.stateAction(func(s commanderState) commanderState { return s.Command(dc, item) })
}

func (dc *DeviceCommander) Query(query string, fixedResponseSize int) (string, error) {
	item := &commandItem{
		command:    query,
		fixedSize:  fixedResponseSize,
		errCh:      make(chan error, 1),
		responseCh: make(chan string, 1),
	}
	dc.run(item)
	select {
	case err := <-item.errCh:
		return "", err
	case resp := <-item.responseCh:
		return resp, nil
	}
}

func (dc *DeviceCommander) QueryBlock(query string, opts block.Options) (*block.Block, error) {
	item := &commandItem{
		command:   query,
		binary:    true,
		blockOpts: opts,
		errCh:     make(chan error, 1),
		blockCh:   make(chan *block.Block, 1),
	}
	dc.run(item)
	select {
	case err := <-item.errCh:
		return nil, err
	case b := <-item.blockCh:
		return b, nil
	}
}

func (dc *DeviceCommander) Close() {
	dc.stateAction(func(s commanderState) commanderState { return s.Disconnect(dc) })
	dc.Lock()
	for dc.c != nil {
		dc.Unlock()
		time.Sleep(100 * time.Millisecond)
		dc.Lock()
	}
	dc.Unlock()
}

type CommanderFactory func(*PortSettings) Commander

func DefaultCommanderFactory(connector Connector, logger zerolog.Logger) CommanderFactory {
	return func(portSettings *PortSettings) Commander {
		return NewCommander(connector, portSettings, logger)
	}
}
