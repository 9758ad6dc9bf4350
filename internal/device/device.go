// Package device ties ports, protocols and parameters together: each
// configured port becomes a Device that identifies the instrument once,
// polls its pollable parameters and routes set requests to the right
// parameter. Value updates are reported through an Observer.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"scpigw/internal/comm"
	"scpigw/internal/config"
	"scpigw/internal/proto"
)

var (
	errNoPortsDefined = errors.New("no ports defined in the config")
)

// Control describes a user-visible control as first announced to an
// Observer, together with its initial value.
type Control struct {
	Name     string
	Title    string
	Type     string
	Units    string
	Writable bool
	Value    interface{}
}

// Observer receives control announcements and value updates from devices.
// OnNewControl is invoked once per control, upon its first successful
// read; subsequent reads go through OnValue.
type Observer interface {
	OnNewControl(deviceName string, control Control)
	OnValue(deviceName, controlName string, value interface{})
}

// LogObserver writes announcements and updates to the log. It serves as
// the default observer for standalone runs.
type LogObserver struct {
	Logger zerolog.Logger
}

func (o *LogObserver) OnNewControl(deviceName string, control Control) {
	o.Logger.Info().
		Str("device", deviceName).
		Str("control", control.Name).
		Str("type", control.Type).
		Str("units", control.Units).
		Bool("writable", control.Writable).
		Interface("value", control.Value).
		Msg("new control")
}

func (o *LogObserver) OnValue(deviceName, controlName string, value interface{}) {
	o.Logger.Info().
		Str("device", deviceName).
		Str("control", controlName).
		Interface("value", value).
		Msg("value")
}

var idControl = &config.ControlConfig{
	Name:  "id",
	Title: "id",
	Type:  "text",
}

// Device drives one configured port.
type Device struct {
	commander           comm.Commander
	protocol            proto.Protocol
	portConfig          *config.PortConfig
	controls            []*config.ControlConfig
	pollParams          []proto.Parameter
	nameToSettableParam map[string]proto.Parameter
	nameToControl       map[string]*config.ControlConfig
	controlsSent        map[string]bool
	observer            Observer
	logger              zerolog.Logger
}

func NewDevice(commander comm.Commander, portConfig *config.PortConfig, observer Observer, logger zerolog.Logger) (*Device, error) {
	protocol, err := proto.CreateProtocol(portConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create protocol: %v", err)
	}

	controls, paramSpecSetMap, err := portConfig.GetControls()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve controls: %v", err)
	}

	var pollParams []proto.Parameter
	paramMap := make(map[config.ParameterSpec]proto.Parameter)
	for _, paramSpec := range portConfig.Parameters {
		param, err := protocol.Parameter(paramSpec)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve parameter: %v", err)
		}
		if paramSpec.ShouldPoll() {
			pollParams = append(pollParams, param)
		}
		paramMap[paramSpec] = param
	}

	paramSetMap := make(map[string]proto.Parameter)
	for name, paramSpec := range paramSpecSetMap {
		param, found := paramMap[paramSpec]
		if !found {
			return nil, fmt.Errorf("internal error: can't find parameter for %q", name)
		}
		paramSetMap[name] = param
	}

	d := &Device{
		commander:           commander,
		protocol:            protocol,
		portConfig:          portConfig,
		controls:            controls,
		pollParams:          pollParams,
		nameToSettableParam: paramSetMap,
		nameToControl:       make(map[string]*config.ControlConfig),
		controlsSent:        make(map[string]bool),
		observer:            observer,
		logger:              logger.With().Str("device", portConfig.Name).Logger(),
	}

	for _, control := range controls {
		d.nameToControl[control.Name] = control
	}
	return d, nil
}

func (d *Device) Name() string {
	return d.portConfig.Name
}

func (d *Device) handleQueryResponse(control *config.ControlConfig, v interface{}) {
	if !d.controlsSent[control.Name] {
		title := control.Title
		if title == control.Name {
			// use auto title
			title = ""
		}
		d.observer.OnNewControl(d.portConfig.Name, Control{
			Name:     control.Name,
			Title:    title,
			Type:     control.Type,
			Units:    control.Units,
			Writable: control.Writable,
			Value:    v,
		})
		d.controlsSent[control.Name] = true
	} else {
		d.observer.OnValue(d.portConfig.Name, control.Name, v)
	}
}

func (d *Device) identify() bool {
	r, err := d.protocol.Identify(d.commander)
	if err != nil {
		d.logger.Error().Err(err).Msg("Identify() failed")
		return false
	}
	d.handleQueryResponse(idControl, r)
	return true
}

// Poll reads every pollable parameter once. It returns immediately if the
// commander is not connected yet. The id control is only queried once.
func (d *Device) Poll() {
	select {
	case <-d.commander.Ready():
	default:
		return
	}

	if (d.portConfig.Resync || !d.controlsSent["id"]) && !d.identify() {
		return
	}

	for _, param := range d.pollParams {
		err := param.Query(d.commander, func(name string, v interface{}) {
			control, found := d.nameToControl[name]
			if !found {
				d.logger.Error().Str("control", name).Msg("control not found by device")
				return
			}
			d.handleQueryResponse(control, v)
		})
		if err != nil {
			d.logger.Error().Err(err).Str("param", param.Name()).Msg("failed to read parameter")
		}
	}
}

// AcceptSetValue routes a set request for the named control to the
// parameter that owns it.
func (d *Device) AcceptSetValue(name, value string) error {
	control, found := d.nameToControl[name]
	if !found {
		return fmt.Errorf("unknown control %q for device %q", name, d.portConfig.Name)
	}
	if !control.Writable {
		return fmt.Errorf("trying to set value %q for non-writable control %s/%s", value, d.portConfig.Name, name)
	}
	param, found := d.nameToSettableParam[name]
	if !found {
		return fmt.Errorf("no settable parameter for control %q in device %q", name, d.portConfig.Name)
	}
	return param.Set(d.commander, name, value)
}

// Model owns the set of devices built from a driver config.
type Model struct {
	cmdFactory comm.CommanderFactory
	config     *config.DriverConfig
	observer   Observer
	logger     zerolog.Logger
	devs       []*Device
	readyCh    chan struct{}
}

func NewModel(commanderFactory comm.CommanderFactory, cfg *config.DriverConfig, observer Observer, logger zerolog.Logger) *Model {
	return &Model{
		cmdFactory: commanderFactory,
		config:     cfg,
		observer:   observer,
		logger:     logger,
		readyCh:    make(chan struct{}),
	}
}

// Start builds the devices and begins connecting their ports. It doesn't
// wait for the connections; Ready() closes once every port is up.
func (m *Model) Start() error {
	if m.devs != nil {
		return nil
	}
	if len(m.config.Ports) == 0 {
		return errNoPortsDefined
	}
	m.devs = []*Device{}
	for _, portConfig := range m.config.Ports {
		commander := m.cmdFactory(portConfig.PortSettings)
		dev, err := NewDevice(commander, portConfig, m.observer, m.logger)
		if err != nil {
			return fmt.Errorf("failed to set up device %q: %v", portConfig.Name, err)
		}
		m.devs = append(m.devs, dev)
	}
	go func() {
		for _, d := range m.devs {
			d.commander.Connect()
		}
		for _, d := range m.devs {
			<-d.commander.Ready()
		}
		close(m.readyCh)
	}()
	return nil
}

func (m *Model) Ready() <-chan struct{} {
	return m.readyCh
}

// Poll polls every device once.
func (m *Model) Poll() {
	if m.devs == nil {
		panic("trying to poll without starting the model")
	}
	for _, d := range m.devs {
		d.Poll()
	}
}

// Device returns the named device, or nil.
func (m *Model) Device(name string) *Device {
	for _, d := range m.devs {
		if d.portConfig.Name == name {
			return d
		}
	}
	return nil
}

// Run polls each device on its own poll interval until the context is
// cancelled, one goroutine per port.
func (m *Model) Run(ctx context.Context) error {
	if m.devs == nil {
		return errors.New("model not started")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range m.devs {
		d := d
		g.Go(func() error {
			ticker := time.NewTicker(d.portConfig.PollInterval())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					d.Poll()
				}
			}
		})
	}
	return g.Wait()
}

// Close shuts down all the commanders.
func (m *Model) Close() {
	for _, d := range m.devs {
		d.commander.Close()
	}
}
