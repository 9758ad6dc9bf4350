package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"scpigw/internal/block"
	"scpigw/internal/comm"
	"scpigw/internal/config"
	"scpigw/internal/validate"
)

const (
	scpiIdentifyNumAttempts = 10
	opcPollInterval         = 100 * time.Millisecond
	opcTimeout              = 10 * time.Second
)

// WaveformFormat declares how a bulk transfer reply is to be
// reinterpreted as samples. The instrument's transfer format is
// configured, never guessed.
type WaveformFormat struct {
	Width     int
	Signed    bool
	Float     bool
	ByteOrder string // "big" or "little" (default)
}

func (f *WaveformFormat) sampleFormat() (block.SampleFormat, error) {
	sf := block.SampleFormat{
		Width:  f.Width,
		Signed: f.Signed,
		Float:  f.Float,
	}
	switch f.ByteOrder {
	case "", "little":
		sf.ByteOrder = binary.LittleEndian
	case "big":
		sf.ByteOrder = binary.BigEndian
	default:
		return sf, fmt.Errorf("bad byte order %q", f.ByteOrder)
	}
	return sf, nil
}

type scpiParameterSpec struct {
	Controls   []*config.ControlConfig
	ScpiName   string
	Kind       string // "" for scalar/compound, "waveform" for block transfers
	WaitOpc    bool
	Terminator bool // waveform: trailing newline after the payload
	Checksum   bool // waveform: trailing summed byte after the payload
	Format     *WaveformFormat
}

var _ config.ParameterSpec = &scpiParameterSpec{}

func (spec *scpiParameterSpec) ListControls() []*config.ControlConfig {
	return spec.Controls
}

func (spec *scpiParameterSpec) ShouldPoll() bool {
	for _, control := range spec.Controls {
		if control.ShouldPoll() {
			return true
		}
	}
	return false
}

func (spec *scpiParameterSpec) Settable() bool {
	for _, control := range spec.Controls {
		if control.Writable {
			return true
		}
	}
	return false
}

func (spec *scpiParameterSpec) Validate() error {
	for _, control := range spec.Controls {
		if err := control.Validate(); err != nil {
			return err
		}
	}
	if spec.ScpiName == "" {
		return errors.New("scpiname not specified")
	}
	switch spec.Kind {
	case "":
	case "waveform":
		if len(spec.Controls) != 1 {
			return fmt.Errorf("%s: waveform parameter needs exactly one control", spec.ScpiName)
		}
		if spec.Format == nil {
			return fmt.Errorf("%s: waveform parameter needs a format", spec.ScpiName)
		}
		if _, err := spec.Format.sampleFormat(); err != nil {
			return fmt.Errorf("%s: %v", spec.ScpiName, err)
		}
		if spec.Controls[0].Writable {
			return fmt.Errorf("%s: waveform control can't be writable", spec.ScpiName)
		}
	default:
		return fmt.Errorf("%s: bad parameter kind %q", spec.ScpiName, spec.Kind)
	}
	return nil
}

type scpiParameter struct {
	spec     *scpiParameterSpec
	prefix   string
	clock    comm.Clock
	checkers map[string]validate.Checker
	mappings map[string]validate.Mapping
}

var _ Parameter = &scpiParameter{}

func newScpiParameter(spec *scpiParameterSpec, prefix string, clock comm.Clock) (*scpiParameter, error) {
	p := &scpiParameter{
		spec:     spec,
		prefix:   prefix,
		clock:    clock,
		checkers: make(map[string]validate.Checker),
		mappings: make(map[string]validate.Mapping),
	}
	for _, control := range spec.Controls {
		if control.Validator == nil {
			continue
		}
		checker, err := control.Validator.Checker()
		if err != nil {
			return nil, fmt.Errorf("control %q: %v", control.Name, err)
		}
		p.checkers[control.Name] = checker
		if control.Validator.HasEnum() {
			m, err := control.Validator.EnumMapping()
			if err != nil {
				return nil, fmt.Errorf("control %q: %v", control.Name, err)
			}
			p.mappings[control.Name] = m
		}
	}
	return p, nil
}

func (p *scpiParameter) Name() string { return p.spec.ScpiName }

func (p *scpiParameter) Query(c comm.Commander, handler QueryHandler) error {
	if p.spec.Kind == "waveform" {
		return p.queryWaveform(c, handler)
	}
	resp, err := c.Query(p.spec.ScpiName+"?", 0)
	if err != nil {
		return err
	}
	var controls []*config.ControlConfig
	for _, control := range p.spec.Controls {
		if control.ShouldPoll() {
			controls = append(controls, control)
		}
	}
	values := strings.Split(resp, ";")
	if len(values) != len(controls) {
		return fmt.Errorf("%s: %d values in response %q for %d controls",
			p.spec.ScpiName, len(values), resp, len(controls))
	}
	for n, control := range controls {
		v := strings.TrimSpace(values[n])
		if m, found := p.mappings[control.Name]; found {
			if label, ok := m.Unmap(v); ok {
				v = label
			}
		}
		handler(control.Name, v)
	}
	return nil
}

func (p *scpiParameter) queryWaveform(c comm.Commander, handler QueryHandler) error {
	opts := block.Options{
		ExpectTerminator: p.spec.Terminator,
		ExpectChecksum:   p.spec.Checksum,
	}
	b, err := c.QueryBlock(p.spec.ScpiName+"?", opts)
	if err != nil {
		return err
	}
	sf, err := p.spec.Format.sampleFormat()
	if err != nil {
		return err
	}
	samples, err := b.Samples(sf)
	if err != nil {
		return err
	}
	handler(p.spec.Controls[0].Name, samples)
	return nil
}

func (p *scpiParameter) control(name string) *config.ControlConfig {
	for _, control := range p.spec.Controls {
		if control.Name == name {
			return control
		}
	}
	return nil
}

func (p *scpiParameter) Set(c comm.Commander, name, value string) error {
	control := p.control(name)
	if control == nil {
		return fmt.Errorf("unknown control name %q", name)
	}
	var cmd string
	if control.Type == "pushbutton" {
		cmd = p.spec.ScpiName
	} else {
		checked := value
		if checker, found := p.checkers[name]; found {
			var err error
			if checked, err = checker.Check(value); err != nil {
				return err
			}
		}
		cmd = fmt.Sprintf("%s %s", p.spec.ScpiName, checked)
	}
	if p.spec.WaitOpc {
		return p.setAndAwait(c, cmd)
	}
	q := fmt.Sprintf("%s; %s*OPC?", cmd, p.prefix)
	if r, err := c.Query(q, 0); err != nil {
		return err
	} else if r != "1" {
		return fmt.Errorf("unexpected set response %q", r)
	}
	return nil
}

// setAndAwait issues the bare command and then polls *OPC? until the
// operation finishes. Slow settles (source relays, filter switches) answer
// the inline *OPC? form with a timeout instead, hence this variant.
func (p *scpiParameter) setAndAwait(c comm.Commander, cmd string) error {
	if _, err := c.Query(cmd+"; "+p.prefix+"*OPC?", 0); err != nil && err != comm.ErrTimeout {
		return err
	}
	return comm.Await(p.clock, opcPollInterval, opcTimeout, func() (bool, error) {
		r, err := c.Query(p.prefix+"*OPC?", 0)
		switch {
		case err == comm.ErrTimeout:
			// still settling
			return false, nil
		case err != nil:
			return false, err
		default:
			return r == "1", nil
		}
	})
}

type scpiProtocol struct {
	idSubstring, prefix string
	clock               comm.Clock
}

var _ Protocol = &scpiProtocol{}

func newScpiProtocol(cfg *config.PortConfig) (Protocol, error) {
	return &scpiProtocol{
		idSubstring: cfg.IdSubstring,
		prefix:      cfg.Prefix,
		clock:       &comm.DefaultClock{},
	}, nil
}

func (p *scpiProtocol) Identify(c comm.Commander) (r string, err error) {
	for i := 0; i < scpiIdentifyNumAttempts; i++ {
		r, err = c.Query("*IDN?", 0)
		switch {
		case err == comm.ErrTimeout:
			continue
		case err != nil:
			return "", err
		case p.idSubstring != "" && !strings.Contains(r, p.idSubstring):
			err = fmt.Errorf("bad id string %q (expected it to contain %q)", r, p.idSubstring)
		default:
			return r, nil
		}
	}
	return
}

func (p *scpiProtocol) Parameter(spec config.ParameterSpec) (Parameter, error) {
	scpiSpec, ok := spec.(*scpiParameterSpec)
	if !ok {
		return nil, errors.New("SCPI parameter spec expected")
	}
	return newScpiParameter(scpiSpec, p.prefix, p.clock)
}

func init() {
	RegisterProtocol("scpi", newScpiProtocol, &scpiParameterSpec{})
}
