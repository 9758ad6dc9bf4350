// Package config parses the YAML driver configuration: ports, their
// transport settings, and protocol-specific parameter declarations that
// map controls to instrument commands.
package config

import (
	"errors"
	"fmt"
	"reflect"

	"gopkg.in/yaml.v3"

	"scpigw/internal/comm"
)

// ControlConfig declares one user-visible control backed by an instrument
// parameter.
type ControlConfig struct {
	Name      string
	Title     string
	Units     string
	Type      string
	Writable  bool
	Validator *ValidatorConfig
}

func (c *ControlConfig) ShouldPoll() bool {
	return c.Type != "pushbutton"
}

func (c *ControlConfig) Validate() error {
	if c.Name == "" {
		return errors.New("control name not specified")
	}
	if c.Validator != nil {
		if _, err := c.Validator.Checker(); err != nil {
			return fmt.Errorf("control %q: %v", c.Name, err)
		}
	}
	return nil
}

// ParameterSpec is the protocol-specific part of a parameter declaration.
// Concrete spec types are registered per protocol name and instantiated
// while the config is being parsed.
type ParameterSpec interface {
	ListControls() []*ControlConfig
	ShouldPoll() bool
	Settable() bool
	Validate() error
}

var protocolSpecs = make(map[string]reflect.Type)

// RegisterProtocolConfig associates a parameter spec struct with a
// protocol name. The spec argument is only used as a template.
func RegisterProtocolConfig(name string, spec ParameterSpec) {
	t := reflect.TypeOf(spec)
	if t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		panic("parameter spec must be a struct pointer")
	}
	protocolSpecs[name] = t.Elem()
}

func newParameterSpec(protocol string) (ParameterSpec, error) {
	t, found := protocolSpecs[protocol]
	if !found {
		return nil, fmt.Errorf("unknown protocol %q", protocol)
	}
	return reflect.New(t).Interface().(ParameterSpec), nil
}

type PortConfig struct {
	*comm.PortSettings
	Parameters []ParameterSpec
}

func (pc *PortConfig) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		Settings   comm.PortSettings `yaml:",inline"`
		Parameters []yaml.Node
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	pc.PortSettings = &aux.Settings
	pc.Parameters = nil
	for _, paramNode := range aux.Parameters {
		spec, err := newParameterSpec(aux.Settings.Protocol)
		if err != nil {
			return err
		}
		if err := paramNode.Decode(spec); err != nil {
			return err
		}
		pc.Parameters = append(pc.Parameters, spec)
	}
	return nil
}

func (pc *PortConfig) Validate() error {
	if pc.Name == "" {
		return errors.New("port name not specified")
	}
	if pc.Port == "" {
		return fmt.Errorf("port %q: no port address", pc.Name)
	}
	switch pc.LineEnding {
	case "", "cr", "lf", "crlf":
	default:
		return fmt.Errorf("port %q: bad line ending %q", pc.Name, pc.LineEnding)
	}
	if _, err := comm.CharsetByName(pc.Encoding); err != nil {
		return fmt.Errorf("port %q: %v", pc.Name, err)
	}
	for _, spec := range pc.Parameters {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("port %q: %v", pc.Name, err)
		}
	}
	return nil
}

// GetControls resolves the port's parameter declarations into a flat
// control list, merging controls that several parameters mention, and a
// map from control name to the parameter used for setting it.
func (pc *PortConfig) GetControls() ([]*ControlConfig, map[string]ParameterSpec, error) {
	var controls []*ControlConfig
	byName := make(map[string]*ControlConfig)
	paramSetMap := make(map[string]ParameterSpec)
	for _, spec := range pc.Parameters {
		for _, control := range spec.ListControls() {
			if control.Name == "" {
				return nil, nil, errors.New("control name not specified")
			}
			merged, found := byName[control.Name]
			if !found {
				merged = control
				byName[control.Name] = merged
				controls = append(controls, merged)
			} else if err := merged.merge(control); err != nil {
				return nil, nil, err
			}
			if control.Writable && spec.Settable() {
				if _, dup := paramSetMap[control.Name]; dup {
					return nil, nil, fmt.Errorf("duplicate writable control %q", control.Name)
				}
				paramSetMap[control.Name] = spec
			}
		}
	}
	return controls, paramSetMap, nil
}

// merge fills empty presentation fields of c from other; a later richer
// declaration of the same control wins over a bare mention.
func (c *ControlConfig) merge(other *ControlConfig) error {
	if c.Title == "" {
		c.Title = other.Title
	}
	if c.Units == "" {
		c.Units = other.Units
	}
	if c.Type == "" {
		c.Type = other.Type
	}
	if other.Writable {
		c.Writable = true
	}
	if c.Validator == nil {
		c.Validator = other.Validator
	}
	return nil
}

type DriverConfig struct {
	Ports []*PortConfig
}

func ParseDriverConfig(in []byte) (*DriverConfig, error) {
	var cfg DriverConfig
	if err := yaml.Unmarshal(in, &cfg); err != nil {
		return nil, err
	}
	for _, port := range cfg.Ports {
		if err := port.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
