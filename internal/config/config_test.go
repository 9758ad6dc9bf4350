package config

import (
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"scpigw/internal/comm"
)

type sampleParameterSpec struct {
	Controls   []*ControlConfig
	SampleName string
}

var _ ParameterSpec = &sampleParameterSpec{}

func (spec *sampleParameterSpec) ListControls() []*ControlConfig {
	return spec.Controls
}

func (spec *sampleParameterSpec) ShouldPoll() bool {
	for _, c := range spec.Controls {
		if c.ShouldPoll() {
			return true
		}
	}
	return false
}

func (spec *sampleParameterSpec) Settable() bool {
	for _, c := range spec.Controls {
		if c.Writable {
			return true
		}
	}
	return false
}

func (spec *sampleParameterSpec) Validate() error {
	for _, c := range spec.Controls {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

var sampleConfigStr = `
ports:
  - name: somedev
    title: Some Device
    port: /dev/ttyS0
    protocol: sample
    idsubstring: some_dev_id
    commandratehz: 42
    setup:
    - command: :SYST:REM
    - command: WHATEVER
      response: ORLY
    parameters:
    - samplename: CURRVOLT
      controls:
      - name: current1
      - name: voltage1
    - samplename: CURR
      controls:
      - name: current1
        title: Current 1
        units: A
        type: current
        writable: true
    - samplename: VOLT
      controls:
      - name: voltage1
        title: Voltage 1
        units: V
        type: voltage
        writable: true
    - samplename: MEAS:CURR
      controls:
      - name: mcurrent1
        title: Measured Current 1
        units: A
        type: current
`

var sampleParsedConfig = &DriverConfig{
	Ports: []*PortConfig{
		{
			PortSettings: &comm.PortSettings{
				Name:          "somedev",
				Title:         "Some Device",
				Port:          "/dev/ttyS0",
				IdSubstring:   "some_dev_id",
				CommandRateHz: 42,
				Protocol:      "sample",
				Setup: []*comm.SetupItem{
					{
						Command: ":SYST:REM",
					},
					{
						Command:  "WHATEVER",
						Response: "ORLY",
					},
				},
			},
			Parameters: []ParameterSpec{
				&sampleParameterSpec{
					Controls: []*ControlConfig{
						{
							Name: "current1",
						},
						{
							Name: "voltage1",
						},
					},
					SampleName: "CURRVOLT",
				},
				&sampleParameterSpec{
					Controls: []*ControlConfig{
						{
							Name:     "current1",
							Title:    "Current 1",
							Units:    "A",
							Type:     "current",
							Writable: true,
						},
					},
					SampleName: "CURR",
				},
				&sampleParameterSpec{
					Controls: []*ControlConfig{
						{
							Name:     "voltage1",
							Title:    "Voltage 1",
							Units:    "V",
							Type:     "voltage",
							Writable: true,
						},
					},
					SampleName: "VOLT",
				},
				&sampleParameterSpec{
					Controls: []*ControlConfig{
						{
							Name:  "mcurrent1",
							Title: "Measured Current 1",
							Units: "A",
							Type:  "current",
						},
					},
					SampleName: "MEAS:CURR",
				},
			},
		},
	},
}

func TestParseConfig(t *testing.T) {
	RegisterProtocolConfig("sample", &sampleParameterSpec{})
	actualConfig, err := ParseDriverConfig([]byte(sampleConfigStr))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if !reflect.DeepEqual(actualConfig, sampleParsedConfig) {
		t.Errorf("config mismatch: got:\n%s\nexpected:\n%s",
			spew.Sdump(actualConfig), spew.Sdump(sampleParsedConfig))
	}
}

func TestGetControls(t *testing.T) {
	RegisterProtocolConfig("sample", &sampleParameterSpec{})
	expectedControls := []*ControlConfig{
		{
			Name:     "current1",
			Title:    "Current 1",
			Units:    "A",
			Type:     "current",
			Writable: true,
		},
		{
			Name:     "voltage1",
			Title:    "Voltage 1",
			Units:    "V",
			Type:     "voltage",
			Writable: true,
		},
		{
			Name:  "mcurrent1",
			Title: "Measured Current 1",
			Units: "A",
			Type:  "current",
		},
	}
	config, err := ParseDriverConfig([]byte(sampleConfigStr))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	actualControls, paramSetMap, err := config.Ports[0].GetControls()
	if err != nil {
		t.Fatalf("GetControls() failed: %v", err)
	}
	if !reflect.DeepEqual(actualControls, expectedControls) {
		t.Errorf("controls mismatch: got:\n%s\nexpected:\n%s",
			spew.Sdump(actualControls), spew.Sdump(expectedControls))
	}
	if len(paramSetMap) != 2 {
		t.Errorf("invalid paramSetMap length: %v", paramSetMap)
	}
	if paramSetMap["current1"] != config.Ports[0].Parameters[1] {
		t.Errorf("invalid paramSetMap entry for current1: %s", spew.Sdump(paramSetMap["current1"]))
	}
	if paramSetMap["voltage1"] != config.Ports[0].Parameters[2] {
		t.Errorf("invalid paramSetMap entry for voltage1: %s", spew.Sdump(paramSetMap["voltage1"]))
	}
}

func TestConfigValidation(t *testing.T) {
	RegisterProtocolConfig("sample", &sampleParameterSpec{})
	for _, tc := range []struct {
		name   string
		config string
	}{
		{
			"no port name",
			`{ports: [{port: /dev/ttyS0, protocol: sample}]}`,
		},
		{
			"no port address",
			`{ports: [{name: x, protocol: sample}]}`,
		},
		{
			"unknown protocol",
			`{ports: [{name: x, port: p, protocol: nonesuch, parameters: [{samplename: A}]}]}`,
		},
		{
			"bad line ending",
			`{ports: [{name: x, port: p, protocol: sample, lineending: zz}]}`,
		},
		{
			"bad encoding",
			`{ports: [{name: x, port: p, protocol: sample, encoding: ebcdic}]}`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDriverConfig([]byte(tc.config))
			assert.Error(t, err)
		})
	}
}

func TestValidatorClauses(t *testing.T) {
	parse := func(t *testing.T, text string) *ValidatorConfig {
		var control ControlConfig
		require.NoError(t, yamlUnmarshal(text, &control))
		require.NotNil(t, control.Validator)
		return control.Validator
	}

	vc := parse(t, "name: c\nvalidator:\n  range: {min: 0, max: 3.1}\n  mode: clamp")
	c, err := vc.Checker()
	require.NoError(t, err)
	got, err := c.Check("5")
	require.NoError(t, err)
	assert.Equal(t, "3.1", got)

	vc = parse(t, "name: c\nvalidator:\n  steppedrange: {min: 0, max: 0.2, step: 0.001}")
	c, err = vc.Checker()
	require.NoError(t, err)
	_, err = c.Check("0.003")
	assert.NoError(t, err)
	_, err = c.Check("0.0035")
	assert.Error(t, err)

	vc = parse(t, "name: c\nvalidator:\n  enum: {Foo: \"0\", Bar: \"1\"}")
	assert.True(t, vc.HasEnum())
	m, err := vc.EnumMapping()
	require.NoError(t, err)
	code, err := m.Map("Bar")
	require.NoError(t, err)
	assert.Equal(t, "1", code)
	label, found := m.Unmap("0")
	assert.True(t, found)
	assert.Equal(t, "Foo", label)

	vc = parse(t, `
name: c
validator:
  anyof:
  - range: {min: 0, max: 60}
  - set: ["OFF"]
`)
	c, err = vc.Checker()
	require.NoError(t, err)
	got, err = c.Check("OFF")
	require.NoError(t, err)
	assert.Equal(t, "OFF", got)

	// two clauses at once is a config error
	vc = parse(t, "name: c\nvalidator:\n  range: {min: 0, max: 1}\n  set: [A]")
	_, err = vc.Checker()
	assert.Error(t, err)

	// min > max is a config error
	vc = parse(t, "name: c\nvalidator:\n  range: {min: 2, max: 1}")
	_, err = vc.Checker()
	assert.Error(t, err)
}

func yamlUnmarshal(text string, out interface{}) error {
	return yaml.Unmarshal([]byte(text), out)
}
