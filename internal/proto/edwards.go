package proto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"scpigw/internal/comm"
	"scpigw/internal/config"
)

const (
	edwardsIdCommand           = "?S902"
	edwardsIdResponsePrefix    = "=S902 "
	edwardsGeneralCommand      = "!C"
	edwardsSetupCommand        = "!S"
	edwardsQuerySetupCommand   = "?S"
	edwardsQueryValueCommand   = "?V"
	edwardsIdentifyNumAttempts = 10
)

var edwardsErrorCodes = []string{
	"no error",                         // 0
	"Invalid command for object ID",    // 1
	"Invalid query/command",            // 2
	"Missing parameter",                // 3
	"Parameter out of range",           // 4
	"Invalid command in current state", // 5
	"Data checksum error",              // 6
	"EEPROM read or write error",       // 7
	"Operation took too long",          // 8
	"Invalid config ID",                // 9
}

type edwardsParameterSpec struct {
	Oid      int
	Sub      *int
	Controls []*config.ControlConfig
	Read     string
	Write    string
}

var _ config.ParameterSpec = &edwardsParameterSpec{}

func (spec *edwardsParameterSpec) ListControls() []*config.ControlConfig {
	return spec.Controls
}

func (spec *edwardsParameterSpec) ShouldPoll() bool {
	if spec.Read == "" {
		return false
	}
	for _, control := range spec.Controls {
		if control.ShouldPoll() {
			return true
		}
	}
	return false
}

func (spec *edwardsParameterSpec) Settable() bool {
	return spec.Write != ""
}

func (spec *edwardsParameterSpec) Validate() error {
	for _, control := range spec.Controls {
		if err := control.Validate(); err != nil {
			return err
		}
	}
	if spec.Oid <= 0 {
		return fmt.Errorf("invalid OID %d", spec.Oid)
	}
	if spec.Sub != nil && *spec.Sub < 0 {
		return fmt.Errorf("negative sub %d, OID=%d", *spec.Sub, spec.Oid)
	}
	switch {
	case spec.Read == "" && spec.Write == "":
		return fmt.Errorf("OID %d: must specify read and/or write command", spec.Oid)
	case spec.Read != "" && spec.Read != edwardsQuerySetupCommand && spec.Read != edwardsQueryValueCommand:
		return fmt.Errorf("OID %d: 'read' must be either empty, %q or %q, but is %q",
			spec.Oid, edwardsQuerySetupCommand, edwardsQueryValueCommand, spec.Read)
	case spec.Write != "" && spec.Write != edwardsGeneralCommand && spec.Write != edwardsSetupCommand:
		return fmt.Errorf("OID %d: 'write' must be either empty, %q or %q, but is %q",
			spec.Oid, edwardsGeneralCommand, edwardsSetupCommand, spec.Write)
	}
	return nil
}

type edwardsParameter struct {
	*edwardsParameterSpec
}

var _ Parameter = &edwardsParameter{}

func (p *edwardsParameter) Name() string {
	if p.Sub != nil {
		return fmt.Sprintf("%d/%d", p.Oid, *p.Sub)
	}
	return strconv.Itoa(p.Oid)
}

func (p *edwardsParameter) parseResponse(resp, cmdPrefix string) ([]string, error) {
	// req:  ?V904
	// resp: '=V904 0;0;0'
	// req:  ?S904 3
	// resp: '=S904 3;0'
	// error response looks like '*Cnnn 1'
	if len(resp) <= len(cmdPrefix)+1 || resp[1:len(cmdPrefix)+1] != cmdPrefix[1:]+" " {
		return nil, errors.New("invalid device response")
	}
	tail := resp[len(cmdPrefix)+1:]
	if resp[0] == '*' {
		errCode, err := strconv.Atoi(tail)
		if err != nil {
			return nil, errors.New("invalid error response")
		}
		if errCode == 0 {
			return nil, nil
		}
		if errCode >= len(edwardsErrorCodes) {
			return nil, fmt.Errorf("invalid error code %d", errCode)
		}
		return nil, fmt.Errorf("device error: %s", edwardsErrorCodes[errCode])
	}
	if resp[0] != '=' {
		return nil, errors.New("invalid device response")
	}
	values := strings.Split(tail, ";")
	if p.Sub != nil {
		if values[0] != strconv.Itoa(*p.Sub) {
			return nil, fmt.Errorf("invalid sub in response: %s", values[0])
		}
		values = values[1:]
	}
	return values, nil
}

func (p *edwardsParameter) command(c comm.Commander, cmdType, data string) ([]string, error) {
	cmdPrefix := fmt.Sprintf("%s%d", cmdType, p.Oid)
	cmd := cmdPrefix
	if p.Sub != nil {
		cmd += fmt.Sprintf(" %d", *p.Sub)
		if data != "" {
			cmd += ";" + data
		}
	} else if data != "" {
		cmd += " " + data
	}
	resp, err := c.Query(cmd, 0)
	if err != nil {
		return nil, err
	}
	return p.parseResponse(resp, cmdPrefix)
}

func (p *edwardsParameter) Query(c comm.Commander, handler QueryHandler) error {
	if p.Read == "" {
		return fmt.Errorf("no read command for %q", p.Name())
	}
	values, err := p.command(c, p.Read, "")
	if err != nil {
		return err
	}
	if len(values) != len(p.Controls) {
		return errors.New("mismatched number of params in response")
	}
	for n, control := range p.Controls {
		handler(control.Name, values[n])
	}
	return nil
}

func (p *edwardsParameter) Set(c comm.Commander, name, value string) error {
	controlIndex := -1
	for n, control := range p.Controls {
		if control.Name == name {
			controlIndex = n
			break
		}
	}
	if controlIndex < 0 {
		return fmt.Errorf("bad control %q for param %q", name, p.Name())
	}
	if p.Write == "" {
		return fmt.Errorf("no write command for %q", p.Name())
	}
	data := ""
	if p.Write == edwardsSetupCommand || (p.Write == edwardsGeneralCommand && p.Sub == nil) {
		data = value
	}
	if p.Write == edwardsSetupCommand && len(p.Controls) > 1 {
		// a multi-valued parameter must be written whole, so read the
		// current values first and patch the one being set
		if p.Read == "" {
			return fmt.Errorf("trying to write multi-valued param %q without read command", p.Name())
		}
		values, err := p.command(c, p.Read, "")
		if err != nil {
			return err
		}
		if len(values) != len(p.Controls) {
			return errors.New("mismatched number of params in response")
		}
		values[controlIndex] = data
		data = strings.Join(values, ";")
	}

	values, err := p.command(c, p.Write, data)
	if err != nil {
		return err
	}
	if len(values) > 0 {
		return errors.New("didn't expect values from set command")
	}
	return nil
}

type edwardsProtocol struct {
	idSubstring string
}

var _ Protocol = &edwardsProtocol{}

func newEdwardsProtocol(cfg *config.PortConfig) (Protocol, error) {
	return &edwardsProtocol{cfg.IdSubstring}, nil
}

func (p *edwardsProtocol) Identify(c comm.Commander) (r string, err error) {
	for i := 0; i < edwardsIdentifyNumAttempts; i++ {
		r, err = c.Query(edwardsIdCommand, 0)
		switch {
		case err == comm.ErrTimeout:
			continue
		case err != nil:
			return "", err
		case !strings.HasPrefix(r, edwardsIdResponsePrefix) || (p.idSubstring != "" && !strings.Contains(r, p.idSubstring)):
			err = fmt.Errorf("bad id string %q (expected it to contain %q)", r, p.idSubstring)
		default:
			r = r[len(edwardsIdResponsePrefix):]
			return strings.Replace(strings.Replace(r, "\x00", "", -1), ";", "/", -1), nil
		}
	}
	return
}

func (p *edwardsProtocol) Parameter(spec config.ParameterSpec) (Parameter, error) {
	edwardsSpec, ok := spec.(*edwardsParameterSpec)
	if !ok {
		return nil, errors.New("EDWARDS parameter spec expected")
	}
	return &edwardsParameter{edwardsSpec}, nil
}

func init() {
	RegisterProtocol("edwards", newEdwardsProtocol, &edwardsParameterSpec{})
}
