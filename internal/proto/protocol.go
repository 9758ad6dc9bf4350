// Package proto maps declared instrument parameters onto wire commands.
// Protocol implementations register themselves by name together with their
// parameter spec type; the config layer instantiates the specs while
// parsing, and Protocol turns them into live Parameters bound to a
// commander.
package proto

import (
	"fmt"

	"scpigw/internal/comm"
	"scpigw/internal/config"
)

type QueryHandler func(name string, value interface{})

type Parameter interface {
	Name() string
	Query(c comm.Commander, handler QueryHandler) error
	Set(c comm.Commander, name, value string) error
}

type Protocol interface {
	Identify(comm.Commander) (string, error)
	Parameter(config.ParameterSpec) (Parameter, error)
}

type ProtocolFactory func(*config.PortConfig) (Protocol, error)

var protocols = make(map[string]ProtocolFactory)

func RegisterProtocol(name string, factory ProtocolFactory, param config.ParameterSpec) {
	config.RegisterProtocolConfig(name, param)
	protocols[name] = factory
}

func CreateProtocol(cfg *config.PortConfig) (Protocol, error) {
	factory, found := protocols[cfg.Protocol]
	if !found {
		return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}
	return factory(cfg)
}
