package comm

import "time"

type SetupItem struct {
	Command  string
	Response string
}

// PortSettings is everything the commander and the layers above need to
// know about one instrument port. Field names double as the YAML keys.
type PortSettings struct {
	Name           string
	Title          string
	Port           string
	Protocol       string
	IdSubstring    string
	Address        int
	Prefix         string
	LineEnding     string
	Encoding       string
	TranslateCR    bool
	Resync         bool
	CommandRateHz  float64
	PollIntervalMs int
	TimeoutMs      int
	Setup          []*SetupItem
}

const (
	defaultTimeout      = 5 * time.Second
	defaultPollInterval = time.Second
)

func (s *PortSettings) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return defaultTimeout
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

func (s *PortSettings) PollInterval() time.Duration {
	if s.PollIntervalMs <= 0 {
		return defaultPollInterval
	}
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}
