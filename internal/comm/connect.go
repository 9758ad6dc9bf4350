package comm

import (
	"io"
	"net"
	"strings"
	"time"

	"github.com/goburrow/serial"
)

const serialTimeout = 250 * time.Millisecond

type Connector func(port string) (io.ReadWriteCloser, error)

type serialWrapper struct {
	serial.Port
}

func (w *serialWrapper) Read(p []byte) (n int, err error) {
	n, err = w.Port.Read(p)
	if err == serial.ErrTimeout {
		err = ErrTimeout
	}
	return
}

// Connect opens an instrument port: a serial device for filesystem paths,
// TCP otherwise (with or without the tcp:// prefix).
func Connect(address string) (io.ReadWriteCloser, error) {
	switch {
	case strings.HasPrefix(address, "/"):
		port, err := serial.Open(&serial.Config{
			Address:  address,
			BaudRate: 9600,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
			Timeout:  serialTimeout,
		})
		if err != nil {
			return nil, err
		}
		return &serialWrapper{port}, nil
	case strings.HasPrefix(address, "tcp://"):
		return net.Dial("tcp", address[6:])
	}

	return net.Dial("tcp", address)
}
