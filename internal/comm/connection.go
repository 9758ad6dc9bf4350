package comm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/text/encoding"

	"scpigw/internal/block"
)

type ConnectionWithDeadline interface {
	SetDeadline(t time.Time) error
}

type connectionWrapper struct {
	*bufio.ReadWriter
	innerConn io.ReadWriteCloser
	decoder   *encoding.Decoder
}

func newConnectionWrapper(conn io.ReadWriteCloser, enc encoding.Encoding) *connectionWrapper {
	c := &connectionWrapper{
		ReadWriter: bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		innerConn:  conn,
	}
	if enc != nil {
		c.decoder = enc.NewDecoder()
	}
	return c
}

func (c *connectionWrapper) SetDeadline(time time.Time) error {
	if d, ok := c.innerConn.(ConnectionWithDeadline); ok {
		return d.SetDeadline(time)
	}
	return nil
}

func (c *connectionWrapper) Close() error {
	return c.innerConn.Close()
}

// mapTimeout folds transport-specific timeout errors into ErrTimeout.
func mapTimeout(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrTimeout
	}
	return err
}

func (c *connectionWrapper) decode(resp string) (string, error) {
	if c.decoder == nil {
		return resp, nil
	}
	decoded, err := c.decoder.String(resp)
	if err != nil {
		return "", fmt.Errorf("error decoding response %q: %v", resp, err)
	}
	return decoded, nil
}

func (c *connectionWrapper) writeCommand(command, lineEnding string, now time.Time, timeout time.Duration) error {
	if err := c.SetDeadline(now.Add(timeout)); err != nil {
		return fmt.Errorf("SetDeadline error: %v", err)
	}
	_, err := c.Write([]byte(command + lineEnding))
	if err == nil {
		err = c.Flush()
	}
	if err != nil {
		return fmt.Errorf("write error: %v", mapTimeout(err))
	}
	return nil
}

// sendCommand does one line-oriented exchange.
func (c *connectionWrapper) sendCommand(command, lineEnding string, readResponse bool, now time.Time, timeout time.Duration) (string, error) {
	if err := c.writeCommand(command, lineEnding, now, timeout); err != nil {
		return "", err
	}
	if !readResponse {
		return "", nil
	}

	lastChar := lineEnding[len(lineEnding)-1]
	resp, err := c.ReadString(lastChar)
	if err = mapTimeout(err); err == ErrTimeout {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("failed to read response: %v", err)
	}
	switch {
	case len(resp) >= len(lineEnding) && resp[len(resp)-len(lineEnding):] == lineEnding:
		resp = resp[:len(resp)-len(lineEnding)]
	case resp[len(resp)-1] == lastChar:
		// allow responses to cmd + "\r\n" to end with just "\n"
		resp = resp[:len(resp)-1]
	}
	return c.decode(resp)
}

// sendFixed reads a fixed-size response with no terminator after it.
func (c *connectionWrapper) sendFixed(command, lineEnding string, size int, now time.Time, timeout time.Duration) (string, error) {
	if err := c.writeCommand(command, lineEnding, now, timeout); err != nil {
		return "", err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.Reader, buf); err != nil {
		if err = mapTimeout(err); err == ErrTimeout {
			return "", err
		}
		return "", fmt.Errorf("failed to read %d-byte response: %v", size, err)
	}
	return c.decode(string(buf))
}

// sendBlock reads a length-prefixed binary block response.
func (c *connectionWrapper) sendBlock(command, lineEnding string, opts block.Options, now time.Time, timeout time.Duration) (*block.Block, error) {
	if err := c.writeCommand(command, lineEnding, now, timeout); err != nil {
		return nil, err
	}
	return block.Decode(c.Reader, opts)
}
