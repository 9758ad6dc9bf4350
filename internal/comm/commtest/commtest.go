// Package commtest provides a scripted fake commander for protocol and
// device tests: enqueue the expected command/response pairs, run the code
// under test, then verify the queue was drained.
package commtest

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"scpigw/internal/block"
)

type queueItem struct {
	query             string
	resp              string
	err               error
	fixedResponseSize int
	binary            bool
	payload           []byte
	blockOpts         block.Options
}

type FakeCommander struct {
	connected bool
	t         *testing.T
	readyCh   chan struct{}
	queue     []queueItem
}

func NewFakeCommander(t *testing.T) *FakeCommander {
	return &FakeCommander{t: t, readyCh: make(chan struct{})}
}

func (c *FakeCommander) Connect() {
	if !c.connected {
		c.connected = true
		close(c.readyCh)
	}
}

func (c *FakeCommander) Ready() <-chan struct{} {
	return c.readyCh
}

func (c *FakeCommander) next(query string) (queueItem, error) {
	if !c.connected {
		err := errors.New("FakeCommander: not connected")
		c.t.Error(err)
		return queueItem{}, err
	}
	if len(c.queue) == 0 {
		err := fmt.Errorf("FakeCommander: response queue is empty (command %q)", query)
		c.t.Error(err)
		return queueItem{}, err
	}
	item := c.queue[0]
	c.queue = c.queue[1:]
	if query != item.query {
		err := fmt.Errorf("FakeCommander: bad command %q instead of %q", query, item.query)
		c.t.Error(err)
		return queueItem{}, err
	}
	return item, nil
}

func (c *FakeCommander) Query(query string, fixedResponseSize int) (string, error) {
	item, err := c.next(query)
	if err != nil {
		return "", err
	}
	if item.err != nil {
		return "", item.err
	}
	if item.binary {
		err := fmt.Errorf("FakeCommander: expected a block query for %q", query)
		c.t.Error(err)
		return "", err
	}
	if item.fixedResponseSize != fixedResponseSize {
		err := fmt.Errorf("FakeCommander: bad fixedResponseSize: %d instead of %d",
			fixedResponseSize, item.fixedResponseSize)
		c.t.Error(err)
		return "", err
	}
	return item.resp, nil
}

func (c *FakeCommander) QueryBlock(query string, opts block.Options) (*block.Block, error) {
	item, err := c.next(query)
	if err != nil {
		return nil, err
	}
	if item.err != nil {
		return nil, item.err
	}
	if !item.binary {
		err := fmt.Errorf("FakeCommander: expected a plain query for %q", query)
		c.t.Error(err)
		return nil, err
	}
	if opts != item.blockOpts {
		err := fmt.Errorf("FakeCommander: bad block options %+v instead of %+v", opts, item.blockOpts)
		c.t.Error(err)
		return nil, err
	}
	return block.Decode(bytes.NewReader(block.Encode(item.payload, opts)), opts)
}

func (c *FakeCommander) Close() {
	c.connected = false
}

// Enqueue adds query/response pairs, with an optional leading int giving
// the expected fixed response size of the pair that follows.
func (c *FakeCommander) Enqueue(items ...interface{}) {
	for i := 0; i < len(items); {
		qi := queueItem{}
		var ok bool
		qi.fixedResponseSize, ok = items[i].(int)
		if ok {
			i++
		}
		if i+1 >= len(items) {
			c.t.Fatalf("bad Enqueue call -- expected query and response pair")
		}
		qi.query, ok = items[i].(string)
		if !ok {
			c.t.Fatalf("query must be a string but got %#v", items[i])
		}
		qi.resp, ok = items[i+1].(string)
		if !ok {
			c.t.Fatalf("response must be a string but got %#v", items[i+1])
		}

		if qi.fixedResponseSize != 0 && len(qi.resp) != qi.fixedResponseSize {
			c.t.Fatalf("fixedResponseSize %d doesn't match the length of the response (%d): %q",
				qi.fixedResponseSize, len(qi.resp), qi.resp)
		}

		i += 2
		c.queue = append(c.queue, qi)
	}
}

// EnqueueError adds an expected query that fails with the given error
// (e.g. comm.ErrTimeout) instead of producing a response.
func (c *FakeCommander) EnqueueError(query string, err error) {
	c.queue = append(c.queue, queueItem{query: query, err: err})
}

// EnqueueBlock adds an expected block query returning the given payload.
func (c *FakeCommander) EnqueueBlock(query string, payload []byte, opts block.Options) {
	c.queue = append(c.queue, queueItem{
		query:     query,
		binary:    true,
		payload:   payload,
		blockOpts: opts,
	})
}

func (c *FakeCommander) VerifyAndFlush() {
	if len(c.queue) > 0 {
		c.t.Errorf("FakeCommander: unexpected items in queue: %#v", c.queue)
		c.queue = nil
	}
}
