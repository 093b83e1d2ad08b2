//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// poller emulates epoll with one watcher goroutine per connection. The
// watcher peeks through a buffered reader, so no frame bytes are lost, and
// waits for Done before peeking again so it never races the frame reader.
type poller struct {
	mu      sync.Mutex
	resume  map[*Connection]chan struct{}
	ready   chan *Connection
	done    chan struct{}
	closeMu sync.Once
}

func newPoller() (*poller, error) {
	return &poller{
		resume: make(map[*Connection]chan struct{}),
		ready:  make(chan *Connection, 128),
		done:   make(chan struct{}),
	}, nil
}

func (p *poller) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	c.rd = br
	resume := make(chan struct{}, 1)

	p.mu.Lock()
	p.resume[c] = resume
	p.mu.Unlock()

	go p.watch(c, br, resume)
	return nil
}

func (p *poller) watch(c *Connection, br *bufio.Reader, resume chan struct{}) {
	for {
		// A peek error also counts as readable: the frame reader sees the
		// same error and removes the connection.
		_, err := br.Peek(1)
		select {
		case p.ready <- c:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *poller) Remove(c *Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if resume, ok := p.resume[c]; ok {
		delete(p.resume, c)
		close(resume)
	}
	return nil
}

func (p *poller) Wait() ([]*Connection, error) {
	select {
	case first := <-p.ready:
		conns := []*Connection{first}
		for {
			select {
			case c := <-p.ready:
				conns = append(conns, c)
			default:
				return conns, nil
			}
		}
	case <-p.done:
		return nil, net.ErrClosed
	}
}

// Done lets c's watcher look for the next frame.
func (p *poller) Done(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	resume, ok := p.resume[c]
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

func (p *poller) Close() error {
	p.closeMu.Do(func() { close(p.done) })
	return nil
}

func isInterrupted(error) bool { return false }

func socketFD(net.Conn) int { return -1 }
