//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// poller reports connections with readable data using a level-triggered
// epoll instance, so idle connections cost no goroutine.
type poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

func (p *poller) Add(c *Connection) error {
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}
	p.mu.Lock()
	p.conns[c.Fd] = c
	p.mu.Unlock()
	return nil
}

func (p *poller) Remove(c *Connection) error {
	p.mu.Lock()
	if p.conns[c.Fd] == c {
		delete(p.conns, c.Fd)
	}
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil)
}

// Wait blocks until at least one registered connection is readable.
// Connections removed after epoll_wait returned are skipped.
func (p *poller) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(p.fd, p.events, -1)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	ready := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.conns[int(p.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	return ready, nil
}

// Done is a no-op: a level-triggered epoll re-reports unread data by itself.
func (p *poller) Done(*Connection) {}

func (p *poller) Close() error {
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return unix.Close(p.fd)
}

func isInterrupted(err error) bool {
	return err == unix.EINTR
}

// socketFD returns conn's descriptor without duplicating it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
