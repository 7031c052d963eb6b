// Package uds wraps Unix domain socket plumbing for the oracle channel.
package uds

import (
	"net"
	"time"

	"main/pkg/exception"
)

const unixNetwork = "unix"

// Client dials a Unix domain socket at a fixed path.
type Client struct {
	addr net.UnixAddr
}

// NewClient creates a client for the provided socket path.
func NewClient(path string) (*Client, error) {
	if path == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	return &Client{addr: net.UnixAddr{Name: path, Net: unixNetwork}}, nil
}

// Path returns the configured socket path.
func (c *Client) Path() string {
	if c == nil {
		return ""
	}
	return c.addr.Name
}

// Dial opens a connection to the socket.
func (c *Client) Dial() (*net.UnixConn, error) {
	if c == nil {
		return nil, exception.ErrNilClientUDS
	}
	if c.addr.Name == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	return net.DialUnix(unixNetwork, nil, &c.addr)
}

// DialRetry keeps dialing until the socket appears or the deadline passes.
// The oracle process may come up after the trader; startup waits for it.
func (c *Client) DialRetry(deadline time.Duration) (*net.UnixConn, error) {
	var (
		conn *net.UnixConn
		err  error
	)
	until := time.Now().Add(deadline)
	for {
		conn, err = c.Dial()
		if err == nil {
			return conn, nil
		}
		if time.Now().After(until) {
			return nil, err
		}
		time.Sleep(time.Second)
	}
}
