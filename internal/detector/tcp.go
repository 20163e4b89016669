package detector

import (
	"net"
	"strconv"
	"time"
)

const DefaultTCPTimeout = 500 * time.Millisecond

// TCPDetector reports alive when a TCP connect to Host:Port succeeds.
// It catches an engine whose process is up but whose listener is dead.
type TCPDetector struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func (d TCPDetector) addr() string {
	host := d.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(d.Port))
}

func (d TCPDetector) Alive() (bool, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTCPTimeout
	}
	conn, err := net.DialTimeout("tcp", d.addr(), timeout)
	if err != nil {
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

func (d TCPDetector) Describe() string { return "tcp:" + d.addr() }
