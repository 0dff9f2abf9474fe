package singleinstance

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"time"
)

const probeTimeoutDefault = 300 * time.Millisecond

// DetectResidentPort returns the first port in PortRange whose listener
// answers PING with PONG.
func DetectResidentPort(ctx context.Context) (int, bool) {
	addr, found, _ := scan(ctx)
	if !found {
		return 0, false
	}
	_, p, _ := net.SplitHostPort(addr)
	port, err := strconv.Atoi(p)
	return port, err == nil
}

// scan probes each port of the range in order and returns the address of
// the first resident that answers.
func scan(ctx context.Context) (string, bool, error) {
	timeout := probeTimeout(ctx, probeTimeoutDefault)
	start, end := PortRange()
	for port := start; port <= end; port++ {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		addr := net.JoinHostPort(residentHost, strconv.Itoa(port))
		if ping(ctx, addr, timeout) {
			return addr, true, nil
		}
	}
	return "", false, nil
}

// probeTimeout shortens def to what is left of ctx's deadline.
func probeTimeout(ctx context.Context, def time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 && d < def {
			return d
		}
	}
	return def
}

func ping(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write([]byte(pingRequest)); err != nil {
		return false
	}
	resp, err := bufio.NewReader(conn).ReadString('\n')
	return err == nil && resp == pongResponse
}
