package singleinstance

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

type tcpClient struct{}

func (c *tcpClient) Delegate(ctx context.Context, format Format) (bool, string, error) {
	addr, found, err := scan(ctx)
	if err != nil || !found {
		return false, "", err
	}
	body, err := c.request(ctx, addr, format)
	return true, body, err
}

func (c *tcpClient) request(ctx context.Context, addr string, format Format) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("connect to resident: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(captureRequest(format)); err != nil {
		return "", err
	}
	if err := w.Flush(); err != nil {
		return "", err
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("read resident reply: %w", err)
	}
	rest, _ := io.ReadAll(br)
	switch status {
	case successLine:
		return string(rest), nil
	case errorLine:
		return "", errors.New(string(rest))
	}
	return "", fmt.Errorf("unexpected resident reply %q", status)
}
