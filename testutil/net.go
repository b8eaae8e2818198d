/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// GetLocalAddrWithFreeTCPPort returns 127.0.0.1:<free-tcp-port> address.
func GetLocalAddrWithFreeTCPPort() string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	if err = listener.Close(); err != nil {
		panic(err)
	}
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// WaitPortAndListeningServer waits until the port is known
// and the server is ready to accept TCP connections on it.
func WaitPortAndListeningServer(host string, getPort func() int, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for getPort() <= 0 {
		if time.Now().After(deadline) {
			return 0, errors.New("waiting for listening port timed out")
		}
		time.Sleep(10 * time.Millisecond)
	}
	port := getPort()
	addr := fmt.Sprintf("%s:%d", host, port)
	for {
		if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
			return port, conn.Close()
		}
		if time.Now().After(deadline) {
			return 0, errors.New("waiting listening server timed out")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
