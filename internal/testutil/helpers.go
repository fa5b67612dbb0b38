// Package testutil provides test helpers shared across the tunnel server's
// package tests.
package testutil

import (
	"net"
	"time"
)

// FreePort finds an available UDP port on localhost.
func FreePort() int {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		return 0
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return 0
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// WaitFor polls condition every 10ms until it returns true or timeout elapses.
func WaitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
