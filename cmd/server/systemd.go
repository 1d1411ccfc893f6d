package main

import (
	"net"
	"os"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/xerrors"
)

// notifySystemd sends READY=1 when running as a Type=notify unit. sent is
// false outside systemd.
func notifySystemd() (sent bool, err error) {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return false, nil
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return false, xerrors.Wrap(err, "dial systemd notify socket")
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return false, xerrors.Wrap(err, "write systemd notify socket")
	}
	return true, nil
}
