package main

import (
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// notifyReady sends READY=1 to systemd when running as a Type=notify unit, see sd_notify(3).
func notifyReady(l *logrus.Logger) {
	sock := os.Getenv("NOTIFY_SOCKET")
	if sock == "" {
		l.Debug("NOTIFY_SOCKET not set, not notifying systemd")
		return
	}
	if strings.HasPrefix(sock, "@") {
		// abstract namespace
		sock = "\x00" + sock[1:]
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		l.WithError(err).Error("Failed to connect to the systemd notification socket")
		return
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		l.WithError(err).Error("Failed to set a write deadline on the systemd notification socket")
		return
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		l.WithError(err).Error("Failed to notify systemd")
		return
	}
	l.Debug("Notified systemd that the generator is running")
}
