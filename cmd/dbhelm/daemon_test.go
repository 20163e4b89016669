package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
)

func TestPidFileRoundTrip(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "dbhelm.pid")
	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("writePidFile failed: %v", err)
	}
	b, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if string(b) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file = %q", b)
	}
	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("removePidFile failed: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("PID file was not removed")
	}
	if err := removePidFile(""); err != nil {
		t.Fatalf("empty pid file should be a no-op: %v", err)
	}
}

func TestDaemonArgs(t *testing.T) {
	in := []string{"serve", "--daemonize", "--logfile", "/tmp/d.log", "--pidfile=/tmp/old.pid", "--config", "c.toml"}
	got := daemonArgs(in, "/tmp/d.pid")
	want := []string{"serve", "--config", "c.toml", "--pidfile", "/tmp/d.pid"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("daemonArgs = %v, want %v", got, want)
	}
}
