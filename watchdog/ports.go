package watchdog

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// portInUse reports whether something is currently listening on port, using
// lsof and falling back to fuser when lsof is unavailable.
func portInUse(port int) bool {
	return len(findPIDsOnPort(port)) > 0
}

// findPIDsOnPort discovers listening PIDs via `lsof -ti :PORT`, falling back
// to `fuser -n tcp PORT` when lsof is not installed.
func findPIDsOnPort(port int) []int {
	if pids, ok := pidsFromLsof(port); ok {
		return pids
	}
	return pidsFromFuser(port)
}

func pidsFromLsof(port int) ([]int, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "lsof", "-ti", ":"+strconv.Itoa(port))
	out, err := cmd.Output()
	if err != nil {
		if _, ok := err.(*exec.Error); ok {
			return nil, false
		}
		// Non-zero exit with no matches is the common case; treat as "found lsof, no pids".
		return nil, true
	}
	return parsePIDLines(out), true
}

func pidsFromFuser(port int) []int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "fuser", "-n", "tcp", strconv.Itoa(port))
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	_ = cmd.Run()
	return parsePIDLines(buf.Bytes())
}

func parsePIDLines(out []byte) []int {
	fields := strings.Fields(string(out))
	pids := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n <= 0 {
			continue
		}
		pids = append(pids, n)
	}
	return pids
}

// freePorts sends SIGTERM to every process bound to ports, escalating to
// SIGKILL for stragglers after 200ms, so a restarted service can rebind.
func freePorts(ports []int) {
	var pids []int
	for _, p := range ports {
		pids = append(pids, findPIDsOnPort(p)...)
	}
	if len(pids) == 0 {
		return
	}
	for _, pid := range pids {
		if unix.Kill(-pid, syscall.SIGTERM) != nil {
			_ = unix.Kill(pid, syscall.SIGTERM)
		}
	}
	time.Sleep(200 * time.Millisecond)
	for _, p := range ports {
		for _, pid := range findPIDsOnPort(p) {
			if unix.Kill(-pid, syscall.SIGKILL) != nil {
				_ = unix.Kill(pid, syscall.SIGKILL)
			}
		}
	}
}

// terminateWithGrace sends SIGTERM to cmd's process group and escalates to
// SIGKILL if it has not exited within grace.
func terminateWithGrace(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	_ = unix.Kill(-pid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		_ = unix.Kill(-pid, syscall.SIGKILL)
	}
}
