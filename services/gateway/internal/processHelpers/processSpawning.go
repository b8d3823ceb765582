package processHelpers

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// SpawnAttributes puts the worker in its own session (new process group, no controlling
// terminal) so signals sent to the gateway's group never reach it and the whole worker tree
// can be signalled at once. The credential is only set when it differs from our own
// identity, since setting it at all requires privilege.
func SpawnAttributes(uid, gid uint32) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setsid: true}
	if int(uid) != os.Getuid() || int(gid) != os.Getgid() {
		attr.Credential = &syscall.Credential{Uid: uid, Gid: gid}
	}
	return attr
}

// TerminateGroup sends SIGTERM to every process in the group led by pid
func TerminateGroup(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

// KillGroup sends SIGKILL to every process in the group led by pid
func KillGroup(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid process id %d", pid)
	}
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to send %s to process group %d: %w", unix.SignalName(sig), pid, err)
	}
	return nil
}

// ScanLines calls fn for each line read from r until r is exhausted
func ScanLines(r io.Reader, fn func(line string)) error {
	s := bufio.NewScanner(r)
	for s.Scan() {
		fn(s.Text())
	}
	return s.Err()
}
