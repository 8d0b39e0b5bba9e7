// Package exechook runs the single userland script a device is configured
// to invoke on an error or log-overflow event, adapted from the teacher's
// statescript.Launcher: start the script detached into its own process
// group, enforce a timeout with SIGKILL, and never let a hanging or
// misbehaving script block the device's pipeline goroutines.
package exechook

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/mendersoftware/log"
)

// Hook invokes exec_path with two arguments (minor_id, event) whenever the
// device needs to notify userland of a noteworthy event (spec section 6,
// exec_path). A zero-value Hook with an empty Path is a no-op.
type Hook struct {
	Path    string
	Timeout time.Duration
}

func (h Hook) getTimeout() time.Duration {
	if h.Timeout <= 0 {
		return 10 * time.Second
	}
	return h.Timeout
}

// Run executes the hook script, ignoring the result: a hook is a
// best-effort notification, not a gate on the pipeline. Failures and
// timeouts are logged, never returned.
func (h Hook) Run(minorID uint32, event string) {
	if h.Path == "" {
		return
	}
	go h.run(minorID, event)
}

func (h Hook) run(minorID uint32, event string) {
	cmd := exec.Command(h.Path, itoa(minorID), event)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		log.Errorf("exechook: failed to start %q: %v", h.Path, err)
		return
	}

	timer := time.AfterFunc(h.getTimeout(), func() {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	})
	defer timer.Stop()

	if err := cmd.Wait(); err != nil {
		log.Errorf("exechook: %q (%s) exited with error: %v", h.Path, event, err)
	}
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
