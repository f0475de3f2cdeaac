//go:build windows

package supervisor

import "os/exec"

func configureProcAttr(*exec.Cmd) {}

// Windows has no SIGTERM for console processes; terminate is a kill.
func signalTerminate(cmd *exec.Cmd) error { return cmd.Process.Kill() }

func signalKill(cmd *exec.Cmd) error { return cmd.Process.Kill() }
