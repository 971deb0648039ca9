//go:build !unix

package process

import (
	"os"
	"os/exec"
)

func detach(*exec.Cmd) {}

func killGroup(p *os.Process) error { return p.Kill() }
