package launch

import "syscall"

// setPdeathsig sets Pdeathsig so the build dies if the launcher crashes.
// Only available on Linux.
func setPdeathsig(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGTERM
}
