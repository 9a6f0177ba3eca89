//go:build unix

package hal

import "syscall"

func execSelf(argv0 string, argv []string, envv []string) error {
	syscall.Sync()
	return syscall.Exec(argv0, argv, envv)
}
