//go:build !unix

package daemon

import "syscall"

func detachAttrs() *syscall.SysProcAttr {
	return nil
}
