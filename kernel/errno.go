package kernel

import "errors"

// Errno is the error code a system call leaves in the PCB.
type Errno int

const (
	EOK    Errno = 0
	EPERM  Errno = 1
	ESRCH  Errno = 3  // no such process
	EINTR  Errno = 4  // interrupted (process was killed)
	EBADF  Errno = 9
	ECHILD Errno = 10 // no child processes
	EAGAIN Errno = 11 // process table full
	ENOMEM Errno = 12 // out of physical memory
	EFAULT Errno = 14 // bad address / protection violation
	EINVAL Errno = 22
	EMFILE Errno = 24 // descriptor table full
)

var errnoText = map[Errno]string{
	EOK:    "no error",
	EPERM:  "operation not permitted",
	ESRCH:  "no such process",
	EINTR:  "interrupted",
	EBADF:  "bad file descriptor",
	ECHILD: "no child processes",
	EAGAIN: "resource temporarily unavailable",
	ENOMEM: "out of memory",
	EFAULT: "bad address",
	EINVAL: "invalid argument",
	EMFILE: "too many open files",
}

func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return "unknown error"
}

// errnoOf extracts the Errno carried by err, or EOK for nil.
func errnoOf(err error) Errno {
	if err == nil {
		return EOK
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	return EINVAL
}
