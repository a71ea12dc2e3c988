package kernel

import (
	"fmt"
	"io"
)

// File is an open file as the process table sees it: a reference that
// fork duplicates and exit closes.
type File interface {
	Dup() File
	Close()
	Write(b []byte) (int, error)
}

// Inode is a process's current directory.
type Inode interface {
	Dup() Inode
	Put()
}

// Console is a reference-counted file writing to an io.Writer.
type Console struct {
	lock Spinlock
	w    io.Writer
	ref  int
}

// NewConsole returns a console file with one reference.
func NewConsole(w io.Writer) *Console {
	c := &Console{w: w, ref: 1}
	initlock(&c.lock, "cons")
	return c
}

func (c *Console) Dup() File {
	acquire(&c.lock)
	if c.ref < 1 {
		release(&c.lock)
		kpanic("filedup")
	}
	c.ref++
	release(&c.lock)
	return c
}

func (c *Console) Close() {
	acquire(&c.lock)
	if c.ref < 1 {
		release(&c.lock)
		kpanic("fileclose")
	}
	c.ref--
	release(&c.lock)
}

func (c *Console) Write(b []byte) (int, error) {
	acquire(&c.lock)
	defer release(&c.lock)
	if c.ref < 1 {
		return 0, fmt.Errorf("console: closed: %w", EINVAL)
	}
	return c.w.Write(b)
}

// Refs is the number of open references.
func (c *Console) Refs() int {
	acquire(&c.lock)
	defer release(&c.lock)
	return c.ref
}

// Dir is a reference-counted directory inode.
type Dir struct {
	lock Spinlock
	Path string
	ref  int
}

func NewDir(path string) *Dir {
	d := &Dir{Path: path, ref: 1}
	initlock(&d.lock, "inode")
	return d
}

func (d *Dir) Dup() Inode {
	acquire(&d.lock)
	d.ref++
	release(&d.lock)
	return d
}

func (d *Dir) Put() {
	acquire(&d.lock)
	if d.ref < 1 {
		release(&d.lock)
		kpanic("iput")
	}
	d.ref--
	release(&d.lock)
}

func (d *Dir) Refs() int {
	acquire(&d.lock)
	defer release(&d.lock)
	return d.ref
}

// fdalloc gives f the lowest free descriptor of p.
func (p *Proc) fdalloc(f File) (int, error) {
	for fd := range p.ofile {
		if p.ofile[fd] == nil {
			p.ofile[fd] = f
			return fd, nil
		}
	}
	return -1, fmt.Errorf("fdalloc: %w", EMFILE)
}
