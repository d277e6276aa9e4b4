// pty.go: the master/slave pseudo-terminal pair (spec.md §4.8).
//
// Grounded on original_source/kern/pty.c for the master/slave wiring
// (two independent fs_queues, one per direction, with master open
// creating both and master close tearing both down) layered on this
// package's own fs_queue rather than a second buffering primitive.
package vfsplumbing

import (
	"sync"

	"zeke/defs"
	"zeke/ksignal"
)

// ptyQueueSize is the per-direction fs_queue capacity (PTY drivers
// typically use a small fixed ring; this tree picks one page's worth).
const ptyQueueSize = 4096

// Pty_t is one pseudo-terminal pair: a master and slave end, each
// reading one direction's queue and writing the other's.
type Pty_t struct {
	mu sync.Mutex

	toSlave  *FsQueue_t // master writes, slave reads
	toMaster *FsQueue_t // slave writes, master reads

	masterClosed bool
	slaveClosed  bool

	masterThread *ksignal.Thread_t
	slaveThread  *ksignal.Thread_t
}

// NewPty creates a master/slave pair (opening the pty multiplexer
// device, spec.md §4.8: "A master/slave pair is created when a process
// opens the multiplexer device").
func NewPty() *Pty_t {
	return &Pty_t{
		toSlave:  NewFsQueue(ptyQueueSize),
		toMaster: NewFsQueue(ptyQueueSize),
	}
}

// BindMaster installs the signal-bearing thread state behind the
// master endpoint of both directional queues.
func (p *Pty_t) BindMaster(t *ksignal.Thread_t) {
	p.mu.Lock()
	p.masterThread = t
	p.mu.Unlock()
	p.syncEndpoints()
}

// BindSlave installs the signal-bearing thread state behind the slave
// endpoint of both directional queues.
func (p *Pty_t) BindSlave(t *ksignal.Thread_t) {
	p.mu.Lock()
	p.slaveThread = t
	p.mu.Unlock()
	p.syncEndpoints()
}

func (p *Pty_t) syncEndpoints() {
	p.mu.Lock()
	master, slave := p.masterThread, p.slaveThread
	p.mu.Unlock()
	// master writes toSlave, slave reads it; slave writes toMaster,
	// master reads it.
	p.toSlave.SetEndpoints(slave, master)
	p.toMaster.SetEndpoints(master, slave)
}

// MasterWrite sends bytes to the slave's input stream.
func (p *Pty_t) MasterWrite(buf []byte, self *ksignal.Thread_t, block bool) (int, defs.Err_t) {
	if p.isMasterClosed() {
		return 0, -defs.EPIPE
	}
	return p.toSlave.Write(blockFlag(block), buf, self)
}

// MasterRead reads bytes the slave has written.
func (p *Pty_t) MasterRead(buf []byte, self *ksignal.Thread_t, block bool) (int, defs.Err_t) {
	return p.toMaster.Read(blockFlag(block), buf, self)
}

// SlaveWrite sends bytes to the master's input stream.
func (p *Pty_t) SlaveWrite(buf []byte, self *ksignal.Thread_t, block bool) (int, defs.Err_t) {
	if p.isSlaveClosed() {
		return 0, -defs.EPIPE
	}
	return p.toMaster.Write(blockFlag(block), buf, self)
}

// SlaveRead reads bytes the master has written.
func (p *Pty_t) SlaveRead(buf []byte, self *ksignal.Thread_t, block bool) (int, defs.Err_t) {
	return p.toSlave.Read(blockFlag(block), buf, self)
}

func blockFlag(block bool) FqFlag {
	if block {
		return FqBlock
	}
	return 0
}

func (p *Pty_t) isMasterClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.masterClosed
}

func (p *Pty_t) isSlaveClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slaveClosed
}

// CloseMaster tears down both queues and marks the slave device gone
// (spec.md §4.8: "closing the master destroys both queues and the
// slave device").
func (p *Pty_t) CloseMaster() {
	p.mu.Lock()
	p.masterClosed = true
	p.slaveClosed = true
	p.mu.Unlock()
	p.toSlave.Close()
	p.toMaster.Close()
}

// CloseSlave closes only the slave's writing half; the master may
// continue to drain buffered output.
func (p *Pty_t) CloseSlave() {
	p.mu.Lock()
	p.slaveClosed = true
	p.mu.Unlock()
	p.toMaster.Close()
}
