// fs_queue.go: the packet queue pipes and ptys are built on (spec.md
// §4.8).
//
// Grounded on biscuit/src/circbuf/circbuf.go's wraparound-slice
// mechanics (head/tail modular indices, split-at-wrap reads/writes),
// generalized from circbuf's single streaming mode into fs_queue's
// streaming-or-packet dual mode, and from circbuf's "not safe for
// concurrent use" single-daemon assumption into a mutex-guarded queue
// two independent endpoints block on. BLOCK-mode wait rides
// ksignal.Thread_t.WaitChan, the same wake channel a fatal signal
// closes, since spec.md §4.8 routes this through a kernel signal
// (`_SIGKERN`) rather than a bare condvar and this tree keeps that
// shape instead of flattening it.
package vfsplumbing

import (
	"sync"

	"zeke/defs"
	"zeke/ksignal"
)

// FqFlag selects fs_queue's read/write behavior.
type FqFlag uint32

const (
	// FqPacket: write opens a new packet; read stops at a packet
	// boundary instead of spanning into the next one.
	FqPacket FqFlag = 1 << iota
	// FqBlock: block the caller instead of returning a short count when
	// the queue is full (write) or empty (read).
	FqBlock
)

type packet struct {
	start, end int // byte offsets into buf, modulo len(buf); end==start means empty
}

// FsQueue_t is a packet/byte queue shared by a pipe or pty's two ends.
type FsQueue_t struct {
	mu   sync.Mutex
	buf  []byte
	head int // next write offset
	tail int // next read offset
	used int

	packets []packet // pending packet boundaries, FIFO; packet mode only

	closed bool

	// reader/writer are the signal-bearing endpoints the opposite side
	// wakes via sigKern when this queue transitions from full/empty.
	reader *ksignal.Thread_t
	writer *ksignal.Thread_t
}

// sigKern is fs_queue's internal wake signal (spec.md §4.8's "_SIGKERN").
const sigKern = ksignal.Sig_t(32)

// NewFsQueue allocates a queue with the given byte capacity.
func NewFsQueue(capacity int) *FsQueue_t {
	return &FsQueue_t{buf: make([]byte, capacity)}
}

// SetEndpoints installs the signal-bearing thread state each side
// blocks on, so the opposite end knows who to wake.
func (q *FsQueue_t) SetEndpoints(reader, writer *ksignal.Thread_t) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reader = reader
	q.writer = writer
}

func (q *FsQueue_t) full() bool  { return q.used == len(q.buf) }
func (q *FsQueue_t) empty() bool { return q.used == 0 }

func (q *FsQueue_t) wakeReader() {
	if q.reader != nil {
		q.reader.Send(sigKern, ksignal.Siginfo_t{}, false)
	}
}

func (q *FsQueue_t) wakeWriter() {
	if q.writer != nil {
		q.writer.Send(sigKern, ksignal.Siginfo_t{}, false)
	}
}

// Write appends p to the queue. In FqPacket mode it opens a new packet
// boundary for this call; otherwise it continues the queue's single
// streaming byte sequence. self is the calling thread's signal state,
// consulted only in FqBlock mode to wait for room; it may be nil when
// FqBlock is not set. Returns the number of bytes accepted, short of
// len(p) when not blocking and the queue fills first, or when the queue
// is closed after some bytes were written (-EPIPE if none were).
func (q *FsQueue_t) Write(flags FqFlag, p []byte, self *ksignal.Thread_t) (int, defs.Err_t) {
	q.mu.Lock()
	defer q.mu.Unlock()

	start := q.head
	written := 0
	for written < len(p) {
		for q.full() && !q.closed {
			if flags&FqBlock == 0 {
				q.finishWrite(flags, start, written)
				return written, 0
			}
			ch := self.WaitChan()
			q.mu.Unlock()
			<-ch
			q.mu.Lock()
		}
		if q.closed {
			q.finishWrite(flags, start, written)
			if written == 0 {
				return 0, -defs.EPIPE
			}
			return written, 0
		}
		free := len(q.buf) - q.used
		n := len(p) - written
		if n > free {
			n = free
		}
		for i := 0; i < n; i++ {
			q.buf[(q.head+i)%len(q.buf)] = p[written+i]
		}
		q.head = (q.head + n) % len(q.buf)
		q.used += n
		written += n
	}
	q.finishWrite(flags, start, written)
	return written, 0
}

func (q *FsQueue_t) finishWrite(flags FqFlag, start, n int) {
	if n == 0 {
		return
	}
	if flags&FqPacket != 0 {
		q.packets = append(q.packets, packet{start: start, end: (start + n) % len(q.buf)})
	}
	q.wakeReader()
}

// Read copies up to len(p) bytes out of the queue into p, returning the
// byte count. In FqPacket mode it never returns bytes spanning two
// packets; in streaming mode it returns as many bytes as are
// immediately available.
func (q *FsQueue_t) Read(flags FqFlag, p []byte, self *ksignal.Thread_t) (int, defs.Err_t) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.empty() && !q.closed {
		if flags&FqBlock == 0 {
			return 0, 0
		}
		ch := self.WaitChan()
		q.mu.Unlock()
		<-ch
		q.mu.Lock()
	}
	if q.empty() {
		return 0, 0 // closed and drained: EOF
	}

	limit := q.used
	if flags&FqPacket != 0 && len(q.packets) > 0 {
		limit = q.packetLen(q.packets[0])
	}
	n := len(p)
	if n > limit {
		n = limit
	}
	for i := 0; i < n; i++ {
		p[i] = q.buf[(q.tail+i)%len(q.buf)]
	}
	q.tail = (q.tail + n) % len(q.buf)
	q.used -= n

	if flags&FqPacket != 0 && len(q.packets) > 0 {
		if n >= q.packetLen(q.packets[0]) {
			q.packets = q.packets[1:]
		} else {
			q.packets[0].start = (q.packets[0].start + n) % len(q.buf)
		}
	}
	q.wakeWriter()
	return n, 0
}

func (q *FsQueue_t) packetLen(pkt packet) int {
	plen := pkt.end - pkt.start
	if plen < 0 {
		plen += len(q.buf)
	}
	if plen == 0 {
		plen = len(q.buf)
	}
	return plen
}

// Close marks the queue closed: a blocked reader drains what remains
// then sees EOF, and a blocked writer is woken to observe EPIPE.
func (q *FsQueue_t) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wakeReader()
	q.wakeWriter()
}
