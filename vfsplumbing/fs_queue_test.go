package vfsplumbing

import (
	"testing"
	"time"

	"zeke/defs"
	"zeke/ksignal"
)

func TestWriteReadStreamingRoundtrip(t *testing.T) {
	q := NewFsQueue(16)
	n, err := q.Write(0, []byte("hello"), nil)
	if err != 0 || n != 5 {
		t.Fatalf("write = %d, %v", n, err)
	}
	buf := make([]byte, 16)
	n, err = q.Read(0, buf, nil)
	if err != 0 || string(buf[:n]) != "hello" {
		t.Fatalf("read = %q, %v", buf[:n], err)
	}
}

func TestNonBlockingWriteShortOnFull(t *testing.T) {
	q := NewFsQueue(4)
	n, err := q.Write(0, []byte("abcdef"), nil)
	if err != 0 {
		t.Fatalf("write: %v", err)
	}
	if n != 4 {
		t.Fatalf("write n = %d, want 4 (queue capacity)", n)
	}
}

func TestNonBlockingReadReturnsZeroOnEmpty(t *testing.T) {
	q := NewFsQueue(4)
	buf := make([]byte, 4)
	n, err := q.Read(0, buf, nil)
	if err != 0 || n != 0 {
		t.Fatalf("read on empty = %d, %v, want 0, 0", n, err)
	}
}

func TestPacketModeReadStopsAtBoundary(t *testing.T) {
	q := NewFsQueue(32)
	q.Write(FqPacket, []byte("one"), nil)
	q.Write(FqPacket, []byte("two"), nil)

	buf := make([]byte, 32)
	n, err := q.Read(FqPacket, buf, nil)
	if err != 0 || string(buf[:n]) != "one" {
		t.Fatalf("first packet read = %q, %v", buf[:n], err)
	}
	n, err = q.Read(FqPacket, buf, nil)
	if err != 0 || string(buf[:n]) != "two" {
		t.Fatalf("second packet read = %q, %v", buf[:n], err)
	}
}

func TestPacketModeShortBufferStillStopsAtBoundary(t *testing.T) {
	q := NewFsQueue(32)
	q.Write(FqPacket, []byte("hello"), nil)
	q.Write(FqPacket, []byte("world"), nil)

	buf := make([]byte, 2)
	n, err := q.Read(FqPacket, buf, nil)
	if err != 0 || n != 2 {
		t.Fatalf("short read = %d, %v", n, err)
	}
	buf2 := make([]byte, 32)
	n, err = q.Read(FqPacket, buf2, nil)
	if err != 0 || string(buf2[:n]) != "llo" {
		t.Fatalf("remainder of first packet = %q, %v", buf2[:n], err)
	}
	n, err = q.Read(FqPacket, buf2, nil)
	if err != 0 || string(buf2[:n]) != "world" {
		t.Fatalf("second packet = %q, %v", buf2[:n], err)
	}
}

func TestBlockingWriteWakesOnReaderDrain(t *testing.T) {
	q := NewFsQueue(4)
	writerSig := ksignal.New()
	readerSig := ksignal.New()
	q.SetEndpoints(readerSig, writerSig)

	q.Write(0, []byte("abcd"), nil) // fill it non-blocking

	done := make(chan struct{})
	go func() {
		n, err := q.Write(FqBlock, []byte("ef"), writerSig)
		if err != 0 || n != 2 {
			t.Errorf("blocking write = %d, %v", n, err)
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	buf := make([]byte, 4)
	q.Read(0, buf, nil) // drains the queue, wakes the blocked writer

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocking write did not unblock after a read freed space")
	}
}

func TestBlockingReadWakesOnWrite(t *testing.T) {
	q := NewFsQueue(4)
	writerSig := ksignal.New()
	readerSig := ksignal.New()
	q.SetEndpoints(readerSig, writerSig)

	done := make(chan struct{})
	var got string
	go func() {
		buf := make([]byte, 4)
		n, err := q.Read(FqBlock, buf, readerSig)
		if err != 0 {
			t.Errorf("blocking read: %v", err)
		}
		got = string(buf[:n])
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Write(0, []byte("hi"), nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocking read did not unblock after a write")
	}
	if got != "hi" {
		t.Fatalf("read got %q, want hi", got)
	}
}

func TestCloseWakesBlockedWriterWithEPIPE(t *testing.T) {
	q := NewFsQueue(2)
	writerSig := ksignal.New()
	q.SetEndpoints(nil, writerSig)
	q.Write(0, []byte("ab"), nil) // fill it

	done := make(chan struct{})
	var gotErr defs.Err_t
	go func() {
		_, err := q.Write(FqBlock, []byte("c"), writerSig)
		gotErr = err
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not wake the blocked writer")
	}
	if gotErr != -defs.EPIPE {
		t.Fatalf("gotErr = %v, want -EPIPE", gotErr)
	}
}
