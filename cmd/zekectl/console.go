package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/spf13/cobra"

	"zeke/ksignal"
	"zeke/vfsplumbing"
)

// echoSlave stands in for a shell attached to the pty's slave side: it
// reads whatever the master wrote and writes it straight back, so
// keystrokes typed into the local terminal appear on screen via the
// pty's own plumbing rather than the terminal's local echo (which raw
// mode disables).
func echoSlave(pty *vfsplumbing.Pty_t, self *ksignal.Thread_t, done <-chan struct{}) {
	buf := make([]byte, 256)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, err := pty.SlaveRead(buf, self, true)
		if err != 0 {
			return
		}
		if n > 0 {
			if _, err := pty.SlaveWrite(buf[:n], self, true); err != 0 {
				return
			}
		}
	}
}

func newConsoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "put the local terminal in raw mode and loop it through a vfsplumbing Pty_t",
		Long: `console demonstrates the pty master/slave plumbing end to end: stdin
is read in raw mode (golang.org/x/term, the same MakeRaw/Restore pairing
smoynes-elsie's internal/tty.Console uses to hand a real terminal to a
simulated device) and written to the pty's master side; a stand-in
"shell" on the slave side echoes it back, and the result is written to
stdout. Ctrl-D ends the session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fd := int(os.Stdin.Fd())
			if !term.IsTerminal(fd) {
				return fmt.Errorf("stdin is not a terminal")
			}
			oldState, err := term.MakeRaw(fd)
			if err != nil {
				return err
			}
			defer term.Restore(fd, oldState)

			pty := vfsplumbing.NewPty()
			masterThread := ksignal.New()
			slaveThread := ksignal.New()
			pty.BindMaster(masterThread)
			pty.BindSlave(slaveThread)

			done := make(chan struct{})
			go echoSlave(pty, slaveThread, done)
			defer close(done)
			defer pty.CloseMaster()

			go func() {
				buf := make([]byte, 256)
				for {
					n, err := pty.MasterRead(buf, masterThread, true)
					if err != 0 {
						return
					}
					if n > 0 {
						os.Stdout.Write(buf[:n])
					}
				}
			}()

			fmt.Fprint(cmd.OutOrStdout(), "\r\nzekectl console — Ctrl-D to exit\r\n")
			in := make([]byte, 256)
			for {
				n, rerr := os.Stdin.Read(in)
				// Raw mode delivers Ctrl-D as a plain 0x04 byte, not EOF.
				eot := bytes.IndexByte(in[:n], 0x04)
				if eot >= 0 {
					n = eot
				}
				if n > 0 {
					if _, werr := pty.MasterWrite(in[:n], masterThread, true); werr != 0 {
						break
					}
				}
				if eot >= 0 {
					break
				}
				if rerr != nil {
					if rerr != io.EOF {
						return rerr
					}
					break
				}
			}
			return nil
		},
	}
}
