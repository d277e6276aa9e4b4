// Command zekectl is the userland control surface for the zeke kernel
// core: a CLI that brings up the same dynmem/kmalloc/vralloc/proc/sysctl
// packages a booted kernel would, then lets an operator poke at them the
// way sysctl(8)/ps(1) poke at a running BSD kernel from outside.
//
// Grounded on the command-tree/flag-binding shape of
// ja7ad-consumption/cmd/consumption/main.go, generalized from that
// tool's single flat command to a cobra subcommand tree (stats, serve,
// console) the way multi-verb cobra CLIs in the retrieval pack are laid
// out.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"zeke/mem"
	"zeke/priv"
	"zeke/sysctl"
)

// bringup initializes the same subsystems a kernel boot path would
// before handing control to userland: a dynmem arena, a sysctl tree
// wired to live subsystem stats, and a root credential to evaluate
// access checks against. zekectl is a client of the kernel-core
// library, not a kernel itself, so it performs this setup in-process
// rather than over a syscall boundary.
func bringup(arenaMB int) (*sysctl.Tree, *priv.Cred_t) {
	mem.Dynmem.Init(0, mem.Pa_t(arenaMB)*mem.PageSize)

	tree := sysctl.NewTree()
	sysctl.Default(tree)

	cred := priv.NewCred()
	priv.Init(cred, 0, 0)

	return tree, cred
}

func main() {
	var arenaMB int

	root := &cobra.Command{
		Use:   "zekectl",
		Short: "inspect and drive a zeke kernel-core instance from userland",
		Long: `zekectl brings up the dynmem/kmalloc/vralloc/proc/sysctl packages
in-process and exposes them through a sysctl(8)-style CLI, an optional
debug HTTP endpoint, and a raw-mode pty passthrough for exercising
vfsplumbing's Pty_t the way a real controlling terminal would.`,
	}
	root.PersistentFlags().IntVar(&arenaMB, "arena-mb", 16, "size in MB of the dynmem arena to bring up")

	root.AddCommand(newStatsCmd(&arenaMB))
	root.AddCommand(newServeCmd(&arenaMB))
	root.AddCommand(newConsoleCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
