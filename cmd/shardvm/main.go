// Command shardvm loads and runs binary VM images, with an optional
// single-step/breakpoint debug mode.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"shardvm/vmcore"
	vmsyscall "shardvm/vmcore/syscall"
)

func main() {
	app := &cli.App{
		Name:  "shardvm",
		Usage: "runner for the shard VM's binary images",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "load and execute an image to completion",
				ArgsUsage: "<image>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "break", Usage: "seed a breakpoint address, e.g. 0x1234 (repeatable)"},
					&cli.BoolFlag{Name: "trace", Usage: "log every fetched instruction"},
				},
				Action: runRun,
			},
			{
				Name:      "debug",
				Usage:     "load an image and enter the single-step/breakpoint debug loop",
				ArgsUsage: "<image>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "break", Usage: "seed a breakpoint address, e.g. 0x1234 (repeatable)"},
					&cli.BoolFlag{Name: "trace", Usage: "log every fetched instruction"},
				},
				Action: runDebug,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadVM(c *cli.Context) (*vmcore.VM, error) {
	path := c.Args().First()
	if path == "" {
		return nil, cli.Exit("missing <image> argument", 1)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("reading %s: %v", path, err), 1)
	}

	mem, err := vmcore.NewMemory(data)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("loading %s: %v", path, err), 1)
	}

	vm := vmcore.New(mem)
	if c.Bool("trace") {
		vm.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.TraceLevel)
	}

	for _, raw := range c.StringSlice("break") {
		addr, err := strconv.ParseUint(strings.TrimPrefix(raw, "0x"), 16, 16)
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("invalid breakpoint address %q: %v", raw, err), 1)
		}
		vm.SetBreakpoint(uint16(addr))
	}

	return vm, nil
}

// defaultSyscallHandler implements the reference host's stack protocol:
// top of stack is the syscall id, write additionally pops size, data
// address, and output index, then writes that many bytes from memory to
// stdout as UTF-8 (shardclr/src/syscalls.rs).
func defaultSyscallHandler(vm *vmcore.VM, status vmcore.Status) {
	if status != vmcore.SysCall {
		return
	}

	id, err := vm.PopByte()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sys: reading syscall id:", err)
		return
	}

	switch vmsyscall.ID(id) {
	case vmsyscall.Write:
		args, err := vmsyscall.PopWriteArgs(vm)
		if err != nil {
			fmt.Fprintln(os.Stderr, "sys write: reading arguments:", err)
			return
		}
		data := vm.Memory.DumpRange(args.DataAddress, args.DataAddress+uint16(args.Size))
		os.Stdout.Write(data)
	case vmsyscall.Read:
		// Not wired to a concrete input source by the default handler;
		// embedders supply their own callback when they need it.
	}
}

func runRun(c *cli.Context) error {
	vm, err := loadVM(c)
	if err != nil {
		return err
	}
	if err := vm.ExecuteUntilDone(defaultSyscallHandler); err != nil {
		return cli.Exit(err, 1)
	}
	return nil
}

func runDebug(c *cli.Context) error {
	vm, err := loadVM(c)
	if err != nil {
		return err
	}

	fmt.Println("Commands:\n\tn or next: execute next instruction\n\tr or run: run to completion\n\tb or break <addr>: toggle breakpoint at hex address\n\tprogram: show registers\n")

	reader := bufio.NewReader(os.Stdin)
	running := false

	vm.Reset()
	printState(vm)

	for {
		var line string
		if !running {
			fmt.Print("\n->")
			line, _ = reader.ReadString('\n')
			line = strings.ToLower(strings.TrimSpace(line))
		}

		switch {
		case running, line == "n", line == "next":
			status, err := vm.Step()
			if err != nil {
				fmt.Println("error:", err)
				return nil
			}
			if status == vmcore.SysCall {
				defaultSyscallHandler(vm, status)
			}
			if !running {
				printState(vm)
			}
			if status == vmcore.Done {
				fmt.Println("program finished")
				return nil
			}
			if status == vmcore.Breakpoint {
				fmt.Println("breakpoint")
				printState(vm)
				running = false
			}

		case line == "r", line == "run":
			running = true

		case line == "program":
			fmt.Printf("pc=0x%04x sp=0x%02x csp=0x%02x a=0x%02x b=0x%02x\n", vm.PC, vm.SP, vm.CSP, vm.RegA, vm.RegB)

		case strings.HasPrefix(line, "b"):
			arg := strings.TrimSpace(strings.TrimPrefix(line, "b"))
			arg = strings.TrimPrefix(strings.TrimPrefix(arg, "reak"), " ")
			addr, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(arg), "0x"), 16, 16)
			if err != nil {
				fmt.Println("unknown address:", err)
				continue
			}
			if !vm.RemoveBreakpoint(uint16(addr)) {
				vm.SetBreakpoint(uint16(addr))
				fmt.Printf("breakpoint set at 0x%04x\n", addr)
			} else {
				fmt.Printf("breakpoint cleared at 0x%04x\n", addr)
			}
		}
	}
}

func printState(vm *vmcore.VM) {
	fmt.Printf("pc=0x%04x sp=0x%02x csp=0x%02x a=0x%02x b=0x%02x\n", vm.PC, vm.SP, vm.CSP, vm.RegA, vm.RegB)
}
