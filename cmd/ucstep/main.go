package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/zboralski/ucstep/internal/ui/colorize"
)

var (
	verbose     bool
	quiet       bool
	opts        sessionOptions
	tracePath   string
	echoReplies bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ucstep",
		Short: "Step through a captured process inside a sandboxed CPU",
		Long: `ucstep executes a thread of a captured process inside an isolated virtual CPU,
one instruction or one logical step at a time, without touching the real process.

The CPU is seeded from the thread's registers. Memory is paged in from the
captured process the first time the emulated code touches it.

Sources:
  --snapshot file.yaml     YAML snapshot (arch, threads, regions)
  --core core.1234         ELF core file
  --pid 1234               attach to a stopped process with ptrace (Linux)

Commands use the emulator protocol, verb and arguments separated by ":::":
  setup[:::tid[:::arch:::mode]]   bind to a thread (0 = current)
  start[:::until]                 run until the instruction at until executed
  step[:::mode]                   1 single, 2 until call, 3 until jump
  clean                           discard the CPU
  stop                            halt the running command

Examples:
  ucstep --snapshot s.yaml                       # interactive session
  ucstep exec --snapshot s.yaml setup start:::0x1010
  ucstep info --core core.1234`,
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
		RunE:                  runRepl,
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	pf.BoolVarP(&quiet, "quiet", "q", false, "do not print instructions and memory accesses")
	pf.StringVar(&opts.snapshot, "snapshot", "", "YAML snapshot to emulate")
	pf.StringVar(&opts.core, "core", "", "ELF core file to emulate")
	pf.IntVar(&opts.pid, "pid", 0, "process to attach to")
	pf.StringVar(&opts.configPath, "config", "", "configuration file (default: user config dir)")
	pf.StringVar(&opts.callbacks, "callbacks", "", "callback module (.js or .lua)")
	pf.IntVar(&opts.delay, "delay", -1, "delay between instructions in milliseconds")
	pf.StringSliceVar(&opts.skipRegs, "skip-reg", nil, "registers never copied into the CPU")
	pf.StringVar(&tracePath, "trace", "", "write a YAML trace of the session to this file")

	replCmd := &cobra.Command{
		Use:   "repl",
		Short: "Interactive session (default)",
		Args:  cobra.NoArgs,
		RunE:  runRepl,
	}

	execCmd := &cobra.Command{
		Use:   "exec <command>...",
		Short: "Run commands in order and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().BoolVar(&echoReplies, "replies", true, "print protocol replies")

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show the captured process",
		Args:  cobra.NoArgs,
		RunE:  showInfo,
	}

	rootCmd.AddCommand(replCmd, execCmd, infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runExec(cmd *cobra.Command, args []string) error {
	s, err := newSession(opts, verbose, quiet, os.Stdout)
	if err != nil {
		return err
	}
	defer s.Close()

	var failed error
	for _, line := range args {
		reply, err := s.run(line)
		if err != nil {
			failed = err
			fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
			break
		}
		if echoReplies {
			s.out.Write(reply)
		}
	}
	if err := s.dumpTrace(tracePath); err != nil {
		return err
	}
	return failed
}

type threadLister interface {
	Threads() []int
}

func showInfo(cmd *cobra.Command, args []string) error {
	proc, closeProc, err := openProcess(opts)
	if err != nil {
		return err
	}
	defer closeProc()

	fmt.Printf("%s %s\n", colorize.Detail("arch:"), proc.Arch())
	fmt.Printf("%s %d\n", colorize.Detail("current thread:"), proc.CurrentThread())

	tids := []int{proc.CurrentThread()}
	if tl, ok := proc.(threadLister); ok {
		tids = tl.Threads()
	}
	for _, tid := range tids {
		th, err := proc.Thread(tid)
		if err != nil {
			continue
		}
		fmt.Printf("\n%s %d  native=%v thumb=%v\n", colorize.Header("thread"), th.ID, th.Native, th.Thumb)
		a := proc.Arch().WithThumb(th.Thumb)
		fmt.Println(colorize.RegisterTable(a, th.Registers, nil))
	}

	regions := proc.Regions()
	sort.Slice(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })
	fmt.Printf("\n%s %d\n", colorize.Header("regions"), len(regions))
	for _, r := range regions {
		fmt.Printf("  %s-%s  %s\n", colorize.Address(r.Base), colorize.Address(r.End()),
			colorize.Detail(fmt.Sprintf("%#x", r.Size)))
	}
	return nil
}
