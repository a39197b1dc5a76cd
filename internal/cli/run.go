package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/whisper/pkg/whisper"
)

// Run is the main entry point. Returns exit code.
// sigCh can be nil if signal handling is not needed (e.g., in tests).
func Run(out io.Writer, errOut io.Writer, args []string, sigCh <-chan os.Signal) int {
	// Create fresh global flags for this invocation
	globalFlags := flag.NewFlagSet("wsp", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.Usage = func() {}
	globalFlags.SetOutput(&strings.Builder{})
	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagLock := globalFlags.Bool("lock", false, "Hold an advisory file lock for each operation")
	flagFlush := globalFlags.Bool("flush", false, "fsync the file after each mutation")
	flagMMap := globalFlags.Bool("mmap", false, "Serve reads from a memory mapping")

	if err := globalFlags.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 1
	}

	opts := whisper.Options{
		Locking: *flagLock,
		Flush:   *flagFlush,
		MMap:    *flagMMap,
	}

	commands := allCommands(opts)

	commandMap := make(map[string]*Command, len(commands))
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
	}

	commandAndArgs := globalFlags.Args()

	// Show help: explicit --help or bare `wsp` with no args
	if *flagHelp || (len(commandAndArgs) == 0 && globalFlags.NFlag() == 0) {
		printUsage(out, commands)

		return 0
	}

	// Flags provided but no command: `wsp --lock`
	if len(commandAndArgs) == 0 {
		fprintln(errOut, "error: no command provided")
		printUsage(errOut, commands)

		return 1
	}

	// Dispatch to command
	cmdName := commandAndArgs[0]

	cmd, ok := commandMap[cmdName]
	if !ok {
		fprintln(errOut, "error: unknown command:", cmdName)
		printUsage(errOut, commands)

		return 1
	}

	cmdIO := NewIO(out, errOut)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	return cmd.Run(ctx, cmdIO, commandAndArgs[1:])
}

func allCommands(opts whisper.Options) []*Command {
	return []*Command{
		cmdCreate(opts),
		cmdUpdate(opts),
		cmdFetch(opts),
		cmdInfo(opts),
		cmdDump(opts),
		cmdDiff(opts),
		cmdMerge(opts),
		cmdFill(opts),
		cmdResize(opts),
		cmdSetAgg(opts),
	}
}

func printUsage(w io.Writer, commands []*Command) {
	fprintln(w, "wsp manages fixed-size whisper time-series files.")
	fprintln(w)
	fprintln(w, "Usage: wsp [global flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}

	fprintln(w)
	printGlobalOptions(w)
}

func printGlobalOptions(w io.Writer) {
	fprintln(w, "Global flags:")
	fprintln(w, "      --lock    Hold an advisory file lock for each operation")
	fprintln(w, "      --flush   fsync the file after each mutation")
	fprintln(w, "      --mmap    Serve reads from a memory mapping")
	fprintln(w, "  -h, --help    Show help")
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}
