// lkj compiles and runs lkjscript programs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/lkjscript/lkj/manifest"
	"github.com/lkjscript/lkj/vm"
)

// Process exit codes.
const (
	exitOK      = 0
	exitCompile = 1 // compile failure, unreadable source or bad configuration
	exitRun     = 2 // execution failure
)

var log = commonlog.GetLogger("lkj.cmd")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// options holds the command line. Flags left unset fall back to lkj.toml.
type options struct {
	verbosity   int
	config      string
	output      string
	image       string
	disasm      bool
	dumpNodes   bool
	outline     bool
	noCache     bool
	prune       time.Duration
	lsp         bool
	serve       bool
	listen      string
	grpcListen  string
	maxSteps    int64
	frameSize   int
	memoryWords int
	trace       bool

	source string
	set    map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{set: make(map[string]bool)}
	fs := flag.NewFlagSet("lkj", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.IntVar(&o.verbosity, "v", 0, "Log verbosity (-4 silent .. 2 debug)")
	fs.StringVar(&o.config, "config", "", "Path to lkj.toml (default: search upwards from the source directory)")
	fs.StringVar(&o.output, "o", "", "Write the linked image to this file instead of running it")
	fs.StringVar(&o.image, "image", "", "Run a linked image file instead of compiling source")
	fs.BoolVar(&o.disasm, "disasm", false, "Print the disassembled image instead of running it")
	fs.BoolVar(&o.dumpNodes, "dump-nodes", false, "Print the resolved compiler node listing")
	fs.BoolVar(&o.outline, "outline", false, "List the functions declared in the source")
	fs.BoolVar(&o.noCache, "no-cache", false, "Bypass the build cache")
	fs.DurationVar(&o.prune, "cache-prune", 0, "Delete cache entries older than this and exit")
	fs.BoolVar(&o.lsp, "lsp", false, "Start the language server on stdio")
	fs.BoolVar(&o.serve, "serve", false, "Start the run service (Connect + gRPC)")
	fs.StringVar(&o.listen, "listen", "", "Run service Connect address (default from lkj.toml, "+manifest.DefaultListen+")")
	fs.StringVar(&o.grpcListen, "grpc-listen", "", "Run service gRPC address (default from lkj.toml, "+manifest.DefaultGRPCListen+")")
	fs.Int64Var(&o.maxSteps, "max-steps", 0, "Stop after this many instructions (0: unbounded)")
	fs.IntVar(&o.frameSize, "frame-size", 0, "Local slots per call frame")
	fs.IntVar(&o.memoryWords, "memory", 0, "VM memory size in words")
	fs.BoolVar(&o.trace, "trace", false, "Log every executed instruction (needs -v 2)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lkj [options] [source]\n\n")
		fmt.Fprintf(stderr, "Compiles and runs an lkjscript program. The source defaults to the\n")
		fmt.Fprintf(stderr, "entry named in lkj.toml, or ./%s.\n\n", manifest.DefaultEntry)
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  lkj                          # Run ./lkjscriptsrc\n")
		fmt.Fprintf(stderr, "  lkj -o prog.lkjc prog.lkj    # Compile to an image\n")
		fmt.Fprintf(stderr, "  lkj -image prog.lkjc         # Run an image\n")
		fmt.Fprintf(stderr, "  lkj -disasm prog.lkj         # Show the generated code\n")
		fmt.Fprintf(stderr, "  lkj -serve -listen :8080     # Serve RunService over Connect and gRPC\n")
		fmt.Fprintf(stderr, "  lkj -lsp                     # Language server for editors\n")
		fmt.Fprintf(stderr, "\nExit status: 0 ok, 1 compile failure, 2 execution failure.\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })

	switch fs.NArg() {
	case 0:
	case 1:
		o.source = fs.Arg(0)
	default:
		fs.Usage()
		return nil, fmt.Errorf("expected at most one source file, got %d", fs.NArg())
	}
	if o.source != "" && o.image != "" {
		return nil, errors.New("-image and a source file are mutually exclusive")
	}
	return o, nil
}

// loadManifest finds the project configuration: -config if given, else the
// nearest lkj.toml above the source (or the working directory), else
// defaults rooted there.
func loadManifest(o *options) (*manifest.Manifest, error) {
	if o.config != "" {
		return manifest.LoadFile(o.config)
	}

	start := "."
	switch {
	case o.source != "":
		start = filepath.Dir(o.source)
	case o.image != "":
		start = filepath.Dir(o.image)
	}
	m, err := manifest.FindAndLoad(start)
	if err != nil || m != nil {
		return m, err
	}
	dir, err := filepath.Abs(start)
	if err != nil {
		return nil, err
	}
	return manifest.Default(dir), nil
}

// merge lets explicitly set flags override the manifest.
func (o *options) merge(m *manifest.Manifest) {
	if o.set["v"] {
		m.Log.Verbosity = o.verbosity
	}
	if o.set["max-steps"] {
		m.VM.MaxSteps = o.maxSteps
		m.Server.MaxSteps = o.maxSteps
	}
	if o.set["frame-size"] {
		m.VM.FrameSize = o.frameSize
	}
	if o.set["memory"] {
		m.VM.MemoryWords = o.memoryWords
	}
	if o.set["trace"] {
		m.VM.Trace = o.trace
	}
	if o.noCache {
		m.Cache.Enabled = false
	}
	if o.listen != "" {
		m.Server.Listen = o.listen
	}
	if o.grpcListen != "" {
		m.Server.GRPCListen = o.grpcListen
	}
}

func configureLogging(m *manifest.Manifest) {
	if file := m.LogFile(); file != "" {
		commonlog.Configure(m.Log.Verbosity, &file)
		return
	}
	commonlog.Configure(m.Log.Verbosity, nil)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCompile
	}

	m, err := loadManifest(o)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading manifest: %v\n", err)
		return exitCompile
	}
	o.merge(m)
	if m.VM.FrameSize < 1 || m.VM.FrameSize > vm.MaxFrameSize {
		fmt.Fprintf(stderr, "Error: frame size %d out of range 1..%d\n", m.VM.FrameSize, vm.MaxFrameSize)
		return exitCompile
	}
	configureLogging(m)
	if m.Project.Name != "" {
		log.Debugf("project %s in %s", m.Project.Name, m.Dir)
	}

	switch {
	case o.lsp:
		return serveLSP(m, stderr)
	case o.serve:
		return serveRuns(ctx, m, stderr)
	case o.prune > 0:
		return pruneCache(m, o.prune, stdout, stderr)
	}

	b := &builder{opts: o, manifest: m, stderr: stderr}

	if o.dumpNodes || o.outline {
		return b.inspect(stdout)
	}

	img, code := b.image()
	if img == nil {
		return code
	}

	switch {
	case o.output != "":
		return b.writeImage(img)
	case o.disasm:
		fmt.Fprint(stdout, img.Disassemble())
		return exitOK
	}
	return execute(ctx, img, m, stdin, stdout, stderr)
}
