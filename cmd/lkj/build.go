package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lkjscript/lkj/cache"
	"github.com/lkjscript/lkj/compiler"
	"github.com/lkjscript/lkj/manifest"
	"github.com/lkjscript/lkj/vm"
)

// builder turns the command line into a linked image.
type builder struct {
	opts     *options
	manifest *manifest.Manifest
	stderr   io.Writer
}

func (b *builder) sourcePath() string {
	if b.opts.source != "" {
		return b.opts.source
	}
	return b.manifest.EntryPath()
}

func (b *builder) readSource() (string, []byte, bool) {
	path := b.sourcePath()
	src, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(b.stderr, "Error: reading source: %v\n", err)
		return path, nil, false
	}
	return path, src, true
}

// image compiles the source or loads -image. On failure the image is nil and
// the exit code says why.
func (b *builder) image() (*vm.Image, int) {
	if b.opts.image != "" {
		img, err := vm.ReadImageFile(b.opts.image)
		if err != nil {
			fmt.Fprintf(b.stderr, "Error: %v\n", err)
			return nil, exitCompile
		}
		return img, exitOK
	}

	path, src, ok := b.readSource()
	if !ok {
		return nil, exitCompile
	}

	img, err := b.compile(src)
	if err != nil {
		b.reportCompileError(path, src, err)
		return nil, exitCompile
	}
	return img, exitOK
}

func (b *builder) compile(src []byte) (*vm.Image, error) {
	frameSize := b.manifest.VM.FrameSize
	compile := func() (*vm.Image, error) {
		return compiler.Compile(src, compiler.WithFrameSize(frameSize))
	}
	if !b.manifest.Cache.Enabled {
		return compile()
	}

	c, err := cache.Open(b.manifest.CachePath())
	if err != nil {
		log.Warningf("build cache unavailable: %s", err)
		return compile()
	}
	defer c.Close()

	img, hit, err := c.Fetch(cache.Key(src, frameSize), compile)
	if err != nil {
		return nil, err
	}
	if hit {
		log.Infof("using cached build %s", img.BuildID)
	}
	return img, nil
}

// reportCompileError prints the error and, when it has a position, the
// offending line with a caret under the token.
func (b *builder) reportCompileError(path string, src []byte, err error) {
	cerr, ok := compiler.AsError(err)
	if !ok || cerr.Pos.Line == 0 {
		fmt.Fprintf(b.stderr, "%s: %v\n", path, err)
		return
	}
	fmt.Fprintf(b.stderr, "%s:%d:%d: %s: %s\n", path, cerr.Pos.Line, cerr.Pos.Column, cerr.Kind, cerr.Msg)

	lines := bytes.Split(src, []byte("\n"))
	if cerr.Pos.Line > len(lines) {
		return
	}
	line := string(lines[cerr.Pos.Line-1])
	width := cerr.Len
	if width < 1 {
		width = 1
	}
	fmt.Fprintf(b.stderr, "    %s\n    %s%s\n", line, strings.Repeat(" ", cerr.Pos.Column-1), strings.Repeat("^", width))
}

func (b *builder) writeImage(img *vm.Image) int {
	if err := vm.WriteImageFile(b.opts.output, img); err != nil {
		fmt.Fprintf(b.stderr, "Error: %v\n", err)
		return exitCompile
	}
	log.Infof("wrote %s (build %s, %d words)", b.opts.output, img.BuildID, len(img.Code))
	return exitOK
}

// inspect handles -dump-nodes and -outline.
func (b *builder) inspect(stdout io.Writer) int {
	path, src, ok := b.readSource()
	if !ok {
		return exitCompile
	}

	if b.opts.outline {
		decls, err := compiler.Outline(src)
		if err != nil {
			b.reportCompileError(path, src, err)
			return exitCompile
		}
		for _, d := range decls {
			fmt.Fprintf(stdout, "%s\tfn %s(%s)\n", d.Pos, d.Name, strings.Join(d.Params, ", "))
		}
		return exitOK
	}

	listing, err := compiler.Dump(src, compiler.WithFrameSize(b.manifest.VM.FrameSize))
	if err != nil {
		b.reportCompileError(path, src, err)
		return exitCompile
	}
	fmt.Fprint(stdout, listing)
	return exitOK
}

// flushReader flushes pending program output before blocking on input, so
// prompts appear before the program waits.
type flushReader struct {
	r io.Reader
	w *bufio.Writer
}

func (f flushReader) Read(p []byte) (int, error) {
	if err := f.w.Flush(); err != nil {
		return 0, err
	}
	return f.r.Read(p)
}

// execute runs img with the process's standard streams. Descriptors other
// than 0, 1 and 2 go straight to the operating system.
func execute(ctx context.Context, img *vm.Image, m *manifest.Manifest, stdin io.Reader, stdout, stderr io.Writer) int {
	out := bufio.NewWriter(stdout)
	devices := vm.NewDevices()
	devices.SetReader(0, flushReader{r: bufio.NewReader(stdin), w: out})
	devices.SetWriter(1, out)
	devices.SetWriter(2, stderr)
	devices.AllowRaw(true)

	machine, err := vm.New(img,
		vm.WithMemoryWords(m.VM.MemoryWords),
		vm.WithDevices(devices),
		vm.WithMaxSteps(m.VM.MaxSteps),
		vm.WithTrace(m.VM.Trace),
	)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRun
	}

	value, runErr := machine.ExecuteContext(ctx)
	if err := out.Flush(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "Error: %v\n", runErr)
		return exitRun
	}
	log.Infof("program returned %d after %d steps", value, machine.Steps())
	return exitOK
}
