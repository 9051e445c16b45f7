package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/semaphore"

	"github.com/lkjscript/lkj/cache"
	"github.com/lkjscript/lkj/compiler"
	"github.com/lkjscript/lkj/vm"
)

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// CompileRequest asks for source to be compiled into an image.
type CompileRequest struct {
	Source    []byte `cbor:"1,keyasint"`
	FrameSize int    `cbor:"2,keyasint,omitempty"`
}

// CompileResponse carries either an encoded image or the compile error.
type CompileResponse struct {
	Image       []byte        `cbor:"1,keyasint,omitempty"`
	BuildID     string        `cbor:"2,keyasint,omitempty"`
	Disassembly string        `cbor:"3,keyasint,omitempty"`
	Error       *CompileError `cbor:"4,keyasint,omitempty"`
	Cached      bool          `cbor:"5,keyasint,omitempty"`
}

// RunRequest asks for a program to be executed. Exactly one of Source and
// Image must be set. Stdin is what the program reads from descriptor 0.
type RunRequest struct {
	Source    []byte `cbor:"1,keyasint,omitempty"`
	Image     []byte `cbor:"2,keyasint,omitempty"`
	Stdin     []byte `cbor:"3,keyasint,omitempty"`
	MaxSteps  int64  `cbor:"4,keyasint,omitempty"`
	FrameSize int    `cbor:"5,keyasint,omitempty"`
}

// RunResponse reports what a run produced. A compile error or a VM fault is
// part of a successful response; RPC errors are reserved for bad requests
// and server-side failures.
type RunResponse struct {
	Value   int64         `cbor:"1,keyasint"`
	Stdout  []byte        `cbor:"2,keyasint,omitempty"`
	Stderr  []byte        `cbor:"3,keyasint,omitempty"`
	Steps   int64         `cbor:"4,keyasint,omitempty"`
	BuildID string        `cbor:"5,keyasint,omitempty"`
	Error   *CompileError `cbor:"6,keyasint,omitempty"`
	Fault   *FaultInfo    `cbor:"7,keyasint,omitempty"`
}

// CompileError is the wire form of a *compiler.Error.
type CompileError struct {
	Kind    string `cbor:"1,keyasint"`
	Line    int    `cbor:"2,keyasint,omitempty"`
	Column  int    `cbor:"3,keyasint,omitempty"`
	Message string `cbor:"4,keyasint"`
}

// FaultInfo is the wire form of a *vm.Fault.
type FaultInfo struct {
	Errno   int    `cbor:"1,keyasint"`
	IP      int64  `cbor:"2,keyasint"`
	Op      string `cbor:"3,keyasint,omitempty"`
	Addr    int64  `cbor:"4,keyasint,omitempty"`
	Message string `cbor:"5,keyasint"`
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Request classes, mapped onto Connect and gRPC status codes by the
// transports.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternal       = errors.New("internal error")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// ---------------------------------------------------------------------------
// RunService
// ---------------------------------------------------------------------------

// RunService compiles and executes lkjscript programs on behalf of remote
// clients. Each run gets its own VM; the number of VMs alive at once is
// bounded.
type RunService struct {
	sem         *semaphore.Weighted
	cache       *cache.Cache
	maxSteps    int64
	memoryWords int
	frameSize   int
	log         commonlog.Logger
}

// RunServiceOption configures a RunService.
type RunServiceOption func(*RunService)

// WithCache stores and reuses compiled images.
func WithCache(c *cache.Cache) RunServiceOption {
	return func(s *RunService) { s.cache = c }
}

// WithMaxSteps bounds every run. Requests may ask for less, never more.
func WithMaxSteps(n int64) RunServiceOption {
	return func(s *RunService) { s.maxSteps = n }
}

// WithMaxConcurrentRuns bounds the number of programs executing at once.
func WithMaxConcurrentRuns(n int) RunServiceOption {
	return func(s *RunService) { s.sem = semaphore.NewWeighted(int64(n)) }
}

// WithMemoryWords sets the arena size of every VM.
func WithMemoryWords(n int) RunServiceOption {
	return func(s *RunService) { s.memoryWords = n }
}

// WithFrameSize sets the default frame size for requests that do not name one.
func WithFrameSize(n int) RunServiceOption {
	return func(s *RunService) { s.frameSize = n }
}

// NewRunService creates a RunService.
func NewRunService(opts ...RunServiceOption) *RunService {
	s := &RunService{
		sem:         semaphore.NewWeighted(4),
		memoryWords: vm.DefaultMemoryWords,
		frameSize:   vm.DefaultFrameSize,
		log:         commonlog.GetLogger("lkj.server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compile compiles req.Source and returns the encoded image.
func (s *RunService) Compile(ctx context.Context, req *CompileRequest) (*CompileResponse, error) {
	if len(req.Source) == 0 {
		return nil, invalid("source is required")
	}
	frameSize, err := s.requestFrameSize(req.FrameSize)
	if err != nil {
		return nil, err
	}

	img, cached, err := s.build(req.Source, frameSize)
	if err != nil {
		if cerr, ok := compiler.AsError(err); ok {
			return &CompileResponse{Error: wireCompileError(cerr)}, nil
		}
		return nil, err
	}

	data, err := vm.MarshalImage(img)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding image: %s", ErrInternal, err)
	}
	return &CompileResponse{
		Image:       data,
		BuildID:     img.BuildID,
		Disassembly: img.Disassemble(),
		Cached:      cached,
	}, nil
}

// Run compiles or decodes the requested program and executes it with
// req.Stdin as its input. Execution stops when ctx is done.
func (s *RunService) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	img, resp, err := s.image(req)
	if err != nil || resp != nil {
		return resp, err
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	return s.execute(ctx, img, req)
}

func (s *RunService) image(req *RunRequest) (*vm.Image, *RunResponse, error) {
	switch {
	case len(req.Source) > 0 && len(req.Image) > 0:
		return nil, nil, invalid("source and image are mutually exclusive")

	case len(req.Image) > 0:
		img, err := vm.UnmarshalImage(req.Image)
		if err != nil {
			return nil, nil, invalid("%s", err)
		}
		return img, nil, nil

	case len(req.Source) > 0:
		frameSize, err := s.requestFrameSize(req.FrameSize)
		if err != nil {
			return nil, nil, err
		}
		img, _, err := s.build(req.Source, frameSize)
		if err != nil {
			if cerr, ok := compiler.AsError(err); ok {
				return nil, &RunResponse{Error: wireCompileError(cerr)}, nil
			}
			return nil, nil, err
		}
		return img, nil, nil
	}
	return nil, nil, invalid("source or image is required")
}

func (s *RunService) requestFrameSize(n int) (int, error) {
	switch {
	case n == 0:
		return s.frameSize, nil
	case n < 0 || n > vm.MaxFrameSize:
		return 0, invalid("frame size %d (want 1..%d)", n, vm.MaxFrameSize)
	}
	return n, nil
}

func (s *RunService) build(src []byte, frameSize int) (*vm.Image, bool, error) {
	compile := func() (*vm.Image, error) {
		return compiler.Compile(src, compiler.WithFrameSize(frameSize))
	}
	if s.cache == nil {
		img, err := compile()
		return img, false, err
	}
	return s.cache.Fetch(cache.Key(src, frameSize), compile)
}

// execute runs img on a fresh VM. A panic inside the VM is reported as an
// internal error instead of taking the server down.
func (s *RunService) execute(ctx context.Context, img *vm.Image, req *RunRequest) (resp *RunResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("run %s panicked: %v", img.BuildID, r)
			resp, err = nil, fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()

	var stdout, stderr bytes.Buffer
	devices := vm.NewDevices()
	devices.SetReader(0, bytes.NewReader(req.Stdin))
	devices.SetWriter(1, &stdout)
	devices.SetWriter(2, &stderr)

	maxSteps := s.maxSteps
	if req.MaxSteps > 0 && (maxSteps == 0 || req.MaxSteps < maxSteps) {
		maxSteps = req.MaxSteps
	}

	machine, err := vm.New(img,
		vm.WithMemoryWords(s.memoryWords),
		vm.WithDevices(devices),
		vm.WithMaxSteps(maxSteps),
	)
	if err != nil {
		return nil, invalid("%s", err)
	}

	value, runErr := machine.ExecuteContext(ctx)
	resp = &RunResponse{
		Value:   int64(value),
		Stdout:  stdout.Bytes(),
		Stderr:  stderr.Bytes(),
		Steps:   machine.Steps(),
		BuildID: img.BuildID,
	}
	if runErr != nil {
		f, ok := vm.AsFault(runErr)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInternal, runErr)
		}
		resp.Fault = wireFault(f)
	}
	s.log.Debugf("run %s: value %d, %d steps", img.BuildID, resp.Value, resp.Steps)
	return resp, nil
}

func wireCompileError(e *compiler.Error) *CompileError {
	return &CompileError{
		Kind:    e.Kind.Error(),
		Line:    e.Pos.Line,
		Column:  e.Pos.Column,
		Message: e.Msg,
	}
}

func wireFault(f *vm.Fault) *FaultInfo {
	info := &FaultInfo{
		Errno:   int(f.Errno),
		IP:      int64(f.IP),
		Addr:    int64(f.Addr),
		Message: f.Error(),
	}
	if f.Op.Valid() {
		info.Op = f.Op.String()
	}
	return info
}
