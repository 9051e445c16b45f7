package server

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lkjscript/lkj/cache"
	"github.com/lkjscript/lkj/vm"
)

// echoSource copies stdin to stdout and returns the number of bytes copied.
const echoSource = `n = 0
c = 0
loop {
    if read(0, &c) != 1 { break }
    write(1, c)
    n = n + 1
}
return n
`

func newTestService(t *testing.T, opts ...RunServiceOption) *RunService {
	t.Helper()
	opts = append([]RunServiceOption{WithMemoryWords(1 << 16)}, opts...)
	return NewRunService(opts...)
}

func TestRunService_Compile(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.Compile(context.Background(), &CompileRequest{Source: []byte("fn f(x) { return x }\nreturn f(2)")})
	if err != nil {
		t.Fatalf("Compile error: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("compile error in response: %+v", resp.Error)
	}
	img, err := vm.UnmarshalImage(resp.Image)
	if err != nil {
		t.Fatalf("UnmarshalImage error: %v", err)
	}
	if img.BuildID != resp.BuildID {
		t.Errorf("BuildID = %q, image says %q", resp.BuildID, img.BuildID)
	}
	if _, ok := img.Lookup("f"); !ok {
		t.Error("image has no symbol f")
	}
	if !strings.Contains(resp.Disassembly, "f:") {
		t.Errorf("disassembly has no label for f:\n%s", resp.Disassembly)
	}
}

func TestRunService_CompileError(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.Compile(context.Background(), &CompileRequest{Source: []byte("return\nx = g(1)")})
	if err != nil {
		t.Fatalf("Compile error: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected a compile error in the response")
	}
	if resp.Error.Kind != "resolution error" || resp.Error.Line != 2 || resp.Error.Column != 5 {
		t.Errorf("Error = %+v, want resolution error at 2:5", resp.Error)
	}
	if len(resp.Image) != 0 {
		t.Error("failed compile should carry no image")
	}
}

func TestRunService_InvalidRequests(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Compile(ctx, &CompileRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Compile(empty) = %v, want ErrInvalidRequest", err)
	}
	for _, size := range []int{-1, vm.MaxFrameSize + 1, math.MaxInt64 - 2} {
		if _, err := svc.Compile(ctx, &CompileRequest{Source: []byte("x"), FrameSize: size}); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Compile(frame %d) = %v, want ErrInvalidRequest", size, err)
		}
	}

	tests := []struct {
		name string
		req  *RunRequest
	}{
		{"empty", &RunRequest{}},
		{"both", &RunRequest{Source: []byte("return 1"), Image: []byte{1}}},
		{"bad image", &RunRequest{Image: []byte("not an image")}},
		{"huge frame", &RunRequest{Source: []byte("return 1"), FrameSize: math.MaxInt64 - 2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Run(ctx, tc.req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Run = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestRunService_Run(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.Run(context.Background(), &RunRequest{
		Source: []byte(echoSource),
		Stdin:  []byte("hello"),
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if resp.Fault != nil || resp.Error != nil {
		t.Fatalf("unexpected failure: fault %+v, error %+v", resp.Fault, resp.Error)
	}
	if resp.Value != 5 || string(resp.Stdout) != "hello" {
		t.Errorf("Run = value %d, stdout %q, want 5, hello", resp.Value, resp.Stdout)
	}
	if resp.Steps == 0 {
		t.Error("Steps = 0")
	}
}

func TestRunService_RunImage(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	compiled, err := svc.Compile(ctx, &CompileRequest{Source: []byte("write(2, 33)\nreturn 6 * 7")})
	if err != nil || compiled.Error != nil {
		t.Fatalf("Compile = %+v, %v", compiled, err)
	}

	resp, err := svc.Run(ctx, &RunRequest{Image: compiled.Image})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if resp.Value != 42 || string(resp.Stderr) != "!" || resp.BuildID != compiled.BuildID {
		t.Errorf("Run = %+v, want value 42, stderr !, build %s", resp, compiled.BuildID)
	}
}

func TestRunService_CompileErrorInRun(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.Run(context.Background(), &RunRequest{Source: []byte("return (1")})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if resp.Error == nil || resp.Error.Kind != "syntax error" {
		t.Errorf("Error = %+v, want syntax error", resp.Error)
	}
}

func TestRunService_Fault(t *testing.T) {
	svc := newTestService(t)

	resp, err := svc.Run(context.Background(), &RunRequest{Source: []byte("return *99999999")})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if resp.Fault == nil {
		t.Fatal("expected a fault")
	}
	if vm.Errno(resp.Fault.Errno) != vm.IllegalAddress || resp.Fault.Addr != 99999999 {
		t.Errorf("Fault = %+v, want illegal address 99999999", resp.Fault)
	}
	if resp.Fault.Op != "DEREF" {
		t.Errorf("Fault.Op = %q, want DEREF", resp.Fault.Op)
	}
}

func TestRunService_StepLimit(t *testing.T) {
	svc := newTestService(t, WithMaxSteps(10_000))
	ctx := context.Background()

	resp, err := svc.Run(ctx, &RunRequest{Source: []byte("loop { }")})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if resp.Fault == nil || vm.Errno(resp.Fault.Errno) != vm.StepLimit {
		t.Fatalf("Fault = %+v, want step limit", resp.Fault)
	}
	if resp.Steps != 10_000 {
		t.Errorf("Steps = %d, want server limit 10000", resp.Steps)
	}

	// A request may lower the limit but not raise it.
	resp, _ = svc.Run(ctx, &RunRequest{Source: []byte("loop { }"), MaxSteps: 100})
	if resp.Steps != 100 {
		t.Errorf("Steps = %d, want request limit 100", resp.Steps)
	}
	resp, _ = svc.Run(ctx, &RunRequest{Source: []byte("loop { }"), MaxSteps: 1_000_000})
	if resp.Steps != 10_000 {
		t.Errorf("Steps = %d, want server limit 10000", resp.Steps)
	}
}

func TestRunService_Deadline(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	resp, err := svc.Run(ctx, &RunRequest{Source: []byte("loop { }")})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if resp.Fault == nil || vm.Errno(resp.Fault.Errno) != vm.Cancelled {
		t.Errorf("Fault = %+v, want cancelled", resp.Fault)
	}
}

func TestRunService_Saturated(t *testing.T) {
	svc := newTestService(t, WithMaxConcurrentRuns(1))
	if !svc.sem.TryAcquire(1) {
		t.Fatal("could not take the only slot")
	}
	defer svc.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := svc.Run(ctx, &RunRequest{Source: []byte("return 1")}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run while saturated = %v, want deadline exceeded", err)
	}
}

func TestRunService_Cache(t *testing.T) {
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	svc := newTestService(t, WithCache(c))
	ctx := context.Background()
	req := &CompileRequest{Source: []byte("return 3")}

	first, err := svc.Compile(ctx, req)
	if err != nil || first.Cached {
		t.Fatalf("first Compile = cached %v, err %v", first != nil && first.Cached, err)
	}
	second, err := svc.Compile(ctx, req)
	if err != nil || !second.Cached {
		t.Fatalf("second Compile = cached %v, err %v", second != nil && second.Cached, err)
	}
	if first.BuildID != second.BuildID {
		t.Errorf("cached build id %s, want %s", second.BuildID, first.BuildID)
	}

	// A different frame size is a different build.
	third, _ := svc.Compile(ctx, &CompileRequest{Source: req.Source, FrameSize: 8})
	if third.Cached {
		t.Error("frame size 8 should not hit the frame size 64 entry")
	}
}
