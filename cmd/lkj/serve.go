package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/lkjscript/lkj/cache"
	"github.com/lkjscript/lkj/compiler"
	"github.com/lkjscript/lkj/manifest"
	"github.com/lkjscript/lkj/server"
)

func serveLSP(m *manifest.Manifest, stderr io.Writer) int {
	lsp := server.NewLSP(compiler.WithFrameSize(m.VM.FrameSize))
	if err := lsp.Run(); err != nil {
		fmt.Fprintf(stderr, "LSP error: %v\n", err)
		return exitRun
	}
	return exitOK
}

func serveRuns(ctx context.Context, m *manifest.Manifest, stderr io.Writer) int {
	opts := []server.RunServiceOption{
		server.WithMaxSteps(m.Server.MaxSteps),
		server.WithMaxConcurrentRuns(m.Server.MaxConcurrentRuns),
		server.WithMemoryWords(m.VM.MemoryWords),
		server.WithFrameSize(m.VM.FrameSize),
	}
	if m.Cache.Enabled {
		c, err := cache.Open(m.CachePath())
		if err != nil {
			log.Warningf("build cache unavailable: %s", err)
		} else {
			defer c.Close()
			opts = append(opts, server.WithCache(c))
		}
	}

	srv := server.New(server.NewRunService(opts...))
	fmt.Fprintf(stderr, "lkj run service listening on %s\n", m.Server.Listen)
	fmt.Fprintf(stderr, "  Connect (HTTP/cbor): http://%s%s\n", m.Server.Listen, server.RunProcedure)
	if m.Server.GRPCListen != "" {
		fmt.Fprintf(stderr, "  gRPC (cbor):         grpc://%s\n", m.Server.GRPCListen)
	}
	if err := srv.ListenAndServe(ctx, m.Server.Listen, m.Server.GRPCListen); err != nil {
		fmt.Fprintf(stderr, "Server error: %v\n", err)
		return exitRun
	}
	return exitOK
}

func pruneCache(m *manifest.Manifest, age time.Duration, stdout, stderr io.Writer) int {
	c, err := cache.Open(m.CachePath())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRun
	}
	defer c.Close()

	n, err := c.Prune(time.Now().Add(-age))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRun
	}
	stats, err := c.Stats()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitRun
	}
	fmt.Fprintf(stdout, "pruned %d entries, %d left (%d hits) in %s\n", n, stats.Entries, stats.Hits, c.Path())
	return exitOK
}
