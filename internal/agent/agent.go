// Package agent is the worker side of the worker protocol: it reads
// requests from the client, drives the build engine and writes responses.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Nitorac/esbonio/internal/builder"
	"github.com/Nitorac/esbonio/internal/contracts"
	"github.com/Nitorac/esbonio/internal/uri"
	"github.com/google/uuid"
)

type Agent struct {
	builder *builder.Builder
	logger  *slog.Logger

	app  *contracts.AppInfo
	opts builder.Options
}

func New(b *builder.Builder, logger *slog.Logger) *Agent {
	return &Agent{builder: b, logger: logger.With("component", "agent")}
}

// Serve handles requests from r until r is exhausted, a shutdown request
// arrives or ctx is done. Requests are handled one at a time.
func (a *Agent) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	out := bufio.NewWriter(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var req contracts.WorkerRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			a.logger.Warn("malformed request", "error", err)
			continue
		}

		resp := a.handle(ctx, req)
		line, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		if _, err := out.Write(append(line, '\n')); err != nil {
			return err
		}
		if err := out.Flush(); err != nil {
			return err
		}

		if req.Method == contracts.MethodShutdown {
			return nil
		}
	}
	return scanner.Err()
}

func (a *Agent) handle(ctx context.Context, req contracts.WorkerRequest) contracts.WorkerResponse {
	var (
		result any
		werr   *contracts.WorkerError
	)
	switch req.Method {
	case contracts.MethodCreateApplication:
		result, werr = a.createApplication(req.Params)
	case contracts.MethodBuild:
		result, werr = a.build(ctx)
	case contracts.MethodShutdown:
		a.logger.Info("shutting down")
	default:
		werr = &contracts.WorkerError{Code: contracts.CodeInvalidRequest, Message: "unknown method " + req.Method}
	}

	resp := contracts.WorkerResponse{ID: req.ID, Error: werr}
	if werr == nil && result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &contracts.WorkerError{Code: contracts.CodeInvalidRequest, Message: err.Error()}
		} else {
			resp.Result = raw
		}
	}
	return resp
}

func (a *Agent) createApplication(params json.RawMessage) (any, *contracts.WorkerError) {
	if a.app != nil {
		return nil, &contracts.WorkerError{Code: contracts.CodeInvalidRequest, Message: "application already created"}
	}

	var cfg contracts.AppConfig
	if err := json.Unmarshal(params, &cfg); err != nil {
		return nil, &contracts.WorkerError{Code: contracts.CodeInvalidRequest, Message: err.Error()}
	}
	if cfg.ConfDir == "" {
		cfg.ConfDir = cfg.SrcDir
	}

	opts := builder.Options{Builder: cfg.Builder, SrcDir: cfg.SrcDir, OutDir: cfg.BuildDir}
	if err := opts.Validate(); err != nil {
		return nil, &contracts.WorkerError{Code: contracts.CodeCreateFailed, Message: err.Error()}
	}
	if err := os.MkdirAll(cfg.BuildDir, 0o755); err != nil {
		return nil, &contracts.WorkerError{Code: contracts.CodeCreateFailed, Message: err.Error()}
	}

	info := contracts.AppInfo{
		ID:       uuid.NewString(),
		Builder:  cfg.Builder,
		ConfURI:  uri.FromPath(cfg.ConfDir),
		SrcURI:   uri.FromPath(cfg.SrcDir),
		BuildURI: uri.FromPath(cfg.BuildDir),
	}
	a.app, a.opts = &info, opts
	a.logger.Info("application created", "id", info.ID, "builder", info.Builder, "src", cfg.SrcDir)
	return info, nil
}

func (a *Agent) build(ctx context.Context) (any, *contracts.WorkerError) {
	if a.app == nil {
		return nil, &contracts.WorkerError{Code: contracts.CodeNotReady, Message: "application not created"}
	}

	res, err := a.builder.Build(ctx, a.opts)
	if err != nil {
		return nil, &contracts.WorkerError{Code: contracts.CodeBuildFailed, Message: err.Error()}
	}
	for _, w := range res.Warnings {
		a.logger.Warn(w)
	}
	return contracts.BuildResult{
		Documents: res.Documents,
		Warnings:  res.Warnings,
		FileMap:   res.FileMap,
	}, nil
}
