package contracts

import (
	"encoding/json"
	"fmt"
)

// Worker protocol methods. Each request and response is one JSON document
// per line on the worker's stdin/stdout.
const (
	MethodCreateApplication = "create_application"
	MethodBuild             = "build"
	MethodShutdown          = "shutdown"
)

// WorkerRequest is sent from the client to the worker process.
type WorkerRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// WorkerResponse answers the request with the same ID.
type WorkerResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WorkerError    `json:"error,omitempty"`
}

// WorkerError is the failure half of a WorkerResponse.
type WorkerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker error %d: %s", e.Code, e.Message)
}

// Worker error codes.
const (
	CodeInvalidRequest = 1
	CodeNotReady       = 2
	CodeCreateFailed   = 3
	CodeBuildFailed    = 4
)

// AppConfig describes the build-engine application a worker should create.
type AppConfig struct {
	Builder  string `json:"builder"`
	ConfDir  string `json:"conf_dir"`
	SrcDir   string `json:"src_dir"`
	BuildDir string `json:"build_dir"`
}

// AppInfo is returned once the worker has created its application.
type AppInfo struct {
	ID       string `json:"id"`
	Builder  string `json:"builder"`
	ConfURI  string `json:"conf_uri"`
	SrcURI   string `json:"src_uri"`
	BuildURI string `json:"build_uri"`
}

// BuildResult summarises one successful build. FileMap maps source file URIs
// to paths relative to the build output directory.
type BuildResult struct {
	Documents int               `json:"documents"`
	Warnings  []string          `json:"warnings,omitempty"`
	FileMap   map[string]string `json:"file_map"`
}
