package daemon

import (
	"fmt"

	"github.com/semfold/semfold/internal/errors"
	"github.com/semfold/semfold/internal/fmdm"
)

// JSON-RPC 2.0 method names.
const (
	MethodAddFolder    = "addFolder"
	MethodRemoveFolder = "removeFolder"
	MethodRetryFolder  = "retryFolder"
	MethodSearch       = "search"
	MethodStatus       = "status"
	MethodPing         = "ping"
	MethodWatch        = "watch"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Custom daemon error codes.
const (
	ErrCodeFolderFailed = -32001
	ErrCodeSearchFailed = -32002
	ErrCodeModelFailed  = -32003
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      string      `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      string      `json:"id"`
}

// Error is a JSON-RPC 2.0 error object. Data carries the daemon's
// structured error code (e.g. "ERR_305_MODEL_NOT_READY") when one exists.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewSuccessResponse creates a successful JSON-RPC response.
func NewSuccessResponse(id string, result interface{}) Response {
	return Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
}

// NewErrorResponse creates an error JSON-RPC response.
func NewErrorResponse(id string, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
		},
		ID: id,
	}
}

// newDaemonErrorResponse maps a daemon error onto the wire, preserving the
// structured code in Data so clients can react to specific failures.
func newDaemonErrorResponse(id string, rpcCode int, err error) Response {
	e := &Error{
		Code:    rpcCode,
		Message: err.Error(),
	}
	if code := errors.GetCode(err); code != "" {
		e.Data = code
	}
	return Response{JSONRPC: "2.0", Error: e, ID: id}
}

// AddFolderParams registers a folder for indexing.
type AddFolderParams struct {
	// Path is the absolute folder path.
	Path string `json:"path"`

	// Model is the catalog model id the folder embeds with.
	Model string `json:"model"`
}

// Validate checks that required fields are present.
func (p *AddFolderParams) Validate() error {
	if p.Path == "" {
		return fmt.Errorf("path is required")
	}
	if p.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// RemoveFolderParams unregisters a folder.
type RemoveFolderParams struct {
	Path string `json:"path"`
}

// Validate checks that required fields are present.
func (p *RemoveFolderParams) Validate() error {
	if p.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// RetryFolderParams re-arms a folder stuck in error state.
type RetryFolderParams struct {
	Path string `json:"path"`
}

// Validate checks that required fields are present.
func (p *RetryFolderParams) Validate() error {
	if p.Path == "" {
		return fmt.Errorf("path is required")
	}
	return nil
}

// SearchParams is a semantic search over one registered folder.
type SearchParams struct {
	// Path identifies the folder to search.
	Path string `json:"path"`

	// Query is the natural-language query text.
	Query string `json:"query"`

	// Limit is the maximum number of hits. Defaults to 10.
	Limit int `json:"limit,omitempty"`
}

// Validate checks that required fields are present.
func (p *SearchParams) Validate() error {
	if p.Path == "" {
		return fmt.Errorf("path is required")
	}
	if p.Query == "" {
		return fmt.Errorf("query is required")
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}
	return nil
}

// SearchResult is a single search hit.
type SearchResult struct {
	DocumentID string  `json:"document_id"`
	Ordinal    int     `json:"ordinal"`
	Score      float64 `json:"score"`
	Snippet    string  `json:"snippet"`
}

// FolderResult describes one folder in status output.
type FolderResult struct {
	Path         string  `json:"path"`
	Model        string  `json:"model"`
	State        string  `json:"state"`
	Progress     float64 `json:"progress"`
	IndexedFiles int     `json:"indexed_files"`
	TotalFiles   int     `json:"total_files"`
	ErrorCode    string  `json:"error_code,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// StatusResult contains daemon status information.
type StatusResult struct {
	Running    bool           `json:"running"`
	PID        int            `json:"pid"`
	Uptime     string         `json:"uptime"`
	Model      fmdm.ModelView `json:"model"`
	Folders    []FolderResult `json:"folders"`
	QueueDepth int            `json:"queue_depth"`
}

// PingResult is the response to a ping request.
type PingResult struct {
	Pong bool `json:"pong"`
}

// AckResult acknowledges a state-changing request.
type AckResult struct {
	OK bool `json:"ok"`
}

// rpcCodeFor maps a daemon error to the JSON-RPC error code family it
// belongs in.
func rpcCodeFor(err error) int {
	switch errors.GetCode(err) {
	case errors.ErrCodeFolderExists, errors.ErrCodeFolderUnknown,
		errors.ErrCodeFolderMissing, errors.ErrCodeBadTransition,
		errors.ErrCodeScanFailed:
		return ErrCodeFolderFailed
	case errors.ErrCodeModelUnknown, errors.ErrCodeModelDownloadFailed,
		errors.ErrCodeModelLoadTimeout, errors.ErrCodeModelLoadError,
		errors.ErrCodeModelNotReady, errors.ErrCodeEmbeddingFailed:
		return ErrCodeModelFailed
	case errors.ErrCodeSearchFailed, errors.ErrCodePreemptionTimeout:
		return ErrCodeSearchFailed
	default:
		return ErrCodeInternalError
	}
}
