package emailrisk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// WasmClassifier runs the email model as a sandboxed WASM plugin. The
// module must export:
//
//	alloc(size: i32) -> i32      // returns a pointer to writable memory
//	score(ptr: i32, len: i32) -> i32  // returns the 0-100 score
//
// Calls are serialized: guest memory is single-instance state.
type WasmClassifier struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	module  api.Module
	alloc   api.Function
	score   api.Function
	logger  *slog.Logger
}

// NewWasmClassifier compiles and instantiates the plugin at path.
func NewWasmClassifier(ctx context.Context, path string, logger *slog.Logger) (*WasmClassifier, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("emailrisk: read plugin: %w", err)
	}

	rt := wazero.NewRuntime(ctx)
	mod, err := rt.Instantiate(ctx, wasmBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("emailrisk: instantiate plugin: %w", err)
	}

	alloc := mod.ExportedFunction("alloc")
	score := mod.ExportedFunction("score")
	if alloc == nil || score == nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("emailrisk: plugin must export alloc and score")
	}
	return &WasmClassifier{
		runtime: rt,
		module:  mod,
		alloc:   alloc,
		score:   score,
		logger:  logger,
	}, nil
}

// Score invokes the plugin. Failures return (0, err) and callers fail open.
func (c *WasmClassifier) Score(ctx context.Context, email string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := uint64(len(email))
	res, err := c.alloc.Call(ctx, size)
	if err != nil {
		return 0, fmt.Errorf("emailrisk: plugin alloc: %w", err)
	}
	ptr := res[0]

	if !c.module.Memory().Write(uint32(ptr), []byte(email)) {
		return 0, fmt.Errorf("emailrisk: plugin memory write out of range")
	}

	res, err = c.score.Call(ctx, ptr, size)
	if err != nil {
		return 0, fmt.Errorf("emailrisk: plugin score: %w", err)
	}
	return clamp(float64(int32(res[0]))), nil
}

// Close releases the runtime.
func (c *WasmClassifier) Close(ctx context.Context) error {
	return c.runtime.Close(ctx)
}
