//go:build js && wasm

// Command wasm exposes the ABM engine to the browser via WebAssembly.
// After loading, it registers a global JavaScript function:
//
//	processAbm(jsonString) -> jsonString
//
// The input and output are JSON-encoded ProcessingInput and ProcessingOutput,
// the same documents the CLI reads and writes. Unlike the CLI, a bare records
// array is not accepted and there are no flag overrides: callers send a full
// ProcessingInput with exclude, window and processing_meta filled in.
// Failures come back as {"error": "..."}.
package main

import (
	"syscall/js"

	"github.com/cxd309/abm-engine/internal/engine"
)

func main() {
	js.Global().Set("processAbm", js.FuncOf(processAbm))
	select {} // keep the WASM module alive until the page is closed
}

func processAbm(_ js.Value, args []js.Value) any {
	if len(args) < 1 {
		return map[string]any{"error": "no input provided"}
	}

	result, err := engine.RunJSON(args[0].String())
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return result
}
