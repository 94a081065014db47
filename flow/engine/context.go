package engine

import (
	"fmt"
	"sync"

	"github.com/quiverai/ragcore/common/errs"
)

// ExecContext is the per-run key-value store of globals and node outputs.
// Created fresh per execution, never shared across executions. The engine
// is the single writer; the lock exists for readers observing a live run.
type ExecContext struct {
	mu      sync.RWMutex
	globals map[string]interface{}
	outputs map[string]map[string]interface{}
}

// NewExecContext creates an execution context seeded with globals.
func NewExecContext(globals map[string]interface{}) *ExecContext {
	g := make(map[string]interface{}, len(globals))
	for k, v := range globals {
		g[k] = v
	}
	return &ExecContext{
		globals: g,
		outputs: make(map[string]map[string]interface{}),
	}
}

// GetGlobal reads a flow-scoped global.
func (c *ExecContext) GetGlobal(name string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.globals[name]
	return v, ok
}

// SetGlobal writes a flow-scoped global.
func (c *ExecContext) SetGlobal(name string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globals[name] = value
}

// GetOutput reads one output field of a completed node.
func (c *ExecContext) GetOutput(nodeID, field string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fields, ok := c.outputs[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := fields[field]
	return v, ok
}

// Outputs returns the full output map of a completed node.
func (c *ExecContext) Outputs(nodeID string) (map[string]interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fields, ok := c.outputs[nodeID]
	return fields, ok
}

// SetOutputs records a node's outputs. Writes are single-assignment per
// node during a run; a second write is a programming error.
func (c *ExecContext) SetOutputs(nodeID string, outputs map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.outputs[nodeID]; exists {
		return errs.New(errs.ErrDuplicateBinding, "outputs for node %s written twice", nodeID)
	}
	stored := make(map[string]interface{}, len(outputs))
	for k, v := range outputs {
		stored[k] = v
	}
	c.outputs[nodeID] = stored
	return nil
}

// String renders a compact summary for debug logging.
func (c *ExecContext) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("ExecContext{globals=%d, nodes=%d}", len(c.globals), len(c.outputs))
}
