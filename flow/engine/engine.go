package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/common/logger"
	"github.com/quiverai/ragcore/flow"
	"github.com/quiverai/ragcore/flow/schema"
)

// Engine validates a flow, computes its schedule and drives every node
// group to completion, emitting lifecycle events along the way.
type Engine struct {
	registry  *schema.Registry
	validator *flow.Validator
	binder    *Binder
	bus       *EventBus
	log       *logger.Logger
}

// New creates an engine over the given registry and event bus.
func New(registry *schema.Registry, bus *EventBus, log *logger.Logger) *Engine {
	return &Engine{
		registry:  registry,
		validator: flow.NewValidator(registry),
		binder:    NewBinder(registry),
		bus:       bus,
		log:       log,
	}
}

// Result is the outcome of one flow execution. Stream is non-nil when a
// runner (the completion node) produced its answer incrementally.
type Result struct {
	ExecutionID string
	Context     *ExecContext
	Stream      <-chan schema.Chunk
	StreamNode  string
}

// Execute validates the flow and runs it group by group. Nodes inside a
// group run concurrently and are awaited collectively before the next
// group starts. Cancelling ctx stops dispatch of further groups and is
// observed by in-flight runners.
func (e *Engine) Execute(ctx context.Context, f *flow.Flow, system schema.SystemInput) (*Result, error) {
	executionID := uuid.New().String()
	log := e.log.WithExecutionID(executionID)

	if _, err := e.validator.Validate(f); err != nil {
		return nil, err
	}

	sched, err := flow.BuildSchedule(f)
	if err != nil {
		return nil, err
	}

	globals := make(map[string]interface{}, len(f.Globals))
	for name, g := range f.Globals {
		globals[name] = g.Value
	}
	execCtx := NewExecContext(globals)

	result := &Result{ExecutionID: executionID, Context: execCtx}

	e.bus.Publish(Event{Kind: EventFlowStart, ExecutionID: executionID, Payload: map[string]interface{}{"flow_id": f.ID}})

	for _, group := range sched.Groups {
		if err := ctx.Err(); err != nil {
			cancelErr := errs.Wrap(errs.ErrCancelled, err, "execution cancelled before group dispatch")
			e.bus.Publish(Event{Kind: EventFlowError, ExecutionID: executionID, Err: cancelErr.Error()})
			return nil, cancelErr
		}

		if err := e.runGroup(ctx, f, group, execCtx, system, result, log); err != nil {
			e.bus.Publish(Event{Kind: EventFlowError, ExecutionID: executionID, Err: err.Error()})
			return nil, err
		}
	}

	e.bus.Publish(Event{Kind: EventFlowEnd, ExecutionID: executionID})
	return result, nil
}

// runGroup binds and dispatches every node of one group concurrently,
// then waits for all of them. The first failure wins; the rest are
// cancelled through the group context.
func (e *Engine) runGroup(ctx context.Context, f *flow.Flow, group []string, execCtx *ExecContext, system schema.SystemInput, result *Result, log *logger.Logger) error {
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type nodeOutcome struct {
		nodeID string
		res    schema.RunResult
		err    error
	}

	outcomes := make([]nodeOutcome, len(group))
	var wg sync.WaitGroup

	for i, nodeID := range group {
		node := f.Node(nodeID)

		// Binding runs on the engine task: the context is single-writer.
		// A failure here cancels the group but must not outrun siblings
		// already dispatched, so it is recorded and awaited like any other
		// node outcome.
		inputs, err := e.binder.Bind(f, node, execCtx)
		if err != nil {
			outcomes[i] = nodeOutcome{nodeID: nodeID, err: err}
			cancel()
			break
		}

		runner, err := e.registry.Runner(node.TypeKey)
		if err != nil {
			outcomes[i] = nodeOutcome{nodeID: nodeID, err: err}
			cancel()
			break
		}

		e.bus.Publish(Event{Kind: EventNodeStart, NodeID: nodeID, ExecutionID: result.ExecutionID, Payload: map[string]interface{}{"type_key": node.TypeKey}})

		wg.Add(1)
		go func(i int, nodeID string, runner schema.Runner, inputs map[string]interface{}) {
			defer wg.Done()
			res, err := runner.Run(groupCtx, inputs, system)
			outcomes[i] = nodeOutcome{nodeID: nodeID, res: res, err: err}
			if err != nil {
				cancel()
			}
		}(i, nodeID, runner, inputs)
	}

	wg.Wait()

	// Record outputs in group order so event and context ordering stay
	// deterministic regardless of completion order. Nodes never dispatched
	// after a bind failure have no outcome to record.
	var firstErr error
	for _, oc := range outcomes {
		if oc.nodeID == "" {
			continue
		}
		if oc.err != nil {
			e.bus.Publish(Event{Kind: EventNodeError, NodeID: oc.nodeID, ExecutionID: result.ExecutionID, Err: oc.err.Error()})
			if firstErr == nil {
				firstErr = oc.err
			}
			continue
		}

		if err := execCtx.SetOutputs(oc.nodeID, oc.res.Outputs); err != nil {
			return err
		}
		if oc.res.Stream != nil {
			result.Stream = oc.res.Stream
			result.StreamNode = oc.nodeID
		}
		e.bus.Publish(Event{Kind: EventNodeEnd, NodeID: oc.nodeID, ExecutionID: result.ExecutionID})
		log.Debug("node completed", "node_id", oc.nodeID)
	}

	return firstErr
}
