package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/common/logger"
	"github.com/quiverai/ragcore/flow"
	"github.com/quiverai/ragcore/flow/schema"
)

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}

func engineRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()

	emit := &schema.NodeDefinition{
		TypeKey:      "emit",
		InputSchema:  []schema.FieldDefinition{{Name: "value", Type: schema.TypeString, Required: true}},
		OutputSchema: []schema.FieldDefinition{{Name: "value", Type: schema.TypeString}},
	}
	require.NoError(t, reg.Register(emit, schema.RunnerFunc(
		func(_ context.Context, inputs map[string]interface{}, _ schema.SystemInput) (schema.RunResult, error) {
			v, _ := inputs["value"].(string)
			return schema.Values(map[string]interface{}{"value": v}), nil
		})))

	join := &schema.NodeDefinition{
		TypeKey: "join",
		InputSchema: []schema.FieldDefinition{
			{Name: "left", Type: schema.TypeString, Required: true},
			{Name: "right", Type: schema.TypeString, Required: true},
		},
		OutputSchema: []schema.FieldDefinition{{Name: "value", Type: schema.TypeString}},
	}
	require.NoError(t, reg.Register(join, schema.RunnerFunc(
		func(_ context.Context, inputs map[string]interface{}, _ schema.SystemInput) (schema.RunResult, error) {
			l, _ := inputs["left"].(string)
			r, _ := inputs["right"].(string)
			return schema.Values(map[string]interface{}{"value": l + "+" + r}), nil
		})))

	fail := &schema.NodeDefinition{
		TypeKey:     "fail",
		InputSchema: []schema.FieldDefinition{},
	}
	require.NoError(t, reg.Register(fail, schema.RunnerFunc(
		func(_ context.Context, _ map[string]interface{}, _ schema.SystemInput) (schema.RunResult, error) {
			return schema.RunResult{}, fmt.Errorf("node blew up")
		})))

	stream := &schema.NodeDefinition{
		TypeKey:      "stream",
		InputSchema:  []schema.FieldDefinition{},
		OutputSchema: []schema.FieldDefinition{{Name: "answer", Type: schema.TypeString}},
	}
	require.NoError(t, reg.Register(stream, schema.RunnerFunc(
		func(_ context.Context, _ map[string]interface{}, _ schema.SystemInput) (schema.RunResult, error) {
			ch := make(chan schema.Chunk, 2)
			ch <- schema.Chunk{Kind: schema.ChunkToken, Token: "hi"}
			close(ch)
			return schema.Streaming(map[string]interface{}{"answer": ""}, ch), nil
		})))

	return reg
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	log := testLogger()
	return New(engineRegistry(t), NewEventBus(log), log)
}

func TestExecuteFanInFlow(t *testing.T) {
	eng := newTestEngine(t)

	f := &flow.Flow{
		ID: "fan-in",
		Nodes: map[string]*flow.NodeInstance{
			"a": {ID: "a", TypeKey: "emit", Inputs: []flow.InputBinding{{Name: "value", Kind: flow.BindGlobal, GlobalVar: "query"}}},
			"b": {ID: "b", TypeKey: "emit", Inputs: []flow.InputBinding{{Name: "value", Kind: flow.BindStatic, Value: "fixed"}}},
			"c": {ID: "c", TypeKey: "join", Inputs: []flow.InputBinding{
				{Name: "left", Kind: flow.BindDynamic, RefNode: "a", RefField: "value"},
				{Name: "right", Kind: flow.BindDynamic, RefNode: "b", RefField: "value"},
			}},
		},
	}
	f.SetGlobal("query", "seeded")

	result, err := eng.Execute(context.Background(), f, schema.SystemInput{})
	require.NoError(t, err)

	v, ok := result.Context.GetOutput("c", "value")
	require.True(t, ok)
	assert.Equal(t, "seeded+fixed", v)
	assert.NotEmpty(t, result.ExecutionID)
	assert.Nil(t, result.Stream)
}

func TestExecuteSurfacesStream(t *testing.T) {
	eng := newTestEngine(t)

	f := &flow.Flow{
		ID:    "streaming",
		Nodes: map[string]*flow.NodeInstance{"s": {ID: "s", TypeKey: "stream"}},
	}

	result, err := eng.Execute(context.Background(), f, schema.SystemInput{})
	require.NoError(t, err)
	require.NotNil(t, result.Stream)
	assert.Equal(t, "s", result.StreamNode)

	var tokens []string
	for chunk := range result.Stream {
		tokens = append(tokens, chunk.Token)
	}
	assert.Equal(t, []string{"hi"}, tokens)
}

func TestExecuteAbortsOnNodeError(t *testing.T) {
	eng := newTestEngine(t)

	f := &flow.Flow{
		ID: "failing",
		Nodes: map[string]*flow.NodeInstance{
			"boom": {ID: "boom", TypeKey: "fail"},
			"next": {ID: "next", TypeKey: "emit", Inputs: []flow.InputBinding{{Name: "value", Kind: flow.BindStatic, Value: "x"}}},
		},
		Edges: []flow.Edge{{Source: "boom", Target: "next"}},
	}

	result, err := eng.Execute(context.Background(), f, schema.SystemInput{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "node blew up")
}

func TestExecuteObservesCancellation(t *testing.T) {
	eng := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &flow.Flow{
		ID:    "cancelled",
		Nodes: map[string]*flow.NodeInstance{"b": {ID: "b", TypeKey: "emit", Inputs: []flow.InputBinding{{Name: "value", Kind: flow.BindStatic, Value: "x"}}}},
	}

	_, err := eng.Execute(ctx, f, schema.SystemInput{})
	assert.True(t, errors.Is(err, errs.ErrCancelled), "got %v", err)
}

func TestBindFailureAwaitsDispatchedSiblings(t *testing.T) {
	reg := engineRegistry(t)

	number := &schema.NodeDefinition{
		TypeKey:      "number",
		InputSchema:  []schema.FieldDefinition{},
		OutputSchema: []schema.FieldDefinition{{Name: "value", Type: schema.TypeInteger}},
	}
	require.NoError(t, reg.Register(number, schema.RunnerFunc(
		func(_ context.Context, _ map[string]interface{}, _ schema.SystemInput) (schema.RunResult, error) {
			return schema.Values(map[string]interface{}{"value": 7}), nil
		})))

	lag := &schema.NodeDefinition{
		TypeKey:      "lag",
		InputSchema:  []schema.FieldDefinition{},
		OutputSchema: []schema.FieldDefinition{{Name: "value", Type: schema.TypeString}},
	}
	require.NoError(t, reg.Register(lag, schema.RunnerFunc(
		func(ctx context.Context, _ map[string]interface{}, _ schema.SystemInput) (schema.RunResult, error) {
			<-ctx.Done()
			return schema.Values(map[string]interface{}{"value": "late"}), nil
		})))

	log := testLogger()
	bus := NewEventBus(log)
	sub := bus.Subscribe()
	eng := New(reg, bus, log)

	// a-lag and z-bad share a group; z-bad's bind fails (integer output
	// into a string input) after a-lag was already dispatched.
	f := &flow.Flow{
		ID: "bind-failure",
		Nodes: map[string]*flow.NodeInstance{
			"n":     {ID: "n", TypeKey: "number"},
			"a-lag": {ID: "a-lag", TypeKey: "lag"},
			"z-bad": {ID: "z-bad", TypeKey: "emit", Inputs: []flow.InputBinding{
				{Name: "value", Kind: flow.BindDynamic, RefNode: "n", RefField: "value"},
			}},
		},
		Edges: []flow.Edge{{Source: "n", Target: "a-lag"}},
	}

	_, err := eng.Execute(context.Background(), f, schema.SystemInput{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTypeMismatch), "got %v", err)

	bus.Close()
	var started, finished bool
	for ev := range sub.Events() {
		if ev.NodeID != "a-lag" {
			continue
		}
		switch ev.Kind {
		case EventNodeStart:
			started = true
		case EventNodeEnd, EventNodeError:
			finished = true
		}
	}
	assert.True(t, started)
	assert.True(t, finished, "dispatched sibling must get a terminal event before Execute returns")
}

func TestEventBusDeliversInOrder(t *testing.T) {
	bus := NewEventBus(testLogger())
	defer bus.Close()

	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(Event{Kind: EventFlowStart, ExecutionID: "e1"})
	bus.Publish(Event{Kind: EventNodeStart, ExecutionID: "e1", NodeID: "n"})
	bus.Publish(Event{Kind: EventFlowEnd, ExecutionID: "e1"})

	var kinds []EventKind
	for i := 0; i < 3; i++ {
		ev := <-sub.Events()
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventFlowStart, EventNodeStart, EventFlowEnd}, kinds)
}

func TestEventBusCloseDeliversQueuedEvents(t *testing.T) {
	bus := NewEventBus(testLogger())
	sub := bus.Subscribe()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Kind: EventNodeEnd, ExecutionID: "e", NodeID: fmt.Sprintf("n%d", i)})
	}
	bus.Close()

	// Nothing was read before Close; the backlog still arrives in order
	var got []string
	for ev := range sub.Events() {
		got = append(got, ev.NodeID)
	}
	assert.Equal(t, []string{"n0", "n1", "n2", "n3", "n4"}, got)
}

func TestEventBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewEventBus(testLogger())
	defer bus.Close()

	sub := bus.Subscribe()
	defer sub.Close()

	var published atomic.Int32
	for i := 0; i < 1000; i++ {
		bus.Publish(Event{Kind: EventNodeEnd, ExecutionID: "e", NodeID: "n"})
		published.Add(1)
	}
	assert.Equal(t, int32(1000), published.Load())
}
