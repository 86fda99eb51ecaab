// Package psrp is the top-level embedder API: it wraps a runspace.Pool and
// pipeline.Pipeline pair behind a PowerShell-SDK-shaped surface (CreateRunspacePool,
// AddCommand/AddParameter, Invoke) so callers don't need to touch the protocol
// layers directly.
package psrp

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pwshremote/psrp/messages"
	"github.com/pwshremote/psrp/pipeline"
	"github.com/pwshremote/psrp/runspace"
	"github.com/pwshremote/psrp/serialization"
)

// Client manages PSRP communication over a provided transport.
// It handles the protocol state machine and message exchange by delegating
// to runspace.Pool for every pool it creates.
type Client struct {
	transport io.ReadWriter

	mu    sync.Mutex
	pools []*runspace.Pool
}

// NewClient creates a new PSRP client using the provided transport.
// The transport must be a bidirectional byte stream (e.g., WSMan connection,
// SSH channel, VMBus socket).
func NewClient(transport io.ReadWriter) *Client {
	return &Client{
		transport: transport,
	}
}

// CreateRunspacePool creates a new runspace pool on the remote server.
// The pool manages one or more PowerShell runspaces for executing commands.
// This performs the real SESSION_CAPABILITY/INIT_RUNSPACEPOOL handshake via
// runspace.Pool.Open.
func (c *Client) CreateRunspacePool(ctx context.Context, opts ...RunspacePoolOption) (*RunspacePool, error) {
	rp := &RunspacePool{
		minRunspaces: 1,
		maxRunspaces: 1,
	}
	for _, opt := range opts {
		opt(rp)
	}

	pool := runspace.New(c.transport, uuid.New())
	if err := pool.SetMinRunspaces(rp.minRunspaces); err != nil {
		return nil, fmt.Errorf("set min runspaces: %w", err)
	}
	if err := pool.SetMaxRunspaces(rp.maxRunspaces); err != nil {
		return nil, fmt.Errorf("set max runspaces: %w", err)
	}

	if err := pool.Open(ctx); err != nil {
		return nil, fmt.Errorf("open runspace pool: %w", err)
	}

	c.mu.Lock()
	c.pools = append(c.pools, pool)
	c.mu.Unlock()

	rp.pool = pool
	return rp, nil
}

// Close closes the client, closing every runspace pool it created and then
// releasing the underlying transport.
func (c *Client) Close() error {
	c.mu.Lock()
	pools := c.pools
	c.pools = nil
	c.mu.Unlock()

	for _, pool := range pools {
		if pool.State() == runspace.StateOpened {
			_ = pool.Close(context.Background())
		}
	}

	if closer, ok := c.transport.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// RunspacePoolState represents the state of a RunspacePool.
type RunspacePoolState int

const (
	RunspacePoolStateBeforeOpen RunspacePoolState = iota
	RunspacePoolStateOpening
	RunspacePoolStateOpened
	RunspacePoolStateClosing
	RunspacePoolStateClosed
	RunspacePoolStateBroken
)

// fromRunspaceState maps runspace.State to the embedder-facing RunspacePoolState.
func fromRunspaceState(s runspace.State) RunspacePoolState {
	switch s {
	case runspace.StateBeforeOpen:
		return RunspacePoolStateBeforeOpen
	case runspace.StateOpening:
		return RunspacePoolStateOpening
	case runspace.StateOpened:
		return RunspacePoolStateOpened
	case runspace.StateClosing:
		return RunspacePoolStateClosing
	case runspace.StateClosed:
		return RunspacePoolStateClosed
	default:
		return RunspacePoolStateBroken
	}
}

// RunspacePool represents a pool of PowerShell runspaces on the remote server.
type RunspacePool struct {
	pool *runspace.Pool

	minRunspaces int
	maxRunspaces int
}

// RunspacePoolOption configures a RunspacePool.
type RunspacePoolOption func(*RunspacePool)

// WithMinRunspaces sets the minimum number of runspaces in the pool.
func WithMinRunspaces(min int) RunspacePoolOption {
	return func(rp *RunspacePool) {
		rp.minRunspaces = min
	}
}

// WithMaxRunspaces sets the maximum number of runspaces in the pool.
func WithMaxRunspaces(max int) RunspacePoolOption {
	return func(rp *RunspacePool) {
		rp.maxRunspaces = max
	}
}

// ID returns the unique identifier of the runspace pool.
func (rp *RunspacePool) ID() uuid.UUID {
	return rp.pool.ID()
}

// State returns the current state of the runspace pool.
func (rp *RunspacePool) State() RunspacePoolState {
	return fromRunspaceState(rp.pool.State())
}

// CreatePowerShell creates a new PowerShell pipeline in this runspace pool.
func (rp *RunspacePool) CreatePowerShell() (*PowerShell, error) {
	pl, err := rp.pool.CreatePipelineBuilder()
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	return &PowerShell{pipeline: pl}, nil
}

// Close closes the runspace pool, sending RUNSPACEPOOL_STATE(Closed) and
// waiting for the dispatch loop to tear down.
func (rp *RunspacePool) Close(ctx context.Context) error {
	return rp.pool.Close(ctx)
}

// PowerShell represents a PowerShell command pipeline, backed by a
// pipeline.Pipeline bound to the owning runspace pool's transport.
type PowerShell struct {
	pipeline *pipeline.Pipeline
}

// ID returns the unique identifier of this pipeline.
func (ps *PowerShell) ID() uuid.UUID {
	return ps.pipeline.ID()
}

// AddCommand adds a cmdlet or function to the pipeline.
func (ps *PowerShell) AddCommand(name string) *PowerShell {
	ps.pipeline.AddCommand(name, false)
	return ps
}

// AddScript adds a script block to the pipeline.
func (ps *PowerShell) AddScript(script string) *PowerShell {
	ps.pipeline.AddCommand(script, true)
	return ps
}

// AddParameter adds a parameter to the last command in the pipeline.
func (ps *PowerShell) AddParameter(name string, value interface{}) *PowerShell {
	ps.pipeline.AddParameter(name, value)
	return ps
}

// AddArgument adds a positional argument to the last command.
func (ps *PowerShell) AddArgument(value interface{}) *PowerShell {
	ps.pipeline.AddArgument(value)
	return ps
}

// Invoke executes the pipeline and returns the output objects.
// It sends CREATE_PIPELINE, then drains PIPELINE_OUTPUT/PIPELINE_ERROR until
// the server reports a terminal PIPELINE_STATE.
func (ps *PowerShell) Invoke(ctx context.Context) ([]PSObject, error) {
	if err := ps.pipeline.Invoke(ctx); err != nil {
		return nil, fmt.Errorf("invoke pipeline: %w", err)
	}

	var results []PSObject
	var pipelineErr error

	// Both channels are backed by queues that close only after the pipeline
	// reaches a terminal state (see pipeline.Pipeline.transition), so looping
	// until both are drained and closed is sufficient to observe completion.
	outputCh := ps.pipeline.Output()
	errorCh := ps.pipeline.Error()

	for outputCh != nil || errorCh != nil {
		select {
		case msg, ok := <-outputCh:
			if !ok {
				outputCh = nil
				continue
			}
			obj, err := decodePSObject(msg)
			if err != nil {
				pipelineErr = err
				continue
			}
			results = append(results, obj)

		case msg, ok := <-errorCh:
			if !ok {
				errorCh = nil
				continue
			}
			obj, err := decodePSObject(msg)
			if err == nil {
				pipelineErr = fmt.Errorf("pipeline error record: %s", obj.String())
			}

		case <-ctx.Done():
			return results, ctx.Err()
		}
	}

	if ps.pipeline.State() == pipeline.StateFailed {
		if pipelineErr == nil {
			pipelineErr = fmt.Errorf("pipeline failed")
		}
		return results, pipelineErr
	}

	return results, nil
}

// InvokeAsync executes the pipeline asynchronously, returning channels for output.
func (ps *PowerShell) InvokeAsync(ctx context.Context) (<-chan PSObject, <-chan error) {
	outputCh := make(chan PSObject)
	errCh := make(chan error, 1)

	go func() {
		defer close(outputCh)
		defer close(errCh)

		output, err := ps.Invoke(ctx)
		if err != nil {
			errCh <- err
		}

		for _, obj := range output {
			select {
			case outputCh <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	return outputCh, errCh
}

// decodePSObject deserializes a PIPELINE_OUTPUT/PIPELINE_ERROR message's CLIXML
// payload into a PSObject.
func decodePSObject(msg *messages.Message) (PSObject, error) {
	deser := serialization.NewDeserializer()
	objs, err := deser.Deserialize(msg.Data)
	if err != nil {
		return PSObject{}, fmt.Errorf("deserialize pipeline message: %w", err)
	}
	if len(objs) == 0 {
		return PSObject{}, nil
	}

	switch v := objs[0].(type) {
	case *serialization.PSObject:
		return PSObject{
			TypeNames:  v.TypeNames,
			Properties: v.Properties,
			BaseObject: v.ToString,
		}, nil
	default:
		return PSObject{BaseObject: v}, nil
	}
}

// PSObject represents a deserialized PowerShell object.
type PSObject struct {
	TypeNames  []string
	Properties map[string]interface{}
	BaseObject interface{}
}

// String returns a string representation of the PSObject.
func (o PSObject) String() string {
	if s, ok := o.BaseObject.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", o.BaseObject)
}
