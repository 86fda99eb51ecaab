package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pwshremote/psrp/host"
	"github.com/pwshremote/psrp/messages"
	"github.com/pwshremote/psrp/objects"
	"github.com/pwshremote/psrp/serialization"
)

var (
	// ErrInvalidState is returned when an operation is attempted in an invalid state.
	ErrInvalidState = errors.New("invalid pipeline state")
)

// State represents the current state of a Pipeline.
type State int

const (
	// StateNotStarted indicates the pipeline has not been invoked yet.
	StateNotStarted State = iota
	// StateRunning indicates the pipeline is currently executing.
	StateRunning
	// StateStopping indicates the pipeline is in the process of stopping.
	StateStopping
	// StateStopped indicates the pipeline has been stopped.
	StateStopped
	// StateCompleted indicates the pipeline completed successfully.
	StateCompleted
	// StateFailed indicates the pipeline failed with an error.
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Transport defines the interface for sending messages to the server.
// This is typically implemented by the RunspacePool.
type Transport interface {
	SendMessage(ctx context.Context, msg *messages.Message) error
	Host() host.Host
	// EncryptionProvider returns the negotiated session-key encryption provider,
	// or nil if the session-key exchange (MS-PSRP 2.2.2.8/2.2.2.9) has not completed.
	EncryptionProvider() serialization.EncryptionProvider
}

// ErrNoSessionKey is returned by SendInput when the caller passes a SecureString
// before the transport's session-key exchange has completed.
var ErrNoSessionKey = errors.New("pipeline: no session key yet")

// messageQueue relays pushed messages onto a channel via an unbounded internal
// buffer, so a slow consumer never forces the dispatch loop to drop a message.
type messageQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*messages.Message
	closed bool
	out    chan *messages.Message
}

func newMessageQueue() *messageQueue {
	q := &messageQueue{out: make(chan *messages.Message)}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// push enqueues msg. It never blocks and never drops.
func (q *messageQueue) push(msg *messages.Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.cond.Signal()
}

// closeQueue marks the queue closed once all buffered messages have been delivered.
func (q *messageQueue) closeQueue() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *messageQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		msg := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- msg
	}
}

func (q *messageQueue) channel() <-chan *messages.Message {
	return q.out
}

// Pipeline represents a PSRP command execution pipeline.
type Pipeline struct {
	mu sync.RWMutex

	id         uuid.UUID
	runspaceID uuid.UUID
	state      State
	transport  Transport

	// powerShell represents the pipeline definition (commands and parameters)
	powerShell *objects.PowerShell

	// Streams, backed by unbounded queues so a slow consumer never causes a drop.
	output *messageQueue
	errs   *messageQueue

	// Completion
	doneCh    chan struct{}
	closeOnce sync.Once
	err       error
}

// New creates a new Pipeline attached to the given transport.
// command can be a raw script, which will be wrapped in a PowerShell object.
func New(transport Transport, runspaceID uuid.UUID, command string) *Pipeline {
	ps := objects.NewPowerShell()
	// Default to treating input as a script
	ps.AddCommand(command, true)

	return &Pipeline{
		id:         uuid.New(),
		runspaceID: runspaceID,
		state:      StateNotStarted,
		transport:  transport,
		powerShell: ps,
		output:     newMessageQueue(),
		errs:       newMessageQueue(),
		doneCh:     make(chan struct{}),
	}
}

// NewBuilder creates a new Pipeline with an empty command list.
// Use AddCommand/AddParameter to build the pipeline.
func NewBuilder(transport Transport, runspaceID uuid.UUID) *Pipeline {
	return &Pipeline{
		id:         uuid.New(),
		runspaceID: runspaceID,
		state:      StateNotStarted,
		transport:  transport,
		powerShell: objects.NewPowerShell(),
		output:     newMessageQueue(),
		errs:       newMessageQueue(),
		doneCh:     make(chan struct{}),
	}
}

// AddCommand adds a cmdlet or script to the pipeline.
// isScript should be true if name is a script block or raw script code.
func (p *Pipeline) AddCommand(name string, isScript bool) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.powerShell.AddCommand(name, isScript)
	return p
}

// AddParameter adds a named parameter to the last added command.
func (p *Pipeline) AddParameter(name string, value interface{}) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.powerShell.AddParameter(name, value)
	return p
}

// AddArgument adds a positional argument (unnamed parameter) to the last added command.
func (p *Pipeline) AddArgument(value interface{}) *Pipeline {
	// Positional arguments are just parameters with empty names in some contexts,
	// but strictly speaking PSRP often treats them as parameters with no name in the list.
	// We'll reuse AddParameter with empty name which is common convention or check implementation details.
	// For now, empty string name implies positional.
	return p.AddParameter("", value)
}

// ID returns the unique identifier of the pipeline.
func (p *Pipeline) ID() uuid.UUID {
	return p.id
}

// State returns the current state of the pipeline.
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Invoke starts the pipeline execution.
func (p *Pipeline) Invoke(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateNotStarted {
		p.mu.Unlock()
		return ErrInvalidState
	}
	p.state = StateRunning
	p.mu.Unlock()

	// Create CREATE_PIPELINE message
	// Serialize the PowerShell object to CLIXML
	serializer := serialization.NewSerializer()
	cmdData, err := serializer.Serialize(p.powerShell)
	if err != nil {
		p.transition(StateFailed, err)
		return fmt.Errorf("serialize command: %w", err)
	}

	msg := messages.NewCreatePipeline(p.runspaceID, p.id, cmdData)
	if err := p.transport.SendMessage(ctx, msg); err != nil {
		p.transition(StateFailed, err)
		return fmt.Errorf("send create pipeline: %w", err)
	}

	return nil
}

// Stop sends a signal to stop the running pipeline.
// It sends a SIGNAL message (MS-PSRP 2.2.2.10) and transitions to StateStopping.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot stop pipeline that is not running (state=%s)", ErrInvalidState, p.state)
	}
	p.state = StateStopping
	p.mu.Unlock()

	msg := messages.NewSignal(p.runspaceID, p.id)
	if err := p.transport.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("send signal: %w", err)
	}

	return nil
}

// SendInput sends data to the running pipeline's input stream.
// It serializes the data to CLIXML and sends a PIPELINE_INPUT message (MS-PSRP 2.2.2.13).
func (p *Pipeline) SendInput(ctx context.Context, data interface{}) error {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot send input to pipeline that is not running (state=%s)", ErrInvalidState, p.state)
	}
	p.mu.Unlock()

	if _, isSecure := data.(*objects.SecureString); isSecure {
		if p.transport.EncryptionProvider() == nil {
			return ErrNoSessionKey
		}
	}

	serializer := serialization.NewSerializerWithEncryption(p.transport.EncryptionProvider())
	xmlData, err := serializer.Serialize(data)
	if err != nil {
		return fmt.Errorf("serialize input: %w", err)
	}

	msg := messages.NewPipelineInput(p.runspaceID, p.id, xmlData)
	if err := p.transport.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("send pipeline input: %w", err)
	}

	return nil
}

// CloseInput closes the pipeline's input stream.
// It sends an END_OF_PIPELINE_INPUT message (MS-PSRP 2.2.2.13).
func (p *Pipeline) CloseInput(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot close input of pipeline that is not running (state=%s)", ErrInvalidState, p.state)
	}
	p.mu.Unlock()

	msg := messages.NewEndOfPipelineInput(p.runspaceID, p.id)
	if err := p.transport.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("send end of pipeline input: %w", err)
	}

	return nil
}

// Output returns a channel that emits output messages.
func (p *Pipeline) Output() <-chan *messages.Message {
	return p.output.channel()
}

// Error returns a channel that emits error record messages.
func (p *Pipeline) Error() <-chan *messages.Message {
	return p.errs.channel()
}

// Done returns a channel that is closed when the pipeline reaches a terminal state.
func (p *Pipeline) Done() <-chan struct{} {
	return p.doneCh
}

// Cancel aborts the pipeline locally (e.g. because the owning runspace pool closed)
// without sending a signal to the server.
func (p *Pipeline) Cancel() {
	p.transition(StateStopped, context.Canceled)
}

// Fail transitions the pipeline to the Failed state with the given error.
// It is used by the dispatch loop when message delivery itself fails.
func (p *Pipeline) Fail(err error) {
	p.transition(StateFailed, err)
}

// Wait waits for the pipeline to complete and returns any error.
func (p *Pipeline) Wait() error {
	<-p.doneCh
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

// HandleMessage processes an incoming message destined for this pipeline.
// Per the no-drop invariant, output and error records are always enqueued onto
// an unbounded queue rather than a fixed-size buffer, so a slow consumer never
// causes a message to be lost.
func (p *Pipeline) HandleMessage(msg *messages.Message) error {
	switch msg.Type {
	case messages.MessageTypePipelineOutput,
		messages.MessageTypeInformationRecord,
		messages.MessageTypeVerboseRecord,
		messages.MessageTypeDebugRecord,
		messages.MessageTypeWarningRecord,
		messages.MessageTypeProgressRecord:
		p.output.push(msg)

	case messages.MessageTypeErrorRecord:
		p.errs.push(msg)

	case messages.MessageTypePipelineState:
		info, err := parsePipelineStateData(msg.Data)
		if err != nil {
			// Server sent a state we can't interpret; treat conservatively as Failed
			// rather than silently reporting success.
			p.transition(StateFailed, fmt.Errorf("parse pipeline state: %w", err))
			return nil
		}
		p.transition(info.State, info.Err)

	case messages.MessageTypePipelineHostCall:
		go func() {
			if err := p.handleHostCall(context.Background(), msg); err != nil {
				p.transition(StateFailed, fmt.Errorf("handle host call: %w", err))
			}
		}()
	}

	return nil
}

// pipelineStateInfo is the parsed payload of a PIPELINE_STATE message.
type pipelineStateInfo struct {
	State State
	Err   error
}

// parsePipelineStateData decodes the CLIXML PipelineState property of a
// PIPELINE_STATE message (MS-PSRP 2.2.3.4) and maps it to a local State.
func parsePipelineStateData(data []byte) (*pipelineStateInfo, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty pipeline state payload")
	}

	deser := serialization.NewDeserializer()
	objs, err := deser.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("deserialize pipeline state: %w", err)
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("no state object in message")
	}

	var (
		rawState messages.PipelineState
		found    bool
		cause    error
	)

	switch v := objs[0].(type) {
	case int32:
		rawState = messages.PipelineState(v)
		found = true
	case *serialization.PSObject:
		if s, ok := v.Properties["PipelineState"].(int32); ok {
			rawState = messages.PipelineState(s)
			found = true
		}
		if exc, ok := v.Properties["ExceptionAsErrorRecord"]; ok && exc != nil {
			cause = fmt.Errorf("pipeline reported error: %v", exc)
		}
	}

	if !found {
		return nil, fmt.Errorf("PipelineState property not present")
	}

	info := &pipelineStateInfo{Err: cause}
	switch rawState {
	case messages.PipelineStateRunning, messages.PipelineStateNotStarted:
		info.State = StateRunning
	case messages.PipelineStateStopping:
		info.State = StateStopping
	case messages.PipelineStateStopped:
		info.State = StateStopped
	case messages.PipelineStateCompleted:
		info.State = StateCompleted
	case messages.PipelineStateFailed:
		info.State = StateFailed
		if info.Err == nil {
			info.Err = fmt.Errorf("pipeline failed")
		}
	default:
		return nil, fmt.Errorf("unrecognized pipeline state %d", rawState)
	}

	return info, nil
}

// handleHostCall processes a PIPELINE_HOST_CALL message and sends a response.
func (p *Pipeline) handleHostCall(ctx context.Context, msg *messages.Message) error {
	// Decode the RemoteHostCall from the message data
	call, err := host.DecodeRemoteHostCall(msg.Data)
	if err != nil {
		return fmt.Errorf("decode host call: %w", err)
	}

	// Execute the host callback
	h := p.transport.Host()
	response := host.NewCallbackHandler(h).HandleCall(call)

	// Encode the response
	responseData, err := host.EncodeRemoteHostResponse(response)
	if err != nil {
		return fmt.Errorf("encode host response: %w", err)
	}

	// Send PIPELINE_HOST_RESPONSE message
	responseMsg := messages.NewPipelineHostResponse(p.runspaceID, p.id, responseData)
	if err := p.transport.SendMessage(ctx, responseMsg); err != nil {
		return fmt.Errorf("send host response: %w", err)
	}

	return nil
}

// transition updates the state and signals completion if needed.
func (p *Pipeline) transition(newState State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == newState {
		return
	}

	p.state = newState
	p.err = err

	if newState == StateCompleted || newState == StateFailed || newState == StateStopped {
		p.output.closeQueue()
		p.errs.closeQueue()
		p.closeOnce.Do(func() { close(p.doneCh) })
	}
}
