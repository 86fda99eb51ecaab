package wsman

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/masterzen/simplexml/dom"
)

// CommandState reports a remote command's lifecycle, read off Receive
// responses (rsp:CommandState/@State).
type CommandState string

const (
	CommandStateRunning CommandState = "Running"
	CommandStateDone    CommandState = "Done"
)

// StreamChunk is one named output stream chunk returned by Receive.
type StreamChunk struct {
	Name string // "stdout" or "stderr"
	Data []byte
	End  bool // true if the server marked this the last chunk for Name
}

// ReceiveResult is the parsed result of a Receive exchange.
type ReceiveResult struct {
	Chunks   []StreamChunk
	State    CommandState
	ExitCode int
	HasExit  bool
}

// Create opens a new shell (wsman:Create against the shell resource URI),
// carrying PSRP's INIT_RUNSPACEPOOL fragment as the shell's InputStreams
// creation XML payload, and stores the returned ShellId on the Session.
func (s *Session) Create(ctx context.Context, creationXML []byte, inputStreams, outputStreams string) error {
	env := s.newEnvelope(nsWinShell + "/Create")

	shell := dom.CreateElement("Shell")
	shell.SetNamespace("rsp", nsWinShell)
	shell.SetAttr("Name", uuid.New().String())

	addTextElement(shell, "rsp", nsWinShell, "InputStreams", inputStreams)
	addTextElement(shell, "rsp", nsWinShell, "OutputStreams", outputStreams)

	if len(creationXML) > 0 {
		creation := dom.CreateElement("CreationXml")
		creation.SetNamespace("rsp", nsWinShell)
		creation.SetContent(base64.StdEncoding.EncodeToString(creationXML))
		shell.AddChild(creation)
	}
	env.body.AddChild(shell)

	resp, err := s.roundTrip(ctx, env)
	if err != nil {
		return fmt.Errorf("wsman create: %w", err)
	}
	shellID, err := resp.xpathString("//rsp:ShellId")
	if err != nil || shellID == "" {
		return fmt.Errorf("wsman create: response missing ShellId")
	}
	s.setShellID(shellID)
	return nil
}

// Command issues wsman:Command, starting a new command in the shell (the
// PSRP CREATE_PIPELINE fragment travels as the command's argument). It
// returns the server-assigned CommandId.
func (s *Session) Command(ctx context.Context, commandLine string, args [][]byte) (string, error) {
	env := s.newEnvelope(nsWinShell + "/Command")

	cmd := dom.CreateElement("CommandLine")
	cmd.SetNamespace("rsp", nsWinShell)
	addTextElement(cmd, "rsp", nsWinShell, "Command", commandLine)
	for _, a := range args {
		addTextElement(cmd, "rsp", nsWinShell, "Arguments", base64.StdEncoding.EncodeToString(a))
	}
	env.body.AddChild(cmd)

	resp, err := s.roundTrip(ctx, env)
	if err != nil {
		return "", fmt.Errorf("wsman command: %w", err)
	}
	cmdID, err := resp.xpathString("//rsp:CommandId")
	if err != nil || cmdID == "" {
		return "", fmt.Errorf("wsman command: response missing CommandId")
	}
	return cmdID, nil
}

// Send delivers one or more PSRP fragments to an open command or directly to
// the shell's default stream (commandID == "" addresses the shell itself,
// used for the runspace-pool-level "stdin" stream).
func (s *Session) Send(ctx context.Context, stream, commandID string, data []byte, end bool) error {
	env := s.newEnvelope(nsWinShell + "/Send")

	send := dom.CreateElement("Send")
	send.SetNamespace("rsp", nsWinShell)
	streamEl := dom.CreateElement("Stream")
	streamEl.SetNamespace("rsp", nsWinShell)
	streamEl.SetAttr("Name", stream)
	if commandID != "" {
		streamEl.SetAttr("CommandId", commandID)
	}
	if end {
		streamEl.SetAttr("End", "true")
	}
	streamEl.SetContent(base64.StdEncoding.EncodeToString(data))
	send.AddChild(streamEl)
	env.body.AddChild(send)

	if _, err := s.roundTrip(ctx, env); err != nil {
		return fmt.Errorf("wsman send: %w", err)
	}
	return nil
}

// Receive polls for output from the shell or a specific command, decoding
// base64 stream chunks and reporting the command's terminal state and exit
// code once the server reports CommandState Done.
func (s *Session) Receive(ctx context.Context, stream, commandID string) (*ReceiveResult, error) {
	env := s.newEnvelope(nsWinShell + "/Receive")

	receive := dom.CreateElement("Receive")
	receive.SetNamespace("rsp", nsWinShell)
	desired := dom.CreateElement("DesiredStream")
	desired.SetNamespace("rsp", nsWinShell)
	desired.SetAttr("Name", stream)
	if commandID != "" {
		desired.SetAttr("CommandId", commandID)
	}
	receive.AddChild(desired)
	env.body.AddChild(receive)

	resp, err := s.roundTrip(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("wsman receive: %w", err)
	}

	result := &ReceiveResult{}
	names, nerr := resp.xpathAll("//rsp:Stream/@Name")
	payloads, perr := resp.xpathAll("//rsp:Stream")
	if nerr == nil && perr == nil {
		for i := range payloads {
			if payloads[i] == "" {
				continue
			}
			decoded, derr := base64.StdEncoding.DecodeString(payloads[i])
			if derr != nil {
				continue
			}
			name := ""
			if i < len(names) {
				name = names[i]
			}
			result.Chunks = append(result.Chunks, StreamChunk{Name: name, Data: decoded})
		}
	}

	state, _ := resp.xpathString("//rsp:CommandState/@State")
	switch {
	case state == "http://schemas.microsoft.com/wbem/wsman/1/windows/shell/CommandState/Done",
		state == string(CommandStateDone):
		result.State = CommandStateDone
	default:
		result.State = CommandStateRunning
	}

	if exitCode, err := resp.xpathString("//rsp:CommandState/rsp:ExitCode"); err == nil && exitCode != "" {
		result.HasExit = true
		fmt.Sscanf(exitCode, "%d", &result.ExitCode)
	}

	return result, nil
}

// Signal sends a control signal (e.g. ctrl+c, or terminate) to a running
// command. WinRM defines fixed signal code URIs; PSRP only ever needs
// "terminate" to abort a pipeline.
func (s *Session) Signal(ctx context.Context, commandID, signalCode string) error {
	env := s.newEnvelope(nsWinShell + "/Signal")

	sig := dom.CreateElement("Signal")
	sig.SetNamespace("rsp", nsWinShell)
	sig.SetAttr("CommandId", commandID)
	addTextElement(sig, "rsp", nsWinShell, "Code", signalCode)
	env.body.AddChild(sig)

	if _, err := s.roundTrip(ctx, env); err != nil {
		return fmt.Errorf("wsman signal: %w", err)
	}
	return nil
}

// SignalCodeTerminate is the WinRM signal code for aborting a pipeline.
const SignalCodeTerminate = "http://schemas.microsoft.com/wbem/wsman/1/windows/shell/signal/terminate"

// Delete closes the shell (wsman:Delete), releasing all server-side state
// for every command that was ever opened in it. The Session's ShellId is
// cleared regardless of whether the server fault was ShellNotFound (the
// shell is gone either way).
func (s *Session) Delete(ctx context.Context) error {
	env := s.newEnvelope(nsWinShell + "/Delete")
	// wsman:Delete carries an empty body; the target shell is identified
	// entirely by the envelope header's SelectorSet.

	_, err := s.roundTrip(ctx, env)
	s.setShellID("")
	if err != nil {
		if fault, ok := err.(*Fault); ok && fault.Terminal() {
			return nil
		}
		return fmt.Errorf("wsman delete: %w", err)
	}
	return nil
}
