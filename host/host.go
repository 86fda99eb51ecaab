// Package host defines the host callback interface for interactive PSRP sessions.
//
// When PowerShell needs to interact with the user (prompts, ReadLine, etc.),
// it sends host call messages to the client. The client must implement the
// Host interface to handle these callbacks.
//
// # Host Methods
//
// The Host interface maps to PowerShell's PSHost and PSHostUserInterface:
//
//   - ReadLine: Read a line of input from the user
//   - ReadLineAsSecureString: Read sensitive input
//   - Write/WriteLine: Output text
//   - WriteError/Warning/Debug/Verbose: Stream-specific output
//   - Prompt: Display a prompt and get responses
//   - PromptForCredential: Get username/password
//   - PromptForChoice: Display choices and get selection
//
// # Default Implementation
//
// A default no-op implementation is provided for non-interactive scenarios:
//
//	host := host.NewNullHost()
//
// # Reference
//
// MS-PSRP Section 2.2.3.17: https://docs.microsoft.com/en-us/openspecs/windows_protocols/ms-psrp/
package host

import "github.com/pwshremote/psrp/objects"

// Host defines the interface for handling PowerShell host callbacks.
type Host interface {
	// GetName returns the host name.
	GetName() string

	// GetVersion returns the host version.
	GetVersion() Version

	// GetInstanceID returns a unique identifier for this host instance.
	GetInstanceID() string

	// GetCurrentCulture returns the current culture (e.g., "en-US").
	GetCurrentCulture() string

	// GetCurrentUICulture returns the current UI culture.
	GetCurrentUICulture() string

	// UI returns the user interface implementation.
	UI() HostUI

	// SetShouldExit records the exit code requested by a remote
	// $host.SetShouldExit() call.
	SetShouldExit(exitCode int)

	// EnterNestedPrompt is called when the remote session wants to push a
	// nested prompt level (e.g. inside a breakpoint).
	EnterNestedPrompt() error

	// ExitNestedPrompt pops a nested prompt level pushed by EnterNestedPrompt.
	ExitNestedPrompt()

	// NotifyBeginApplication is called before a console application runs.
	NotifyBeginApplication()

	// NotifyEndApplication is called after a console application exits.
	NotifyEndApplication()
}

// HostUI defines the user interface callbacks.
//
//nolint:revive // HostUI is the established name, suppressing stutter warning
type HostUI interface {
	// ReadLine reads a line of text from the user.
	ReadLine() (string, error)

	// ReadLineAsSecureString reads sensitive input.
	ReadLineAsSecureString() (*objects.SecureString, error)

	// Write outputs text without a newline.
	Write(text string)

	// WriteLine outputs text with a newline.
	WriteLine(text string)

	// WriteErrorLine outputs error text.
	WriteErrorLine(text string)

	// WriteDebugLine outputs debug text.
	WriteDebugLine(text string)

	// WriteVerboseLine outputs verbose text.
	WriteVerboseLine(text string)

	// WriteWarningLine outputs warning text.
	WriteWarningLine(text string)

	// WriteProgress outputs a progress record.
	WriteProgress(sourceID int64, record *objects.ProgressRecord)

	// Prompt displays prompts and returns responses.
	Prompt(caption, message string, descriptions []FieldDescription) (map[string]interface{}, error)

	// PromptForCredential prompts for credentials.
	PromptForCredential(caption, message, userName, targetName string, allowedCredentialTypes CredentialTypes, options CredentialUIOptions) (*objects.PSCredential, error)

	// PromptForChoice displays choices and returns the selection.
	PromptForChoice(caption, message string, choices []ChoiceDescription, defaultChoice int) (int, error)

	// PromptForMultipleChoice displays choices and returns every selection
	// the user makes, in order chosen.
	PromptForMultipleChoice(caption, message string, choices []ChoiceDescription, defaultChoices []int) ([]int, error)

	// RawUI returns the raw console UI callbacks.
	RawUI() RawUI
}

// ConsoleColor mirrors System.ConsoleColor's numeric values.
type ConsoleColor int

// Coordinates is a zero-based screen buffer or window position.
type Coordinates struct {
	X int
	Y int
}

// Size is a width/height pair, in character cells.
type Size struct {
	Width  int
	Height int
}

// Rectangle describes a screen buffer region, inclusive of both corners.
type Rectangle struct {
	Left   int
	Top    int
	Right  int
	Bottom int
}

// BufferCell is a single screen buffer character cell.
type BufferCell struct {
	Character       rune
	ForegroundColor ConsoleColor
	BackgroundColor ConsoleColor
}

// KeyInfo describes a single key press, as returned by RawUI.ReadKey.
type KeyInfo struct {
	VirtualKeyCode  int
	Character       rune
	ControlKeyState int
	KeyDown         bool
}

// RawUI defines the PSHostRawUserInterface callbacks: cursor position,
// window and buffer geometry, colors, and buffer cell access. A client with
// no real console backing it (the common automation case) can embed
// NullRawUI, which reports a fixed, generous virtual screen size.
//
//nolint:revive // RawUI mirrors the PSRP-visible name, stutter warning suppressed
type RawUI interface {
	GetForegroundColor() ConsoleColor
	SetForegroundColor(ConsoleColor)
	GetBackgroundColor() ConsoleColor
	SetBackgroundColor(ConsoleColor)
	GetCursorPosition() Coordinates
	SetCursorPosition(Coordinates)
	GetWindowPosition() Coordinates
	SetWindowPosition(Coordinates)
	GetCursorSize() int
	SetCursorSize(int)
	GetBufferSize() Size
	SetBufferSize(Size)
	GetWindowSize() Size
	SetWindowSize(Size)
	GetWindowTitle() string
	SetWindowTitle(string)
	GetMaxWindowSize() Size
	GetMaxPhysicalWindowSize() Size
	GetKeyAvailable() bool
	ReadKey(includeIntercept bool) (KeyInfo, error)
	FlushInputBuffer()
	SetBufferContents(origin Coordinates, contents [][]BufferCell)
	GetBufferContents(rect Rectangle) [][]BufferCell
	ScrollBufferContents(source Rectangle, destination Coordinates, clip Rectangle, fill BufferCell)
}

// Version represents a host version.
type Version struct {
	Major    int
	Minor    int
	Build    int
	Revision int
}

// FieldDescription describes a prompt field.
type FieldDescription struct {
	Name                  string
	Label                 string
	ParameterTypeName     string
	ParameterTypeFullName string
	HelpMessage           string
	IsMandatory           bool
}

// ChoiceDescription describes a choice option.
type ChoiceDescription struct {
	Label       string
	HelpMessage string
}

// CredentialTypes specifies allowed credential types.
type CredentialTypes int

const (
	// CredentialTypeGeneric allows generic credentials.
	CredentialTypeGeneric CredentialTypes = 1 << iota
	// CredentialTypeDomain allows domain credentials.
	CredentialTypeDomain
	// CredentialTypeDefault allows default credentials.
	CredentialTypeDefault = CredentialTypeGeneric | CredentialTypeDomain
)

// CredentialUIOptions specifies credential UI options.
type CredentialUIOptions int

const (
	// CredentialUIOptionNone indicates no specific UI options.
	CredentialUIOptionNone CredentialUIOptions = iota
	// CredentialUIOptionValidateUserNameSyntax validates username syntax.
	CredentialUIOptionValidateUserNameSyntax
	// CredentialUIOptionAlwaysPrompt always prompts.
	CredentialUIOptionAlwaysPrompt
	// CredentialUIOptionReadOnlyUserName makes username read-only.
	CredentialUIOptionReadOnlyUserName
)

// NullHost provides a no-op host implementation for non-interactive scenarios.
type NullHost struct {
	name    string
	version Version
}

// NewNullHost creates a new NullHost.
func NewNullHost() *NullHost {
	return &NullHost{
		name: "go-psrp",
		version: Version{
			Major: 1,
			Minor: 0,
		},
	}
}

// GetName returns the host name.
func (h *NullHost) GetName() string { return h.name }

// GetVersion returns the host version.
func (h *NullHost) GetVersion() Version { return h.version }

// GetInstanceID returns the host instance ID.
func (h *NullHost) GetInstanceID() string { return "00000000-0000-0000-0000-000000000000" }

// GetCurrentCulture returns the current culture.
func (h *NullHost) GetCurrentCulture() string { return "en-US" }

// GetCurrentUICulture returns the current UI culture.
func (h *NullHost) GetCurrentUICulture() string { return "en-US" }

// UI returns the host UI implementation.
func (h *NullHost) UI() HostUI { return &NullHostUI{} }

// SetShouldExit records the requested exit code. NullHost ignores it; an
// embedder that cares about exit codes should supply its own Host.
func (h *NullHost) SetShouldExit(_ int) {}

// EnterNestedPrompt is a no-op for NullHost.
func (h *NullHost) EnterNestedPrompt() error { return nil }

// ExitNestedPrompt is a no-op for NullHost.
func (h *NullHost) ExitNestedPrompt() {}

// NotifyBeginApplication is a no-op for NullHost.
func (h *NullHost) NotifyBeginApplication() {}

// NotifyEndApplication is a no-op for NullHost.
func (h *NullHost) NotifyEndApplication() {}

// NullHostUI provides a no-op HostUI implementation.
type NullHostUI struct{}

// ReadLine returns an empty string.
func (ui *NullHostUI) ReadLine() (string, error) { return "", nil }

// ReadLineAsSecureString returns an empty secure string.
func (ui *NullHostUI) ReadLineAsSecureString() (*objects.SecureString, error) {
	return objects.NewSecureString("")
}

// Write does nothing.
//
//nolint:revive // unused-parameter acceptable for null implementation
func (ui *NullHostUI) Write(_ string) {}

// WriteLine does nothing.
func (ui *NullHostUI) WriteLine(_ string) {}

// WriteErrorLine does nothing.
func (ui *NullHostUI) WriteErrorLine(_ string) {}

// WriteDebugLine does nothing.
func (ui *NullHostUI) WriteDebugLine(_ string) {}

// WriteVerboseLine does nothing.
func (ui *NullHostUI) WriteVerboseLine(_ string) {}

// WriteWarningLine does nothing.
func (ui *NullHostUI) WriteWarningLine(_ string) {}

// WriteProgress does nothing.
func (ui *NullHostUI) WriteProgress(_ int64, _ *objects.ProgressRecord) {}

// Prompt returns an empty dictionary.
func (ui *NullHostUI) Prompt(_, _ string, descriptions []FieldDescription) (map[string]interface{}, error) {
	return make(map[string]interface{}), nil
}

// PromptForCredential returns nil.
func (ui *NullHostUI) PromptForCredential(_, _, userName, targetName string, allowedCredentialTypes CredentialTypes, options CredentialUIOptions) (*objects.PSCredential, error) {
	return nil, nil
}

// PromptForChoice returns the default choice.
func (ui *NullHostUI) PromptForChoice(_, _ string, choices []ChoiceDescription, defaultChoice int) (int, error) {
	return defaultChoice, nil
}

// PromptForMultipleChoice returns the default choices unchanged.
func (ui *NullHostUI) PromptForMultipleChoice(_, _ string, choices []ChoiceDescription, defaultChoices []int) ([]int, error) {
	return defaultChoices, nil
}

// RawUI returns a NullRawUI backing a fixed virtual console.
func (ui *NullHostUI) RawUI() RawUI { return NewNullRawUI() }

// NullRawUI provides a no-op RawUI implementation for clients with no real
// console, reporting a fixed 120x50 virtual screen buffer and window.
type NullRawUI struct {
	foreground ConsoleColor
	background ConsoleColor
	cursor     Coordinates
	cursorSize int
	bufferSize Size
	windowPos  Coordinates
	windowSize Size
	title      string
}

// NewNullRawUI creates a NullRawUI with a fixed 120x50 buffer and window.
func NewNullRawUI() *NullRawUI {
	return &NullRawUI{
		cursorSize: 25,
		bufferSize: Size{Width: 120, Height: 50},
		windowSize: Size{Width: 120, Height: 50},
		title:      "go-psrp",
	}
}

// GetForegroundColor returns the current foreground color.
func (r *NullRawUI) GetForegroundColor() ConsoleColor { return r.foreground }

// SetForegroundColor sets the foreground color.
func (r *NullRawUI) SetForegroundColor(c ConsoleColor) { r.foreground = c }

// GetBackgroundColor returns the current background color.
func (r *NullRawUI) GetBackgroundColor() ConsoleColor { return r.background }

// SetBackgroundColor sets the background color.
func (r *NullRawUI) SetBackgroundColor(c ConsoleColor) { r.background = c }

// GetCursorPosition returns the virtual cursor position.
func (r *NullRawUI) GetCursorPosition() Coordinates { return r.cursor }

// SetCursorPosition sets the virtual cursor position.
func (r *NullRawUI) SetCursorPosition(c Coordinates) { r.cursor = c }

// GetWindowPosition returns the virtual window position.
func (r *NullRawUI) GetWindowPosition() Coordinates { return r.windowPos }

// SetWindowPosition sets the virtual window position.
func (r *NullRawUI) SetWindowPosition(c Coordinates) { r.windowPos = c }

// GetCursorSize returns the cursor size percentage.
func (r *NullRawUI) GetCursorSize() int { return r.cursorSize }

// SetCursorSize sets the cursor size percentage.
func (r *NullRawUI) SetCursorSize(size int) { r.cursorSize = size }

// GetBufferSize returns the virtual screen buffer size.
func (r *NullRawUI) GetBufferSize() Size { return r.bufferSize }

// SetBufferSize sets the virtual screen buffer size.
func (r *NullRawUI) SetBufferSize(s Size) { r.bufferSize = s }

// GetWindowSize returns the virtual window size.
func (r *NullRawUI) GetWindowSize() Size { return r.windowSize }

// SetWindowSize sets the virtual window size.
func (r *NullRawUI) SetWindowSize(s Size) { r.windowSize = s }

// GetWindowTitle returns the virtual window title.
func (r *NullRawUI) GetWindowTitle() string { return r.title }

// SetWindowTitle sets the virtual window title.
func (r *NullRawUI) SetWindowTitle(title string) { r.title = title }

// GetMaxWindowSize returns the same fixed size as GetBufferSize.
func (r *NullRawUI) GetMaxWindowSize() Size { return r.bufferSize }

// GetMaxPhysicalWindowSize returns the same fixed size as GetBufferSize.
func (r *NullRawUI) GetMaxPhysicalWindowSize() Size { return r.bufferSize }

// GetKeyAvailable always reports no key available; there is no real console.
func (r *NullRawUI) GetKeyAvailable() bool { return false }

// ReadKey returns a zero KeyInfo; there is no real console to read from.
func (r *NullRawUI) ReadKey(_ bool) (KeyInfo, error) { return KeyInfo{}, nil }

// FlushInputBuffer does nothing.
func (r *NullRawUI) FlushInputBuffer() {}

// SetBufferContents discards the written cells.
func (r *NullRawUI) SetBufferContents(_ Coordinates, _ [][]BufferCell) {}

// GetBufferContents returns a blank region of the requested size.
func (r *NullRawUI) GetBufferContents(rect Rectangle) [][]BufferCell {
	rows := rect.Bottom - rect.Top + 1
	cols := rect.Right - rect.Left + 1
	if rows <= 0 || cols <= 0 {
		return nil
	}
	cells := make([][]BufferCell, rows)
	for i := range cells {
		cells[i] = make([]BufferCell, cols)
		for j := range cells[i] {
			cells[i][j] = BufferCell{Character: ' '}
		}
	}
	return cells
}

// ScrollBufferContents does nothing.
func (r *NullRawUI) ScrollBufferContents(_ Rectangle, _ Coordinates, _ Rectangle, _ BufferCell) {}
