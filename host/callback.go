// Package host defines host callback handling for PSRP.
package host

import (
	"fmt"

	"github.com/pwshremote/psrp/objects"
	"github.com/pwshremote/psrp/serialization"
)

// MethodID represents a PSHostUserInterface/PSHostRawUserInterface method
// identifier, grouped the way MS-PSRP groups RemoteHostCall method IDs:
// host identity (1-10), UI text I/O (11-22), interactive prompts (23-26),
// raw console UI (27-51), interactive session control (52-56).
type MethodID int32

// Host method IDs.
const (
	MethodIDGetName                 MethodID = 1
	MethodIDGetVersion              MethodID = 2
	MethodIDGetInstanceID           MethodID = 3
	MethodIDGetCurrentCulture       MethodID = 4
	MethodIDGetCurrentUICulture     MethodID = 5
	MethodIDSetShouldExit           MethodID = 6
	MethodIDEnterNestedPrompt       MethodID = 7
	MethodIDExitNestedPrompt        MethodID = 8
	MethodIDNotifyBeginApplication  MethodID = 9
	MethodIDNotifyEndApplication    MethodID = 10

	MethodIDReadLine                MethodID = 11
	MethodIDReadLineAsSecureString  MethodID = 12
	MethodIDWrite1                  MethodID = 13
	MethodIDWrite2                  MethodID = 14
	MethodIDWriteLine1              MethodID = 15
	MethodIDWriteLine2              MethodID = 16
	MethodIDWriteLine3              MethodID = 17
	MethodIDWriteErrorLine          MethodID = 18
	MethodIDWriteDebugLine          MethodID = 19
	MethodIDWriteProgress           MethodID = 20
	MethodIDWriteVerboseLine        MethodID = 21
	MethodIDWriteWarningLine        MethodID = 22

	MethodIDPrompt                  MethodID = 23
	MethodIDPromptForCredential1    MethodID = 24
	MethodIDPromptForCredential2    MethodID = 25
	MethodIDPromptForChoice         MethodID = 26

	MethodIDGetForegroundColor      MethodID = 27
	MethodIDSetForegroundColor      MethodID = 28
	MethodIDGetBackgroundColor      MethodID = 29
	MethodIDSetBackgroundColor      MethodID = 30
	MethodIDGetCursorPosition       MethodID = 31
	MethodIDSetCursorPosition       MethodID = 32
	MethodIDGetWindowPosition       MethodID = 33
	MethodIDSetWindowPosition       MethodID = 34
	MethodIDGetCursorSize           MethodID = 35
	MethodIDSetCursorSize           MethodID = 36
	MethodIDGetBufferSize           MethodID = 37
	MethodIDSetBufferSize           MethodID = 38
	MethodIDGetWindowSize           MethodID = 39
	MethodIDSetWindowSize           MethodID = 40
	MethodIDGetWindowTitle          MethodID = 41
	MethodIDSetWindowTitle          MethodID = 42
	MethodIDGetMaxWindowSize        MethodID = 43
	MethodIDGetMaxPhysicalWindowSize MethodID = 44
	MethodIDGetKeyAvailable         MethodID = 45
	MethodIDReadKey                 MethodID = 46
	MethodIDFlushInputBuffer        MethodID = 47
	MethodIDSetBufferContents1      MethodID = 48
	MethodIDSetBufferContents2      MethodID = 49
	MethodIDGetBufferContents       MethodID = 50
	MethodIDScrollBufferContents    MethodID = 51

	MethodIDPushRunspace            MethodID = 52
	MethodIDPopRunspace             MethodID = 53
	MethodIDGetIsRunspacePushed     MethodID = 54
	MethodIDGetRunspace             MethodID = 55
	MethodIDPromptForChoiceMultipleSelection MethodID = 56

	// MethodIDPromptForPassword is retained for the out-of-band
	// ReadLineAsSecureString-via-prompt path some older hosts use.
	MethodIDPromptForPassword MethodID = MethodIDReadLineAsSecureString
)

var methodIDNames = map[MethodID]string{
	MethodIDGetName:                 "GetName",
	MethodIDGetVersion:              "GetVersion",
	MethodIDGetInstanceID:           "GetInstanceID",
	MethodIDGetCurrentCulture:       "GetCurrentCulture",
	MethodIDGetCurrentUICulture:     "GetCurrentUICulture",
	MethodIDSetShouldExit:           "SetShouldExit",
	MethodIDEnterNestedPrompt:       "EnterNestedPrompt",
	MethodIDExitNestedPrompt:        "ExitNestedPrompt",
	MethodIDNotifyBeginApplication:  "NotifyBeginApplication",
	MethodIDNotifyEndApplication:    "NotifyEndApplication",
	MethodIDReadLine:                "ReadLine",
	MethodIDReadLineAsSecureString:  "ReadLineAsSecureString",
	MethodIDWrite1:                  "Write1",
	MethodIDWrite2:                  "Write2",
	MethodIDWriteLine1:              "WriteLine1",
	MethodIDWriteLine2:              "WriteLine2",
	MethodIDWriteLine3:              "WriteLine3",
	MethodIDWriteErrorLine:          "WriteErrorLine",
	MethodIDWriteDebugLine:          "WriteDebugLine",
	MethodIDWriteProgress:           "WriteProgress",
	MethodIDWriteVerboseLine:        "WriteVerboseLine",
	MethodIDWriteWarningLine:        "WriteWarningLine",
	MethodIDPrompt:                  "Prompt",
	MethodIDPromptForCredential1:    "PromptForCredential1",
	MethodIDPromptForCredential2:    "PromptForCredential2",
	MethodIDPromptForChoice:         "PromptForChoice",
	MethodIDGetForegroundColor:      "GetForegroundColor",
	MethodIDSetForegroundColor:      "SetForegroundColor",
	MethodIDGetBackgroundColor:      "GetBackgroundColor",
	MethodIDSetBackgroundColor:      "SetBackgroundColor",
	MethodIDGetCursorPosition:       "GetCursorPosition",
	MethodIDSetCursorPosition:       "SetCursorPosition",
	MethodIDGetWindowPosition:       "GetWindowPosition",
	MethodIDSetWindowPosition:       "SetWindowPosition",
	MethodIDGetCursorSize:           "GetCursorSize",
	MethodIDSetCursorSize:           "SetCursorSize",
	MethodIDGetBufferSize:           "GetBufferSize",
	MethodIDSetBufferSize:           "SetBufferSize",
	MethodIDGetWindowSize:           "GetWindowSize",
	MethodIDSetWindowSize:           "SetWindowSize",
	MethodIDGetWindowTitle:          "GetWindowTitle",
	MethodIDSetWindowTitle:          "SetWindowTitle",
	MethodIDGetMaxWindowSize:        "GetMaxWindowSize",
	MethodIDGetMaxPhysicalWindowSize: "GetMaxPhysicalWindowSize",
	MethodIDGetKeyAvailable:         "GetKeyAvailable",
	MethodIDReadKey:                 "ReadKey",
	MethodIDFlushInputBuffer:        "FlushInputBuffer",
	MethodIDSetBufferContents1:      "SetBufferContents1",
	MethodIDSetBufferContents2:      "SetBufferContents2",
	MethodIDGetBufferContents:       "GetBufferContents",
	MethodIDScrollBufferContents:    "ScrollBufferContents",
	MethodIDPushRunspace:            "PushRunspace",
	MethodIDPopRunspace:             "PopRunspace",
	MethodIDGetIsRunspacePushed:     "GetIsRunspacePushed",
	MethodIDGetRunspace:             "GetRunspace",
	MethodIDPromptForChoiceMultipleSelection: "PromptForChoiceMultipleSelection",
}

// String returns the string representation of a method ID.
func (m MethodID) String() string {
	if name, ok := methodIDNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", m)
}

// RemoteHostCall represents a host callback request from the server.
// Corresponds to Microsoft.PowerShell.Remoting.Internal.RemoteHostCall
type RemoteHostCall struct {
	CallID           int64         // ci - Unique identifier to correlate call with response
	MethodID         MethodID      // mi - Host method ID
	MethodParameters []interface{} // mp - Method-specific parameters
}

// RemoteHostResponse represents a host callback response to the server.
// Corresponds to Microsoft.PowerShell.Remoting.Internal.RemoteHostResponse
type RemoteHostResponse struct {
	CallID          int64       // ci - Must match CallID from request
	ExceptionRaised bool        // er - True if an exception occurred
	ReturnValue     interface{} // rv - Return value from host method, or exception if er=true
}

// CallbackHandler manages host callback execution.
// It dispatches incoming host calls to the appropriate Host methods.
type CallbackHandler struct {
	host Host
}

// NewCallbackHandler creates a new callback handler with the given host.
func NewCallbackHandler(host Host) *CallbackHandler {
	return &CallbackHandler{
		host: host,
	}
}

// HandleCall processes a RemoteHostCall and returns a RemoteHostResponse.
func (h *CallbackHandler) HandleCall(call *RemoteHostCall) *RemoteHostResponse {
	response := &RemoteHostResponse{
		CallID:          call.CallID,
		ExceptionRaised: false,
	}

	var err error
	switch call.MethodID {
	// host identity
	case MethodIDGetName:
		response.ReturnValue, err = h.handleGetName(call)
	case MethodIDGetVersion:
		response.ReturnValue, err = h.handleGetVersion(call)
	case MethodIDGetInstanceID:
		response.ReturnValue, err = h.handleGetInstanceID(call)
	case MethodIDGetCurrentCulture:
		response.ReturnValue, err = h.handleGetCurrentCulture(call)
	case MethodIDGetCurrentUICulture:
		response.ReturnValue, err = h.handleGetCurrentUICulture(call)
	case MethodIDSetShouldExit:
		err = h.handleSetShouldExit(call)
	case MethodIDEnterNestedPrompt:
		err = h.handleEnterNestedPrompt(call)
	case MethodIDExitNestedPrompt:
		err = h.handleExitNestedPrompt(call)
	case MethodIDNotifyBeginApplication:
		err = h.handleNotifyBeginApplication(call)
	case MethodIDNotifyEndApplication:
		err = h.handleNotifyEndApplication(call)

	// UI text I/O
	case MethodIDReadLine:
		response.ReturnValue, err = h.handleReadLine(call)
	case MethodIDReadLineAsSecureString:
		response.ReturnValue, err = h.handleReadLineAsSecureString(call)
	case MethodIDWrite1, MethodIDWrite2:
		err = h.handleWrite(call)
	case MethodIDWriteLine1, MethodIDWriteLine2, MethodIDWriteLine3:
		err = h.handleWriteLine(call)
	case MethodIDWriteErrorLine:
		err = h.handleWriteErrorLine(call)
	case MethodIDWriteDebugLine:
		err = h.handleWriteDebugLine(call)
	case MethodIDWriteProgress:
		err = h.handleWriteProgress(call)
	case MethodIDWriteVerboseLine:
		err = h.handleWriteVerboseLine(call)
	case MethodIDWriteWarningLine:
		err = h.handleWriteWarningLine(call)

	// interactive prompts
	case MethodIDPrompt:
		response.ReturnValue, err = h.handlePrompt(call)
	case MethodIDPromptForCredential1, MethodIDPromptForCredential2:
		response.ReturnValue, err = h.handlePromptForCredential(call)
	case MethodIDPromptForChoice:
		response.ReturnValue, err = h.handlePromptForChoice(call)

	// raw console UI
	case MethodIDGetForegroundColor:
		response.ReturnValue, err = h.handleGetForegroundColor(call)
	case MethodIDSetForegroundColor:
		err = h.handleSetForegroundColor(call)
	case MethodIDGetBackgroundColor:
		response.ReturnValue, err = h.handleGetBackgroundColor(call)
	case MethodIDSetBackgroundColor:
		err = h.handleSetBackgroundColor(call)
	case MethodIDGetCursorPosition:
		response.ReturnValue, err = h.handleGetCursorPosition(call)
	case MethodIDSetCursorPosition:
		err = h.handleSetCursorPosition(call)
	case MethodIDGetWindowPosition:
		response.ReturnValue, err = h.handleGetWindowPosition(call)
	case MethodIDSetWindowPosition:
		err = h.handleSetWindowPosition(call)
	case MethodIDGetCursorSize:
		response.ReturnValue, err = h.handleGetCursorSize(call)
	case MethodIDSetCursorSize:
		err = h.handleSetCursorSize(call)
	case MethodIDGetBufferSize:
		response.ReturnValue, err = h.handleGetBufferSize(call)
	case MethodIDSetBufferSize:
		err = h.handleSetBufferSize(call)
	case MethodIDGetWindowSize:
		response.ReturnValue, err = h.handleGetWindowSize(call)
	case MethodIDSetWindowSize:
		err = h.handleSetWindowSize(call)
	case MethodIDGetWindowTitle:
		response.ReturnValue, err = h.handleGetWindowTitle(call)
	case MethodIDSetWindowTitle:
		err = h.handleSetWindowTitle(call)
	case MethodIDGetMaxWindowSize:
		response.ReturnValue, err = h.handleGetMaxWindowSize(call)
	case MethodIDGetMaxPhysicalWindowSize:
		response.ReturnValue, err = h.handleGetMaxPhysicalWindowSize(call)
	case MethodIDGetKeyAvailable:
		response.ReturnValue, err = h.handleGetKeyAvailable(call)
	case MethodIDReadKey:
		response.ReturnValue, err = h.handleReadKey(call)
	case MethodIDFlushInputBuffer:
		err = h.handleFlushInputBuffer(call)
	case MethodIDSetBufferContents1, MethodIDSetBufferContents2:
		err = h.handleSetBufferContents(call)
	case MethodIDGetBufferContents:
		response.ReturnValue, err = h.handleGetBufferContents(call)
	case MethodIDScrollBufferContents:
		err = h.handleScrollBufferContents(call)

	// interactive session control; no embedder-facing Host hook exists for
	// these since this client does not host a local interactive session.
	case MethodIDPushRunspace, MethodIDPopRunspace, MethodIDGetIsRunspacePushed, MethodIDGetRunspace:
		err = fmt.Errorf("interactive session method %s is not supported by this client", call.MethodID)
	case MethodIDPromptForChoiceMultipleSelection:
		response.ReturnValue, err = h.handlePromptForChoiceMultipleSelection(call)

	default:
		err = fmt.Errorf("unsupported host method ID: %d", call.MethodID)
	}

	if err != nil {
		response.ExceptionRaised = true
		response.ReturnValue = err.Error()
	}

	return response
}

func stringParam(params []interface{}, idx int, name string) (string, error) {
	if idx >= len(params) {
		return "", fmt.Errorf("%s requires parameter %d, got %d parameters", name, idx, len(params))
	}
	s, ok := params[idx].(string)
	if !ok {
		return "", fmt.Errorf("%s parameter %d must be string, got %T", name, idx, params[idx])
	}
	return s, nil
}

func intParam(params []interface{}, idx int, name string) (int, error) {
	if idx >= len(params) {
		return 0, fmt.Errorf("%s requires parameter %d, got %d parameters", name, idx, len(params))
	}
	switch v := params[idx].(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case objects.Int16:
		return int(v), nil
	default:
		return 0, fmt.Errorf("%s parameter %d must be int, got %T", name, idx, params[idx])
	}
}

// handleGetName processes GetName method calls.
func (h *CallbackHandler) handleGetName(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil {
		return "", nil
	}
	return h.host.GetName(), nil
}

// handleGetVersion processes GetVersion method calls.
func (h *CallbackHandler) handleGetVersion(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil {
		return Version{}, nil
	}
	return h.host.GetVersion(), nil
}

// handleGetInstanceID processes GetInstanceID method calls.
func (h *CallbackHandler) handleGetInstanceID(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil {
		return "", nil
	}
	return h.host.GetInstanceID(), nil
}

// handleGetCurrentCulture processes GetCurrentCulture method calls.
func (h *CallbackHandler) handleGetCurrentCulture(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil {
		return "", nil
	}
	return h.host.GetCurrentCulture(), nil
}

// handleGetCurrentUICulture processes GetCurrentUICulture method calls.
func (h *CallbackHandler) handleGetCurrentUICulture(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil {
		return "", nil
	}
	return h.host.GetCurrentUICulture(), nil
}

// handleSetShouldExit processes SetShouldExit method calls.
// Parameters: [0] int (exit code)
func (h *CallbackHandler) handleSetShouldExit(call *RemoteHostCall) error {
	exitCode, err := intParam(call.MethodParameters, 0, "SetShouldExit")
	if err != nil {
		return err
	}
	if h.host != nil {
		h.host.SetShouldExit(exitCode)
	}
	return nil
}

// handleEnterNestedPrompt processes EnterNestedPrompt method calls.
func (h *CallbackHandler) handleEnterNestedPrompt(_ *RemoteHostCall) error {
	if h.host == nil {
		return nil
	}
	return h.host.EnterNestedPrompt()
}

// handleExitNestedPrompt processes ExitNestedPrompt method calls.
func (h *CallbackHandler) handleExitNestedPrompt(_ *RemoteHostCall) error {
	if h.host != nil {
		h.host.ExitNestedPrompt()
	}
	return nil
}

// handleNotifyBeginApplication processes NotifyBeginApplication method calls.
func (h *CallbackHandler) handleNotifyBeginApplication(_ *RemoteHostCall) error {
	if h.host != nil {
		h.host.NotifyBeginApplication()
	}
	return nil
}

// handleNotifyEndApplication processes NotifyEndApplication method calls.
func (h *CallbackHandler) handleNotifyEndApplication(_ *RemoteHostCall) error {
	if h.host != nil {
		h.host.NotifyEndApplication()
	}
	return nil
}

// handleReadLine processes ReadLine method calls.
func (h *CallbackHandler) handleReadLine(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil || h.host.UI() == nil {
		return "", nil
	}
	return h.host.UI().ReadLine()
}

// handleReadLineAsSecureString processes ReadLineAsSecureString (and legacy
// PromptForPassword) method calls.
func (h *CallbackHandler) handleReadLineAsSecureString(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil || h.host.UI() == nil {
		return objects.NewSecureString("")
	}
	return h.host.UI().ReadLineAsSecureString()
}

// handleWrite processes both Write overloads. The color-qualified overload
// carries [foreground, background, text]; the plain overload carries [text].
func (h *CallbackHandler) handleWrite(call *RemoteHostCall) error {
	text, err := stringParam(call.MethodParameters, len(call.MethodParameters)-1, "Write")
	if err != nil {
		return err
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().Write(text)
	}
	return nil
}

// handleWriteLine processes all three WriteLine overloads: no args (blank
// line), [text], and [foreground, background, text].
func (h *CallbackHandler) handleWriteLine(call *RemoteHostCall) error {
	text := ""
	if len(call.MethodParameters) > 0 {
		var err error
		text, err = stringParam(call.MethodParameters, len(call.MethodParameters)-1, "WriteLine")
		if err != nil {
			return err
		}
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().WriteLine(text)
	}
	return nil
}

// handleWriteErrorLine processes WriteErrorLine method calls.
func (h *CallbackHandler) handleWriteErrorLine(call *RemoteHostCall) error {
	message, err := stringParam(call.MethodParameters, 0, "WriteErrorLine")
	if err != nil {
		return err
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().WriteErrorLine(message)
	}
	return nil
}

// handleWriteDebugLine processes WriteDebugLine method calls.
func (h *CallbackHandler) handleWriteDebugLine(call *RemoteHostCall) error {
	message, err := stringParam(call.MethodParameters, 0, "WriteDebugLine")
	if err != nil {
		return err
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().WriteDebugLine(message)
	}
	return nil
}

// handleWriteVerboseLine processes WriteVerboseLine method calls.
func (h *CallbackHandler) handleWriteVerboseLine(call *RemoteHostCall) error {
	message, err := stringParam(call.MethodParameters, 0, "WriteVerboseLine")
	if err != nil {
		return err
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().WriteVerboseLine(message)
	}
	return nil
}

// handleWriteWarningLine processes WriteWarningLine method calls.
func (h *CallbackHandler) handleWriteWarningLine(call *RemoteHostCall) error {
	message, err := stringParam(call.MethodParameters, 0, "WriteWarningLine")
	if err != nil {
		return err
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().WriteWarningLine(message)
	}
	return nil
}

// handleWriteProgress processes WriteProgress method calls.
// Parameters: [0] int64 (sourceID), [1] *objects.ProgressRecord
func (h *CallbackHandler) handleWriteProgress(call *RemoteHostCall) error {
	if len(call.MethodParameters) < 2 {
		return fmt.Errorf("WriteProgress requires 2 parameters, got %d", len(call.MethodParameters))
	}
	sourceID, err := intParam(call.MethodParameters, 0, "WriteProgress")
	if err != nil {
		return err
	}
	record, ok := call.MethodParameters[1].(*objects.ProgressRecord)
	if !ok {
		return fmt.Errorf("WriteProgress record must be *objects.ProgressRecord, got %T", call.MethodParameters[1])
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().WriteProgress(int64(sourceID), record)
	}
	return nil
}

// handlePrompt processes Prompt method calls.
// Parameters: [0] string (caption), [1] string (message), [2] []FieldDescription
func (h *CallbackHandler) handlePrompt(call *RemoteHostCall) (interface{}, error) {
	if len(call.MethodParameters) < 3 {
		return nil, fmt.Errorf("Prompt requires 3 parameters, got %d", len(call.MethodParameters))
	}

	caption, err := stringParam(call.MethodParameters, 0, "Prompt")
	if err != nil {
		return nil, err
	}
	message, err := stringParam(call.MethodParameters, 1, "Prompt")
	if err != nil {
		return nil, err
	}

	descriptions := decodeFieldDescriptions(call.MethodParameters[2])

	if h.host == nil || h.host.UI() == nil {
		return make(map[string]interface{}), nil
	}
	return h.host.UI().Prompt(caption, message, descriptions)
}

// handlePromptForCredential processes both PromptForCredential overloads.
// The 4-parameter overload carries [caption, message, userName, targetName];
// the 6-parameter overload appends [allowedCredentialTypes, options].
func (h *CallbackHandler) handlePromptForCredential(call *RemoteHostCall) (interface{}, error) {
	if len(call.MethodParameters) < 4 {
		return nil, fmt.Errorf("PromptForCredential requires 4 parameters, got %d", len(call.MethodParameters))
	}

	caption, err := stringParam(call.MethodParameters, 0, "PromptForCredential")
	if err != nil {
		return nil, err
	}
	message, err := stringParam(call.MethodParameters, 1, "PromptForCredential")
	if err != nil {
		return nil, err
	}
	userName, err := stringParam(call.MethodParameters, 2, "PromptForCredential")
	if err != nil {
		return nil, err
	}
	targetName, err := stringParam(call.MethodParameters, 3, "PromptForCredential")
	if err != nil {
		return nil, err
	}

	allowedTypes := CredentialTypeDefault
	options := CredentialUIOptionNone
	if len(call.MethodParameters) >= 6 {
		if v, err := intParam(call.MethodParameters, 4, "PromptForCredential"); err == nil {
			allowedTypes = CredentialTypes(v)
		}
		if v, err := intParam(call.MethodParameters, 5, "PromptForCredential"); err == nil {
			options = CredentialUIOptions(v)
		}
	}

	if h.host == nil || h.host.UI() == nil {
		return nil, nil
	}
	return h.host.UI().PromptForCredential(caption, message, userName, targetName, allowedTypes, options)
}

// handlePromptForChoice processes PromptForChoice method calls.
// Parameters: [0] string (caption), [1] string (message), [2] []ChoiceDescription, [3] int (defaultChoice)
func (h *CallbackHandler) handlePromptForChoice(call *RemoteHostCall) (interface{}, error) {
	if len(call.MethodParameters) < 4 {
		return nil, fmt.Errorf("PromptForChoice requires 4 parameters, got %d", len(call.MethodParameters))
	}

	caption, err := stringParam(call.MethodParameters, 0, "PromptForChoice")
	if err != nil {
		return nil, err
	}
	message, err := stringParam(call.MethodParameters, 1, "PromptForChoice")
	if err != nil {
		return nil, err
	}

	choices := decodeChoiceDescriptions(call.MethodParameters[2])

	defaultChoice, err := intParam(call.MethodParameters, 3, "PromptForChoice")
	if err != nil {
		return nil, err
	}

	if h.host == nil || h.host.UI() == nil {
		return defaultChoice, nil
	}
	return h.host.UI().PromptForChoice(caption, message, choices, defaultChoice)
}

// handlePromptForChoiceMultipleSelection processes the multiple-selection
// choice prompt.
// Parameters: [0] string (caption), [1] string (message), [2] []ChoiceDescription, [3] []int (defaultChoices)
func (h *CallbackHandler) handlePromptForChoiceMultipleSelection(call *RemoteHostCall) (interface{}, error) {
	if len(call.MethodParameters) < 4 {
		return nil, fmt.Errorf("PromptForChoiceMultipleSelection requires 4 parameters, got %d", len(call.MethodParameters))
	}

	caption, err := stringParam(call.MethodParameters, 0, "PromptForChoiceMultipleSelection")
	if err != nil {
		return nil, err
	}
	message, err := stringParam(call.MethodParameters, 1, "PromptForChoiceMultipleSelection")
	if err != nil {
		return nil, err
	}

	choices := decodeChoiceDescriptions(call.MethodParameters[2])
	defaults := decodeIntList(call.MethodParameters[3])

	if h.host == nil || h.host.UI() == nil {
		return defaults, nil
	}
	return h.host.UI().PromptForMultipleChoice(caption, message, choices, defaults)
}

// decodeFieldDescriptions converts the deserialized CLIXML list parameter
// for Prompt into []FieldDescription. Each list element is expected to be a
// serialization.PSObject (or a ref-tracked wrapper) carrying the
// System.Management.Automation.Host.FieldDescription properties.
func decodeFieldDescriptions(param interface{}) []FieldDescription {
	items := asInterfaceSlice(param)
	descriptions := make([]FieldDescription, 0, len(items))
	for _, item := range items {
		props := psObjectProperties(item)
		if props == nil {
			continue
		}
		descriptions = append(descriptions, FieldDescription{
			Name:                  stringProp(props, "name"),
			Label:                 stringProp(props, "label"),
			ParameterTypeName:     stringProp(props, "parameterTypeName"),
			ParameterTypeFullName: stringProp(props, "parameterTypeFullName"),
			HelpMessage:           stringProp(props, "helpMessage"),
			IsMandatory:           boolProp(props, "isMandatory"),
		})
	}
	return descriptions
}

// decodeChoiceDescriptions converts the deserialized CLIXML list parameter
// for PromptForChoice into []ChoiceDescription.
func decodeChoiceDescriptions(param interface{}) []ChoiceDescription {
	items := asInterfaceSlice(param)
	choices := make([]ChoiceDescription, 0, len(items))
	for _, item := range items {
		props := psObjectProperties(item)
		if props == nil {
			continue
		}
		choices = append(choices, ChoiceDescription{
			Label:       stringProp(props, "label"),
			HelpMessage: stringProp(props, "helpMessage"),
		})
	}
	return choices
}

// decodeIntList converts a deserialized CLIXML list of integers.
func decodeIntList(param interface{}) []int {
	items := asInterfaceSlice(param)
	out := make([]int, 0, len(items))
	for _, item := range items {
		v, err := intParam([]interface{}{item}, 0, "defaultChoices")
		if err == nil {
			out = append(out, v)
		}
	}
	return out
}

func asInterfaceSlice(param interface{}) []interface{} {
	switch v := param.(type) {
	case []interface{}:
		return v
	case *serialization.TypedList:
		if v == nil {
			return nil
		}
		return v.Items
	default:
		return nil
	}
}

func psObjectProperties(item interface{}) map[string]interface{} {
	switch v := item.(type) {
	case serialization.PSObject:
		return v.Properties
	case *serialization.PSObject:
		if v == nil {
			return nil
		}
		return v.Properties
	case serialization.PSObjectWithRef:
		return v.Properties
	case *serialization.PSObjectWithRef:
		if v == nil {
			return nil
		}
		return v.Properties
	case map[string]interface{}:
		return v
	default:
		return nil
	}
}

func stringProp(props map[string]interface{}, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

func boolProp(props map[string]interface{}, key string) bool {
	if b, ok := props[key].(bool); ok {
		return b
	}
	return false
}

// handleGetForegroundColor processes GetForegroundColor method calls.
func (h *CallbackHandler) handleGetForegroundColor(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil || h.host.UI() == nil {
		return int(0), nil
	}
	return int(h.host.UI().RawUI().GetForegroundColor()), nil
}

// handleSetForegroundColor processes SetForegroundColor method calls.
func (h *CallbackHandler) handleSetForegroundColor(call *RemoteHostCall) error {
	v, err := intParam(call.MethodParameters, 0, "SetForegroundColor")
	if err != nil {
		return err
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().RawUI().SetForegroundColor(ConsoleColor(v))
	}
	return nil
}

// handleGetBackgroundColor processes GetBackgroundColor method calls.
func (h *CallbackHandler) handleGetBackgroundColor(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil || h.host.UI() == nil {
		return int(0), nil
	}
	return int(h.host.UI().RawUI().GetBackgroundColor()), nil
}

// handleSetBackgroundColor processes SetBackgroundColor method calls.
func (h *CallbackHandler) handleSetBackgroundColor(call *RemoteHostCall) error {
	v, err := intParam(call.MethodParameters, 0, "SetBackgroundColor")
	if err != nil {
		return err
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().RawUI().SetBackgroundColor(ConsoleColor(v))
	}
	return nil
}

func decodeCoordinates(params []interface{}, idx int, name string) (Coordinates, error) {
	x, err := intParam(params, idx, name)
	if err != nil {
		return Coordinates{}, err
	}
	y, err := intParam(params, idx+1, name)
	if err != nil {
		return Coordinates{}, err
	}
	return Coordinates{X: x, Y: y}, nil
}

func decodeSize(params []interface{}, idx int, name string) (Size, error) {
	w, err := intParam(params, idx, name)
	if err != nil {
		return Size{}, err
	}
	ht, err := intParam(params, idx+1, name)
	if err != nil {
		return Size{}, err
	}
	return Size{Width: w, Height: ht}, nil
}

// handleGetCursorPosition processes GetCursorPosition method calls.
func (h *CallbackHandler) handleGetCursorPosition(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil || h.host.UI() == nil {
		return Coordinates{}, nil
	}
	return h.host.UI().RawUI().GetCursorPosition(), nil
}

// handleSetCursorPosition processes SetCursorPosition method calls.
// Parameters: [0] int (x), [1] int (y)
func (h *CallbackHandler) handleSetCursorPosition(call *RemoteHostCall) error {
	coords, err := decodeCoordinates(call.MethodParameters, 0, "SetCursorPosition")
	if err != nil {
		return err
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().RawUI().SetCursorPosition(coords)
	}
	return nil
}

// handleGetWindowPosition processes GetWindowPosition method calls.
func (h *CallbackHandler) handleGetWindowPosition(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil || h.host.UI() == nil {
		return Coordinates{}, nil
	}
	return h.host.UI().RawUI().GetWindowPosition(), nil
}

// handleSetWindowPosition processes SetWindowPosition method calls.
func (h *CallbackHandler) handleSetWindowPosition(call *RemoteHostCall) error {
	coords, err := decodeCoordinates(call.MethodParameters, 0, "SetWindowPosition")
	if err != nil {
		return err
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().RawUI().SetWindowPosition(coords)
	}
	return nil
}

// handleGetCursorSize processes GetCursorSize method calls.
func (h *CallbackHandler) handleGetCursorSize(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil || h.host.UI() == nil {
		return 0, nil
	}
	return h.host.UI().RawUI().GetCursorSize(), nil
}

// handleSetCursorSize processes SetCursorSize method calls.
func (h *CallbackHandler) handleSetCursorSize(call *RemoteHostCall) error {
	v, err := intParam(call.MethodParameters, 0, "SetCursorSize")
	if err != nil {
		return err
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().RawUI().SetCursorSize(v)
	}
	return nil
}

// handleGetBufferSize processes GetBufferSize method calls.
func (h *CallbackHandler) handleGetBufferSize(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil || h.host.UI() == nil {
		return Size{}, nil
	}
	return h.host.UI().RawUI().GetBufferSize(), nil
}

// handleSetBufferSize processes SetBufferSize method calls.
func (h *CallbackHandler) handleSetBufferSize(call *RemoteHostCall) error {
	size, err := decodeSize(call.MethodParameters, 0, "SetBufferSize")
	if err != nil {
		return err
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().RawUI().SetBufferSize(size)
	}
	return nil
}

// handleGetWindowSize processes GetWindowSize method calls.
func (h *CallbackHandler) handleGetWindowSize(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil || h.host.UI() == nil {
		return Size{}, nil
	}
	return h.host.UI().RawUI().GetWindowSize(), nil
}

// handleSetWindowSize processes SetWindowSize method calls.
func (h *CallbackHandler) handleSetWindowSize(call *RemoteHostCall) error {
	size, err := decodeSize(call.MethodParameters, 0, "SetWindowSize")
	if err != nil {
		return err
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().RawUI().SetWindowSize(size)
	}
	return nil
}

// handleGetWindowTitle processes GetWindowTitle method calls.
func (h *CallbackHandler) handleGetWindowTitle(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil || h.host.UI() == nil {
		return "", nil
	}
	return h.host.UI().RawUI().GetWindowTitle(), nil
}

// handleSetWindowTitle processes SetWindowTitle method calls.
func (h *CallbackHandler) handleSetWindowTitle(call *RemoteHostCall) error {
	title, err := stringParam(call.MethodParameters, 0, "SetWindowTitle")
	if err != nil {
		return err
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().RawUI().SetWindowTitle(title)
	}
	return nil
}

// handleGetMaxWindowSize processes GetMaxWindowSize method calls.
func (h *CallbackHandler) handleGetMaxWindowSize(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil || h.host.UI() == nil {
		return Size{}, nil
	}
	return h.host.UI().RawUI().GetMaxWindowSize(), nil
}

// handleGetMaxPhysicalWindowSize processes GetMaxPhysicalWindowSize method calls.
func (h *CallbackHandler) handleGetMaxPhysicalWindowSize(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil || h.host.UI() == nil {
		return Size{}, nil
	}
	return h.host.UI().RawUI().GetMaxPhysicalWindowSize(), nil
}

// handleGetKeyAvailable processes GetKeyAvailable method calls.
func (h *CallbackHandler) handleGetKeyAvailable(_ *RemoteHostCall) (interface{}, error) {
	if h.host == nil || h.host.UI() == nil {
		return false, nil
	}
	return h.host.UI().RawUI().GetKeyAvailable(), nil
}

// handleReadKey processes ReadKey method calls.
// Parameters: [0] int (ReadKeyOptions)
func (h *CallbackHandler) handleReadKey(call *RemoteHostCall) (interface{}, error) {
	includeIntercept := false
	if len(call.MethodParameters) > 0 {
		if v, err := intParam(call.MethodParameters, 0, "ReadKey"); err == nil {
			includeIntercept = v != 0
		}
	}
	if h.host == nil || h.host.UI() == nil {
		return KeyInfo{}, nil
	}
	return h.host.UI().RawUI().ReadKey(includeIntercept)
}

// handleFlushInputBuffer processes FlushInputBuffer method calls.
func (h *CallbackHandler) handleFlushInputBuffer(_ *RemoteHostCall) error {
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().RawUI().FlushInputBuffer()
	}
	return nil
}

// handleSetBufferContents processes both SetBufferContents overloads: the
// origin+rectangular-block overload and the fill-rectangle-with-one-cell
// overload, distinguished by whether parameter 1 is a rectangle or a cell.
func (h *CallbackHandler) handleSetBufferContents(call *RemoteHostCall) error {
	if len(call.MethodParameters) < 2 {
		return fmt.Errorf("SetBufferContents requires 2 parameters, got %d", len(call.MethodParameters))
	}
	if h.host == nil || h.host.UI() == nil {
		return nil
	}
	switch origin := call.MethodParameters[0].(type) {
	case Coordinates:
		contents, ok := call.MethodParameters[1].([][]BufferCell)
		if !ok {
			return fmt.Errorf("SetBufferContents contents must be [][]BufferCell, got %T", call.MethodParameters[1])
		}
		h.host.UI().RawUI().SetBufferContents(origin, contents)
	case Rectangle:
		fill, ok := call.MethodParameters[1].(BufferCell)
		if !ok {
			return fmt.Errorf("SetBufferContents fill must be BufferCell, got %T", call.MethodParameters[1])
		}
		h.host.UI().RawUI().SetBufferContents(Coordinates{X: origin.Left, Y: origin.Top}, [][]BufferCell{{fill}})
	default:
		return fmt.Errorf("SetBufferContents origin must be Coordinates or Rectangle, got %T", call.MethodParameters[0])
	}
	return nil
}

// handleGetBufferContents processes GetBufferContents method calls.
// Parameters: [0] Rectangle
func (h *CallbackHandler) handleGetBufferContents(call *RemoteHostCall) (interface{}, error) {
	if len(call.MethodParameters) < 1 {
		return nil, fmt.Errorf("GetBufferContents requires 1 parameter, got %d", len(call.MethodParameters))
	}
	rect, ok := call.MethodParameters[0].(Rectangle)
	if !ok {
		return nil, fmt.Errorf("GetBufferContents rectangle must be Rectangle, got %T", call.MethodParameters[0])
	}
	if h.host == nil || h.host.UI() == nil {
		return [][]BufferCell{}, nil
	}
	return h.host.UI().RawUI().GetBufferContents(rect), nil
}

// handleScrollBufferContents processes ScrollBufferContents method calls.
// Parameters: [0] Rectangle (source), [1] Coordinates (destination), [2] Rectangle (clip), [3] BufferCell (fill)
func (h *CallbackHandler) handleScrollBufferContents(call *RemoteHostCall) error {
	if len(call.MethodParameters) < 4 {
		return fmt.Errorf("ScrollBufferContents requires 4 parameters, got %d", len(call.MethodParameters))
	}
	source, ok := call.MethodParameters[0].(Rectangle)
	if !ok {
		return fmt.Errorf("ScrollBufferContents source must be Rectangle, got %T", call.MethodParameters[0])
	}
	dest, ok := call.MethodParameters[1].(Coordinates)
	if !ok {
		return fmt.Errorf("ScrollBufferContents destination must be Coordinates, got %T", call.MethodParameters[1])
	}
	clip, ok := call.MethodParameters[2].(Rectangle)
	if !ok {
		return fmt.Errorf("ScrollBufferContents clip must be Rectangle, got %T", call.MethodParameters[2])
	}
	fill, ok := call.MethodParameters[3].(BufferCell)
	if !ok {
		return fmt.Errorf("ScrollBufferContents fill must be BufferCell, got %T", call.MethodParameters[3])
	}
	if h.host != nil && h.host.UI() != nil {
		h.host.UI().RawUI().ScrollBufferContents(source, dest, clip, fill)
	}
	return nil
}
