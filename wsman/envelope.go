package wsman

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/masterzen/simplexml/dom"
)

// WS-* namespaces used when building and parsing WinRM/WS-Management envelopes.
const (
	nsSOAPEnv     = "http://www.w3.org/2003/05/soap-envelope"
	nsAddressing  = "http://schemas.xmlsoap.org/ws/2004/08/addressing"
	nsWSManDMTF   = "http://schemas.dmtf.org/wbem/wsman/1/wsman.xsd"
	nsWSManMSFT   = "http://schemas.microsoft.com/wbem/wsman/1/wsman.xsd"
	nsWinShell    = "http://schemas.microsoft.com/wbem/wsman/1/windows/shell"
	nsWSManFault  = "http://schemas.microsoft.com/wbem/wsman/1/wsmanfault"
	nsSchemaInst  = "http://www.w3.org/2001/XMLSchema-instance"
	addressAnon   = "http://schemas.xmlsoap.org/ws/2004/08/addressing/role/anonymous"
	resourceShell = nsWinShell + "/cmd"
)

// envelope wraps a dom.Document under construction, holding onto the Body
// element so verb builders can append their action-specific payload.
type envelope struct {
	doc  *dom.Document
	body *dom.Element
}

// nextMessageID returns a fresh WS-Addressing MessageID; SOAP requires each
// request to carry one, but it need not be globally unique beyond this
// process's lifetime, so a random UUID suffices.
func nextMessageID() string {
	return fmt.Sprintf("uuid:%s", uuid.New().String())
}

// newEnvelope builds a bare SOAP envelope with the WS-Addressing and
// WS-Management header block common to every WinRM request: MessageID, To,
// ResourceURI, Action, SessionId, OperationTimeout, and (if set) SelectorSet.
func (s *Session) newEnvelope(action string) *envelope {
	doc := dom.CreateDocument()
	root := dom.CreateElement("Envelope")
	root.SetNamespace("env", nsSOAPEnv)
	doc.SetRoot(root)
	declareNamespaces(root)

	header := dom.CreateElement("Header")
	header.SetNamespace("env", nsSOAPEnv)
	root.AddChild(header)

	addTextElement(header, "a", nsAddressing, "To", s.connectionURI)
	addTextElement(header, "a", nsAddressing, "Action", action)
	addTextElement(header, "w", nsWSManDMTF, "ResourceURI", s.resourceURI)

	msgID := dom.CreateElement("MessageID")
	msgID.SetNamespace("a", nsAddressing)
	msgID.SetContent(nextMessageID())
	header.AddChild(msgID)

	replyTo := dom.CreateElement("ReplyTo")
	replyTo.SetNamespace("a", nsAddressing)
	addr := dom.CreateElement("Address")
	addr.SetNamespace("a", nsAddressing)
	addr.SetAttr("mustUnderstand", "true")
	addr.SetContent(addressAnon)
	replyTo.AddChild(addr)
	header.AddChild(replyTo)

	addTextElement(header, "w", nsWSManDMTF, "MaxEnvelopeSize", fmt.Sprintf("%d", s.maxEnvelopeSize))
	addTextElement(header, "w", nsWSManDMTF, "OperationTimeout", formatWSManDuration(s.operationTimeout))
	addTextElement(header, "w", nsWSManDMTF, "Locale", "")
	addTextElement(header, "p", nsWSManMSFT, "DataLocale", "")

	if s.shellID != "" {
		selSet := dom.CreateElement("SelectorSet")
		selSet.SetNamespace("w", nsWSManDMTF)
		sel := dom.CreateElement("Selector")
		sel.SetNamespace("w", nsWSManDMTF)
		sel.SetAttr("Name", "ShellId")
		sel.SetContent(s.shellID)
		selSet.AddChild(sel)
		header.AddChild(selSet)
	}

	body := dom.CreateElement("Body")
	body.SetNamespace("env", nsSOAPEnv)
	root.AddChild(body)

	return &envelope{doc: doc, body: body}
}

// declareNamespaces attaches the namespace prefixes every WinRM envelope
// uses, whether or not a given request exercises all of them.
func declareNamespaces(root *dom.Element) {
	root.DeclareNamespace(dom.Namespace{Prefix: "a", Uri: nsAddressing})
	root.DeclareNamespace(dom.Namespace{Prefix: "w", Uri: nsWSManDMTF})
	root.DeclareNamespace(dom.Namespace{Prefix: "p", Uri: nsWSManMSFT})
	root.DeclareNamespace(dom.Namespace{Prefix: "rsp", Uri: nsWinShell})
	root.DeclareNamespace(dom.Namespace{Prefix: "xsi", Uri: nsSchemaInst})
}

func addTextElement(parent *dom.Element, prefix, ns, name, content string) *dom.Element {
	el := dom.CreateElement(name)
	el.SetNamespace(prefix, ns)
	el.SetContent(content)
	parent.AddChild(el)
	return el
}

// bytes renders the envelope as its final XML wire form.
func (e *envelope) bytes() ([]byte, error) {
	return []byte(e.doc.String()), nil
}

// formatWSManDuration renders a time.Duration as an ISO-8601 duration, the
// form WS-Management requires for OperationTimeout (e.g. "PT60S").
func formatWSManDuration(totalSeconds int) string {
	return fmt.Sprintf("PT%dS", totalSeconds)
}
