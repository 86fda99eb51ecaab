package wsman

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/ChrisTrenkamp/goxpath"
	"github.com/ChrisTrenkamp/goxpath/tree"
	"github.com/ChrisTrenkamp/goxpath/tree/xmltree"
)

// responseDoc is a parsed response envelope, queried with XPath expressions
// via goxpath rather than unmarshaled into structs: WS-Man responses carry
// optional, deeply nested, multi-namespace elements (streams, exit codes,
// command state) that a fixed struct shape fits poorly.
type responseDoc struct {
	tree tree.Node
}

func parseResponse(body []byte) (*responseDoc, error) {
	t, err := xmltree.ParseXML(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	return &responseDoc{tree: t}, nil
}

// xpathNS binds the prefixes used in WS-Man response XPath expressions to
// their namespace URIs, required since goxpath resolves prefixes from the
// expression context rather than the document's own xmlns declarations.
var xpathNS goxpath.FuncOpts = func(o *goxpath.Opts) {
	o.NS = map[string]string{
		"env": nsSOAPEnv,
		"a":   nsAddressing,
		"w":   nsWSManDMTF,
		"p":   nsWSManMSFT,
		"rsp": nsWinShell,
		"wsf": nsWSManFault,
	}
}

// xpathString evaluates expr against the response and returns the first
// matching node's string value, or "" if nothing matched.
func (r *responseDoc) xpathString(expr string) (string, error) {
	res, err := goxpath.Parse(expr)
	if err != nil {
		return "", fmt.Errorf("parse xpath %q: %w", expr, err)
	}
	result, err := res.ExecNode(r.tree, xpathNS)
	if err != nil {
		return "", fmt.Errorf("eval xpath %q: %w", expr, err)
	}
	if len(result) == 0 {
		return "", nil
	}
	return strings.TrimSpace(result[0].ResValue()), nil
}

// xpathAll evaluates expr and returns the string value of every match, in
// document order, for multi-valued responses (Receive's Stream elements).
func (r *responseDoc) xpathAll(expr string) ([]string, error) {
	res, err := goxpath.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse xpath %q: %w", expr, err)
	}
	result, err := res.ExecNode(r.tree, xpathNS)
	if err != nil {
		return nil, fmt.Errorf("eval xpath %q: %w", expr, err)
	}
	out := make([]string, 0, len(result))
	for _, n := range result {
		out = append(out, n.ResValue())
	}
	return out, nil
}

// fault reports the WS-Management fault carried by the response, if any.
func (r *responseDoc) fault() *Fault {
	code, _ := r.xpathString("//env:Fault/env:Code/env:Value")
	if code == "" {
		return nil
	}
	subcode, _ := r.xpathString("//env:Fault/env:Code/env:Subcode/env:Value")
	reason, _ := r.xpathString("//env:Fault/env:Reason/env:Text")
	wsmanCode, _ := r.xpathString("//env:Fault/env:Detail/wsf:WSManFault/@Code")
	wsmanMessage, _ := r.xpathString("//env:Fault/env:Detail/wsf:WSManFault/wsf:Message")

	f := &Fault{
		Code:    code,
		Subcode: subcode,
		Reason:  reason,
		Message: wsmanMessage,
	}
	if wsmanCode != "" {
		if n, err := strconv.ParseInt(strings.TrimPrefix(wsmanCode, "0x"), 16, 64); err == nil {
			f.WSManCode = uint32(n)
		} else if n, err := strconv.ParseInt(wsmanCode, 10, 64); err == nil {
			f.WSManCode = uint32(n)
		}
	}
	return f
}
