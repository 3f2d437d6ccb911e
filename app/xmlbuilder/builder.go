// Package xmlbuilder assembles small namespaced XML documents in memory and
// serializes them with escaped text content and two-space indentation.
package xmlbuilder

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrMalformedDocument is returned by Serialize when the tree cannot be
// written as well-formed XML.
var ErrMalformedDocument = errors.New("malformed XML document")

const header = `<?xml version="1.0" encoding="UTF-8"?>`

type Attr struct {
	Name  string
	Value string
}

// Node is an element in a Document. Nodes are only created through
// Document.Root and Node.AddChild.
type Node struct {
	prefix   string
	tag      string
	text     string
	attrs    []Attr
	children []*Node
}

type Document struct {
	root       *Node
	namespaces map[string]string
}

// NewDocument creates a document whose root element declares the given
// namespaces (prefix -> URI).
func NewDocument(rootTag string, namespaces map[string]string) *Document {
	ns := make(map[string]string, len(namespaces))
	for prefix, uri := range namespaces {
		ns[prefix] = uri
	}
	return &Document{
		root:       &Node{tag: rootTag},
		namespaces: ns,
	}
}

func (d *Document) Root() *Node {
	return d.root
}

// AddChild appends an element with the given text to n. An empty prefix
// means no namespace prefix.
func (n *Node) AddChild(tag, text string, prefix ...string) *Node {
	child := &Node{tag: tag, text: text}
	if len(prefix) > 0 {
		child.prefix = prefix[0]
	}
	n.children = append(n.children, child)
	return child
}

func (n *Node) SetText(text string) *Node {
	n.text = text
	return n
}

func (n *Node) SetAttr(name, value string) *Node {
	n.attrs = append(n.attrs, Attr{Name: name, Value: value})
	return n
}

func (n *Node) Children() []*Node {
	return n.children
}

func (n *Node) Name() string {
	if n.prefix == "" {
		return n.tag
	}
	return n.prefix + ":" + n.tag
}

func (n *Node) Text() string {
	return n.text
}

// Serialize writes the document with an XML declaration. It fails with
// ErrMalformedDocument when the document has no root, uses an undeclared
// prefix or an invalid name, or carries characters XML 1.0 cannot represent.
func Serialize(d *Document) ([]byte, error) {
	if d == nil || d.root == nil || d.root.tag == "" {
		return nil, fmt.Errorf("%w: document is empty", ErrMalformedDocument)
	}

	for prefix, uri := range d.namespaces {
		if !isName(prefix) || strings.Contains(prefix, ":") {
			return nil, fmt.Errorf("%w: invalid namespace prefix %q", ErrMalformedDocument, prefix)
		}
		if err := checkChars(uri); err != nil {
			return nil, fmt.Errorf("%w: namespace %s: %v", ErrMalformedDocument, prefix, err)
		}
	}

	var buf bytes.Buffer
	buf.WriteString(header)
	buf.WriteString("\n")

	root := *d.root
	root.attrs = append(d.namespaceAttrs(), d.root.attrs...)

	if err := d.writeNode(&buf, &root, 0); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (d *Document) namespaceAttrs() []Attr {
	prefixes := make([]string, 0, len(d.namespaces))
	for prefix := range d.namespaces {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	attrs := make([]Attr, 0, len(prefixes))
	for _, prefix := range prefixes {
		attrs = append(attrs, Attr{Name: "xmlns:" + prefix, Value: d.namespaces[prefix]})
	}
	return attrs
}

func (d *Document) writeNode(buf *bytes.Buffer, n *Node, indent int) error {
	if !isName(n.tag) || strings.Contains(n.tag, ":") {
		return fmt.Errorf("%w: invalid element name %q", ErrMalformedDocument, n.tag)
	}
	if n.prefix != "" {
		if _, ok := d.namespaces[n.prefix]; !ok {
			return fmt.Errorf("%w: undeclared namespace prefix %q on <%s>", ErrMalformedDocument, n.prefix, n.tag)
		}
	}
	if err := checkChars(n.text); err != nil {
		return fmt.Errorf("%w: <%s>: %v", ErrMalformedDocument, n.Name(), err)
	}

	writeIndent(buf, indent)
	buf.WriteString("<")
	buf.WriteString(n.Name())

	for _, attr := range n.attrs {
		if !isName(attr.Name) {
			return fmt.Errorf("%w: invalid attribute name %q", ErrMalformedDocument, attr.Name)
		}
		if err := checkChars(attr.Value); err != nil {
			return fmt.Errorf("%w: attribute %s: %v", ErrMalformedDocument, attr.Name, err)
		}
		buf.WriteString(" ")
		buf.WriteString(attr.Name)
		buf.WriteString(`="`)
		xml.EscapeText(buf, []byte(attr.Value))
		buf.WriteString(`"`)
	}

	if len(n.children) == 0 {
		if n.text == "" {
			buf.WriteString("/>\n")
			return nil
		}
		buf.WriteString(">")
		xml.EscapeText(buf, []byte(n.text))
		buf.WriteString("</")
		buf.WriteString(n.Name())
		buf.WriteString(">\n")
		return nil
	}

	buf.WriteString(">\n")
	if n.text != "" {
		writeIndent(buf, indent+2)
		xml.EscapeText(buf, []byte(n.text))
		buf.WriteString("\n")
	}
	for _, child := range n.children {
		if err := d.writeNode(buf, child, indent+2); err != nil {
			return err
		}
	}
	writeIndent(buf, indent)
	buf.WriteString("</")
	buf.WriteString(n.Name())
	buf.WriteString(">\n")

	return nil
}

func writeIndent(buf *bytes.Buffer, indent int) {
	for i := 0; i < indent; i++ {
		buf.WriteByte(' ')
	}
}

// isName reports whether s is an XML name (a simplified check that accepts
// qualified names).
func isName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == ':' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= 0xC0:
		case i > 0 && (r == '-' || r == '.' || r >= '0' && r <= '9'):
		default:
			return false
		}
	}
	return true
}

func checkChars(s string) error {
	if !utf8.ValidString(s) {
		return errors.New("invalid UTF-8")
	}
	for i, r := range s {
		if !IsXMLChar(r) {
			return fmt.Errorf("invalid character %U at offset %d", r, i)
		}
	}
	return nil
}

// IsXMLChar reports whether r is allowed in XML 1.0 character data.
func IsXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		r >= 0x20 && r <= 0xD7FF ||
		r >= 0xE000 && r <= 0xFFFD ||
		r >= 0x10000 && r <= 0x10FFFF
}

// CleanText drops characters that XML 1.0 cannot carry and replaces invalid
// UTF-8 sequences.
func CleanText(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	return strings.Map(func(r rune) rune {
		if IsXMLChar(r) {
			return r
		}
		return -1
	}, s)
}
