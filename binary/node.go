// Package binary implements the tagged-tree binary stanza codec (C1):
// a length-prefixed, token-table compressed encoding of {tag, attrs,
// content} trees used as wire stanzas by the relay.
package binary

import "fmt"

// Attrs is the attribute map of a Node. Values are stored as strings on the
// wire; callers needing typed access should go through AttrGetter.
type Attrs map[string]string

// Node is the tagged tree {tag, attrs, content} described in spec §3.
// Content is one of: nil (absent), []byte (binary), or []Node (child list,
// order significant).
type Node struct {
	Tag     string
	Attrs   Attrs
	Content any
}

// GetChildren returns the child node list, or nil if Content isn't a list.
func (n *Node) GetChildren() []Node {
	if n == nil {
		return nil
	}
	children, ok := n.Content.([]Node)
	if !ok {
		return nil
	}
	return children
}

// GetChildrenByTag returns every direct child with the given tag, in
// document order.
func (n *Node) GetChildrenByTag(tag string) []Node {
	var out []Node
	for _, c := range n.GetChildren() {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

// GetChildByTag returns the first direct child with the given tag, or the
// zero Node if none exists.
func (n *Node) GetChildByTag(tag string) *Node {
	for i, c := range n.GetChildren() {
		if c.Tag == tag {
			return &n.GetChildren()[i]
		}
	}
	return &Node{}
}

// GetOptionalChildByTag is GetChildByTag with an explicit found flag,
// matching the pack's node.GetOptionalChildByTag idiom.
func (n *Node) GetOptionalChildByTag(tags ...string) (Node, bool) {
	cur := n
	for i, tag := range tags {
		children := cur.GetChildren()
		var next *Node
		for j := range children {
			if children[j].Tag == tag {
				next = &children[j]
				break
			}
		}
		if next == nil {
			return Node{}, false
		}
		if i == len(tags)-1 {
			return *next, true
		}
		cur = next
	}
	return Node{}, false
}

// ContentBytes returns Content as []byte, or nil if it isn't binary.
func (n *Node) ContentBytes() []byte {
	if n == nil {
		return nil
	}
	b, _ := n.Content.([]byte)
	return b
}

// XMLString renders the node as an XMPP-like string for debug logging,
// matching the pack-wide cli.recvLog.Debugf("%s", node.XMLString()) idiom.
func (n Node) XMLString() string {
	s := "<" + n.Tag
	for k, v := range n.Attrs {
		s += fmt.Sprintf(" %s=%q", k, v)
	}
	switch c := n.Content.(type) {
	case nil:
		return s + "/>"
	case []byte:
		return fmt.Sprintf("%s>%d bytes</%s>", s+">", len(c), n.Tag)
	case []Node:
		s += ">"
		for _, child := range c {
			s += child.XMLString()
		}
		return s + "</" + n.Tag + ">"
	default:
		return s + ">?</" + n.Tag + ">"
	}
}

// AttrGetter returns a typed accessor over n.Attrs that accumulates errors,
// mirroring the pack's node.AttrGetter() idiom (ag.String/Int/JID/... then
// ag.OK()/ag.Error() once at the end of a handler).
func (n *Node) AttrGetter() *AttrGetter {
	if n == nil || n.Attrs == nil {
		return &AttrGetter{attrs: Attrs{}}
	}
	return &AttrGetter{attrs: n.Attrs}
}
