// Package dom implements the DOM namespace handler: a client-side node
// arena mirroring the browser's document, grown from getDocument and the
// childNode*/attribute*/setNodeValue event stream (spec section 4.6).
package dom

import (
	"encoding/json"
	"sync"

	"github.com/mailru/easyjson"

	"github.com/qtacore/chromemaster/protocol"
	"github.com/qtacore/chromemaster/rpc"
)

// NodeType mirrors the DOM Level 1 node type constants CDP uses.
type NodeType int

const (
	ElementNode              NodeType = 1
	AttributeNode            NodeType = 2
	TextNode                 NodeType = 3
	CDATASectionNode         NodeType = 4
	EntityReferenceNode      NodeType = 5
	EntityNode               NodeType = 6
	ProcessingInstructionNode NodeType = 7
	CommentNode              NodeType = 8
	DocumentNode             NodeType = 9
	DocumentTypeNode         NodeType = 10
	DocumentFragmentNode     NodeType = 11
	NotationNode             NodeType = 12
)

// Node is one arena entry; parent-pointer plus child-id-list avoids the
// cyclic-reference concerns of a doubly-linked tree (spec DESIGN NOTES
// section 9: "a simple arena keyed by nodeId").
type Node struct {
	ID         int64
	NodeType   NodeType
	NodeName   string
	NodeValue  string
	Attributes map[string]string
	ParentID   int64
	Children   []int64

	xpath      string
	xpathValid bool
}

// Listener receives DOM mutation callbacks (spec grounding:
// dom_handler.py's IDOMEventListener).
type Listener interface {
	OnDocumentUpdated()
	OnNodeAttrModified(node *Node, attr, value string)
	OnNodeTextModified(parent *Node, text string)
	OnNodeInserted(parent, node *Node)
	OnNodeRemoved(parent, node *Node)
}

// Handler is the DOM namespace handler.
type Handler struct {
	rpc.Base

	mu        sync.RWMutex
	nodes     map[int64]*Node
	rootID    int64
	listeners []Listener

	matcher XPathMatcher
}

// New constructs an unattached DOM handler. matcher may be nil; XPath()
// then always returns an error, since there is nothing to verify
// candidate paths against (spec section 1 lists XPath match verification
// as an external collaborator).
func New(matcher XPathMatcher) *Handler {
	return &Handler{
		Base:    rpc.NewBase("DOM"),
		nodes:   make(map[int64]*Node),
		matcher: matcher,
	}
}

// AddListener registers a mutation listener.
func (h *Handler) AddListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

// OnAttached enables DOM and pulls the initial document.
func (h *Handler) OnAttached() error {
	if _, err := h.Send("enable", nil); err != nil {
		return err
	}
	return h.RefreshDocument()
}

type nodeData struct {
	NodeID     int64    `json:"nodeId"`
	ParentID   int64    `json:"parentId"`
	NodeType   NodeType `json:"nodeType"`
	NodeName   string   `json:"nodeName"`
	NodeValue  string   `json:"nodeValue"`
	Attributes []string `json:"attributes"`
	Children   []nodeData `json:"children"`
}

// RefreshDocument discards the mirror and re-pulls DOM.getDocument (spec
// grounding: dom_handler.py's get_dom_tree, renamed since it is DOM's own
// responsibility here, not Page's).
func (h *Handler) RefreshDocument() error {
	raw, err := h.Send("getDocument", map[string]interface{}{"depth": -1, "pierce": false})
	if err != nil {
		return err
	}
	var out struct {
		Root nodeData `json:"root"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return protocol.Wrap(err, "decode getDocument result")
	}

	h.mu.Lock()
	h.nodes = make(map[int64]*Node)
	h.rootID = out.Root.NodeID
	h.materializeLocked(0, out.Root)
	h.mu.Unlock()
	return nil
}

// materializeLocked installs node and its descendants into the arena.
// Only ELEMENT_NODE, TEXT_NODE, and COMMENT_NODE are kept (spec 4.6); the
// document node itself is kept as the tree's synthetic root regardless.
func (h *Handler) materializeLocked(parentID int64, nd nodeData) {
	n := &Node{
		ID:         nd.NodeID,
		NodeType:   nd.NodeType,
		NodeName:   nd.NodeName,
		NodeValue:  nd.NodeValue,
		ParentID:   parentID,
		Attributes: attrPairsToMap(nd.Attributes),
	}
	h.nodes[n.ID] = n
	if parentID != 0 {
		if parent, ok := h.nodes[parentID]; ok {
			parent.Children = append(parent.Children, n.ID)
		}
	}
	for _, child := range nd.Children {
		switch child.NodeType {
		case ElementNode, TextNode, CommentNode, DocumentNode:
			h.materializeLocked(n.ID, child)
		}
	}
}

func attrPairsToMap(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m[pairs[i]] = pairs[i+1]
	}
	return m
}

type attributeModifiedParams struct {
	NodeID int64  `json:"nodeId"`
	Name   string `json:"name"`
	Value  string `json:"value"`
}

type childNodeInsertedParams struct {
	ParentNodeID int64    `json:"parentNodeId"`
	Node         nodeData `json:"node"`
}

type childNodeRemovedParams struct {
	ParentNodeID int64 `json:"parentNodeId"`
	NodeID       int64 `json:"nodeId"`
}

type setChildNodesParams struct {
	ParentID int64      `json:"parentId"`
	Nodes    []nodeData `json:"nodes"`
}

type setNodeValueParams struct {
	NodeID int64  `json:"nodeId"`
	Value  string `json:"value"`
}

// invalidationExempt lists the node names whose cached XPath survives an
// attribute change (spec 3, 4.6).
var invalidationExempt = map[string]bool{"body": true, "script": true, "style": true, "link": true}

// OnRecvNotifyMsg implements rpc.Handler.
func (h *Handler) OnRecvNotifyMsg(method string, params easyjson.RawMessage) error {
	switch method {
	case "attributeModified":
		var p attributeModifiedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return protocol.Wrap(err, "decode attributeModified")
		}
		return h.onAttributeModified(p.NodeID, p.Name, p.Value)

	case "childNodeInserted":
		var p childNodeInsertedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return protocol.Wrap(err, "decode childNodeInserted")
		}
		return h.onNodeInserted(p.ParentNodeID, p.Node)

	case "childNodeRemoved":
		var p childNodeRemovedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return protocol.Wrap(err, "decode childNodeRemoved")
		}
		return h.onNodeRemoved(p.ParentNodeID, p.NodeID)

	case "setChildNodes":
		var p setChildNodesParams
		if err := json.Unmarshal(params, &p); err != nil {
			return protocol.Wrap(err, "decode setChildNodes")
		}
		return h.onSetChildNodes(p.ParentID, p.Nodes)

	case "setNodeValue":
		var p setNodeValueParams
		if err := json.Unmarshal(params, &p); err != nil {
			return protocol.Wrap(err, "decode setNodeValue")
		}
		if p.NodeID == 0 {
			h.Debugger().Logger().Warn("[DOM] get node failed")
			return nil
		}
		h.mu.Lock()
		if n, ok := h.nodes[p.NodeID]; ok {
			n.NodeValue = p.Value
		}
		h.mu.Unlock()
		return nil

	case "documentUpdated":
		h.Debugger().Logger().Info("[DOM] document updated")
		if err := h.RefreshDocument(); err != nil {
			return err
		}
		h.mu.RLock()
		listeners := append([]Listener(nil), h.listeners...)
		h.mu.RUnlock()
		for _, l := range listeners {
			l.OnDocumentUpdated()
		}
		return nil

	case "attributeRemoved", "characterDataModified", "childNodeCountUpdated",
		"distributedNodesUpdated", "inlineStyleInvalidated", "pseudoElementAdded",
		"pseudoElementRemoved", "shadowRootPopped", "shadowRootPushed":
		return nil
	}
	h.Debugger().Logger().Warn("[DOM] unknown event %s", method)
	return nil
}

func (h *Handler) onAttributeModified(nodeID int64, name, value string) error {
	h.mu.Lock()
	n, ok := h.nodes[nodeID]
	if !ok {
		h.mu.Unlock()
		h.Debugger().Logger().Warn("[DOM] node %d not found", nodeID)
		return nil
	}
	if !invalidationExempt[n.NodeName] {
		n.xpathValid = false
	}
	if n.Attributes == nil {
		n.Attributes = make(map[string]string)
	}
	n.Attributes[name] = value
	h.mu.Unlock()

	h.mu.RLock()
	listeners := append([]Listener(nil), h.listeners...)
	h.mu.RUnlock()
	for _, l := range listeners {
		l.OnNodeAttrModified(n, name, value)
	}
	return nil
}

func (h *Handler) onNodeInserted(parentID int64, nd nodeData) error {
	h.mu.Lock()
	parent, ok := h.nodes[parentID]
	if !ok {
		h.mu.Unlock()
		h.Debugger().Logger().Warn("[DOM] node %d not found", parentID)
		return nil
	}
	switch nd.NodeType {
	case ElementNode, TextNode, CommentNode:
	default:
		h.mu.Unlock()
		h.Debugger().Logger().Warn("[DOM] unhandled node [%d] %s", nd.NodeType, nd.NodeName)
		return nil
	}
	h.materializeLocked(parentID, nd)
	node := h.nodes[nd.NodeID]
	h.mu.Unlock()

	h.mu.RLock()
	listeners := append([]Listener(nil), h.listeners...)
	h.mu.RUnlock()

	if nd.NodeType == CommentNode {
		return nil
	}
	if nd.NodeType == TextNode {
		for _, l := range listeners {
			l.OnNodeTextModified(parent, node.NodeValue)
		}
		return nil
	}
	for _, l := range listeners {
		l.OnNodeInserted(parent, node)
	}
	return nil
}

func (h *Handler) onNodeRemoved(parentID, nodeID int64) error {
	h.mu.Lock()
	parent, ok := h.nodes[parentID]
	if !ok {
		h.mu.Unlock()
		h.Debugger().Logger().Warn("[DOM] node %d not found", parentID)
		return nil
	}
	node, ok := h.nodes[nodeID]
	if !ok {
		h.mu.Unlock()
		h.Debugger().Logger().Warn("[DOM] node %d not found", nodeID)
		return nil
	}
	parent.Children = removeID(parent.Children, nodeID)
	delete(h.nodes, nodeID)
	h.mu.Unlock()

	h.mu.RLock()
	listeners := append([]Listener(nil), h.listeners...)
	h.mu.RUnlock()
	for _, l := range listeners {
		l.OnNodeRemoved(parent, node)
	}
	return nil
}

func (h *Handler) onSetChildNodes(parentID int64, nodes []nodeData) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.nodes[parentID]; !ok {
		h.Debugger().Logger().Warn("[DOM] node %d not found", parentID)
		return nil
	}
	for _, nd := range nodes {
		switch nd.NodeType {
		case ElementNode, TextNode, CommentNode:
			h.materializeLocked(parentID, nd)
		}
	}
	return nil
}

func removeID(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// Node returns a copy of the node with id, if present.
func (h *Handler) Node(id int64) (Node, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	if !ok {
		return Node{}, false
	}
	cp := *n
	cp.Children = append([]int64(nil), n.Children...)
	cp.Attributes = make(map[string]string, len(n.Attributes))
	for k, v := range n.Attributes {
		cp.Attributes[k] = v
	}
	return cp, true
}

// SetAttribute sets attr on node, tolerating a node that has since been
// evicted from the browser's document (spec grounding: dom_handler.py's
// set_node_attribute).
func (h *Handler) SetAttribute(nodeID int64, attr, value string) bool {
	_, err := h.Send("setAttributeValue", map[string]interface{}{
		"nodeId": nodeID, "name": attr, "value": value,
	})
	if err != nil {
		if protocol.IsIDNotFound(err) {
			h.Debugger().Logger().Warn("[DOM] node %d not found when set attribute %s", nodeID, attr)
			return false
		}
		h.Debugger().Logger().Warn("[DOM] set attribute %s on %d failed: %v", attr, nodeID, err)
		return false
	}
	return true
}

// SetNodeValue sets a text node's value.
func (h *Handler) SetNodeValue(nodeID int64, value string) bool {
	_, err := h.Send("setNodeValue", map[string]interface{}{"nodeId": nodeID, "value": value})
	if err != nil {
		h.Debugger().Logger().Warn("[DOM] node not found")
		return false
	}
	return true
}

// UploadFiles finds the first node matching selector (defaulting to
// input[type="file"]) under the document root and sets its file list
// (spec 4.6).
func (h *Handler) UploadFiles(paths []string, selector string) error {
	if selector == "" {
		selector = `input[type="file"]`
	}
	raw, err := h.Send("getDocument", nil)
	if err != nil {
		return err
	}
	var doc struct {
		Root struct {
			NodeID int64 `json:"nodeId"`
		} `json:"root"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return protocol.Wrap(err, "decode getDocument result")
	}

	raw, err = h.Send("querySelector", map[string]interface{}{
		"nodeId": doc.Root.NodeID, "selector": selector,
	})
	if err != nil {
		return err
	}
	var found struct {
		NodeID int64 `json:"nodeId"`
	}
	if err := json.Unmarshal(raw, &found); err != nil {
		return protocol.Wrap(err, "decode querySelector result")
	}

	_, err = h.Send("setFileInputFiles", map[string]interface{}{
		"files": paths, "nodeId": found.NodeID,
	})
	return err
}
