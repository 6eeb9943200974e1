package dom

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// XPathMatcher counts how many nodes in the live document match a
// candidate XPath expression. It is an injected external collaborator
// (spec section 1: "XPath computation over the mirrored DOM" is out of
// scope); chromemaster only builds candidate strings and climbs the tree,
// it never evaluates XPath itself.
type XPathMatcher interface {
	MatchCount(xpath string) (int, error)
}

// setXPathCache marks nodeID's cached XPath as valid. Unconditional,
// regardless of the invalidationExempt check — that check gates
// invalidation on attribute change, not the write itself.
func (h *Handler) setXPathCache(nodeID int64, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n, ok := h.nodes[nodeID]; ok {
		n.xpath = value
		n.xpathValid = true
	}
}

// XPath computes (or returns the cached) XPath for nodeID by climbing
// toward body, widening the candidate at each step, and asking matcher to
// verify uniqueness (spec section 4.6). The document/html/body sentinel
// nodes return "" without error; a climb that runs out of matches before
// finding a unique one returns an error. This asymmetry is preserved
// verbatim from the source implementation (spec section 9, open
// questions).
func (h *Handler) XPath(nodeID int64) (string, error) {
	h.mu.RLock()
	n, ok := h.nodes[nodeID]
	var cachedVal string
	var cached bool
	if ok {
		cachedVal, cached = n.xpath, n.xpathValid
	}
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("node %d not found", nodeID)
	}
	if cached {
		return cachedVal, nil
	}
	if h.matcher == nil {
		return "", errors.New("no xpath matcher configured")
	}

	if n.NodeType == DocumentNode || n.NodeName == "html" || n.NodeName == "body" {
		h.setXPathCache(nodeID, "")
		return "", nil
	}

	var segments []string
	cur := n
	for cur.NodeName != "body" {
		segments = append([]string{buildXPathSegment(cur)}, segments...)
		candidate := "/" + strings.Join(segments, "")

		count, err := h.matcher.MatchCount(candidate)
		if err != nil {
			return "", errors.Wrapf(err, "match xpath candidate %s", candidate)
		}
		if count == 1 {
			h.setXPathCache(nodeID, candidate)
			return candidate, nil
		}
		if count == 0 {
			return "", fmt.Errorf("xpath %s matched no nodes", candidate)
		}

		h.mu.RLock()
		parent, ok := h.nodes[cur.ParentID]
		h.mu.RUnlock()
		if !ok {
			break
		}
		cur = parent
	}

	h.setXPathCache(nodeID, "")
	return "", nil
}

// buildXPathSegment renders one node as "/tagName[@a="v" and @b="w"]",
// skipping the style attribute and any attribute with an empty value
// (spec grounding: dom_handler.py's Node._get_xpath).
func buildXPathSegment(n *Node) string {
	seg := "/" + n.NodeName

	names := make([]string, 0, len(n.Attributes))
	for name := range n.Attributes {
		if name == "style" {
			continue
		}
		if n.Attributes[name] == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		return seg
	}
	conds := make([]string, 0, len(names))
	for _, name := range names {
		conds = append(conds, fmt.Sprintf(`@%s="%s"`, name, n.Attributes[name]))
	}
	return seg + "[" + strings.Join(conds, " and ") + "]"
}
