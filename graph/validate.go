package graph

import (
	"errors"
	"fmt"
	"strings"
)

// ErrGraphInvalid is matched by every *InvalidError.
var ErrGraphInvalid = errors.New("graph invalid")

// InvalidError lists every violation found in a definition.
type InvalidError struct {
	Violations []string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("%s: %s", ErrGraphInvalid, strings.Join(e.Violations, "; "))
}

// Is allows errors.Is(err, ErrGraphInvalid).
func (e *InvalidError) Is(target error) bool {
	return target == ErrGraphInvalid
}

type violations []string

func (v *violations) add(format string, args ...interface{}) {
	*v = append(*v, fmt.Sprintf(format, args...))
}

func validateNode(n *Node, v *violations) {
	switch n.Kind {
	case KindTrigger:
		if n.Trigger == nil || n.Trigger.Event == "" {
			v.add("node %s: trigger event missing", n.ID)
		}
	case KindSendEmail:
		if n.Template == "" {
			v.add("node %s: template missing", n.ID)
		}
	case KindDelay:
		if n.Delay == nil {
			v.add("node %s: delay missing", n.ID)
			break
		}
		if n.Delay.Value < 1 {
			v.add("node %s: delay value must be positive", n.ID)
		}
		if n.Delay.Unit.Duration() == 0 {
			v.add("node %s: invalid delay unit %q", n.ID, n.Delay.Unit)
		}
	case KindCondition:
		if err := n.Predicate.Validate(); err != nil {
			v.add("node %s: predicate: %v", n.ID, err)
		}
	case KindAddTag, KindRemoveTag:
		if n.Tag == "" {
			v.add("node %s: tag missing", n.ID)
		}
	default:
		v.add("node %s: unknown kind %q", n.ID, n.Kind)
	}
}

// Validate checks d against the structural rules of a workflow graph.
// All violations are collected and returned in a single *InvalidError
// so that every problem can be surfaced at once.
func Validate(d *Definition) error {
	if d == nil {
		return &InvalidError{Violations: []string{"nil definition"}}
	}
	var v violations
	if d.ID == "" {
		v.add("definition id missing")
	}
	if len(d.Nodes) < 1 {
		v.add("no nodes")
	}

	nodes := make(map[string]*Node)
	triggers := 0
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.ID == "" {
			v.add("node at index %d: id missing", i)
			continue
		}
		if _, ok := nodes[n.ID]; ok {
			v.add("node %s: duplicate id", n.ID)
			continue
		}
		nodes[n.ID] = n
		if n.Kind == KindTrigger {
			triggers++
		}
		validateNode(n, &v)
	}
	if len(d.Nodes) > 0 && triggers != 1 {
		v.add("expected exactly one trigger node, found %d", triggers)
	}

	out := make(map[string][]Edge)
	for i, e := range d.Edges {
		from, fromOK := nodes[e.From]
		if !fromOK {
			v.add("edge %d: unknown source node %q", i, e.From)
		}
		to, toOK := nodes[e.To]
		if !toOK {
			v.add("edge %d: unknown target node %q", i, e.To)
		}
		if e.From == e.To && e.From != "" {
			v.add("edge %d: self loop on node %s", i, e.From)
		}
		if toOK && to.Kind == KindTrigger {
			v.add("edge %d: trigger node %s has an incoming edge", i, e.To)
		}
		if !fromOK {
			continue
		}
		out[e.From] = append(out[e.From], e)
		if from.Kind != KindCondition && e.Label != LabelNone {
			v.add("edge %d: label %q on edge leaving %s node %s", i, e.Label, from.Kind, e.From)
		}
	}

	for i := range d.Nodes {
		n := &d.Nodes[i]
		edges := out[n.ID]
		if n.Kind != KindCondition {
			if len(edges) > 1 {
				v.add("node %s: %d outgoing edges, at most 1 allowed", n.ID, len(edges))
			}
			continue
		}
		switch len(edges) {
		case 0:
			// both branches terminate the workflow
		case 2:
			labels := map[Label]int{}
			for _, e := range edges {
				labels[e.Label]++
			}
			if labels[LabelYes] != 1 || labels[LabelNo] != 1 {
				v.add("node %s: condition edges must be labeled exactly once each with %q and %q", n.ID, LabelYes, LabelNo)
			}
		default:
			v.add("node %s: condition has %d outgoing edges, must have 0 or 2", n.ID, len(edges))
		}
	}

	if len(v) > 0 {
		return &InvalidError{Violations: v}
	}
	return nil
}
