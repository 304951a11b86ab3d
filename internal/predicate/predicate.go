// Package predicate is a small algebra of boolean conditions over
// envelopes. Predicates are plain values forming an expression tree;
// Eval is the single interpreter. New conditions are added as leaves
// (see Func) without touching the bus.
//
//	p := predicate.All(
//	    predicate.DomainIs("light"),
//	    predicate.ChangedTo("on"),
//	    predicate.Not(predicate.EntityIs("light.porch")),
//	)
//
// The zero Predicate always matches.
package predicate

import (
	"strings"

	"github.com/nerrad567/gray-logic-runtime/internal/event"
)

type op uint8

const (
	opAlways op = iota
	opLeaf
	opAll
	opAny
	opNot
)

// Predicate is a node in a predicate expression tree.
type Predicate struct {
	op       op
	name     string
	test     func(event.Envelope) bool
	children []Predicate
}

// Leaf wraps a primitive test. name is used when rendering the tree.
func Leaf(name string, test func(event.Envelope) bool) Predicate {
	if test == nil {
		return Predicate{}
	}
	return Predicate{op: opLeaf, name: name, test: test}
}

// All matches when every child matches. All() matches everything.
func All(ps ...Predicate) Predicate {
	return Predicate{op: opAll, children: ps}
}

// Any matches when at least one child matches. Any() matches nothing.
func Any(ps ...Predicate) Predicate {
	return Predicate{op: opAny, children: ps}
}

// Not negates p.
func Not(p Predicate) Predicate {
	return Predicate{op: opNot, children: []Predicate{p}}
}

// Eval reports whether p matches env.
func Eval(p Predicate, env event.Envelope) bool {
	switch p.op {
	case opAlways:
		return true
	case opLeaf:
		return p.test(env)
	case opAll:
		for _, c := range p.children {
			if !Eval(c, env) {
				return false
			}
		}
		return true
	case opAny:
		for _, c := range p.children {
			if Eval(c, env) {
				return true
			}
		}
		return false
	case opNot:
		return !Eval(p.children[0], env)
	default:
		return false
	}
}

// Match is shorthand for Eval(p, env).
func (p Predicate) Match(env event.Envelope) bool { return Eval(p, env) }

// IsZero reports whether p is the always-true zero value.
func (p Predicate) IsZero() bool { return p.op == opAlways }

// String renders the tree, e.g. "all(domain_is(light),changed_to(on))".
func (p Predicate) String() string {
	var b strings.Builder
	p.render(&b)
	return b.String()
}

func (p Predicate) render(b *strings.Builder) {
	switch p.op {
	case opAlways:
		b.WriteString("always")
		return
	case opLeaf:
		b.WriteString(p.name)
		return
	case opAll:
		b.WriteString("all(")
	case opAny:
		b.WriteString("any(")
	case opNot:
		b.WriteString("not(")
	}
	for i, c := range p.children {
		if i > 0 {
			b.WriteByte(',')
		}
		c.render(b)
	}
	b.WriteByte(')')
}
