// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgrt

import (
	"fmt"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/samber/oops"
)

// maxConditionDepth bounds nesting in when expressions.
const maxConditionDepth = 16

var conditionLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Ident", Pattern: `[a-zA-Z0-9_][a-zA-Z0-9_.\-]*`},
	{Name: "Op", Pattern: `\|\||&&|[|&!()]`},
	{Name: "whitespace", Pattern: `\s+`},
})

// Condition is a parsed when expression over package names.
//
// Grammar: or := and ( "|" and )* ; and := unary ( "&" unary )* ;
// unary := "!" unary | ident | "(" or ")"
type Condition struct {
	Pos  lexer.Position `parser:""`
	Alts []*Conjunction `parser:"@@ ( ('|' | '||') @@ )*"`
}

// Conjunction holds terms joined by "&".
type Conjunction struct {
	Pos   lexer.Position `parser:""`
	Terms []*Term        `parser:"@@ ( ('&' | '&&') @@ )*"`
}

// Term is a negation, a package name or a parenthesized expression.
type Term struct {
	Pos     lexer.Position `parser:""`
	Not     *Term          `parser:"  '!' @@"`
	Package string         `parser:"| @Ident"`
	Group   *Condition     `parser:"| '(' @@ ')'"`
}

var conditionParser = participle.MustBuild[Condition](
	participle.Lexer(conditionLexer),
)

// ParseCondition parses a when expression such as "a & !(b | c)".
func ParseCondition(text string) (*Condition, error) {
	c, err := conditionParser.ParseString("", text)
	if err != nil {
		return nil, oops.In("pkgrt").Code(CodeInvalidCondition).With("when", text).Wrapf(err, "parsing condition")
	}
	if err := c.checkDepth(0); err != nil {
		return nil, oops.In("pkgrt").Code(CodeInvalidCondition).With("when", text).Wrap(err)
	}
	return c, nil
}

func (c *Condition) checkDepth(depth int) error {
	if depth > maxConditionDepth {
		return fmt.Errorf("nesting depth exceeds maximum of %d", maxConditionDepth)
	}
	for _, alt := range c.Alts {
		for _, t := range alt.Terms {
			if err := t.checkDepth(depth + 1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Term) checkDepth(depth int) error {
	switch {
	case t.Not != nil:
		if depth > maxConditionDepth {
			return fmt.Errorf("nesting depth exceeds maximum of %d", maxConditionDepth)
		}
		return t.Not.checkDepth(depth + 1)
	case t.Group != nil:
		return t.Group.checkDepth(depth + 1)
	default:
		return nil
	}
}

// Eval reports whether the condition holds when exactly the packages in
// enabled are loaded.
func (c *Condition) Eval(enabled map[string]bool) bool {
	for _, alt := range c.Alts {
		if alt.eval(enabled) {
			return true
		}
	}
	return false
}

func (c *Conjunction) eval(enabled map[string]bool) bool {
	for _, t := range c.Terms {
		if !t.eval(enabled) {
			return false
		}
	}
	return true
}

func (t *Term) eval(enabled map[string]bool) bool {
	switch {
	case t.Not != nil:
		return !t.Not.eval(enabled)
	case t.Group != nil:
		return t.Group.Eval(enabled)
	default:
		return enabled[t.Package]
	}
}

// Packages returns every package name the condition mentions.
func (c *Condition) Packages() []string {
	var out []string
	var walk func(*Condition)
	var term func(*Term)
	term = func(t *Term) {
		switch {
		case t.Not != nil:
			term(t.Not)
		case t.Group != nil:
			walk(t.Group)
		default:
			out = append(out, t.Package)
		}
	}
	walk = func(c *Condition) {
		for _, alt := range c.Alts {
			for _, t := range alt.Terms {
				term(t)
			}
		}
	}
	walk(c)
	return out
}

func (c *Condition) String() string {
	parts := make([]string, len(c.Alts))
	for i, alt := range c.Alts {
		terms := make([]string, len(alt.Terms))
		for j, t := range alt.Terms {
			terms[j] = t.String()
		}
		parts[i] = strings.Join(terms, " & ")
	}
	return strings.Join(parts, " | ")
}

func (t *Term) String() string {
	switch {
	case t.Not != nil:
		return "!" + t.Not.String()
	case t.Group != nil:
		return "(" + t.Group.String() + ")"
	default:
		return t.Package
	}
}
