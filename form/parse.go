// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package form

// This file defines the parser for the text syntax of Forms, which is
// line-oriented:
//
//	form name(a0:L, a1:I) {       # parameters
//		t2:L = Owner.member(a0, a1, "s", 3, 4L, 1.5F, 2.5, null)
//		return t2                 # or: return void
//	}
//
// A '#' outside a string literal starts a comment.

import (
	"fmt"
	"strconv"
	"strings"

	"go.callform.net/basic"
)

// A Lookup maps a function name in Form text to a Function.
type Lookup func(name string) (*Function, bool)

// Parse parses the Forms in src. Function names are resolved first by
// lookup, which may be nil, and then among the intrinsics.
// A syntax or validation error is reported as an Error.
func Parse(filename string, src []byte, lookup Lookup) ([]*Form, error) {
	p := &parser{filename: filename, lookup: lookup, lines: strings.Split(string(src), "\n")}
	var forms []*Form
	for {
		toks, ok, err := p.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return forms, nil
		}
		f, err := p.parseForm(toks)
		if err != nil {
			return nil, err
		}
		forms = append(forms, f)
	}
}

// MustParse is like Parse but panics on error.
// It is intended for tests and for Forms built into programs.
func MustParse(src string, lookup Lookup) *Form {
	forms, err := Parse("<form>", []byte(src), lookup)
	if err != nil {
		panic(err)
	}
	if len(forms) != 1 {
		panic(fmt.Sprintf("MustParse: got %d forms, want 1", len(forms)))
	}
	return forms[0]
}

type tokenKind uint8

const (
	identToken tokenKind = iota
	numberToken
	stringToken
	punctToken
)

type token struct {
	kind tokenKind
	text string
}

type parser struct {
	filename string
	lookup   Lookup
	lines    []string
	line     int // 1-based number of the current line
}

func (p *parser) errorf(line int, format string, args ...interface{}) error {
	return Error{Filename: p.filename, Line: line, Msg: fmt.Sprintf(format, args...)}
}

// next returns the tokens of the next non-blank line.
func (p *parser) next() ([]token, bool, error) {
	for p.line < len(p.lines) {
		p.line++
		toks, err := tokenize(p.lines[p.line-1])
		if err != nil {
			return nil, false, p.errorf(p.line, "%v", err)
		}
		if len(toks) > 0 {
			return toks, true, nil
		}
	}
	return nil, false, nil
}

// A lineReader consumes the tokens of one line.
type lineReader struct {
	p    *parser
	line int
	toks []token
}

func (r *lineReader) errorf(format string, args ...interface{}) error {
	return r.p.errorf(r.line, format, args...)
}

func (r *lineReader) peek() (token, bool) {
	if len(r.toks) == 0 {
		return token{}, false
	}
	return r.toks[0], true
}

func (r *lineReader) take(kind tokenKind, what string) (string, error) {
	tok, ok := r.peek()
	if !ok {
		return "", r.errorf("got end of line, want %s", what)
	}
	if tok.kind != kind || kind == punctToken && tok.text != what {
		return "", r.errorf("got %s, want %s", tok.text, what)
	}
	r.toks = r.toks[1:]
	return tok.text, nil
}

func (r *lineReader) punct(s string) error {
	_, err := r.take(punctToken, s)
	return err
}

func (r *lineReader) ident() (string, error) { return r.take(identToken, "identifier") }

func (r *lineReader) end() error {
	if tok, ok := r.peek(); ok {
		return r.errorf("unexpected %s at end of line", tok.text)
	}
	return nil
}

func (r *lineReader) basicType() (basic.Type, error) {
	s, err := r.ident()
	if err != nil {
		return 0, err
	}
	if len(s) == 1 {
		if t, err := basic.FromChar(s[0]); err == nil && t.Char() == s[0] {
			return t, nil
		}
	}
	return 0, r.errorf("invalid basic type %s", s)
}

func (p *parser) parseForm(toks []token) (*Form, error) {
	r := &lineReader{p: p, line: p.line, toks: toks}
	if kw, err := r.ident(); err != nil || kw != "form" {
		return nil, r.errorf("got %s, want form", toks[0].text)
	}
	debugName, err := r.ident()
	if err != nil {
		return nil, err
	}
	if err := r.punct("("); err != nil {
		return nil, err
	}

	env := make(map[string]*Name)
	var names []*Name
	var lines []int
	declare := func(r *lineReader, id string, n *Name) error {
		if id == "null" || id == "void" || id == "return" {
			return r.errorf("%s is reserved", id)
		}
		if _, dup := env[id]; dup {
			return r.errorf("%s redeclared", id)
		}
		env[id] = n
		names = append(names, n)
		lines = append(lines, r.line)
		return nil
	}

	for {
		if tok, ok := r.peek(); ok && tok.kind == punctToken && tok.text == ")" {
			break
		}
		if len(names) > 0 {
			if err := r.punct(","); err != nil {
				return nil, err
			}
		}
		id, err := r.ident()
		if err != nil {
			return nil, err
		}
		if err := r.punct(":"); err != nil {
			return nil, err
		}
		t, err := r.basicType()
		if err != nil {
			return nil, err
		}
		if !t.IsArg() {
			return nil, r.errorf("parameter %s has type V", id)
		}
		if err := declare(r, id, Param(t)); err != nil {
			return nil, err
		}
	}
	arity := len(names)
	for _, punct := range []string{")", "{"} {
		if err := r.punct(punct); err != nil {
			return nil, err
		}
	}
	if err := r.end(); err != nil {
		return nil, err
	}
	later := p.declaredLater()

	result := VoidResult
	resultLine := r.line
	for {
		toks, ok, err := p.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, p.errorf(p.line, "unexpected end of file in form %s", debugName)
		}
		r := &lineReader{p: p, line: p.line, toks: toks}
		if toks[0].kind == identToken && toks[0].text == "return" {
			r.toks = r.toks[1:]
			id, err := r.ident()
			if err != nil {
				return nil, err
			}
			resultLine = r.line
			if id != "void" {
				n, ok := env[id]
				if !ok {
					return nil, r.errorf("undefined name %s", id)
				}
				result = indexOf(names, n)
			}
			if err := r.end(); err != nil {
				return nil, err
			}
			break
		}

		id, err := r.ident()
		if err != nil {
			return nil, err
		}
		if err := r.punct(":"); err != nil {
			return nil, err
		}
		t, err := r.basicType()
		if err != nil {
			return nil, err
		}
		if err := r.punct("="); err != nil {
			return nil, err
		}
		fname, err := r.ident()
		if err != nil {
			return nil, err
		}
		fn, ok := p.function(fname)
		if !ok {
			return nil, r.errorf("unknown function %s", fname)
		}
		args, err := p.parseArgs(r, env, later)
		if err != nil {
			return nil, err
		}
		if err := r.end(); err != nil {
			return nil, err
		}
		if err := checkArgs(fn, args); err != nil {
			return nil, r.errorf("%v", err)
		}
		if rt := fn.ReturnType(); rt != t {
			return nil, r.errorf("%s declared %v, but %s returns %v", id, t, fn, rt)
		}
		if err := declare(r, id, newName(fn, args)); err != nil {
			return nil, err
		}
	}

	toks, ok, err := p.next()
	if err != nil {
		return nil, err
	}
	if !ok || len(toks) != 1 || toks[0].text != "}" {
		return nil, p.errorf(p.line, "want } after return")
	}

	if err := Check(arity, names, result); err != nil {
		line := resultLine
		if cerr, ok := err.(*CheckError); ok && cerr.Index >= 0 && cerr.Index != result {
			line = lines[cerr.Index]
		}
		return nil, p.errorf(line, "%v", err)
	}
	return New(debugName, arity, names, result), nil
}

// declaredLater returns the identifiers declared by the remaining
// lines of the current form.
func (p *parser) declaredLater() map[string]bool {
	later := make(map[string]bool)
	for _, line := range p.lines[p.line:] {
		toks, err := tokenize(line)
		if err != nil || len(toks) == 0 {
			continue
		}
		if toks[0].text == "}" || toks[0].text == "form" {
			break
		}
		if len(toks) > 1 && toks[0].kind == identToken && toks[1].text == ":" {
			later[toks[0].text] = true
		}
	}
	return later
}

func (p *parser) function(name string) (*Function, bool) {
	if p.lookup != nil {
		if fn, ok := p.lookup(name); ok {
			return fn, true
		}
	}
	return LookupIntrinsic(name)
}

func (p *parser) parseArgs(r *lineReader, env map[string]*Name, later map[string]bool) ([]interface{}, error) {
	if err := r.punct("("); err != nil {
		return nil, err
	}
	var args []interface{}
	for {
		tok, ok := r.peek()
		if !ok {
			return nil, r.errorf("got end of line, want )")
		}
		if tok.kind == punctToken && tok.text == ")" {
			r.toks = r.toks[1:]
			return args, nil
		}
		if len(args) > 0 {
			if err := r.punct(","); err != nil {
				return nil, err
			}
			tok, ok = r.peek()
			if !ok {
				return nil, r.errorf("got end of line, want argument")
			}
		}
		r.toks = r.toks[1:]
		switch tok.kind {
		case identToken:
			if tok.text == "null" {
				args = append(args, nil)
				break
			}
			n, ok := env[tok.text]
			if !ok {
				if later[tok.text] {
					return nil, r.errorf("forward reference to %s", tok.text)
				}
				return nil, r.errorf("undefined name %s", tok.text)
			}
			args = append(args, n)
		case numberToken:
			x, err := parseNumber(tok.text)
			if err != nil {
				return nil, r.errorf("%v", err)
			}
			args = append(args, x)
		case stringToken:
			s, err := strconv.Unquote(tok.text)
			if err != nil {
				return nil, r.errorf("invalid string literal %s", tok.text)
			}
			args = append(args, s)
		default:
			return nil, r.errorf("got %s, want argument", tok.text)
		}
	}
}

// parseNumber parses a numeric literal: an int32, or an int64 with
// suffix L, or a float32 with suffix F, or a float64 with suffix D or
// with a decimal point or exponent and no suffix.
func parseNumber(s string) (interface{}, error) {
	body, suffix := s, byte(0)
	isHex := strings.HasPrefix(strings.TrimLeft(s, "+-"), "0x")
	if c := s[len(s)-1]; c == 'L' || !isHex && (c == 'F' || c == 'D') {
		body, suffix = s[:len(s)-1], c
	}
	if suffix == 0 && !isHex && strings.ContainsAny(body, ".eEIN") {
		suffix = 'D'
	}
	switch suffix {
	case 0:
		x, err := strconv.ParseInt(body, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid int literal %s", s)
		}
		return int32(x), nil
	case 'L':
		x, err := strconv.ParseInt(body, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid long literal %s", s)
		}
		return x, nil
	case 'F':
		x, err := strconv.ParseFloat(body, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid float literal %s", s)
		}
		return float32(x), nil
	}
	x, err := strconv.ParseFloat(body, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid double literal %s", s)
	}
	return x, nil
}

func indexOf(names []*Name, n *Name) int {
	for i, x := range names {
		if x == n {
			return i
		}
	}
	return -1
}

// tokenize splits a line into tokens, dropping any comment.
func tokenize(line string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '#':
			return toks, nil
		case c == '"':
			j := i + 1
			for ; j < len(line) && line[j] != '"'; j++ {
				if line[j] == '\\' {
					j++
				}
			}
			if j >= len(line) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{stringToken, line[i : j+1]})
			i = j + 1
		case isDigit(c) || (c == '-' || c == '+') && i+1 < len(line) && (isDigit(line[i+1]) || line[i+1] == 'I' || line[i+1] == 'N'):
			j := i + 1
			for j < len(line) && (isIdentByte(line[j]) || line[j] == '.' ||
				(line[j] == '+' || line[j] == '-') && (line[j-1] == 'e' || line[j-1] == 'E')) {
				j++
			}
			toks = append(toks, token{numberToken, line[i:j]})
			i = j
		case isIdentByte(c):
			j := i + 1
			for j < len(line) && (isIdentByte(line[j]) || line[j] == '.') {
				j++
			}
			text := line[i:j]
			kind := identToken
			if text == "NaN" || text == "NaNF" || text == "NaND" {
				kind = numberToken
			}
			toks = append(toks, token{kind, text})
			i = j
		case strings.IndexByte("(),:={}", c) >= 0:
			toks = append(toks, token{punctToken, line[i : i+1]})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	return toks, nil
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }

func isIdentByte(c byte) bool {
	return c == '_' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || isDigit(c)
}
