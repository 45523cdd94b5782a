// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package basic

import (
	"fmt"
	"strings"
)

// A Signature is an erased call shape: a sequence of parameter basic
// types and a result basic type. Two calls with equal Signatures share
// all generated artifacts.
//
// The text form of a Signature is the parameter characters, an
// underscore, and the result character, for example "LL_L".
type Signature struct {
	Params []Type
	Result Type
}

// MakeSignature returns the signature with the given parameter and
// result types.
func MakeSignature(result Type, params ...Type) Signature {
	return Signature{Params: append([]Type(nil), params...), Result: result}
}

// ParseSignature parses the text form of a signature.
func ParseSignature(s string) (Signature, error) {
	under := strings.IndexByte(s, '_')
	if under < 0 || under != len(s)-2 {
		return Signature{}, fmt.Errorf("invalid signature %q: want params_result", s)
	}
	params, err := Types(s[:under])
	if err != nil {
		return Signature{}, fmt.Errorf("invalid signature %q: %v", s, err)
	}
	for _, p := range params {
		if p == V {
			return Signature{}, fmt.Errorf("invalid signature %q: void parameter", s)
		}
	}
	result, err := FromChar(s[len(s)-1])
	if err != nil {
		return Signature{}, fmt.Errorf("invalid signature %q: %v", s, err)
	}
	return Signature{Params: params, Result: result}, nil
}

// MustParseSignature is like ParseSignature but panics on error.
func MustParseSignature(s string) Signature {
	sig, err := ParseSignature(s)
	if err != nil {
		panic(err)
	}
	return sig
}

func (sig Signature) String() string {
	buf := make([]byte, 0, len(sig.Params)+2)
	for _, p := range sig.Params {
		buf = append(buf, p.Char())
	}
	buf = append(buf, '_', sig.Result.Char())
	return string(buf)
}

// Arity returns the number of parameters.
func (sig Signature) Arity() int { return len(sig.Params) }

// Slots returns the number of local slots occupied by the parameters.
func (sig Signature) Slots() int {
	n := 0
	for _, p := range sig.Params {
		n += p.Slots()
	}
	return n
}

// Equal reports whether two signatures have the same erased shape.
func (sig Signature) Equal(other Signature) bool {
	if sig.Result != other.Result || len(sig.Params) != len(other.Params) {
		return false
	}
	for i := range sig.Params {
		if sig.Params[i] != other.Params[i] {
			return false
		}
	}
	return true
}

// Valid reports whether every parameter is an argument type
// and the result is a basic type.
func (sig Signature) Valid() bool {
	for _, p := range sig.Params {
		if !p.IsArg() {
			return false
		}
	}
	return sig.Result.Valid()
}
