// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package invoke

import (
	"log"
	"os"
	"strconv"

	"go.callform.net/form"
	"go.callform.net/internal/compile"
)

// Tunables. Each is initialized from an environment variable, if set,
// when the package is initialized.
var (
	// CompileThreshold is the number of interpreted invocations of a
	// Form after which it is compiled (CALLFORM_COMPILE_THRESHOLD).
	// Zero compiles the Form of each handle when the handle is created;
	// a negative value disables compilation.
	CompileThreshold = 30

	// MaxBoundFields is the number of fields of bound-argument storage
	// beyond which binding another argument first wraps the handle
	// (CALLFORM_MAX_BOUND_FIELDS).
	MaxBoundFields = 12

	// MaxFormNames is the number of Names of a bound handle's Form
	// beyond which binding another argument first wraps the handle
	// (CALLFORM_MAX_FORM_NAMES).
	MaxFormNames = 24
)

func init() {
	CompileThreshold = envInt("CALLFORM_COMPILE_THRESHOLD", CompileThreshold)
	MaxBoundFields = envInt("CALLFORM_MAX_BOUND_FIELDS", MaxBoundFields)
	MaxFormNames = envInt("CALLFORM_MAX_FORM_NAMES", MaxFormNames)

	form.TraceInterpreter = envBool("CALLFORM_TRACE_INTERPRETER", form.TraceInterpreter)
	compile.Disassemble = envBool("CALLFORM_DISASSEMBLE", compile.Disassemble)
	compile.DumpUnits = envBool("CALLFORM_DUMP_UNITS", compile.DumpUnits)
	compile.DumpDir = envString("CALLFORM_DUMP_DIR", compile.DumpDir)
	compile.DumpFormat = envString("CALLFORM_DUMP_FORMAT", compile.DumpFormat)
}

func envString(name, def string) string {
	if s, ok := os.LookupEnv(name); ok && s != "" {
		return s
	}
	return def
}

func envInt(name string, def int) int {
	s, ok := os.LookupEnv(name)
	if !ok || s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Printf("invoke: ignoring %s=%q: %v", name, s, err)
		return def
	}
	return n
}

func envBool(name string, def bool) bool {
	s, ok := os.LookupEnv(name)
	if !ok || s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		log.Printf("invoke: ignoring %s=%q: %v", name, s, err)
		return def
	}
	return b
}
