package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// errorChain lists the messages of err and everything it wraps, depth
// first. Joined errors contribute every member. A message equal to the one
// before it is listed once.
func errorChain(err error) []string {
	var out []string
	walkErrors(err, func(e error) bool {
		msg := e.Error()
		if n := len(out); n == 0 || out[n-1] != msg {
			out = append(out, msg)
		}
		return true
	})
	return out
}

// walkErrors visits err and its wrapped errors depth first until fn
// returns false.
func walkErrors(err error, fn func(error) bool) bool {
	if err == nil {
		return true
	}
	if !fn(err) {
		return false
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if !walkErrors(e, fn) {
				return false
			}
		}
	case interface{ Unwrap() error }:
		return walkErrors(u.Unwrap(), fn)
	}
	return true
}

// chainLinks describes up to max links of the chain with the source
// position each was created at, when known. The outermost link is always
// included. max <= 0 means no limit.
func chainLinks(err error, max int) []map[string]any {
	var links []map[string]any
	depth := 0
	walkErrors(err, func(e error) bool {
		if max > 0 && depth >= max {
			return false
		}
		link := map[string]any{"msg": e.Error()}
		fn, file, line, ok := errorOrigin(e)
		if ok {
			link["func"], link["file"], link["line"] = fn, file, line
		}
		if depth == 0 || ok {
			links = append(links, link)
		}
		depth++
		return true
	})
	return links
}

func errorOrigin(e error) (fn, file string, line int, ok bool) {
	switch x := e.(type) {
	case hasPC:
		return frameFromPC(x.PC())
	case hasStack:
		return firstExtFrame(x.StackPCs())
	}
	return "", "", 0, false
}

func frameFromPC(pc uintptr) (fn, file string, line int, ok bool) {
	if pc == 0 {
		return "", "", 0, false
	}
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return fr.Function, fr.File, fr.Line, true
}

// firstExtFrame returns the first frame that is not runtime, logging or
// error construction code.
func firstExtFrame(pcs []uintptr) (fn, file string, line int, ok bool) {
	if len(pcs) == 0 {
		return "", "", 0, false
	}
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if fr.Function != "" &&
			!strings.HasPrefix(fr.Function, "runtime.") &&
			!loggingFrame(fr.Function) &&
			!strings.Contains(fr.Function, "/internal/xerrors.") {
			return fr.Function, fr.File, fr.Line, true
		}
		if !more {
			return "", "", 0, false
		}
	}
}

// classifyTypes names the first error in the chain that is not a pure
// wrapper (surface) and the innermost error (root). For joined errors the
// root follows the first member.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	for e := err; e != nil; e = firstUnwrap(e) {
		if !wrapperType(reflect.TypeOf(e)) {
			surface = reflect.TypeOf(e).String()
			break
		}
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}

	last := err
	for e := firstUnwrap(err); e != nil; e = firstUnwrap(e) {
		last = e
	}
	return surface, fmt.Sprintf("%T", last)
}

func firstUnwrap(err error) error {
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		if errs := u.Unwrap(); len(errs) > 0 {
			return errs[0]
		}
		return nil
	}
	return errors.Unwrap(err)
}

// wrapperType is true for types that only add context to another error:
// fmt.Errorf results and our own xerrors types.
func wrapperType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch pkg := t.PkgPath(); {
	case pkg == "fmt":
		return t.Name() == "wrapError" || t.Name() == "wrapErrors"
	case strings.Contains(pkg, "/internal/xerrors"):
		return true
	}
	return false
}
