package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chazu/polycall/codec"
	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/engine"
)

const (
	red   = "\x1b[31m"
	bold  = "\x1b[1m"
	reset = "\x1b[0m"
)

type printer struct {
	w      io.Writer
	color  bool
	format string
}

func (p *printer) paint(style, s string) string {
	if !p.color {
		return s
	}
	return style + s + reset
}

func (p *printer) errorf(format string, args ...any) {
	fmt.Fprintf(p.w, "%s %s\n", p.paint(red, "error:"), fmt.Sprintf(format, args...))
}

// loadError prints a loader failure with its diagnostics kept verbatim.
func (p *printer) loadError(unit string, err error) {
	p.errorf("loading %s: %v", unit, err)
	var le *core.LoaderError
	if errors.As(err, &le) && le.Diagnostics != "" {
		for line := range strings.SplitSeq(strings.TrimRight(le.Diagnostics, "\n"), "\n") {
			fmt.Fprintf(p.w, "    %s\n", line)
		}
	}
}

// callError prints a failed call. Foreign exceptions show their label and
// stack trace.
func (p *printer) callError(err error) {
	defer func() {
		var th *codec.Throwable
		if errors.As(err, &th) {
			th.Release()
		}
	}()
	ex, ok := exceptionOf(err)
	if !ok {
		p.errorf("%v", err)
		return
	}
	label := ex.Label
	if label == "" {
		label = "Exception"
	}
	if ex.Code != 0 {
		label = fmt.Sprintf("%s(%d)", label, ex.Code)
	}
	p.errorf("%s: %s", p.paint(bold, label), ex.Message)
	if ex.Stacktrace != "" {
		fmt.Fprintln(p.w, ex.Stacktrace)
	}
}

// inspectDoc is the printable form of an engine inspection.
type inspectDoc struct {
	Backends []string    `yaml:"backends"`
	Modules  []moduleDoc `yaml:"modules"`
	Handles  handlesDoc  `yaml:"handles"`
}

type moduleDoc struct {
	ID        uint64        `yaml:"id"`
	Tag       string        `yaml:"tag,omitempty"`
	Name      string        `yaml:"name,omitempty"`
	Functions []functionDoc `yaml:"functions,omitempty"`
	Classes   []string      `yaml:"classes,omitempty"`
}

type functionDoc struct {
	Name      string `yaml:"name"`
	Signature string `yaml:"signature"`
	Async     bool   `yaml:"async,omitempty"`
}

type handlesDoc struct {
	Created   uint64 `yaml:"created"`
	Destroyed uint64 `yaml:"destroyed"`
	Live      int    `yaml:"live"`
}

func describe(insp engine.Inspection) inspectDoc {
	doc := inspectDoc{
		Backends: insp.Backends,
		Handles:  handlesDoc{insp.Stats.Created, insp.Stats.Destroyed, insp.Stats.Live},
	}
	for _, m := range insp.Modules {
		md := moduleDoc{ID: uint64(m.ID), Tag: m.Tag, Name: m.Name, Classes: m.Classes}
		for _, fn := range m.Functions {
			md.Functions = append(md.Functions, functionDoc{Name: fn.Name, Signature: signature(fn), Async: fn.Async})
		}
		doc.Modules = append(doc.Modules, md)
	}
	return doc
}

// signature renders name(a: Long, b, ...) -> Double.
func signature(fn core.FunctionInfo) string {
	params := make([]string, 0, len(fn.Params)+1)
	for _, p := range fn.Params {
		if p.Type == core.TypeInvalid {
			params = append(params, p.Name)
		} else {
			params = append(params, p.Name+": "+p.Type.String())
		}
	}
	if fn.Variadic {
		params = append(params, "...")
	}
	s := fn.Name + "(" + strings.Join(params, ", ") + ")"
	if fn.Return != core.TypeInvalid {
		s += " -> " + fn.Return.String()
	}
	return s
}

func (p *printer) inspection(insp engine.Inspection) error {
	doc := describe(insp)
	if p.format == "yaml" {
		return p.yaml(doc)
	}
	fmt.Fprintf(p.w, "%s %s\n", p.paint(bold, "backends:"), strings.Join(doc.Backends, ", "))
	for _, m := range doc.Modules {
		title := fmt.Sprintf("module %d", m.ID)
		if m.Tag != "" {
			title += fmt.Sprintf(" [%s] %s", m.Tag, m.Name)
		}
		fmt.Fprintln(p.w, p.paint(bold, title))
		for _, fn := range m.Functions {
			prefix := "  "
			if fn.Async {
				prefix = "  async "
			}
			fmt.Fprintf(p.w, "%s%s\n", prefix, fn.Signature)
		}
		for _, c := range m.Classes {
			fmt.Fprintf(p.w, "  class %s\n", c)
		}
	}
	return nil
}

func (p *printer) value(v any) error {
	v = plain(v)
	if p.format == "yaml" {
		return p.yaml(v)
	}
	_, err := fmt.Fprintf(p.w, "%v\n", v)
	return err
}

func (p *printer) yaml(v any) error {
	enc := yaml.NewEncoder(p.w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// plain replaces wrappers by a description and releases them, leaving only
// values YAML can print.
func plain(v any) any {
	switch x := v.(type) {
	case []any:
		for i := range x {
			x[i] = plain(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = plain(x[k])
		}
		return x
	case *codec.Exception:
		defer x.Release()
		return map[string]any{"exception": x.Info()}
	case *codec.Function:
		defer x.Release()
		return "<function " + signature(x.Info()) + ">"
	case *codec.Class:
		defer x.Release()
		return "<class " + x.Name() + ">"
	case codec.Wrapper:
		defer x.Release()
		return fmt.Sprintf("<%T>", x)
	}
	return v
}
