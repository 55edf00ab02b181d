package vm

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// NativeFunc implements a function in Go. Native functions receive the
// context they were called through so they can reach its output streams.
type NativeFunc func(ctx *Context, args []Value) (Value, error)

// Variadic marks a native function that accepts any number of arguments.
const Variadic = -1

type native struct {
	arity int
	fn    NativeFunc
}

type linked struct {
	unit *Unit
	fn   *Function
}

// Context is the runtime shared by every VM in a process. It holds the
// builtin and native functions and every unit linked so far, so units
// constructed later can call functions of units constructed earlier as
// crate::function.
type Context struct {
	mu      sync.RWMutex
	natives map[string]native
	linked  map[string]linked
	units   map[string]*Unit

	Stdout io.Writer
	Stderr io.Writer
}

// NewContext creates a context with the builtin functions installed.
func NewContext() *Context {
	c := &Context{
		natives: make(map[string]native),
		linked:  make(map[string]linked),
		units:   make(map[string]*Unit),
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
	c.installBuiltins()
	return c
}

// Register installs a native function under name. Names may be qualified
// (for example "http::get") so Go packages can expose script modules.
func (c *Context) Register(name string, arity int, fn NativeFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("vm: invalid native registration %q", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.natives[name]; exists {
		return fmt.Errorf("vm: native function %q already registered", name)
	}
	c.natives[name] = native{arity: arity, fn: fn}
	return nil
}

// Arity returns the parameter count of a linked script function or a
// native function, and whether name resolves at all. Compilers use it for
// link checks.
func (c *Context) Arity(name string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if l, ok := c.linked[name]; ok {
		return l.fn.Params, true
	}
	n, ok := c.natives[name]
	return n.arity, ok
}

// Natives returns the sorted names of all native functions.
func (c *Context) Natives() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.natives))
	for name := range c.natives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Link makes the functions of u callable as crate::function. Linking the
// same unit twice is a no-op; linking a different unit under a name that
// is already taken is an error.
func (c *Context) Link(u *Unit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := LinkName(u.Name)
	if prev, ok := c.units[key]; ok {
		if prev == u {
			return nil
		}
		return fmt.Errorf("vm: a unit named %q is already linked", u.Name)
	}
	c.units[key] = u
	for i := range u.Functions {
		fn := &u.Functions[i]
		c.linked[QualifiedName(u.Name, fn.Name)] = linked{unit: u, fn: fn}
	}
	return nil
}

func (c *Context) lookupLinked(name string) (linked, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.linked[name]
	return l, ok
}

func (c *Context) lookupNative(name string) (native, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.natives[name]
	return n, ok
}

// ---------------------------------------------------------------------------
// Builtins
// ---------------------------------------------------------------------------

func (c *Context) installBuiltins() {
	c.natives["print"] = native{arity: Variadic, fn: builtinPrint(false)}
	c.natives["println"] = native{arity: Variadic, fn: builtinPrint(true)}
	c.natives["len"] = native{arity: 1, fn: builtinLen}
	c.natives["str"] = native{arity: 1, fn: builtinStr}
}

func builtinPrint(newline bool) NativeFunc {
	return func(ctx *Context, args []Value) (Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = a.String()
		}
		out := strings.Join(parts, " ")
		if newline {
			out += "\n"
		}
		if _, err := io.WriteString(ctx.Stdout, out); err != nil {
			return UnitValue(), err
		}
		return UnitValue(), nil
	}
}

func builtinLen(_ *Context, args []Value) (Value, error) {
	if !args[0].IsString() {
		return UnitValue(), fmt.Errorf("len expects a string, got %s", args[0].Kind)
	}
	return IntValue(int64(utf8.RuneCountInString(args[0].Str))), nil
}

func builtinStr(_ *Context, args []Value) (Value, error) {
	return StringValue(args[0].String()), nil
}
