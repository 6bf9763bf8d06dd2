// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a mapping from mnemonic names to numeric command
// indices for use with a cpcall.Conn.  On the wire, a command is named by the
// decimal string of its index, so two connections that share a catalog agree
// on commands without exchanging the mnemonic names.  A Catalog can itself be
// encoded as a value and sent from one connection to another.
//
// # Usage
//
// Construct a new empty catalog and add commands to it:
//
//	cat := catalog.New().Add("foo", "bar", "baz")
//
// Add assigns indices to the specified names. To recover the assigned index
// use the Lookup method, or Command for the name used on the wire:
//
//	id := cat.Lookup("foo")   // 1
//	cmd := cat.Command("foo") // "1"
//
// If you want to choose the index, use Set:
//
//	cat.Set("quux", 125)
//
// Indices are assigned systematically, so that repeating the same sequence of
// Add and Set calls will always result in the same indices.
//
// To associate a catalog with a specific connection, use Bind. This creates a
// copy of the catalog sharing the same commands but a (possibly) different
// connection:
//
//	cat2 := cat.Bind(conn)
//
// On a connection that implements these commands, use Handle:
//
//	cat.Bind(conn1).
//	  Handle("foo", handleFoo).
//	  Handle("bar", handleBar)
//
// Note that Handle will panic if given a name not registered with the catalog.
//
// On a connection that wants to call these commands, use Call:
//
//	v, err := cat.Bind(conn2).Call("foo", arg).Wait(ctx)
//
// A Catalog provides a Handler method that serves the catalog itself:
//
//	cat.Set("catalog", 1)
//	cat.Bind(conn1).Handle("catalog", cat.Handler)
//
//	v, err := cat.Bind(conn2).Call("catalog").Wait(ctx)
//	var got catalog.Catalog
//	err = got.Decode(v)
package catalog

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/creachadair/cpcall"
)

// A Catalog associates a connection with a static mapping from command names
// to indices for use with that connection.
type Catalog struct {
	conn     *cpcall.Conn
	commands map[string]uint32
}

// New creates a new empty, unbound catalog to map names to command indices.
// It is safe to copy the resulting value, all copies share a reference to the
// same name to index mapping.
func New() Catalog { return Catalog{commands: make(map[string]uint32)} }

// Add adds the specified names to c with fresh positive indices, and returns c
// to allow chaining.
func (c Catalog) Add(names ...string) Catalog {
	for _, name := range names {
		c.Set(name, c.pickUnusedID())
	}
	return c
}

// Set maps name to index id in c, and return c to allow chaining.  If name
// was already mapped in c, the existing mapping is replaced.
//
// The name mapping of a catalog is shared among all copies of it.  It is not
// safe to call Set while c is used concurrently by other goroutines without
// external synchronization.
func (c Catalog) Set(name string, id uint32) Catalog {
	c.commands[name] = id
	return c
}

func (c Catalog) pickUnusedID() uint32 {
	var max uint32
	for _, id := range c.commands {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// Bind returns a copy of c bound to the specified connection.
func (c Catalog) Bind(conn *cpcall.Conn) Catalog { return Catalog{conn: conn, commands: c.commands} }

// Conn returns the connection associated with c, or nil if c is unbound.
func (c Catalog) Conn() *cpcall.Conn { return c.conn }

// Lookup returns the index assigned to name, or 0.
//
// Note that the caller may Set a command with index 0, but assigned indices
// will always be positive, so a return value of 0 means name was not assigned
// an index even if it is a valid mapping for the catalog.
func (c Catalog) Lookup(name string) uint32 { return c.commands[name] }

// Command returns the wire command name for the index assigned to name.
// If name is not known in the catalog, Command returns "0".
func (c Catalog) Command(name string) string {
	return strconv.FormatUint(uint64(c.commands[name]), 10)
}

// Call calls the command bound to name on the remote connection.
// If name is not known in the catalog, Call uses index 0.
// Call will panic if c is not bound to a connection.
func (c Catalog) Call(name string, args ...any) *cpcall.Result {
	return c.conn.Call(c.Command(name), args...)
}

// Exec runs the command bound to name on the local connection.
// If name is not known in the catalog, Exec uses index 0.
// Exec will panic if c is not bound to a connection.
func (c Catalog) Exec(ctx context.Context, name string, args ...any) (any, error) {
	return c.conn.Exec(ctx, c.Command(name), args...)
}

// Handle binds the specified command to the connection associated with c,
// and returns c to permit chaining.
// Handle will panic if c is not bound to a connection, or if name is not a
// command name known by the catalog.
func (c Catalog) Handle(name string, handler cpcall.Handler) Catalog {
	if _, ok := c.commands[name]; !ok {
		panic(fmt.Sprintf("command %q not known", name))
	}
	c.conn.Handle(c.Command(name), handler)
	return c
}

// Encode encodes c as a value that can be sent as an argument or result.
// The value maps each command name to its index, as a float64.
func (c Catalog) Encode() map[string]any {
	if len(c.commands) == 0 {
		return nil
	}
	out := make(map[string]any, len(c.commands))
	for name, id := range c.commands {
		out[name] = float64(id)
	}
	return out
}

// Decode decodes v as a Catalog value, as produced by Encode.  A nil value
// decodes as an empty catalog.
func (c *Catalog) Decode(v any) error {
	if c.commands == nil {
		c.commands = make(map[string]uint32)
	} else {
		clear(c.commands)
	}
	if v == nil {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("catalog has type %T, want map", v)
	}
	for name, raw := range m {
		var id uint64
		switch t := raw.(type) {
		case float64:
			if t < 0 || t > math.MaxUint32 || t != math.Trunc(t) {
				return fmt.Errorf("invalid index %v for %q", t, name)
			}
			id = uint64(t)
		case uint32:
			id = uint64(t)
		case int:
			if t < 0 || t > math.MaxUint32 {
				return fmt.Errorf("invalid index %v for %q", t, name)
			}
			id = uint64(t)
		default:
			return fmt.Errorf("index for %q has type %T", name, raw)
		}
		c.commands[name] = uint32(id)
	}
	return nil
}

// Handler is a cpcall.Handler that reports the contents of the catalog.
func (c Catalog) Handler(context.Context, []any) (any, error) {
	return c.Encode(), nil
}
