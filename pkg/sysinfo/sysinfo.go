// Package sysinfo holds the system-information operations a worker can run on behalf of a
// remote client. Operation names follow the systeminformation vocabulary the remote
// monitoring clients already speak (cpuCurrentSpeed, mem, fsSize, ...).
package sysinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrBadArguments     = errors.New("bad arguments")
)

// Operation runs one query with positional JSON arguments
type Operation func(ctx context.Context, args []json.RawMessage) (any, error)

var operations = map[string]Operation{
	"time":               timeInfo,
	"system":             system,
	"osInfo":             osInfo,
	"versions":           versions,
	"shell":              shell,
	"users":              users,
	"cpu":                cpuInfo,
	"cpuCurrentSpeed":    cpuCurrentSpeed,
	"currentLoad":        currentLoad,
	"fullLoad":           fullLoad,
	"mem":                memInfo,
	"fsSize":             fsSize,
	"blockDevices":       blockDevices,
	"networkInterfaces":  networkInterfaces,
	"networkStats":       networkStats,
	"networkConnections": networkConnections,
	"processes":          processes,
	"observe":            observe,
}

// Names lists every operation name, sorted
func Names() []string {
	names := make([]string, 0, len(operations))
	for name := range operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Has(name string) bool {
	_, ok := operations[name]
	return ok
}

// Run executes the named operation
func Run(ctx context.Context, name string, args []json.RawMessage) (any, error) {
	op, ok := operations[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	return op(ctx, args)
}

func optionalString(args []json.RawMessage, i int) (string, error) {
	if len(args) <= i || string(args[i]) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return "", fmt.Errorf("%w: argument %d must be a string", ErrBadArguments, i)
	}
	return s, nil
}

func noArgs(args []json.RawMessage) error {
	if len(args) > 0 {
		return fmt.Errorf("%w: takes no arguments, got %d", ErrBadArguments, len(args))
	}
	return nil
}
