package protocol

import (
	"github.com/trackle-iot/trackle-go/pkg/coap"
)

// Key and argument bounds for registered entities. Keys
// longer than the bound are truncated and the operation proceeds; arguments
// longer than the bound are rejected with a coded 4.0 response.
const (
	MaxFunctionKeyLen    = 64
	MaxVariableKeyLen    = 64
	MaxFunctionArgLength = 1024
)

// Permission restricts who may invoke a registered function. Enforcement
// happens broker-side (only the broker knows the caller's account). The
// device stores the permission with the function; the describe payload
// lists function keys only and does not carry it.
type Permission uint8

const (
	PermissionAllUsers Permission = iota
	PermissionOwnerOnly
)

// FunctionHandler executes a remotely called function. The int32 return
// value travels back to the caller in the 2.04 response; a non-nil error
// produces a coded 5.0 response instead.
type FunctionHandler func(args []byte, userData any) (int32, error)

// VariableAccessor produces the current value of a registered variable.
// The value's Go type must match the registered coap.VariableKind.
type VariableAccessor func(args []byte, userData any) (any, error)

// PropertyHandler applies one Property-update key/arg pair to device state.
type PropertyHandler func(key string, arg []byte, userData any) error

type registeredFunction struct {
	key        string
	fn         FunctionHandler
	permission Permission
	userData   any
}

type registeredVariable struct {
	key      string
	kind     coap.VariableKind
	accessor VariableAccessor
	userData any
}

// entityTable holds the registered functions and variables, preserving
// registration order so describe payloads are deterministic.
type entityTable struct {
	functions map[string]*registeredFunction
	variables map[string]*registeredVariable
	funcOrder []string
	varOrder  []string
}

func newEntityTable() *entityTable {
	return &entityTable{
		functions: make(map[string]*registeredFunction),
		variables: make(map[string]*registeredVariable),
	}
}

// truncateKey applies the "too-long keys are truncated and the call
// proceeds" rule uniformly at registration and lookup.
func truncateKey(key string, max int) string {
	if len(key) > max {
		return key[:max]
	}
	return key
}

func (t *entityTable) registerFunction(key string, fn FunctionHandler, permission Permission, userData any) {
	key = truncateKey(key, MaxFunctionKeyLen)
	if _, exists := t.functions[key]; !exists {
		t.funcOrder = append(t.funcOrder, key)
	}
	t.functions[key] = &registeredFunction{key: key, fn: fn, permission: permission, userData: userData}
}

func (t *entityTable) registerVariable(key string, kind coap.VariableKind, accessor VariableAccessor, userData any) {
	key = truncateKey(key, MaxVariableKeyLen)
	if _, exists := t.variables[key]; !exists {
		t.varOrder = append(t.varOrder, key)
	}
	t.variables[key] = &registeredVariable{key: key, kind: kind, accessor: accessor, userData: userData}
}

func (t *entityTable) lookupFunction(key string) *registeredFunction {
	return t.functions[truncateKey(key, MaxFunctionKeyLen)]
}

func (t *entityTable) lookupVariable(key string) *registeredVariable {
	return t.variables[truncateKey(key, MaxVariableKeyLen)]
}
