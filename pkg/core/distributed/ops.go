package distributed

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/gomlx/sharding/pkg/core/buffers"
	"github.com/gomlx/sharding/pkg/core/collective"
	"github.com/gomlx/sharding/pkg/support/xslices"
	"k8s.io/klog/v2"
)

// Op identifies an operation that can be applied to sharded tensors through an OpTable.
type Op int

const (
	OpInvalid Op = iota

	// OpFill sets every element to a Float argument.
	OpFill

	// OpUniform sets the elements to random values in [low, high), given as Float arguments.
	// The optional "seed" keyword (Int) selects the random sequence.
	OpUniform

	// OpNormal sets the elements to random values with the mean and standard deviation given as Float arguments.
	// The optional "seed" keyword (Int) selects the random sequence.
	OpNormal

	// OpScale multiplies every element by a Float argument.
	OpScale

	// OpUser is the first value for operations defined outside this package.
	OpUser Op = 1000
)

var opNames = map[Op]string{
	OpInvalid: "Invalid",
	OpFill:    "Fill",
	OpUniform: "Uniform",
	OpNormal:  "Normal",
	OpScale:   "Scale",
}

// String implements fmt.Stringer.
func (op Op) String() string {
	if name, found := opNames[op]; found {
		return name
	}
	return "Op(" + strconv.Itoa(int(op)) + ")"
}

// ArgKind is the kind of value held by a Value.
type ArgKind int

const (
	ArgTensor ArgKind = iota
	ArgBuffer
	ArgFloat
	ArgInt
)

// String implements fmt.Stringer.
func (k ArgKind) String() string {
	switch k {
	case ArgTensor:
		return "ShardedTensor"
	case ArgBuffer:
		return "Buffer"
	case ArgFloat:
		return "Float"
	case ArgInt:
		return "Int"
	}
	return "ArgKind(" + strconv.Itoa(int(k)) + ")"
}

// Value is an argument or result of an operation. Only the field corresponding to Kind is set.
type Value struct {
	Kind   ArgKind
	Tensor *ShardedTensor
	Buffer *buffers.Buffer
	Float  float64
	Int    int64
}

// TensorArg wraps a ShardedTensor as a Value.
func TensorArg(t *ShardedTensor) Value { return Value{Kind: ArgTensor, Tensor: t} }

// BufferArg wraps a Buffer as a Value.
func BufferArg(b *buffers.Buffer) Value { return Value{Kind: ArgBuffer, Buffer: b} }

// FloatArg wraps a float as a Value.
func FloatArg(f float64) Value { return Value{Kind: ArgFloat, Float: f} }

// IntArg wraps an integer as a Value.
func IntArg(i int64) Value { return Value{Kind: ArgInt, Int: i} }

// String implements fmt.Stringer.
func (v Value) String() string {
	switch v.Kind {
	case ArgTensor:
		if v.Tensor == nil {
			return "ShardedTensor<nil>"
		}
		return fmt.Sprintf("ShardedTensor%v", v.Tensor.Shape())
	case ArgBuffer:
		return v.Buffer.String()
	case ArgFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case ArgInt:
		return strconv.FormatInt(v.Int, 10)
	}
	return v.Kind.String()
}

// Handler implements an operation. kinds lists the distinct kinds of the arguments, in order of first appearance,
// and group is the communication group of the first ShardedTensor argument.
type Handler func(ctx context.Context, kinds []ArgKind, args []Value, kwargs map[string]Value,
	group collective.Group) ([]Value, error)

// OpTable maps operations to their handlers. It is safe for concurrent use.
type OpTable struct {
	mu       sync.RWMutex
	handlers map[Op]Handler
}

// NewOpTable returns an empty table.
func NewOpTable() *OpTable {
	return &OpTable{handlers: make(map[Op]Handler)}
}

// DefaultOpTable is used when no table is configured with WithOpTable. It has the built-in operations registered.
var DefaultOpTable = NewOpTable().WithBuiltinOps()

// Register sets the handler of op, replacing any previous one.
func (t *OpTable) Register(op Op, handler Handler) error {
	if op == OpInvalid || handler == nil {
		return configErrorf("invalid registration of operation %s", op)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, found := t.handlers[op]; found {
		klog.V(1).Infof("replacing handler of sharded operation %s", op)
	}
	t.handlers[op] = handler
	return nil
}

// Has returns whether op has a handler.
func (t *OpTable) Has(op Op) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, found := t.handlers[op]
	return found
}

// Dispatch finds the first ShardedTensor among args (and then kwargs, in key order), and calls the handler of op
// with its communication group.
//
// It returns an ErrUnsupported if op has no handler or no argument is a ShardedTensor.
func (t *OpTable) Dispatch(ctx context.Context, op Op, args []Value, kwargs map[string]Value) ([]Value, error) {
	t.mu.RLock()
	handler, found := t.handlers[op]
	t.mu.RUnlock()

	var first *ShardedTensor
	var kinds []ArgKind
	visit := func(v Value) {
		if !slices.Contains(kinds, v.Kind) {
			kinds = append(kinds, v.Kind)
		}
		if first == nil && v.Kind == ArgTensor && v.Tensor != nil {
			first = v.Tensor
		}
	}
	for _, arg := range args {
		visit(arg)
	}
	for _, key := range xslices.SortedKeys(kwargs) {
		visit(kwargs[key])
	}
	if !found || first == nil {
		return nil, unsupportedErrorf("operation %s with args %v and kwargs %v not supported for ShardedTensor",
			op, args, kwargs)
	}
	first.opts.metrics.opsDispatched.WithLabelValues(op.String()).Inc()
	return handler(ctx, kinds, args, kwargs, first.group)
}

// Apply dispatches op with t as the first argument, using the OpTable configured for t.
func (t *ShardedTensor) Apply(ctx context.Context, op Op, args ...Value) ([]Value, error) {
	return t.opts.ops.Dispatch(ctx, op, append([]Value{TensorArg(t)}, args...), nil)
}

// ApplyWithKeywords is like Apply, but also passes keyword arguments.
func (t *ShardedTensor) ApplyWithKeywords(ctx context.Context, op Op, kwargs map[string]Value, args ...Value) ([]Value, error) {
	return t.opts.ops.Dispatch(ctx, op, append([]Value{TensorArg(t)}, args...), kwargs)
}
