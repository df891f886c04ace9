package core

// ---------------------------------------------------------------------------
// Ownership
//
// Constructors return handles owned by the caller. CreateArray, CreateMap and
// CreateThrowable take ownership of the handles passed in. Accessors returning
// handles (ValueToArray, ValueToMap, ValueToThrowable) lend them for as long as
// the container lives. Invocation arguments and attribute values are borrowed
// for the duration of the call; results are owned by the caller.
// ---------------------------------------------------------------------------

// Values is the value half of the core ABI: constructors, accessors and
// lifetime management for untyped values.
type Values interface {
	CreateBool(v bool) Handle
	CreateChar(v byte) Handle
	CreateShort(v int16) Handle
	CreateInt(v int32) Handle
	CreateLong(v int64) Handle
	CreateFloat(v float32) Handle
	CreateDouble(v float64) Handle
	CreateString(v string) Handle
	CreateBuffer(v []byte) Handle
	CreateArray(elems []Handle) Handle
	CreateMap(pairs []Handle) Handle
	CreatePointer(v any) Handle
	CreateFuture() (Handle, Resolver)
	CreateFunction(fn *Function) Handle
	CreateNull() Handle
	CreateClass(cls *Class) Handle
	CreateObject(cls *Class, inst Instance) Handle
	CreateException(ex ExceptionInfo) Handle
	CreateThrowable(inner Handle) Handle

	ValueID(h Handle) Type
	ValueCount(h Handle) int
	ValueSize(h Handle) int
	ValueCopy(h Handle) Handle
	ValueDestroy(h Handle)

	ValueToBool(h Handle) bool
	ValueToChar(h Handle) byte
	ValueToShort(h Handle) int16
	ValueToInt(h Handle) int32
	ValueToLong(h Handle) int64
	ValueToFloat(h Handle) float32
	ValueToDouble(h Handle) float64
	ValueToString(h Handle) string
	ValueToBuffer(h Handle) []byte
	ValueToArray(h Handle) []Handle
	ValueToMap(h Handle) []Handle
	ValueToPointer(h Handle) any
	ValueToFunction(h Handle) FunctionInfo
	ValueToClass(h Handle) string
	ValueToException(h Handle) ExceptionInfo
	ValueToThrowable(h Handle) Handle
}

// Invoker dispatches calls through the scope.
type Invoker interface {
	Call(name string, args []Handle) (Handle, error)
	CallFunction(fn Handle, args []Handle) (Handle, error)
	CallModule(m Module, name string, args []Handle) (Handle, error)

	Await(name string, args []Handle, resolve, reject Callback, data any) (Handle, error)
	AwaitFunction(fn Handle, args []Handle, resolve, reject Callback, data any) (Handle, error)
	AwaitFuture(fut Handle, resolve, reject Callback, data any) (Handle, error)

	Function(name string) (Handle, error)
	Register(fn *Function) error
}

// ClassInvoker covers class and object access. Class and object arguments are
// handles of tag Class and Object respectively, borrowed for the call.
type ClassInvoker interface {
	Class(name string) (Handle, error)
	RegisterClass(cls *Class) error
	ClassNew(cls Handle, name string, args []Handle) (Handle, error)
	ClassStaticGet(cls Handle, attr string) (Handle, error)
	ClassStaticSet(cls Handle, attr string, v Handle) error
	CallClass(cls Handle, method string, args []Handle) (Handle, error)
	ObjectGet(obj Handle, attr string) (Handle, error)
	ObjectSet(obj Handle, attr string, v Handle) error
	CallObject(obj Handle, method string, args []Handle) (Handle, error)
}

// Loaders covers loading, clearing and execution paths of code units.
type Loaders interface {
	ExecutionPath(tag, path string) error
	LoadFromFile(tag string, paths []string) (Module, error)
	LoadFromMemory(tag, name string, src []byte) (Module, error)
	LoadFromPackage(tag, path string) (Module, error)
	LoadFromConfiguration(path string) (Module, error)
	Clear(m Module) error
}

// Lifecycle covers process-wide start and stop of the core.
type Lifecycle interface {
	Initialize() error
	IsInitialized() bool
	Destroy() error
}

// Core is the full ABI a host binding talks to.
type Core interface {
	Values
	Invoker
	ClassInvoker
	Loaders
	Lifecycle
}

// Callback is a future continuation. value is borrowed for the duration of the
// call; the returned handle is owned by the core and becomes the value of the
// chained future (Invalid means Null).
type Callback func(value Handle, data any) Handle

// Resolver settles a future. Only the first Resolve or Reject has an effect;
// the handle passed in becomes owned by the future.
type Resolver interface {
	Resolve(v Handle)
	Reject(v Handle)
}

// ExceptionInfo is the payload of an Exception value.
type ExceptionInfo struct {
	Message    string
	Label      string
	Code       int64
	Stacktrace string
}

// FunctionInfo describes a Function value.
type FunctionInfo struct {
	Name     string
	Params   []Param
	Variadic bool
	Return   Type
	Async    bool
}
