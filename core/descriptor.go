package core

// Param describes one declared parameter. Type is TypeInvalid when the
// parameter accepts any value.
type Param struct {
	Name string
	Type Type
}

// InvokeFunc runs a function body. Arguments are borrowed; the returned
// handle is owned by the caller. Async functions return a Future handle.
type InvokeFunc func(c Core, args []Handle) (Handle, error)

// Function describes a callable registered into the scope by a loader
// backend or by the host.
type Function struct {
	Name     string
	Params   []Param
	Variadic bool
	Return   Type // TypeInvalid for non-fixed return types
	Async    bool
	Invoke   InvokeFunc
}

// Info returns the introspection view of f.
func (f *Function) Info() FunctionInfo {
	params := make([]Param, len(f.Params))
	copy(params, f.Params)
	return FunctionInfo{
		Name:     f.Name,
		Params:   params,
		Variadic: f.Variadic,
		Return:   f.Return,
		Async:    f.Async,
	}
}

// Instance is the attribute and method surface of an object, or of a class
// for static access. Values passed to Set and Call are borrowed; returned
// handles are owned by the caller.
type Instance interface {
	Get(c Core, name string) (Handle, error)
	Set(c Core, name string, v Handle) error
	Call(c Core, method string, args []Handle) (Handle, error)
}

// Class describes a foreign class. Static may be nil when the class has no
// class-level attributes or methods.
type Class struct {
	Name        string
	Constructor func(c Core, args []Handle) (Instance, error)
	Static      Instance
}
