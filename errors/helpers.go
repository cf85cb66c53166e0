package errors

// WrapOpComponent tags err with the operation and component that saw it,
// keeping the kind of an inner *Error. A nil err stays nil.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	return E(op, Component(component), err)
}
