package websocket

import (
	"fmt"
	"reflect"
)

// ackInvoker answers a client acknowledgement callback with args.
type ackInvoker func(args ...any)

func extractAck(datas []any) (ack ackInvoker, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}

	ack = wrapAck(datas[len(datas)-1])
	if ack == nil {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

// wrapAck adapts whatever callable the socket library hands over. Callbacks
// taking a slice first receive all args at once, others positionally.
func wrapAck(candidate any) ackInvoker {
	if candidate == nil {
		return nil
	}

	value := reflect.ValueOf(candidate)
	if !value.IsValid() || value.Kind() != reflect.Func {
		return nil
	}

	typ := value.Type()
	return func(args ...any) {
		value.Call(buildAckArgs(typ, args))
	}
}

func buildAckArgs(typ reflect.Type, args []any) []reflect.Value {
	numIn := typ.NumIn()
	in := make([]reflect.Value, numIn)

	if numIn > 0 && typ.In(0).Kind() == reflect.Slice && !typ.IsVariadic() {
		in[0] = coerceValue(args, typ.In(0))
		for i := 1; i < numIn; i++ {
			in[i] = reflect.Zero(typ.In(i))
		}
		return in
	}

	if typ.IsVariadic() {
		values := make([]reflect.Value, 0, len(args))
		fixed := numIn - 1
		for i, arg := range args {
			if i < fixed {
				values = append(values, coerceValue(arg, typ.In(i)))
				continue
			}
			values = append(values, coerceValue(arg, typ.In(fixed).Elem()))
		}
		for i := len(args); i < fixed; i++ {
			values = append(values, reflect.Zero(typ.In(i)))
		}
		return values
	}

	for i := 0; i < numIn; i++ {
		var arg any
		if i < len(args) {
			arg = args[i]
		}
		in[i] = coerceValue(arg, typ.In(i))
	}
	return in
}

func coerceValue(value any, targetType reflect.Type) reflect.Value {
	if value == nil {
		return reflect.Zero(targetType)
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(targetType) {
		return rv
	}

	if targetType.Kind() == reflect.Interface {
		if rv.Type().Implements(targetType) {
			return rv
		}
		return reflect.Zero(targetType)
	}

	if targetType.Kind() == reflect.Slice {
		if items, ok := value.([]any); ok {
			out := reflect.MakeSlice(targetType, 0, len(items))
			for _, item := range items {
				out = reflect.Append(out, coerceValue(item, targetType.Elem()))
			}
			return out
		}
	}

	if rv.Type().ConvertibleTo(targetType) && rv.Kind() == targetType.Kind() {
		return rv.Convert(targetType)
	}

	if targetType.Kind() == reflect.String {
		return reflect.ValueOf(fmt.Sprint(value)).Convert(targetType)
	}

	return reflect.Zero(targetType)
}
