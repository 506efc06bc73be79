package registry

import (
	"reflect"
	"strconv"
	"strings"
)

// Signature builds the stable key for a method: the declaring type, the
// method name and the parameter types, e.g.
//
//	backgrounder-go/internal/sample.SampleJob.DoWork(*int)
//
// The key only depends on names, so it survives restarts and redeployments
// of the same code. Pointer receivers are keyed like their element type.
func Signature(receiver reflect.Type, method string, params ...reflect.Type) string {
	for receiver.Kind() == reflect.Pointer {
		receiver = receiver.Elem()
	}
	return build(qualifiedName(receiver)+"."+method, params)
}

// FuncSignature builds the stable key for a function without a receiver.
func FuncSignature(pkgPath, name string, params ...reflect.Type) string {
	return build(pkgPath+"."+name, params)
}

// TypeOf is a shorthand for reflect.TypeFor, used by generated call sites.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

func build(qualified string, params []reflect.Type) string {
	var b strings.Builder
	b.WriteString(qualified)
	b.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(typeName(p))
	}
	b.WriteByte(')')
	return b.String()
}

// typeName renders a parameter type with every named type qualified by its
// package path, so same-named types from different packages never collide.
func typeName(t reflect.Type) string {
	if t.Name() != "" {
		return qualifiedName(t)
	}
	switch t.Kind() {
	case reflect.Pointer:
		return "*" + typeName(t.Elem())
	case reflect.Slice:
		return "[]" + typeName(t.Elem())
	case reflect.Array:
		return "[" + strconv.Itoa(t.Len()) + "]" + typeName(t.Elem())
	case reflect.Map:
		return "map[" + typeName(t.Key()) + "]" + typeName(t.Elem())
	default:
		return t.String()
	}
}

// qualifiedName returns "pkgpath.Name" for named types and the reflect
// string form otherwise.
func qualifiedName(t reflect.Type) string {
	if t.Name() == "" || t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
