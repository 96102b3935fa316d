package orderbus

import (
	"path"
	"reflect"
)

const (
	urnPrefix        = "urn:message:"
	errorQueueSuffix = "_error"
)

// MessageTyper lets a payload choose its own message type name instead of the
// one derived from its Go type.
type MessageTyper interface {
	MessageType() string
}

// MessageType returns the exchange/topic name for a payload: the last element
// of its package path, a colon, and the type name ("orders:OrderCreated").
func MessageType(v any) string {
	if mt, ok := v.(MessageTyper); ok {
		return mt.MessageType()
	}
	return messageTypeOf(reflect.TypeOf(v))
}

// MessageTypeFor is MessageType for a type parameter.
func MessageTypeFor[T any]() string {
	var zero T
	if mt, ok := any(zero).(MessageTyper); ok {
		return mt.MessageType()
	}
	if mt, ok := any(&zero).(MessageTyper); ok {
		return mt.MessageType()
	}
	return messageTypeOf(reflect.TypeOf((*T)(nil)).Elem())
}

func messageTypeOf(t reflect.Type) string {
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return path.Base(t.PkgPath()) + ":" + t.Name()
}

// MessageURN returns the message-type URN carried in the message-type header.
func MessageURN(v any) string {
	return urnPrefix + MessageType(v)
}

// ErrorQueueName returns the error destination for a queue.
func ErrorQueueName(queue string) string {
	return queue + errorQueueSuffix
}
