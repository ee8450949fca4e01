package selectigo

import (
	"fmt"
)

// MessageKind identifies which variant a [Message] holds.
type MessageKind uint8

const (
	MessageNone MessageKind = iota
	MessageInteger
	MessagePointer
	MessageObject
)

func (k MessageKind) String() string {
	switch k {
	case MessageNone:
		return "none"
	case MessageInteger:
		return "integer"
	case MessagePointer:
		return "pointer"
	case MessageObject:
		return "object"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint8(k))
	}
}

// Message is the value passed between [Fiber.Suspend] and [Fiber.Resume].
// It holds exactly one of nothing, an integer, a raw pointer-sized handle,
// or an object reference. The zero value holds nothing.
type Message struct {
	kind MessageKind
	num  uint64
	ptr  uintptr
	obj  any
}

// IntMessage returns a Message holding an integer.
func IntMessage(n uint64) Message {
	return Message{kind: MessageInteger, num: n}
}

// BoolMessage returns an integer Message holding 1 for true and 0 for false.
func BoolMessage(b bool) Message {
	if b {
		return IntMessage(1)
	}
	return IntMessage(0)
}

// PointerMessage returns a Message holding a raw handle.
func PointerMessage(p uintptr) Message {
	return Message{kind: MessagePointer, ptr: p}
}

// ObjectMessage returns a Message holding an object reference.
// A nil object yields an empty Message.
func ObjectMessage(obj any) Message {
	if obj == nil {
		return Message{}
	}
	return Message{kind: MessageObject, obj: obj}
}

// Kind reports which variant the Message holds.
func (m Message) Kind() MessageKind {
	return m.kind
}

// IsNone reports whether the Message holds nothing.
func (m Message) IsNone() bool {
	return m.kind == MessageNone
}

// Int returns the integer held by the Message.
func (m Message) Int() (uint64, bool) {
	return m.num, m.kind == MessageInteger
}

// Bool reports whether the Message holds a non-zero integer.
func (m Message) Bool() bool {
	n, ok := m.Int()
	return ok && n != 0
}

// Pointer returns the handle held by the Message.
func (m Message) Pointer() (uintptr, bool) {
	return m.ptr, m.kind == MessagePointer
}

// Object returns the object held by the Message.
func (m Message) Object() (any, bool) {
	return m.obj, m.kind == MessageObject
}

// String implements [fmt.Stringer].
func (m Message) String() string {
	switch m.kind {
	case MessageInteger:
		return fmt.Sprintf("integer(%d)", m.num)
	case MessagePointer:
		return fmt.Sprintf("pointer(%#x)", m.ptr)
	case MessageObject:
		return fmt.Sprintf("object(%T)", m.obj)
	default:
		return "none"
	}
}
