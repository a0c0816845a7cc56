package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// service is a receiver registered with Register. Its exported methods of
// the form Method(args *A, reply *R) error become commands "Type.Method".
type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("%w: receiver must be a pointer, got %v", ErrBadService, typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: receiver must point to a struct, got %s", ErrBadService, typ.Elem().Kind())
	}

	svc := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("%w: %s has no method of the form M(*Args, *Reply) error", ErrBadService, svc.name)
	}
	return svc, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1).Kind() != reflect.Ptr || mt.In(2).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   mt.In(1).Elem(),
			ReplyType: mt.In(2).Elem(),
		}
	}
}

// call decodes the JSON args, invokes the method and encodes the reply.
func (s *service) call(mt *methodType, payload []byte) ([]byte, error) {
	argv := reflect.New(mt.ArgType)
	replyv := reflect.New(mt.ReplyType)

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, argv.Interface()); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
	}

	results := mt.method.Func.Call([]reflect.Value{s.rcvr, argv, replyv})
	if errv := results[0]; !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	return json.Marshal(replyv.Interface())
}
