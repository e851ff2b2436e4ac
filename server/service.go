package server

import (
	"context"
	"fmt"
	"reflect"
)

type methodType struct {
	method    reflect.Method
	withCtx   bool // (ctx, *Args, *Reply) rather than (*Args, *Reply)
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// NewService 创建 service 并扫描所有合法方法
func NewService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.RegisterMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("rpc: %s has no exported methods of RPC shape", srv.name)
	}
	return srv, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// RegisterMethods 扫描 struct 的导出方法，过滤出符合 RPC 签名的:
//
//	func (s *T) Method(args *Args, reply *Reply) error
//	func (s *T) Method(ctx context.Context, args *Args, reply *Reply) error
func (s *service) RegisterMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		first := 1
		withCtx := mt.NumIn() == 4 && mt.In(1) == contextType
		if withCtx {
			first = 2
		} else if mt.NumIn() != 3 {
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   mt.In(first).Elem(),
			ReplyType: mt.In(first + 1).Elem(),
		}
	}
}

// Call 通过反射调用方法
func (s *service) Call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) error {
	args := []reflect.Value{s.rcvr}
	if mType.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	args = append(args, argv, replyv)
	results := mType.method.Func.Call(args)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
