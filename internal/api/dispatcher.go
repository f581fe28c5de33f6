package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"nuha.dev/gpspipeline/internal/util"
)

// Dispatcher calls registered functions by name. A function has the shape
// func(ctx, *Req, *Res) error or func(ctx, *Res) error; the request is decoded
// from the body and validated, the response is written back as JSON.
type Dispatcher struct {
	funcs     map[string]_function
	validator *validator.Validate
	log       log.Logger
}

type _function struct {
	reqType reflect.Type
	resType reflect.Type
	handler reflect.Value
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.funcs = make(map[string]_function)
	d.validator = validator.New()
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "dispatcher").Value()
	return d
}

func (disp *Dispatcher) Call(funcname string, w http.ResponseWriter, r *http.Request) {
	_func, ok := disp.funcs[funcname]
	if !ok {
		http.Error(w, fmt.Sprintf("function \"%s\" not found", funcname), http.StatusNotFound)
		return
	}
	disp.call(funcname, _func, r, w)
}

func (disp *Dispatcher) call(funcname string, _func _function, r *http.Request, w http.ResponseWriter) {
	response := reflect.New(_func.resType)
	var err_ref []reflect.Value
	ctx := context.WithValue(r.Context(), ApiContextKeyType("function"), funcname)
	if _func.reqType != nil {
		request := reflect.New(_func.reqType)
		err := json.NewDecoder(r.Body).Decode(request.Interface())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = disp.validator.Struct(request.Interface())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err_ref = _func.handler.Call([]reflect.Value{reflect.ValueOf(ctx), request, response})
	} else {
		err_ref = _func.handler.Call([]reflect.Value{reflect.ValueOf(ctx), response})
	}
	if !err_ref[0].IsNil() {
		err := err_ref[0].Interface().(error)
		disp.log.Error().Err(err).Str("function", funcname).Msg("function call failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	util.JsonWrite(w, response.Interface())
}

// Add registers f under funcname. It panics when f does not have one of the
// supported shapes.
func (disp *Dispatcher) Add(funcname string, f interface{}) {
	s := _function{}
	s.handler = reflect.ValueOf(f)
	t := s.handler.Type()
	if t.Kind() != reflect.Func || t.NumOut() != 1 || t.NumIn() < 2 || t.NumIn() > 3 {
		panic(fmt.Sprintf("dispatcher: bad function shape for %s: %s", funcname, t))
	}
	if t.NumIn() == 2 {
		s.reqType = nil
		s.resType = t.In(1).Elem()
	} else {
		s.reqType = t.In(1).Elem()
		s.resType = t.In(2).Elem()
	}
	disp.funcs[funcname] = s
}
