package router

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/johnlindquist/lootbox/internal/logger"
	"github.com/johnlindquist/lootbox/internal/worker"
)

func discardLogger() logger.Logger {
	return logger.NewConsoleLogger(logger.NewTextPrinter(new(bytes.Buffer)), func(int) {})
}

type fakeCaller struct {
	lastReq worker.CallRequest
	result  worker.CallResult
}

func (f *fakeCaller) CallFunction(req worker.CallRequest) worker.CallResult {
	f.lastReq = req
	return f.result
}

type fakeLister struct{ names []string }

func (f *fakeLister) GetFunctionNames() []string { return f.names }

func TestHandleMessage_DispatchesToolDotFunction(t *testing.T) {
	caller := &fakeCaller{result: worker.CallResult{Data: json.RawMessage(`{"ok":true}`)}}
	lister := &fakeLister{names: []string{"echo.run"}}
	r := New(discardLogger(), caller, lister)

	var got []byte
	r.HandleMessage(func(b []byte) error { got = b; return nil }, "/home/x", false, []byte(`{"id":"1","method":"echo.run","args":{"a":1}}`))

	if caller.lastReq.Namespace != "echo" || caller.lastReq.FunctionName != "run" {
		t.Fatalf("dispatched to %s.%s, want echo.run", caller.lastReq.Namespace, caller.lastReq.FunctionName)
	}
	if caller.lastReq.ClientCWD != "/home/x" {
		t.Fatalf("ClientCWD = %q, want /home/x", caller.lastReq.ClientCWD)
	}

	var out outboundFrame
	if err := json.Unmarshal(got, &out); err != nil {
		t.Fatalf("unmarshalling response: %v", err)
	}
	if out.ID != "1" || out.Error != "" {
		t.Fatalf("response = %+v, want id=1 no error", out)
	}
}

func TestHandleMessage_RejectsMalformedMethod(t *testing.T) {
	r := New(discardLogger(), &fakeCaller{}, &fakeLister{})

	var got []byte
	r.HandleMessage(func(b []byte) error { got = b; return nil }, "", false, []byte(`{"id":"1","method":"noDot"}`))

	var out outboundFrame
	_ = json.Unmarshal(got, &out)
	if out.Error == "" {
		t.Fatal("expected an error response for a method with no namespace separator")
	}
}

func TestHandleMessage_ListFunctions(t *testing.T) {
	lister := &fakeLister{names: []string{"echo.run", "weather.forecast"}}
	r := New(discardLogger(), &fakeCaller{}, lister)

	var got []byte
	r.HandleMessage(func(b []byte) error { got = b; return nil }, "", false, []byte(`{"id":"1","method":"rpc.listFunctions"}`))

	var out outboundFrame
	_ = json.Unmarshal(got, &out)
	var names []string
	_ = json.Unmarshal(out.Result, &names)
	if len(names) != 2 {
		t.Fatalf("names = %v, want 2 entries", names)
	}
}

func TestHandleMessage_SendsWelcomeOnFirstNonCallFrame(t *testing.T) {
	lister := &fakeLister{names: []string{"echo.run"}}
	r := New(discardLogger(), &fakeCaller{}, lister)

	var got []byte
	r.HandleMessage(func(b []byte) error { got = b; return nil }, "", true, []byte(`{}`))

	var out outboundFrame
	if err := json.Unmarshal(got, &out); err != nil {
		t.Fatalf("unmarshalling response: %v", err)
	}
	if out.Type != "welcome" || len(out.Functions) != 1 || out.Functions[0] != "echo.run" {
		t.Fatalf("response = %+v, want welcome with [echo.run]", out)
	}
}

func TestHandleMessage_RoutesFirstFrameWithMethod(t *testing.T) {
	caller := &fakeCaller{result: worker.CallResult{Data: json.RawMessage(`{"ok":true}`)}}
	r := New(discardLogger(), caller, &fakeLister{})

	var got []byte
	r.HandleMessage(func(b []byte) error { got = b; return nil }, "", true, []byte(`{"id":"1","method":"echo.run"}`))

	if caller.lastReq.Namespace != "echo" {
		t.Fatalf("expected dispatch on first frame carrying a method, got namespace %q", caller.lastReq.Namespace)
	}

	var out outboundFrame
	_ = json.Unmarshal(got, &out)
	if out.Type == "welcome" {
		t.Fatal("expected the call to be routed, not answered with welcome")
	}
}
