// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xapi

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
)

// methodCall é o recorte do request XML-RPC que o fake server decodifica.
type methodCall struct {
	XMLName    xml.Name `xml:"methodCall"`
	MethodName string   `xml:"methodName"`
	Params     []struct {
		Value string `xml:",innerxml"`
	} `xml:"params>param>value"`
}

// rpcHandler responde um método; devolve o XML do <value> de sucesso.
type rpcHandler func(call methodCall) (string, error)

// fakeMaster simula o pool master: XML-RPC em "/" e os endpoints HTTP de
// metadata nos demais paths.
type fakeMaster struct {
	t        *testing.T
	handlers map[string]rpcHandler
	server   *httptest.Server

	exportBody   string
	lastQuery    atomic.Pointer[url.Values]
	lastPutBody  atomic.Pointer[[]byte]
	checksumPoll atomic.Int32
}

func newFakeMaster(t *testing.T) *fakeMaster {
	t.Helper()
	fm := &fakeMaster{t: t, handlers: make(map[string]rpcHandler), exportBody: "vm metadata blob"}

	fm.handle("session.login_with_password", func(methodCall) (string, error) {
		return "<string>OpaqueRef:test-session</string>", nil
	})
	fm.handle("session.logout", func(methodCall) (string, error) {
		return "<string></string>", nil
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/", fm.serveRPC)
	mux.HandleFunc("/export_metadata", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		fm.lastQuery.Store(&q)
		io.WriteString(w, fm.exportBody)
	})
	mux.HandleFunc("/import_metadata", fm.servePut)
	mux.HandleFunc("/import_raw_vdi", fm.servePut)

	fm.server = httptest.NewServer(mux)
	t.Cleanup(fm.server.Close)
	return fm
}

func (fm *fakeMaster) servePut(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fm.lastQuery.Store(&q)
	body, _ := io.ReadAll(r.Body)
	fm.lastPutBody.Store(&body)
}

func (fm *fakeMaster) handle(method string, h rpcHandler) {
	fm.handlers[method] = h
}

func (fm *fakeMaster) master() string {
	return strings.TrimPrefix(fm.server.URL, "http://")
}

func (fm *fakeMaster) serveRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var call methodCall
	if err := xml.Unmarshal(body, &call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	handler, ok := fm.handlers[call.MethodName]
	if !ok {
		fm.writeFailure(w, "MESSAGE_METHOD_UNKNOWN", call.MethodName)
		return
	}
	value, err := handler(call)
	if err != nil {
		fm.writeFailure(w, "HANDLER_ERROR", err.Error())
		return
	}

	fmt.Fprintf(w, `<?xml version="1.0"?>
<methodResponse><params><param><value><struct>
<member><name>Status</name><value>Success</value></member>
<member><name>Value</name><value>%s</value></member>
</struct></value></param></params></methodResponse>`, value)
}

func (fm *fakeMaster) writeFailure(w http.ResponseWriter, code, detail string) {
	fmt.Fprintf(w, `<?xml version="1.0"?>
<methodResponse><params><param><value><struct>
<member><name>Status</name><value>Failure</value></member>
<member><name>ErrorDescription</name><value><array><data>
<value>%s</value><value>%s</value>
</data></array></value></member>
</struct></value></param></params></methodResponse>`, code, detail)
}

func loginTest(t *testing.T, fm *fakeMaster) *Session {
	t.Helper()
	session, err := Login(fm.master(), "root", "secret", nil)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	t.Cleanup(session.Logout)
	return session
}

func TestLogin(t *testing.T) {
	fm := newFakeMaster(t)
	session := loginTest(t, fm)

	if session.ID() != "OpaqueRef:test-session" {
		t.Errorf("unexpected session id %q", session.ID())
	}
	if session.Master() != fm.master() {
		t.Errorf("unexpected master %q", session.Master())
	}
}

func TestCall_Failure(t *testing.T) {
	fm := newFakeMaster(t)
	session := loginTest(t, fm)

	// Método não registrado no fake → Failure da API.
	_, err := session.VMByUUID("some-uuid")
	if err == nil {
		t.Fatalf("expected API failure")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Code() != "MESSAGE_METHOD_UNKNOWN" {
		t.Errorf("expected code MESSAGE_METHOD_UNKNOWN, got %q", apiErr.Code())
	}
}

func TestVDIAccessors(t *testing.T) {
	fm := newFakeMaster(t)
	fm.handle("VDI.get_by_uuid", func(methodCall) (string, error) {
		return "<string>OpaqueRef:vdi1</string>", nil
	})
	fm.handle("VDI.get_virtual_size", func(methodCall) (string, error) {
		// A API devolve tamanhos como string decimal.
		return "<string>42949672960</string>", nil
	})
	fm.handle("VDI.get_cbt_enabled", func(methodCall) (string, error) {
		return "<boolean>1</boolean>", nil
	})

	session := loginTest(t, fm)

	vdi, err := session.VDIByUUID("uuid-1")
	if err != nil || vdi != "OpaqueRef:vdi1" {
		t.Fatalf("VDIByUUID: %v %v", vdi, err)
	}
	size, err := session.VDIVirtualSize(vdi)
	if err != nil || size != 42949672960 {
		t.Errorf("VDIVirtualSize: expected 42949672960, got %d (%v)", size, err)
	}
	enabled, err := session.VDICBTEnabled(vdi)
	if err != nil || !enabled {
		t.Errorf("VDICBTEnabled: expected true, got %v (%v)", enabled, err)
	}
}

func TestVDINBDInfo(t *testing.T) {
	fm := newFakeMaster(t)
	fm.handle("VDI.get_nbd_info", func(methodCall) (string, error) {
		return `<array><data>
<value><struct>
<member><name>address</name><value>10.0.0.5</value></member>
<member><name>port</name><value><int>10809</int></value></member>
<member><name>exportname</name><value>/ca-1/vdi-x</value></member>
<member><name>subject</name><value>host1</value></member>
<member><name>cert</name><value>PEMDATA</value></member>
</struct></value>
</data></array>`, nil
	})

	session := loginTest(t, fm)

	infos, err := session.VDINBDInfo("OpaqueRef:vdi1")
	if err != nil {
		t.Fatalf("VDINBDInfo: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 endpoint, got %d", len(infos))
	}
	want := NBDInfo{Address: "10.0.0.5", Port: 10809, ExportName: "/ca-1/vdi-x", Subject: "host1", Cert: "PEMDATA"}
	if infos[0] != want {
		t.Errorf("expected %+v, got %+v", want, infos[0])
	}
}

func TestWaitTask(t *testing.T) {
	fm := newFakeMaster(t)
	fm.handle("task.get_status", func(methodCall) (string, error) {
		// Primeira consulta pending, depois success.
		if fm.checksumPoll.Add(1) == 1 {
			return "<string>pending</string>", nil
		}
		return "<string>success</string>", nil
	})
	fm.handle("task.get_result", func(methodCall) (string, error) {
		return "<string>&lt;value&gt;0badc0de0badc0de0badc0de0badc0de&lt;/value&gt;</string>", nil
	})

	session := loginTest(t, fm)

	value, err := session.WaitTask(context.Background(), "OpaqueRef:task1")
	if err != nil {
		t.Fatalf("WaitTask: %v", err)
	}
	if value != "0badc0de0badc0de0badc0de0badc0de" {
		t.Errorf("unexpected task value %q", value)
	}
}

func TestWaitTask_Failure(t *testing.T) {
	fm := newFakeMaster(t)
	fm.handle("task.get_status", func(methodCall) (string, error) {
		return "<string>failure</string>", nil
	})
	fm.handle("task.get_error_info", func(methodCall) (string, error) {
		return `<array><data><value>VDI_IN_USE</value></data></array>`, nil
	})

	session := loginTest(t, fm)

	if _, err := session.WaitTask(context.Background(), "OpaqueRef:task1"); err == nil {
		t.Fatalf("expected error for failed task")
	} else if !strings.Contains(err.Error(), "VDI_IN_USE") {
		t.Errorf("expected error to carry error_info, got %v", err)
	}
}

func TestExtractTaskValue(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"<value>abc</value>", "abc", false},
		{"", "", false},
		{"<notvalue>x</notvalue>", "", true},
	}
	for _, tt := range tests {
		got, err := extractTaskValue(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("extractTaskValue(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("extractTaskValue(%q): got %q, %v", tt.in, got, err)
		}
	}
}

func TestExportVMMetadata(t *testing.T) {
	fm := newFakeMaster(t)
	fm.handle("session.get_this_host", func(methodCall) (string, error) {
		return "<string>OpaqueRef:NULL</string>", nil
	})

	session := loginTest(t, fm)

	data, err := session.ExportVMMetadata(context.Background(), "vm-uuid-1", false)
	if err != nil {
		t.Fatalf("ExportVMMetadata: %v", err)
	}
	if string(data) != fm.exportBody {
		t.Errorf("unexpected metadata body %q", data)
	}

	query := *fm.lastQuery.Load()
	if query.Get("uuid") != "vm-uuid-1" {
		t.Errorf("expected uuid query param, got %v", query)
	}
	if query.Get("export_snapshots") != "false" {
		t.Errorf("expected export_snapshots=false, got %v", query)
	}
	if query.Get("session_id") != session.ID() {
		t.Errorf("expected session_id bound to the session, got %v", query)
	}
}

func TestImportVMMetadata_QueryMapping(t *testing.T) {
	fm := newFakeMaster(t)
	fm.handle("session.get_this_host", func(methodCall) (string, error) {
		return "<string>OpaqueRef:NULL</string>", nil
	})

	session := loginTest(t, fm)

	vdiMap := map[string]string{"orig-uuid": "new-uuid"}
	err := session.ImportVMMetadata(context.Background(), []byte("meta"), "OpaqueRef:task9", vdiMap, false)
	if err != nil {
		t.Fatalf("ImportVMMetadata: %v", err)
	}

	query := *fm.lastQuery.Load()
	if query.Get("task_id") != "OpaqueRef:task9" {
		t.Errorf("expected task_id, got %v", query)
	}
	if query.Get("vdi:orig-uuid") != "new-uuid" {
		t.Errorf("expected vdi remap param, got %v", query)
	}
	if body := *fm.lastPutBody.Load(); string(body) != "meta" {
		t.Errorf("expected PUT body, got %q", body)
	}
}

func TestImportRawVDI(t *testing.T) {
	fm := newFakeMaster(t)
	fm.handle("session.get_this_host", func(methodCall) (string, error) {
		return "<string>OpaqueRef:NULL</string>", nil
	})

	session := loginTest(t, fm)

	payload := strings.Repeat("x", 1024)
	err := session.ImportRawVDI(context.Background(), strings.NewReader(payload),
		int64(len(payload)), "OpaqueRef:vdi1", "OpaqueRef:task1", false)
	if err != nil {
		t.Fatalf("ImportRawVDI: %v", err)
	}

	query := *fm.lastQuery.Load()
	if query.Get("format") != "raw" {
		t.Errorf("expected format=raw, got %v", query)
	}
	if query.Get("vdi") != "OpaqueRef:vdi1" {
		t.Errorf("expected vdi param, got %v", query)
	}
	if body := *fm.lastPutBody.Load(); len(body) != len(payload) {
		t.Errorf("expected %d byte body, got %d", len(payload), len(body))
	}
}
