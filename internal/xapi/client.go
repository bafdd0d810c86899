// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package xapi fala com a API XML-RPC de gerenciamento do hypervisor.
// A API é dinamicamente tipada; apenas os campos realmente consumidos pelo
// backup viram record types, o resto permanece opaco.
package xapi

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kolo/xmlrpc"
)

// programName identifica o client no login da API.
const programName = "cbt-backup"

// Ref é uma referência opaca da API ("OpaqueRef:...").
type Ref string

// NullRef é a referência nula devolvida por campos vazios.
const NullRef Ref = "OpaqueRef:NULL"

// ErrNotFound indica que a API não encontrou o objeto pedido.
var ErrNotFound = errors.New("xapi: object not found")

// APIError carrega o ErrorDescription devolvido pela API em falhas.
type APIError struct {
	Description []string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("xapi: call failed: %v", e.Description)
}

// Code devolve o primeiro elemento do ErrorDescription (o código da falha).
func (e *APIError) Code() string {
	if len(e.Description) == 0 {
		return ""
	}
	return e.Description[0]
}

// Session é uma sessão autenticada na API de gerenciamento.
type Session struct {
	rpc    *xmlrpc.Client
	ref    Ref
	master string
	logger *slog.Logger
}

// result é o envelope padrão das respostas da API.
type result struct {
	Status           string   `xmlrpc:"Status"`
	Value            any      `xmlrpc:"Value"`
	ErrorDescription []string `xmlrpc:"ErrorDescription"`
}

// Login abre uma sessão XML-RPC contra o pool master e autentica.
func Login(master, username, password string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	rpc, err := xmlrpc.NewClient("http://"+master, nil)
	if err != nil {
		return nil, fmt.Errorf("xapi: creating client for %s: %w", master, err)
	}

	s := &Session{rpc: rpc, master: master, logger: logger.With("master", master)}
	value, err := s.call("session.login_with_password", username, password, "1.0", programName)
	if err != nil {
		return nil, fmt.Errorf("xapi: login: %w", err)
	}
	s.ref = Ref(toString(value))
	s.logger.Debug("session established")
	return s, nil
}

// Logout encerra a sessão. Erros são engolidos: logout é best effort no
// teardown.
func (s *Session) Logout() {
	if _, err := s.call("session.logout", string(s.ref)); err != nil {
		s.logger.Debug("logout failed", "error", err)
	}
	s.rpc.Close()
}

// ID devolve a referência da sessão para uso nos endpoints HTTP do host.
func (s *Session) ID() string {
	return string(s.ref)
}

// Master devolve o endereço do pool master usado no login.
func (s *Session) Master() string {
	return s.master
}

// call invoca um método da API. O primeiro argumento de todos os métodos
// (exceto o login, que chama call diretamente) é a referência da sessão.
func (s *Session) call(method string, args ...any) (any, error) {
	var res result
	if err := s.rpc.Call(method, args, &res); err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	if res.Status != "Success" {
		return nil, &APIError{Description: res.ErrorDescription}
	}
	return res.Value, nil
}

// apiCall prefixa a sessão e invoca o método.
func (s *Session) apiCall(method string, args ...any) (any, error) {
	full := append([]any{string(s.ref)}, args...)
	return s.call(method, full...)
}

// Conversores do payload dinamicamente tipado.

func toString(v any) string {
	s, _ := v.(string)
	return s
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		var parsed int64
		fmt.Sscanf(n, "%d", &parsed)
		return parsed
	default:
		return 0
	}
}

func toTime(v any) time.Time {
	t, _ := v.(time.Time)
	return t
}

func toRefs(v any) []Ref {
	items, _ := v.([]any)
	refs := make([]Ref, 0, len(items))
	for _, item := range items {
		refs = append(refs, Ref(toString(item)))
	}
	return refs
}

func toMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
