// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xapi

import (
	"context"
	"encoding/xml"
	"fmt"
	"time"
)

// taskPollInterval é o intervalo de polling de tasks assíncronas.
const taskPollInterval = time.Second

// TaskCreate cria uma task manual para amarrar PUTs HTTP (restore).
func (s *Session) TaskCreate(label, description string) (Ref, error) {
	value, err := s.apiCall("task.create", label, description)
	if err != nil {
		return "", fmt.Errorf("xapi: task.create: %w", err)
	}
	return Ref(toString(value)), nil
}

// TaskDestroy remove a task. Best effort no teardown.
func (s *Session) TaskDestroy(task Ref) {
	if _, err := s.apiCall("task.destroy", string(task)); err != nil {
		s.logger.Debug("task.destroy failed", "task", task, "error", err)
	}
}

// TaskStatus devolve o status corrente da task ("pending", "success",
// "failure", "cancelled").
func (s *Session) TaskStatus(task Ref) (string, error) {
	value, err := s.apiCall("task.get_status", string(task))
	if err != nil {
		return "", fmt.Errorf("xapi: task.get_status: %w", err)
	}
	return toString(value), nil
}

// TaskResult devolve o result bruto da task (um documento XML).
func (s *Session) TaskResult(task Ref) (string, error) {
	value, err := s.apiCall("task.get_result", string(task))
	if err != nil {
		return "", fmt.Errorf("xapi: task.get_result: %w", err)
	}
	return toString(value), nil
}

// TaskErrorInfo devolve o error_info da task.
func (s *Session) TaskErrorInfo(task Ref) ([]string, error) {
	value, err := s.apiCall("task.get_error_info", string(task))
	if err != nil {
		return nil, fmt.Errorf("xapi: task.get_error_info: %w", err)
	}
	items, _ := value.([]any)
	info := make([]string, 0, len(items))
	for _, item := range items {
		info = append(info, toString(item))
	}
	return info, nil
}

// WaitTask faz polling da task até sair de "pending" e devolve o texto do
// único filho <value> do result. Tasks que falham viram erro com o
// error_info da API.
func (s *Session) WaitTask(ctx context.Context, task Ref) (string, error) {
	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()

	for {
		status, err := s.TaskStatus(task)
		if err != nil {
			return "", err
		}
		switch status {
		case "pending":
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-ticker.C:
			}
		case "success":
			result, err := s.TaskResult(task)
			if err != nil {
				return "", err
			}
			return extractTaskValue(result)
		default:
			info, err := s.TaskErrorInfo(task)
			if err != nil {
				return "", fmt.Errorf("xapi: task finished with status %q", status)
			}
			return "", fmt.Errorf("xapi: task finished with status %q: %v", status, info)
		}
	}
}

// extractTaskValue extrai o texto do elemento <value> de um result XML.
// O result de tasks bem-sucedidas é um documento com um único filho
// <value> de texto.
func extractTaskValue(result string) (string, error) {
	if result == "" {
		return "", nil
	}
	var doc struct {
		XMLName xml.Name `xml:"value"`
		Text    string   `xml:",chardata"`
	}
	if err := xml.Unmarshal([]byte(result), &doc); err != nil {
		return "", fmt.Errorf("xapi: parsing task result %q: %w", result, err)
	}
	return doc.Text, nil
}
