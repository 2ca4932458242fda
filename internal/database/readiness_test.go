package database

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakePinger struct {
	err      error
	deadline bool
}

func (p *fakePinger) Ping(ctx context.Context) error {
	_, p.deadline = ctx.Deadline()
	return p.err
}

func TestReadinessChecker(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status string
	}{
		{"база отвечает", nil, "ok"},
		{"база недоступна", errors.New("connection refused"), "fail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakePinger{err: tt.err}
			status, msg := NewReadinessChecker(db).CheckReady()
			if status != tt.status {
				t.Errorf("status = %q, ожидался %q", status, tt.status)
			}
			if tt.err != nil && !strings.Contains(msg, "connection refused") {
				t.Errorf("message = %q, ожидалась причина", msg)
			}
			if !db.deadline {
				t.Error("ping без таймаута")
			}
		})
	}
}
