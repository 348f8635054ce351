package gentime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test entity with hooks
type hookedNote struct {
	Body      string
	UpdatedAt time.Time `gentime:"update;source:vm"`

	calls    []string
	failWith error
	invalid  bool
}

func (n *hookedNote) BeforeCreate(ctx context.Context) error {
	n.calls = append(n.calls, "before_create")
	n.Body = strings.TrimSpace(n.Body)
	return n.failWith
}

func (n *hookedNote) AfterCreate(ctx context.Context) error {
	n.calls = append(n.calls, "after_create")
	return nil
}

func (n *hookedNote) BeforeUpdate(ctx context.Context) error {
	n.calls = append(n.calls, "before_update")
	return n.failWith
}

func (n *hookedNote) AfterUpdate(ctx context.Context) error {
	n.calls = append(n.calls, "after_update")
	return nil
}

func (n *hookedNote) BeforeSoftDelete(ctx context.Context) error {
	n.calls = append(n.calls, "before_soft_delete")
	return nil
}

func (n *hookedNote) AfterSoftDelete(ctx context.Context) error {
	n.calls = append(n.calls, "after_soft_delete")
	return nil
}

func (n *hookedNote) Validate(ctx context.Context) error {
	n.calls = append(n.calls, "validate")
	if n.invalid {
		return errors.New("body is required")
	}
	return nil
}

func TestRunHooksPerEvent(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		event EventType
		want  []string
	}{
		{EventInsert, []string{"before_create", "validate", "after_create"}},
		{EventUpdate, []string{"before_update", "validate", "after_update"}},
		{EventForceIncrement, []string{"before_update", "after_update"}},
		{EventSoftDelete, []string{"before_soft_delete", "after_soft_delete"}},
	}

	for _, tt := range tests {
		t.Run(tt.event.String(), func(t *testing.T) {
			note := &hookedNote{Body: "  hi  "}
			require.NoError(t, RunBeforeHooks(ctx, tt.event, note))
			require.NoError(t, RunAfterHooks(ctx, tt.event, note))
			assert.Equal(t, tt.want, note.calls)
		})
	}
}

func TestBeforeHookErrorStopsValidation(t *testing.T) {
	boom := errors.New("boom")
	note := &hookedNote{failWith: boom}

	err := RunBeforeHooks(context.Background(), EventInsert, note)
	assert.Same(t, boom, err)
	assert.Equal(t, []string{"before_create"}, note.calls)
}

func TestValidationHookError(t *testing.T) {
	note := &hookedNote{Body: " x ", invalid: true}

	err := RunBeforeHooks(context.Background(), EventInsert, note)
	assert.True(t, IsErrorType(err, ErrorTypeValidation))
	assert.Equal(t, "x", note.Body)
}

func TestHooksAreOptional(t *testing.T) {
	plain := &struct{ Name string }{}
	for _, e := range EventTypes() {
		assert.NoError(t, RunBeforeHooks(context.Background(), e, plain))
		assert.NoError(t, RunAfterHooks(context.Background(), e, plain))
	}
}
