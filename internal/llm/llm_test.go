package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepgate/pkg/schema"
)

func TestService_DefaultProvider(t *testing.T) {
	var nilSvc *Service
	assert.Nil(t, nilSvc.DefaultProvider())

	s := NewService()
	assert.Nil(t, s.DefaultProvider())

	assert.Nil(t, NewCommandProvider(nil, 0, nil), "empty argv means no provider")

	p := NewCommandProvider([]string{"cat"}, time.Second, nil)
	s.Register(p)
	assert.Equal(t, "command", s.DefaultProvider().Name())
	got, ok := s.Provider("command")
	require.True(t, ok)
	assert.Same(t, p, got)
}

func TestCommandProvider_GenerateText(t *testing.T) {
	p := NewCommandProvider([]string{"cat"}, 5*time.Second, nil)

	out, err := p.GenerateText(context.Background(), "hello", "")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = p.GenerateText(context.Background(), "task", "be brief")
	require.NoError(t, err)
	assert.Equal(t, "be brief\n\ntask", out)
}

func TestCommandProvider_GenerateSummary(t *testing.T) {
	p := NewCommandProvider([]string{"cat"}, 5*time.Second, nil)

	out, err := p.GenerateSummary(context.Background(), "user: fix the bug")
	require.NoError(t, err)
	assert.Contains(t, out, "## Next steps")
	assert.Contains(t, out, "user: fix the bug")

	_, err = p.GenerateSummary(context.Background(), "  ")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCommandProvider_Failures(t *testing.T) {
	p := NewCommandProvider([]string{"sh", "-c", "echo broken >&2; exit 3"}, 5*time.Second, nil)
	_, err := p.GenerateText(context.Background(), "x", "")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
	assert.Contains(t, err.Error(), "broken")

	slow := NewCommandProvider([]string{"sleep", "5"}, 50*time.Millisecond, nil)
	_, err = slow.GenerateText(context.Background(), "x", "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeTimeout))
}
