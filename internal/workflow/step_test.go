package workflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/nagare/internal/model"
	"github.com/ashita-ai/nagare/internal/testutil"
)

func stepContext() Context {
	return Context{
		WorkflowID:   "wf",
		StepPosition: 0,
		Secrets:      map[string]string{"API_KEY": "s3cret"},
		Logger:       testutil.Logger(),
	}
}

func TestTriggerStepEchoesInput(t *testing.T) {
	step := NewTriggerStep("t", "Trigger")
	input := model.Item{Data: map[string]any{"name": "John"}, ItemIndex: 0}

	out, err := step.Execute(context.Background(), input, stepContext())
	require.NoError(t, err)
	assert.Equal(t, input.Data, out)
}

func TestTransformStep(t *testing.T) {
	step := NewTransformStep("tr", "Transform",
		func(input model.Item, sc Context) (map[string]any, error) {
			return map[string]any{"upper": true, "name": input.Data["name"]}, nil
		})

	out, err := step.Execute(context.Background(),
		model.Item{Data: map[string]any{"name": "John"}}, stepContext())
	require.NoError(t, err)
	assert.Equal(t, true, out["upper"])
	assert.Equal(t, "John", out["name"])
}

func TestCodeStepError(t *testing.T) {
	step := NewCodeStep("c", "Code",
		func(ctx context.Context, input model.Item, sc Context) (map[string]any, error) {
			return nil, errors.New("boom")
		})

	_, err := step.Execute(context.Background(), model.Item{}, stepContext())
	assert.EqualError(t, err, "boom")
}

func TestHTTPStep(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	step := NewHTTPStep("h", "HTTP", HTTPConfig{
		Method: http.MethodPost,
		URL:    srv.URL,
		Headers: func(sc Context) map[string]string {
			return map[string]string{"Authorization": "Bearer " + sc.Secrets["API_KEY"]}
		},
		Body: func(input model.Item, sc Context) any {
			return input.Data
		},
	})

	out, err := step.Execute(context.Background(),
		model.Item{Data: map[string]any{"name": "John"}}, stepContext())
	require.NoError(t, err)
	assert.Equal(t, true, out["accepted"])
}

func TestHTTPStepNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	step := NewHTTPStep("h", "HTTP", HTTPConfig{Method: http.MethodGet, URL: srv.URL})

	_, err := step.Execute(context.Background(), model.Item{}, stepContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP request failed: 502")
}

func TestStepMissingFunc(t *testing.T) {
	_, err := Step{ID: "x", Kind: StepTransform}.Execute(context.Background(), model.Item{}, stepContext())
	assert.Error(t, err)

	_, err = Step{ID: "x", Kind: StepKind("weird")}.Execute(context.Background(), model.Item{}, stepContext())
	assert.Error(t, err)
}
