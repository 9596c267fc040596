package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gordonliu0/LightForker"
	"github.com/gordonliu0/LightForker/resultlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsDecoded(t *testing.T) {
	m := New()
	w := resultlog.NewWriter(m)
	require.NoError(t, w.Emit(
		resultlog.NewRecord(uuid.Nil, "a", 0, 0, 0, 0),
		resultlog.NewRecord(uuid.Nil, "b", 1, 0, 0, 0),
		resultlog.NewRecord(uuid.Nil, "c", 0, 0, 1, 1),
		resultlog.NewRecord(uuid.Nil, "d", 0, resultlog.NoClass, 1, resultlog.NoClass),
	))
	require.NoError(t, w.Close())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decoded.WithLabelValues("right")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decoded.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decoded.WithLabelValues("unlabeled")))
}

func TestErrorKind(t *testing.T) {
	cases := map[string]error{
		"configuration_mismatch": &lightforker.ConfigurationMismatch{Component: "x"},
		"numerical_instability":  &lightforker.NumericalInstability{Stage: "x"},
		"degenerate_likelihood":  &lightforker.DegenerateLikelihood{Branch: "left"},
		"other":                  fmt.Errorf("boom"),
	}
	m := New()
	for kind, err := range cases {
		assert.Equal(t, kind, m.ObserveError(err))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.CoreErrors.WithLabelValues(kind)))
	}

	wrapped := fmt.Errorf("batch 3: %w", &lightforker.NumericalInstability{})
	assert.Equal(t, "numerical_instability", ErrorKind(wrapped))
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.ObserveDegenerate("straight", []string{"a", "b"})
	m.TrainingLoss.Set(0.25)
	m.Steps.Inc()

	server := httptest.NewServer(m.Handler())
	defer server.Close()
	resp, err := server.Client().Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `lightforker_degenerate_likelihoods_total{branch="straight"} 2`)
	assert.Contains(t, text, "lightforker_training_loss 0.25")
	assert.Contains(t, text, "lightforker_training_steps_total 1")
}
