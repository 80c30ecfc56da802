// Copyright 2025 The Loomtrace Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envLookup(env map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
}

func TestDetectExperimentNone(t *testing.T) {
	t.Parallel()

	assert.Nil(t, detectExperiment(envLookup(nil)))
}

func TestDetectExperimentNative(t *testing.T) {
	t.Parallel()

	exp := detectExperiment(envLookup(map[string]string{
		"LOOMTRACE_EXPERIMENT_ID":      "exp-1",
		"LOOMTRACE_EXPERIMENT_NAME":    "prompt-eval",
		"LOOMTRACE_EXPERIMENT_VARIANT": "treatment",
		"LOOMTRACE_EXPERIMENT_GROUP":   "run-7",
	}))

	require.NotNil(t, exp)
	assert.Equal(t, "exp-1", exp.ID)
	assert.Equal(t, "prompt-eval", exp.Name)
	assert.Equal(t, "treatment", exp.Variant)
	assert.Equal(t, "run-7", exp.Group)
}

func TestDetectExperimentPrecedence(t *testing.T) {
	t.Parallel()

	t.Run("native beats MLflow", func(t *testing.T) {
		t.Parallel()

		exp := detectExperiment(envLookup(map[string]string{
			"LOOMTRACE_EXPERIMENT_ID": "native-id",
			"MLFLOW_EXPERIMENT_ID":    "mlflow-id",
		}))
		require.NotNil(t, exp)
		assert.Equal(t, "native-id", exp.ID)
	})

	t.Run("MLflow beats W&B", func(t *testing.T) {
		t.Parallel()

		exp := detectExperiment(envLookup(map[string]string{
			"MLFLOW_EXPERIMENT_ID": "mlflow-id",
			"WANDB_RUN_ID":         "wandb-id",
		}))
		require.NotNil(t, exp)
		assert.Equal(t, "mlflow-id", exp.ID)
	})

	t.Run("generic names are the last resort", func(t *testing.T) {
		t.Parallel()

		exp := detectExperiment(envLookup(map[string]string{
			"EXPERIMENT_ID": "generic-id",
		}))
		require.NotNil(t, exp)
		assert.Equal(t, "generic-id", exp.ID)
	})

	t.Run("fields resolve independently", func(t *testing.T) {
		t.Parallel()

		exp := detectExperiment(envLookup(map[string]string{
			"LOOMTRACE_EXPERIMENT_ID": "native-id",
			"MLFLOW_EXPERIMENT_NAME":  "mlflow-name",
		}))
		require.NotNil(t, exp)
		assert.Equal(t, "native-id", exp.ID)
		assert.Equal(t, "mlflow-name", exp.Name)
	})
}

func TestDetectExperimentMetadata(t *testing.T) {
	t.Parallel()

	t.Run("JSON object", func(t *testing.T) {
		t.Parallel()

		exp := detectExperiment(envLookup(map[string]string{
			"LOOMTRACE_EXPERIMENT_METADATA": `{"cohort":"a","seed":"42"}`,
		}))
		require.NotNil(t, exp)
		assert.Equal(t, "a", exp.Metadata["cohort"])
		assert.Equal(t, "42", exp.Metadata["seed"])
	})

	t.Run("malformed metadata is dropped", func(t *testing.T) {
		t.Parallel()

		exp := detectExperiment(envLookup(map[string]string{
			"LOOMTRACE_EXPERIMENT_ID":       "exp-1",
			"LOOMTRACE_EXPERIMENT_METADATA": `not json`,
		}))
		require.NotNil(t, exp)
		assert.Equal(t, "exp-1", exp.ID)
		assert.Empty(t, exp.Metadata)
	})
}

func TestExperimentIsZero(t *testing.T) {
	t.Parallel()

	var nilExp *Experiment
	assert.True(t, nilExp.IsZero())
	assert.True(t, (&Experiment{}).IsZero())
	assert.False(t, (&Experiment{ID: "x"}).IsZero())
	assert.False(t, (&Experiment{Metadata: map[string]string{"k": "v"}}).IsZero())
}
