package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/evolution/internal/canonical"
)

func TestMarshalSortsKeys(t *testing.T) {
	a, err := canonical.Marshal(map[string]interface{}{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := canonical.Marshal(map[string]interface{}{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":1,"b":2}`, string(a))
}

func TestMarshalStableAcrossJSONRoundTrip(t *testing.T) {
	type payload struct {
		Block    string   `json:"block"`
		Accuracy float64  `json:"accuracy"`
		Samples  int      `json:"samples"`
		Tags     []string `json:"tags"`
	}
	in := payload{Block: "code", Accuracy: 0.67, Samples: 30, Tags: []string{"z", "a"}}

	direct, err := canonical.Marshal(in)
	require.NoError(t, err)

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	var generic interface{}
	require.NoError(t, json.Unmarshal(raw, &generic))
	roundTripped, err := canonical.Marshal(generic)
	require.NoError(t, err)

	assert.Equal(t, string(direct), string(roundTripped))
	assert.Equal(t, `{"accuracy":0.67,"block":"code","samples":30,"tags":["z","a"]}`, string(direct))
}

func TestDigestChangesWithContent(t *testing.T) {
	d1, err := canonical.Digest(map[string]interface{}{"lr": 0.0002})
	require.NoError(t, err)
	d2, err := canonical.Digest(map[string]interface{}{"lr": 0.0001})
	require.NoError(t, err)
	assert.Len(t, d1, 64)
	assert.NotEqual(t, d1, d2)
}
