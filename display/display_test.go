package display

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldOutputJSON(t *testing.T) {
	newCmd := func() *cobra.Command {
		cmd := &cobra.Command{Use: "ls"}
		cmd.Flags().Bool("json", false, "")
		return cmd
	}

	t.Run("explicit flag", func(t *testing.T) {
		cmd := newCmd()
		require.NoError(t, cmd.Flags().Set("json", "true"))
		assert.True(t, ShouldOutputJSON(cmd))
	})

	t.Run("explicit off beats the environment", func(t *testing.T) {
		t.Setenv("CRMPULSE_JSON", "1")
		cmd := newCmd()
		require.NoError(t, cmd.Flags().Set("json", "false"))
		assert.False(t, ShouldOutputJSON(cmd))
	})

	t.Run("no flag, no environment", func(t *testing.T) {
		t.Setenv("CRMPULSE_JSON", "")
		assert.False(t, ShouldOutputJSON(newCmd()))
		assert.False(t, ShouldOutputJSON(nil))
	})
}

func TestMarshalJSON(t *testing.T) {
	data, err := MarshalJSON(map[string]int{"runs": 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"runs": 2}`, string(data))
}
