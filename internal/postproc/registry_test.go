package postproc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/annotate.pipeline/internal/config"
)

func TestRegisteredKinds(t *testing.T) {
	kinds := Kinds()
	require.Contains(t, kinds, "bounding_boxes")
	require.Contains(t, kinds, "object_positions_merge")
}

func TestNewProcessorUnknownKind(t *testing.T) {
	_, err := NewProcessor("nonexistent_transform", &config.UnitConfig{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown postprocessing transform")
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("registry_test_kind", NewPositionsMerge)
	require.Panics(t, func() {
		Register("registry_test_kind", NewPositionsMerge)
	})
}
