package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"crm-workflow-engine/internal/models"
)

func TestDefaultRoutingIsValid(t *testing.T) {
	require.NoError(t, DefaultRouting().Validate(models.KnownJobTypes))
}

func TestValidateRejectsUnknownJobType(t *testing.T) {
	r := Routing{"some.event": {"not.a.job"}}
	require.Error(t, r.Validate(models.KnownJobTypes))
}

func TestValidateRejectsEmptyFanout(t *testing.T) {
	r := Routing{"some.event": {}}
	require.Error(t, r.Validate(models.KnownJobTypes))
}

func TestJobTypesForUnmappedEvent(t *testing.T) {
	require.Nil(t, DefaultRouting().JobTypes("unmapped.event"))
}
