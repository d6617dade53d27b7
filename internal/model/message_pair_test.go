package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDominationFieldClassification(t *testing.T) {
	require.True(t, FieldNormalChat.IsContextFree())
	require.True(t, FieldEmail.IsContextFree())
	require.False(t, FieldScience.IsContextFree())
	require.False(t, FieldLaw.IsContextFree())
	require.False(t, FieldMedicine.IsContextFree())

	require.True(t, FieldScience.Valid())
	require.False(t, DominationField("poetry").Valid())
}

func TestPairStatusMonotonicity(t *testing.T) {
	require.True(t, StatusSending.CanTransitionTo(StatusStreaming))
	require.True(t, StatusSending.CanTransitionTo(StatusFailed))
	require.True(t, StatusStreaming.CanTransitionTo(StatusSuccess))
	require.True(t, StatusStreaming.CanTransitionTo(StatusFailed))

	// 不允许回退
	require.False(t, StatusStreaming.CanTransitionTo(StatusSending))
	require.False(t, StatusSuccess.CanTransitionTo(StatusStreaming))
	require.False(t, StatusFailed.CanTransitionTo(StatusSending))

	// 终态之间不互转，幂等重放允许
	require.False(t, StatusSuccess.CanTransitionTo(StatusFailed))
	require.False(t, StatusFailed.CanTransitionTo(StatusSuccess))
	require.True(t, StatusSuccess.CanTransitionTo(StatusSuccess))
}

func TestMessagePairValidate(t *testing.T) {
	pair := &MessagePair{
		MessagePairID: "7b6c3f0e-0000-0000-0000-000000000000",
		UserRole:      RoleUser,
		AssistantRole: RoleAssistant,
	}
	require.NoError(t, pair.Validate())

	pair.UserRole = RoleSystem
	require.NoError(t, pair.Validate())

	pair.UserRole = RoleAssistant
	require.Error(t, pair.Validate())

	pair.UserRole = RoleUser
	pair.AssistantRole = RoleUser
	require.Error(t, pair.Validate())

	pair.AssistantRole = RoleAssistant
	pair.MessagePairID = ""
	require.Error(t, pair.Validate())
}
