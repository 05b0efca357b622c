package bus

import (
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/gateway/internal/domain"
)

func TestSameSubjects(t *testing.T) {
	require.True(t, sameSubjects([]string{"a.>", "b.*"}, []string{"b.*", "a.>"}))
	require.False(t, sameSubjects([]string{"a.>"}, []string{"a.>", "b.*"}))
	require.False(t, sameSubjects([]string{"a.>"}, []string{"c.>"}))
}

func TestClassifyPublishErr(t *testing.T) {
	require.True(t, classifyPublishErr(nats.ErrNoResponders).Transient)
	require.True(t, classifyPublishErr(nats.ErrTimeout).Transient)
	require.False(t, classifyPublishErr(errors.New("bad subject")).Transient)
}

func TestReplayDeliverPolicy(t *testing.T) {
	require.Equal(t, domain.DeliverNew, replayDeliverPolicy(domain.ReplayNewOnly))
	require.Equal(t, domain.DeliverLast, replayDeliverPolicy(domain.ReplayLastOnly))
	require.Equal(t, domain.DeliverLastPerSubject, replayDeliverPolicy(domain.ReplayLastPerSubjectMode))
	require.Equal(t, domain.DeliverBySequence, replayDeliverPolicy(domain.ReplayFromSequence))
	require.Equal(t, domain.DeliverBySequence, replayDeliverPolicy(domain.ReplayResumeFromLastAck))
	require.Equal(t, domain.DeliverByTime, replayDeliverPolicy(domain.ReplayFromTime))
	require.Equal(t, domain.DeliverAll, replayDeliverPolicy(domain.ReplayAll))
}

func TestJitter_StaysWithinQuarterSpread(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		j := jitter(base)
		require.GreaterOrEqual(t, j, 75*time.Millisecond)
		require.LessOrEqual(t, j, 125*time.Millisecond)
	}
}

func TestResolveStreamForSubject_ConfiguredBeforeAdopted(t *testing.T) {
	a := &Adapter{
		streamConfigs:  map[string]domain.StreamConfig{},
		adoptedStreams: map[string]bool{},
	}
	a.streamConfigs["telemetry"] = domain.StreamConfig{Name: "telemetry", Subjects: []string{"telemetry.>"}}
	a.configuredOrder = []string{"telemetry"}
	a.streamConfigs["legacy"] = domain.StreamConfig{Name: "legacy", Subjects: []string{"telemetry.>"}}
	a.adoptedStreams["legacy"] = true

	name, ok := a.resolveStreamForSubject("telemetry.sensor-1.temp")
	require.True(t, ok)
	require.Equal(t, "telemetry", name)
}

func TestResolveStreamForSubject_NoMatch(t *testing.T) {
	a := &Adapter{
		streamConfigs:  map[string]domain.StreamConfig{"telemetry": {Name: "telemetry", Subjects: []string{"telemetry.>"}}},
		adoptedStreams: map[string]bool{},
		configuredOrder: []string{"telemetry"},
	}
	_, ok := a.resolveStreamForSubject("commands.device-1.restart")
	require.False(t, ok)
}
