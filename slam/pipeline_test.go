package slam

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineRun(t *testing.T) {
	t.Setenv("MQTT_PUBLISH_PREFIX", "")
	cfg := DefaultConfig()
	cfg.Solver.Seed = 1
	scene := newTestScene(t)

	client := NewMockClient()
	client.SetConnected(true)
	pub := NewLoopPublisher(client, "test")

	m := NewMap(cfg.Graph)
	p := NewPipeline(m, scene, NewLoopCloser(m, cfg.Solver, pub))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	report, err := p.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, cfg.Simulation.Keyframes, report.Inserted)
	assert.Equal(t, 6, report.Culled)
	assert.Equal(t, 0, report.CullsDeferred)
	assert.Equal(t, len(scene.LoopCandidateIDs()),
		report.LoopsAccepted+report.LoopsRejected+report.LoopsSkipped)
	assert.GreaterOrEqual(t, report.LoopsAccepted, 1, "the revisit closes the loop")

	assert.Equal(t, cfg.Simulation.Keyframes-6, report.Stats.Keyframes)
	assert.Equal(t, report.LoopsAccepted, report.Stats.LoopEdges)
	assert.Equal(t, report.Stats.Keyframes-1, report.Stats.SpanningEdges)
	assert.Equal(t, 1, report.Components)
	require.NoError(t, m.ValidateSpanningTree())

	for _, id := range []KeyframeID{7, 12, 17, 22, 27, 32} {
		_, ok := m.Keyframe(id)
		assert.False(t, ok, "keyframe %d should be culled", id)
	}
	for _, kf := range m.Keyframes() {
		for id := range kf.Graph.ConnectedKeyframes() {
			_, ok := m.Keyframe(id)
			assert.True(t, ok, "keyframe %d connected to erased %d", kf.ID, id)
		}
		assert.False(t, kf.IsPinned())
	}

	assert.Len(t, client.GetPublishedMessages(), report.LoopsAccepted)
	assert.Len(t, pub.RecentEvents(), report.LoopsAccepted)
}

func TestPipelineCancelled(t *testing.T) {
	scene := newTestScene(t)
	m := NewMap(DefaultConfig().Graph)
	p := NewPipeline(m, scene, NewLoopCloser(m, DefaultConfig().Solver, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
