package slam

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"
)

// cullLag is how many insertions local mapping waits before culling a
// redundant keyframe, so that it has children to re-parent.
const cullLag = 2

// PipelineReport summarizes a pipeline run
type PipelineReport struct {
	Inserted      int      `json:"inserted"`
	Culled        int      `json:"culled"`
	CullsDeferred int      `json:"cullsDeferred"`
	LoopsAccepted int      `json:"loopsAccepted"`
	LoopsRejected int      `json:"loopsRejected"`
	LoopsSkipped  int      `json:"loopsSkipped"`
	Stats         MapStats `json:"stats"`
	Components    int      `json:"components"`
}

// Pipeline runs tracking, local mapping and loop closing as concurrent
// workers over a synthetic scene. Tracking hands frames to local mapping,
// which inserts them and updates the graph one at a time, so a new keyframe
// only ever connects to older ones.
type Pipeline struct {
	m      *Map
	scene  *SyntheticScene
	closer *LoopCloser
	queue  int
}

// NewPipeline wires the workers to a map, a scene and a loop closer
func NewPipeline(m *Map, scene *SyntheticScene, closer *LoopCloser) *Pipeline {
	return &Pipeline{m: m, scene: scene, closer: closer, queue: 8}
}

// Run feeds every scene keyframe through the workers. It returns when all
// workers are done, the first worker fails or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) (PipelineReport, error) {
	var (
		report  PipelineReport
		mapping PipelineReport
		closing PipelineReport
		frames  = make(chan SceneKeyframe, p.queue)
		loops   = make(chan KeyframeID, p.queue)
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(frames)
		for _, sk := range p.scene.Keyframes {
			select {
			case frames <- sk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		defer close(loops)
		var pending []KeyframeID
		for sk := range frames {
			if err := ctx.Err(); err != nil {
				return err
			}
			kf, err := p.scene.Insert(p.m, sk)
			if err != nil {
				return fmt.Errorf("local mapping: %w", err)
			}
			mapping.Inserted++
			kf.Graph.UpdateConnections()
			id := kf.ID

			if p.scene.IsRedundant(id) {
				pending = append(pending, id)
			}
			for len(pending) > 0 && id >= pending[0]+cullLag {
				p.cull(pending[0], &mapping)
				pending = pending[1:]
			}

			if p.scene.HasLoopCandidate(id) {
				select {
				case loops <- id:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		for _, id := range pending {
			p.cull(id, &mapping)
		}
		return nil
	})

	g.Go(func() error {
		for id := range loops {
			if err := ctx.Err(); err != nil {
				return err
			}
			cand, ok := p.scene.LoopCandidate(p.m, id)
			if !ok {
				closing.LoopsSkipped++
				continue
			}
			result, err := p.closer.Verify(cand)
			switch {
			case errors.Is(err, ErrKeyframeNotFound):
				closing.LoopsSkipped++
			case err != nil:
				return fmt.Errorf("loop closing: %w", err)
			case result.Valid:
				closing.LoopsAccepted++
			default:
				closing.LoopsRejected++
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return report, err
	}

	report.Inserted = mapping.Inserted
	report.Culled = mapping.Culled
	report.CullsDeferred = mapping.CullsDeferred
	report.LoopsAccepted = closing.LoopsAccepted
	report.LoopsRejected = closing.LoopsRejected
	report.LoopsSkipped = closing.LoopsSkipped
	report.Stats = p.m.Stats()
	report.Components = len(p.m.ConnectedComponents())
	log.Printf("[PIPELINE] %d keyframes inserted, %d culled, loops %d accepted / %d rejected / %d skipped",
		report.Inserted, report.Culled, report.LoopsAccepted, report.LoopsRejected, report.LoopsSkipped)
	return report, nil
}

func (p *Pipeline) cull(id KeyframeID, report *PipelineReport) {
	erased, err := p.m.EraseKeyframe(id)
	if err != nil {
		log.Printf("[PIPELINE] culling keyframe %d: %v", id, err)
		return
	}
	if erased {
		report.Culled++
	} else {
		report.CullsDeferred++
	}
}
