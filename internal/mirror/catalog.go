package mirror

import (
	"context"
	"fmt"

	"mirrord/internal/jobpool"
	"mirrord/internal/trigger"
)

// Register adds the mirror's schedulable jobs to c.
//
//	mirror.ranking   args: {"mode": "day"}
//	mirror.trending  no args
func (s *Service) Register(c *trigger.Catalog) {
	c.Register(RankingJobName, func(args map[string]any) (jobpool.Job, error) {
		mode, err := trigger.StringArg(args, "mode", "day")
		if err != nil {
			return nil, err
		}
		if !validMode(mode) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
		}
		return jobpool.Func(func(ctx context.Context) error {
			_, err := s.SyncRanking(ctx, mode)
			return err
		}), nil
	})
	c.Register(TrendingJobName, func(map[string]any) (jobpool.Job, error) {
		return jobpool.Func(func(ctx context.Context) error {
			_, err := s.SyncTrending(ctx)
			return err
		}), nil
	})
}
