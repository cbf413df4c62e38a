package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/verdantlabs/yardgen/internal/ledger"
	"github.com/verdantlabs/yardgen/internal/models"
)

type shareRecorder interface {
	Get(ctx context.Context, jobID string) (*models.GenerationJob, error)
	RecordShare(ctx context.Context, userID int64, jobID string) (bool, error)
}

// SeasonalService hands out the one-time share bonus that funds holiday
// decoration jobs.
type SeasonalService struct {
	log    *slog.Logger
	jobs   shareRecorder
	ledger ledger.Store
	bonus  int
}

func NewSeasonalService(log *slog.Logger, jobs shareRecorder, ldg ledger.Store, bonus int) *SeasonalService {
	return &SeasonalService{log: log, jobs: jobs, ledger: ldg, bonus: bonus}
}

// ShareBonus credits seasonal credits for sharing a finished design. At most
// one bonus per job, enforced by the share marker, and only the job's owner
// can claim it.
func (s *SeasonalService) ShareBonus(ctx context.Context, userID int64, jobID string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil || job.UserID != userID {
		return ErrJobNotFound
	}

	// Grant first, keyed on the job, then record the marker. If the marker
	// write fails the retry hits the duplicate branch and still completes;
	// the bonus is never lost and never doubled.
	_, err = s.ledger.Grant(ctx, userID, models.PoolSeasonal, s.bonus, models.ReasonPromo, jobID, "share:"+jobID)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateEvent) {
		return fmt.Errorf("grant share bonus: %w", err)
	}

	first, err := s.jobs.RecordShare(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if !first {
		return ErrAlreadyShared
	}
	s.log.Info("share bonus granted", "user_id", userID, "job_id", jobID, "credits", s.bonus)
	return nil
}
