package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/forsitet/fwbot/internal/domain"
)

// ReminderService nags the authors of merged pull requests whose
// forward-ports are left pending.
type ReminderService struct {
	tx      TxFunc
	hosting HostingFactory
	tokens  Tokens
	delay   time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time
}

func NewReminderService(
	tx TxFunc,
	hosting HostingFactory,
	tokens Tokens,
	delay time.Duration,
	logger *slog.Logger,
	nowFunc func() time.Time,
) *ReminderService {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &ReminderService{
		tx:      tx,
		hosting: hosting,
		tokens:  tokens,
		delay:   delay,
		logger:  logger,
		nowFunc: nowFunc,
	}
}

// reminderBackoff is 2^factor days.
func reminderBackoff(factor int) time.Duration {
	return time.Duration(float64(24*time.Hour) * math.Pow(2, float64(factor)))
}

// Remind comments on every source merged more than the delay ago whose
// forward-ports are neither merged nor closed. Each reminder doubles the wait
// before the next one. It returns the number of reminders posted.
func (s *ReminderService) Remind(ctx context.Context) (int, error) {
	cutoff := s.nowFunc().Add(-s.delay)
	sent := 0

	err := s.tx(ctx, func(st Store) error {
		sources, err := st.OutstandingSources(ctx, cutoff)
		if err != nil {
			return err
		}
		clients := make(map[int64]Hosting)

		for _, src := range sources {
			if src.MergedAt.After(cutoff.Add(-reminderBackoff(src.ReminderBackoff))) {
				continue
			}
			refs, err := loadRefs(ctx, st, src)
			if err != nil {
				return err
			}

			ports, err := st.ForwardPorts(ctx, src.ID)
			if err != nil {
				return err
			}
			var pending []domain.PullRequest
			for _, fp := range ports {
				if !fp.IsClosedOrMerged() {
					pending = append(pending, fp)
				}
			}
			if len(pending) == 0 {
				continue
			}
			sort.Slice(pending, func(i, j int) bool { return pending[i].Number < pending[j].Number })

			hosting, ok := clients[refs.project.ID]
			if !ok {
				token := s.tokens(refs.project.Name)
				if token == "" {
					s.logger.Warn("can not remind: no token on project", "project", refs.project.Name)
					continue
				}
				if hosting, err = s.hosting(ctx, token); err != nil {
					return err
				}
				clients[refs.project.ID] = hosting
			}

			src.ReminderBackoff++
			if err := st.UpdatePR(ctx, src); err != nil {
				return err
			}

			names := make([]string, 0, len(pending))
			for _, fp := range pending {
				name, err := displayNameOf(ctx, st, fp)
				if err != nil {
					return err
				}
				names = append(names, name)
			}
			notify(ctx, hosting, s.logger, refs.repo, src, fmt.Sprintf(
				"This pull request has forward-port PRs awaiting action (not merged or closed): %s",
				strings.Join(names, ", "),
			))
			sent++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("sent forward-port reminders", "count", sent)
	return sent, nil
}
