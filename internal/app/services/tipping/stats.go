package tipping

import (
	"context"
	"sort"

	domain "github.com/AgentPay-Network/payment_layer/internal/app/domain/tip"
)

// RepoStats aggregates all tips attributed to one repository.
func (s *Service) RepoStats(ctx context.Context, repo string) (domain.RepoStats, error) {
	tips, err := s.store.ListTips(ctx)
	if err != nil {
		return domain.RepoStats{}, err
	}

	stats := domain.RepoStats{
		Repo:    domain.RepoRef(repo),
		ByToken: make(map[string]domain.TokenStats),
		ByState: make(map[domain.State]int),
	}
	for _, t := range tips {
		if string(t.Repo) != repo {
			continue
		}
		stats.Count++
		stats.TotalAmount += t.Amount
		token := stats.ByToken[t.Token]
		token.Count++
		token.Amount += t.Amount
		stats.ByToken[t.Token] = token
		stats.ByState[t.State]++
	}
	if stats.Count > 0 {
		stats.AverageAmount = stats.TotalAmount / float64(stats.Count)
	}
	return stats, nil
}

// TipperStats aggregates one tipper's activity with their top-n repositories
// by tipped sum.
func (s *Service) TipperStats(ctx context.Context, tipper string, topN int) (domain.TipperStats, error) {
	tips, err := s.store.ListTips(ctx)
	if err != nil {
		return domain.TipperStats{}, err
	}
	if topN <= 0 {
		topN = 5
	}

	stats := domain.TipperStats{Tipper: tipper}
	perRepo := make(map[domain.RepoRef]*domain.RepoTotal)
	for _, t := range tips {
		if t.Tipper != tipper {
			continue
		}
		stats.Count++
		stats.TotalAmount += t.Amount
		total, ok := perRepo[t.Repo]
		if !ok {
			total = &domain.RepoTotal{Repo: t.Repo}
			perRepo[t.Repo] = total
		}
		total.Count++
		total.Amount += t.Amount
	}
	stats.TopRepos = topRepos(perRepo, topN)
	return stats, nil
}

// GlobalStats aggregates all tips with the top-10 repositories by tipped sum.
func (s *Service) GlobalStats(ctx context.Context) (domain.GlobalStats, error) {
	tips, err := s.store.ListTips(ctx)
	if err != nil {
		return domain.GlobalStats{}, err
	}

	stats := domain.GlobalStats{ByToken: make(map[string]domain.TokenStats)}
	perRepo := make(map[domain.RepoRef]*domain.RepoTotal)
	for _, t := range tips {
		stats.TotalTips++
		stats.TotalAmount += t.Amount
		token := stats.ByToken[t.Token]
		token.Count++
		token.Amount += t.Amount
		stats.ByToken[t.Token] = token

		total, ok := perRepo[t.Repo]
		if !ok {
			total = &domain.RepoTotal{Repo: t.Repo}
			perRepo[t.Repo] = total
		}
		total.Count++
		total.Amount += t.Amount
	}
	stats.TopRepos = topRepos(perRepo, 10)
	return stats, nil
}

func topRepos(perRepo map[domain.RepoRef]*domain.RepoTotal, n int) []domain.RepoTotal {
	totals := make([]domain.RepoTotal, 0, len(perRepo))
	for _, total := range perRepo {
		totals = append(totals, *total)
	}
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Amount != totals[j].Amount {
			return totals[i].Amount > totals[j].Amount
		}
		return totals[i].Repo < totals[j].Repo
	})
	if len(totals) > n {
		totals = totals[:n]
	}
	return totals
}
