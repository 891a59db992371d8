package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"
)

// PageOutcome は GenerateAll の1ページ分の結果です。
type PageOutcome struct {
	Page   int
	Result *PageResult
	Err    error
}

// GenerateAll は物語の全ページを生成します。
// 1ページ目を先に生成し、残りのページはそれを参照しながら同時実行数を制限して並行生成します。
// 失敗したページがあっても他のページは続行し、失敗をまとめたエラーを返します。
func (p *Pipeline) GenerateAll(ctx context.Context, sessionID string) ([]PageOutcome, error) {
	_, tmpl, err := p.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	nums := tmpl.PageNumbers()
	sort.Ints(nums)

	outcomes := make([]PageOutcome, len(nums))
	for i, n := range nums {
		outcomes[i].Page = n
	}
	if len(nums) == 0 {
		return outcomes, nil
	}

	run := func(ctx context.Context, i int) {
		res, err := p.GeneratePage(ctx, sessionID, outcomes[i].Page)
		outcomes[i].Result, outcomes[i].Err = res, err
	}

	run(ctx, 0)
	if err := ctx.Err(); err != nil {
		return outcomes, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := 1; i < len(nums); i++ {
		g.Go(func() error {
			run(gctx, i)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("page %d: %w", o.Page, o.Err))
		}
	}
	slog.InfoContext(ctx, "全ページの生成が終了しました", "session_id", sessionID, "pages", len(nums), "failed", len(errs))
	return outcomes, errors.Join(errs...)
}

// SweepExpired は期限切れのセッションを削除し、削除件数を返します。
func (p *Pipeline) SweepExpired(ctx context.Context) (int, error) {
	ids, err := p.Sessions.ListExpired(ctx, p.now())
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	deleted := 0
	var errs []error
	for _, id := range ids {
		if err := p.DeleteSession(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		deleted++
	}
	if deleted > 0 || len(errs) > 0 {
		slog.InfoContext(ctx, "期限切れセッションを掃除しました", "deleted", deleted, "failed", len(errs))
	}
	return deleted, errors.Join(errs...)
}
