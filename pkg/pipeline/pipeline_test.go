package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/store/blob"
	"github.com/shouni/go-storybook-kit/pkg/versionstore"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	p        *Pipeline
	engine   *mockEngine
	analyzer *mockAnalyzer
	sessions *memSessions
	versions *versionstore.Memory
	tmpl     *domain.StoryTemplate
	clock    *time.Time
}

func twoPageStory() *domain.StoryTemplate {
	t := &domain.StoryTemplate{
		ID:    "moon",
		Title: "Trip to the Moon",
		Pages: []domain.PageTemplate{
			{Number: 1, Scene: "boards a paper rocket", Emotion: "excited"},
			{Number: 2, Scene: "waves at the moon rabbits", Emotion: "delighted"},
		},
		Style: domain.StyleProfile{Name: "watercolor"},
		Settings: domain.StorySettings{
			MaxRegenerations:  domain.Ptr(2),
			UseCharacterSheet: true,
			UsePreviousPage:   true,
		},
	}
	t.ApplyDefaults()
	return t
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	now := testNow
	f := &fixture{
		engine:   &mockEngine{},
		analyzer: &mockAnalyzer{},
		versions: versionstore.NewMemory(),
		tmpl:     twoPageStory(),
		clock:    &now,
	}
	f.sessions = newMemSessions(func() time.Time { return *f.clock })
	deps := Deps{
		Templates: &mockTemplates{tmpl: f.tmpl},
		Sessions:  f.sessions,
		Assets:    blob.NewFSAssets(afero.NewMemMapFs(), "/assets"),
		Versions:  f.versions,
		Engine:    f.engine,
		Analyzer:  f.analyzer,
		Sheets:    &mockSheets{},
	}
	for _, m := range mutate {
		m(&deps)
	}
	p, err := New(deps, WithClock(func() time.Time { return *f.clock }))
	require.NoError(t, err)

	ids := 0
	p.newID = func() string { ids++; return fmt.Sprintf("sess-%d", ids) }
	f.p = p
	return f
}

func (f *fixture) readySession(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	sess, err := f.p.CreateSession(ctx, "moon", "Yui")
	require.NoError(t, err)
	_, err = f.p.UploadPhoto(ctx, sess.ID, photoPNG)
	require.NoError(t, err)
	return sess.ID
}

func TestPipeline_TwoPageScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.readySession(t)

	// 1ページ目を生成すると v1 が自動選択される
	res, err := f.p.GeneratePage(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version.Version)
	assert.Equal(t, 1, res.State.SelectedVersion)
	assert.Equal(t, domain.StatusGenerating, res.Session.Status)

	// 2回再生成して v2, v3
	for want := 2; want <= 3; want++ {
		res, err := f.p.RegeneratePage(ctx, id, 1)
		require.NoError(t, err)
		assert.Equal(t, want, res.Version.Version)
		assert.Equal(t, 1, res.State.SelectedVersion, "再生成では選択は変わらないのだ")
	}

	// 3回目の再生成は上限超過で、モデルも呼ばれない
	calls := f.engine.calls
	_, err = f.p.RegeneratePage(ctx, id, 1)
	assert.ErrorIs(t, err, domain.ErrRegenerationLimitExceeded)
	assert.Equal(t, calls, f.engine.calls)
	n, err := f.versions.Count(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// v2 を選択して v3 をお気に入りにすると表示は v3
	_, err = f.p.SelectVersion(ctx, id, 1, 2)
	require.NoError(t, err)
	v3 := 3
	st, err := f.p.SetFavorite(ctx, id, 1, &v3)
	require.NoError(t, err)
	assert.Equal(t, 2, st.SelectedVersion)
	assert.Equal(t, 3, st.EffectiveVersion())

	state, err := f.p.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusGenerating, state.Session.Status)
	assert.Equal(t, domain.Progress{Completed: 1, Total: 2}, state.Session.Progress)

	// 2ページ目が揃うと completed
	res, err = f.p.GeneratePage(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Session.Status)
	assert.Equal(t, domain.Progress{Completed: 2, Total: 2}, res.Session.Progress)

	// 2ページ目は 写真 + シート + 1ページ目(v3) を参照する
	req := f.engine.lastRequest()
	require.Len(t, req.References, 3)
	assert.Equal(t, domain.RolePhoto, req.References[0].Role)
	assert.Equal(t, domain.RoleCharacterSheet, req.References[1].Role)
	assert.Equal(t, domain.RolePreviousPage, req.References[2].Role)
	assert.Contains(t, req.Prompt, "IMAGE 3: the previously generated page 1")
	assert.NotContains(t, req.SimplifiedPrompt, "VISUAL CONSISTENCY")

	// 上限超過の再生成では解析も呼ばれないのだ
	assert.Equal(t, 4, f.analyzer.calls)
}

func TestPipeline_GeneratePage(t *testing.T) {
	ctx := context.Background()

	t.Run("写真がなければ ErrPhotoRequired", func(t *testing.T) {
		f := newFixture(t)
		sess, err := f.p.CreateSession(ctx, "moon", "Yui")
		require.NoError(t, err)

		_, err = f.p.GeneratePage(ctx, sess.ID, 1)
		assert.ErrorIs(t, err, domain.ErrPhotoRequired)
		assert.Equal(t, 0, f.engine.calls)
	})

	t.Run("存在しないページは ErrPageNotFound", func(t *testing.T) {
		f := newFixture(t)
		id := f.readySession(t)
		_, err := f.p.GeneratePage(ctx, id, 9)
		assert.ErrorIs(t, err, domain.ErrPageNotFound)
	})

	t.Run("生成済みページの GeneratePage は既存を返す", func(t *testing.T) {
		f := newFixture(t)
		id := f.readySession(t)
		_, err := f.p.GeneratePage(ctx, id, 1)
		require.NoError(t, err)

		res, err := f.p.GeneratePage(ctx, id, 1)
		require.NoError(t, err)
		assert.True(t, res.Reused)
		assert.Equal(t, 1, f.engine.calls)
	})

	t.Run("解析とシートの失敗は記録して続行する", func(t *testing.T) {
		f := newFixture(t, func(d *Deps) {
			d.Sheets = &mockSheets{err: &domain.SheetGenerationError{SessionID: "x", Err: domain.ErrNoContent}}
		})
		f.analyzer.err = &domain.AnalysisError{SessionID: "x", Err: errors.New("not json")}
		id := f.readySession(t)

		res, err := f.p.GeneratePage(ctx, id, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Version.Version)

		req := f.engine.lastRequest()
		assert.Len(t, req.References, 1, "写真だけで生成するのだ")
		assert.NotContains(t, req.Prompt, "MAIN CHARACTER APPEARANCE")

		sess, err := f.p.GetSession(ctx, id)
		require.NoError(t, err)
		require.Len(t, sess.Errors, 2)
		assert.Equal(t, StageAnalysis, sess.Errors[0].Stage)
		assert.Equal(t, StageSheet, sess.Errors[1].Stage)
	})

	t.Run("生成の失敗は記録され進捗は進まない", func(t *testing.T) {
		f := newFixture(t)
		f.engine.err = &domain.GenerationError{Strategy: domain.StrategyReducedReference, Attempts: 5, Err: domain.ErrNoContent}
		id := f.readySession(t)

		_, err := f.p.GeneratePage(ctx, id, 1)
		var genErr *domain.GenerationError
		require.ErrorAs(t, err, &genErr)

		state, err := f.p.State(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, state.Session.Progress.Completed)
		assert.Equal(t, 0, state.Pages[0].Versions)
		require.Len(t, state.Session.Errors, 1)
		assert.Equal(t, StageGeneration, state.Session.Errors[0].Stage)
		assert.Equal(t, 5, state.Session.Errors[0].Attempt)
	})

	t.Run("縮退生成と後処理の失敗は Degraded に残る", func(t *testing.T) {
		f := newFixture(t, func(d *Deps) { d.Post = &mockPost{degrade: true} })
		f.tmpl.Settings.IdentityTransfer = true
		f.engine.strategy = domain.StrategyReducedReference
		id := f.readySession(t)

		res, err := f.p.GeneratePage(ctx, id, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{domain.StrategyReducedReference, "identity-transfer"}, res.Version.Degraded)

		img, mime, err := f.p.GetPageImage(ctx, id, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("generated"), img, "後処理が失敗したら生成画像のまま保存するのだ")
		assert.Equal(t, "image/png", mime)
	})

	t.Run("後処理の結果が保存される", func(t *testing.T) {
		f := newFixture(t, func(d *Deps) { d.Post = &mockPost{} })
		f.tmpl.Settings.Restoration = true
		id := f.readySession(t)

		_, err := f.p.GeneratePage(ctx, id, 1)
		require.NoError(t, err)
		img, _, err := f.p.GetPageImage(ctx, id, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, []byte("generated+post"), img)
	})

	t.Run("上限0の物語は最初の1枚だけで再生成できない", func(t *testing.T) {
		f := newFixture(t)
		f.tmpl.Settings.MaxRegenerations = domain.Ptr(0)
		id := f.readySession(t)

		res, err := f.p.GeneratePage(ctx, id, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Version.Version)

		_, err = f.p.RegeneratePage(ctx, id, 1)
		assert.ErrorIs(t, err, domain.ErrRegenerationLimitExceeded)
		n, err := f.versions.Count(ctx, id, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("同じページへの同時再生成でも上限を超えない", func(t *testing.T) {
		f := newFixture(t)
		id := f.readySession(t)
		_, err := f.p.GeneratePage(ctx, id, 1)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		limited := 0
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.p.RegeneratePage(ctx, id, 1)
				if errors.Is(err, domain.ErrRegenerationLimitExceeded) {
					mu.Lock()
					limited++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		n, err := f.versions.Count(ctx, id, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, 4, limited)
		assert.Equal(t, 0, f.p.locks.size(), "使い終わったロックは残らないのだ")
	})
}

func TestPipeline_Session(t *testing.T) {
	ctx := context.Background()

	t.Run("存在しない物語ではセッションを作れない", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.p.CreateSession(ctx, "nope", "Yui")
		assert.ErrorIs(t, err, domain.ErrStoryNotFound)
		_, err = f.p.CreateSession(ctx, "", "Yui")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("画像でないデータは写真として受け付けない", func(t *testing.T) {
		f := newFixture(t)
		sess, err := f.p.CreateSession(ctx, "moon", "Yui")
		require.NoError(t, err)
		_, err = f.p.UploadPhoto(ctx, sess.ID, []byte("hello"))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("生成開始後は写真を差し替えられない", func(t *testing.T) {
		f := newFixture(t)
		id := f.readySession(t)
		assert.Equal(t, 1, f.analyzer.forgets)
		_, err := f.p.GeneratePage(ctx, id, 1)
		require.NoError(t, err)

		_, err = f.p.UploadPhoto(ctx, id, photoPNG)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("期限切れは見つからず掃除で消える", func(t *testing.T) {
		f := newFixture(t)
		id := f.readySession(t)
		_, err := f.p.GeneratePage(ctx, id, 1)
		require.NoError(t, err)

		*f.clock = testNow.Add(DefaultSessionTTL + time.Minute)
		_, err = f.p.GetSession(ctx, id)
		assert.ErrorIs(t, err, domain.ErrSessionNotFoundOrExpired)

		n, err := f.p.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		states, err := f.versions.States(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, states)
	})

	t.Run("削除するとバージョンも画像も消える", func(t *testing.T) {
		f := newFixture(t)
		id := f.readySession(t)
		_, err := f.p.GeneratePage(ctx, id, 1)
		require.NoError(t, err)

		require.NoError(t, f.p.DeleteSession(ctx, id))
		_, err = f.p.GetSession(ctx, id)
		assert.ErrorIs(t, err, domain.ErrSessionNotFoundOrExpired)
		n, _ := f.versions.Count(ctx, id, 1)
		assert.Equal(t, 0, n)
	})

	t.Run("範囲外の選択は ErrVersionNotFound", func(t *testing.T) {
		f := newFixture(t)
		id := f.readySession(t)
		_, err := f.p.GeneratePage(ctx, id, 1)
		require.NoError(t, err)

		_, err = f.p.SelectVersion(ctx, id, 1, 2)
		assert.ErrorIs(t, err, domain.ErrVersionNotFound)
		_, _, err = f.p.GetPageImage(ctx, id, 1, 4)
		assert.ErrorIs(t, err, domain.ErrVersionNotFound)
	})
}

func TestPipeline_GenerateAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.tmpl.Pages = append(f.tmpl.Pages,
		domain.PageTemplate{Number: 3, Scene: "lands softly"},
		domain.PageTemplate{Number: 4, Scene: "says goodbye"},
	)
	id := f.readySession(t)

	outcomes, err := f.p.GenerateAll(ctx, id)
	require.NoError(t, err)
	require.Len(t, outcomes, 4)
	for i, o := range outcomes {
		assert.Equal(t, i+1, o.Page)
		require.NoError(t, o.Err)
		assert.Equal(t, 1, o.Result.Version.Version)
	}

	// 1ページ目以外は1ページ目を参照している
	withPrev := 0
	for _, req := range f.engine.requests {
		for _, r := range req.References {
			if r.Role == domain.RolePreviousPage {
				withPrev++
			}
		}
	}
	assert.Equal(t, 3, withPrev)

	state, err := f.p.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, state.Session.Status)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	released := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(released)
		unlock()
	}()

	select {
	case <-released:
		t.Fatal("同じキーは待たされるはずなのだ")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-released
	unlockB()
	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, time.Millisecond)
}
