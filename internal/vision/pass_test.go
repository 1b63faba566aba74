package vision

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-images/internal/fetcher"
	"github.com/sells-group/listing-images/internal/model"
	"github.com/sells-group/listing-images/internal/persist"
	"github.com/sells-group/listing-images/internal/resilience"
	"github.com/sells-group/listing-images/internal/store"
)

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Classify(ctx context.Context, images []Image) (Reply, error) {
	args := m.Called(ctx, images)
	return args.Get(0).(Reply), args.Error(1)
}

func imageCount(n int) any {
	return mock.MatchedBy(func(imgs []Image) bool { return len(imgs) == n })
}

type env struct {
	st   *store.SQLiteStore
	srv  *httptest.Server
	cls  *mockClassifier
	opts Options
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "vision.db"), store.DefaultTables())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, image.NewGray(image.Rect(0, 0, 4, 4))))
	jpeg := append([]byte{0xff, 0xd8, 0xff, 0xe0}, bytes.Repeat([]byte{0}, 64)...)

	mux := http.NewServeMux()
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBuf.Bytes()) //nolint:errcheck
	})
	for _, p := range []string{"/photo.jpg", "/a.jpg", "/b.jpg", "/c.jpg", "/d.jpg"} {
		mux.HandleFunc(p, func(w http.ResponseWriter, r *http.Request) {
			// Misdeclared on purpose: the bytes decide.
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(jpeg) //nolint:errcheck
		})
	}
	mux.HandleFunc("/doc.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello")) //nolint:errcheck
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &env{
		st:  st,
		srv: srv,
		cls: &mockClassifier{},
		opts: Options{
			Retry: resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		},
	}
}

func (e *env) url(path string) string { return e.srv.URL + path }

func (e *env) pass() *Pass {
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{PerHostRPS: 1000})
	return New(e.st, persist.New(e.st, 0), f, e.cls, e.opts)
}

func (e *env) seed(t *testing.T, providers []model.Provider, recs ...model.ImageMetadataRecord) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.st.InsertProviders(ctx, providers))
	_, err := e.st.UpsertImages(ctx, recs)
	require.NoError(t, err)
}

func (e *env) image(t *testing.T, pid int64, path string) model.ImageMetadataRecord {
	t.Helper()
	rec, err := e.st.GetImage(context.Background(), model.ImageKey{ProviderID: pid, ImageURL: e.url(path)})
	require.NoError(t, err)
	require.NotNil(t, rec)
	return *rec
}

func (e *env) heroURL(t *testing.T, pid int64) *string {
	t.Helper()
	p, err := e.st.GetProvider(context.Background(), pid)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p.HeroImageURL
}

func row(pid int64, url string, typ model.ImageType, conf, quality float64) model.ImageMetadataRecord {
	return model.ImageMetadataRecord{
		ProviderID:               pid,
		ImageURL:                 url,
		SourceField:              model.SourceGallery,
		ImageType:                typ,
		ClassificationMethod:     model.MethodSourceFieldDefault,
		ClassificationConfidence: conf,
		QualityScore:             quality,
		IsAccessible:             true,
		ReviewStatus:             model.ReviewPending,
	}
}

func TestPass_ReclassifiesAndSelectsHero(t *testing.T) {
	e := newEnv(t)
	e.seed(t, []model.Provider{{ID: 1}, {ID: 2}},
		row(1, e.url("/logo.png"), model.ImageTypeUnknown, 0.3, 0.2),
		row(1, e.url("/photo.jpg"), model.ImageTypePhoto, 0.5, 0.6),
		row(1, e.url("/a.jpg"), model.ImageTypeLogo, 0.9, 0.2),
		row(2, e.url("/missing.jpg"), model.ImageTypeUnknown, 0.3, 0.2),
	)

	e.cls.On("Classify", mock.Anything, mock.MatchedBy(func(imgs []Image) bool {
		return len(imgs) == 2 &&
			imgs[0].MediaType == "image/png" && imgs[0].URL == e.url("/logo.png") &&
			imgs[1].MediaType == "image/jpeg" && imgs[1].URL == e.url("/photo.jpg")
	})).Return(Reply{Text: `[{"type":"logo","confidence":0.95,"description":"red wordmark"},{"type":"photo_good","confidence":0.9,"description":"clinic front desk"}]`}, nil).Once()

	stats, err := e.pass().Run(context.Background())
	require.NoError(t, err)
	e.cls.AssertExpectations(t)

	assert.Equal(t, 3, stats.VisionReviewed)
	assert.Equal(t, 1, stats.VisionDownloadFailed)
	assert.Equal(t, 2, stats.VisionReclassified)
	assert.Equal(t, 1, stats.HeroesSelected)
	assert.Zero(t, stats.Errors)

	logo := e.image(t, 1, "/logo.png")
	assert.Equal(t, model.ImageTypeLogo, logo.ImageType)
	assert.Equal(t, model.MethodVisionAI, logo.ClassificationMethod)
	assert.Equal(t, 0.95, logo.ClassificationConfidence)
	assert.Equal(t, 0.1, logo.QualityScore)
	assert.False(t, logo.IsHero)

	photo := e.image(t, 1, "/photo.jpg")
	assert.Equal(t, model.ImageTypePhoto, photo.ImageType)
	assert.Equal(t, 0.87, photo.QualityScore)
	assert.True(t, photo.IsHero)

	untouched := e.image(t, 1, "/a.jpg")
	assert.Equal(t, model.MethodSourceFieldDefault, untouched.ClassificationMethod)

	missing := e.image(t, 2, "/missing.jpg")
	assert.Equal(t, model.MethodSourceFieldDefault, missing.ClassificationMethod)

	hero := e.heroURL(t, 1)
	require.NotNil(t, hero)
	assert.Equal(t, e.url("/photo.jpg"), *hero)
	assert.Nil(t, e.heroURL(t, 2))
}

func TestPass_SecondRunSkipsReviewedRows(t *testing.T) {
	e := newEnv(t)
	e.seed(t, []model.Provider{{ID: 1}}, row(1, e.url("/photo.jpg"), model.ImageTypePhoto, 0.5, 0.6))
	e.cls.On("Classify", mock.Anything, imageCount(1)).
		Return(Reply{Text: `[{"type":"photo_good","confidence":0.2}]`}, nil).Once()

	_, err := e.pass().Run(context.Background())
	require.NoError(t, err)

	stats, err := e.pass().Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.VisionReviewed)
	e.cls.AssertNumberOfCalls(t, "Classify", 1)
}

func TestPass_MalformedReplyDiscardsBatch(t *testing.T) {
	e := newEnv(t)
	e.seed(t, []model.Provider{{ID: 1}},
		row(1, e.url("/a.jpg"), model.ImageTypeUnknown, 0.3, 0.2),
		row(1, e.url("/b.jpg"), model.ImageTypeUnknown, 0.3, 0.2),
	)
	e.cls.On("Classify", mock.Anything, imageCount(2)).
		Return(Reply{Text: `[{"type":"logo","confidence":0.9}]`}, nil).Once()

	stats, err := e.pass().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 2, stats.VisionDiscarded)
	assert.Zero(t, stats.VisionReclassified)

	for _, p := range []string{"/a.jpg", "/b.jpg"} {
		rec := e.image(t, 1, p)
		assert.Equal(t, model.ImageTypeUnknown, rec.ImageType)
		assert.Equal(t, model.MethodSourceFieldDefault, rec.ClassificationMethod)
	}
}

func TestPass_BadPhotoGetsFallbackHero(t *testing.T) {
	e := newEnv(t)
	old := "https://old.example.com/hero.jpg"
	e.seed(t, []model.Provider{{ID: 1, HeroImageURL: &old}},
		row(1, e.url("/photo.jpg"), model.ImageTypePhoto, 0.5, 0.6),
	)
	e.cls.On("Classify", mock.Anything, imageCount(1)).
		Return(Reply{Text: `[{"type":"photo_bad","confidence":0.8}]`}, nil).Once()

	stats, err := e.pass().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.HeroesCleared)
	assert.Zero(t, stats.HeroesSelected)

	photo := e.image(t, 1, "/photo.jpg")
	assert.Equal(t, 0.24, photo.ClassificationConfidence)
	assert.Equal(t, 0.1, photo.QualityScore)
	assert.True(t, photo.IsHero)
	assert.Nil(t, e.heroURL(t, 1))
}

func TestPass_OverriddenHeroIsKept(t *testing.T) {
	e := newEnv(t)
	e.seed(t, []model.Provider{{ID: 1}},
		row(1, e.url("/logo.png"), model.ImageTypeLogo, 0.3, 0.2),
		row(1, e.url("/photo.jpg"), model.ImageTypePhoto, 0.5, 0.6),
	)
	_, err := e.st.DB().Exec(
		`UPDATE provider_image_metadata SET review_status = 'admin_overridden', is_hero = 1 WHERE image_url = ?`,
		e.url("/logo.png"))
	require.NoError(t, err)

	e.cls.On("Classify", mock.Anything, imageCount(1)).
		Return(Reply{Text: `[{"type":"photo_good","confidence":0.9}]`}, nil).Once()

	stats, err := e.pass().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.VisionReviewed, "overridden row is never a candidate")
	assert.Equal(t, 1, stats.VisionReclassified)
	assert.Zero(t, stats.HeroesSelected)

	logo := e.image(t, 1, "/logo.png")
	assert.Equal(t, model.ReviewAdminOverridden, logo.ReviewStatus)
	assert.True(t, logo.IsHero)
	assert.Equal(t, model.ImageTypeLogo, logo.ImageType)
	assert.False(t, e.image(t, 1, "/photo.jpg").IsHero)
	assert.Nil(t, e.heroURL(t, 1))
}

func TestPass_UnsupportedMediaTypeCountsAsDownloadFailure(t *testing.T) {
	e := newEnv(t)
	e.seed(t, []model.Provider{{ID: 1}}, row(1, e.url("/doc.txt"), model.ImageTypeUnknown, 0.3, 0.2))

	stats, err := e.pass().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.VisionReviewed)
	assert.Equal(t, 1, stats.VisionDownloadFailed)
	e.cls.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
}

func TestPass_RetriesTransientDownloadFailures(t *testing.T) {
	e := newEnv(t)
	jpeg := append([]byte{0xff, 0xd8, 0xff, 0xe0}, bytes.Repeat([]byte{0}, 16)...)
	var busyCalls, goneCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/busy.jpg", func(w http.ResponseWriter, r *http.Request) {
		if busyCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(jpeg) //nolint:errcheck
	})
	mux.HandleFunc("/gone.jpg", func(w http.ResponseWriter, r *http.Request) {
		goneCalls.Add(1)
		w.WriteHeader(http.StatusGone)
	})
	hosts := httptest.NewServer(mux)
	t.Cleanup(hosts.Close)

	e.seed(t, []model.Provider{{ID: 1}},
		row(1, hosts.URL+"/busy.jpg", model.ImageTypeUnknown, 0.1, 0.2),
		row(1, hosts.URL+"/gone.jpg", model.ImageTypeUnknown, 0.2, 0.2),
	)
	e.cls.On("Classify", mock.Anything, mock.MatchedBy(func(imgs []Image) bool {
		return len(imgs) == 1 && imgs[0].URL == hosts.URL+"/busy.jpg"
	})).Return(Reply{Text: `[{"type":"logo","confidence":0.8}]`}, nil).Once()

	stats, err := e.pass().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.VisionReclassified)
	assert.Equal(t, 1, stats.VisionDownloadFailed)
	assert.Equal(t, int32(2), busyCalls.Load())
	assert.Equal(t, int32(1), goneCalls.Load(), "a 410 is not retried")
	e.cls.AssertExpectations(t)
}

func TestPass_RetriesTransientErrors(t *testing.T) {
	e := newEnv(t)
	e.seed(t, []model.Provider{{ID: 1}}, row(1, e.url("/a.jpg"), model.ImageTypeUnknown, 0.3, 0.2))
	e.cls.On("Classify", mock.Anything, imageCount(1)).
		Return(Reply{}, resilience.NewTransientError(eris.New("overloaded"), 529)).Once()
	e.cls.On("Classify", mock.Anything, imageCount(1)).
		Return(Reply{Text: `[{"type":"logo","confidence":0.6}]`}, nil).Once()

	stats, err := e.pass().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.VisionReclassified)
	assert.Zero(t, stats.Errors)
	e.cls.AssertNumberOfCalls(t, "Classify", 2)
}

func TestPass_PermanentErrorDiscardsBatch(t *testing.T) {
	e := newEnv(t)
	e.seed(t, []model.Provider{{ID: 1}}, row(1, e.url("/a.jpg"), model.ImageTypeUnknown, 0.3, 0.2))
	e.cls.On("Classify", mock.Anything, imageCount(1)).
		Return(Reply{}, eris.New("invalid request")).Once()

	stats, err := e.pass().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.VisionDiscarded)
	e.cls.AssertNumberOfCalls(t, "Classify", 1)
}

func TestPass_PagesAndSubBatches(t *testing.T) {
	e := newEnv(t)
	e.opts.PageSize = 3
	e.opts.BatchSize = 2
	e.seed(t, []model.Provider{{ID: 1}, {ID: 2}},
		row(1, e.url("/a.jpg"), model.ImageTypeUnknown, 0.1, 0.2),
		row(1, e.url("/b.jpg"), model.ImageTypeUnknown, 0.2, 0.2),
		row(2, e.url("/c.jpg"), model.ImageTypeUnknown, 0.3, 0.2),
		row(2, e.url("/d.jpg"), model.ImageTypeUnknown, 0.4, 0.2),
	)
	e.cls.On("Classify", mock.Anything, imageCount(2)).
		Return(Reply{Text: `[{"type":"photo_good","confidence":0.5},{"type":"photo_good","confidence":1}]`}, nil)
	e.cls.On("Classify", mock.Anything, imageCount(1)).
		Return(Reply{Text: `[{"type":"photo_good","confidence":0.1}]`}, nil)

	stats, err := e.pass().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.VisionReviewed)
	assert.Equal(t, 4, stats.VisionReclassified)
	// page 1: [a b] [c], page 2: [d]
	e.cls.AssertNumberOfCalls(t, "Classify", 3)
	// one recompute per sub-batch: provider 1, then provider 2 twice
	assert.Equal(t, 3, stats.HeroesSelected)
	assert.True(t, e.image(t, 1, "/b.jpg").IsHero)
	assert.True(t, e.image(t, 2, "/c.jpg").IsHero)
}

func TestPass_Limit(t *testing.T) {
	e := newEnv(t)
	e.opts.Limit = 2
	e.opts.BatchSize = 1
	e.seed(t, []model.Provider{{ID: 1}},
		row(1, e.url("/a.jpg"), model.ImageTypeUnknown, 0.1, 0.2),
		row(1, e.url("/b.jpg"), model.ImageTypeUnknown, 0.2, 0.2),
		row(1, e.url("/c.jpg"), model.ImageTypeUnknown, 0.3, 0.2),
	)
	e.cls.On("Classify", mock.Anything, imageCount(1)).
		Return(Reply{Text: `[{"type":"logo","confidence":0.9}]`}, nil)

	stats, err := e.pass().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.VisionReviewed)
	e.cls.AssertNumberOfCalls(t, "Classify", 2)
	assert.Equal(t, model.MethodSourceFieldDefault, e.image(t, 1, "/c.jpg").ClassificationMethod)
}

// failingOverridesStore fails the next n override lookups.
type failingOverridesStore struct {
	store.Store
	n int
}

func (s *failingOverridesStore) OverriddenImages(ctx context.Context, ids []int64) (model.OverrideSet, error) {
	if s.n > 0 {
		s.n--
		return nil, eris.New("connection reset by peer")
	}
	return s.Store.OverriddenImages(ctx, ids)
}

func TestPass_NextRunRepairsLostHeroRecompute(t *testing.T) {
	e := newEnv(t)
	e.seed(t, []model.Provider{{ID: 1}, {ID: 2}},
		row(1, e.url("/a.jpg"), model.ImageTypeUnknown, 0.3, 0.2),
		row(2, e.url("/b.jpg"), model.ImageTypeUnknown, 0.4, 0.2),
	)
	e.cls.On("Classify", mock.Anything, imageCount(2)).
		Return(Reply{Text: `[{"type":"photo_good","confidence":0.9},{"type":"photo_good","confidence":0.9}]`}, nil).Once()

	flaky := &failingOverridesStore{Store: e.st, n: 1}
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{PerHostRPS: 1000})
	first, err := New(flaky, persist.New(flaky, 0), f, e.cls, e.opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.VisionReclassified)
	assert.Equal(t, 1, first.Errors)
	assert.Zero(t, first.HeroesSelected)
	assert.Nil(t, e.heroURL(t, 1))
	assert.False(t, e.image(t, 1, "/a.jpg").IsHero)

	second, err := New(flaky, persist.New(flaky, 0), f, e.cls, e.opts).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.VisionReviewed, "reclassified rows are not reviewed again")
	assert.Equal(t, 2, second.HeroesSelected)
	assert.Zero(t, second.Errors)
	e.cls.AssertNumberOfCalls(t, "Classify", 1)

	for pid, path := range map[int64]string{1: "/a.jpg", 2: "/b.jpg"} {
		hero := e.heroURL(t, pid)
		require.NotNil(t, hero)
		assert.Equal(t, e.url(path), *hero)
		assert.True(t, e.image(t, pid, path).IsHero)
	}

	third, err := e.pass().Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, third.HeroesSelected, "nothing left to repair")
}

func TestPass_DryRunWritesNothing(t *testing.T) {
	e := newEnv(t)
	e.opts.DryRun = true
	e.seed(t, []model.Provider{{ID: 1}}, row(1, e.url("/photo.jpg"), model.ImageTypePhoto, 0.5, 0.6))
	e.cls.On("Classify", mock.Anything, imageCount(1)).
		Return(Reply{Text: `[{"type":"photo_good","confidence":0.9}]`}, nil).Once()

	stats, err := e.pass().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.VisionReclassified)
	assert.Zero(t, stats.HeroesSelected)

	rec := e.image(t, 1, "/photo.jpg")
	assert.Equal(t, model.MethodSourceFieldDefault, rec.ClassificationMethod)
	assert.False(t, rec.IsHero)
}

func TestPass_CanceledContext(t *testing.T) {
	e := newEnv(t)
	e.seed(t, []model.Provider{{ID: 1}}, row(1, e.url("/a.jpg"), model.ImageTypeUnknown, 0.1, 0.2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats, err := e.pass().Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.VisionReviewed)
	e.cls.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
}
