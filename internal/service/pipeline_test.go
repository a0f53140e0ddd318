package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postmedia/internal/models"
	fixtures "postmedia/internal/testutil"
)

func TestUploadProducesBoundedRenditions(t *testing.T) {
	f := newFixture(t)

	record := f.upload(t, 2000, 1500)
	assert.Equal(t, models.ModerationApproved, record.ModerationStatus)
	assert.True(t, record.IsPrimary)
	assert.Equal(t, 0, record.DisplayOrder)
	assert.Equal(t, 1440, record.Width)
	assert.Equal(t, 1080, record.Height)
	assert.Len(t, record.Checksum, 32)
	assert.Equal(t, 1, record.ModerationAttempts)
	assert.NotNil(t, record.ModeratedAt)

	bounds := map[models.RenditionClass][2]int{
		models.RenditionThumbnail: {150, 150},
		models.RenditionMedium:    {800, 600},
		models.RenditionFull:      {1920, 1080},
	}
	for _, class := range models.RenditionClasses {
		r := record.Rendition(class)
		require.NotEmpty(t, r.Key)
		assert.NotContains(t, r.Key, "photo")
		assert.Equal(t, "https://cdn.example.test/renditions/"+r.Key, r.URL)

		obj, ok := f.objects.Object(testBucket, r.Key)
		require.True(t, ok, "object %s missing", r.Key)
		cfg, _, err := image.DecodeConfig(bytes.NewReader(obj.Content))
		require.NoError(t, err)
		if class == models.RenditionThumbnail {
			assert.Equal(t, 150, cfg.Width)
			assert.Equal(t, 150, cfg.Height)
		} else {
			assert.LessOrEqual(t, cfg.Width, bounds[class][0])
			assert.LessOrEqual(t, cfg.Height, bounds[class][1])
		}
	}

	require.Len(t, f.classifier.Requests, 1)
	assert.Equal(t, record.Full.Key, f.classifier.Requests[0].Key)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Uploads.WithLabelValues("ok")))
}

func TestUploadStripsLocationMetadata(t *testing.T) {
	f := newFixture(t)
	record, err := f.pipeline.Upload(context.Background(), UploadInput{
		Caller:       owner,
		PostID:       postID,
		Filename:     "holiday.jpg",
		DeclaredMIME: "image/jpeg",
		Content:      fixtures.JPEGWithGPS(t, 640, 480),
	})
	require.NoError(t, err)

	for _, key := range record.StorageKeys() {
		obj, ok := f.objects.Object(testBucket, key)
		require.True(t, ok)
		assert.False(t, bytes.Contains(obj.Content, []byte(fixtures.ExifMarker)))
	}
}

func TestUploadAppendsAfterExistingImages(t *testing.T) {
	f := newFixture(t)
	first := f.upload(t, 64, 48)
	second := f.upload(t, 64, 48)
	third := f.upload(t, 64, 48)

	assert.True(t, first.IsPrimary)
	assert.False(t, second.IsPrimary)
	assert.False(t, third.IsPrimary)
	assert.Equal(t, 1, second.DisplayOrder)
	assert.Equal(t, 2, third.DisplayOrder)
}

func TestUploadFailureOnThirdRenditionLeavesNothing(t *testing.T) {
	f := newFixture(t)
	f.objects.FailPuts("full/", minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}, -1)

	_, err := f.pipeline.Upload(context.Background(), UploadInput{
		Caller:       owner,
		PostID:       postID,
		Filename:     "photo.png",
		DeclaredMIME: "image/png",
		Content:      fixtures.TinyPNG(t, 320, 240),
	})
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.CodeStorageUnavailable))

	assert.Empty(t, f.objects.Keys(testBucket))
	assert.Zero(t, f.store.Len())
	assert.Zero(t, f.classifier.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Compensations.WithLabelValues("ok")))
}

func TestUploadRecordFailureRemovesObjects(t *testing.T) {
	f := newFixture(t)
	f.store.LockErr = errors.New("database unavailable")

	_, err := f.pipeline.Upload(context.Background(), UploadInput{
		Caller:       owner,
		PostID:       postID,
		Filename:     "photo.png",
		DeclaredMIME: "image/png",
		Content:      fixtures.TinyPNG(t, 320, 240),
	})
	require.Error(t, err)
	assert.True(t, models.HasCode(err, models.CodeInternal))
	assert.Empty(t, f.objects.Keys(testBucket))
}

func TestUploadCleanupSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.classifier.Delay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := f.pipeline.Upload(ctx, UploadInput{
		Caller:       owner,
		PostID:       postID,
		Filename:     "photo.png",
		DeclaredMIME: "image/png",
		Content:      fixtures.TinyPNG(t, 320, 240),
	})
	require.Error(t, err)
	assert.Empty(t, f.objects.Keys(testBucket))
	assert.Zero(t, f.store.Len())
}

func TestUploadModerationTimeoutIsPendingAndOwesRetry(t *testing.T) {
	f := newFixture(t)
	f.classifier.Delay = time.Second

	before := time.Now()
	record := f.upload(t, 64, 48)
	assert.Equal(t, models.ModerationPending, record.ModerationStatus)
	assert.NotEqual(t, models.ModerationApproved, record.ModerationStatus)
	assert.Nil(t, record.ModeratedAt)
	assert.NotEmpty(t, record.ModerationDetails.LastError)

	due, ok := f.retries.get(record.ID)
	require.True(t, ok)
	assert.WithinDuration(t, before.Add(time.Minute), due, 5*time.Second)

	visible, err := f.pipeline.ListVisible(context.Background(), postID)
	require.NoError(t, err)
	assert.Len(t, visible, 1, "pending images stay listed but are never approved")
}

func TestUploadModerationDecisions(t *testing.T) {
	tests := []struct {
		name   string
		scores map[string]float64
		want   models.ModerationStatus
	}{
		{"reject", map[string]float64{"explicit": 96}, models.ModerationRejected},
		{"flag", map[string]float64{"violence": 85}, models.ModerationFlagged},
		{"approve", map[string]float64{"suggestive": 40}, models.ModerationApproved},
		{"empty response", map[string]float64{}, models.ModerationPending},
		{"unknown labels only", map[string]float64{"cartoon": 3}, models.ModerationPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.classifier.Set(tt.scores, nil)
			record := f.upload(t, 64, 48)
			assert.Equal(t, tt.want, record.ModerationStatus)
			_, owed := f.retries.get(record.ID)
			assert.Equal(t, tt.want == models.ModerationPending, owed)
		})
	}

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, withModeration(false))
		f.classifier.Set(map[string]float64{"explicit": 99}, nil)
		record := f.upload(t, 64, 48)
		assert.Equal(t, models.ModerationApproved, record.ModerationStatus)
		assert.Zero(t, f.classifier.Calls())
		assert.Zero(t, record.ModerationAttempts)
	})
}

func TestRejectedImagesAreHidden(t *testing.T) {
	f := newFixture(t)
	kept := f.upload(t, 64, 48)
	f.classifier.Set(map[string]float64{"explicit": 99}, nil)
	rejected := f.upload(t, 64, 48)

	visible, err := f.pipeline.ListVisible(context.Background(), postID)
	require.NoError(t, err)
	assert.Equal(t, []string{kept.ID}, idsOf(visible))

	_, err = f.pipeline.Get(context.Background(), rejected.ID)
	assert.True(t, models.HasCode(err, models.CodeNotFound))
}

func TestUploadValidationFailures(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.Upload(context.Background(), UploadInput{
		Caller: owner, PostID: postID, Filename: "big.png", DeclaredMIME: "image/png",
		Content: fixtures.PaddedPNG(t, 16, 16, 10485761),
	})
	assert.True(t, models.HasCode(err, models.CodeFileTooLarge))

	_, err = f.pipeline.Upload(context.Background(), UploadInput{
		Caller: owner, PostID: postID, Filename: "huge.png", DeclaredMIME: "image/png",
		Content: fixtures.PaddedPNG(t, 16, 16, 10485761), Size: 31457280,
	})
	assert.EqualValues(t, 31457280, models.AsError(err).Details["actual_size"])

	record, err := f.pipeline.Upload(context.Background(), UploadInput{
		Caller: owner, PostID: postID, Filename: "edge.png", DeclaredMIME: "image/png",
		Content: fixtures.PaddedPNG(t, 16, 16, 10485760),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 10485760, record.OriginalSize)

	_, err = f.pipeline.Upload(context.Background(), UploadInput{
		Caller: models.Caller{UserID: "intruder"}, PostID: postID, Filename: "a.png", DeclaredMIME: "image/png",
		Content: fixtures.TinyPNG(t, 8, 8),
	})
	assert.True(t, models.HasCode(err, models.CodeNotOwner))

	_, err = f.pipeline.Upload(context.Background(), UploadInput{
		Caller: owner, PostID: "missing", Filename: "a.png", DeclaredMIME: "image/png",
		Content: fixtures.TinyPNG(t, 8, 8),
	})
	assert.True(t, models.HasCode(err, models.CodeNotFound))

	assert.Len(t, f.objects.Keys(testBucket), 3, "only the accepted upload stored objects")
}

func TestUploadRespectsCategoryLimit(t *testing.T) {
	f := newFixture(t)
	f.posts.SetLimit(category, 2)
	f.upload(t, 8, 8)
	f.upload(t, 8, 8)

	_, err := f.pipeline.Upload(context.Background(), UploadInput{
		Caller: owner, PostID: postID, Filename: "a.png", DeclaredMIME: "image/png",
		Content: fixtures.TinyPNG(t, 8, 8),
	})
	require.Error(t, err)
	appErr := models.AsError(err)
	assert.Equal(t, models.CodeCategoryLimitExceeded, appErr.Code)
	assert.Equal(t, 2, appErr.Details["limit"])
	assert.Len(t, f.objects.Keys(testBucket), 6)
}

func TestConcurrentUploadsNeverExceedLimit(t *testing.T) {
	f := newFixture(t)
	f.posts.SetLimit(category, 3)

	const uploads = 6
	content := fixtures.TinyPNG(t, 32, 32)
	errs := make(chan error, uploads)
	for i := 0; i < uploads; i++ {
		go func() {
			_, err := f.pipeline.Upload(context.Background(), UploadInput{
				Caller: owner, PostID: postID, Filename: "a.png", DeclaredMIME: "image/png",
				Content: content,
			})
			errs <- err
		}()
	}
	succeeded := 0
	for i := 0; i < uploads; i++ {
		if err := <-errs; err == nil {
			succeeded++
		} else {
			assert.True(t, models.HasCode(err, models.CodeCategoryLimitExceeded), err.Error())
		}
	}
	assert.Equal(t, 3, succeeded)

	records, err := f.store.ListByPost(context.Background(), postID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	primaries := 0
	for i, r := range records {
		assert.Equal(t, i, r.DisplayOrder)
		if r.IsPrimary {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)
	assert.Len(t, f.objects.Keys(testBucket), 9, "rejected uploads removed their objects")
}

func TestRetryModeration(t *testing.T) {
	f := newFixture(t)
	f.classifier.Set(nil, errors.New("classifier down"))
	record := f.upload(t, 64, 48)
	require.Equal(t, models.ModerationPending, record.ModerationStatus)

	require.NoError(t, f.pipeline.RetryModeration(context.Background(), record.ID))
	current := f.orderOf(t, record.ID)
	assert.Equal(t, models.ModerationPending, current.ModerationStatus)
	assert.Equal(t, 2, current.ModerationAttempts)

	f.classifier.Set(map[string]float64{"violence": 88}, nil)
	require.NoError(t, f.pipeline.RetryModeration(context.Background(), record.ID))
	current = f.orderOf(t, record.ID)
	assert.Equal(t, models.ModerationFlagged, current.ModerationStatus)
	assert.Equal(t, 3, current.ModerationAttempts)

	calls := f.classifier.Calls()
	require.NoError(t, f.pipeline.RetryModeration(context.Background(), record.ID))
	assert.Equal(t, calls, f.classifier.Calls(), "decided images are not classified again")

	require.NoError(t, f.pipeline.RetryModeration(context.Background(), "gone"))
}

func TestRetryModerationSignsFreshURL(t *testing.T) {
	f := newFixture(t, withSignedURLs())
	f.classifier.Set(nil, errors.New("classifier down"))
	record := f.upload(t, 64, 48)
	require.Equal(t, models.ModerationPending, record.ModerationStatus)

	stale := record
	stale.Full.URL = "https://signed.example.test/expired"
	f.store.Put(stale)

	f.classifier.Set(map[string]float64{"explicit": 2}, nil)
	require.NoError(t, f.pipeline.RetryModeration(context.Background(), record.ID))

	require.Len(t, f.classifier.Requests, 2)
	sent := f.classifier.Requests[1]
	assert.Equal(t, record.Full.Key, sent.Key)
	assert.NotEqual(t, stale.Full.URL, sent.URL)
	assert.True(t, strings.HasPrefix(sent.URL, "https://signed.example.test/renditions/"+record.Full.Key), sent.URL)
	assert.Equal(t, models.ModerationApproved, f.orderOf(t, record.ID).ModerationStatus)
}

func TestRetryModerationExhaustionFlags(t *testing.T) {
	f := newFixture(t)
	f.classifier.Set(nil, errors.New("classifier down"))
	record := f.upload(t, 64, 48)

	require.NoError(t, f.pipeline.RetryModeration(context.Background(), record.ID))
	require.NoError(t, f.pipeline.RetryModeration(context.Background(), record.ID))

	current := f.orderOf(t, record.ID)
	assert.Equal(t, models.ModerationFlagged, current.ModerationStatus)
	assert.Equal(t, 3, current.ModerationAttempts)
	assert.Equal(t, "system", current.ModerationDetails.DecidedBy)
}

func TestRetryDelay(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, time.Minute, f.pipeline.RetryDelay(1))
	assert.Equal(t, 2*time.Minute, f.pipeline.RetryDelay(2))
	assert.Equal(t, 32*time.Minute, f.pipeline.RetryDelay(6))
	assert.Equal(t, time.Hour, f.pipeline.RetryDelay(7))
	assert.Equal(t, time.Hour, f.pipeline.RetryDelay(30))
}

func TestSweepPendingReschedulesLostRetries(t *testing.T) {
	f := newFixture(t)
	old := time.Now().Add(-time.Hour)
	f.store.Put(models.ImageRecord{ID: "stale", PostID: postID, ModerationStatus: models.ModerationPending, UpdatedAt: old, CreatedAt: old})
	f.store.Put(models.ImageRecord{ID: "fresh", PostID: "post-2", ModerationStatus: models.ModerationPending, UpdatedAt: time.Now(), CreatedAt: time.Now()})

	n, err := f.pipeline.SweepPending(context.Background(), 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := f.retries.get("stale")
	assert.True(t, ok)
	_, ok = f.retries.get("fresh")
	assert.False(t, ok)

	n, err = f.pipeline.SweepPending(context.Background(), 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResolveModeration(t *testing.T) {
	f := newFixture(t)
	f.classifier.Set(map[string]float64{"suggestive": 85}, nil)
	record := f.upload(t, 64, 48)
	require.Equal(t, models.ModerationFlagged, record.ModerationStatus)

	reviewer := models.Caller{UserID: "mod-1", Role: models.UserRoleModerator}
	_, err := f.pipeline.ResolveModeration(context.Background(), reviewer, record.ID, models.ModerationPending, "")
	assert.True(t, models.HasCode(err, models.CodeInvalidTransition))

	updated, err := f.pipeline.ResolveModeration(context.Background(), reviewer, record.ID, models.ModerationApproved, "looks fine")
	require.NoError(t, err)
	assert.Equal(t, models.ModerationApproved, updated.ModerationStatus)
	assert.Equal(t, "mod-1", updated.ModerationDetails.DecidedBy)
	assert.Equal(t, 85.0, updated.ModerationDetails.MaxScore)

	_, err = f.pipeline.ResolveModeration(context.Background(), reviewer, record.ID, models.ModerationRejected, "")
	assert.True(t, models.HasCode(err, models.CodeInvalidTransition), "approved is terminal")
}

func TestPassThroughsCheckOwnership(t *testing.T) {
	f := newFixture(t)
	first := f.upload(t, 8, 8)
	second := f.upload(t, 8, 8)
	stranger := models.Caller{UserID: "user-2"}

	err := f.pipeline.SetPrimary(context.Background(), stranger, second.ID)
	assert.True(t, models.HasCode(err, models.CodeNotFound))

	err = f.pipeline.Delete(context.Background(), stranger, second.ID)
	assert.True(t, models.HasCode(err, models.CodeNotFound))

	err = f.pipeline.Reorder(context.Background(), stranger, postID, []string{second.ID, first.ID})
	assert.True(t, models.HasCode(err, models.CodeNotOwner))

	err = f.pipeline.Reorder(context.Background(), owner, "missing", nil)
	assert.True(t, models.HasCode(err, models.CodeNotFound))

	require.NoError(t, f.pipeline.SetPrimary(context.Background(), owner, second.ID))
	assert.True(t, f.orderOf(t, second.ID).IsPrimary)

	admin := models.Caller{UserID: "root", Role: models.UserRoleAdmin}
	require.NoError(t, f.pipeline.Delete(context.Background(), admin, second.ID))
	assert.True(t, f.orderOf(t, first.ID).IsPrimary)
	assert.Len(t, f.objects.Keys(testBucket), 3)
}
