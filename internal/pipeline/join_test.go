package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/health-report/internal/model"
	"github.com/sells-group/health-report/internal/resilience"
)

func usableDataset() *model.DatasetResult {
	return &model.DatasetResult{
		Raw:     &model.ArtifactRef{Location: "raw.csv"},
		Mapping: map[string]string{"dt_notific": "DT_NOTIFIC"},
		Refined: &model.ArtifactRef{Location: "refined.csv"},
	}
}

func errRecord(stage string) model.ErrorRecord {
	return model.NewErrorRecord(stage, "", errors.New(stage+" failed"), false)
}

func channels() (chan BranchResult[*model.DatasetResult], chan BranchResult[*model.NewsResult]) {
	return make(chan BranchResult[*model.DatasetResult], 1), make(chan BranchResult[*model.NewsResult], 1)
}

func TestJoin_WaitsForBothBranches(t *testing.T) {
	ds, nw := channels()
	done := make(chan Merged, 1)
	go func() { done <- Join(context.Background(), nil, ds, nw, JoinPolicy{}) }()

	ds <- BranchResult[*model.DatasetResult]{Value: usableDataset()}
	select {
	case <-done:
		t.Fatal("join released before the news branch finished")
	case <-time.After(50 * time.Millisecond):
	}

	nw <- BranchResult[*model.NewsResult]{Value: &model.NewsResult{Topic: "SRAG"}}
	m := <-done
	assert.Equal(t, model.RunStatusCompleted, m.Status)
	assert.NotNil(t, m.Dataset)
	assert.NotNil(t, m.News)
	assert.Empty(t, m.Errors)
}

func TestJoin_OneBranchFailed(t *testing.T) {
	ds, nw := channels()
	ds <- BranchResult[*model.DatasetResult]{Value: usableDataset(), Errors: []model.ErrorRecord{errRecord(model.StageMap)}}
	nw <- BranchResult[*model.NewsResult]{
		Value:  &model.NewsResult{Topic: "SRAG"},
		Err:    resilience.Errorf(resilience.BranchFailed, "search", "every term failed"),
		Errors: []model.ErrorRecord{errRecord(model.StageSearch)},
	}

	m := Join(context.Background(), nil, ds, nw, JoinPolicy{Timeout: time.Second})
	assert.Equal(t, model.RunStatusPartiallyFailed, m.Status)
	assert.NotNil(t, m.Dataset)
	assert.Nil(t, m.News)
	require.Len(t, m.Errors, 2)
	assert.Equal(t, model.StageMap, m.Errors[0].Stage)
	assert.Equal(t, model.StageSearch, m.Errors[1].Stage)
}

func TestJoin_BothFailed(t *testing.T) {
	ds, nw := channels()
	ds <- BranchResult[*model.DatasetResult]{Value: &model.DatasetResult{}, Err: errors.New("no releases")}
	nw <- BranchResult[*model.NewsResult]{Value: &model.NewsResult{}, Err: errors.New("search down")}

	m := Join(context.Background(), nil, ds, nw, JoinPolicy{})
	assert.Equal(t, model.RunStatusFailed, m.Status)
	assert.Nil(t, m.Dataset)
	assert.Nil(t, m.News)
}

func TestJoin_TimeoutCancelsAndRecords(t *testing.T) {
	ds, nw := channels()
	cancelled := make(chan struct{})
	cancel := func() { close(cancelled) }

	// The dataset branch finishes in time; news hands back an evaluated
	// item once cancelled.
	ds <- BranchResult[*model.DatasetResult]{Value: usableDataset()}
	go func() {
		<-cancelled
		nw <- BranchResult[*model.NewsResult]{
			Value: &model.NewsResult{Items: []model.NewsItem{{URL: "https://n/a", Verdict: model.VerdictRelevant}}},
			Err:   context.Canceled,
		}
	}()

	start := time.Now()
	m := Join(context.Background(), cancel, ds, nw, JoinPolicy{Timeout: 30 * time.Millisecond, Grace: time.Second})
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, model.RunStatusPartiallyFailed, m.Status)
	assert.NotNil(t, m.Dataset)
	require.NotNil(t, m.News, "usable partial news is kept")
	require.Len(t, m.Errors, 1)
	assert.Equal(t, model.StageJoin, m.Errors[0].Stage)
	assert.Equal(t, model.BranchNews, m.Errors[0].TaskID)
	assert.Equal(t, resilience.RunTimeout, m.Errors[0].Kind)
	assert.True(t, m.Errors[0].Terminal)
}

func TestJoin_TimeoutGraceExpires(t *testing.T) {
	ds, nw := channels()
	calls := 0
	m := Join(context.Background(), func() { calls++ }, ds, nw, JoinPolicy{Timeout: 10 * time.Millisecond, Grace: 10 * time.Millisecond})

	assert.Equal(t, 1, calls)
	assert.Equal(t, model.RunStatusFailed, m.Status)
	require.Len(t, m.Errors, 2)
	assert.Equal(t, model.BranchDataset, m.Errors[0].TaskID)
	assert.Equal(t, model.BranchNews, m.Errors[1].TaskID)
	for _, r := range m.Errors {
		assert.Equal(t, resilience.RunTimeout, r.Kind)
	}
}

func TestJoin_PartialWithoutUsableDataIsDropped(t *testing.T) {
	ds, nw := channels()
	cancelled := make(chan struct{})
	nw <- BranchResult[*model.NewsResult]{Value: &model.NewsResult{}}
	go func() {
		<-cancelled
		ds <- BranchResult[*model.DatasetResult]{Value: &model.DatasetResult{Raw: &model.ArtifactRef{}}, Err: context.Canceled}
	}()

	m := Join(context.Background(), func() { close(cancelled) }, ds, nw, JoinPolicy{Timeout: 10 * time.Millisecond, Grace: time.Second})
	assert.Nil(t, m.Dataset)
	assert.NotNil(t, m.News)
	assert.Equal(t, model.RunStatusPartiallyFailed, m.Status)
}

func TestJoin_ContextCancelled(t *testing.T) {
	ds, nw := channels()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := Join(ctx, func() {}, ds, nw, JoinPolicy{Grace: 10 * time.Millisecond})
	assert.Equal(t, model.RunStatusFailed, m.Status)
	require.Len(t, m.Errors, 2)
	for _, r := range m.Errors {
		assert.Equal(t, resilience.Cancelled, r.Kind)
	}
}

func TestJoin_ContextDeadlineIsRunTimeout(t *testing.T) {
	ds, nw := channels()
	ds <- BranchResult[*model.DatasetResult]{Value: usableDataset()}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	m := Join(ctx, cancel, ds, nw, JoinPolicy{Grace: 10 * time.Millisecond})
	assert.Equal(t, model.RunStatusPartiallyFailed, m.Status)
	assert.NotNil(t, m.Dataset)
	require.Len(t, m.Errors, 1)
	assert.Equal(t, model.BranchNews, m.Errors[0].TaskID)
	assert.Equal(t, resilience.RunTimeout, m.Errors[0].Kind)
}

func TestJoin_LateResultAfterDeadlineIsRecorded(t *testing.T) {
	ds, nw := channels()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Both results are already buffered, but news arrives after ctx ended.
	ds <- BranchResult[*model.DatasetResult]{Value: usableDataset()}
	nw <- BranchResult[*model.NewsResult]{Value: &model.NewsResult{}, Err: context.Canceled}

	m := Join(ctx, func() {}, ds, nw, JoinPolicy{Grace: 10 * time.Millisecond})
	assert.Nil(t, m.News)
	var joinRecords int
	for _, r := range m.Errors {
		if r.Stage == model.StageJoin {
			joinRecords++
			assert.Equal(t, resilience.Cancelled, r.Kind)
		}
	}
	assert.Equal(t, 2, joinRecords)
}
