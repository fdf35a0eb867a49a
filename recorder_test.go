package creditgate

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	_, ok := rec.Outcome()
	assert.False(t, ok)

	rec.Record(Outcome{Status: ReservationFailed})
	rec.Record(Outcome{Status: ReservationFinished, ConsumedCredit: Int64Ptr(7)})

	o, ok := rec.Outcome()
	require.True(t, ok)
	assert.Equal(t, ReservationFinished, o.Status)
	assert.Equal(t, int64(7), *o.ConsumedCredit)
}

func TestRecorderNilSafe(t *testing.T) {
	var rec *Recorder
	rec.Record(Outcome{Status: ReservationFinished})
	_, ok := rec.Outcome()
	assert.False(t, ok)

	assert.Nil(t, RecorderFrom(context.Background()))
}

func TestRecorderContextRoundTrip(t *testing.T) {
	rec := NewRecorder()
	ctx := WithRecorder(context.Background(), rec)
	assert.Same(t, rec, RecorderFrom(ctx))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			RecorderFrom(ctx).Record(Outcome{Status: ReservationFinished})
		}()
	}
	wg.Wait()
	_, ok := rec.Outcome()
	assert.True(t, ok)
}

func TestEstimateCost(t *testing.T) {
	m := ModelConfig{Model: "flux", Cost: 10, MaxCount: 4}

	cost, err := EstimateCost(m, 0)
	assert.NoError(t, err)
	assert.Equal(t, int64(10), cost)

	cost, err = EstimateCost(m, 4)
	assert.NoError(t, err)
	assert.Equal(t, int64(40), cost)

	_, err = EstimateCost(m, 5)
	assert.ErrorIs(t, err, ErrInvalidParams)
	_, err = EstimateCost(m, -1)
	assert.ErrorIs(t, err, ErrInvalidParams)

	cost, err = EstimateCost(ModelConfig{Model: "any", Cost: 3}, 50)
	assert.NoError(t, err)
	assert.Equal(t, int64(150), cost)
}

func TestTaskTypeText(t *testing.T) {
	var tt TaskType
	require.NoError(t, tt.UnmarshalText([]byte("Video")))
	assert.Equal(t, TaskVideo, tt)
	require.NoError(t, tt.UnmarshalText([]byte("11")))
	assert.Equal(t, TaskCharacter, tt)
	assert.Error(t, tt.UnmarshalText([]byte("3")))

	b, err := TaskImage.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "image", string(b))
}
