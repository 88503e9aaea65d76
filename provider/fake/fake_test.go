package fake

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

func TestSplit_RoundTrip(t *testing.T) {
	for _, text := range []string{"", "one", "two words", "  leading", "trailing  ", "a\nb\tc d"} {
		assert.Equal(t, text, strings.Join(Split(text), ""), "text %q", text)
	}
	assert.Equal(t, []string{"two ", "words"}, Split("two words"))
}

func TestProvider_Complete(t *testing.T) {
	p := New().WithReply(aitutor.FeatureStudyPlan, "Study daily.")

	c, err := p.Complete(context.Background(), &aitutor.Request{Feature: aitutor.FeatureStudyPlan, Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Study daily.", c.Content)

	c, err = p.Complete(context.Background(), &aitutor.Request{Feature: aitutor.FeatureTopicExplanation, Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Answer to topic_explanation: x", c.Content)
	assert.Equal(t, 2, p.Calls())
}

func TestProvider_StreamFailsAfterChunks(t *testing.T) {
	boom := errors.New("boom")
	p := New().WithDefaultReply("a b c d").WithStreamError(2, boom)

	ch, err := p.Stream(context.Background(), &aitutor.Request{Feature: aitutor.FeatureStudyPlan})
	require.NoError(t, err)

	var texts []string
	var got error
	for chunk := range ch {
		if chunk.Err != nil {
			got = chunk.Err
			continue
		}
		texts = append(texts, chunk.Text)
	}
	assert.Equal(t, []string{"a ", "b "}, texts)
	assert.ErrorIs(t, got, boom)
}

func TestProvider_StreamStopsOnCancel(t *testing.T) {
	p := New().WithDefaultReply("a b c d")
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := p.Stream(ctx, &aitutor.Request{Feature: aitutor.FeatureStudyPlan})
	require.NoError(t, err)
	<-ch
	cancel()
	for range ch {
	}
}

func TestProvider_Errors(t *testing.T) {
	boom := errors.New("down")
	p := New().WithError(boom).WithHealthError(boom)

	_, err := p.Complete(context.Background(), &aitutor.Request{})
	assert.ErrorIs(t, err, boom)
	_, err = p.Stream(context.Background(), &aitutor.Request{})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, p.HealthCheck(context.Background()), boom)
}
