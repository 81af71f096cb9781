package extract

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/chatrelay/driver"
	"github.com/use-agent/chatrelay/driver/drivertest"
	"github.com/use-agent/chatrelay/locator"
	"github.com/use-agent/chatrelay/models"
)

func newExtractor(t *testing.T, format Format) (*drivertest.Fake, *locator.Set, *Extractor) {
	t.Helper()
	set, err := locator.Default()
	require.NoError(t, err)
	f := drivertest.New()
	e := New(f, set, Options{ResponseTimeout: 50 * time.Millisecond, Format: format}, nil)
	return f, set, e
}

func TestExtractLatestTakesLastMatch(t *testing.T) {
	f, set, e := newExtractor(t, FormatText)
	f.SetElements(set.Response[0],
		driver.Element{HTML: "<p>an older reply that is long enough</p>"},
		driver.Element{HTML: "<p>Paris is the capital.</p><p></p><p></p><ul><li>one</li><li>two</li></ul>"},
	)

	got, err := e.ExtractLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital.\n\none\n\ntwo", got)
}

func TestExtractLatestFallsBackToLaterLocator(t *testing.T) {
	f, set, e := newExtractor(t, FormatText)
	f.SetElements(set.Response[2], driver.Element{Text: "plain text reply from the snapshot"})

	got, err := e.ExtractLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "plain text reply from the snapshot", got)
}

func TestExtractLatestWaitsForStopButton(t *testing.T) {
	f, set, e := newExtractor(t, FormatText)
	stop := set.StopButton[0]
	f.Show(stop)
	f.SetElements(set.Response[0], driver.Element{HTML: "<p>streamed reply text</p>"})
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Hide(stop)
	}()

	got, err := e.ExtractLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "streamed reply text", got)
	assert.True(t, f.Called("WaitAbsent", stop.String()))
}

func TestExtractLatestClassification(t *testing.T) {
	tests := []struct {
		name string
		els  []driver.Element
		want models.ErrorKind
	}{
		{"none", nil, models.KindNoResponse},
		{"too short", []driver.Element{{HTML: "<p>Hi there</p>"}}, models.KindEmptyResponse},
		{"blank", []driver.Element{{HTML: "<div>\n\n</div>"}}, models.KindEmptyResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, set, e := newExtractor(t, FormatText)
			if tt.els != nil {
				f.SetElements(set.Response[0], tt.els...)
			}
			_, err := e.ExtractLatest(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.want, models.KindOf(err))
		})
	}
}

func TestExtractLatestMinLengthCountsCharacters(t *testing.T) {
	f, set, e := newExtractor(t, FormatText)
	f.SetElements(set.Response[0], driver.Element{Text: "ééééééééé"})

	_, err := e.ExtractLatest(context.Background())
	assert.Equal(t, models.KindEmptyResponse, models.KindOf(err), "nine runes is below the minimum")
}

func TestExtractLatestMarkdown(t *testing.T) {
	f, set, e := newExtractor(t, FormatMarkdown)
	f.SetElements(set.Response[0], driver.Element{HTML: "<p>Use <strong>bold</strong> text here.</p>"})

	got, err := e.ExtractLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Use **bold** text here.", got)
}

func TestExtractLatestCanceled(t *testing.T) {
	_, _, e := newExtractor(t, FormatText)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.ExtractLatest(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a\n\n\nb", "a\n\nb"},
		{"a\n\n\n\n\n\nb", "a\n\nb"},
		{"  a\r\n\r\n\r\nb  ", "a\n\nb"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in))
	}
}
