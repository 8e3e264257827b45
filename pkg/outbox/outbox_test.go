package outbox

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlavor(t *testing.T) {
	for _, s := range []string{"label", "label_push", "label-push"} {
		f, err := ParseFlavor(s)
		require.NoError(t, err)
		assert.Equal(t, LabelPush, f)
	}
	f, err := ParseFlavor("archive")
	require.NoError(t, err)
	assert.Equal(t, ArchivePush, f)

	_, err = ParseFlavor("delete")
	assert.ErrorIs(t, err, ErrUnknownFlavor)
}

func TestFlavorTable(t *testing.T) {
	table, err := ArchivePush.Table()
	require.NoError(t, err)
	assert.Equal(t, "archive_push_outbox", table)

	table, err = LabelPush.Table()
	require.NoError(t, err)
	assert.Equal(t, "label_push_outbox", table)

	_, err = Flavor("x; DROP TABLE").Table()
	assert.ErrorIs(t, err, ErrUnknownFlavor)
}

func TestTruncateError(t *testing.T) {
	assert.Equal(t, "short", TruncateError("short"))

	long := strings.Repeat("a", MaxErrorLen-1) + "错误"
	got := TruncateError(long)
	assert.LessOrEqual(t, len(got), MaxErrorLen)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", MaxErrorLen-1), got)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff(0))
	assert.Equal(t, 30*time.Second, Backoff(1))
	assert.Equal(t, 90*time.Second, Backoff(3))
	assert.Equal(t, time.Hour, Backoff(500))
}

func TestEntryPending(t *testing.T) {
	now := time.Now()
	assert.True(t, Entry{}.Pending())
	assert.False(t, Entry{ProcessedAt: &now}.Pending())
}
