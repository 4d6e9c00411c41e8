package ndjson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectAll(t *testing.T, d *Decoder, chunks [][]byte) []string {
	t.Helper()

	var records []string
	for _, chunk := range chunks {
		recs, err := d.Decode(chunk)
		require.NoError(t, err)
		for _, r := range recs {
			records = append(records, string(r))
		}
	}

	final, err := d.Flush()
	require.NoError(t, err)
	if final != nil {
		records = append(records, string(final))
	}
	return records
}

func TestDecoder(t *testing.T) {
	t.Run("should decode a single complete line", func(t *testing.T) {
		d := NewDecoder()
		records, err := d.Decode([]byte(`{"done":false}` + "\n"))
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.JSONEq(t, `{"done":false}`, string(records[0]))
	})

	t.Run("should hold back an unterminated line", func(t *testing.T) {
		d := NewDecoder()
		records, err := d.Decode([]byte(`{"done":`))
		require.NoError(t, err)
		assert.Empty(t, records)
		assert.Positive(t, d.Buffered())

		records, err = d.Decode([]byte(`false}` + "\n"))
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.JSONEq(t, `{"done":false}`, string(records[0]))
		assert.Zero(t, d.Buffered())
	})

	t.Run("should skip blank lines", func(t *testing.T) {
		d := NewDecoder()
		records, err := d.Decode([]byte("\n\n  \n{\"a\":1}\n\n"))
		require.NoError(t, err)
		require.Len(t, records, 1)
	})

	t.Run("should decode multiple lines in one chunk", func(t *testing.T) {
		d := NewDecoder()
		records, err := d.Decode([]byte("{\"a\":1}\n{\"a\":2}\n{\"a\":3}\n"))
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.JSONEq(t, `{"a":2}`, string(records[1]))
	})

	t.Run("should return earlier records alongside a malformed-line error", func(t *testing.T) {
		d := NewDecoder()
		records, err := d.Decode([]byte("{\"a\":1}\nnot json\n{\"a\":2}\n"))
		require.Error(t, err)
		require.Len(t, records, 1)
		assert.JSONEq(t, `{"a":1}`, string(records[0]))

		var syntaxErr *SyntaxError
		require.ErrorAs(t, err, &syntaxErr)
		assert.Equal(t, "not json", syntaxErr.Line)

		// Lines after the offending one stay buffered.
		records, err = d.Decode(nil)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.JSONEq(t, `{"a":2}`, string(records[0]))
	})

	t.Run("should flush a final unterminated record", func(t *testing.T) {
		d := NewDecoder()
		_, err := d.Decode([]byte(`{"done":true}`))
		require.NoError(t, err)

		final, err := d.Flush()
		require.NoError(t, err)
		require.NotNil(t, final)
		assert.JSONEq(t, `{"done":true}`, string(final))

		// Flush clears the buffer
		final, err = d.Flush()
		require.NoError(t, err)
		assert.Nil(t, final)
	})

	t.Run("should fail flush on a malformed trailing record", func(t *testing.T) {
		d := NewDecoder()
		_, err := d.Decode([]byte(`{"done"`))
		require.NoError(t, err)

		_, err = d.Flush()
		var syntaxErr *SyntaxError
		require.ErrorAs(t, err, &syntaxErr)
		assert.Equal(t, `{"done"`, syntaxErr.Line)
	})

	t.Run("should reset buffered state", func(t *testing.T) {
		d := NewDecoder()
		_, err := d.Decode([]byte(`garbage that never ends`))
		require.NoError(t, err)

		d.Reset()
		assert.Zero(t, d.Buffered())

		final, err := d.Flush()
		require.NoError(t, err)
		assert.Nil(t, final)
	})
}

// Feeding a payload split at every possible byte offset must yield the same
// records as feeding it whole, even when the split lands inside a multi-byte
// UTF-8 character.
func TestDecoderChunkBoundaryInvariance(t *testing.T) {
	payload := []byte("{\"message\":{\"content\":\"héllo 世界\"}}\n{\"message\":{\"content\":\"🚀\"},\"done\":false}\n{\"done\":true}")

	whole := collectAll(t, NewDecoder(), [][]byte{payload})
	require.Len(t, whole, 3)

	for split := 1; split < len(payload); split++ {
		chunks := [][]byte{payload[:split], payload[split:]}
		got := collectAll(t, NewDecoder(), chunks)
		require.Equal(t, whole, got, "records differ for split at byte %d", split)
	}

	t.Run("should survive one-byte-at-a-time delivery", func(t *testing.T) {
		d := NewDecoder()
		var chunks [][]byte
		for i := range payload {
			chunks = append(chunks, payload[i:i+1])
		}
		got := collectAll(t, d, chunks)
		assert.Equal(t, whole, got)
	})
}

func TestDecoderRecordOrdering(t *testing.T) {
	t.Run("should preserve line order across chunk boundaries", func(t *testing.T) {
		d := NewDecoder()
		var all []string
		chunks := [][]byte{
			[]byte("{\"n\":0}\n{\"n\":1}\n{\"n"),
			[]byte("\":2}\n"),
			[]byte("{\"n\":3}\n{\"n\":4}"),
		}
		all = collectAll(t, d, chunks)

		require.Len(t, all, 5)
		for i, rec := range all {
			var obj struct {
				N int `json:"n"`
			}
			require.NoError(t, json.Unmarshal([]byte(rec), &obj))
			assert.Equal(t, i, obj.N)
		}
	})
}
