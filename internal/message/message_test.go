package message

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaders(t *testing.T) {
	m := New(VersionSOAP12WSA10, nil)
	m.Add("Action", "urn:order")
	m.Add("X-Tag", "a")
	m.Add("x-tag", "b")
	m.Add("To", "urn:orders")

	t.Run("case-insensitive lookup", func(t *testing.T) {
		v, ok := m.Get("ACTION")
		assert.True(t, ok)
		assert.Equal(t, "urn:order", v)
		assert.Equal(t, "urn:order", m.Action())
		assert.Equal(t, "urn:orders", m.To())
		assert.False(t, m.Has("ReplyTo"))
	})

	t.Run("duplicates keep order", func(t *testing.T) {
		assert.Equal(t, []string{"a", "b"}, m.Values("X-TAG"))
	})

	t.Run("set replaces in place", func(t *testing.T) {
		c := m.Clone()
		c.Set("x-tag", "c")
		assert.Equal(t, []Header{
			{Name: "Action", Value: "urn:order"},
			{Name: "x-tag", Value: "c"},
			{Name: "To", Value: "urn:orders"},
		}, c.Headers())

		c.Set("MessageID", "id-1")
		assert.Equal(t, "MessageID", c.Headers()[3].Name)
	})

	t.Run("del removes all", func(t *testing.T) {
		c := m.Clone()
		c.Del("X-Tag")
		assert.Empty(t, c.Values("x-tag"))
		assert.Len(t, c.Headers(), 2)
	})

	t.Run("clone does not alias headers", func(t *testing.T) {
		c := m.Clone()
		c.Del("Action")
		assert.Equal(t, "urn:order", m.Action())
	})
}

func TestProperties(t *testing.T) {
	m := New("", nil)
	assert.Equal(t, VersionNone, m.Version)

	m.SetProperty(PropertyEndpoint, "billing")
	v, ok := m.Property(PropertyEndpoint)
	assert.True(t, ok)
	assert.Equal(t, "billing", v)

	c := m.Clone()
	c.SetProperty(PropertyEndpoint, "other")
	v, _ = m.Property(PropertyEndpoint)
	assert.Equal(t, "billing", v)

	wh := m.WithHeaders(VersionSOAP11WSA10, []Header{{Name: "A", Value: "1"}})
	assert.Empty(t, wh.Properties())
	assert.Equal(t, VersionSOAP11WSA10, wh.Version)
}

func TestBody(t *testing.T) {
	t.Run("buffered body is re-readable", func(t *testing.T) {
		m := New(VersionNone, []byte("payload"))
		for i := 0; i < 2; i++ {
			r, err := m.BodyReader()
			require.NoError(t, err)
			data, _ := io.ReadAll(r)
			assert.Equal(t, "payload", string(data))
		}
	})

	t.Run("streamed body read once without buffering", func(t *testing.T) {
		m := NewStreaming(VersionNone, strings.NewReader("stream"))
		assert.False(t, m.IsBuffered())

		r, err := m.BodyReader()
		require.NoError(t, err)
		data, _ := io.ReadAll(r)
		assert.Equal(t, "stream", string(data))

		_, err = m.BodyReader()
		assert.ErrorIs(t, err, ErrBodyConsumed)
		assert.ErrorIs(t, m.Buffer(), ErrBodyConsumed)
	})

	t.Run("buffer is idempotent and shared by clones", func(t *testing.T) {
		m := NewStreaming(VersionNone, strings.NewReader("shared"))
		c := m.Clone()

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, m.Buffer())
			}()
		}
		wg.Wait()

		assert.True(t, c.IsBuffered())
		data, err := c.Bytes()
		require.NoError(t, err)
		assert.Equal(t, "shared", string(data))
	})

	t.Run("read error surfaces", func(t *testing.T) {
		m := NewStreaming(VersionNone, io.MultiReader(strings.NewReader("x"), errReader{}))
		err := m.Buffer()
		assert.ErrorContains(t, err, "buffer message body")
	})
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("broken pipe") }
