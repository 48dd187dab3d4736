package gateway

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAttachments(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		attachments, err := decodeAttachments(nil)
		require.NoError(t, err)
		assert.Nil(t, attachments)
	})

	t.Run("decodes base64 image data", func(t *testing.T) {
		raw := []interface{}{
			map[string]interface{}{
				"media_type": "image/png",
				"data":       base64.StdEncoding.EncodeToString([]byte("png-bytes")),
			},
			map[string]interface{}{
				"media_type": "image/jpeg",
				"data":       base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")),
			},
		}

		attachments, err := decodeAttachments(raw)
		require.NoError(t, err)
		require.Len(t, attachments, 2)
		assert.Equal(t, "image/png", attachments[0].MediaType)
		assert.Equal(t, []byte("png-bytes"), attachments[0].Data)
		assert.Equal(t, "image/jpeg", attachments[1].MediaType)
		assert.Equal(t, []byte("jpeg-bytes"), attachments[1].Data)
	})

	t.Run("rejects invalid base64", func(t *testing.T) {
		raw := []interface{}{
			map[string]interface{}{"media_type": "image/png", "data": "not base64!!"},
		}

		_, err := decodeAttachments(raw)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not valid base64")
	})

	t.Run("rejects non-array input", func(t *testing.T) {
		_, err := decodeAttachments("bogus")
		require.Error(t, err)
	})

	t.Run("rejects non-object element", func(t *testing.T) {
		_, err := decodeAttachments([]interface{}{"bogus"})
		require.Error(t, err)
	})
}

func TestChatSendSchema_Attachments(t *testing.T) {
	schemas, err := newMethodSchemas()
	require.NoError(t, err)

	base := func() map[string]interface{} {
		return map[string]interface{}{
			"sessionKey": "alice",
			"prompt":     "describe this screenshot",
		}
	}

	t.Run("valid attachment accepted", func(t *testing.T) {
		params := base()
		params["attachments"] = []interface{}{
			map[string]interface{}{
				"media_type": "image/png",
				"data":       base64.StdEncoding.EncodeToString([]byte("png-bytes")),
			},
		}
		assert.NoError(t, schemas.validate("chat.send", params))
	})

	t.Run("attachment missing data rejected", func(t *testing.T) {
		params := base()
		params["attachments"] = []interface{}{
			map[string]interface{}{"media_type": "image/png"},
		}
		assert.Error(t, schemas.validate("chat.send", params))
	})

	t.Run("attachment missing media_type rejected", func(t *testing.T) {
		params := base()
		params["attachments"] = []interface{}{
			map[string]interface{}{"data": "aGVsbG8="},
		}
		assert.Error(t, schemas.validate("chat.send", params))
	})

	t.Run("no attachments still valid", func(t *testing.T) {
		assert.NoError(t, schemas.validate("chat.send", base()))
	})
}
