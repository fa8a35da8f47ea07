package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageDataURI(t *testing.T) {
	tt := map[string]struct {
		data       []byte
		wantPrefix string
	}{
		"png header": {
			data:       []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a},
			wantPrefix: "data:image/png;base64,",
		},
		"jpeg header": {
			data:       []byte{0xff, 0xd8, 0xff, 0xe0},
			wantPrefix: "data:image/jpeg;base64,",
		},
		"unknown defaults to png": {
			data:       []byte("not an image"),
			wantPrefix: "data:image/png;base64,",
		},
	}

	for tn, tc := range tt {
		t.Run(tn, func(t *testing.T) {
			uri := ImageDataURI(tc.data)
			assert.True(t, len(uri) > len(tc.wantPrefix))
			assert.Equal(t, tc.wantPrefix, uri[:len(tc.wantPrefix)])
		})
	}
}

func TestOpenAIClientInvoke(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Status: success"}, "finish_reason": "stop"}]
		}`))
	}))
	defer server.Close()

	client, err := NewOpenAIClient(server.URL, "test-key", "gpt-4o")
	require.NoError(t, err)

	completion, err := client.Invoke(context.Background(), []Message{
		TextMessage(RoleSystem, "You are an evaluator."),
		{Role: RoleUser, Content: []ContentPart{
			TextPart("Judge this screenshot."),
			ImagePart([]byte{0x89, 0x50, 0x4e, 0x47}),
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Status: success", completion.Text)

	messages, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)

	user := messages[1].(map[string]any)
	assert.Equal(t, "user", user["role"])
	parts := user["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].(map[string]any)["type"])
	assert.Equal(t, "image_url", parts[1].(map[string]any)["type"])
}

func TestNewOpenAIClientValidation(t *testing.T) {
	_, err := NewOpenAIClient("", "key", "gpt-4o")
	assert.Error(t, err)

	_, err = NewOpenAIClient("https://example.com/v1", "", "gpt-4o")
	assert.Error(t, err)
}
