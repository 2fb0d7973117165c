package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxmail/internal/fault"
)

const token = "123456:TEST"

type fakeAPI struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	w.Header().Set("Content-Type", "application/json")

	switch strings.TrimPrefix(r.URL.Path, "/bot"+token+"/") {
	case "getMe":
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Vox","username":"voxmail_bot"}}`)
	case "sendMessage":
		f.mu.Lock()
		f.sent = append(f.sent, r.Form.Get("chat_id")+":"+r.Form.Get("text"))
		f.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":5,"date":0,"chat":{"id":42,"type":"private"}}}`)
	case "getFile":
		if r.Form.Get("file_id") == "gone" {
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: invalid file_id"}`)
			return
		}
		fmt.Fprintf(w, `{"ok":true,"result":{"file_id":%q,"file_path":"voice/file_7.oga"}}`, r.Form.Get("file_id"))
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		Token:        token,
		APIEndpoint:  srv.URL + "/bot%s/%s",
		FileEndpoint: srv.URL + "/file/bot%s/%s",
	}, srv.Client(), nil)
	require.NoError(t, err)
	return c, api, srv
}

func TestNew(t *testing.T) {
	c, _, _ := newTestClient(t)
	assert.Equal(t, "voxmail_bot", c.Username())

	_, err := New(Config{}, nil, nil)
	require.ErrorIs(t, err, ErrMissingToken)
	assert.Equal(t, "configuration", fault.Kind(err))
}

func TestNewLoginFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	}))
	defer srv.Close()

	_, err := New(Config{Token: token, APIEndpoint: srv.URL + "/bot%s/%s"}, srv.Client(), nil)
	require.ErrorIs(t, err, ErrLogin)
	assert.Equal(t, "upstream", fault.Kind(err))
}

func TestSend(t *testing.T) {
	c, api, _ := newTestClient(t)

	require.NoError(t, c.Send(context.Background(), 42, "hello"))
	require.NoError(t, c.Send(context.Background(), 42, strings.Repeat("a", maxMessageLen+10)))

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.sent, 3)
	assert.Equal(t, "42:hello", api.sent[0])
	assert.Equal(t, "42:"+strings.Repeat("a", 10), api.sent[2])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Send(ctx, 42, "late"), context.Canceled)
}

func TestFileURL(t *testing.T) {
	c, _, srv := newTestClient(t)

	url, err := c.FileURL(context.Background(), "AwACAgIAAxkBAAIC")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/file/bot"+token+"/voice/file_7.oga", url)

	_, err = c.FileURL(context.Background(), "gone")
	require.ErrorContains(t, err, "invalid file_id")
}

func TestToIncoming(t *testing.T) {
	_, ok := toIncoming(tgbotapi.Update{UpdateID: 1})
	assert.False(t, ok)

	in, ok := toIncoming(tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 9,
		Chat:      &tgbotapi.Chat{ID: 42},
		From:      &tgbotapi.User{UserName: "alice"},
		Voice: &tgbotapi.Voice{
			FileID:       "voice-1",
			FileUniqueID: "uniq-1",
			Duration:     7,
			MimeType:     "audio/ogg",
			FileSize:     2048,
		},
	}})
	require.True(t, ok)
	assert.Equal(t, int64(42), in.ChatID)
	assert.Equal(t, "alice", in.From)
	require.NotNil(t, in.Voice)
	assert.Equal(t, "voice-1", in.Voice.FileID)
	assert.Equal(t, int64(2048), in.Voice.FileSize)
	assert.Empty(t, in.Command)

	in, ok = toIncoming(tgbotapi.Update{Message: &tgbotapi.Message{
		Chat:     &tgbotapi.Chat{ID: 42},
		Text:     "/start",
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
	}})
	require.True(t, ok)
	assert.Equal(t, "start", in.Command)
	assert.Nil(t, in.Voice)

	in, _ = toIncoming(tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}, Text: "yes"}})
	assert.Equal(t, "yes", in.Text)
	assert.Empty(t, in.Command)
}

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"abc"}, split("abc", 5))
	assert.Equal(t, []string{"ab", "cd", "e"}, split("abcde", 2))
	assert.Equal(t, []string{"éé", "é"}, split("ééé", 2))
}
