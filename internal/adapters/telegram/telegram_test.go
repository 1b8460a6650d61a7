package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	kit "microclaw/internal/transport"
	logx "microclaw/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"short"}, splitText("short", 10, ""))

	parts := splitText(strings.Repeat("a", 25), 10, "")
	assert.Equal(t, []string{strings.Repeat("a", 10), strings.Repeat("a", 10), strings.Repeat("a", 5)}, parts)

	// Prefers the newline when it leaves a reasonable chunk.
	parts = splitText("line one\nline two is longer", 12, "")
	assert.Equal(t, "line one", parts[0])
	assert.Equal(t, "line two is longer", strings.Join(parts[1:], ""))

	// Does not cut inside an HTML tag.
	parts = splitText("abcdefg<b>bold</b>", 9, "HTML")
	assert.Equal(t, "abcdefg", parts[0])
	assert.True(t, strings.HasPrefix(parts[1], "<b>"))

	// Rune-safe.
	parts = splitText(strings.Repeat("é", 7), 3, "")
	assert.Equal(t, []string{"ééé", "ééé", "é"}, parts)
}

func TestToMessage(t *testing.T) {
	t.Parallel()
	m := toMessage(&tele.Message{
		ID:       7,
		Chat:     &tele.Chat{ID: -100, Type: tele.ChatGroup, Title: "Family"},
		Sender:   &tele.User{ID: 5, FirstName: "Ann", LastName: "Lee", Username: "ann"},
		Text:     "@Andy hi",
		Unixtime: 1700000000,
		ThreadID: 3,
	})
	require.NotNil(t, m)
	assert.Equal(t, int64(-100), m.ChatID)
	assert.Equal(t, "Family", m.ChatTitle)
	assert.Equal(t, "Ann Lee", m.FromName)
	assert.True(t, m.IsGroup)
	assert.Equal(t, 3, m.ThreadID)
	assert.True(t, m.Time.Equal(time.Unix(1700000000, 0)))

	private := toMessage(&tele.Message{
		Chat:   &tele.Chat{ID: 5, Type: tele.ChatPrivate},
		Sender: &tele.User{ID: 5, Username: "ann"},
		Text:   "hello",
	})
	require.NotNil(t, private)
	assert.False(t, private.IsGroup)
	assert.Equal(t, "ann", private.FromName)
	assert.Equal(t, "ann", private.ChatTitle)

	assert.Nil(t, toMessage(nil))
	assert.Nil(t, toMessage(&tele.Message{Chat: &tele.Chat{ID: 1}, Sender: &tele.User{ID: 1}, Text: "  "}))
	assert.Nil(t, toMessage(&tele.Message{Chat: &tele.Chat{ID: 1}, Text: "x"}))
}

func TestSendUpdateDropsWhenFull(t *testing.T) {
	t.Parallel()
	a := &Adapter{log: logx.Nop()}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.sendUpdate(kit.Update{Kind: kit.UpdateMessage})

	ch := make(chan kit.Update, 1)
	a.out.Store((chan<- kit.Update)(ch))
	a.sendUpdate(kit.Update{Kind: kit.UpdateMessage})
	a.sendUpdate(kit.Update{Kind: kit.UpdateMessage})
	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(1), atomic.LoadUint64(&a.droppedUpdates))
}

func TestUpdateMenuCommands(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	var got menuBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/botTOKEN/setMyCommands", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	a := &Adapter{cfg: Config{Token: "TOKEN"}, log: logx.Nop(), http: srv.Client(), apiURL: srv.URL}
	cmds := []kit.BotCommand{{Command: "/tasks", Description: "List tasks"}, {Command: "status"}, {}}
	require.NoError(t, a.UpdateMenuCommands(context.Background(), cmds))
	require.NoError(t, a.UpdateMenuCommands(context.Background(), cmds))
	assert.Equal(t, int32(1), calls.Load(), "unchanged menu is not re-sent")
	assert.Equal(t, []menuCommand{{Command: "tasks", Description: "List tasks"}, {Command: "status", Description: "status"}}, got.Commands)
}

func TestUpdateMenuCommandsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"bad command"}`))
	}))
	defer srv.Close()

	a := &Adapter{cfg: Config{Token: "TOKEN"}, log: logx.Nop(), http: srv.Client(), apiURL: srv.URL}
	err := a.UpdateMenuCommands(context.Background(), []kit.BotCommand{{Command: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad command")
}

func TestSendAlertRejectsBadChat(t *testing.T) {
	t.Parallel()
	a := &Adapter{log: logx.Nop(), limiter: newLimiter(0)}
	assert.Error(t, a.SendAlert(context.Background(), "not-a-number", "x"))
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, logx.Nop())
	assert.Error(t, err)
}
