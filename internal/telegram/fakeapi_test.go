package telegram

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/chatguard/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testToken = "123:test"

type apiCall struct {
	Method string
	Params url.Values
}

// fakeAPI is an in-process Bot API answering with canned JSON per method.
type fakeAPI struct {
	server *httptest.Server

	mu        sync.Mutex
	calls     []apiCall
	responses map[string]string
	updates   []string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	f := &fakeAPI{responses: map[string]string{
		"getMe":       `{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Guard","username":"chatguard_bot"}}`,
		"sendMessage": `{"ok":true,"result":{"message_id":1,"date":1700000000,"chat":{"id":1,"type":"private"}}}`,
	}}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Params: r.Form})
	body, ok := f.responses[method]
	if method == "getUpdates" {
		body = f.nextUpdates(r.Form.Get("offset"))
		ok = true
	}
	f.mu.Unlock()

	if method == "getUpdates" {
		time.Sleep(10 * time.Millisecond)
	}
	if !ok {
		body = `{"ok":true,"result":true}`
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

// nextUpdates returns queued updates whose id is at least offset. f.mu must be held.
func (f *fakeAPI) nextUpdates(offset string) string {
	from, _ := strconv.Atoi(offset)
	var pending []string
	for i, raw := range f.updates {
		if i+1 >= from {
			pending = append(pending, raw)
		}
	}
	return `{"ok":true,"result":[` + strings.Join(pending, ",") + `]}`
}

func (f *fakeAPI) respond(method, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[method] = body
}

func (f *fakeAPI) fail(method string, code int, description string) {
	f.respond(method, fmt.Sprintf(`{"ok":false,"error_code":%d,"description":%q}`, code, description))
}

// pushUpdate queues a message update; update ids start at 1.
func (f *fakeAPI) pushUpdate(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := len(f.updates) + 1
	f.updates = append(f.updates, fmt.Sprintf(`{"update_id":%d,"message":%s}`, id, message))
}

func (f *fakeAPI) callsTo(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func createTestBot(t *testing.T) (*Bot, *fakeAPI) {
	f := newFakeAPI(t)
	api, err := tgbotapi.NewBotAPIWithClient(testToken, f.server.URL+"/bot%s/%s", f.server.Client())
	require.NoError(t, err)

	return NewWithAPI(api, &config.TelegramConfig{BotToken: testToken, PollTimeout: 1}, zerolog.Nop()), f
}

func textUpdate(chat *tgbotapi.Chat, from *tgbotapi.User, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: 10,
		From:      from,
		Chat:      chat,
		Text:      text,
		Date:      1700000000,
	}
	if strings.HasPrefix(text, "/") {
		end := strings.IndexByte(text, ' ')
		if end < 0 {
			end = len(text)
		}
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: end}}
	}
	return tgbotapi.Update{UpdateID: 7, Message: msg}
}

var (
	testGroup   = &tgbotapi.Chat{ID: -100123, Type: "supergroup", Title: "Test Group"}
	testPrivate = &tgbotapi.Chat{ID: 555, Type: "private", FirstName: "Ann"}
	testUser    = &tgbotapi.User{ID: 555, FirstName: "Ann", UserName: "ann"}
)
