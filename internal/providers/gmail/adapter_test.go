package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	gosync "sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/mailsync/internal/sync"
)

// fakeGmail serves the subset of the Gmail REST API the adapter uses.
type fakeGmail struct {
	mu            gosync.Mutex
	historyStatus int
	history       string
	messages      map[string]string
	// status answers a message read with this code for the next n reads
	status        map[string]int
	failures      map[string]int
	slow          map[string]bool
	reads         map[string]int
	listLabel     string
	modified      []string
	removed       []string
	deleted       []string
	sent          []string
}

func newFakeGmail() *fakeGmail {
	return &fakeGmail{
		messages: map[string]string{},
		status:   map[string]int{},
		failures: map[string]int{},
		slow:     map[string]bool{},
		reads:    map[string]int{},
	}
}

func (f *fakeGmail) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"emailAddress":"me@gmail.com","historyId":"9001"}`)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		if f.historyStatus != 0 {
			w.WriteHeader(f.historyStatus)
			io.WriteString(w, `{"error":{"code":404,"message":"Requested entity was not found.","errors":[{"reason":"notFound"}]}}`)
			return
		}
		io.WriteString(w, f.history)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.listLabel = r.URL.Query().Get("labelIds")
		f.mu.Unlock()
		io.WriteString(w, `{"messages":[{"id":"m1","threadId":"t1"},{"id":"gone","threadId":"t2"}]}`)
	})
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		f.mu.Lock()
		f.reads[id]++
		status := 0
		if f.failures[id] > 0 {
			f.failures[id]--
			status = f.status[id]
		}
		slow := f.slow[id]
		f.mu.Unlock()

		if slow {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"error":{"code":%d,"message":"failed"}}`, status)
			return
		}

		body, ok := f.messages[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error":{"code":404,"message":"Not Found"}}`)
			return
		}
		io.WriteString(w, body)
	})
	mux.HandleFunc("POST /gmail/v1/users/me/messages/batchModify", func(w http.ResponseWriter, r *http.Request) {
		var req gmail.BatchModifyMessagesRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.modified = append(f.modified, req.Ids...)
		f.removed = req.RemoveLabelIds
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /gmail/v1/users/me/messages/batchDelete", func(w http.ResponseWriter, r *http.Request) {
		var req gmail.BatchDeleteMessagesRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.deleted = append(f.deleted, req.Ids...)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /gmail/v1/users/me/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var m gmail.Message
		_ = json.NewDecoder(r.Body).Decode(&m)
		f.mu.Lock()
		f.sent = append(f.sent, m.Raw)
		f.mu.Unlock()
		io.WriteString(w, `{"id":"sent1"}`)
	})
	return mux
}

func fullMessage(id, from, subject string, headers ...string) string {
	hs := []map[string]string{{"name": "From", "value": from}, {"name": "Subject", "value": subject}}
	for i := 0; i+1 < len(headers); i += 2 {
		hs = append(hs, map[string]string{"name": headers[i], "value": headers[i+1]})
	}
	m := map[string]any{
		"id":           id,
		"threadId":     "t-" + id,
		"snippet":      "Fish &amp; chips",
		"internalDate": "1700000000000",
		"sizeEstimate": 2048,
		"payload": map[string]any{
			"mimeType": "multipart/mixed",
			"headers":  hs,
			"parts": []map[string]any{
				{"mimeType": "text/plain", "body": map[string]any{"data": base64.URLEncoding.EncodeToString([]byte("hello"))}},
				{"mimeType": "text/html", "body": map[string]any{"data": base64.URLEncoding.EncodeToString([]byte("<p>hello</p>"))}},
				{"mimeType": "application/pdf", "filename": "invoice.pdf", "body": map[string]any{"attachmentId": "att1"}},
			},
		},
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func newTestAdapter(t *testing.T, f *fakeGmail) *Adapter {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	a, err := New(context.Background(), sync.Credentials{}, Options{
		Endpoint:   srv.URL + "/",
		HTTPClient: srv.Client(),
		Calls:      sync.CallPolicy{Timeout: 100 * time.Millisecond, Base: time.Millisecond, Cap: 2 * time.Millisecond, MaxRetry: 2},
		Log:        zerolog.Nop(),
	})
	require.NoError(t, err)
	return a
}

func TestListEmails_FullListing(t *testing.T) {
	f := newFakeGmail()
	f.messages["m1"] = fullMessage("m1", `"Alice" <Alice@Example.com>`, "Hi there")
	a := newTestAdapter(t, f)

	res, err := a.ListEmails(context.Background(), sync.ListOptions{MaxResults: 10})
	require.NoError(t, err)

	assert.Equal(t, "9001", res.Checkpoint.Cursor)
	assert.False(t, res.Resynced)
	assert.Equal(t, "INBOX", f.listLabel)
	// "gone" 404s on fetch and is dropped
	require.Len(t, res.Messages, 1)

	m := res.Messages[0]
	assert.Equal(t, "m1", m.RemoteID)
	assert.Equal(t, "t-m1", m.ThreadID)
	assert.Equal(t, "Alice", m.SenderName)
	assert.Equal(t, "alice@example.com", m.SenderAddress)
	assert.Equal(t, "Fish & chips", m.Snippet)
	assert.Equal(t, "hello", m.BodyText)
	assert.Equal(t, "<p>hello</p>", m.BodyHTML)
	assert.True(t, m.HasAttachments)
	assert.Equal(t, int64(2048), m.SizeEstimate)
	assert.Equal(t, int64(1700000000000), m.ReceivedAt.UnixMilli())
	assert.Equal(t, "Hi there", m.Headers["subject"])
}

func TestListEmails_ThrottledMessageRetriedThenDropped(t *testing.T) {
	f := newFakeGmail()
	f.messages["m1"] = fullMessage("m1", "a@b.com", "kept")
	f.messages["gone"] = fullMessage("gone", "a@b.com", "throttled")
	f.status["gone"], f.failures["gone"] = http.StatusTooManyRequests, 100
	a := newTestAdapter(t, f)

	res, err := a.ListEmails(context.Background(), sync.ListOptions{MaxResults: 10})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "m1", res.Messages[0].RemoteID)
	assert.Equal(t, "9001", res.Checkpoint.Cursor)
	// first read plus two retries
	assert.Equal(t, 3, f.reads["gone"])
}

func TestListEmails_TransientMessageRecovers(t *testing.T) {
	f := newFakeGmail()
	f.messages["m1"] = fullMessage("m1", "a@b.com", "kept")
	f.messages["gone"] = fullMessage("gone", "a@b.com", "flaky")
	f.status["gone"], f.failures["gone"] = http.StatusServiceUnavailable, 1
	a := newTestAdapter(t, f)

	res, err := a.ListEmails(context.Background(), sync.ListOptions{MaxResults: 10})
	require.NoError(t, err)
	assert.Len(t, res.Messages, 2)
	assert.Equal(t, 2, f.reads["gone"])
}

func TestListEmails_SlowMessageTimesOutPerRequest(t *testing.T) {
	f := newFakeGmail()
	f.messages["m1"] = fullMessage("m1", "a@b.com", "kept")
	f.messages["gone"] = fullMessage("gone", "a@b.com", "stalls")
	f.slow["gone"] = true
	a := newTestAdapter(t, f)

	start := time.Now()
	res, err := a.ListEmails(context.Background(), sync.ListOptions{MaxResults: 10})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "m1", res.Messages[0].RemoteID)
	assert.Less(t, time.Since(start), time.Second)
}

func TestListEmails_AuthFailureOnMessageAborts(t *testing.T) {
	f := newFakeGmail()
	f.messages["m1"] = fullMessage("m1", "a@b.com", "x")
	f.messages["gone"] = fullMessage("gone", "a@b.com", "y")
	f.status["gone"], f.failures["gone"] = http.StatusUnauthorized, 100
	a := newTestAdapter(t, f)

	_, err := a.ListEmails(context.Background(), sync.ListOptions{MaxResults: 10})
	assert.True(t, sync.IsAuth(err))
	assert.Equal(t, 1, f.reads["gone"])
}

func TestListEmails_ExpiredCursorFallsBack(t *testing.T) {
	f := newFakeGmail()
	f.historyStatus = http.StatusNotFound
	f.messages["m1"] = fullMessage("m1", "a@b.com", "x")
	a := newTestAdapter(t, f)

	res, err := a.ListEmails(context.Background(), sync.ListOptions{
		MaxResults: 10,
		Checkpoint: sync.Checkpoint{Cursor: "12"},
	})
	require.NoError(t, err)
	assert.True(t, res.Resynced)
	assert.NotEmpty(t, res.Checkpoint.Cursor)
	assert.Len(t, res.Messages, 1)
}

func TestListEmails_UnparsableCursorFallsBack(t *testing.T) {
	f := newFakeGmail()
	a := newTestAdapter(t, f)

	res, err := a.ListEmails(context.Background(), sync.ListOptions{Checkpoint: sync.Checkpoint{Cursor: "not-a-number"}})
	require.NoError(t, err)
	assert.True(t, res.Resynced)
	assert.Equal(t, "9001", res.Checkpoint.Cursor)
}

func TestListEmails_HistoryTruncatesAtRecord(t *testing.T) {
	f := newFakeGmail()
	f.history = `{"historyId":"60","history":[
		{"id":"51","messagesAdded":[{"message":{"id":"h1"}}]},
		{"id":"52","messagesAdded":[{"message":{"id":"h2"}},{"message":{"id":"h3"}}]},
		{"id":"53","messagesAdded":[{"message":{"id":"h4"}}]}
	]}`
	for _, id := range []string{"h1", "h2", "h3", "h4"} {
		f.messages[id] = fullMessage(id, "a@b.com", id)
	}
	a := newTestAdapter(t, f)

	res, err := a.ListEmails(context.Background(), sync.ListOptions{MaxResults: 2, Checkpoint: sync.Checkpoint{Cursor: "50"}})
	require.NoError(t, err)
	assert.Equal(t, "51", res.Checkpoint.Cursor)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "h1", res.Messages[0].RemoteID)

	res, err = a.ListEmails(context.Background(), sync.ListOptions{MaxResults: 10, Checkpoint: sync.Checkpoint{Cursor: "50"}})
	require.NoError(t, err)
	assert.Equal(t, "60", res.Checkpoint.Cursor)
	assert.Len(t, res.Messages, 4)
	assert.False(t, res.Resynced)
}

func TestArchiveDelete(t *testing.T) {
	f := newFakeGmail()
	a := newTestAdapter(t, f)
	ctx := context.Background()

	require.NoError(t, a.Archive(ctx, nil))
	require.NoError(t, a.Delete(ctx, nil))
	assert.Empty(t, f.modified)
	assert.Empty(t, f.deleted)

	require.NoError(t, a.Archive(ctx, []string{"a", "b"}))
	require.NoError(t, a.Delete(ctx, []string{"c"}))
	assert.Equal(t, []string{"a", "b"}, f.modified)
	assert.Equal(t, []string{"INBOX"}, f.removed)
	assert.Equal(t, []string{"c"}, f.deleted)
}

func TestUnsubscribe_Mailto(t *testing.T) {
	f := newFakeGmail()
	f.messages["n1"] = fullMessage("n1", "news@shop.example", "Deals", "List-Unsubscribe", "<mailto:leave@shop.example?subject=bye>")
	a := newTestAdapter(t, f)

	require.NoError(t, a.Unsubscribe(context.Background(), "n1"))
	require.Len(t, f.sent, 1)

	raw, err := base64.URLEncoding.DecodeString(f.sent[0])
	require.NoError(t, err)
	r, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	from, err := r.Header.AddressList("From")
	require.NoError(t, err)
	assert.Equal(t, "me@gmail.com", from[0].Address)
	subject, _ := r.Header.Subject()
	assert.Equal(t, "bye", subject)
}

func TestUnsubscribe_NoDirective(t *testing.T) {
	f := newFakeGmail()
	f.messages["p1"] = fullMessage("p1", "friend@example.com", "lunch?")
	a := newTestAdapter(t, f)

	err := a.Unsubscribe(context.Background(), "p1")
	assert.Equal(t, sync.KindNotFound, sync.KindOf(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		kind sync.Kind
	}{
		{&googleapi.Error{Code: 401}, sync.KindAuth},
		{&googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, sync.KindRateLimit},
		{&googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "insufficientPermissions"}}}, sync.KindAuth},
		{&googleapi.Error{Code: 404}, sync.KindNotFound},
		{&googleapi.Error{Code: 429}, sync.KindRateLimit},
		{&googleapi.Error{Code: 503}, sync.KindTransient},
		{&oauth2.RetrieveError{ErrorCode: "invalid_grant"}, sync.KindAuth},
		{io.ErrUnexpectedEOF, sync.KindTransient},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.kind, sync.KindOf(classify("op", tt.err)), tt.err.Error())
	}
	assert.NoError(t, classify("op", nil))
}

func TestDecodeBody(t *testing.T) {
	assert.Equal(t, "hi?", decodeBody(base64.URLEncoding.EncodeToString([]byte("hi?"))))
	assert.Equal(t, "hi?", decodeBody(base64.RawURLEncoding.EncodeToString([]byte("hi?"))))
	assert.Equal(t, "", decodeBody("!!!"))
}
