package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/unsubscribe"
)

const (
	me               = "me"
	inbox            = "INBOX"
	defaultMax       = 50
	pageSize         = 500
	fetchConcurrency = 10
	noSubject        = "(No Subject)"
)

// Options configures the Gmail client.
type Options struct {
	ClientID     string
	ClientSecret string
	// Endpoint overrides the API base URL, e.g. for a local fake.
	Endpoint string
	// HTTPClient replaces the OAuth2 client entirely.
	HTTPClient *http.Client
	// WebClient is used for one-click unsubscribe POSTs. It never carries the account token.
	WebClient *http.Client
	// Calls bounds and retries each request made while listing.
	Calls sync.CallPolicy
	Log   zerolog.Logger
}

// Adapter implements sync.MailProvider for Gmail
type Adapter struct {
	svc   *gmail.Service
	web   *http.Client
	calls sync.CallPolicy
	log   zerolog.Logger
	email string
}

// New creates a new Gmail adapter
func New(ctx context.Context, creds sync.Credentials, opts Options) (*Adapter, error) {
	var clientOpts []option.ClientOption
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	} else {
		conf := &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail.MailGoogleComScope},
		}
		tok := &oauth2.Token{
			AccessToken:  creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			Expiry:       creds.Expiry,
			TokenType:    "Bearer",
		}
		clientOpts = append(clientOpts, option.WithTokenSource(conf.TokenSource(ctx, tok)))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	svc, err := gmail.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	web := opts.WebClient
	if web == nil {
		web = unsubscribe.NewWebClient(15 * time.Second)
	}

	return &Adapter{
		svc:   svc,
		web:   web,
		calls: opts.Calls,
		log:   opts.Log.With().Str("provider", string(model.ProviderGoogle)).Logger(),
	}, nil
}

func (a *Adapter) Kind() model.ProviderKind { return model.ProviderGoogle }

// Connect validates the credential by reading the mailbox profile.
func (a *Adapter) Connect(ctx context.Context) error {
	_, err := a.profile(ctx)
	return err
}

func (a *Adapter) profile(ctx context.Context) (*gmail.Profile, error) {
	p, err := a.svc.Users.GetProfile(me).Context(ctx).Do()
	if err != nil {
		return nil, classify("profile", err)
	}
	a.email = p.EmailAddress
	return p, nil
}

// historyCursor is the Gmail mailbox history id a sync resumes from.
type historyCursor uint64

func parseHistoryCursor(s string) (historyCursor, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid history cursor %q", s)
	}
	return historyCursor(n), nil
}

func (c historyCursor) String() string {
	if c == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(c), 10)
}

// ListEmails reads the history log since the stored cursor, or lists the inbox
// when there is no usable cursor.
func (a *Adapter) ListEmails(ctx context.Context, opts sync.ListOptions) (*sync.ListResult, error) {
	max := opts.MaxResults
	if max <= 0 {
		max = defaultMax
	}

	if opts.Checkpoint.Cursor == "" {
		return a.fullListing(ctx, max)
	}

	start, err := parseHistoryCursor(opts.Checkpoint.Cursor)
	if err == nil {
		var (
			ids  []string
			next historyCursor
		)
		ids, next, err = a.history(ctx, start, max)
		if err == nil {
			msgs, err := a.fetch(ctx, ids)
			if err != nil {
				return nil, err
			}
			return &sync.ListResult{Messages: msgs, Checkpoint: sync.Checkpoint{Cursor: next.String()}}, nil
		}
		if k := sync.KindOf(err); k != sync.KindNotFound && k != sync.KindCursorInvalid {
			return nil, err
		}
	}

	a.log.Info().Err(err).Str("cursor", opts.Checkpoint.Cursor).Msg("history cursor rejected, resyncing")
	res, err := a.fullListing(ctx, max)
	if err != nil {
		return nil, err
	}
	res.Resynced = true
	return res, nil
}

// history collects added inbox message ids after start. When the ceiling is hit the
// result ends on a whole history record and the returned cursor is that record's id.
func (a *Adapter) history(ctx context.Context, start historyCursor, max int) ([]string, historyCursor, error) {
	var (
		ids       []string
		seen      = make(map[string]bool)
		last      = start
		pageToken string
	)

	for {
		var resp *gmail.ListHistoryResponse
		err := a.calls.Do(ctx, func(ctx context.Context) error {
			call := a.svc.Users.History.List(me).
				StartHistoryId(uint64(start)).
				HistoryTypes("messageAdded").
				LabelId(inbox).
				MaxResults(pageSize).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			resp, err = call.Do()
			return classify("history", err)
		})
		if err != nil {
			return nil, 0, err
		}

		for _, h := range resp.History {
			var added []string
			for _, rec := range h.MessagesAdded {
				if rec.Message == nil || seen[rec.Message.Id] {
					continue
				}
				seen[rec.Message.Id] = true
				added = append(added, rec.Message.Id)
			}

			if len(ids) > 0 && len(ids)+len(added) > max {
				return ids, last, nil
			}
			ids = append(ids, added...)
			last = historyCursor(h.Id)
		}

		if resp.NextPageToken == "" {
			if resp.HistoryId > uint64(last) {
				last = historyCursor(resp.HistoryId)
			}
			return ids, last, nil
		}
		pageToken = resp.NextPageToken
	}
}

// fullListing lists the newest inbox messages. The baseline history id is read
// first so that nothing arriving during the listing is skipped next time.
func (a *Adapter) fullListing(ctx context.Context, max int) (*sync.ListResult, error) {
	var p *gmail.Profile
	err := a.calls.Do(ctx, func(ctx context.Context) error {
		var err error
		p, err = a.profile(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	baseline := historyCursor(p.HistoryId)

	var (
		ids       []string
		pageToken string
	)
	for len(ids) < max {
		var resp *gmail.ListMessagesResponse
		err := a.calls.Do(ctx, func(ctx context.Context) error {
			call := a.svc.Users.Messages.List(me).
				LabelIds(inbox).
				MaxResults(int64(min(max-len(ids), pageSize))).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			resp, err = call.Do()
			return classify("list", err)
		})
		if err != nil {
			return nil, err
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	msgs, err := a.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	return &sync.ListResult{Messages: msgs, Checkpoint: sync.Checkpoint{Cursor: baseline.String()}}, nil
}

// fetch loads full messages with bounded parallelism. Each read is retried under
// the call policy; a message that still cannot be read is dropped. Only an auth
// failure aborts the listing.
func (a *Adapter) fetch(ctx context.Context, ids []string) ([]sync.MessageMeta, error) {
	out := make([]*sync.MessageMeta, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			var m *gmail.Message
			err := a.calls.Do(gctx, func(ctx context.Context) error {
				var err error
				m, err = a.svc.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
				return classify("get", err)
			})
			if err != nil {
				if sync.IsAuth(err) {
					return err
				}
				if cerr := gctx.Err(); cerr != nil {
					return cerr
				}
				a.log.Warn().Err(err).Str("remote_id", id).Str("kind", sync.KindOf(err).String()).Msg("dropping unreadable message")
				return nil
			}
			meta := normalize(m)
			out[i] = &meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs := make([]sync.MessageMeta, 0, len(ids))
	for _, m := range out {
		if m != nil {
			msgs = append(msgs, *m)
		}
	}
	return msgs, nil
}

// GetHeaders fetches the header set of one message.
func (a *Adapter) GetHeaders(ctx context.Context, remoteID string) (map[string]string, error) {
	m, err := a.svc.Users.Messages.Get(me, remoteID).Format("metadata").Context(ctx).Do()
	if err != nil {
		return nil, classify("get_headers", err)
	}
	return headerMap(m.Payload), nil
}

// Archive removes the INBOX label.
func (a *Adapter) Archive(ctx context.Context, remoteIDs []string) error {
	if len(remoteIDs) == 0 {
		return nil
	}
	err := a.svc.Users.Messages.BatchModify(me, &gmail.BatchModifyMessagesRequest{
		Ids:            remoteIDs,
		RemoveLabelIds: []string{inbox},
	}).Context(ctx).Do()
	return classify("archive", err)
}

// Delete removes messages permanently, bypassing Trash.
func (a *Adapter) Delete(ctx context.Context, remoteIDs []string) error {
	if len(remoteIDs) == 0 {
		return nil
	}
	err := a.svc.Users.Messages.BatchDelete(me, &gmail.BatchDeleteMessagesRequest{
		Ids: remoteIDs,
	}).Context(ctx).Do()
	return classify("delete", err)
}

func (a *Adapter) Unsubscribe(ctx context.Context, remoteID string) error {
	headers, err := a.GetHeaders(ctx, remoteID)
	if err != nil {
		return err
	}

	method, err := unsubscribe.Apply(ctx, a.web, headers, a.sendMailto)
	if err != nil {
		return unsubscribe.ProviderError(model.ProviderGoogle, err)
	}
	a.log.Info().Str("remote_id", remoteID).Str("method", string(method)).Msg("unsubscribed")
	return nil
}

func (a *Adapter) sendMailto(ctx context.Context, m unsubscribe.Mailto) error {
	if a.email == "" {
		if _, err := a.profile(ctx); err != nil {
			return err
		}
	}

	raw, err := unsubscribe.Compose(a.email, m)
	if err != nil {
		return err
	}
	_, err = a.svc.Users.Messages.Send(me, &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	return classify("send", err)
}

// normalize converts a full Gmail message to MessageMeta
func normalize(m *gmail.Message) sync.MessageMeta {
	headers := headerMap(m.Payload)
	name, addr := sync.ParseSender(headers["from"])

	subject := headers["subject"]
	if subject == "" {
		subject = noSubject
	}

	received := time.Now().UTC()
	if m.InternalDate > 0 {
		received = time.UnixMilli(m.InternalDate).UTC()
	}

	meta := sync.MessageMeta{
		Provider:      model.ProviderGoogle,
		RemoteID:      m.Id,
		ThreadID:      m.ThreadId,
		Subject:       subject,
		SenderName:    name,
		SenderAddress: addr,
		ReceivedAt:    received,
		Snippet:       html.UnescapeString(m.Snippet),
		SizeEstimate:  m.SizeEstimate,
		Headers:       headers,
	}
	walkParts(m.Payload, &meta)
	return meta
}

// headerMap lower-cases header names, keeping the first occurrence.
func headerMap(p *gmail.MessagePart) map[string]string {
	headers := make(map[string]string)
	if p == nil {
		return headers
	}
	for _, h := range p.Headers {
		k := strings.ToLower(h.Name)
		if _, ok := headers[k]; !ok {
			headers[k] = h.Value
		}
	}
	return headers
}

func walkParts(p *gmail.MessagePart, meta *sync.MessageMeta) {
	if p == nil {
		return
	}

	switch {
	case p.Filename != "" || (p.Body != nil && p.Body.AttachmentId != ""):
		meta.HasAttachments = true
	case p.Body != nil && p.Body.Data != "":
		mimeType := strings.ToLower(p.MimeType)
		if strings.HasPrefix(mimeType, "text/plain") && meta.BodyText == "" {
			meta.BodyText = decodeBody(p.Body.Data)
		} else if strings.HasPrefix(mimeType, "text/html") && meta.BodyHTML == "" {
			meta.BodyHTML = decodeBody(p.Body.Data)
		}
	}

	for _, child := range p.Parts {
		walkParts(child, meta)
	}
}

// decodeBody decodes base64url part data; Gmail is inconsistent about padding.
func decodeBody(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return ""
		}
	}
	return string(b)
}

// classify maps Gmail SDK and token errors onto the sync error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var se *sync.Error
	if errors.As(err, &se) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return sync.NewError(sync.HTTPKind(gerr.Code, rateLimited(gerr)), model.ProviderGoogle, op, err)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return sync.NewError(sync.KindTransient, model.ProviderGoogle, op, err)
		}
		return sync.NewError(sync.KindAuth, model.ProviderGoogle, op, err)
	}

	if errors.Is(err, context.Canceled) {
		return sync.NewError(sync.KindUnknown, model.ProviderGoogle, op, err)
	}
	return sync.NewError(sync.KindTransient, model.ProviderGoogle, op, err)
}

func rateLimited(e *googleapi.Error) bool {
	if e.Code != http.StatusForbidden {
		return false
	}
	for _, item := range e.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return strings.Contains(strings.ToLower(e.Message), "rate limit")
}
