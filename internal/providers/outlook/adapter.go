package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	khttp "github.com/microsoft/kiota-http-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	graphauth "github.com/microsoftgraph/msgraph-sdk-go-core/authentication"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/unsubscribe"
)

const (
	inboxFolder      = "inbox"
	archiveFolder    = "archive"
	defaultMax       = 50
	maxPageSize      = 100
	fetchConcurrency = 20
	noSubject        = "(No Subject)"

	// PidTagMessageSize
	sizeProperty = "Integer 0x0E08"
)

var detailFields = []string{
	"id", "conversationId", "subject", "from", "sender", "receivedDateTime",
	"bodyPreview", "body", "hasAttachments", "internetMessageHeaders",
}

var graphHosts = []string{
	"graph.microsoft.com", "graph.microsoft.us", "dod-graph.microsoft.us",
	"graph.microsoft.de", "microsoftgraph.chinacloudapi.cn", "canary.graph.microsoft.com",
}

// Options configures the Graph client.
type Options struct {
	// HTTPClient replaces the Graph SDK's default client; requests still have
	// /users/me-token-to-replace rewritten to /me.
	HTTPClient *http.Client
	// BaseURL overrides https://graph.microsoft.com/v1.0, e.g. for a local fake.
	BaseURL string
	// WebClient is used for one-click unsubscribe POSTs. It never carries the account token.
	WebClient *http.Client
	// Calls bounds and retries each request made while listing.
	Calls sync.CallPolicy
	Log   zerolog.Logger
}

// Adapter implements sync.MailProvider for Outlook/Microsoft Graph
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	web    *http.Client
	calls  sync.CallPolicy
	log    zerolog.Logger
}

// New creates a new Outlook adapter
func New(ctx context.Context, creds sync.Credentials, opts Options) (*Adapter, error) {
	cred := &staticTokenCredential{token: creds.AccessToken, expiry: creds.Expiry}

	client, err := newGraphClient(cred, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	web := opts.WebClient
	if web == nil {
		web = unsubscribe.NewWebClient(15 * time.Second)
	}

	return &Adapter{
		client: client,
		web:    web,
		calls:  opts.Calls,
		log:    opts.Log.With().Str("provider", string(model.ProviderOutlook)).Logger(),
	}, nil
}

func newGraphClient(cred azcore.TokenCredential, opts Options) (*msgraphsdk.GraphServiceClient, error) {
	if opts.HTTPClient == nil && opts.BaseURL == "" {
		return msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	}

	authProvider, err := graphauth.NewAzureIdentityAuthenticationProviderWithScopesAndValidHosts(cred, []string{"https://graph.microsoft.com/.default"}, graphHosts)
	if err != nil {
		return nil, err
	}

	var httpClient *http.Client
	if opts.HTTPClient != nil {
		parent := opts.HTTPClient.Transport
		if parent == nil {
			parent = http.DefaultTransport
		}
		httpClient = &http.Client{
			Transport: khttp.NewCustomTransportWithParentTransport(parent, khttp.NewUrlReplaceHandler(true, msgraphcore.ReplacementPairs)),
			Timeout:   opts.HTTPClient.Timeout,
		}
	}

	adapter, err := msgraphsdk.NewGraphRequestAdapterWithParseNodeFactoryAndSerializationWriterFactoryAndHttpClient(authProvider, nil, nil, httpClient)
	if err != nil {
		return nil, err
	}
	// the client captures the base url at construction
	if opts.BaseURL != "" {
		adapter.SetBaseUrl(strings.TrimRight(opts.BaseURL, "/"))
	}
	return msgraphsdk.NewGraphServiceClient(adapter), nil
}

func (a *Adapter) Kind() model.ProviderKind { return model.ProviderOutlook }

// Connect validates the token by reading the signed-in user.
func (a *Adapter) Connect(ctx context.Context) error {
	_, err := a.client.Me().Get(ctx, &users.UserItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.UserItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "mail"},
		},
	})
	return classify("connect", err)
}

// deltaCursor is a Graph @odata.deltaLink or @odata.nextLink.
type deltaCursor struct {
	link string
}

func parseDeltaCursor(s string) (deltaCursor, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return deltaCursor{}, fmt.Errorf("invalid delta cursor %q", s)
	}
	return deltaCursor{link: u.String()}, nil
}

func (c deltaCursor) String() string { return c.link }

type deltaPage = users.ItemMailFoldersItemMessagesDeltaGetResponseable

// ListEmails follows the inbox delta query. A stored link is resumed as-is;
// without one, or when Graph has dropped the sync state, the delta starts over.
func (a *Adapter) ListEmails(ctx context.Context, opts sync.ListOptions) (*sync.ListResult, error) {
	max := opts.MaxResults
	if max <= 0 {
		max = defaultMax
	}

	if opts.Checkpoint.Cursor == "" {
		return a.listDelta(ctx, a.initialDelta(max), max)
	}

	cur, err := parseDeltaCursor(opts.Checkpoint.Cursor)
	if err == nil {
		res, err := a.listDelta(ctx, a.resumeDelta(cur), max)
		if err == nil {
			return res, nil
		}
		if k := sync.KindOf(err); k != sync.KindCursorInvalid && k != sync.KindNotFound {
			return nil, err
		}
		a.log.Info().Err(err).Msg("delta link rejected, resyncing")
	} else {
		a.log.Info().Err(err).Msg("unusable delta cursor, resyncing")
	}

	res, err := a.listDelta(ctx, a.initialDelta(max), max)
	if err != nil {
		return nil, err
	}
	res.Resynced = true
	return res, nil
}

func (a *Adapter) initialDelta(max int) func(ctx context.Context) (deltaPage, error) {
	return func(ctx context.Context) (deltaPage, error) {
		headers := abstractions.NewRequestHeaders()
		headers.Add("Prefer", "odata.maxpagesize="+strconv.Itoa(min(max, maxPageSize)))

		return a.client.Me().MailFolders().ByMailFolderId(inboxFolder).Messages().Delta().
			GetAsDeltaGetResponse(ctx, &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
				Headers: headers,
				QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
					Select: []string{"id", "receivedDateTime"},
				},
			})
	}
}

func (a *Adapter) resumeDelta(cur deltaCursor) func(ctx context.Context) (deltaPage, error) {
	return func(ctx context.Context) (deltaPage, error) {
		return users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(cur.link, a.client.GetAdapter()).
			GetAsDeltaGetResponse(ctx, nil)
	}
}

// listDelta walks delta pages until Graph hands out a deltaLink or the ceiling is
// reached, in which case the pending nextLink becomes the cursor.
func (a *Adapter) listDelta(ctx context.Context, first func(ctx context.Context) (deltaPage, error), max int) (*sync.ListResult, error) {
	page, err := a.deltaPage(ctx, first)
	if err != nil {
		return nil, err
	}

	var (
		ids    []string
		seen   = make(map[string]bool)
		cursor string
	)
	for {
		for _, m := range page.GetValue() {
			id := deref(m.GetId())
			if id == "" || isRemoved(m) || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}

		if link := deref(page.GetOdataDeltaLink()); link != "" {
			cursor = link
			break
		}
		next := deref(page.GetOdataNextLink())
		if next == "" {
			break
		}
		if len(ids) >= max {
			cursor = next
			break
		}

		page, err = a.deltaPage(ctx, a.resumeDelta(deltaCursor{link: next}))
		if err != nil {
			return nil, err
		}
	}

	msgs, err := a.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	return &sync.ListResult{Messages: msgs, Checkpoint: sync.Checkpoint{Cursor: cursor}}, nil
}

func (a *Adapter) deltaPage(ctx context.Context, get func(ctx context.Context) (deltaPage, error)) (deltaPage, error) {
	var page deltaPage
	err := a.calls.Do(ctx, func(ctx context.Context) error {
		var err error
		page, err = get(ctx)
		return classify("delta", err)
	})
	return page, err
}

// fetch reads message details with bounded parallelism. Each read is retried
// under the call policy; a message that still cannot be read is dropped. Only
// an auth failure aborts the listing.
func (a *Adapter) fetch(ctx context.Context, ids []string) ([]sync.MessageMeta, error) {
	out := make([]*sync.MessageMeta, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			var m models.Messageable
			err := a.calls.Do(gctx, func(ctx context.Context) error {
				var err error
				m, err = a.client.Me().Messages().ByMessageId(id).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
					QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
						Select: detailFields,
						Expand: []string{"singleValueExtendedProperties($filter=id eq '" + sizeProperty + "')"},
					},
				})
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

func (a *Adapter) GetHeaders(ctx context.Context, remoteID string) (map[string]string, error) {
	m, err := a.client.Me().Messages().ByMessageId(remoteID).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"internetMessageHeaders"},
		},
	})
	if err != nil {
		return nil, classify("get_headers", err)
	}
	return headerMap(m.GetInternetMessageHeaders()), nil
}

// Archive moves messages to the well-known archive folder, one request per message.
func (a *Adapter) Archive(ctx context.Context, remoteIDs []string) error {
	for _, id := range remoteIDs {
		body := users.NewItemMessagesItemMovePostRequestBody()
		dest := archiveFolder
		body.SetDestinationId(&dest)

		if _, err := a.client.Me().Messages().ByMessageId(id).Move().Post(ctx, body, nil); err != nil {
			return classify("archive", err)
		}
	}
	return nil
}

// Delete removes messages one by one. Already missing messages count as deleted.
func (a *Adapter) Delete(ctx context.Context, remoteIDs []string) error {
	for _, id := range remoteIDs {
		err := classify("delete", a.client.Me().Messages().ByMessageId(id).Delete(ctx, nil))
		if err != nil && !sync.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (a *Adapter) Unsubscribe(ctx context.Context, remoteID string) error {
	headers, err := a.GetHeaders(ctx, remoteID)
	if err != nil {
		return err
	}

	method, err := unsubscribe.Apply(ctx, a.web, headers, a.sendMailto)
	if err != nil {
		return unsubscribe.ProviderError(model.ProviderOutlook, err)
	}
	a.log.Info().Str("remote_id", remoteID).Str("method", string(method)).Msg("unsubscribed")
	return nil
}

func (a *Adapter) sendMailto(ctx context.Context, m unsubscribe.Mailto) error {
	msg := models.NewMessage()
	subject := m.Subject
	msg.SetSubject(&subject)

	content := m.Body
	if content == "" {
		content = "unsubscribe"
	}
	contentType := models.TEXT_BODYTYPE
	body := models.NewItemBody()
	body.SetContentType(&contentType)
	body.SetContent(&content)
	msg.SetBody(body)

	to := make([]models.Recipientable, 0, len(m.To))
	for _, addr := range m.To {
		address := addr
		ea := models.NewEmailAddress()
		ea.SetAddress(&address)
		r := models.NewRecipient()
		r.SetEmailAddress(ea)
		to = append(to, r)
	}
	msg.SetToRecipients(to)

	req := users.NewItemSendMailPostRequestBody()
	req.SetMessage(msg)
	save := false
	req.SetSaveToSentItems(&save)

	return classify("send", a.client.Me().SendMail().Post(ctx, req, nil))
}

// normalize converts Outlook message to MessageMeta
func normalize(m models.Messageable) sync.MessageMeta {
	meta := sync.MessageMeta{
		Provider:   model.ProviderOutlook,
		RemoteID:   deref(m.GetId()),
		ThreadID:   deref(m.GetConversationId()),
		Subject:    deref(m.GetSubject()),
		Snippet:    deref(m.GetBodyPreview()),
		Headers:    headerMap(m.GetInternetMessageHeaders()),
		ReceivedAt: time.Now().UTC(),
	}
	if meta.Subject == "" {
		meta.Subject = noSubject
	}

	from := m.GetFrom()
	if from == nil {
		from = m.GetSender()
	}
	if from != nil && from.GetEmailAddress() != nil {
		meta.SenderName = deref(from.GetEmailAddress().GetName())
		meta.SenderAddress = strings.ToLower(deref(from.GetEmailAddress().GetAddress()))
	}

	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		meta.ReceivedAt = rcvd.UTC()
	}
	if has := m.GetHasAttachments(); has != nil {
		meta.HasAttachments = *has
	}

	if body := m.GetBody(); body != nil {
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			meta.BodyHTML = deref(body.GetContent())
		} else {
			meta.BodyText = deref(body.GetContent())
		}
	}

	for _, p := range m.GetSingleValueExtendedProperties() {
		if strings.EqualFold(deref(p.GetId()), sizeProperty) {
			if n, err := strconv.ParseInt(deref(p.GetValue()), 10, 64); err == nil {
				meta.SizeEstimate = n
			}
		}
	}

	return meta
}

// headerMap lower-cases header names, keeping the first occurrence.
func headerMap(hs []models.InternetMessageHeaderable) map[string]string {
	headers := make(map[string]string, len(hs))
	for _, h := range hs {
		name := strings.ToLower(deref(h.GetName()))
		if name == "" {
			continue
		}
		if _, ok := headers[name]; !ok {
			headers[name] = deref(h.GetValue())
		}
	}
	return headers
}

func isRemoved(m models.Messageable) bool {
	_, ok := m.GetAdditionalData()["@removed"]
	return ok
}

// classify maps Graph errors onto the sync error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var se *sync.Error
	if errors.As(err, &se) {
		return err
	}

	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		if main := oerr.GetErrorEscaped(); main != nil {
			switch strings.ToLower(deref(main.GetCode())) {
			case "syncstatenotfound", "syncstateinvalid", "resyncrequired":
				return sync.NewError(sync.KindCursorInvalid, model.ProviderOutlook, op, err)
			}
		}
		return sync.NewError(sync.HTTPKind(oerr.ResponseStatusCode, false), model.ProviderOutlook, op, err)
	}

	var aerr *abstractions.ApiError
	if errors.As(err, &aerr) {
		return sync.NewError(sync.HTTPKind(aerr.ResponseStatusCode, false), model.ProviderOutlook, op, err)
	}

	if errors.Is(err, context.Canceled) {
		return sync.NewError(sync.KindUnknown, model.ProviderOutlook, op, err)
	}
	return sync.NewError(sync.KindTransient, model.ProviderOutlook, op, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// staticTokenCredential implements Azure credential interface
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(1 * time.Hour)
	}
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: expiry,
	}, nil
}
