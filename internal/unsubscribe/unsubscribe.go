// Package unsubscribe parses List-Unsubscribe headers (RFC 2369) and carries out
// the advertised request: an RFC 8058 one-click POST or a mailto message.
package unsubscribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/sync"
)

var (
	// ErrNoDirective means the message carries no usable List-Unsubscribe header.
	ErrNoDirective = errors.New("no list-unsubscribe directive")
	// ErrBrowserOnly means only a web link is advertised, which needs a human to follow it.
	ErrBrowserOnly = errors.New("unsubscribe requires a browser")
)

// Method is how an unsubscribe request was delivered.
type Method string

const (
	MethodOneClick Method = "one-click"
	MethodMailto   Method = "mailto"
)

// Mailto is a parsed mailto: unsubscribe target.
type Mailto struct {
	To      []string
	Subject string
	Body    string
}

// Directive is the parsed List-Unsubscribe / List-Unsubscribe-Post pair.
type Directive struct {
	HTTPS    []*url.URL
	Mailto   []Mailto
	OneClick bool
}

func (d Directive) Empty() bool { return len(d.HTTPS) == 0 && len(d.Mailto) == 0 }

// Parse reads the directive from lower-cased header keys.
func Parse(headers map[string]string) Directive {
	var d Directive

	for _, raw := range splitTargets(headers["list-unsubscribe"]) {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		switch strings.ToLower(u.Scheme) {
		case "https", "http":
			d.HTTPS = append(d.HTTPS, u)
		case "mailto":
			if m, ok := parseMailto(u); ok {
				d.Mailto = append(d.Mailto, m)
			}
		}
	}

	post := strings.ToLower(headers["list-unsubscribe-post"])
	d.OneClick = strings.Contains(post, "list-unsubscribe=one-click")
	return d
}

// splitTargets extracts the <...> entries of a List-Unsubscribe value.
func splitTargets(v string) []string {
	var out []string
	for {
		start := strings.IndexByte(v, '<')
		if start < 0 {
			break
		}
		end := strings.IndexByte(v[start:], '>')
		if end < 0 {
			break
		}
		if t := strings.TrimSpace(v[start+1 : start+end]); t != "" {
			out = append(out, t)
		}
		v = v[start+end+1:]
	}
	return out
}

func parseMailto(u *url.URL) (Mailto, bool) {
	var m Mailto
	addr := u.Opaque
	if addr == "" {
		addr = u.Path
	}
	if unescaped, err := url.PathUnescape(addr); err == nil {
		addr = unescaped
	}
	for _, a := range strings.Split(addr, ",") {
		if a = strings.TrimSpace(a); a != "" {
			m.To = append(m.To, a)
		}
	}

	q := u.Query()
	m.Subject = q.Get("subject")
	m.Body = q.Get("body")
	if m.Subject == "" {
		m.Subject = "unsubscribe"
	}
	return m, len(m.To) > 0
}

// MailSender delivers a mailto unsubscribe request through the account's mailbox.
type MailSender func(ctx context.Context, m Mailto) error

// Apply performs the best available request: one-click POST when advertised,
// otherwise the first mailto target.
func Apply(ctx context.Context, client *http.Client, headers map[string]string, send MailSender) (Method, error) {
	d := Parse(headers)
	if d.Empty() {
		return "", ErrNoDirective
	}

	if d.OneClick {
		for _, u := range d.HTTPS {
			if strings.EqualFold(u.Scheme, "https") {
				return MethodOneClick, PostOneClick(ctx, client, u)
			}
		}
	}

	if len(d.Mailto) > 0 {
		return MethodMailto, send(ctx, d.Mailto[0])
	}

	return "", fmt.Errorf("%w: %s", ErrBrowserOnly, d.HTTPS[0])
}

// PostOneClick sends the RFC 8058 one-click request.
func PostOneClick(ctx context.Context, client *http.Client, u *url.URL) error {
	if client == nil {
		client = NewWebClient(15 * time.Second)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader("List-Unsubscribe=One-Click"))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("one-click post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// StatusError is a non-2xx answer to a one-click POST.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("one-click post: unexpected status %d", e.Code)
}

// Compose builds the RFC 5322 message for a mailto request.
func Compose(from string, m Mailto) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	if from != "" {
		h.SetAddressList("From", []*mail.Address{{Address: from}})
	}

	to := make([]*mail.Address, 0, len(m.To))
	for _, a := range m.To {
		to = append(to, &mail.Address{Address: a})
	}
	h.SetAddressList("To", to)
	h.SetSubject(m.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	body := m.Body
	if body == "" {
		body = "unsubscribe"
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ProviderError maps an Apply failure onto the sync error taxonomy.
func ProviderError(kind model.ProviderKind, err error) error {
	if err == nil {
		return nil
	}
	var se *sync.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, ErrNoDirective) || errors.Is(err, ErrBrowserOnly) || errors.Is(err, ErrForbiddenTarget) {
		return sync.NewError(sync.KindNotFound, kind, "unsubscribe", err)
	}
	var status *StatusError
	if errors.As(err, &status) {
		if status.Code == http.StatusGone {
			return sync.NewError(sync.KindNotFound, kind, "unsubscribe", err)
		}
		return sync.NewError(sync.HTTPKind(status.Code, false), kind, "unsubscribe", err)
	}
	return sync.NewError(sync.KindTransient, kind, "unsubscribe", err)
}
