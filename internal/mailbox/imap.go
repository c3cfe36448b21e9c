// internal/mailbox/imap.go
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"credpilot/api/schemas"
	"credpilot/internal/config"
)

// IMAP reads verification mail from a real mailbox. Every fetch dials a
// fresh connection; polling cadence is slow enough that holding a session
// open buys nothing and reconnecting sidesteps dropped-connection state.
type IMAP struct {
	cfg     config.IMAPConfig
	extract *Extractor
	log     *zap.Logger

	// dial is swappable for tests.
	dial func(addr string) (imapClient, error)
}

var _ Provider = (*IMAP)(nil)

// imapClient is the slice of *client.Client this provider uses.
type imapClient interface {
	Login(username, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	Search(criteria *imap.SearchCriteria) ([]uint32, error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
}

// NewIMAP builds the provider from mailbox configuration.
func NewIMAP(cfg config.IMAPConfig, extractor *Extractor, logger *zap.Logger) *IMAP {
	return &IMAP{
		cfg:     cfg,
		extract: extractor,
		log:     logger.Named("imap"),
		dial: func(addr string) (imapClient, error) {
			return client.DialTLS(addr, nil)
		},
	}
}

func (m *IMAP) FetchCode(ctx context.Context, identity string, since time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c, err := m.dial(fmt.Sprintf("%s:%d", m.cfg.Server, m.cfg.Port))
	if err != nil {
		return "", schemas.Transient("imap.dial", err)
	}
	defer func() {
		if err := c.Logout(); err != nil {
			m.log.Debug("imap logout failed", zap.Error(err))
		}
	}()

	// Rejected credentials cannot heal on retry.
	if err := c.Login(m.cfg.User, m.cfg.Password); err != nil {
		return "", schemas.Structural("imap.login", err)
	}
	if _, err := c.Select(m.cfg.Folder, true); err != nil {
		return "", schemas.Transient("imap.select", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since.Truncate(24 * time.Hour)
	if m.cfg.FromFilter != "" {
		criteria.Header.Add("From", m.cfg.FromFilter)
	}
	ids, err := c.Search(criteria)
	if err != nil {
		return "", schemas.Transient("imap.search", err)
	}
	if len(ids) == 0 {
		return "", nil
	}

	// Newest first; IMAP SINCE has day granularity so the envelope date is
	// checked again below.
	section := &imap.BodySectionName{Peek: true}
	seqset := new(imap.SeqSet)
	seqset.AddNum(ids[len(ids)-1])
	messages := make(chan *imap.Message, 1)
	if err := c.Fetch(seqset, []imap.FetchItem{section.FetchItem(), imap.FetchEnvelope}, messages); err != nil {
		return "", schemas.Transient("imap.fetch", err)
	}
	msg, ok := <-messages
	if !ok || msg == nil {
		return "", nil
	}
	if msg.Envelope != nil && msg.Envelope.Date.Before(since) {
		return "", nil
	}

	body := msg.GetBody(section)
	if body == nil {
		return "", nil
	}
	text, htmlBody, err := readBodies(body)
	if err != nil {
		return "", schemas.Transient("imap.parse", err)
	}
	code, ok := m.extract.Extract(text, htmlBody)
	if !ok {
		m.log.Debug("message carried no code", zap.String("identity", identity))
		return "", nil
	}
	return code, nil
}

// readBodies walks the MIME structure and collects the text/plain and
// text/html parts. Transfer encodings and charsets are handled by the mail
// reader.
func readBodies(r io.Reader) (text, htmlBody string, err error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", "", fmt.Errorf("failed to open message: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return text, htmlBody, nil
		}
		if err != nil {
			return "", "", fmt.Errorf("failed to read message part: %w", err)
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, err := header.ContentType()
		if err != nil {
			continue
		}
		content, err := io.ReadAll(io.LimitReader(part.Body, 1<<20))
		if err != nil {
			return "", "", fmt.Errorf("failed to read part body: %w", err)
		}
		switch {
		case strings.EqualFold(mediaType, "text/plain") && text == "":
			text = string(content)
		case strings.EqualFold(mediaType, "text/html") && htmlBody == "":
			htmlBody = string(content)
		}
	}
}
