// internal/mailbox/tempmail.go
package mailbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"credpilot/api/schemas"
	"credpilot/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TempMail reads a disposable inbox over its HTTP API. Each fetch lists the
// inbox, pulls the newest message, extracts the code and then deletes the
// message so a later attempt cannot pick up a stale code.
type TempMail struct {
	cfg     config.TempMailConfig
	extract *Extractor
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

var _ Provider = (*TempMail)(nil)

// NewTempMail builds the provider. The limiter keeps polling under one
// request per second regardless of how tight the poll interval is set.
func NewTempMail(cfg config.TempMailConfig, extractor *Extractor, logger *zap.Logger) *TempMail {
	return &TempMail{
		cfg:     cfg,
		extract: extractor,
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		log:     logger.Named("tempmail"),
	}
}

func (t *TempMail) address() string {
	return t.cfg.Username + t.cfg.Extension
}

type mailListResponse struct {
	Result  bool  `json:"result"`
	FirstID int64 `json:"first_id"`
}

type mailDetailResponse struct {
	Result bool   `json:"result"`
	Text   string `json:"text"`
	HTML   string `json:"html"`
	Date   string `json:"date"`
}

type mailDeleteResponse struct {
	Result bool `json:"result"`
}

func (t *TempMail) FetchCode(ctx context.Context, identity string, since time.Time) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var list mailListResponse
	listURL := fmt.Sprintf("%s/api/mails?%s", t.cfg.BaseURL, url.Values{
		"email": {t.address()},
		"limit": {"20"},
		"epin":  {t.cfg.EPin},
	}.Encode())
	if err := t.getJSON(ctx, listURL, &list); err != nil {
		return "", err
	}
	if !list.Result || list.FirstID == 0 {
		return "", nil
	}

	var detail mailDetailResponse
	detailURL := fmt.Sprintf("%s/api/mails/%d?%s", t.cfg.BaseURL, list.FirstID, url.Values{
		"email": {t.address()},
		"epin":  {t.cfg.EPin},
	}.Encode())
	if err := t.getJSON(ctx, detailURL, &detail); err != nil {
		return "", err
	}
	if !detail.Result {
		return "", nil
	}
	if stale(detail.Date, since) {
		return "", nil
	}

	code, ok := t.extract.Extract(detail.Text, detail.HTML)
	if !ok {
		t.log.Debug("message carried no code", zap.String("identity", identity))
		return "", nil
	}

	t.deleteMail(ctx, list.FirstID)
	return code, nil
}

func (t *TempMail) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return schemas.Structural("tempmail.request", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return schemas.Transient("tempmail.request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return schemas.Transient("tempmail.request",
			fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return schemas.Transient("tempmail.read", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return schemas.Transient("tempmail.decode", err)
	}
	return nil
}

// deleteMail is best effort. A message left behind is recoverable noise; the
// since filter keeps it from being mistaken for a fresh code.
func (t *TempMail) deleteMail(ctx context.Context, id int64) {
	form := url.Values{
		"email":    {t.address()},
		"first_id": {fmt.Sprintf("%d", id)},
		"epin":     {t.cfg.EPin},
	}

	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
			t.cfg.BaseURL+"/api/mails/", strings.NewReader(form.Encode()))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := t.client.Do(req)
		if err == nil {
			var deleted mailDeleteResponse
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			if readErr == nil && json.Unmarshal(body, &deleted) == nil && deleted.Result {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
	t.log.Warn("failed to delete processed message", zap.Int64("id", id))
}

// stale reports whether the message date parses and predates since. An
// unparseable date is treated as fresh; deletion of processed messages is
// the primary guard.
func stale(date string, since time.Time) bool {
	if date == "" {
		return false
	}
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, "2006-01-02 15:04:05", time.RFC3339} {
		if ts, err := time.Parse(layout, date); err == nil {
			return ts.Before(since)
		}
	}
	return false
}
