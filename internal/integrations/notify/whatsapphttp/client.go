package whatsapphttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/OrderSync/internal/integrations/notify"
	"github.com/pkg/errors"
)

var ErrBadPhone = errors.New("invalid phone number")

type Client struct {
	baseURL     string
	token       string
	countryCode string
	httpc       *http.Client
}

func New(baseURL, token, countryCode string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		token:       token,
		countryCode: countryCode,
		httpc:       &http.Client{Timeout: timeout},
	}
}

type messageReq struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Params   map[string]string `json:"params,omitempty"`
}

func (c *Client) Send(ctx context.Context, phone string, template notify.Template, params map[string]string) error {
	to, err := c.normalizePhone(phone)
	if err != nil {
		return err
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return errors.Wrap(err, "parse base url")
	}
	u.Path = "/messages"

	b, err := json.Marshal(messageReq{To: to, Template: string(template), Params: params})
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("whatsapp http %d", resp.StatusCode)
	}
	return nil
}

// normalizePhone оставляет только цифры и добавляет код страны к локальным номерам.
func (c *Client) normalizePhone(phone string) (string, error) {
	var sb strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	digits := sb.String()
	if len(digits) < 7 {
		return "", errors.Wrapf(ErrBadPhone, "%q", phone)
	}
	if c.countryCode != "" && len(digits) == 7 {
		digits = c.countryCode + digits
	}
	return digits, nil
}
