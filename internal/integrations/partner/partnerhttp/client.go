package partnerhttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/OrderSync/internal/cache"
	"github.com/BearBump/OrderSync/internal/integrations/partner"
	"github.com/pkg/errors"
)

const (
	tokenKey      = "partner:session_token"
	dateLayout    = "2006-01-02 15:04:05"
	maxImageBytes = 5 << 20
)

var errUnauthorized = errors.New("partner session rejected")

type Client struct {
	baseURL  string
	username string
	password string
	tokenTTL time.Duration

	tokens cache.BytesCache
	httpc  *http.Client
}

func New(baseURL, username, password string, tokens cache.BytesCache, timeout, tokenTTL time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if tokenTTL <= 0 {
		tokenTTL = 30 * time.Minute
	}
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		tokenTTL: tokenTTL,
		tokens:   tokens,
		httpc:    &http.Client{Timeout: timeout},
	}
}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResp struct {
	Token string `json:"token"`
}

type milestoneReq struct {
	ConsignmentID string `json:"ConsignmentId"`
	StatusCode    string `json:"StatusCode"`
	DateEvent     string `json:"DateEvent"`
	Remark        string `json:"Remark"`
	Image         string `json:"Image,omitempty"`
}

// Authenticate всегда получает свежий токен и кладёт его в кэш.
func (c *Client) Authenticate(ctx context.Context) error {
	_, err := c.login(ctx)
	return err
}

func (c *Client) CreateMilestone(ctx context.Context, m partner.Milestone) error {
	body := milestoneReq{
		ConsignmentID: m.ConsignmentID,
		StatusCode:    m.StatusCode,
		DateEvent:     m.DateEvent.Format(dateLayout),
		Remark:        m.Remark,
	}
	if m.ImageURL != "" {
		img, err := c.fetchImage(ctx, m.ImageURL)
		if err != nil {
			return err
		}
		body.Image = img
	}

	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	err = c.postMilestone(ctx, token, body)
	if !errors.Is(err, errUnauthorized) {
		return err
	}

	// токен протух раньше TTL: перелогиниваемся один раз
	if c.tokens != nil {
		_ = c.tokens.Delete(ctx, tokenKey)
	}
	token, err = c.login(ctx)
	if err != nil {
		return err
	}
	return c.postMilestone(ctx, token, body)
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens != nil {
		b, ok, err := c.tokens.Get(ctx, tokenKey)
		if err == nil && ok && len(b) > 0 {
			return string(b), nil
		}
	}
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) (string, error) {
	resp, err := c.postJSON(ctx, "/auth/login", "", loginReq{Username: c.username, Password: c.password})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("partner login http %d", resp.StatusCode)
	}
	var lr loginResp
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", errors.Wrap(err, "decode login")
	}
	if lr.Token == "" {
		return "", errors.New("partner login: empty token")
	}
	if c.tokens != nil {
		if err := c.tokens.Set(ctx, tokenKey, []byte(lr.Token), c.tokenTTL); err != nil {
			return "", err
		}
	}
	return lr.Token, nil
}

func (c *Client) postMilestone(ctx context.Context, token string, body milestoneReq) error {
	resp, err := c.postJSON(ctx, "/milestone/create", token, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("partner milestone http %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path, token string, body any) (*http.Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = path

	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	return resp, nil
}

func (c *Client) fetchImage(ctx context.Context, imageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "new image request")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "fetch pod image")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("pod image http %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return "", errors.Wrap(err, "read pod image")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
