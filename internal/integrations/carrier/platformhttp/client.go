package platformhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/OrderSync/internal/integrations/carrier"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9000"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: timeout,
		},
	}
}

type jobBody struct {
	DoNumber             string          `json:"do_number"`
	Status               string          `json:"status"`
	JobType              string          `json:"job_type"`
	Group                string          `json:"group"`
	Reason               string          `json:"reason"`
	Location             string          `json:"location"`
	PODURL               string          `json:"pod_url"`
	Attempt              int             `json:"attempt"`
	AssignTo             string          `json:"assign_to"`
	Date                 string          `json:"date"`
	DeliverToCollectFrom string          `json:"deliver_to_collect_from"`
	PhoneNumber          string          `json:"phone_number"`
	Address              string          `json:"address"`
	Zone                 string          `json:"zone"`
	PaymentMode          string          `json:"payment_mode"`
	TotalPrice           decimal.Decimal `json:"total_price"`
	Weight               decimal.Decimal `json:"weight"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

type showResp struct {
	Data *jobBody `json:"data"`
}

type updateReq struct {
	DoNumber string         `json:"do_number"`
	Data     carrier.Fields `json:"data"`
}

type reattemptReq struct {
	DoNumber string `json:"do_number"`
}

func (c *Client) Fetch(ctx context.Context, doNumber string) (carrier.Job, error) {
	u, err := c.endpoint("/dn/jobs/show")
	if err != nil {
		return carrier.Job{}, err
	}
	q := u.Query()
	q.Set("do_number", doNumber)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return carrier.Job{}, errors.Wrap(err, "new request")
	}

	resp, err := c.do(req)
	if err != nil {
		return carrier.Job{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return carrier.Job{}, carrier.ErrNotFound
	}
	if err := statusError(resp); err != nil {
		return carrier.Job{}, err
	}

	var rb showResp
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return carrier.Job{}, errors.Wrap(err, "decode")
	}
	if rb.Data == nil || rb.Data.DoNumber == "" {
		return carrier.Job{}, carrier.ErrNotFound
	}
	return toJob(*rb.Data), nil
}

func (c *Client) Patch(ctx context.Context, doNumber string, f carrier.Fields) error {
	resp, err := c.send(ctx, http.MethodPut, "/dn/jobs/update", updateReq{DoNumber: doNumber, Data: f})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return carrier.ErrNotFound
	case http.StatusInternalServerError:
		// платформа отвечает 500 на попытку изменить завершённое задание
		return carrier.ErrAlreadyFinalized
	}
	return statusError(resp)
}

func (c *Client) Reattempt(ctx context.Context, doNumber string) error {
	resp, err := c.send(ctx, http.MethodPost, "/dn/jobs/reattempt", reattemptReq{DoNumber: doNumber})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return carrier.ErrNotFound
	}
	return statusError(resp)
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	u, err := c.endpoint(path)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal body")
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(b))
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	return resp, nil
}

func (c *Client) endpoint(path string) (*url.URL, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = path
	return u, nil
}

func statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("carrier platform rate limit (429)")
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("carrier platform http %d", resp.StatusCode)
	}
	return nil
}

func toJob(b jobBody) carrier.Job {
	j := carrier.Job{
		DoNumber:             b.DoNumber,
		Status:               carrier.Status(b.Status),
		JobType:              b.JobType,
		Group:                b.Group,
		Reason:               b.Reason,
		Location:             b.Location,
		PODURL:               b.PODURL,
		Attempt:              b.Attempt,
		AssignTo:             b.AssignTo,
		DeliverToCollectFrom: b.DeliverToCollectFrom,
		PhoneNumber:          b.PhoneNumber,
		Address:              b.Address,
		Zone:                 b.Zone,
		PaymentMode:          b.PaymentMode,
		TotalPrice:           b.TotalPrice,
		Weight:               b.Weight,
		UpdatedAt:            b.UpdatedAt,
	}
	if b.Date != "" {
		if d, err := time.Parse(carrier.DateLayout, b.Date); err == nil {
			j.Date = &d
		}
	}
	return j
}
