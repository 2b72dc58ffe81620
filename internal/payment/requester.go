package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"launchpad/agent/internal/logger"
	"launchpad/agent/internal/retry"
)

// HeaderPayment carries the encoded Payload on the paid retry.
const HeaderPayment = "X-PAYMENT"

const (
	defaultRateLimitRetries = 3
	maxProviderRetryAfter   = time.Minute
)

// Request is one logical call; it may be sent up to 2+RateLimitRetries times.
type Request struct {
	Method string
	Path   string
	Query  map[string]string
	Body   any
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
	// Signer may be nil, in which case a 402 is a VerificationError.
	Signer  Signer
	Network string
	// MaxPayment caps the amount a single authorization may transfer.
	MaxPayment       *big.Int
	RateLimitRetries int
	RateLimit        retry.Policy
}

// Requester issues HTTP calls that may be payment-gated. On 402 it signs one
// authorization and retries once; a second 402 is fatal. On 429 it backs
// off and retries a bounded number of times.
type Requester struct {
	http       *resty.Client
	signer     Signer
	network    string
	maxPayment *big.Int
	rlRetries  int
	rlPolicy   retry.Policy
	payments   atomic.Int64
}

func NewRequester(opts Options) *Requester {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "launchpad-agentd/1.0")
	for k, v := range opts.Headers {
		client.SetHeader(k, v)
	}
	rlRetries := opts.RateLimitRetries
	if rlRetries <= 0 {
		rlRetries = defaultRateLimitRetries
	}
	policy := opts.RateLimit
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
		policy.MaxDelay = 30 * time.Second
		policy.Jitter = 0.2
	}
	return &Requester{
		http:       client,
		signer:     opts.Signer,
		network:    opts.Network,
		maxPayment: opts.MaxPayment,
		rlRetries:  rlRetries,
		rlPolicy:   policy,
	}
}

// PaymentsMade counts signed authorizations produced so far.
func (r *Requester) PaymentsMade() int64 { return r.payments.Load() }

// RequestWithPayment is Do for a call without query parameters.
func (r *Requester) RequestWithPayment(ctx context.Context, method, path string, body, out any) error {
	return r.Do(ctx, Request{Method: method, Path: path, Body: body}, out)
}

// Do sends req and decodes a 2xx JSON body into out (when non-nil). A
// *[]byte out receives the raw body.
// Transport errors are returned unwrapped in kind so callers can classify
// them with retry.IsTransient.
func (r *Requester) Do(ctx context.Context, req Request, out any) error {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	var (
		header      string
		accept      *Accept
		rateLimited int
	)
	for {
		resp, err := r.send(ctx, method, req, header)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, req.Path, err)
		}
		status := resp.StatusCode()
		switch {
		case status == http.StatusPaymentRequired:
			if accept != nil {
				return &VerificationError{
					Path:    req.Path,
					Amount:  accept.MaxAmountRequired,
					Asset:   accept.Asset,
					Message: paymentErrorMessage(resp.Body()),
				}
			}
			selected, err := r.selectPayment(resp.Body())
			if err != nil {
				return fmt.Errorf("%s %s: %w", method, req.Path, err)
			}
			accept = &selected
			if header, err = r.authorize(ctx, selected); err != nil {
				return fmt.Errorf("%s %s: %w", method, req.Path, err)
			}
			logger.Infof("[payment] %s %s requires %s atomic units of %s, retrying with signed authorization", method, req.Path, selected.MaxAmountRequired, selected.Asset)
			continue
		case status == http.StatusTooManyRequests:
			wait := retryAfter(resp)
			if rateLimited >= r.rlRetries {
				return &RateLimitError{Path: req.Path, Attempts: rateLimited + 1, RetryAfter: wait}
			}
			if wait <= 0 {
				wait = r.rlPolicy.Delay(rateLimited)
			}
			rateLimited++
			logger.Warnf("[payment] %s %s rate limited, retry %d/%d in %s", method, req.Path, rateLimited, r.rlRetries, wait)
			if err := r.rlPolicy.Wait(ctx, wait); err != nil {
				return err
			}
			if accept != nil {
				// a rejected request consumed nothing, but its signature is
				// still never sent twice
				if header, err = r.authorize(ctx, *accept); err != nil {
					return fmt.Errorf("%s %s: %w", method, req.Path, err)
				}
			}
			continue
		case status >= 300:
			return parseAPIError(status, resp.Body())
		}
		if buf, ok := out.(*[]byte); ok {
			*buf = append((*buf)[:0], resp.Body()...)
			return nil
		}
		if out == nil || len(resp.Body()) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, req.Path, err)
		}
		return nil
	}
}

func (r *Requester) send(ctx context.Context, method string, req Request, paymentHeader string) (*resty.Response, error) {
	rq := r.http.R().SetContext(ctx)
	if len(req.Query) > 0 {
		rq.SetQueryParams(req.Query)
	}
	if req.Body != nil {
		rq.SetHeader("Content-Type", "application/json").SetBody(req.Body)
	}
	if paymentHeader != "" {
		rq.SetHeader(HeaderPayment, paymentHeader)
	}
	return rq.Execute(method, req.Path)
}

func (r *Requester) selectPayment(body []byte) (Accept, error) {
	if r.signer == nil {
		return Accept{}, fmt.Errorf("payment required but no signer configured")
	}
	reqs, err := ParseRequirements(body)
	if err != nil {
		return Accept{}, err
	}
	accept, err := reqs.Select(r.network)
	if err != nil {
		return Accept{}, err
	}
	amount, err := accept.Amount()
	if err != nil {
		return Accept{}, err
	}
	if r.maxPayment != nil && r.maxPayment.Sign() > 0 && amount.Cmp(r.maxPayment) > 0 {
		return Accept{}, fmt.Errorf("payment of %s exceeds configured maximum %s", amount, r.maxPayment)
	}
	return accept, nil
}

func (r *Requester) authorize(ctx context.Context, accept Accept) (string, error) {
	payload, err := r.signer.Authorize(ctx, accept)
	if err != nil {
		return "", fmt.Errorf("sign payment: %w", err)
	}
	header, err := payload.Encode()
	if err != nil {
		return "", fmt.Errorf("encode payment: %w", err)
	}
	r.payments.Add(1)
	return header, nil
}

// retryAfter reads the Retry-After header (seconds or HTTP date) or a
// retryAfter/retry_after body field in seconds.
func retryAfter(resp *resty.Response) time.Duration {
	var wait time.Duration
	if v := strings.TrimSpace(resp.Header().Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			wait = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			wait = time.Until(at)
		}
	}
	if wait <= 0 {
		var body struct {
			RetryAfter      float64 `json:"retryAfter"`
			RetryAfterSnake float64 `json:"retry_after"`
		}
		if json.Unmarshal(resp.Body(), &body) == nil {
			secs := body.RetryAfter
			if secs <= 0 {
				secs = body.RetryAfterSnake
			}
			wait = time.Duration(secs * float64(time.Second))
		}
	}
	if wait > maxProviderRetryAfter {
		wait = maxProviderRetryAfter
	}
	return wait
}

func paymentErrorMessage(body []byte) string {
	var reqs Requirements
	if json.Unmarshal(body, &reqs) == nil && reqs.Error != "" {
		return reqs.Error
	}
	return ""
}
