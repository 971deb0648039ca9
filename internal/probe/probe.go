// Package probe sends a single adversarial HTTP request to a running service
// and classifies the response as fixed, vulnerable or something it cannot
// interpret.
package probe

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// Classification is the probe's reading of a response.
type Classification string

const (
	Fixed          Classification = "fixed"
	Vulnerable     Classification = "vulnerable"
	Partial        Classification = "partial"
	Ambiguous      Classification = "ambiguous"
	TransportError Classification = "transport-error"
)

// IsVerdict reports whether c is a grading verdict rather than a failure to
// observe one.
func (c Classification) IsVerdict() bool {
	return c == Fixed || c == Vulnerable || c == Partial
}

const (
	// BodyLimit is how many characters of the response body are kept on an
	// Outcome.
	BodyLimit = 200
	// maxRead bounds how much of an untrusted response is read at all.
	maxRead = 64 * 1024

	defaultTimeout = 5 * time.Second
)

// SigV4 holds credentials for AWS Signature Version 4 request signing.
type SigV4 struct {
	AccessKey string
	SecretKey string
	Region    string
	Service   string
}

type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
	SigV4   *SigV4
}

// Outcome is what one probe observed.
type Outcome struct {
	StatusCode     int            `json:"status_code,omitempty"`
	Body           string         `json:"body,omitempty"`
	Classification Classification `json:"classification"`
	Detail         string         `json:"detail,omitempty"`
	Error          string         `json:"error,omitempty"`
	Duration       time.Duration  `json:"-"`
}

// Response is what classifiers see. Body is the bounded read, not the
// truncated copy stored on the Outcome.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Classifier maps a response to a classification plus a short detail used
// in summaries and metadata.
type Classifier interface {
	Classify(resp *Response) (Classification, string)
}

// Prober issues probes. The zero value is usable.
type Prober struct {
	Client *http.Client
	Now    func() time.Time
}

func New() *Prober {
	return &Prober{Client: NewClient()}
}

// NewClient returns an HTTP client that never follows redirects: a redirect
// to an attacker-supplied host is itself a response worth classifying.
func NewClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Run sends exactly one request and classifies the response. It never returns
// nil.
func (p *Prober) Run(ctx context.Context, req Request, c Classifier) *Outcome {
	start := time.Now()
	out := p.run(ctx, req, c)
	out.Duration = time.Since(start)
	return out
}

func (p *Prober) run(ctx context.Context, req Request, c Classifier) *Outcome {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return &Outcome{Classification: TransportError, Error: fmt.Sprintf("building request: %v", err)}
	}
	for k, v := range req.Headers {
		// Go ignores a Host entry in the header map; the Host line comes from req.Host.
		if strings.EqualFold(k, "Host") {
			httpReq.Host = v
			continue
		}
		httpReq.Header.Set(k, v)
	}
	if req.SigV4 != nil {
		if err := p.sign(ctx, httpReq, req.Body, req.SigV4); err != nil {
			return &Outcome{Classification: TransportError, Error: err.Error()}
		}
	}

	client := p.Client
	if client == nil {
		client = NewClient()
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return &Outcome{Classification: TransportError, Error: describeTransportError(err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRead))
	if err != nil {
		return &Outcome{
			StatusCode:     resp.StatusCode,
			Classification: TransportError,
			Error:          fmt.Sprintf("reading body: %v", err),
		}
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxRead))

	class, detail := c.Classify(&Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data})
	return &Outcome{
		StatusCode:     resp.StatusCode,
		Body:           Truncate(string(data), BodyLimit),
		Classification: class,
		Detail:         detail,
	}
}

func (p *Prober) sign(ctx context.Context, req *http.Request, body string, creds *SigV4) error {
	sum := sha256.Sum256([]byte(body))
	region := creds.Region
	if region == "" {
		region = "us-east-1"
	}
	service := creds.Service
	if service == "" {
		service = "s3"
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	payloadHash := hex.EncodeToString(sum[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	signer := v4.NewSigner()
	err := signer.SignHTTP(ctx, aws.Credentials{
		AccessKeyID:     creds.AccessKey,
		SecretAccessKey: creds.SecretKey,
	}, req, payloadHash, service, region, now().UTC())
	if err != nil {
		return fmt.Errorf("signing request: %w", err)
	}
	return nil
}

func describeTransportError(err error) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Sprintf("timeout: %v", err)
	}
	return err.Error()
}

// Truncate returns at most n characters of s without splitting a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// trimmed returns the body with surrounding whitespace removed.
func trimmed(b []byte) string {
	return string(bytes.TrimSpace(b))
}
