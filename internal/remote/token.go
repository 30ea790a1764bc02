package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

const (
	DefaultCSRFHeader     = "X-CSRFToken"
	DefaultCSRFCookie     = "csrftoken"
	DefaultCSRFFormField  = "csrfmiddlewaretoken"
	DefaultCSRFMetaName   = "csrf-token"
	DefaultCSRFDataAttr   = "data-csrf-token"
	maxTokenPageBodyBytes = 4 << 20
)

// TokenSource yields the anti-forgery token for the next POST. An empty token
// with a nil error means "none available"; the request is still sent.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

// Chain asks each source in order and returns the first non-empty token.
type Chain []TokenSource

func (c Chain) Token(ctx context.Context) (string, error) {
	var errs []error
	for _, source := range c {
		if source == nil {
			continue
		}
		token, err := source.Token(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if token = strings.TrimSpace(token); token != "" {
			return token, nil
		}
	}
	return "", errors.Join(errs...)
}

type PageLoader func(ctx context.Context) (io.ReadCloser, error)

// FetchPage loads the page hosting the viewer, typically the LMS unit page.
func FetchPage(client *http.Client, pageURL string) PageLoader {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = resp.Body.Close()
			return nil, &HTTPError{StatusCode: resp.StatusCode, Message: "token page unavailable"}
		}
		return resp.Body, nil
	}
}

// PageTokenSource reads the token out of the host page's markup, preferring
// an element carrying the data attribute, then the form field, then the meta
// tag.
type PageTokenSource struct {
	Load PageLoader
}

func (s PageTokenSource) Token(ctx context.Context) (string, error) {
	if s.Load == nil {
		return "", nil
	}
	body, err := s.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load token page: %w", err)
	}
	defer body.Close()
	return ExtractPageToken(io.LimitReader(body, maxTokenPageBodyBytes))
}

func ExtractPageToken(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}
	var domToken, formToken, metaToken string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if domToken == "" {
				domToken = attr(n, DefaultCSRFDataAttr)
			}
			switch n.Data {
			case "input":
				if formToken == "" && attr(n, "name") == DefaultCSRFFormField {
					formToken = attr(n, "value")
				}
			case "meta":
				if metaToken == "" && attr(n, "name") == DefaultCSRFMetaName {
					metaToken = attr(n, "content")
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	for _, token := range []string{domToken, formToken, metaToken} {
		if token != "" {
			return token, nil
		}
	}
	return "", nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

type CookieTokenSource struct {
	Jar  http.CookieJar
	URL  *url.URL
	Name string
}

func (s CookieTokenSource) Token(context.Context) (string, error) {
	if s.Jar == nil || s.URL == nil {
		return "", nil
	}
	name := s.Name
	if name == "" {
		name = DefaultCSRFCookie
	}
	for _, cookie := range s.Jar.Cookies(s.URL) {
		if cookie.Name == name {
			return strings.TrimSpace(cookie.Value), nil
		}
	}
	return "", nil
}
